package btrfshash

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/mattkeenan/btrfshash/pkg/ctree"
)

// btrfs_ioctl_ino_lookup_args
type inoLookupArgs struct {
	TreeID   uint64
	ObjectID uint64
	Name     [4080]byte
}

// BTRFS_IOC_INO_LOOKUP is _IOWR(0x94, 18, struct btrfs_ioctl_ino_lookup_args)
const iocInoLookup = 0xd0009412

// Ensure the argument struct matches the size encoded in the request number
var _ = [1]struct{}{}[unsafe.Sizeof(inoLookupArgs{})-4096]

// LookupSubvolume asks the kernel which subvolume tree holds the inode of
// filePath. With treeid 0 and the first free objectid the lookup needs no
// privileges and only fills in the tree id.
func LookupSubvolume(filePath string) (uint64, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	args := inoLookupArgs{ObjectID: ctree.FirstFreeObjectID}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, file.Fd(), iocInoLookup, uintptr(unsafe.Pointer(&args)))
	if errno != 0 {
		return 0, fmt.Errorf("BTRFS_IOC_INO_LOOKUP on %s: %w", filePath, errno)
	}
	return args.TreeID, nil
}
