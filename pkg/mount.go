package btrfshash

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/moby/sys/mountinfo"

	"github.com/mattkeenan/btrfshash/pkg/ctree"
)

// Resolution is where a file lives: the device holding the filesystem and
// the subvolume tree its inode belongs to
type Resolution struct {
	FilePath   string // Absolute path with symlinks resolved
	Device     string
	MountPoint string
	SubvolID   uint64
}

// ResolveDevice finds the mount holding filePath in the mount table at
// mountInfoPath, considering only filesystems of type fsType
func ResolveDevice(filePath, mountInfoPath, fsType string) (*Resolution, error) {
	defer VerboseEnter()()

	resolved, err := filepath.EvalSymlinks(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", filePath, err)
	}
	resolved, err = filepath.Abs(resolved)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", filePath, err)
	}

	mounts, err := readMounts(mountInfoPath, fsType)
	if err != nil {
		return nil, err
	}

	m := SelectMount(mounts, resolved)
	if m == nil {
		return nil, fmt.Errorf("unable to determine block device for %s", resolved)
	}

	res := &Resolution{
		FilePath:   resolved,
		Device:     m.Source,
		MountPoint: m.Mountpoint,
		SubvolID:   ctree.FSTreeObjectID,
	}
	if id, ok := SubvolumeOption(m.VFSOptions); ok {
		res.SubvolID = id
	}

	if IsDebugEnabled(DebugMount) {
		VerboseLog(1, "%s is on %s mounted at %s, subvolid %d", resolved, res.Device, res.MountPoint, res.SubvolID)
	}
	return res, nil
}

func readMounts(mountInfoPath, fsType string) ([]*mountinfo.Info, error) {
	f, err := os.Open(mountInfoPath)
	if err != nil {
		return nil, fmt.Errorf("unable to open %s: %w", mountInfoPath, err)
	}
	defer f.Close()

	mounts, err := mountinfo.GetMountsFromReader(f, mountinfo.FSTypeFilter(fsType))
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", mountInfoPath, err)
	}
	return mounts, nil
}

// SelectMount returns the mount whose mount point is the longest prefix of
// path on a path component boundary. When two mounts share the same mount
// point the later one wins, since it is mounted on top of the earlier one.
func SelectMount(mounts []*mountinfo.Info, path string) *mountinfo.Info {
	var best *mountinfo.Info
	bestLen := -1

	for _, m := range mounts {
		if !mountCovers(m.Mountpoint, path) {
			continue
		}
		if n := len(m.Mountpoint); n >= bestLen {
			best, bestLen = m, n
		}
	}
	return best
}

// mountCovers reports whether path is mountPoint or lies below it
func mountCovers(mountPoint, path string) bool {
	mountPoint = filepath.Clean(mountPoint)
	if mountPoint == "/" {
		return strings.HasPrefix(path, "/")
	}
	if !strings.HasPrefix(path, mountPoint) {
		return false
	}
	return len(path) == len(mountPoint) || path[len(mountPoint)] == '/'
}

// SubvolumeOption extracts subvolid= from a btrfs super options string
func SubvolumeOption(options string) (uint64, bool) {
	for _, opt := range strings.Split(options, ",") {
		value, ok := strings.CutPrefix(opt, "subvolid=")
		if !ok {
			continue
		}
		id, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return 0, false
		}
		return id, true
	}
	return 0, false
}
