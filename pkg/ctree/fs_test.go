package ctree_test

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattkeenan/btrfshash/pkg/ctree"
	"github.com/mattkeenan/btrfshash/pkg/memtree"
)

var testFSID = [16]byte{0xde, 0xad, 0xbe, 0xef, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}

// writeImage writes a filesystem with a checksum tree and two subvolumes
func writeImage(t *testing.T, csumType uint16) string {
	t.Helper()
	img := memtree.NewImage(memtree.ImageOptions{CsumType: csumType, FSID: testFSID})

	csums := memtree.NewBuilder(img.TreeOptions(ctree.CsumTreeObjectID))
	for i := uint64(0); i < 8; i++ {
		sums := make([]byte, 16)
		binary.LittleEndian.PutUint32(sums, uint32(i))
		require.NoError(t, csums.InsertCsums(0x4000000+i*0x10000, sums))
	}
	_, err := img.AddTree(ctree.CsumTreeObjectID, csums)
	require.NoError(t, err)

	for _, id := range []uint64{ctree.FSTreeObjectID, 257} {
		fsTree := memtree.NewBuilder(img.TreeOptions(id))
		require.NoError(t, fsTree.InsertFileExtent(300, 0, ctree.FileExtent{
			Type: ctree.FileExtentReg, DiskBytenr: 0x4000000 + id*4096, DiskNumBytes: 4096, NumBytes: 4096,
		}))
		_, err := img.AddTree(id, fsTree)
		require.NoError(t, err)
	}

	path := filepath.Join(t.TempDir(), "btrfs.img")
	require.NoError(t, img.WriteFile(path))
	return path
}

func TestOpenImage(t *testing.T) {
	for _, csumType := range []uint16{ctree.CsumTypeCRC32C, ctree.CsumTypeXXHash, ctree.CsumTypeSHA256, ctree.CsumTypeBlake2} {
		t.Run(ctree.CsumTypeName(csumType), func(t *testing.T) {
			image := writeImage(t, csumType)

			fs, err := ctree.Open(image, ctree.Options{CacheBytes: 1 << 20, VerifyNodes: true})
			require.NoError(t, err)
			defer fs.Close()

			assert.Equal(t, uint32(4096), fs.SectorSize())
			assert.Equal(t, testFSID, fs.Super.FSID)
			expectedSize, _ := ctree.CsumTypeSize(csumType)
			assert.Equal(t, expectedSize, fs.CsumSize())

			path, res, err := fs.CsumTree().Search(ctree.Key{
				ObjectID: ctree.ExtentCsumObjectID, Type: ctree.ExtentCsumKey, Offset: 0x4030000,
			})
			require.NoError(t, err)
			defer path.Close()
			require.True(t, res.Found)
			data, err := path.Item()
			require.NoError(t, err)
			assert.Equal(t, uint32(3), binary.LittleEndian.Uint32(data))

			for _, id := range []uint64{ctree.FSTreeObjectID, 257} {
				tree, err := fs.ReadRoot(id)
				require.NoError(t, err)

				p, res, err := tree.Search(ctree.Key{ObjectID: 300, Type: ctree.ExtentDataKey})
				require.NoError(t, err)
				require.True(t, res.Found)
				data, err := p.Item()
				require.NoError(t, err)
				fe, err := ctree.DecodeFileExtent(data)
				require.NoError(t, err)
				assert.Equal(t, 0x4000000+id*4096, fe.DiskBytenr)
				p.Close()
			}
		})
	}
}

func TestOpenImageMissingSubvolume(t *testing.T) {
	fs, err := ctree.Open(writeImage(t, ctree.CsumTypeCRC32C), ctree.Options{})
	require.NoError(t, err)
	defer fs.Close()

	_, err = fs.ReadRoot(258)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ctree.ErrNotFound))
}

func TestOpenImageDetectsCorruptBlock(t *testing.T) {
	for _, csumType := range []uint16{ctree.CsumTypeCRC32C, ctree.CsumTypeSHA256, ctree.CsumTypeBlake2} {
		t.Run(ctree.CsumTypeName(csumType), func(t *testing.T) {
			checkCorruptBlock(t, csumType)
		})
	}
}

func checkCorruptBlock(t *testing.T, csumType uint16) {
	image := writeImage(t, csumType)

	fs, err := ctree.Open(image, ctree.Options{})
	require.NoError(t, err)
	csumRoot := fs.CsumTree().Root()
	require.NoError(t, fs.Close())

	// Flip a byte in the free space of the checksum tree root, covered by its
	// header checksum but not by any item
	f, err := os.OpenFile(image, os.O_RDWR, 0)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0xff}, int64(csumRoot)+2048)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	csumKey := ctree.Key{ObjectID: ctree.ExtentCsumObjectID, Type: ctree.ExtentCsumKey}

	fs, err = ctree.Open(image, ctree.Options{VerifyNodes: true})
	require.NoError(t, err)
	_, _, err = fs.CsumTree().Search(csumKey)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ctree.ErrBadNode))
	fs.Close()

	// Without verification the block still parses
	fs, err = ctree.Open(image, ctree.Options{})
	require.NoError(t, err)
	path, _, err := fs.CsumTree().Search(csumKey)
	require.NoError(t, err)
	path.Close()
	fs.Close()
}

// The image's only chunk stripe sits on device 1; claiming to be device 2
// leaves nothing readable
func TestOpenRequiresStripeOnDevice(t *testing.T) {
	image := writeImage(t, ctree.CsumTypeCRC32C)

	f, err := os.OpenFile(image, os.O_RDWR, 0)
	require.NoError(t, err)
	buf := make([]byte, ctree.SuperInfoSize)
	_, err = f.ReadAt(buf, ctree.SuperOffset)
	require.NoError(t, err)
	sb, err := ctree.ParseSuperblock(buf)
	require.NoError(t, err)
	sb.DevID = 2
	sb.NumDevices = 2
	_, err = f.WriteAt(ctree.EncodeSuperblock(sb), ctree.SuperOffset)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = ctree.Open(image, ctree.Options{VerifyNodes: true})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ctree.ErrUnsupportedProfile), "got %v", err)
}

func TestOpenRejectsNonBtrfs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "zero.img")
	require.NoError(t, os.WriteFile(path, make([]byte, 128*1024), 0644))

	_, err := ctree.Open(path, ctree.Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a btrfs filesystem")

	_, err = ctree.Open(filepath.Join(t.TempDir(), "missing.img"), ctree.Options{})
	assert.Error(t, err)
}

func TestReadNodeUsesCache(t *testing.T) {
	fs, err := ctree.Open(writeImage(t, ctree.CsumTypeXXHash), ctree.Options{CacheBytes: 1 << 20})
	require.NoError(t, err)
	defer fs.Close()

	root := fs.CsumTree().Root()
	a, err := fs.ReadNode(root)
	require.NoError(t, err)
	b, err := fs.ReadNode(root)
	require.NoError(t, err)
	assert.Same(t, a, b)

	_, err = fs.ReadNode(root + 4096*1000)
	assert.Error(t, err)
}
