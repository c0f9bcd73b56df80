package ctree

import (
	"fmt"
	"math"
	"os"

	arc "github.com/hashicorp/golang-lru/arc/v2"
	"golang.org/x/sys/unix"
)

const minCachedNodes = 16

// Options controls how a filesystem is opened
type Options struct {
	CacheBytes  int  // Upper bound on memory spent caching tree blocks
	VerifyNodes bool // Verify tree block checksums as blocks are read
}

// FS is a read-only view of the metadata of a single-device btrfs filesystem
type FS struct {
	Path   string
	Super  *Superblock
	file   *os.File
	chunks *ChunkMap
	cache  *arc.ARCCache[uint64, *Node]
	verify bool

	rootTree *Tree
	csumTree *Tree
}

// Open reads the superblock of a btrfs device, bootstraps the chunk map and
// locates the root and checksum trees
func Open(device string, opts Options) (*FS, error) {
	file, err := os.Open(device)
	if err != nil {
		return nil, fmt.Errorf("failed to open device %s: %w", device, err)
	}

	fs := &FS{Path: device, file: file, verify: opts.VerifyNodes}
	if err := fs.init(opts); err != nil {
		file.Close()
		return nil, err
	}
	return fs, nil
}

func (fs *FS) init(opts Options) error {
	buf := make([]byte, SuperInfoSize)
	if err := fs.preadFull(buf, SuperOffset); err != nil {
		return fmt.Errorf("failed to read superblock of %s: %w", fs.Path, err)
	}
	sb, err := ParseSuperblock(buf)
	if err != nil {
		return fmt.Errorf("%s: %w", fs.Path, err)
	}
	if fs.verify {
		if err := VerifyBlockCsum(buf, sb.CsumType); err != nil {
			return fmt.Errorf("%s: superblock: %w", fs.Path, err)
		}
	}
	fs.Super = sb

	cacheNodes := opts.CacheBytes / int(sb.NodeSize)
	if cacheNodes < minCachedNodes {
		cacheNodes = minCachedNodes
	}
	fs.cache, err = arc.NewARC[uint64, *Node](cacheNodes)
	if err != nil {
		return fmt.Errorf("failed to create node cache: %w", err)
	}

	fs.chunks = NewChunkMap(sb.DevID)
	if err := fs.chunks.loadSysChunks(sb.SysChunkArray); err != nil {
		return fmt.Errorf("%s: sys chunk array: %w", fs.Path, err)
	}
	if err := fs.loadChunkTree(); err != nil {
		return fmt.Errorf("%s: chunk tree: %w", fs.Path, err)
	}

	fs.rootTree = NewTree(fs, sb.Root, sb.RootLevel)
	fs.csumTree, err = fs.ReadRoot(CsumTreeObjectID)
	if err != nil {
		return fmt.Errorf("%s: checksum tree: %w", fs.Path, err)
	}
	return nil
}

// loadChunkTree adds every CHUNK_ITEM of the chunk tree to the chunk map
func (fs *FS) loadChunkTree() error {
	tree := NewTree(fs, fs.Super.ChunkRoot, fs.Super.ChunkRootLevel)
	path, _, err := tree.Search(Key{ObjectID: FirstChunkTreeObjectID, Type: ChunkItemKey})
	if err != nil {
		return err
	}
	defer path.Close()

	for {
		if path.Slot() >= path.NumItems() {
			ok, err := path.NextLeaf()
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
			continue
		}

		key := path.Key()
		if !key.Is(FirstChunkTreeObjectID, ChunkItemKey) {
			return nil
		}
		data, err := path.Item()
		if err != nil {
			return err
		}
		c, _, err := DecodeChunk(key.Offset, data)
		if err != nil {
			return err
		}
		fs.chunks.Insert(c)
		path.Next()
	}
}

// Close releases the device
func (fs *FS) Close() error {
	if fs.file == nil {
		return nil
	}
	err := fs.file.Close()
	fs.file = nil
	fs.cache.Purge()
	return err
}

// SectorSize returns the data block granularity
func (fs *FS) SectorSize() uint32 {
	return fs.Super.SectorSize
}

// CsumSize returns the size of one data checksum value
func (fs *FS) CsumSize() int {
	return fs.Super.CsumSize()
}

// RootTree returns the tree of tree roots
func (fs *FS) RootTree() *Tree {
	return fs.rootTree
}

// CsumTree returns the data checksum tree
func (fs *FS) CsumTree() *Tree {
	return fs.csumTree
}

// ReadRoot finds the newest ROOT_ITEM for a tree id and returns that tree
func (fs *FS) ReadRoot(id uint64) (*Tree, error) {
	return FindRoot(fs.rootTree, fs, id)
}

// FindRoot looks up the ROOT_ITEM of tree id in rootTree. Snapshots keep
// several items per id keyed by transid, so the search starts past the
// largest possible offset and steps back to the last one.
func FindRoot(rootTree *Tree, reader NodeReader, id uint64) (*Tree, error) {
	path, res, err := rootTree.Search(Key{ObjectID: id, Type: RootItemKey, Offset: math.MaxUint64})
	if err != nil {
		return nil, err
	}
	defer path.Close()

	if !res.Found {
		if path.Slot() == 0 {
			ok, err := path.PrevLeaf()
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, fmt.Errorf("%w: no root item for tree %d", ErrNotFound, id)
			}
		} else {
			path.SetSlot(path.Slot() - 1)
		}
	}

	if !path.Valid() || !path.Key().Is(id, RootItemKey) {
		return nil, fmt.Errorf("%w: no root item for tree %d", ErrNotFound, id)
	}
	data, err := path.Item()
	if err != nil {
		return nil, err
	}
	ri, err := DecodeRootItem(data)
	if err != nil {
		return nil, err
	}
	return NewTree(reader, ri.Bytenr, ri.Level), nil
}

// ReadNode reads the tree block at a logical address, through the cache
func (fs *FS) ReadNode(bytenr uint64) (*Node, error) {
	if node, ok := fs.cache.Get(bytenr); ok {
		return node, nil
	}

	size := uint64(fs.Super.NodeSize)
	phys, err := fs.chunks.Map(bytenr, size)
	if err != nil {
		return nil, fmt.Errorf("tree block %d: %w", bytenr, err)
	}

	buf := make([]byte, size)
	if err := fs.preadFull(buf, int64(phys)); err != nil {
		return nil, fmt.Errorf("failed to read tree block %d at device offset %d: %w", bytenr, phys, err)
	}
	if fs.verify {
		if err := VerifyBlockCsum(buf, fs.Super.CsumType); err != nil {
			return nil, fmt.Errorf("tree block %d: %w", bytenr, err)
		}
	}

	node, err := ParseNode(buf)
	if err != nil {
		return nil, err
	}
	if node.Bytenr != bytenr {
		return nil, fmt.Errorf("%w: block read at %d claims to be %d", ErrBadNode, bytenr, node.Bytenr)
	}
	if node.FSID != fs.Super.MetadataUUID {
		return nil, fmt.Errorf("%w: block %d belongs to another filesystem", ErrBadNode, bytenr)
	}

	fs.cache.Add(bytenr, node)
	return node, nil
}

// preadFull fills buf from the device at off
func (fs *FS) preadFull(buf []byte, off int64) error {
	fd := int(fs.file.Fd())
	for done := 0; done < len(buf); {
		n, err := unix.Pread(fd, buf[done:], off+int64(done))
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return err
		}
		if n == 0 {
			return fmt.Errorf("unexpected end of device after %d of %d bytes", done, len(buf))
		}
		done += n
	}
	return nil
}
