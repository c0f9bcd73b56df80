package memtree

import (
	"fmt"
	"os"

	"github.com/mattkeenan/btrfshash/pkg/ctree"
)

// Image layout: one chunk, mapped to the same offsets on the device
const (
	ImageChunkStart  uint64 = 1 << 20
	ImageChunkLength uint64 = 64 << 20
	imageDevID       uint64 = 1
)

// ImageOptions describes the filesystem an Image writes
type ImageOptions struct {
	NodeSize   int
	SectorSize uint32
	CsumType   uint16
	FSID       [16]byte
}

// Image assembles a single-device btrfs image from trees built in memory:
// superblock, sys chunk array, chunk tree, root tree and any number of
// subvolume and checksum trees
type Image struct {
	opts  ImageOptions
	store *Store
	roots *Builder
}

// NewImage returns an empty image
func NewImage(opts ImageOptions) *Image {
	if opts.NodeSize == 0 {
		opts.NodeSize = defaultNodeSize
	}
	if opts.SectorSize == 0 {
		opts.SectorSize = 4096
	}
	img := &Image{
		opts:  opts,
		store: NewStore(opts.NodeSize, ImageChunkStart),
	}
	img.roots = NewBuilder(img.TreeOptions(ctree.RootTreeObjectID))
	return img
}

// Store returns the block store the image's trees live in
func (img *Image) Store() *Store {
	return img.store
}

// TreeOptions returns builder options matching the image for tree id owner
func (img *Image) TreeOptions(owner uint64) Options {
	return Options{Owner: owner, CsumType: img.opts.CsumType, FSID: img.opts.FSID}
}

// AddTree builds b into the image and records it in the root tree as id
func (img *Image) AddTree(id uint64, b *Builder) (*ctree.Tree, error) {
	tree, level, err := b.Build(img.store)
	if err != nil {
		return nil, fmt.Errorf("failed to build tree %d: %w", id, err)
	}
	if err := img.roots.InsertRoot(id, 1, tree, level); err != nil {
		return nil, err
	}
	return tree, nil
}

// WriteFile builds the chunk and root trees and writes the image to path
func (img *Image) WriteFile(path string) error {
	chunk := ctree.Chunk{
		Logical: ImageChunkStart,
		Length:  ImageChunkLength,
		Type:    2 | 4, // system | metadata
		Stripes: []ctree.Stripe{{DevID: imageDevID, Offset: ImageChunkStart}},
	}
	chunkKey := ctree.Key{ObjectID: ctree.FirstChunkTreeObjectID, Type: ctree.ChunkItemKey, Offset: chunk.Logical}

	chunks := NewBuilder(img.TreeOptions(ctree.ChunkTreeObjectID))
	if err := chunks.Insert(chunkKey, ctree.EncodeChunk(chunk)); err != nil {
		return err
	}
	chunkTree, chunkLevel, err := chunks.Build(img.store)
	if err != nil {
		return fmt.Errorf("failed to build chunk tree: %w", err)
	}
	rootTree, rootLevel, err := img.roots.Build(img.store)
	if err != nil {
		return fmt.Errorf("failed to build root tree: %w", err)
	}

	end := img.store.Next()
	if end > ImageChunkStart+ImageChunkLength {
		return fmt.Errorf("image needs %d bytes, chunk holds %d", end-ImageChunkStart, ImageChunkLength)
	}

	sysArray := make([]byte, ctree.KeySize)
	ctree.EncodeKey(sysArray, chunkKey)
	sysArray = append(sysArray, ctree.EncodeChunk(chunk)...)

	sb := &ctree.Superblock{
		FSID:           img.opts.FSID,
		MetadataUUID:   img.opts.FSID,
		Bytenr:         ctree.SuperOffset,
		Generation:     1,
		Root:           rootTree.Root(),
		ChunkRoot:      chunkTree.Root(),
		TotalBytes:     end,
		NumDevices:     1,
		SectorSize:     img.opts.SectorSize,
		NodeSize:       uint32(img.opts.NodeSize),
		CsumType:       img.opts.CsumType,
		RootLevel:      rootLevel,
		ChunkRootLevel: chunkLevel,
		DevID:          imageDevID,
		SysChunkArray:  sysArray,
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := f.Truncate(int64(end)); err != nil {
		return err
	}
	if _, err := f.WriteAt(ctree.EncodeSuperblock(sb), ctree.SuperOffset); err != nil {
		return fmt.Errorf("failed to write superblock: %w", err)
	}
	for _, bytenr := range img.store.Addresses() {
		if _, err := f.WriteAt(img.store.Block(bytenr), int64(bytenr)); err != nil {
			return fmt.Errorf("failed to write block %d: %w", bytenr, err)
		}
	}
	return f.Close()
}
