// Package memtree builds btrfs trees in memory. Items may be inserted in any
// order; Build sorts them, packs them into leaves and internal nodes using the
// on-disk block format, and stores the blocks in a Store that ctree can read
// through its normal search and leaf-walking code.
package memtree

import (
	"encoding/binary"
	"fmt"

	zcsl "github.com/mattkeenan/zerocopyskiplist"

	"github.com/mattkeenan/btrfshash/pkg/ctree"
)

// Insertion sources, recorded as skiplist context for diagnostics
const (
	SourceItem   = "item"
	SourceExtent = "extent"
	SourceCsum   = "csum"
	SourceRoot   = "root"
)

const (
	defaultNodeSize = 4096
	skiplistLevels  = 16
)

// Options controls block layout. Zero values pick btrfs defaults; the item
// and pointer caps exist so tests can force multi-leaf, multi-level trees.
type Options struct {
	Owner    uint64   // Tree id stamped into headers
	MaxItems int      // Max items per leaf, 0 = as many as fit
	MaxPtrs  int      // Max key pointers per internal node, 0 = as many as fit
	CsumType uint16   // Block checksum algorithm
	FSID     [16]byte // Filesystem id stamped into headers
}

type item struct {
	key  ctree.Key
	data []byte
}

// Builder collects items for one tree
type Builder struct {
	opts  Options
	items *zcsl.ZeroCopySkiplist[item, ctree.Key, string]
}

// NewBuilder returns an empty tree builder
func NewBuilder(opts Options) *Builder {
	getKey := func(it *item) ctree.Key {
		return it.key
	}
	getSize := func(it *item) int {
		return ctree.ItemSize + len(it.data)
	}
	cmpKey := func(a, b ctree.Key) int {
		return a.Compare(b)
	}

	return &Builder{
		opts: opts,
		items: zcsl.MakeZeroCopySkiplist[item, ctree.Key, string](
			skiplistLevels,
			getKey,
			getSize,
			cmpKey,
		),
	}
}

// Insert adds an item. Keys must be unique within a tree.
func (b *Builder) Insert(key ctree.Key, data []byte) error {
	return b.insert(key, data, SourceItem)
}

func (b *Builder) insert(key ctree.Key, data []byte, source string) error {
	if found, _ := b.items.Find(key); found != nil {
		return fmt.Errorf("duplicate key %v", key)
	}
	it := &item{key: key, data: append([]byte(nil), data...)}
	if !b.items.Insert(it, source) {
		return fmt.Errorf("failed to insert key %v", key)
	}
	return nil
}

// InsertFileExtent adds an EXTENT_DATA item for inode ino at a file offset
func (b *Builder) InsertFileExtent(ino, fileOffset uint64, fe ctree.FileExtent) error {
	key := ctree.Key{ObjectID: ino, Type: ctree.ExtentDataKey, Offset: fileOffset}
	return b.insert(key, fe.Encode(), SourceExtent)
}

// InsertCsums adds an EXTENT_CSUM item whose checksums start at bytenr
func (b *Builder) InsertCsums(bytenr uint64, sums []byte) error {
	key := ctree.Key{ObjectID: ctree.ExtentCsumObjectID, Type: ctree.ExtentCsumKey, Offset: bytenr}
	return b.insert(key, sums, SourceCsum)
}

// InsertRoot adds a ROOT_ITEM pointing at a tree
func (b *Builder) InsertRoot(id, transid uint64, root *ctree.Tree, level uint8) error {
	key := ctree.Key{ObjectID: id, Type: ctree.RootItemKey, Offset: transid}
	return b.insert(key, ctree.EncodeRootItem(ctree.RootItem{Bytenr: root.Root(), Level: level}), SourceRoot)
}

// Len returns the number of items inserted so far
func (b *Builder) Len() int {
	return b.items.Length()
}

// CountSource returns how many items were inserted through the given source
func (b *Builder) CountSource(source string) int {
	n := 0
	for cur := b.items.First(); cur != nil; cur = cur.Next() {
		if cur.Context() == source {
			n++
		}
	}
	return n
}

type childRef struct {
	key    ctree.Key
	bytenr uint64
}

// Build packs the items into blocks allocated from store and returns the tree
// together with its root level
func (b *Builder) Build(store *Store) (*ctree.Tree, uint8, error) {
	children, err := b.packLeaves(store)
	if err != nil {
		return nil, 0, err
	}

	level := uint8(0)
	for len(children) > 1 {
		level++
		if level >= ctree.MaxLevel {
			return nil, 0, fmt.Errorf("tree exceeds %d levels", ctree.MaxLevel)
		}
		children, err = b.packNodes(store, children, level)
		if err != nil {
			return nil, 0, err
		}
	}

	return ctree.NewTree(store, children[0].bytenr, level), level, nil
}

// packLeaves writes the sorted items into as few leaves as the limits allow
func (b *Builder) packLeaves(store *Store) ([]childRef, error) {
	nodeSize := store.NodeSize()
	var (
		leaves []childRef
		batch  []*item
		used   int
	)

	flush := func() {
		bytenr := store.alloc()
		store.put(bytenr, b.encodeLeaf(bytenr, nodeSize, batch))
		ref := childRef{bytenr: bytenr}
		if len(batch) > 0 {
			ref.key = batch[0].key
		}
		leaves = append(leaves, ref)
		batch, used = nil, 0
	}

	for cur := b.items.First(); cur != nil; cur = cur.Next() {
		it := cur.Item()
		need := ctree.ItemSize + len(it.data)
		if ctree.HeaderSize+need > nodeSize {
			return nil, fmt.Errorf("item %v of %d bytes does not fit in a %d byte leaf", it.key, len(it.data), nodeSize)
		}
		full := ctree.HeaderSize+used+need > nodeSize
		if b.opts.MaxItems > 0 && len(batch) >= b.opts.MaxItems {
			full = true
		}
		if full {
			flush()
		}
		batch = append(batch, it)
		used += need
	}
	if len(batch) > 0 || len(leaves) == 0 {
		flush()
	}
	return leaves, nil
}

// packNodes writes one level of internal nodes over children
func (b *Builder) packNodes(store *Store, children []childRef, level uint8) ([]childRef, error) {
	nodeSize := store.NodeSize()
	fanout := (nodeSize - ctree.HeaderSize) / ctree.KeyPtrSize
	if b.opts.MaxPtrs > 1 && b.opts.MaxPtrs < fanout {
		fanout = b.opts.MaxPtrs
	}
	if fanout < 2 {
		return nil, fmt.Errorf("node size %d cannot hold two key pointers", nodeSize)
	}

	var parents []childRef
	for start := 0; start < len(children); start += fanout {
		end := start + fanout
		if end > len(children) {
			end = len(children)
		}
		bytenr := store.alloc()
		store.put(bytenr, b.encodeNode(bytenr, nodeSize, level, children[start:end]))
		parents = append(parents, childRef{key: children[start].key, bytenr: bytenr})
	}
	return parents, nil
}

func (b *Builder) encodeHeader(block []byte, bytenr uint64, nritems int, level uint8) {
	copy(block[32:48], b.opts.FSID[:])
	binary.LittleEndian.PutUint64(block[48:56], bytenr)
	binary.LittleEndian.PutUint64(block[80:88], 1)
	binary.LittleEndian.PutUint64(block[88:96], b.opts.Owner)
	binary.LittleEndian.PutUint32(block[96:100], uint32(nritems))
	block[100] = level
}

// encodeLeaf lays out item headers after the block header and payloads from
// the end of the block backwards
func (b *Builder) encodeLeaf(bytenr uint64, nodeSize int, items []*item) []byte {
	block := make([]byte, nodeSize)
	b.encodeHeader(block, bytenr, len(items), 0)

	dataEnd := nodeSize - ctree.HeaderSize
	for i, it := range items {
		dataEnd -= len(it.data)
		copy(block[ctree.HeaderSize+dataEnd:], it.data)

		off := ctree.HeaderSize + i*ctree.ItemSize
		ctree.EncodeKey(block[off:off+ctree.KeySize], it.key)
		binary.LittleEndian.PutUint32(block[off+ctree.KeySize:], uint32(dataEnd))
		binary.LittleEndian.PutUint32(block[off+ctree.KeySize+4:], uint32(len(it.data)))
	}

	ctree.SetBlockCsum(block, b.opts.CsumType)
	return block
}

func (b *Builder) encodeNode(bytenr uint64, nodeSize int, level uint8, children []childRef) []byte {
	block := make([]byte, nodeSize)
	b.encodeHeader(block, bytenr, len(children), level)

	for i, c := range children {
		off := ctree.HeaderSize + i*ctree.KeyPtrSize
		ctree.EncodeKey(block[off:off+ctree.KeySize], c.key)
		binary.LittleEndian.PutUint64(block[off+ctree.KeySize:], c.bytenr)
		binary.LittleEndian.PutUint64(block[off+ctree.KeySize+8:], 1)
	}

	ctree.SetBlockCsum(block, b.opts.CsumType)
	return block
}
