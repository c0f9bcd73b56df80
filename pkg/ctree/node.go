package ctree

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Tree block layout constants
const (
	HeaderSize     = 101 // csum(32) + fsid(16) + bytenr(8) + flags(8) + chunk_tree_uuid(16) + generation(8) + owner(8) + nritems(4) + level(1)
	ItemSize       = 25  // key(17) + offset(4) + size(4)
	KeyPtrSize     = 33  // key(17) + blockptr(8) + generation(8)
	HeaderCsumSize = 32  // checksum area at the start of every tree block
	MaxLevel       = 8
)

var (
	// ErrBadNode is returned for tree blocks that fail structural validation
	ErrBadNode = errors.New("corrupt tree block")
	// ErrBadItem is returned when an item payload is too short for its type
	ErrBadItem = errors.New("malformed item")
)

// Header is the decoded btrfs_header at the start of every tree block
type Header struct {
	Csum          [HeaderCsumSize]byte
	FSID          [16]byte
	Bytenr        uint64
	Flags         uint64
	ChunkTreeUUID [16]byte
	Generation    uint64
	Owner         uint64
	NrItems       uint32
	Level         uint8
}

// Node is one immutable tree block (leaf or internal node)
type Node struct {
	Header
	data []byte
}

// ParseNode decodes and validates a raw tree block. The node keeps a reference
// to data, which must not be modified afterwards.
func ParseNode(data []byte) (*Node, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: block of %d bytes is smaller than a header", ErrBadNode, len(data))
	}

	n := &Node{data: data}
	copy(n.Csum[:], data[0:32])
	copy(n.FSID[:], data[32:48])
	n.Bytenr = binary.LittleEndian.Uint64(data[48:56])
	n.Flags = binary.LittleEndian.Uint64(data[56:64])
	copy(n.ChunkTreeUUID[:], data[64:80])
	n.Generation = binary.LittleEndian.Uint64(data[80:88])
	n.Owner = binary.LittleEndian.Uint64(data[88:96])
	n.NrItems = binary.LittleEndian.Uint32(data[96:100])
	n.Level = data[100]

	if n.Level >= MaxLevel {
		return nil, fmt.Errorf("%w: block %d has level %d", ErrBadNode, n.Bytenr, n.Level)
	}

	stride := ItemSize
	if n.Level > 0 {
		stride = KeyPtrSize
	}
	if HeaderSize+int(n.NrItems)*stride > len(data) {
		return nil, fmt.Errorf("%w: block %d claims %d items, does not fit in %d bytes",
			ErrBadNode, n.Bytenr, n.NrItems, len(data))
	}

	return n, nil
}

// IsLeaf reports whether the node is a leaf
func (n *Node) IsLeaf() bool {
	return n.Level == 0
}

// NumItems returns the number of items (leaf) or key pointers (internal node)
func (n *Node) NumItems() int {
	return int(n.NrItems)
}

// ItemKey returns the key at slot i
func (n *Node) ItemKey(i int) Key {
	if n.IsLeaf() {
		off := HeaderSize + i*ItemSize
		return decodeKey(n.data[off : off+KeySize])
	}
	off := HeaderSize + i*KeyPtrSize
	return decodeKey(n.data[off : off+KeySize])
}

// ItemData returns the payload of leaf item i. The returned slice aliases the block.
func (n *Node) ItemData(i int) ([]byte, error) {
	if !n.IsLeaf() {
		return nil, fmt.Errorf("%w: item data requested from internal block %d", ErrBadNode, n.Bytenr)
	}
	if i < 0 || i >= n.NumItems() {
		return nil, fmt.Errorf("%w: slot %d out of range in block %d", ErrBadNode, i, n.Bytenr)
	}

	off := HeaderSize + i*ItemSize + KeySize
	dataOff := int(binary.LittleEndian.Uint32(n.data[off : off+4]))
	dataSize := int(binary.LittleEndian.Uint32(n.data[off+4 : off+8]))

	start := HeaderSize + dataOff
	end := start + dataSize
	if start < HeaderSize || end > len(n.data) || end < start {
		return nil, fmt.Errorf("%w: item %d of block %d points outside the block", ErrBadNode, i, n.Bytenr)
	}
	return n.data[start:end], nil
}

// BlockPtr returns the child pointer at slot i of an internal node
func (n *Node) BlockPtr(i int) uint64 {
	off := HeaderSize + i*KeyPtrSize + KeySize
	return binary.LittleEndian.Uint64(n.data[off : off+8])
}

// search does a binary search over the node's keys. It returns the slot of an
// exact match, or the slot the key would be inserted at.
func (n *Node) search(key Key) (int, bool) {
	lo, hi := 0, n.NumItems()
	for lo < hi {
		mid := lo + (hi-lo)/2
		switch c := n.ItemKey(mid).Compare(key); {
		case c < 0:
			lo = mid + 1
		case c > 0:
			hi = mid
		default:
			return mid, true
		}
	}
	return lo, false
}
