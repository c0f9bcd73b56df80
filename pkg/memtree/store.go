package memtree

import (
	"fmt"
	"sort"

	"github.com/mattkeenan/btrfshash/pkg/ctree"
)

// Store holds encoded tree blocks by logical address and serves them to ctree
type Store struct {
	nodeSize int
	next     uint64
	blocks   map[uint64][]byte
	reads    int
}

// NewStore returns an empty store that allocates blocks upwards from base
func NewStore(nodeSize int, base uint64) *Store {
	if nodeSize == 0 {
		nodeSize = defaultNodeSize
	}
	return &Store{
		nodeSize: nodeSize,
		next:     base,
		blocks:   make(map[uint64][]byte),
	}
}

// NodeSize returns the block size used by the store
func (s *Store) NodeSize() int {
	return s.nodeSize
}

// ReadNode implements ctree.NodeReader
func (s *Store) ReadNode(bytenr uint64) (*ctree.Node, error) {
	block, ok := s.blocks[bytenr]
	if !ok {
		return nil, fmt.Errorf("no tree block at %d", bytenr)
	}
	s.reads++
	return ctree.ParseNode(block)
}

// Reads returns how many blocks have been read through ReadNode
func (s *Store) Reads() int {
	return s.reads
}

// Len returns the number of blocks stored
func (s *Store) Len() int {
	return len(s.blocks)
}

// Addresses returns the logical addresses of all blocks in ascending order
func (s *Store) Addresses() []uint64 {
	addrs := make([]uint64, 0, len(s.blocks))
	for a := range s.blocks {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	return addrs
}

// Block returns the raw block at a logical address
func (s *Store) Block(bytenr uint64) []byte {
	return s.blocks[bytenr]
}

// Next returns the address the next block will be allocated at
func (s *Store) Next() uint64 {
	return s.next
}

func (s *Store) alloc() uint64 {
	bytenr := s.next
	s.next += uint64(s.nodeSize)
	return bytenr
}

func (s *Store) put(bytenr uint64, block []byte) {
	s.blocks[bytenr] = block
}
