package ctree

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a tree has no item for a requested key
var ErrNotFound = errors.New("item not found")

// NodeReader loads tree blocks by logical address
type NodeReader interface {
	ReadNode(bytenr uint64) (*Node, error)
}

// Tree is one B-tree rooted at a block
type Tree struct {
	reader NodeReader
	root   uint64
	level  uint8
}

// NewTree returns a tree rooted at bytenr. The level is the root block's level
// as recorded by whoever points at it, and is checked when the root is read.
func NewTree(reader NodeReader, root uint64, level uint8) *Tree {
	return &Tree{reader: reader, root: root, level: level}
}

// Root returns the logical address of the root block
func (t *Tree) Root() uint64 {
	return t.root
}

// SeekResult is the outcome of a Search: either the key was found at Slot, or
// Slot is where the key would be inserted in the leaf the path landed on. The
// insertion slot may equal the leaf's item count.
type SeekResult struct {
	Found bool
	Slot  int
}

// Path is a cursor into a tree: one node and slot per level, leaf at index 0.
// A Path is owned by a single caller and must be closed when done.
type Path struct {
	tree  *Tree
	nodes [MaxLevel]*Node
	slots [MaxLevel]int
	top   int
}

// Search descends from the root to the leaf that holds key or would hold it
func (t *Tree) Search(key Key) (*Path, SeekResult, error) {
	node, err := t.readChild(t.root, int(t.level))
	if err != nil {
		return nil, SeekResult{}, err
	}

	p := &Path{tree: t, top: int(node.Level)}
	for {
		slot, found := node.search(key)
		level := int(node.Level)
		if node.IsLeaf() {
			p.nodes[0] = node
			p.slots[0] = slot
			return p, SeekResult{Found: found, Slot: slot}, nil
		}

		// The child at slot-1 covers keys below the first key greater than ours
		if !found && slot > 0 {
			slot--
		}
		p.nodes[level] = node
		p.slots[level] = slot

		node, err = t.readChild(node.BlockPtr(slot), level-1)
		if err != nil {
			return nil, SeekResult{}, err
		}
	}
}

// readChild reads a block and checks it sits at the expected level
func (t *Tree) readChild(bytenr uint64, level int) (*Node, error) {
	node, err := t.reader.ReadNode(bytenr)
	if err != nil {
		return nil, err
	}
	if int(node.Level) != level {
		return nil, fmt.Errorf("%w: block %d has level %d, expected %d", ErrBadNode, bytenr, node.Level, level)
	}
	if !node.IsLeaf() && node.NumItems() == 0 {
		return nil, fmt.Errorf("%w: internal block %d is empty", ErrBadNode, bytenr)
	}
	return node, nil
}

// Leaf returns the leaf the path currently points into
func (p *Path) Leaf() *Node {
	return p.nodes[0]
}

// Slot returns the current leaf slot
func (p *Path) Slot() int {
	return p.slots[0]
}

// SetSlot moves to a slot in the current leaf
func (p *Path) SetSlot(slot int) {
	p.slots[0] = slot
}

// Next moves to the following slot in the current leaf. The slot may run past
// the end of the leaf; callers check against NumItems and call NextLeaf.
func (p *Path) Next() {
	p.slots[0]++
}

// NumItems returns the number of items in the current leaf
func (p *Path) NumItems() int {
	return p.nodes[0].NumItems()
}

// Valid reports whether the current slot holds an item
func (p *Path) Valid() bool {
	return p.nodes[0] != nil && p.slots[0] >= 0 && p.slots[0] < p.nodes[0].NumItems()
}

// Key returns the key at the current slot
func (p *Path) Key() Key {
	return p.nodes[0].ItemKey(p.slots[0])
}

// Item returns the payload at the current slot
func (p *Path) Item() ([]byte, error) {
	return p.nodes[0].ItemData(p.slots[0])
}

// NextLeaf moves to slot 0 of the next leaf in key order. It returns false,
// leaving the path untouched, when the current leaf is the last one.
func (p *Path) NextLeaf() (bool, error) {
	level := 1
	for ; level <= p.top; level++ {
		if p.slots[level]+1 < p.nodes[level].NumItems() {
			break
		}
	}
	if level > p.top {
		return false, nil
	}

	nodes, slots := p.nodes, p.slots
	slots[level]++
	for l := level; l > 0; l-- {
		child, err := p.tree.readChild(nodes[l].BlockPtr(slots[l]), l-1)
		if err != nil {
			return false, err
		}
		nodes[l-1] = child
		slots[l-1] = 0
	}
	p.nodes, p.slots = nodes, slots
	return true, nil
}

// PrevLeaf moves to the last slot of the previous leaf in key order. It returns
// false, leaving the path untouched, when the current leaf is the first one.
func (p *Path) PrevLeaf() (bool, error) {
	level := 1
	for ; level <= p.top; level++ {
		if p.slots[level] > 0 {
			break
		}
	}
	if level > p.top {
		return false, nil
	}

	nodes, slots := p.nodes, p.slots
	slots[level]--
	for l := level; l > 0; l-- {
		child, err := p.tree.readChild(nodes[l].BlockPtr(slots[l]), l-1)
		if err != nil {
			return false, err
		}
		nodes[l-1] = child
		last := child.NumItems() - 1
		if last < 0 {
			last = 0
		}
		slots[l-1] = last
	}
	p.nodes, p.slots = nodes, slots
	return true, nil
}

// Close releases the blocks held by the path. It is safe to call more than once.
func (p *Path) Close() error {
	if p == nil {
		return nil
	}
	for i := range p.nodes {
		p.nodes[i] = nil
	}
	p.tree = nil
	return nil
}
