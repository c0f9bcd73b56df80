package ctree

import (
	"encoding/binary"
	"fmt"
)

// Item types used by the reader
const (
	InodeItemKey  uint8 = 1
	ExtentDataKey uint8 = 108
	ExtentCsumKey uint8 = 128
	RootItemKey   uint8 = 132
	DevItemKey    uint8 = 216
	ChunkItemKey  uint8 = 228
)

// Well-known object ids
const (
	RootTreeObjectID       uint64 = 1
	ExtentTreeObjectID     uint64 = 2
	ChunkTreeObjectID      uint64 = 3
	DevTreeObjectID        uint64 = 4
	FSTreeObjectID         uint64 = 5
	CsumTreeObjectID       uint64 = 7
	FirstFreeObjectID      uint64 = 256
	FirstChunkTreeObjectID uint64 = 256

	// ExtentCsumObjectID is -10 stored as an unsigned 64-bit value
	ExtentCsumObjectID uint64 = 0xfffffffffffffff6
)

// KeySize is the on-disk size of a btrfs_disk_key
const KeySize = 17

// Key is the composite (objectid, type, offset) key every tree is ordered by
type Key struct {
	ObjectID uint64
	Type     uint8
	Offset   uint64
}

// Compare orders keys on objectid, then type, then offset
func (k Key) Compare(o Key) int {
	switch {
	case k.ObjectID < o.ObjectID:
		return -1
	case k.ObjectID > o.ObjectID:
		return 1
	case k.Type < o.Type:
		return -1
	case k.Type > o.Type:
		return 1
	case k.Offset < o.Offset:
		return -1
	case k.Offset > o.Offset:
		return 1
	}
	return 0
}

// Is reports whether the key belongs to the given objectid and item type
func (k Key) Is(objectID uint64, typ uint8) bool {
	return k.ObjectID == objectID && k.Type == typ
}

func (k Key) String() string {
	return fmt.Sprintf("(%d %d %d)", k.ObjectID, k.Type, k.Offset)
}

// decodeKey reads a little-endian btrfs_disk_key
func decodeKey(b []byte) Key {
	return Key{
		ObjectID: binary.LittleEndian.Uint64(b[0:8]),
		Type:     b[8],
		Offset:   binary.LittleEndian.Uint64(b[9:17]),
	}
}

// EncodeKey writes k into b in on-disk form; b must hold KeySize bytes
func EncodeKey(b []byte, k Key) {
	binary.LittleEndian.PutUint64(b[0:8], k.ObjectID)
	b[8] = k.Type
	binary.LittleEndian.PutUint64(b[9:17], k.Offset)
}
