package ctree

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
)

// Block group profile bits
const (
	BlockGroupRaid0   uint64 = 1 << 3
	BlockGroupRaid1   uint64 = 1 << 4
	BlockGroupDup     uint64 = 1 << 5
	BlockGroupRaid10  uint64 = 1 << 6
	BlockGroupRaid5   uint64 = 1 << 7
	BlockGroupRaid6   uint64 = 1 << 8
	BlockGroupRaid1C3 uint64 = 1 << 9
	BlockGroupRaid1C4 uint64 = 1 << 10

	blockGroupStriped = BlockGroupRaid0 | BlockGroupRaid10 | BlockGroupRaid5 | BlockGroupRaid6
)

const (
	chunkItemHeaderSize = 48
	chunkStripeSize     = 32
)

// ErrUnsupportedProfile is returned for chunks this reader cannot map to a
// single contiguous range on the opened device
var ErrUnsupportedProfile = errors.New("unsupported chunk layout")

// Stripe places a copy of a chunk on one device
type Stripe struct {
	DevID  uint64
	Offset uint64
}

// Chunk maps a logical range onto device stripes
type Chunk struct {
	Logical uint64
	Length  uint64
	Type    uint64
	Stripes []Stripe
}

// DecodeChunk decodes a CHUNK_ITEM payload starting at b. It returns the
// number of bytes consumed, which the sys chunk array walk needs.
func DecodeChunk(logical uint64, b []byte) (Chunk, int, error) {
	if len(b) < chunkItemHeaderSize {
		return Chunk{}, 0, fmt.Errorf("%w: chunk item of %d bytes", ErrBadItem, len(b))
	}

	c := Chunk{
		Logical: logical,
		Length:  binary.LittleEndian.Uint64(b[0:8]),
		Type:    binary.LittleEndian.Uint64(b[24:32]),
	}
	numStripes := int(binary.LittleEndian.Uint16(b[44:46]))
	size := chunkItemHeaderSize + numStripes*chunkStripeSize
	if numStripes == 0 || len(b) < size {
		return Chunk{}, 0, fmt.Errorf("%w: chunk at %d with %d stripes in %d bytes", ErrBadItem, logical, numStripes, len(b))
	}

	c.Stripes = make([]Stripe, numStripes)
	for i := range c.Stripes {
		off := chunkItemHeaderSize + i*chunkStripeSize
		c.Stripes[i] = Stripe{
			DevID:  binary.LittleEndian.Uint64(b[off : off+8]),
			Offset: binary.LittleEndian.Uint64(b[off+8 : off+16]),
		}
	}
	return c, size, nil
}

// EncodeChunk returns the on-disk form of a chunk item
func EncodeChunk(c Chunk) []byte {
	b := make([]byte, chunkItemHeaderSize+len(c.Stripes)*chunkStripeSize)
	binary.LittleEndian.PutUint64(b[0:8], c.Length)
	binary.LittleEndian.PutUint64(b[8:16], ExtentTreeObjectID)
	binary.LittleEndian.PutUint64(b[16:24], 64*1024)
	binary.LittleEndian.PutUint64(b[24:32], c.Type)
	binary.LittleEndian.PutUint16(b[44:46], uint16(len(c.Stripes)))
	binary.LittleEndian.PutUint16(b[46:48], 1)
	for i, s := range c.Stripes {
		off := chunkItemHeaderSize + i*chunkStripeSize
		binary.LittleEndian.PutUint64(b[off:off+8], s.DevID)
		binary.LittleEndian.PutUint64(b[off+8:off+16], s.Offset)
	}
	return b
}

// ChunkMap translates logical addresses to offsets on one device
type ChunkMap struct {
	devID  uint64
	chunks []Chunk // sorted by Logical, non-overlapping
}

// NewChunkMap returns an empty map for the device with the given id
func NewChunkMap(devID uint64) *ChunkMap {
	return &ChunkMap{devID: devID}
}

// Len returns the number of chunks known
func (m *ChunkMap) Len() int {
	return len(m.chunks)
}

// Insert adds a chunk, replacing a previously known chunk at the same address
func (m *ChunkMap) Insert(c Chunk) {
	i := sort.Search(len(m.chunks), func(i int) bool { return m.chunks[i].Logical >= c.Logical })
	if i < len(m.chunks) && m.chunks[i].Logical == c.Logical {
		m.chunks[i] = c
		return
	}
	m.chunks = append(m.chunks, Chunk{})
	copy(m.chunks[i+1:], m.chunks[i:])
	m.chunks[i] = c
}

// Map returns the device offset of the length bytes at logical. The range
// must lie inside one chunk.
func (m *ChunkMap) Map(logical, length uint64) (uint64, error) {
	i := sort.Search(len(m.chunks), func(i int) bool { return m.chunks[i].Logical > logical })
	if i == 0 {
		return 0, fmt.Errorf("no chunk maps logical address %d", logical)
	}
	c := &m.chunks[i-1]
	if logical+length > c.Logical+c.Length {
		return 0, fmt.Errorf("logical range %d+%d is not inside chunk %d+%d", logical, length, c.Logical, c.Length)
	}
	if c.Type&blockGroupStriped != 0 {
		return 0, fmt.Errorf("%w: chunk %d has striped profile 0x%x", ErrUnsupportedProfile, c.Logical, c.Type)
	}

	for _, s := range c.Stripes {
		if s.DevID == m.devID {
			return s.Offset + (logical - c.Logical), nil
		}
	}
	return 0, fmt.Errorf("%w: chunk %d has no stripe on device %d", ErrUnsupportedProfile, c.Logical, m.devID)
}

// loadSysChunks reads the bootstrap chunks embedded in the superblock
func (m *ChunkMap) loadSysChunks(array []byte) error {
	for off := 0; off < len(array); {
		if len(array)-off < KeySize {
			return fmt.Errorf("%w: truncated key in sys chunk array", ErrBadItem)
		}
		key := decodeKey(array[off : off+KeySize])
		off += KeySize
		if key.Type != ChunkItemKey {
			return fmt.Errorf("%w: unexpected key %v in sys chunk array", ErrBadItem, key)
		}

		c, n, err := DecodeChunk(key.Offset, array[off:])
		if err != nil {
			return err
		}
		m.Insert(c)
		off += n
	}
	return nil
}
