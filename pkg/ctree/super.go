package ctree

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/crypto/blake2b"
)

// Superblock location and layout
const (
	SuperOffset       = 0x10000
	SuperInfoSize     = 4096
	SuperMagic        = "_BHRfS_M"
	SysChunkArrayMax  = 2048
	sysChunkArrayOffs = 811
	metadataUUIDOffs  = 571

	IncompatMetadataUUID uint64 = 1 << 10
)

// Checksum algorithms
const (
	CsumTypeCRC32C uint16 = 0
	CsumTypeXXHash uint16 = 1
	CsumTypeSHA256 uint16 = 2
	CsumTypeBlake2 uint16 = 3
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// CsumTypeSize returns the size of one checksum value for a checksum algorithm
func CsumTypeSize(t uint16) (int, error) {
	switch t {
	case CsumTypeCRC32C:
		return 4, nil
	case CsumTypeXXHash:
		return 8, nil
	case CsumTypeSHA256, CsumTypeBlake2:
		return 32, nil
	default:
		return 0, fmt.Errorf("unknown checksum type %d", t)
	}
}

// CsumTypeName returns the human-readable name of a checksum algorithm
func CsumTypeName(t uint16) string {
	switch t {
	case CsumTypeCRC32C:
		return "crc32c"
	case CsumTypeXXHash:
		return "xxhash64"
	case CsumTypeSHA256:
		return "sha256"
	case CsumTypeBlake2:
		return "blake2b"
	default:
		return "unknown"
	}
}

// Superblock holds the fields of btrfs_super_block the reader needs
type Superblock struct {
	FSID           [16]byte
	MetadataUUID   [16]byte // fsid stamped into tree blocks
	Bytenr         uint64
	Generation     uint64
	Root           uint64
	ChunkRoot      uint64
	TotalBytes     uint64
	NumDevices     uint64
	SectorSize     uint32
	NodeSize       uint32
	IncompatFlags  uint64
	CsumType       uint16
	RootLevel      uint8
	ChunkRootLevel uint8
	DevID          uint64
	SysChunkArray  []byte
}

// CsumSize returns the size of one data checksum
func (sb *Superblock) CsumSize() int {
	n, _ := CsumTypeSize(sb.CsumType)
	return n
}

// ParseSuperblock decodes and validates the primary superblock
func ParseSuperblock(b []byte) (*Superblock, error) {
	if len(b) < SuperInfoSize {
		return nil, fmt.Errorf("superblock truncated: %d bytes", len(b))
	}
	if string(b[64:72]) != SuperMagic {
		return nil, fmt.Errorf("not a btrfs filesystem: bad superblock magic %q", b[64:72])
	}

	sb := &Superblock{
		Bytenr:         binary.LittleEndian.Uint64(b[48:56]),
		Generation:     binary.LittleEndian.Uint64(b[72:80]),
		Root:           binary.LittleEndian.Uint64(b[80:88]),
		ChunkRoot:      binary.LittleEndian.Uint64(b[88:96]),
		TotalBytes:     binary.LittleEndian.Uint64(b[112:120]),
		NumDevices:     binary.LittleEndian.Uint64(b[136:144]),
		SectorSize:     binary.LittleEndian.Uint32(b[144:148]),
		NodeSize:       binary.LittleEndian.Uint32(b[148:152]),
		IncompatFlags:  binary.LittleEndian.Uint64(b[188:196]),
		CsumType:       binary.LittleEndian.Uint16(b[196:198]),
		RootLevel:      b[198],
		ChunkRootLevel: b[199],
		DevID:          binary.LittleEndian.Uint64(b[201:209]),
	}
	copy(sb.FSID[:], b[32:48])
	sb.MetadataUUID = sb.FSID
	if sb.IncompatFlags&IncompatMetadataUUID != 0 {
		copy(sb.MetadataUUID[:], b[metadataUUIDOffs:metadataUUIDOffs+16])
	}

	if _, err := CsumTypeSize(sb.CsumType); err != nil {
		return nil, err
	}
	if sb.SectorSize == 0 || sb.SectorSize&(sb.SectorSize-1) != 0 {
		return nil, fmt.Errorf("invalid sectorsize %d", sb.SectorSize)
	}
	if sb.NodeSize < HeaderSize || sb.NodeSize&(sb.NodeSize-1) != 0 {
		return nil, fmt.Errorf("invalid nodesize %d", sb.NodeSize)
	}

	arraySize := binary.LittleEndian.Uint32(b[160:164])
	if arraySize > SysChunkArrayMax {
		return nil, fmt.Errorf("sys chunk array size %d exceeds %d", arraySize, SysChunkArrayMax)
	}
	sb.SysChunkArray = append([]byte(nil), b[sysChunkArrayOffs:sysChunkArrayOffs+int(arraySize)]...)

	return sb, nil
}

// EncodeSuperblock returns a SuperInfoSize-byte superblock with a valid checksum
func EncodeSuperblock(sb *Superblock) []byte {
	b := make([]byte, SuperInfoSize)
	copy(b[32:48], sb.FSID[:])
	binary.LittleEndian.PutUint64(b[48:56], sb.Bytenr)
	copy(b[64:72], SuperMagic)
	binary.LittleEndian.PutUint64(b[72:80], sb.Generation)
	binary.LittleEndian.PutUint64(b[80:88], sb.Root)
	binary.LittleEndian.PutUint64(b[88:96], sb.ChunkRoot)
	binary.LittleEndian.PutUint64(b[112:120], sb.TotalBytes)
	binary.LittleEndian.PutUint64(b[136:144], sb.NumDevices)
	binary.LittleEndian.PutUint32(b[144:148], sb.SectorSize)
	binary.LittleEndian.PutUint32(b[148:152], sb.NodeSize)
	binary.LittleEndian.PutUint32(b[160:164], uint32(len(sb.SysChunkArray)))
	binary.LittleEndian.PutUint64(b[188:196], sb.IncompatFlags)
	copy(b[metadataUUIDOffs:metadataUUIDOffs+16], sb.MetadataUUID[:])
	binary.LittleEndian.PutUint16(b[196:198], sb.CsumType)
	b[198] = sb.RootLevel
	b[199] = sb.ChunkRootLevel
	binary.LittleEndian.PutUint64(b[201:209], sb.DevID)
	copy(b[sysChunkArrayOffs:], sb.SysChunkArray)
	SetBlockCsum(b, sb.CsumType)
	return b
}

// VerifyBlockCsum checks the checksum stored in the first bytes of a tree block
// or superblock
func VerifyBlockCsum(block []byte, csumType uint16) error {
	var want [HeaderCsumSize]byte
	if !blockCsum(block, csumType, want[:]) {
		return fmt.Errorf("%w: cannot verify checksum type %d", ErrBadNode, csumType)
	}
	n, _ := CsumTypeSize(csumType)
	for i := 0; i < n; i++ {
		if block[i] != want[i] {
			return fmt.Errorf("%w: %s checksum mismatch: stored %x, computed %x",
				ErrBadNode, CsumTypeName(csumType), block[:n], want[:n])
		}
	}
	return nil
}

// SetBlockCsum stores the block checksum into the first bytes of block
func SetBlockCsum(block []byte, csumType uint16) {
	blockCsum(block, csumType, block[:HeaderCsumSize])
}

func blockCsum(block []byte, csumType uint16, out []byte) bool {
	switch csumType {
	case CsumTypeCRC32C:
		binary.LittleEndian.PutUint32(out, crc32.Checksum(block[HeaderCsumSize:], castagnoli))
		return true
	case CsumTypeXXHash:
		binary.LittleEndian.PutUint64(out, xxhash.Sum64(block[HeaderCsumSize:]))
		return true
	case CsumTypeSHA256:
		sum := sha256.Sum256(block[HeaderCsumSize:])
		copy(out, sum[:])
		return true
	case CsumTypeBlake2:
		sum := blake2b.Sum256(block[HeaderCsumSize:])
		copy(out, sum[:])
		return true
	default:
		return false
	}
}
