package ctree

import (
	"encoding/binary"
	"fmt"
)

// File extent types
const (
	FileExtentInline   uint8 = 0
	FileExtentReg      uint8 = 1
	FileExtentPrealloc uint8 = 2
)

// File extent item layout
const (
	FileExtentInlineDataStart = 21 // payload of an inline extent starts after the type byte
	FileExtentItemSize        = 53
)

// FileExtent is a decoded btrfs_file_extent_item
type FileExtent struct {
	Generation    uint64
	RAMBytes      uint64
	Compression   uint8
	Encryption    uint8
	OtherEncoding uint16
	Type          uint8

	// Only meaningful for regular and prealloc extents
	DiskBytenr   uint64
	DiskNumBytes uint64
	Offset       uint64
	NumBytes     uint64

	// Inline payload, aliases the leaf
	Inline []byte
}

// DecodeFileExtent decodes an EXTENT_DATA item payload
func DecodeFileExtent(b []byte) (FileExtent, error) {
	var fe FileExtent
	if len(b) < FileExtentInlineDataStart {
		return fe, fmt.Errorf("%w: file extent item of %d bytes", ErrBadItem, len(b))
	}

	fe.Generation = binary.LittleEndian.Uint64(b[0:8])
	fe.RAMBytes = binary.LittleEndian.Uint64(b[8:16])
	fe.Compression = b[16]
	fe.Encryption = b[17]
	fe.OtherEncoding = binary.LittleEndian.Uint16(b[18:20])
	fe.Type = b[20]

	if fe.Type == FileExtentInline {
		fe.Inline = b[FileExtentInlineDataStart:]
		return fe, nil
	}

	if len(b) < FileExtentItemSize {
		return fe, fmt.Errorf("%w: %s file extent item of %d bytes", ErrBadItem, fileExtentTypeName(fe.Type), len(b))
	}
	fe.DiskBytenr = binary.LittleEndian.Uint64(b[21:29])
	fe.DiskNumBytes = binary.LittleEndian.Uint64(b[29:37])
	fe.Offset = binary.LittleEndian.Uint64(b[37:45])
	fe.NumBytes = binary.LittleEndian.Uint64(b[45:53])
	return fe, nil
}

// Encode returns the on-disk form of the extent
func (fe FileExtent) Encode() []byte {
	size := FileExtentItemSize
	if fe.Type == FileExtentInline {
		size = FileExtentInlineDataStart + len(fe.Inline)
	}

	b := make([]byte, size)
	binary.LittleEndian.PutUint64(b[0:8], fe.Generation)
	binary.LittleEndian.PutUint64(b[8:16], fe.RAMBytes)
	b[16] = fe.Compression
	b[17] = fe.Encryption
	binary.LittleEndian.PutUint16(b[18:20], fe.OtherEncoding)
	b[20] = fe.Type

	if fe.Type == FileExtentInline {
		copy(b[FileExtentInlineDataStart:], fe.Inline)
		return b
	}
	binary.LittleEndian.PutUint64(b[21:29], fe.DiskBytenr)
	binary.LittleEndian.PutUint64(b[29:37], fe.DiskNumBytes)
	binary.LittleEndian.PutUint64(b[37:45], fe.Offset)
	binary.LittleEndian.PutUint64(b[45:53], fe.NumBytes)
	return b
}

func fileExtentTypeName(t uint8) string {
	switch t {
	case FileExtentInline:
		return "inline"
	case FileExtentReg:
		return "regular"
	case FileExtentPrealloc:
		return "prealloc"
	default:
		return fmt.Sprintf("type-%d", t)
	}
}

// RootItem holds the fields of a btrfs_root_item needed to read the tree
type RootItem struct {
	Bytenr uint64
	Level  uint8
}

const (
	rootItemBytenrOffset = 176 // after the embedded inode item(160), generation(8), root_dirid(8)
	rootItemLevelOffset  = 238
)

// DecodeRootItem decodes a ROOT_ITEM payload
func DecodeRootItem(b []byte) (RootItem, error) {
	if len(b) <= rootItemLevelOffset {
		return RootItem{}, fmt.Errorf("%w: root item of %d bytes", ErrBadItem, len(b))
	}
	return RootItem{
		Bytenr: binary.LittleEndian.Uint64(b[rootItemBytenrOffset : rootItemBytenrOffset+8]),
		Level:  b[rootItemLevelOffset],
	}, nil
}

// EncodeRootItem returns a minimal ROOT_ITEM payload pointing at a tree
func EncodeRootItem(ri RootItem) []byte {
	b := make([]byte, rootItemLevelOffset+1)
	binary.LittleEndian.PutUint64(b[rootItemBytenrOffset:], ri.Bytenr)
	b[rootItemLevelOffset] = ri.Level
	return b
}
