package ctree

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"testing"
)

func TestKeyCompare(t *testing.T) {
	tests := []struct {
		a, b Key
		want int
	}{
		{Key{1, 1, 1}, Key{1, 1, 1}, 0},
		{Key{1, 1, 1}, Key{2, 0, 0}, -1},
		{Key{2, 0, 0}, Key{1, 255, math.MaxUint64}, 1},
		{Key{5, 108, 0}, Key{5, 128, 0}, -1},
		{Key{5, 108, 4096}, Key{5, 108, 0}, 1},
		{Key{ExtentCsumObjectID, ExtentCsumKey, 0}, Key{FirstFreeObjectID, ExtentDataKey, 0}, 1},
	}

	for _, tt := range tests {
		if got := tt.a.Compare(tt.b); got != tt.want {
			t.Errorf("%v.Compare(%v): expected %d, got %d", tt.a, tt.b, tt.want, got)
		}
	}
}

func TestKeyEncoding(t *testing.T) {
	k := Key{ObjectID: 0x0102030405060708, Type: ExtentCsumKey, Offset: 0x1112131415161718}
	buf := make([]byte, KeySize)
	EncodeKey(buf, k)

	if binary.LittleEndian.Uint64(buf[0:8]) != k.ObjectID {
		t.Errorf("objectid not little endian at offset 0: %x", buf[0:8])
	}
	if buf[8] != ExtentCsumKey {
		t.Errorf("Expected type %d at offset 8, got %d", ExtentCsumKey, buf[8])
	}
	if got := decodeKey(buf); got != k {
		t.Errorf("Expected %v, got %v", k, got)
	}
}

func TestParseNodeValidation(t *testing.T) {
	block := make([]byte, 4096)
	binary.LittleEndian.PutUint32(block[96:100], 10)

	if _, err := ParseNode(block[:50]); !errors.Is(err, ErrBadNode) {
		t.Errorf("Expected ErrBadNode for short block, got %v", err)
	}

	node, err := ParseNode(block)
	if err != nil {
		t.Fatalf("ParseNode() error = %v", err)
	}
	if !node.IsLeaf() || node.NumItems() != 10 {
		t.Errorf("Expected leaf with 10 items, got level %d with %d items", node.Level, node.NumItems())
	}

	binary.LittleEndian.PutUint32(block[96:100], 1000)
	if _, err := ParseNode(block); !errors.Is(err, ErrBadNode) {
		t.Errorf("Expected ErrBadNode for too many items, got %v", err)
	}

	binary.LittleEndian.PutUint32(block[96:100], 1)
	block[100] = MaxLevel
	if _, err := ParseNode(block); !errors.Is(err, ErrBadNode) {
		t.Errorf("Expected ErrBadNode for level %d, got %v", MaxLevel, err)
	}
}

func TestItemDataBounds(t *testing.T) {
	block := make([]byte, 512)
	binary.LittleEndian.PutUint32(block[96:100], 1)
	off := HeaderSize
	EncodeKey(block[off:], Key{1, 1, 0})
	binary.LittleEndian.PutUint32(block[off+KeySize:], 400) // payload runs past the block
	binary.LittleEndian.PutUint32(block[off+KeySize+4:], 100)

	node, err := ParseNode(block)
	if err != nil {
		t.Fatalf("ParseNode() error = %v", err)
	}
	if _, err := node.ItemData(0); !errors.Is(err, ErrBadNode) {
		t.Errorf("Expected ErrBadNode for out of bounds payload, got %v", err)
	}
}

func TestFileExtentRoundTrip(t *testing.T) {
	reg := FileExtent{
		Generation:   7,
		RAMBytes:     131072,
		Compression:  1,
		Type:         FileExtentReg,
		DiskBytenr:   13631488,
		DiskNumBytes: 8192,
		Offset:       4096,
		NumBytes:     65536,
	}
	b := reg.Encode()
	if len(b) != FileExtentItemSize {
		t.Fatalf("Expected %d byte item, got %d", FileExtentItemSize, len(b))
	}
	if binary.LittleEndian.Uint64(b[21:29]) != reg.DiskBytenr || binary.LittleEndian.Uint64(b[45:53]) != reg.NumBytes {
		t.Errorf("disk_bytenr or num_bytes at the wrong offset")
	}

	got, err := DecodeFileExtent(b)
	if err != nil {
		t.Fatalf("DecodeFileExtent() error = %v", err)
	}
	if got.DiskBytenr != reg.DiskBytenr || got.DiskNumBytes != reg.DiskNumBytes ||
		got.Offset != reg.Offset || got.NumBytes != reg.NumBytes || got.Compression != reg.Compression {
		t.Errorf("Expected %+v, got %+v", reg, got)
	}

	inline := FileExtent{Type: FileExtentInline, RAMBytes: 5, Inline: []byte("hello")}
	got, err = DecodeFileExtent(inline.Encode())
	if err != nil {
		t.Fatalf("DecodeFileExtent(inline) error = %v", err)
	}
	if got.Type != FileExtentInline || !bytes.Equal(got.Inline, []byte("hello")) {
		t.Errorf("Expected inline payload hello, got type %d payload %q", got.Type, got.Inline)
	}

	if _, err := DecodeFileExtent(b[:30]); !errors.Is(err, ErrBadItem) {
		t.Errorf("Expected ErrBadItem for truncated regular extent, got %v", err)
	}
	if _, err := DecodeFileExtent(b[:10]); !errors.Is(err, ErrBadItem) {
		t.Errorf("Expected ErrBadItem for truncated header, got %v", err)
	}
}

func TestRootItemOffsets(t *testing.T) {
	b := EncodeRootItem(RootItem{Bytenr: 30408704, Level: 2})
	if binary.LittleEndian.Uint64(b[176:184]) != 30408704 || b[238] != 2 {
		t.Errorf("root item fields at wrong offsets")
	}
	ri, err := DecodeRootItem(b)
	if err != nil || ri.Bytenr != 30408704 || ri.Level != 2 {
		t.Errorf("Expected {30408704 2}, got %+v (err %v)", ri, err)
	}
	if _, err := DecodeRootItem(b[:200]); !errors.Is(err, ErrBadItem) {
		t.Errorf("Expected ErrBadItem for short root item, got %v", err)
	}
}

func TestChunkMap(t *testing.T) {
	m := NewChunkMap(1)
	m.Insert(Chunk{Logical: 1 << 30, Length: 1 << 28, Type: BlockGroupDup,
		Stripes: []Stripe{{DevID: 1, Offset: 1 << 22}, {DevID: 1, Offset: 1 << 29}}})
	m.Insert(Chunk{Logical: 1 << 20, Length: 1 << 22, Stripes: []Stripe{{DevID: 1, Offset: 1 << 20}}})
	m.Insert(Chunk{Logical: 1 << 32, Length: 1 << 28, Type: BlockGroupRaid0,
		Stripes: []Stripe{{DevID: 1, Offset: 1 << 31}, {DevID: 2, Offset: 0}}})
	m.Insert(Chunk{Logical: 1 << 33, Length: 1 << 28, Type: BlockGroupRaid1,
		Stripes: []Stripe{{DevID: 3, Offset: 0}, {DevID: 4, Offset: 0}}})

	if m.Len() != 4 {
		t.Fatalf("Expected 4 chunks, got %d", m.Len())
	}

	tests := []struct {
		name    string
		logical uint64
		length  uint64
		want    uint64
		wantErr bool
		striped bool
	}{
		{"single start", 1 << 20, 4096, 1 << 20, false, false},
		{"single inside", 1<<20 + 16384, 4096, 1<<20 + 16384, false, false},
		{"dup uses first stripe", 1<<30 + 8192, 4096, 1<<22 + 8192, false, false},
		{"unmapped below", 4096, 4096, 0, true, false},
		{"crosses chunk end", 1<<20 + 1<<22 - 2048, 4096, 0, true, false},
		{"striped", 1 << 32, 4096, 0, true, true},
		{"other device", 1 << 33, 4096, 0, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := m.Map(tt.logical, tt.length)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Expected error, got offset %d", got)
				}
				if tt.striped != errors.Is(err, ErrUnsupportedProfile) {
					t.Errorf("Expected ErrUnsupportedProfile=%v, got %v", tt.striped, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Map() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Expected offset %d, got %d", tt.want, got)
			}
		})
	}

	// Reinserting at the same address replaces the chunk
	m.Insert(Chunk{Logical: 1 << 20, Length: 1 << 22, Stripes: []Stripe{{DevID: 1, Offset: 1 << 24}}})
	if m.Len() != 4 {
		t.Errorf("Expected 4 chunks after replace, got %d", m.Len())
	}
	if got, _ := m.Map(1<<20, 4096); got != 1<<24 {
		t.Errorf("Expected replaced mapping %d, got %d", 1<<24, got)
	}
}

func TestSysChunkArray(t *testing.T) {
	var array []byte
	for _, c := range []Chunk{
		{Logical: 1 << 20, Length: 1 << 22, Stripes: []Stripe{{DevID: 1, Offset: 1 << 20}}},
		{Logical: 1 << 24, Length: 1 << 23, Type: BlockGroupDup,
			Stripes: []Stripe{{DevID: 1, Offset: 1 << 25}, {DevID: 1, Offset: 1 << 26}}},
	} {
		key := make([]byte, KeySize)
		EncodeKey(key, Key{FirstChunkTreeObjectID, ChunkItemKey, c.Logical})
		array = append(array, key...)
		array = append(array, EncodeChunk(c)...)
	}

	m := NewChunkMap(1)
	if err := m.loadSysChunks(array); err != nil {
		t.Fatalf("loadSysChunks() error = %v", err)
	}
	if m.Len() != 2 {
		t.Errorf("Expected 2 chunks, got %d", m.Len())
	}
	if got, err := m.Map(1<<24+4096, 4096); err != nil || got != 1<<25+4096 {
		t.Errorf("Expected %d, got %d (err %v)", 1<<25+4096, got, err)
	}

	if err := m.loadSysChunks(array[:len(array)-5]); !errors.Is(err, ErrBadItem) {
		t.Errorf("Expected ErrBadItem for truncated array, got %v", err)
	}
}

func TestSuperblockRoundTrip(t *testing.T) {
	sb := &Superblock{
		FSID:           [16]byte{1, 2, 3, 4},
		MetadataUUID:   [16]byte{1, 2, 3, 4},
		Bytenr:         SuperOffset,
		Generation:     42,
		Root:           30408704,
		ChunkRoot:      22020096,
		TotalBytes:     1 << 30,
		NumDevices:     1,
		SectorSize:     4096,
		NodeSize:       16384,
		CsumType:       CsumTypeXXHash,
		RootLevel:      1,
		ChunkRootLevel: 0,
		DevID:          1,
		SysChunkArray:  []byte{9, 9, 9},
	}

	b := EncodeSuperblock(sb)
	if err := VerifyBlockCsum(b, CsumTypeXXHash); err != nil {
		t.Fatalf("VerifyBlockCsum() error = %v", err)
	}

	got, err := ParseSuperblock(b)
	if err != nil {
		t.Fatalf("ParseSuperblock() error = %v", err)
	}
	if got.Root != sb.Root || got.ChunkRoot != sb.ChunkRoot || got.NodeSize != sb.NodeSize ||
		got.SectorSize != sb.SectorSize || got.RootLevel != 1 || got.DevID != 1 || got.FSID != sb.FSID {
		t.Errorf("Expected %+v, got %+v", sb, got)
	}
	if got.CsumSize() != 8 {
		t.Errorf("Expected csum size 8, got %d", got.CsumSize())
	}
	if !bytes.Equal(got.SysChunkArray, sb.SysChunkArray) {
		t.Errorf("Expected sys chunk array %v, got %v", sb.SysChunkArray, got.SysChunkArray)
	}

	b[100] ^= 0xff
	if err := VerifyBlockCsum(b, CsumTypeXXHash); !errors.Is(err, ErrBadNode) {
		t.Errorf("Expected checksum mismatch, got %v", err)
	}

	copy(b[64:72], "notbtrfs")
	if _, err := ParseSuperblock(b); err == nil {
		t.Errorf("Expected bad magic error")
	}
}

func TestVerifyBlockCsumAllTypes(t *testing.T) {
	for _, csumType := range []uint16{CsumTypeCRC32C, CsumTypeXXHash, CsumTypeSHA256, CsumTypeBlake2} {
		block := bytes.Repeat([]byte{0xaa}, 4096)
		if err := VerifyBlockCsum(block, csumType); !errors.Is(err, ErrBadNode) {
			t.Errorf("%s: expected garbage block to fail, got %v", CsumTypeName(csumType), err)
		}

		SetBlockCsum(block, csumType)
		if err := VerifyBlockCsum(block, csumType); err != nil {
			t.Errorf("%s: expected stamped block to verify, got %v", CsumTypeName(csumType), err)
		}

		block[2048] ^= 0x01
		if err := VerifyBlockCsum(block, csumType); !errors.Is(err, ErrBadNode) {
			t.Errorf("%s: expected corrupted block to fail, got %v", CsumTypeName(csumType), err)
		}
	}

	if err := VerifyBlockCsum(make([]byte, 4096), 9); !errors.Is(err, ErrBadNode) {
		t.Errorf("Expected unknown checksum type to fail verification, got %v", err)
	}
}

func TestMetadataUUID(t *testing.T) {
	sb := &Superblock{
		FSID:          [16]byte{1},
		MetadataUUID:  [16]byte{2},
		SectorSize:    4096,
		NodeSize:      16384,
		IncompatFlags: IncompatMetadataUUID,
	}
	got, err := ParseSuperblock(EncodeSuperblock(sb))
	if err != nil {
		t.Fatalf("ParseSuperblock() error = %v", err)
	}
	if got.MetadataUUID != sb.MetadataUUID {
		t.Errorf("Expected metadata uuid %x, got %x", sb.MetadataUUID, got.MetadataUUID)
	}

	sb.IncompatFlags = 0
	got, _ = ParseSuperblock(EncodeSuperblock(sb))
	if got.MetadataUUID != sb.FSID {
		t.Errorf("Without the incompat flag blocks carry the fsid, got %x", got.MetadataUUID)
	}
}

func TestCsumTypeSize(t *testing.T) {
	tests := []struct {
		csumType uint16
		size     int
		name     string
	}{
		{CsumTypeCRC32C, 4, "crc32c"},
		{CsumTypeXXHash, 8, "xxhash64"},
		{CsumTypeSHA256, 32, "sha256"},
		{CsumTypeBlake2, 32, "blake2b"},
	}
	for _, tt := range tests {
		size, err := CsumTypeSize(tt.csumType)
		if err != nil || size != tt.size {
			t.Errorf("CsumTypeSize(%d): expected %d, got %d (err %v)", tt.csumType, tt.size, size, err)
		}
		if CsumTypeName(tt.csumType) != tt.name {
			t.Errorf("CsumTypeName(%d): expected %s, got %s", tt.csumType, tt.name, CsumTypeName(tt.csumType))
		}
	}
	if _, err := CsumTypeSize(9); err == nil {
		t.Errorf("Expected error for unknown checksum type")
	}
}
