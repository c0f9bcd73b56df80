package btrfshash

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mattkeenan/btrfshash/pkg/ctree"
	"github.com/mattkeenan/btrfshash/pkg/memtree"
)

const (
	testSector   = 4096
	testCsumSize = 4
	testIno      = 257
)

var testGeo = Geometry{SectorSize: testSector, CsumSize: testCsumSize}

// sectorSums returns count crc32c-sized checksums for the sectors starting at
// bytenr. Each value encodes its sector number so spans are easy to check.
func sectorSums(bytenr, count uint64) []byte {
	sums := make([]byte, count*testCsumSize)
	for i := uint64(0); i < count; i++ {
		binary.LittleEndian.PutUint32(sums[i*testCsumSize:], uint32(bytenr/testSector+i))
	}
	return sums
}

// csumRun is one EXTENT_CSUM item: count sectors starting at bytenr
type csumRun struct {
	bytenr uint64
	count  uint64
}

// buildCsumTree builds a checksum tree with one item per run
func buildCsumTree(t *testing.T, opts memtree.Options, runs ...csumRun) *ctree.Tree {
	t.Helper()
	b := memtree.NewBuilder(opts)
	for _, r := range runs {
		require.NoError(t, b.InsertCsums(r.bytenr, sectorSums(r.bytenr, r.count)))
	}
	tree, _, err := b.Build(memtree.NewStore(4096, 1<<30))
	require.NoError(t, err)
	return tree
}

// buildFSTree builds a subvolume tree holding extents for testIno, keyed by
// file offset, plus an inode item so the tree is not trivially empty
func buildFSTree(t *testing.T, opts memtree.Options, extents map[uint64]ctree.FileExtent) *ctree.Tree {
	t.Helper()
	b := memtree.NewBuilder(opts)
	require.NoError(t, b.Insert(ctree.Key{ObjectID: testIno, Type: ctree.InodeItemKey}, make([]byte, 160)))
	for off, fe := range extents {
		require.NoError(t, b.InsertFileExtent(testIno, off, fe))
	}
	tree, _, err := b.Build(memtree.NewStore(4096, 1<<31))
	require.NoError(t, err)
	return tree
}

func regExtent(bytenr, diskLen, offset, numBytes uint64) ctree.FileExtent {
	return ctree.FileExtent{
		Type:         ctree.FileExtentReg,
		RAMBytes:     diskLen,
		DiskBytenr:   bytenr,
		DiskNumBytes: diskLen,
		Offset:       offset,
		NumBytes:     numBytes,
	}
}

// collect runs LookupCsums and returns the spans it emitted, copied
func collect(tree Searcher, req CsumRequest) ([][]byte, error) {
	var spans [][]byte
	err := LookupCsums(tree, testGeo, req, func(b []byte) {
		spans = append(spans, append([]byte(nil), b...))
	})
	return spans, err
}

// chain folds spans through a fresh aggregator
func chain(spans ...[]byte) uint64 {
	agg := NewAggregator()
	for _, s := range spans {
		agg.Absorb(s)
	}
	return agg.Sum64()
}

// memIndex serves an Index from trees built in memory
type memIndex struct {
	geo     Geometry
	subvols map[uint64]*ctree.Tree
	csums   *ctree.Tree
	closed  bool
}

func (x *memIndex) Geometry() Geometry {
	return x.geo
}

func (x *memIndex) Subvolume(id uint64) (Searcher, error) {
	tree, ok := x.subvols[id]
	if !ok {
		return nil, ctree.ErrNotFound
	}
	return tree, nil
}

func (x *memIndex) Csums() Searcher {
	return x.csums
}

func (x *memIndex) Close() error {
	x.closed = true
	return nil
}
