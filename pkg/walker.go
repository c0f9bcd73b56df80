package btrfshash

import (
	"fmt"

	"github.com/mattkeenan/btrfshash/pkg/ctree"
)

// ExtentClass is how the walker treats one file extent
type ExtentClass int

const (
	ExtentChecksummed ExtentClass = iota // checksums are looked up
	ExtentHole                           // sparse, contributes nothing
	ExtentInline                         // data lives in the leaf, index path gives up
)

func (c ExtentClass) String() string {
	switch c {
	case ExtentChecksummed:
		return "checksummed"
	case ExtentHole:
		return "hole"
	case ExtentInline:
		return "inline"
	default:
		return "unknown"
	}
}

// Extent is one EXTENT_DATA record of a file
type Extent struct {
	FileOffset uint64
	ctree.FileExtent
}

// PlanExtent classifies an extent and works out which checksums cover it.
// Compressed extents are checksummed over the whole compressed range on disk;
// uncompressed extents only over the part of the on-disk extent they reference.
func PlanExtent(e Extent, sectorSize uint32) (ExtentClass, CsumRequest) {
	if e.Type == ctree.FileExtentInline {
		return ExtentInline, CsumRequest{}
	}
	if e.DiskBytenr == 0 {
		return ExtentHole, CsumRequest{}
	}

	sector := uint64(sectorSize)
	if e.Compression != 0 {
		return ExtentChecksummed, CsumRequest{Bytenr: e.DiskBytenr, Count: e.DiskNumBytes / sector}
	}
	return ExtentChecksummed, CsumRequest{Bytenr: e.DiskBytenr + e.Offset, Count: e.NumBytes / sector}
}

// WalkExtents calls fn for each EXTENT_DATA record of inode ino in ascending
// file offset order. Walking stops at the first error from fn or the tree.
func WalkExtents(tree Searcher, ino uint64, fn func(Extent) error) error {
	defer VerboseEnter()()

	path, res, err := tree.Search(ctree.Key{ObjectID: ino, Type: ctree.ExtentDataKey, Offset: 0})
	if err != nil {
		return fmt.Errorf("failed to search extents of inode %d: %w", ino, err)
	}
	defer path.Close()

	if !res.Found {
		if path.Slot() >= path.NumItems() {
			ok, err := path.NextLeaf()
			if err != nil {
				return fmt.Errorf("failed to step to next extent leaf: %w", err)
			}
			if !ok {
				return fmt.Errorf("%w: inode %d has no extent records", ErrNotFound, ino)
			}
		}
		if !path.Key().Is(ino, ctree.ExtentDataKey) {
			return fmt.Errorf("%w: inode %d has no extent records", ErrNotFound, ino)
		}
	}

	for {
		if path.Slot() >= path.NumItems() {
			ok, err := path.NextLeaf()
			if err != nil {
				return fmt.Errorf("failed to step to next extent leaf: %w", err)
			}
			if !ok {
				return nil
			}
			continue
		}

		key := path.Key()
		if !key.Is(ino, ctree.ExtentDataKey) {
			return nil
		}

		data, err := path.Item()
		if err != nil {
			return fmt.Errorf("failed to read extent %v: %w", key, err)
		}
		fe, err := ctree.DecodeFileExtent(data)
		if err != nil {
			return fmt.Errorf("%w: extent %v: %v", ErrMalformedRecord, key, err)
		}

		if err := fn(Extent{FileOffset: key.Offset, FileExtent: fe}); err != nil {
			return err
		}
		path.Next()
	}
}

// ExtentStats counts what a HashExtents run saw
type ExtentStats struct {
	Extents     int
	Holes       int
	Compressed  int
	Checksums   uint64
	CsumLookups int
}

// HashExtents folds the recorded checksums of every extent of inode ino into
// agg, in file order. fsTree holds the extents, csumTree the checksums. On
// error agg holds a partial state and must be discarded.
func HashExtents(fsTree, csumTree Searcher, geo Geometry, ino uint64, agg *Aggregator) (ExtentStats, error) {
	var stats ExtentStats

	err := WalkExtents(fsTree, ino, func(e Extent) error {
		stats.Extents++
		class, req := PlanExtent(e, geo.SectorSize)

		if IsDebugEnabled(DebugLookup) {
			VerboseLog(2, "extent at %d: %s, disk %d+%d, offset %d, len %d, compression %d",
				e.FileOffset, class, e.DiskBytenr, e.DiskNumBytes, e.Offset, e.NumBytes, e.Compression)
		}

		switch class {
		case ExtentInline:
			return fmt.Errorf("%w: inline extent at file offset %d", ErrUnsupportedInline, e.FileOffset)
		case ExtentHole:
			stats.Holes++
			return nil
		}

		if e.Compression != 0 {
			stats.Compressed++
		}
		stats.CsumLookups++
		if err := LookupCsums(csumTree, geo, req, agg.Absorb); err != nil {
			return fmt.Errorf("extent at file offset %d: %w", e.FileOffset, err)
		}
		stats.Checksums += req.Count
		return nil
	})

	return stats, err
}
