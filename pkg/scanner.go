package btrfshash

import (
	"fmt"

	"github.com/mattkeenan/btrfshash/pkg/ctree"
)

// Searcher positions a cursor in a key-ordered tree
type Searcher interface {
	Search(key ctree.Key) (*ctree.Path, ctree.SeekResult, error)
}

// Geometry holds the filesystem-wide constants the lookups depend on
type Geometry struct {
	SectorSize uint32
	CsumSize   int
}

// CsumRequest asks for Count consecutive per-sector checksums starting at
// device address Bytenr
type CsumRequest struct {
	Bytenr uint64
	Count  uint64
}

// LookupCsums reads exactly req.Count checksums from the checksum tree in
// ascending address order, handing each contiguous run to emit. The slices
// passed to emit alias tree blocks and are only valid during the call. Any
// gap in coverage fails with ErrNotFound; nothing is interpolated.
func LookupCsums(tree Searcher, geo Geometry, req CsumRequest, emit func([]byte)) error {
	// An empty request succeeds without searching, even where no checksum
	// item sits at or below bytenr
	if req.Count == 0 {
		return nil
	}
	if geo.SectorSize == 0 || geo.CsumSize == 0 {
		return fmt.Errorf("invalid geometry: sectorsize %d, csum size %d", geo.SectorSize, geo.CsumSize)
	}

	key := ctree.Key{ObjectID: ctree.ExtentCsumObjectID, Type: ctree.ExtentCsumKey, Offset: req.Bytenr}
	path, res, err := tree.Search(key)
	if err != nil {
		return fmt.Errorf("failed to search checksum tree for %d: %w", req.Bytenr, err)
	}
	defer path.Close()

	// The item covering bytenr is keyed at or below it, so step back one
	if !res.Found {
		if path.Slot() == 0 {
			ok, err := path.PrevLeaf()
			if err != nil {
				return fmt.Errorf("failed to step to previous checksum leaf: %w", err)
			}
			if !ok {
				return fmt.Errorf("%w: no checksum item at or below %d", ErrNotFound, req.Bytenr)
			}
		} else {
			path.SetSlot(path.Slot() - 1)
		}
	}

	bytenr := req.Bytenr
	pending := req.Count
	sector := uint64(geo.SectorSize)
	csumSize := uint64(geo.CsumSize)

	for pending > 0 {
		if path.Slot() >= path.NumItems() {
			ok, err := path.NextLeaf()
			if err != nil {
				return fmt.Errorf("failed to step to next checksum leaf: %w", err)
			}
			if !ok {
				return fmt.Errorf("%w: checksum tree ends with %d of %d checksums missing at %d",
					ErrNotFound, pending, req.Count, bytenr)
			}
			continue
		}

		found := path.Key()
		if !found.Is(ctree.ExtentCsumObjectID, ctree.ExtentCsumKey) {
			return fmt.Errorf("%w: checksum items end before %d (%d of %d missing)",
				ErrNotFound, bytenr, pending, req.Count)
		}

		item, err := path.Item()
		if err != nil {
			return fmt.Errorf("failed to read checksum item %v: %w", found, err)
		}
		itemSums := uint64(len(item)) / csumSize
		itemStart := found.Offset
		itemEnd := itemStart + itemSums*sector

		if bytenr < itemStart {
			return fmt.Errorf("%w: gap at %d, next checksum item starts at %d", ErrNotFound, bytenr, itemStart)
		}
		if bytenr >= itemEnd {
			path.Next()
			continue
		}

		index := (bytenr - itemStart) / sector
		take := itemSums - index
		if take > pending {
			take = pending
		}

		if IsDebugEnabled(DebugLookup) {
			VerboseLog(3, "csum item %v: %d sums, taking %d from index %d", found, itemSums, take, index)
		}
		emit(item[index*csumSize : (index+take)*csumSize])

		pending -= take
		bytenr += take * sector
		path.Next()
	}

	return nil
}
