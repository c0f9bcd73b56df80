// Package btrfshash fingerprints files on btrfs from the checksums the
// filesystem already keeps, without reading the file's data blocks.
//
// # Core API
//
// A Hasher resolves the file to its device and subvolume, walks the file's
// extent records and folds the per-sector checksums covering them into a
// chained XXH64 digest:
//
//	h := btrfshash.NewHasher(btrfshash.DefaultOptions())
//	res, err := h.HashFile("/mnt/data/image.iso")
//	if err != nil {
//		return err
//	}
//	fmt.Println(btrfshash.FormatDigest(res.Digest))
//
// When the checksum index cannot serve a file (inline extents, missing
// checksums such as nodatasum files, unsupported chunk profiles) the Hasher
// prints a notice and hashes the file's bytes instead. Res.Method says which
// path produced the digest. The two paths give different digests for the same
// content; a digest is only comparable with digests from the same path.
//
// # Lower Level
//
// WalkExtents, PlanExtent and LookupCsums work on any Searcher, such as a
// ctree.Tree read from a device or built in memory by package memtree.
//
// # Configuration
//
// Enable debug output:
//
//	btrfshash.SetDebugFlags("lookup,mount")
//	btrfshash.SetVerboseLevel(2)
package btrfshash
