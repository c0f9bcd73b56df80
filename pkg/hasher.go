package btrfshash

import (
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"

	"github.com/mattkeenan/btrfshash/pkg/ctree"
)

// Method says which path produced a digest
type Method int

const (
	MethodIndex  Method = iota + 1 // recorded checksums from the csum tree
	MethodDirect                   // the file's bytes
)

func (m Method) String() string {
	switch m {
	case MethodIndex:
		return "index"
	case MethodDirect:
		return "direct"
	default:
		return "unknown"
	}
}

// Index is an opened filesystem the hasher looks extents and checksums up in
type Index interface {
	Geometry() Geometry
	Subvolume(id uint64) (Searcher, error)
	Csums() Searcher
	Close() error
}

// fsIndex serves an Index from a device through ctree
type fsIndex struct {
	fs *ctree.FS
}

// OpenIndex opens the btrfs filesystem on device read-only
func OpenIndex(device string, opts ctree.Options) (Index, error) {
	fs, err := ctree.Open(device, opts)
	if err != nil {
		return nil, err
	}
	VerboseLog(2, "opened %s: sectorsize %d, nodesize %d, csum %s, node cache %s",
		device, fs.Super.SectorSize, fs.Super.NodeSize, ctree.CsumTypeName(fs.Super.CsumType), FormatHumanSize(opts.CacheBytes))
	return &fsIndex{fs: fs}, nil
}

func (x *fsIndex) Geometry() Geometry {
	return Geometry{SectorSize: x.fs.SectorSize(), CsumSize: x.fs.CsumSize()}
}

func (x *fsIndex) Subvolume(id uint64) (Searcher, error) {
	return x.fs.ReadRoot(id)
}

func (x *fsIndex) Csums() Searcher {
	return x.fs.CsumTree()
}

func (x *fsIndex) Close() error {
	return x.fs.Close()
}

// Options controls a Hasher
type Options struct {
	MountInfo   string // Mount table, normally /proc/self/mountinfo
	FSType      string // Filesystem type to accept from the mount table
	CacheBytes  int    // Tree block cache size
	VerifyNodes bool   // Verify tree block checksums
	Direct      bool   // Skip the index path entirely
	NoFallback  bool   // Report lookup failures instead of reading the file
}

// DefaultOptions returns the options used when no configuration is given
func DefaultOptions() Options {
	cacheBytes, _ := ParseHumanSize(DefaultNodeCache)
	return Options{
		MountInfo:  DefaultMountInfo,
		FSType:     DefaultFSType,
		CacheBytes: cacheBytes,
	}
}

// OptionsFromConfig builds hasher options from a loaded configuration
func OptionsFromConfig(cfg *Config) (Options, error) {
	all := cfg.GetAllConfig()
	cacheBytes, err := ParseHumanSize(all.Index.NodeCache)
	if err != nil {
		return Options{}, fmt.Errorf("invalid node_cache: %w", err)
	}
	return Options{
		MountInfo:   all.Mount.MountInfo,
		FSType:      all.Mount.FSType,
		CacheBytes:  cacheBytes,
		VerifyNodes: all.Index.VerifyNodes || IsDebugEnabled(DebugVerifyNodes),
		Direct:      !all.Index.Enabled,
	}, nil
}

// Result is the outcome of hashing one file
type Result struct {
	Digest     uint64
	Method     Method
	Stats      ExtentStats // Index path counters, zero for a direct hash
	Resolution *Resolution // Nil when the index path was not tried
	LookupErr  error       // Why the index path was abandoned, if it was
}

// Hasher computes file digests, from the checksum index when it can and from
// the file's bytes when it cannot
type Hasher struct {
	opts            Options
	notice          io.Writer
	openIndex       func(device string) (Index, error)
	lookupSubvolume func(filePath string) (uint64, error)
}

// NewHasher returns a Hasher reading real devices
func NewHasher(opts Options) *Hasher {
	h := &Hasher{
		opts:            opts,
		notice:          os.Stderr,
		lookupSubvolume: LookupSubvolume,
	}
	h.openIndex = func(device string) (Index, error) {
		return OpenIndex(device, ctree.Options{CacheBytes: h.opts.CacheBytes, VerifyNodes: h.opts.VerifyNodes})
	}
	return h
}

// SetNotice redirects the fallback notice, which goes to stderr by default
func (h *Hasher) SetNotice(w io.Writer) {
	h.notice = w
}

// HashFile returns the digest of a regular file. Exactly one path produces
// the digest: a lookup failure discards the partial index state and the file
// is hashed directly from scratch.
func (h *Hasher) HashFile(filePath string) (*Result, error) {
	defer VerboseEnter()()

	var st unix.Stat_t
	if err := unix.Stat(filePath, &st); err != nil {
		return nil, newError(InputError, "stat", filePath, err)
	}
	if st.Mode&unix.S_IFMT != unix.S_IFREG {
		return nil, newError(InputError, "check", filePath, errors.New("not a regular file"))
	}

	if h.opts.Direct {
		VerboseLog(1, "hashing %s directly", filePath)
		return h.hashDirect(filePath, nil, nil)
	}

	res, err := ResolveDevice(filePath, h.opts.MountInfo, h.opts.FSType)
	if err != nil {
		return nil, newError(ResolutionError, "resolve device", filePath, err)
	}
	if h.lookupSubvolume != nil {
		if id, err := h.lookupSubvolume(res.FilePath); err != nil {
			VerboseLog(2, "subvolume lookup failed, using subvolid %d: %v", res.SubvolID, err)
		} else if id != res.SubvolID {
			VerboseLog(2, "%s is in subvolume %d, mount says %d", res.FilePath, id, res.SubvolID)
			res.SubvolID = id
		}
	}

	idx, err := h.openIndex(res.Device)
	if err != nil {
		return nil, newError(ResolutionError, "open filesystem", res.Device, err)
	}
	defer idx.Close()

	agg := NewAggregator()
	stats, err := hashIndex(idx, res.SubvolID, st.Ino, agg)
	if err != nil {
		lookupErr := newError(LookupError, "lookup extents", filePath, err)
		VerboseLog(1, "index lookup failed: %v", err)
		if h.opts.NoFallback {
			return nil, lookupErr
		}
		fmt.Fprintln(h.notice, FallbackNotice)
		return h.hashDirect(filePath, res, lookupErr)
	}

	bytes, calls := agg.Absorbed()
	VerboseLog(1, "%s: %d extents, %d holes, %d checksums (%d bytes in %d absorbs)",
		filePath, stats.Extents, stats.Holes, stats.Checksums, bytes, calls)

	return &Result{
		Digest:     agg.Sum64(),
		Method:     MethodIndex,
		Stats:      stats,
		Resolution: res,
	}, nil
}

func (h *Hasher) hashDirect(filePath string, res *Resolution, lookupErr error) (*Result, error) {
	digest, err := HashFileDirect(filePath)
	if err != nil {
		return nil, err
	}
	return &Result{
		Digest:     digest,
		Method:     MethodDirect,
		Resolution: res,
		LookupErr:  lookupErr,
	}, nil
}

// hashIndex folds the checksums of inode ino in subvolume subvol into agg
func hashIndex(idx Index, subvol, ino uint64, agg *Aggregator) (ExtentStats, error) {
	fsTree, err := idx.Subvolume(subvol)
	if err != nil {
		return ExtentStats{}, fmt.Errorf("unable to read subvolume %d: %w", subvol, err)
	}
	return HashExtents(fsTree, idx.Csums(), idx.Geometry(), ino, agg)
}
