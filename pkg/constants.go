package btrfshash

// Program identity
const (
	ProgramName = "btrfs-hash"
	Version     = "0.3.0"
)

// FallbackNotice is printed to stderr when the index path gives up
const FallbackNotice = "Unable to lookup extent, falling back to direct read..."

// Debug flags understood by SetDebugFlags
const (
	DebugLookup      = "lookup"      // per extent and per csum item tracing
	DebugMount       = "mount"       // mount table decisions
	DebugVerifyNodes = "verifynodes" // verify tree block checksums while reading
)

// KnownDebugFlags lists the debug flags in help output order
var KnownDebugFlags = []string{DebugLookup, DebugMount, DebugVerifyNodes}
