package btrfshash

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// DigestSeed is the initial aggregator state
const DigestSeed uint64 = 0

// Aggregator folds buffers into one 64-bit digest. Each Absorb hashes the
// buffer with XXH64 seeded by the current state, so the result depends on both
// the bytes and how they were split into buffers. Callers must feed buffers in
// address order and split them the same way every time.
type Aggregator struct {
	state  uint64
	digest *xxhash.Digest
	bytes  uint64
	calls  int
}

// NewAggregator returns an aggregator at DigestSeed
func NewAggregator() *Aggregator {
	return &Aggregator{
		state:  DigestSeed,
		digest: xxhash.NewWithSeed(DigestSeed),
	}
}

// Absorb folds one buffer into the state
func (a *Aggregator) Absorb(buf []byte) {
	a.digest.ResetWithSeed(a.state)
	a.digest.Write(buf)
	a.state = a.digest.Sum64()
	a.bytes += uint64(len(buf))
	a.calls++
}

// Sum64 returns the current state, which is the digest once all buffers are in
func (a *Aggregator) Sum64() uint64 {
	return a.state
}

// Absorbed returns the number of bytes and buffers absorbed so far
func (a *Aggregator) Absorbed() (uint64, int) {
	return a.bytes, a.calls
}

// FormatDigest renders a digest as 16 lowercase hex digits
func FormatDigest(d uint64) string {
	return fmt.Sprintf("%016x", d)
}
