package btrfshash

import (
	"fmt"
	"io"
	"os"
)

// DirectChunkSize is the read size of the direct hasher. Every read is one
// Absorb, so this constant is part of the digest definition.
const DirectChunkSize = 64 * 1024

// HashFileDirect hashes the file's bytes with a fresh aggregator, one absorb
// per read of up to DirectChunkSize bytes
func HashFileDirect(filePath string) (uint64, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return 0, newError(FallbackIOError, "open", filePath, err)
	}
	defer file.Close()

	digest, err := HashReader(file)
	if err != nil {
		return 0, newError(FallbackIOError, "read", filePath, err)
	}
	return digest, nil
}

// HashReader absorbs everything r returns until EOF
func HashReader(r io.Reader) (uint64, error) {
	agg := NewAggregator()
	buffer := make([]byte, DirectChunkSize)

	for {
		n, err := r.Read(buffer)
		if n > 0 {
			agg.Absorb(buffer[:n])
		}

		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("failed to read: %w", err)
		}
	}

	bytes, calls := agg.Absorbed()
	VerboseLog(2, "direct hash absorbed %d bytes in %d reads", bytes, calls)
	return agg.Sum64(), nil
}
