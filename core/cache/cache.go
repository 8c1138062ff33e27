package cache

import (
	"fmt"

	"github.com/opencontainers/go-digest"
)

// Cache stores byte slices by key. Implementations bound their own size
// and must be safe for concurrent use.
type Cache interface {
	// Get returns the cached bytes for key.
	Get(key digest.Digest) ([]byte, bool)

	// Put stores data under key. Data larger than the cache limit is
	// silently skipped.
	Put(key digest.Digest, data []byte) error

	// Delete removes key. Missing keys are a no-op.
	Delete(key digest.Digest) error

	// MaxBytes returns the configured size limit (0 = unlimited).
	MaxBytes() int64

	// SizeBytes returns the current size in bytes.
	SizeBytes() int64

	// Prune removes the oldest entries until the cache is at or below
	// targetBytes and returns the number of bytes freed.
	Prune(targetBytes int64) (int64, error)
}

// Key derives the cache key of a byte range of a remote file. The
// expected CRC32 is part of the key, so a re-published asset with new
// content maps to a new entry.
func Key(url string, off, size uint64, crc uint32) digest.Digest {
	return digest.FromString(fmt.Sprintf("%s|%d|%d|%08x", url, off, size, crc))
}
