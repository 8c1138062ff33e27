// Package testutil holds fakes and file helpers shared by package tests.
package testutil

import (
	"io"
	"math/rand/v2"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
)

// ByteSource is an in-memory io.ReaderAt that counts reads.
type ByteSource struct {
	data  []byte
	reads atomic.Int64
}

// NewByteSource returns a byte source backed by data.
func NewByteSource(data []byte) *ByteSource {
	return &ByteSource{data: data}
}

// ReadAt implements io.ReaderAt over the backing slice.
func (m *ByteSource) ReadAt(p []byte, off int64) (int, error) {
	m.reads.Add(1)
	if off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Size returns the length of the backing data.
func (m *ByteSource) Size() int64 { return int64(len(m.data)) }

// Reads returns the number of ReadAt calls so far.
func (m *ByteSource) Reads() int64 { return m.reads.Load() }

// MemCache is a map-backed implementation of cache.Cache.
type MemCache struct {
	mu   sync.Mutex
	data map[digest.Digest][]byte
	puts int
}

// NewMemCache returns an empty MemCache.
func NewMemCache() *MemCache {
	return &MemCache{data: make(map[digest.Digest][]byte)}
}

// Get returns the bytes stored under key.
func (c *MemCache) Get(key digest.Digest) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.data[key]
	return b, ok
}

// Put stores a copy of data under key.
func (c *MemCache) Put(key digest.Digest, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = append([]byte(nil), data...)
	c.puts++
	return nil
}

// Delete removes key.
func (c *MemCache) Delete(key digest.Digest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

// MaxBytes reports no limit.
func (c *MemCache) MaxBytes() int64 { return 0 }

// SizeBytes returns the total stored bytes.
func (c *MemCache) SizeBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var n int64
	for _, b := range c.data {
		n += int64(len(b))
	}
	return n
}

// Prune drops everything when the cache is over target.
func (c *MemCache) Prune(target int64) (int64, error) {
	size := c.SizeBytes()
	if size <= target {
		return 0, nil
	}
	c.mu.Lock()
	clear(c.data)
	c.mu.Unlock()
	return size, nil
}

// Puts returns the number of Put calls.
func (c *MemCache) Puts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.puts
}

// Corrupt flips the first byte of a stored entry.
func (c *MemCache) Corrupt(key digest.Digest) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.data[key]
	if !ok || len(b) == 0 {
		return false
	}
	b[0] ^= 0xFF
	return true
}

// Clock is a manually advanced clock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock stopped at start.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Pattern returns n deterministic pseudo-random bytes for seed.
func Pattern(n int, seed uint64) []byte {
	r := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)) //nolint:gosec // test data
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(r.UintN(256))
	}
	return b
}

// Compressible returns n bytes with long runs, so every codec shrinks it.
func Compressible(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i / 64)
	}
	return b
}

// FlipByte inverts the byte at off in the file at path.
func FlipByte(t testing.TB, path string, off int64) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	b := make([]byte, 1)
	if _, err := f.ReadAt(b, off); err != nil {
		t.Fatalf("read %s at %d: %v", path, off, err)
	}
	b[0] ^= 0xFF
	if _, err := f.WriteAt(b, off); err != nil {
		t.Fatalf("write %s at %d: %v", path, off, err)
	}
}

// WriteAt overwrites bytes at off in the file at path.
func WriteAt(t testing.TB, path string, off int64, p []byte) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	if _, err := f.WriteAt(p, off); err != nil {
		t.Fatalf("write %s at %d: %v", path, off, err)
	}
}

// CopyFile copies src to dst.
func CopyFile(t testing.TB, src, dst string) {
	t.Helper()
	data, err := os.ReadFile(src)
	if err != nil {
		t.Fatalf("read %s: %v", src, err)
	}
	if err := os.WriteFile(dst, data, 0o600); err != nil {
		t.Fatalf("write %s: %v", dst, err)
	}
}

// ReadFile returns the contents of path.
func ReadFile(t testing.TB, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return data
}
