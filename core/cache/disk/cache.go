// Package disk persists remote asset bytes on the local filesystem.
//
// Each entry is a small frame: the magic "WSDC", the CRC32 of the payload
// and the payload itself. A frame that fails its check on read is deleted
// and reported as a miss.
package disk

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/opencontainers/go-digest"

	"github.com/meigma/worldstore/core/internal/checksum"
	"github.com/meigma/worldstore/core/internal/platform"
	"github.com/meigma/worldstore/core/internal/storetype"
)

// EntryOverhead is the framing added to every stored payload.
const EntryOverhead = 8

var entryMagic = []byte("WSDC")

const (
	defaultShardPrefixLen = 2
	dirPerm               = 0o700
)

// Cache implements cache.Cache on the local filesystem. Entries live at
// <dir>/<algorithm>/<shard>/<hex>. Safe for concurrent use.
type Cache struct {
	dir            string
	shardPrefixLen int
	maxBytes       int64
	logger         *slog.Logger

	bytes   atomic.Int64
	corrupt atomic.Int64
	pruneMu sync.Mutex
}

// Option configures a disk cache.
type Option func(*Cache)

// WithShardPrefixLen sets how many hex characters of the key name the
// shard directory. 0 stores every entry in one directory.
func WithShardPrefixLen(n int) Option {
	return func(c *Cache) {
		c.shardPrefixLen = n
	}
}

// WithMaxBytes bounds the on-disk size, framing included. 0 means no
// limit.
func WithMaxBytes(n int64) Option {
	return func(c *Cache) {
		c.maxBytes = n
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// New opens (creating if needed) a cache rooted at dir and counts what is
// already there.
func New(dir string, opts ...Option) (*Cache, error) {
	if dir == "" {
		return nil, fmt.Errorf("%w: disk cache dir is empty", storetype.ErrInvalidFormat)
	}
	c := &Cache{dir: dir, shardPrefixLen: defaultShardPrefixLen}
	for _, opt := range opts {
		opt(c)
	}
	switch {
	case c.shardPrefixLen < 0:
		return nil, fmt.Errorf("%w: shard prefix length %d", storetype.ErrInvalidFormat, c.shardPrefixLen)
	case c.maxBytes < 0:
		return nil, fmt.Errorf("%w: disk cache limit %d", storetype.ErrInvalidFormat, c.maxBytes)
	}
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, storetype.ClassifyIOError(err)
	}
	size, err := dirSize(dir)
	if err != nil {
		return nil, storetype.ClassifyIOError(err)
	}
	c.bytes.Store(size)
	return c, nil
}

func (c *Cache) log() *slog.Logger {
	if c.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return c.logger
}

// Get returns the payload stored under key. Entries whose frame does not
// check out are removed and reported as misses.
func (c *Cache) Get(key digest.Digest) ([]byte, bool) {
	path, err := c.path(key)
	if err != nil {
		return nil, false
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	data, err := unframe(raw)
	if err != nil {
		c.corrupt.Add(1)
		c.log().Warn("dropping damaged disk cache entry", "key", key, "error", err)
		if derr := c.remove(path); derr != nil {
			c.log().Warn("failed to remove disk cache entry", "key", key, "error", derr)
		}
		return nil, false
	}
	// Pruning is oldest-mtime first.
	now := fileNow()
	_ = os.Chtimes(path, now, now) //nolint:errcheck // recency is best-effort
	return data, true
}

// Put stores data under key. An existing entry is kept; a payload that can
// never fit the limit is skipped without error.
func (c *Cache) Put(key digest.Digest, data []byte) error {
	path, err := c.path(key)
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	need := int64(len(data)) + EntryOverhead
	ok, err := c.reserve(need)
	if err != nil {
		return err
	}
	if !ok {
		c.log().Debug("asset too large for disk cache", "key", key, "size", len(data))
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return storetype.ClassifyIOError(err)
	}
	if err := platform.WriteFile(path, frame(data)); err != nil {
		return err
	}
	c.bytes.Add(need)
	return nil
}

// Delete removes key. Missing keys are not an error.
func (c *Cache) Delete(key digest.Digest) error {
	path, err := c.path(key)
	if err != nil {
		return err
	}
	return c.remove(path)
}

// MaxBytes returns the size limit (0 = unlimited).
func (c *Cache) MaxBytes() int64 { return c.maxBytes }

// SizeBytes returns the bytes on disk, framing included.
func (c *Cache) SizeBytes() int64 { return c.bytes.Load() }

// Corrupt returns how many damaged entries Get has dropped.
func (c *Cache) Corrupt() int64 { return c.corrupt.Load() }

// Prune deletes least recently used entries until at most targetBytes
// remain, returning the bytes freed.
func (c *Cache) Prune(targetBytes int64) (int64, error) {
	c.pruneMu.Lock()
	defer c.pruneMu.Unlock()

	freed, remaining, err := pruneDir(c.dir, max(targetBytes, 0))
	if err != nil {
		return 0, storetype.ClassifyIOError(err)
	}
	c.bytes.Store(remaining)
	if freed > 0 {
		c.log().Debug("disk cache pruned", "freed", freed, "remaining", remaining)
	}
	return freed, nil
}

func (c *Cache) remove(path string) error {
	info, err := os.Stat(path)
	if err == nil {
		err = os.Remove(path)
	}
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return storetype.ClassifyIOError(err)
	}
	c.bytes.Add(-info.Size())
	return nil
}

func (c *Cache) path(key digest.Digest) (string, error) {
	if err := key.Validate(); err != nil {
		return "", fmt.Errorf("%w: disk cache key %q: %w", storetype.ErrInvalidFormat, key, err)
	}
	hexKey := key.Encoded()
	base := filepath.Join(c.dir, key.Algorithm().String())
	if c.shardPrefixLen == 0 {
		return filepath.Join(base, hexKey), nil
	}
	return filepath.Join(base, hexKey[:min(c.shardPrefixLen, len(hexKey))], hexKey), nil
}

// reserve makes room for need bytes, reporting false when need alone
// exceeds the limit.
func (c *Cache) reserve(need int64) (bool, error) {
	if c.maxBytes == 0 {
		return true, nil
	}
	if need > c.maxBytes {
		return false, nil
	}
	if c.SizeBytes()+need <= c.maxBytes {
		return true, nil
	}
	if _, err := c.Prune(c.maxBytes - need); err != nil {
		return false, err
	}
	return c.SizeBytes()+need <= c.maxBytes, nil
}

func frame(data []byte) []byte {
	out := make([]byte, EntryOverhead+len(data))
	copy(out, entryMagic)
	binary.LittleEndian.PutUint32(out[4:], checksum.CRC32(data))
	copy(out[EntryOverhead:], data)
	return out
}

func unframe(raw []byte) ([]byte, error) {
	if len(raw) < EntryOverhead || !bytes.Equal(raw[:4], entryMagic) {
		return nil, storetype.ErrInvalidFormat
	}
	data := raw[EntryOverhead:]
	if checksum.CRC32(data) != binary.LittleEndian.Uint32(raw[4:]) {
		return nil, storetype.ErrChecksumMismatch
	}
	return data, nil
}
