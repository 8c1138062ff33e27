package disk

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/worldstore/core/cache"
	"github.com/meigma/worldstore/core/internal/storetype"
)

var _ cache.Cache = (*Cache)(nil)

func TestCachePutGet(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	c, err := New(dir)
	require.NoError(t, err)

	key := cache.Key("https://cdn.example/grass.png", 0, 5, 0xCAFE)
	require.NoError(t, c.Put(key, []byte("hello")))

	got, ok := c.Get(key)
	require.True(t, ok)
	assert.Equal(t, []byte("hello"), got)
	assert.Equal(t, int64(5+EntryOverhead), c.SizeBytes())

	hexKey := key.Encoded()
	_, err = os.Stat(filepath.Join(dir, "sha256", hexKey[:defaultShardPrefixLen], hexKey))
	require.NoError(t, err)

	// Reopening counts existing entries.
	again, err := New(dir)
	require.NoError(t, err)
	assert.Equal(t, int64(5+EntryOverhead), again.SizeBytes())
}

func TestCacheShardDisable(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	c, err := New(dir, WithShardPrefixLen(0))
	require.NoError(t, err)

	key := digest.FromString("flat")
	require.NoError(t, c.Put(key, []byte("flat")))
	_, err = os.Stat(filepath.Join(dir, "sha256", key.Encoded()))
	require.NoError(t, err)
}

func TestNewRejectsBadConfig(t *testing.T) {
	t.Parallel()

	_, err := New("")
	require.ErrorIs(t, err, storetype.ErrInvalidFormat)
	_, err = New(t.TempDir(), WithMaxBytes(-1))
	require.ErrorIs(t, err, storetype.ErrInvalidFormat)
	_, err = New(t.TempDir(), WithShardPrefixLen(-1))
	require.ErrorIs(t, err, storetype.ErrInvalidFormat)
}

func TestCacheInvalidKey(t *testing.T) {
	t.Parallel()

	c, err := New(t.TempDir())
	require.NoError(t, err)
	require.ErrorIs(t, c.Put(digest.Digest("nope"), []byte("x")), storetype.ErrInvalidFormat)
	_, ok := c.Get(digest.Digest("nope"))
	assert.False(t, ok)
}

func TestCacheDelete(t *testing.T) {
	t.Parallel()

	c, err := New(t.TempDir())
	require.NoError(t, err)
	key := digest.FromString("gone")
	require.NoError(t, c.Put(key, []byte("gone")))
	require.NoError(t, c.Delete(key))
	require.NoError(t, c.Delete(key))
	_, ok := c.Get(key)
	assert.False(t, ok)
	assert.Zero(t, c.SizeBytes())
}

func TestCacheEvictsOldest(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	const budget = 2 * (4 + EntryOverhead)
	c, err := New(dir, WithMaxBytes(budget))
	require.NoError(t, err)

	first := digest.FromString("first")
	second := digest.FromString("second")
	third := digest.FromString("third")
	require.NoError(t, c.Put(first, bytes.Repeat([]byte{1}, 4)))
	path, err := c.path(first)
	require.NoError(t, err)
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(path, old, old))

	require.NoError(t, c.Put(second, bytes.Repeat([]byte{2}, 4)))
	require.NoError(t, c.Put(third, bytes.Repeat([]byte{3}, 4)))

	_, ok := c.Get(first)
	assert.False(t, ok, "oldest entry survived")
	_, ok = c.Get(third)
	assert.True(t, ok)
	assert.LessOrEqual(t, c.SizeBytes(), int64(budget))

	// Larger than the whole cache: skipped, not an error.
	require.NoError(t, c.Put(digest.FromString("huge"), make([]byte, budget)))
	_, ok = c.Get(digest.FromString("huge"))
	assert.False(t, ok)
}

func TestCacheDropsDamagedEntries(t *testing.T) {
	t.Parallel()

	c, err := New(t.TempDir())
	require.NoError(t, err)

	flipped := digest.FromString("flipped")
	require.NoError(t, c.Put(flipped, []byte("tileset")))
	path, err := c.path(flipped)
	require.NoError(t, err)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xFF
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	truncated := digest.FromString("truncated")
	require.NoError(t, c.Put(truncated, []byte("sprite")))
	path2, err := c.path(truncated)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path2, 3))

	_, ok := c.Get(flipped)
	assert.False(t, ok)
	_, ok = c.Get(truncated)
	assert.False(t, ok)
	assert.Equal(t, int64(2), c.Corrupt())

	_, err = os.Stat(path)
	require.ErrorIs(t, err, os.ErrNotExist)
	_, err = os.Stat(path2)
	require.ErrorIs(t, err, os.ErrNotExist)

	// A fresh put after the drop is served normally.
	require.NoError(t, c.Put(flipped, []byte("tileset")))
	got, ok := c.Get(flipped)
	require.True(t, ok)
	assert.Equal(t, "tileset", string(got))
}
