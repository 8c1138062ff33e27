package asset

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/worldstore/core/internal/storetype"
)

func TestCacheEvictsLeastRecentlyUsed(t *testing.T) {
	t.Parallel()

	c := NewCache(WithMaxEntries(2), WithMaxBytes(1024))
	require.NoError(t, c.Put(1, []byte("one")))
	require.NoError(t, c.Put(2, []byte("two")))
	_, ok := c.Get(1)
	require.True(t, ok)

	require.NoError(t, c.Put(3, []byte("three")))
	assert.True(t, c.Contains(1))
	assert.False(t, c.Contains(2), "least recently used entry survived")
	assert.True(t, c.Contains(3))
	assert.Equal(t, uint64(1), c.Evictions())
	assert.Equal(t, int64(len("one")+len("three")), c.Bytes())
}

func TestCacheByteBudget(t *testing.T) {
	t.Parallel()

	c := NewCache(WithMaxEntries(10), WithMaxBytes(10))
	require.NoError(t, c.Put(1, make([]byte, 4)))
	require.NoError(t, c.Put(2, make([]byte, 4)))
	require.NoError(t, c.Put(3, make([]byte, 4)))
	assert.False(t, c.Contains(1))
	assert.Equal(t, int64(8), c.Bytes())

	err := c.Put(4, make([]byte, 11))
	require.ErrorIs(t, err, storetype.ErrOutOfMemory)
	assert.Equal(t, 2, c.Len())
}

func TestCachePinnedEntriesSurvive(t *testing.T) {
	t.Parallel()

	c := NewCache(WithMaxEntries(2), WithMaxBytes(1024))
	require.NoError(t, c.Put(1, []byte("a")))
	require.NoError(t, c.Put(2, []byte("b")))
	_, ok := c.Acquire(1)
	require.True(t, ok)
	_, ok = c.Acquire(2)
	require.True(t, ok)

	err := c.Put(3, []byte("c"))
	require.ErrorIs(t, err, storetype.ErrOutOfMemory)
	assert.True(t, c.Contains(1))
	assert.True(t, c.Contains(2))
	assert.False(t, c.Remove(1))

	c.Release(1)
	require.NoError(t, c.Put(3, []byte("c")))
	assert.False(t, c.Contains(1))
	assert.True(t, c.Contains(2))
}

func TestCacheReplace(t *testing.T) {
	t.Parallel()

	c := NewCache(WithMaxEntries(2), WithMaxBytes(8))
	require.NoError(t, c.Put(1, make([]byte, 4)))
	require.NoError(t, c.Put(2, make([]byte, 4)))
	require.NoError(t, c.Put(2, make([]byte, 6)))
	assert.False(t, c.Contains(1))
	assert.Equal(t, int64(6), c.Bytes())
	assert.Equal(t, 1, c.Len())
}
