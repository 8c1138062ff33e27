package world

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/worldstore/core/internal/storetype"
)

func newWorld(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s := New(opts...)
	require.NoError(t, s.CreateWorld(100, 100, 32))
	return s
}

func setTile(t *testing.T, s *Store, x, y int, v uint32) {
	t.Helper()
	require.NoError(t, s.Mutate(x, y, func(l *Layers) {
		l.Set(LayerAgents, 1, 1, v)
	}))
}

func tile(t *testing.T, s *Store, x, y int) uint32 {
	t.Helper()
	ch, err := s.GetChunk(x, y)
	require.NoError(t, err)
	return ch.Get(LayerAgents, 1, 1)
}

func TestCreateWorld(t *testing.T) {
	t.Parallel()

	s := newWorld(t)
	g, ok := s.Grid()
	require.True(t, ok)
	assert.Equal(t, 9, g.Total())
	assert.Zero(t, s.DirtyCount())

	ch, err := s.GetChunk(2, 2)
	require.NoError(t, err)
	assert.Zero(t, ch.Get(LayerTiles, 0, 0))

	_, err = s.GetChunk(3, 0)
	require.ErrorIs(t, err, storetype.ErrInvalidFormat)
	require.ErrorIs(t, s.MarkDirty(0, 3), storetype.ErrInvalidFormat)
}

func TestNoWorld(t *testing.T) {
	t.Parallel()

	s := New()
	_, err := s.GetChunk(0, 0)
	require.ErrorIs(t, err, storetype.ErrInvalidFormat)
	_, err = s.Save(context.Background(), filepath.Join(t.TempDir(), "w.sim"), true)
	require.ErrorIs(t, err, storetype.ErrInvalidFormat)
}

func TestMarkDirty(t *testing.T) {
	t.Parallel()

	s := newWorld(t)
	require.NoError(t, s.MarkDirty(1, 2))
	require.NoError(t, s.MarkDirty(1, 2))

	m, err := s.Meta(1, 2)
	require.NoError(t, err)
	assert.True(t, m.Dirty)
	assert.Equal(t, uint32(2), m.Version)
	assert.False(t, m.Stored)
	assert.Equal(t, 1, s.DirtyCount())
	assert.Equal(t, []Coord{{X: 1, Y: 2}}, s.DirtyChunks())
}

func TestFirstIncrementalSave(t *testing.T) {
	t.Parallel()

	s := newWorld(t)
	path := filepath.Join(t.TempDir(), "city.sim")
	require.NoError(t, s.MarkDirty(0, 0))

	res, err := s.Save(context.Background(), path, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.ChunksSaved)
	assert.False(t, res.Full)
	assert.True(t, res.Genesis)
	assert.Zero(t, s.DirtyCount())

	_, err = os.Stat(path)
	require.NoError(t, err, "genesis base missing")
	incs, err := Incrementals(path)
	require.NoError(t, err)
	assert.Equal(t, []string{res.Path}, incs)

	m, err := s.Meta(0, 0)
	require.NoError(t, err)
	assert.True(t, m.Stored)
	assert.Equal(t, res.Path, m.Path)
}

func TestSaveWithoutDirtyChunksWritesNothing(t *testing.T) {
	t.Parallel()

	s := newWorld(t)
	dir := t.TempDir()
	res, err := s.Save(context.Background(), filepath.Join(dir, "city.sim"), false)
	require.NoError(t, err)
	assert.Zero(t, res.ChunksSaved)
	assert.Empty(t, res.Path)

	ents, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, ents)
}

func TestFullSaveCadence(t *testing.T) {
	t.Parallel()

	s := newWorld(t)
	path := filepath.Join(t.TempDir(), "city.sim")
	ctx := context.Background()

	for i := range DefaultFullSaveEvery {
		setTile(t, s, i%3, 0, uint32(i+1)) //nolint:gosec // small
		assert.Equal(t, i == DefaultFullSaveEvery-1, s.FullSaveDue(path), "save %d", i+1)
		res, err := s.Save(ctx, path, false)
		require.NoError(t, err)
		if i < DefaultFullSaveEvery-1 {
			assert.False(t, res.Full, "save %d", i+1)
			assert.Equal(t, i+1, s.Stats().SinceFull)
		} else {
			assert.True(t, res.Full, "save %d", i+1)
			assert.Zero(t, s.Stats().SinceFull)
		}
	}

	incs, err := Incrementals(path)
	require.NoError(t, err)
	assert.Empty(t, incs, "full save leaves incrementals behind")
}

func TestForceFullSave(t *testing.T) {
	t.Parallel()

	var hooked []SaveResult
	s := newWorld(t, WithSaveHook(func(_ context.Context, res SaveResult) {
		hooked = append(hooked, res)
	}))
	path := filepath.Join(t.TempDir(), "city.sim")

	setTile(t, s, 0, 0, 7)
	setTile(t, s, 2, 2, 9)
	res, err := s.Save(context.Background(), path, true)
	require.NoError(t, err)
	assert.True(t, res.Full)
	assert.Equal(t, 2, res.ChunksSaved)
	assert.NotEmpty(t, res.SaveID)
	require.Len(t, hooked, 1)
	assert.Equal(t, path, hooked[0].Path)

	// Full save with nothing dirty still rewrites the base.
	res, err = s.Save(context.Background(), path, true)
	require.NoError(t, err)
	assert.True(t, res.Full)
	assert.Equal(t, 2, res.ChunksSaved)
}

func TestSaveToNewPathIsFull(t *testing.T) {
	t.Parallel()

	s := newWorld(t)
	dir := t.TempDir()
	setTile(t, s, 1, 1, 3)
	_, err := s.Save(context.Background(), filepath.Join(dir, "a.sim"), true)
	require.NoError(t, err)

	setTile(t, s, 0, 1, 4)
	res, err := s.Save(context.Background(), filepath.Join(dir, "b.sim"), false)
	require.NoError(t, err)
	assert.True(t, res.Full)
	assert.Equal(t, 2, res.ChunksSaved)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	for _, c := range []storetype.Compression{storetype.CompressionNone, storetype.CompressionFastBlock, storetype.CompressionFrameBlock} {
		t.Run(c.String(), func(t *testing.T) {
			t.Parallel()

			ctx := context.Background()
			path := filepath.Join(t.TempDir(), "city.sim")
			s := newWorld(t, WithCompression(c))
			setTile(t, s, 0, 0, 11)
			setTile(t, s, 1, 2, 12)
			_, err := s.SaveWithSections(ctx, path, true, map[storetype.SectionID][]byte{
				storetype.SectionAgents: []byte("agents"),
			})
			require.NoError(t, err)

			setTile(t, s, 1, 2, 13)
			setTile(t, s, 2, 0, 14)
			_, err = s.Save(ctx, path, false)
			require.NoError(t, err)

			loaded := New()
			res, err := loaded.Load(ctx, path)
			require.NoError(t, err)
			assert.Equal(t, 9, res.Chunks)
			assert.Equal(t, 3, res.Stored)
			assert.Equal(t, 1, res.Incrementals)
			assert.Equal(t, []byte("agents"), res.Sections[storetype.SectionAgents])

			assert.Equal(t, uint32(11), tile(t, loaded, 0, 0))
			assert.Equal(t, uint32(13), tile(t, loaded, 1, 2))
			assert.Equal(t, uint32(14), tile(t, loaded, 2, 0))
			assert.Zero(t, tile(t, loaded, 2, 2))
			assert.Zero(t, loaded.DirtyCount())

			want, err := s.Meta(1, 2)
			require.NoError(t, err)
			got, err := loaded.Meta(1, 2)
			require.NoError(t, err)
			assert.Equal(t, want.Version, got.Version)
			assert.Equal(t, s.Stats().SaveID, loaded.Stats().SaveID)
		})
	}
}

func TestSaveAfterLoadContinuesIncrementals(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "city.sim")
	s := newWorld(t)
	setTile(t, s, 0, 0, 1)
	_, err := s.Save(ctx, path, true)
	require.NoError(t, err)
	setTile(t, s, 0, 0, 2)
	_, err = s.Save(ctx, path, false)
	require.NoError(t, err)

	loaded := New()
	_, err = loaded.Load(ctx, path)
	require.NoError(t, err)
	setTile(t, loaded, 1, 0, 3)
	res, err := loaded.Save(ctx, path, false)
	require.NoError(t, err)
	assert.False(t, res.Full)
	assert.Equal(t, uint32(2), res.Sequence)

	again := New()
	lr, err := again.Load(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 2, lr.Incrementals)
	assert.Equal(t, uint32(2), tile(t, again, 0, 0))
	assert.Equal(t, uint32(3), tile(t, again, 1, 0))
}

func TestFailedLoadKeepsWorld(t *testing.T) {
	t.Parallel()

	s := newWorld(t)
	setTile(t, s, 1, 1, 5)

	_, err := s.Load(context.Background(), filepath.Join(t.TempDir(), "missing.sim"))
	require.ErrorIs(t, err, storetype.ErrFileNotFound)

	assert.Equal(t, 1, s.DirtyCount())
	assert.Equal(t, uint32(5), tile(t, s, 1, 1))
}

func TestLoadDetectsCorruption(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "city.sim")
	s := newWorld(t, WithCompression(storetype.CompressionNone))
	setTile(t, s, 0, 0, 0xABCD)
	_, err := s.Save(ctx, path, true)
	require.NoError(t, err)

	s.mu.Lock()
	off := int64(s.st.meta[0].loc.offset) //nolint:gosec // test offset
	s.mu.Unlock()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[off] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0o600))

	_, err = New().Load(ctx, path)
	require.ErrorIs(t, err, storetype.ErrChecksumMismatch)
}

func TestCorruptIncrementalFailsLoad(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "city.sim")
	s := newWorld(t)
	setTile(t, s, 0, 0, 1)
	res, err := s.Save(ctx, path, false)
	require.NoError(t, err)

	data, err := os.ReadFile(res.Path)
	require.NoError(t, err)
	data[len(data)-1] ^= 0xFF
	require.NoError(t, os.WriteFile(res.Path, data, 0o600))

	_, err = New().Load(ctx, path)
	require.ErrorIs(t, err, storetype.ErrChecksumMismatch)
}

func TestEvictedChunksReloadFromDisk(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "city.sim")
	s := newWorld(t, WithChunkCacheSize(2))
	for y := range 3 {
		for x := range 3 {
			setTile(t, s, x, y, uint32(y*3+x+100)) //nolint:gosec // small
		}
	}
	// Dirty chunks are pinned past capacity.
	assert.Equal(t, 9, s.Stats().Resident)

	_, err := s.Save(ctx, path, true)
	require.NoError(t, err)
	assert.Equal(t, 2, s.Stats().Resident)

	for y := range 3 {
		for x := range 3 {
			assert.Equal(t, uint32(y*3+x+100), tile(t, s, x, y)) //nolint:gosec // small
		}
	}
	st := s.Stats()
	assert.NotZero(t, st.ChunkLoads)
	assert.NotZero(t, st.Evictions)
	assert.LessOrEqual(t, st.Resident, 2)
}

func TestPrefetch(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "city.sim")
	s := newWorld(t)
	setTile(t, s, 0, 0, 1)
	setTile(t, s, 1, 0, 2)
	setTile(t, s, 2, 0, 3)
	_, err := s.Save(ctx, path, true)
	require.NoError(t, err)

	loaded := New()
	_, err = loaded.Load(ctx, path)
	require.NoError(t, err)
	n, err := loaded.Prefetch(ctx, []Coord{{0, 0}, {1, 0}, {2, 0}, {2, 2}})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	before := loaded.Stats().CacheHits
	assert.Equal(t, uint32(2), tile(t, loaded, 1, 0))
	assert.Equal(t, before+1, loaded.Stats().CacheHits)

	_, err = loaded.Prefetch(ctx, []Coord{{5, 5}})
	require.ErrorIs(t, err, storetype.ErrInvalidFormat)
}

func TestConcurrentMutate(t *testing.T) {
	t.Parallel()

	s := newWorld(t, WithChunkCacheSize(1))
	const workers, rounds = 8, 100

	var wg sync.WaitGroup
	for range workers {
		wg.Go(func() {
			for range rounds {
				assert.NoError(t, s.Mutate(0, 0, func(l *Layers) {
					l.Set(LayerEconomy, 0, 0, l.Get(LayerEconomy, 0, 0)+1)
				}))
			}
		})
	}
	wg.Wait()

	ch, err := s.GetChunk(0, 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(workers*rounds), ch.Get(LayerEconomy, 0, 0))

	m, err := s.Meta(0, 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(2*workers*rounds), m.Version)
}

func TestSaveRejectsWorldSection(t *testing.T) {
	t.Parallel()

	s := newWorld(t)
	_, err := s.SaveWithSections(context.Background(), filepath.Join(t.TempDir(), "w.sim"), true,
		map[storetype.SectionID][]byte{storetype.SectionWorld: nil})
	require.ErrorIs(t, err, storetype.ErrInvalidFormat)
}

func TestReadsDuringFullSaves(t *testing.T) {
	t.Parallel()

	s := newWorld(t, WithChunkCacheSize(1))
	grid, _ := s.Grid()
	for idx := range grid.Total() {
		c := grid.Coord(idx)
		setTile(t, s, c.X, c.Y, uint32(idx+1))
	}
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "busy.sim")
	_, err := s.Save(ctx, path, true)
	require.NoError(t, err)

	var (
		done atomic.Bool
		wg   sync.WaitGroup
	)
	for range 4 {
		wg.Go(func() {
			for !done.Load() {
				for idx := 1; idx < grid.Total(); idx++ {
					c := grid.Coord(idx)
					ch, err := s.GetChunk(c.X, c.Y)
					if !assert.NoError(t, err, "chunk %s", c) {
						return
					}
					assert.Equal(t, uint32(idx+1), ch.Get(LayerAgents, 1, 1))
				}
				_, err := s.Prefetch(ctx, []Coord{{1, 1}, {2, 1}, {2, 2}})
				if !assert.NoError(t, err) {
					return
				}
			}
		})
	}

	for i := range 50 {
		setTile(t, s, 0, 0, uint32(100+i))
		_, err := s.Save(ctx, path, true)
		require.NoError(t, err)
	}
	done.Store(true)
	wg.Wait()
}

func TestFullSaveWaitsForChunkReads(t *testing.T) {
	t.Parallel()

	s := newWorld(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "wait.sim")
	setTile(t, s, 0, 0, 1)
	_, err := s.Save(ctx, path, true)
	require.NoError(t, err)
	setTile(t, s, 0, 0, 2)

	// Stand in for a reader between copying a location and reading it.
	s.layout.RLock()
	saved := make(chan error, 1)
	go func() {
		_, err := s.Save(ctx, path, true)
		saved <- err
	}()
	select {
	case err := <-saved:
		s.layout.RUnlock()
		t.Fatalf("full save finished while a chunk read was in flight: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	s.layout.RUnlock()
	require.NoError(t, <-saved)
}

func TestMutateRejectsReplacedWorld(t *testing.T) {
	t.Parallel()

	s := newWorld(t)
	s.mu.Lock()
	old := s.st
	s.mu.Unlock()
	require.NoError(t, s.CreateWorld(100, 100, 32))

	err := s.mutate(old, 0, func(l *Layers) { l.Set(LayerAgents, 1, 1, 9) })
	require.ErrorIs(t, err, storetype.ErrAsyncFailure)
	assert.Zero(t, s.DirtyCount())
	assert.Zero(t, tile(t, s, 0, 0))
}
