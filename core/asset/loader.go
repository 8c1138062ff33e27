package asset

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/meigma/worldstore/core/async"
	"github.com/meigma/worldstore/core/internal/checksum"
	"github.com/meigma/worldstore/core/internal/storetype"
	"github.com/meigma/worldstore/core/observe"
)

// Stats are cumulative loader counters.
type Stats struct {
	Hits        uint64
	Misses      uint64
	Loaded      uint64
	BytesLoaded uint64
	Failures    uint64
	Entries     int
	Bytes       int64
	Evictions   uint64
}

// HitRatio returns hits / (hits + misses), or 0 before any lookup.
func (s Stats) HitRatio() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Loader resolves asset ids through an Index, serves them from a Cache
// and fetches misses from a Source. Concurrent misses for one id share a
// single fetch.
type Loader struct {
	index    *Index
	source   Source
	cache    *Cache
	runner   *async.Runner
	observer observe.Observer
	logger   *slog.Logger
	preload  int

	loads  singleflight.Group
	mu     sync.Mutex
	states map[uint32]LoadState
	stats  Stats
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithCache sets the cache (default NewCache()).
func WithCache(c *Cache) LoaderOption {
	return func(l *Loader) {
		l.cache = c
	}
}

// WithRunner enables LoadAsync on r.
func WithRunner(r *async.Runner) LoaderOption {
	return func(l *Loader) {
		l.runner = r
	}
}

// WithObserver sets the observer receiving asset timings and cache
// counters.
func WithObserver(o observe.Observer) LoaderOption {
	return func(l *Loader) {
		l.observer = o
	}
}

// WithLogger sets the logger for loader operations.
func WithLogger(logger *slog.Logger) LoaderOption {
	return func(l *Loader) {
		l.logger = logger
	}
}

// WithPreloadConcurrency sets how many assets Preload fetches at once
// (default 4).
func WithPreloadConcurrency(n int) LoaderOption {
	return func(l *Loader) {
		if n > 0 {
			l.preload = n
		}
	}
}

// NewLoader creates a Loader over index reading from source.
func NewLoader(index *Index, source Source, opts ...LoaderOption) *Loader {
	l := &Loader{
		index:   index,
		source:  source,
		preload: 4,
		states:  make(map[uint32]LoadState),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.cache == nil {
		l.cache = NewCache()
	}
	l.observer = observe.OrNop(l.observer)
	return l
}

func (l *Loader) log() *slog.Logger {
	if l.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return l.logger
}

// Index returns the loader's index.
func (l *Loader) Index() *Index { return l.index }

// Cache returns the loader's cache.
func (l *Loader) Cache() *Cache { return l.cache }

// LoadSync returns the bytes of asset id, fetching and verifying them on a
// cache miss. Unknown ids fail with ErrFileNotFound; assets larger than
// the cache budget fail with ErrOutOfMemory.
func (l *Loader) LoadSync(ctx context.Context, id uint32) ([]byte, error) {
	if data, ok := l.cache.Get(id); ok {
		l.hit(id)
		return data, nil
	}
	l.mu.Lock()
	l.stats.Misses++
	l.mu.Unlock()
	l.observer.CacheMiss()

	e, ok := l.index.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("asset %d: %w: not in index", id, storetype.ErrFileNotFound)
	}
	if int64(e.Size) > l.cache.MaxBytes() { //nolint:gosec // compared against a positive budget
		l.setState(id, StateError)
		return nil, fmt.Errorf("asset %d: %w: %d bytes exceeds cache budget %d", id, storetype.ErrOutOfMemory, e.Size, l.cache.MaxBytes())
	}

	v, err, shared := l.loads.Do(strconv.FormatUint(uint64(id), 10), func() (any, error) {
		return l.fetch(ctx, e)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		l.log().Debug("asset load coalesced", "id", id)
	}
	return v.([]byte), nil
}

func (l *Loader) hit(id uint32) {
	l.mu.Lock()
	l.stats.Hits++
	l.mu.Unlock()
	l.observer.CacheHit()
	l.log().Debug("asset cache hit", "id", id)
}

func (l *Loader) fetch(ctx context.Context, e Entry) (data []byte, err error) {
	l.setState(e.ID, StateLoading)
	ctx, finish := l.observer.Begin(ctx, observe.CategoryAsset, e.Path)
	defer func() {
		finish(int64(len(data)), err)
		if err != nil {
			l.mu.Lock()
			l.stats.Failures++
			l.mu.Unlock()
			l.setState(e.ID, StateError)
		}
	}()

	data, err = l.source.ReadAsset(ctx, e)
	if err != nil {
		return nil, err
	}
	if uint64(len(data)) != e.Size {
		return nil, fmt.Errorf("asset %d: %w: read %d bytes, index says %d", e.ID, storetype.ErrInvalidFormat, len(data), e.Size)
	}
	if got := checksum.CRC32(data); got != e.CRC {
		if f, ok := l.source.(forgetter); ok {
			f.Forget(e)
		}
		return nil, fmt.Errorf("asset %d: %w: crc %08x, want %08x", e.ID, storetype.ErrChecksumMismatch, got, e.CRC)
	}
	if err := l.cache.Put(e.ID, data); err != nil {
		// Pinned entries fill the cache; hand the bytes out uncached.
		l.log().Warn("asset not cached", "id", e.ID, "error", err)
	}
	l.observer.Memory("assets", l.cache.Bytes())

	l.mu.Lock()
	l.stats.Loaded++
	l.stats.BytesLoaded += e.Size
	l.mu.Unlock()
	l.setState(e.ID, StateReady)
	l.log().Debug("asset loaded", "id", e.ID, "path", e.Path, "size", e.Size)
	return data, nil
}

// Acquire loads id and pins it in the cache until release is called.
func (l *Loader) Acquire(ctx context.Context, id uint32) (data []byte, release func(), err error) {
	for range 2 {
		if data, ok := l.cache.Acquire(id); ok {
			return data, func() { l.cache.Release(id) }, nil
		}
		if data, err = l.LoadSync(ctx, id); err != nil {
			return nil, nil, err
		}
	}
	// Evicted between load and pin; hand out an unpinned copy.
	return data, func() {}, nil
}

// LoadAsync queues a load of id on the runner. A cache hit runs cb
// synchronously and returns an already completed operation whose ID is
// async.CompletedID. It fails with ErrBufferFull when the pool or queue
// is full.
func (l *Loader) LoadAsync(ctx context.Context, id uint32, cb async.Callback, userData any) (*async.Operation, error) {
	name := "asset/" + strconv.FormatUint(uint64(id), 10)
	if data, ok := l.cache.Get(id); ok {
		l.hit(id)
		op := async.Completed(async.KindAsset, name, data, nil)
		if cb != nil {
			cb(op, data, nil)
		}
		return op, nil
	}
	if l.runner == nil {
		return nil, fmt.Errorf("asset %d: %w: no async runner", id, storetype.ErrAsyncFailure)
	}
	e, ok := l.index.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("asset %d: %w: not in index", id, storetype.ErrFileNotFound)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	work := func(ctx context.Context, op *async.Operation) ([]byte, error) {
		total := int64(e.Size) //nolint:gosec // bounded by cache budget
		op.SetProgress(0, total)
		data, err := l.LoadSync(ctx, id)
		if err == nil {
			op.SetProgress(total, total)
		}
		return data, err
	}
	op, err := l.runner.Submit(async.KindAsset, name, work, cb, userData)
	if err != nil {
		return nil, fmt.Errorf("asset %d: %w", id, err)
	}
	l.setState(id, StateLoading)
	return op, nil
}

// Preload loads ids concurrently and stops at the first failure.
func (l *Loader) Preload(ctx context.Context, ids []uint32) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.preload)
	for _, id := range ids {
		g.Go(func() error {
			_, err := l.LoadSync(gctx, id)
			return err
		})
	}
	return g.Wait()
}

// State returns the load state of id.
func (l *Loader) State(id uint32) LoadState {
	if l.cache.Contains(id) {
		return StateReady
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.states[id]
	if s == StateReady {
		// Evicted since it was loaded.
		return StateUnloaded
	}
	return s
}

func (l *Loader) setState(id uint32, s LoadState) {
	l.mu.Lock()
	l.states[id] = s
	l.mu.Unlock()
}

// Stats returns a snapshot of the loader counters.
func (l *Loader) Stats() Stats {
	l.mu.Lock()
	out := l.stats
	l.mu.Unlock()
	out.Entries = l.cache.Len()
	out.Bytes = l.cache.Bytes()
	out.Evictions = l.cache.Evictions()
	return out
}
