// Package world stores a chunked tile world: a grid of fixed-size chunks
// with per-chunk versions and a dirty bitmap, saved as a full base archive
// plus incremental companion files holding only changed chunks, and paged
// back in on demand through a bounded LRU cache.
package world

import (
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/meigma/worldstore/core/internal/storetype"
	"github.com/meigma/worldstore/core/observe"
)

// location is where a chunk's latest record lives on disk.
type location struct {
	path         string
	offset       uint64
	compressed   uint32
	uncompressed uint32
	crc          uint32
	compression  storetype.Compression
}

type chunkMeta struct {
	version  uint32
	modified int64
	loc      *location
}

// state is everything a Load replaces. A Store swaps whole states so a
// failed load leaves the previous world untouched.
type state struct {
	gen          uint64
	grid         Grid
	meta         []chunkMeta
	dirty        *Bitmap
	created      int64
	lastSave     int64
	lastFullSave int64
	saveCount    uint32
	saveID       uuid.UUID
	basePath     string
	sequence     uint32
	incrementals int
	lastIncStamp int64
	saved        bool
}

// ChunkMeta describes one chunk's persistence state.
type ChunkMeta struct {
	Coord    Coord
	Version  uint32
	Modified time.Time
	Dirty    bool
	Stored   bool
	Resident bool
	Path     string
}

// Stats are cumulative store counters.
type Stats struct {
	Chunks           int
	Resident         int
	Dirty            int
	FullSaves        uint64
	IncrementalSaves uint64
	ChunksSaved      uint64
	ChunkLoads       uint64
	CacheHits        uint64
	CacheMisses      uint64
	Evictions        uint64
	SinceFull        int
	SaveCount        uint32
	LastSave         time.Time
	LastFullSave     time.Time
	SaveID           string
	BasePath         string
}

// Store owns one world. It is safe for concurrent use; saves and loads
// are serialized with each other.
type Store struct {
	mu    sync.Mutex
	st    *state
	cache *chunkCache
	gen   uint64
	stats Stats

	saveMu sync.Mutex
	loads  singleflight.Group

	// layout is held for reading from the moment a chunk location is
	// copied until its record has been read, and for writing while a full
	// save replaces the base file and deletes incrementals. Acquire it
	// before mu.
	layout sync.RWMutex

	cacheSize       int
	fullEvery       int
	compression     storetype.Compression
	readConcurrency int
	readAhead       uint64
	logger          *slog.Logger
	observer        observe.Observer
	now             func() time.Time
	hook            SaveHook
}

// New creates an empty Store. Call CreateWorld or Load before use.
func New(opts ...Option) *Store {
	s := &Store{
		cacheSize:       DefaultChunkCacheSize,
		fullEvery:       DefaultFullSaveEvery,
		compression:     storetype.CompressionFastBlock,
		readConcurrency: 4,
		readAhead:       16 << 20,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.observer = observe.OrNop(s.observer)
	s.cache = newChunkCache(s.cacheSize, s.pinned)
	s.cache.onEvict = func(int) { s.stats.Evictions++ }
	return s
}

// log returns the logger, falling back to a discard logger if nil.
func (s *Store) log() *slog.Logger {
	if s.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return s.logger
}

// pinned reports whether idx must stay resident. Called with s.mu held.
func (s *Store) pinned(idx int) bool {
	return s.st != nil && s.st.dirty.Test(idx)
}

// CreateWorld replaces the current world with an empty one of
// width x height tiles split into chunkSize x chunkSize chunks.
func (s *Store) CreateWorld(width, height, chunkSize int) error {
	grid, err := NewGrid(width, height, chunkSize)
	if err != nil {
		return fmt.Errorf("create world: %w", err)
	}
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	s.st = &state{
		gen:     s.gen,
		grid:    grid,
		meta:    make([]chunkMeta, grid.Total()),
		dirty:   NewBitmap(grid.Total()),
		created: s.now().UnixNano(),
	}
	s.cache.reset()
	s.stats = Stats{}
	s.reportMemory()
	s.log().Info("world created", "width", width, "height", height, "chunk_size", chunkSize, "chunks", grid.Total())
	return nil
}

// Grid returns the current world's grid.
func (s *Store) Grid() (Grid, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.st == nil {
		return Grid{}, false
	}
	return s.st.grid, true
}

func (s *Store) current() (*state, error) {
	if s.st == nil {
		return nil, fmt.Errorf("%w: no world loaded", storetype.ErrInvalidFormat)
	}
	return s.st, nil
}

// MarkDirty flags chunk (x, y) as changed: it sets the dirty bit, bumps
// the chunk version and stamps the modification time. Every mutation of
// chunk data must be followed by MarkDirty; Mutate does both.
func (s *Store) MarkDirty(x, y int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.current()
	if err != nil {
		return err
	}
	idx, err := st.grid.Index(Coord{X: x, Y: y})
	if err != nil {
		return err
	}
	s.markDirtyLocked(st, idx)
	return nil
}

func (s *Store) markDirtyLocked(st *state, idx int) {
	st.dirty.Set(idx)
	st.meta[idx].version++
	st.meta[idx].modified = s.now().UnixNano()
}

// Mutate runs fn on chunk (x, y) under the chunk's write lock and marks
// the chunk dirty. The chunk is pinned in memory for the duration.
//
// The chunk is marked dirty both before and after fn runs, so each call
// advances the chunk version by two. Treat Version as an ordering, not a
// count of mutations.
func (s *Store) Mutate(x, y int, fn func(*Layers)) error {
	s.mu.Lock()
	st, err := s.current()
	if err != nil {
		s.mu.Unlock()
		return err
	}
	idx, err := st.grid.Index(Coord{X: x, Y: y})
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.mutate(st, idx, fn)
}

func (s *Store) mutate(st *state, idx int, fn func(*Layers)) error {
	ch, err := s.getChunk(st, idx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.st != st {
		s.mu.Unlock()
		return fmt.Errorf("%w: world replaced during mutate", storetype.ErrAsyncFailure)
	}
	// Pin before writing; the chunk may have been evicted since getChunk.
	s.markDirtyLocked(st, idx)
	if cached, ok := s.cache.get(idx); ok {
		ch = cached
	} else {
		s.cache.put(idx, ch)
		s.reportMemory()
	}
	s.mu.Unlock()

	ch.update(fn)

	// A save that snapshotted the first bump must not clear this change.
	s.mu.Lock()
	if s.st == st {
		s.markDirtyLocked(st, idx)
	}
	s.mu.Unlock()
	return nil
}

// GetChunk returns chunk (x, y), reading it from disk on a cache miss.
// Chunks that were never saved start zeroed.
func (s *Store) GetChunk(x, y int) (*Chunk, error) {
	s.mu.Lock()
	st, err := s.current()
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	idx, err := st.grid.Index(Coord{X: x, Y: y})
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.getChunk(st, idx)
}

func (s *Store) getChunk(st *state, idx int) (*Chunk, error) {
	if ch, ok, err := s.cached(st, idx); ok || err != nil {
		return ch, err
	}

	s.layout.RLock()
	defer s.layout.RUnlock()

	s.mu.Lock()
	if s.st != st {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: world replaced during read", storetype.ErrAsyncFailure)
	}
	if ch, ok := s.cache.get(idx); ok {
		s.mu.Unlock()
		return ch, nil
	}
	s.stats.CacheMisses++
	var loc *location
	if l := st.meta[idx].loc; l != nil {
		cp := *l
		loc = &cp
	}
	coord := st.grid.Coord(idx)
	size := st.grid.ChunkSize
	s.mu.Unlock()

	key := strconv.FormatUint(st.gen, 10) + ":" + strconv.Itoa(idx)
	v, err, _ := s.loads.Do(key, func() (any, error) {
		if loc == nil {
			return newChunk(coord, size), nil
		}
		record, err := readRecord(loc)
		if err != nil {
			return nil, fmt.Errorf("chunk %s: %w", coord, err)
		}
		return chunkFromRecord(coord, size, record, loc)
	})
	if err != nil {
		return nil, err
	}
	return s.admit(st, idx, v.(*Chunk), loc != nil), nil
}

// cached returns chunk idx when it is resident.
func (s *Store) cached(st *state, idx int) (*Chunk, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.st != st {
		return nil, false, fmt.Errorf("%w: world replaced during read", storetype.ErrAsyncFailure)
	}
	ch, ok := s.cache.get(idx)
	if ok {
		s.stats.CacheHits++
	}
	return ch, ok, nil
}

// admit caches a freshly read chunk unless another reader got there first.
func (s *Store) admit(st *state, idx int, ch *Chunk, fromDisk bool) *Chunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.st != st {
		return ch
	}
	if cached, ok := s.cache.get(idx); ok {
		return cached
	}
	if fromDisk {
		s.stats.ChunkLoads++
	}
	s.cache.put(idx, ch)
	s.reportMemory()
	return ch
}

// reportMemory publishes resident chunk bytes. Called with s.mu held.
func (s *Store) reportMemory() {
	if s.st == nil {
		s.observer.Memory("chunks", 0)
		return
	}
	s.observer.Memory("chunks", int64(s.cache.len())*int64(RecordSize(s.st.grid.ChunkSize)))
}

// Meta returns the persistence state of chunk (x, y).
func (s *Store) Meta(x, y int) (ChunkMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.current()
	if err != nil {
		return ChunkMeta{}, err
	}
	c := Coord{X: x, Y: y}
	idx, err := st.grid.Index(c)
	if err != nil {
		return ChunkMeta{}, err
	}
	m := st.meta[idx]
	_, resident := s.cache.items[idx]
	out := ChunkMeta{
		Coord:    c,
		Version:  m.version,
		Dirty:    st.dirty.Test(idx),
		Stored:   m.loc != nil,
		Resident: resident,
	}
	if m.modified != 0 {
		out.Modified = time.Unix(0, m.modified)
	}
	if m.loc != nil {
		out.Path = m.loc.path
	}
	return out, nil
}

// DirtyCount returns the number of dirty chunks.
func (s *Store) DirtyCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.st == nil {
		return 0
	}
	return s.st.dirty.Count()
}

// DirtyChunks returns the coordinates of dirty chunks in index order.
func (s *Store) DirtyChunks() []Coord {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.st == nil {
		return nil
	}
	idxs := s.st.dirty.Indices()
	out := make([]Coord, len(idxs))
	for i, idx := range idxs {
		out[i] = s.st.grid.Coord(idx)
	}
	return out
}

// Stats returns a snapshot of the store counters.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.stats
	out.Resident = s.cache.len()
	if st := s.st; st != nil {
		out.Chunks = st.grid.Total()
		out.Dirty = st.dirty.Count()
		out.SinceFull = st.incrementals
		out.SaveCount = st.saveCount
		out.BasePath = st.basePath
		if st.lastSave != 0 {
			out.LastSave = time.Unix(0, st.lastSave)
		}
		if st.lastFullSave != 0 {
			out.LastFullSave = time.Unix(0, st.lastFullSave)
		}
		if st.saveID != uuid.Nil {
			out.SaveID = st.saveID.String()
		}
	}
	return out
}
