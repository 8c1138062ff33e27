package world

import (
	"cmp"
	"context"
	"fmt"
	"os"
	"slices"

	"github.com/google/uuid"

	worldstore "github.com/meigma/worldstore/core"
	"github.com/meigma/worldstore/core/internal/checksum"
	"github.com/meigma/worldstore/core/internal/format"
	"github.com/meigma/worldstore/core/internal/storetype"
	"github.com/meigma/worldstore/core/observe"
)

// LoadResult reports what a load read.
type LoadResult struct {
	Path   string
	Chunks int
	Stored int

	// Incrementals is the number of incremental files applied; Stale
	// counts companion files that belong to another base.
	Incrementals int
	Stale        int
	Sections     map[storetype.SectionID][]byte
	Bytes        int64
}

// Incremental is a parsed companion file.
type Incremental struct {
	Path    string
	Header  format.IncrementalHeader
	Entries []format.ChunkEntry
}

// Load replaces the current world with the one saved at path: the base
// archive plus every incremental file written against it, applied in
// sequence order. Chunk data is paged in lazily. On failure the current
// world is left untouched.
func (s *Store) Load(ctx context.Context, path string) (res LoadResult, err error) {
	if err := ctx.Err(); err != nil {
		return LoadResult{}, err
	}
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	_, finish := s.observer.Begin(ctx, observe.CategoryLoad, path)
	defer func() { finish(res.Bytes, err) }()

	st, res, err := s.readState(path)
	if err != nil {
		return LoadResult{}, fmt.Errorf("load %s: %w", path, err)
	}

	s.mu.Lock()
	s.gen++
	st.gen = s.gen
	s.st = st
	s.cache.reset()
	s.reportMemory()
	s.mu.Unlock()

	s.log().Info("world loaded",
		"path", path,
		"chunks", res.Chunks,
		"stored", res.Stored,
		"incrementals", res.Incrementals,
		"stale", res.Stale)
	return res, nil
}

func (s *Store) readState(path string) (*state, LoadResult, error) {
	a, err := worldstore.Open(path, worldstore.WithLogger(s.log()))
	if err != nil {
		return nil, LoadResult{}, err
	}
	defer a.Close()

	info, ok := a.Section(storetype.SectionWorld)
	if !ok {
		return nil, LoadResult{}, fmt.Errorf("%w: no world section", storetype.ErrInvalidFormat)
	}
	if info.Compression != storetype.CompressionNone {
		return nil, LoadResult{}, fmt.Errorf("%w: world section stored with %s", storetype.ErrInvalidFormat, info.Compression)
	}
	payload, err := a.ReadSection(storetype.SectionWorld)
	if err != nil {
		return nil, LoadResult{}, err
	}
	meta, err := format.ParseWorldMeta(payload)
	if err != nil {
		return nil, LoadResult{}, err
	}
	grid, err := NewGrid(int(meta.Width), int(meta.Height), int(meta.ChunkSize))
	if err != nil {
		return nil, LoadResult{}, err
	}
	if grid.Total() != int(meta.TotalChunks) {
		return nil, LoadResult{}, fmt.Errorf("%w: %d chunks recorded for a %d chunk grid", storetype.ErrInvalidFormat, meta.TotalChunks, grid.Total())
	}
	tableOff := format.WorldMetaSize
	dataOff := tableOff + grid.Total()*format.ChunkEntrySize
	if len(payload) < dataOff {
		return nil, LoadResult{}, fmt.Errorf("%w: chunk table truncated", storetype.ErrInvalidFormat)
	}
	if got := checksum.CRC32(payload[tableOff:dataOff]); got != meta.TableCRC {
		return nil, LoadResult{}, fmt.Errorf("%w: chunk table crc %08x, want %08x", storetype.ErrChecksumMismatch, got, meta.TableCRC)
	}

	st := &state{
		grid:         grid,
		meta:         make([]chunkMeta, grid.Total()),
		dirty:        NewBitmap(grid.Total()),
		created:      meta.Created,
		lastSave:     meta.LastSave,
		lastFullSave: meta.LastFullSave,
		saveCount:    meta.SaveCount,
		saveID:       uuid.UUID(meta.SaveID),
		basePath:     path,
		saved:        true,
	}
	res := LoadResult{Path: path, Chunks: grid.Total(), Bytes: a.Size()}
	for idx := range st.meta {
		e, err := format.ParseChunkEntry(payload[tableOff+idx*format.ChunkEntrySize:])
		if err != nil {
			return nil, LoadResult{}, err
		}
		if err := checkEntry(grid, idx, e); err != nil {
			return nil, LoadResult{}, err
		}
		st.meta[idx].version = e.Version
		st.meta[idx].modified = e.Modified
		if e.Empty() {
			continue
		}
		end := e.Offset + uint64(e.Compressed)
		if e.Offset < uint64(dataOff) || end > uint64(len(payload)) {
			return nil, LoadResult{}, fmt.Errorf("%w: chunk %s record [%d,%d) outside world data", storetype.ErrInvalidFormat, grid.Coord(idx), e.Offset, end)
		}
		e.Offset += info.PayloadOffset
		st.meta[idx].loc = locationOf(path, e)
		res.Stored++
	}

	for _, id := range a.SectionOrder() {
		if id == storetype.SectionWorld {
			continue
		}
		data, err := a.ReadSection(id)
		if err != nil {
			return nil, LoadResult{}, err
		}
		if res.Sections == nil {
			res.Sections = make(map[storetype.SectionID][]byte)
		}
		res.Sections[id] = data
	}

	incs, stale, err := s.readIncrementals(path, st.saveID)
	if err != nil {
		return nil, LoadResult{}, err
	}
	res.Stale = stale
	for _, inc := range incs {
		for _, e := range inc.Entries {
			idx, err := grid.Index(Coord{X: int(e.X), Y: int(e.Y)})
			if err != nil {
				return nil, LoadResult{}, fmt.Errorf("%s: %w", inc.Path, err)
			}
			if err := checkEntry(grid, idx, e); err != nil {
				return nil, LoadResult{}, fmt.Errorf("%s: %w", inc.Path, err)
			}
			wasStored := st.meta[idx].loc != nil
			st.meta[idx] = chunkMeta{version: e.Version, modified: e.Modified, loc: locationOf(inc.Path, e)}
			if !wasStored {
				res.Stored++
			}
		}
		st.sequence = inc.Header.Sequence
		st.lastIncStamp = inc.Header.Created
		st.lastSave = max(st.lastSave, inc.Header.Created)
		st.saveCount++
		st.incrementals++
		res.Incrementals++
	}
	return st, res, nil
}

func checkEntry(grid Grid, idx int, e format.ChunkEntry) error {
	want := grid.Coord(idx)
	if int(e.X) != want.X || int(e.Y) != want.Y {
		return fmt.Errorf("%w: table slot %d holds chunk (%d,%d), want %s", storetype.ErrInvalidFormat, idx, e.X, e.Y, want)
	}
	if !e.Empty() && int(e.Uncompressed) != RecordSize(grid.ChunkSize) {
		return fmt.Errorf("%w: chunk %s record is %d bytes, want %d", storetype.ErrInvalidFormat, want, e.Uncompressed, RecordSize(grid.ChunkSize))
	}
	return nil
}

// readIncrementals parses the companion files of the base at path that
// were written against base, in sequence order. Files written against
// another base are counted and skipped.
func (s *Store) readIncrementals(path string, base uuid.UUID) ([]Incremental, int, error) {
	names, err := Incrementals(path)
	if err != nil {
		return nil, 0, err
	}
	var out []Incremental
	stale := 0
	for _, name := range names {
		inc, err := ReadIncremental(name)
		if err != nil {
			return nil, 0, err
		}
		if uuid.UUID(inc.Header.BaseID) != base {
			s.log().Debug("skipping stale incremental", "path", name)
			stale++
			continue
		}
		out = append(out, inc)
	}
	slices.SortFunc(out, func(a, b Incremental) int {
		if c := cmp.Compare(a.Header.Sequence, b.Header.Sequence); c != 0 {
			return c
		}
		return cmp.Compare(a.Header.Created, b.Header.Created)
	})
	return out, stale, nil
}

// ReadIncremental parses and checks one incremental file.
func ReadIncremental(path string) (Incremental, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return Incremental{}, fmt.Errorf("%s: %w", path, storetype.ClassifyIOError(err))
	}
	hdr, err := format.ParseIncrementalHeader(buf)
	if err != nil {
		return Incremental{}, fmt.Errorf("%s: %w", path, err)
	}
	if got := checksum.CRC32(buf[format.IncrementalSize:]); got != hdr.CRC {
		return Incremental{}, fmt.Errorf("%s: %w: crc %08x, want %08x", path, storetype.ErrChecksumMismatch, got, hdr.CRC)
	}
	inc := Incremental{Path: path, Header: hdr, Entries: make([]format.ChunkEntry, 0, hdr.Count)}
	off := format.IncrementalSize
	for i := uint32(0); i < hdr.Count; i++ {
		if off+format.ChunkEntrySize > len(buf) {
			return Incremental{}, fmt.Errorf("%s: %w: entry %d truncated", path, storetype.ErrInvalidFormat, i)
		}
		e, err := format.ParseChunkEntry(buf[off:])
		if err != nil {
			return Incremental{}, fmt.Errorf("%s: %w", path, err)
		}
		off += format.ChunkEntrySize
		if e.Offset != uint64(off) || off+int(e.Compressed) > len(buf) {
			return Incremental{}, fmt.Errorf("%s: %w: record %d misplaced", path, storetype.ErrInvalidFormat, i)
		}
		off += int(e.Compressed)
		inc.Entries = append(inc.Entries, e)
	}
	if off != len(buf) {
		return Incremental{}, fmt.Errorf("%s: %w: %d trailing bytes", path, storetype.ErrInvalidFormat, len(buf)-off)
	}
	return inc, nil
}
