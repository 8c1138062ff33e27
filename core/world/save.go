package world

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	worldstore "github.com/meigma/worldstore/core"
	"github.com/meigma/worldstore/core/internal/batch"
	"github.com/meigma/worldstore/core/internal/checksum"
	"github.com/meigma/worldstore/core/internal/format"
	"github.com/meigma/worldstore/core/internal/platform"
	"github.com/meigma/worldstore/core/internal/storetype"
	"github.com/meigma/worldstore/core/observe"
)

// incrementalInfix separates a base path from an incremental stamp.
const incrementalInfix = ".inc."

// SaveResult reports what a save wrote.
type SaveResult struct {
	// Path is the file written: the base archive for full saves, the
	// incremental file otherwise. Empty when nothing was written.
	Path     string
	BasePath string
	Full     bool

	// Genesis is set when an incremental save first had to lay down an
	// empty base archive.
	Genesis     bool
	ChunksSaved int
	Sequence    uint32
	SaveID      string
	Bytes       int64
	Duration    time.Duration
}

// snapshot is one chunk's metadata captured at the start of a save.
type snapshot struct {
	version  uint32
	modified int64
	dirty    bool
	loc      *location
}

// Save writes the world to path. A full save rewrites the base archive;
// an incremental save writes only dirty chunks to a companion file next
// to it. The save is full when forceFull is set, when the cadence set by
// WithFullSaveEvery is reached, or when path holds no base for this
// world. An incremental save with no dirty chunks writes nothing and
// reports zero chunks saved.
func (s *Store) Save(ctx context.Context, path string, forceFull bool) (SaveResult, error) {
	return s.SaveWithSections(ctx, path, forceFull, nil)
}

// SaveWithSections is Save with extra archive sections. Sections are only
// written by full saves; incremental saves carry chunks alone.
func (s *Store) SaveWithSections(ctx context.Context, path string, forceFull bool, sections map[storetype.SectionID][]byte) (res SaveResult, err error) {
	for id := range sections {
		if !id.Valid() || id == storetype.SectionWorld {
			return SaveResult{}, fmt.Errorf("save %s: %w: section %s cannot be supplied", path, storetype.ErrInvalidFormat, id)
		}
	}
	if err := ctx.Err(); err != nil {
		return SaveResult{}, err
	}

	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	start := s.now()
	ctx, finish := s.observer.Begin(ctx, observe.CategorySave, path)
	defer func() { finish(res.Bytes, err) }()

	p, err := s.plan(path, forceFull)
	if err != nil {
		return SaveResult{}, fmt.Errorf("save %s: %w", path, err)
	}
	st, baseOK := p.st, p.baseOK
	if !forceFull && p.dirty == 0 {
		return SaveResult{BasePath: path}, nil
	}
	if p.full {
		res, err = s.saveFull(ctx, st, path, sections, false)
	} else {
		if !baseOK {
			if _, err = s.saveFull(ctx, st, path, nil, true); err != nil {
				return SaveResult{}, fmt.Errorf("save %s: %w", path, err)
			}
		}
		res, err = s.saveIncremental(ctx, st, path)
		res.Genesis = !baseOK
	}
	if err != nil {
		return SaveResult{}, fmt.Errorf("save %s: %w", path, err)
	}
	res.Duration = s.now().Sub(start)

	s.log().Info("world saved",
		"path", res.Path,
		"full", res.Full,
		"chunks", res.ChunksSaved,
		"bytes", res.Bytes,
		"duration", res.Duration)
	if s.hook != nil {
		s.hook(ctx, res)
	}
	return res, nil
}

type savePlan struct {
	st     *state
	dirty  int
	baseOK bool
	full   bool
}

// plan decides what kind of save path would receive.
func (s *Store) plan(path string, forceFull bool) (savePlan, error) {
	s.mu.Lock()
	st, err := s.current()
	if err != nil {
		s.mu.Unlock()
		return savePlan{}, err
	}
	p := savePlan{
		st:     st,
		dirty:  st.dirty.Count(),
		baseOK: st.saveID != uuid.Nil && filepath.Clean(st.basePath) == filepath.Clean(path),
	}
	saved, since := st.saved, st.incrementals
	s.mu.Unlock()

	if p.baseOK {
		if _, statErr := os.Stat(path); statErr != nil {
			p.baseOK = false
		}
	}
	p.full = forceFull || since+1 >= s.fullEvery || (!p.baseOK && saved)
	return p, nil
}

// FullSaveDue reports whether the next Save to path without forceFull
// would rewrite the base archive there.
func (s *Store) FullSaveDue(path string) bool {
	p, err := s.plan(path, false)
	return err == nil && p.full && p.dirty > 0
}

// saveFull rewrites the base archive at path. A genesis base records every
// chunk as empty and leaves the dirty set alone.
func (s *Store) saveFull(ctx context.Context, st *state, path string, sections map[storetype.SectionID][]byte, genesis bool) (SaveResult, error) {
	s.mu.Lock()
	grid := st.grid
	snaps := make([]snapshot, grid.Total())
	for idx := range snaps {
		m := st.meta[idx]
		snaps[idx] = snapshot{version: m.version, modified: m.modified, dirty: st.dirty.Test(idx)}
		if m.loc != nil {
			cp := *m.loc
			snaps[idx].loc = &cp
		}
	}
	created, saveCount := st.created, st.saveCount
	s.mu.Unlock()

	records := make([]encodedChunk, len(snaps))
	written := make([]bool, len(snaps))
	if !genesis {
		if err := s.copyStored(ctx, snaps, records, written); err != nil {
			return SaveResult{}, err
		}
		for idx, snap := range snaps {
			if !snap.dirty {
				continue
			}
			if err := ctx.Err(); err != nil {
				return SaveResult{}, err
			}
			ch, err := s.getChunk(st, idx)
			if err != nil {
				return SaveResult{}, err
			}
			enc, err := encodeChunk(ch, s.compression)
			if err != nil {
				return SaveResult{}, err
			}
			records[idx] = enc
			written[idx] = true
		}
	}

	// World payload: metadata, chunk table, then records.
	tableOff := format.WorldMetaSize
	dataOff := tableOff + len(snaps)*format.ChunkEntrySize
	size := dataOff
	for idx := range records {
		size += len(records[idx].payload)
	}
	buf := make([]byte, size)
	off := dataOff
	count := 0
	entries := make([]format.ChunkEntry, len(snaps))
	for idx, snap := range snaps {
		c := grid.Coord(idx)
		e := records[idx].entry
		if written[idx] {
			e.Offset = uint64(off) //nolint:gosec // bounded by buf size
			off += copy(buf[off:], records[idx].payload)
			count++
		} else {
			e = format.ChunkEntry{Flags: format.ChunkFlagEmpty, Compression: storetype.CompressionNone}
		}
		e.X = uint32(c.X) //nolint:gosec // grid coordinates are small
		e.Y = uint32(c.Y) //nolint:gosec // grid coordinates are small
		e.Version = snap.version
		e.Modified = snap.modified
		e.Put(buf[tableOff+idx*format.ChunkEntrySize:])
		entries[idx] = e
	}

	id := uuid.New()
	now := s.now().UnixNano()
	meta := format.WorldMeta{
		Version:      format.WorldMetaVersion,
		Width:        uint32(grid.Width),     //nolint:gosec // validated by NewGrid
		Height:       uint32(grid.Height),    //nolint:gosec // validated by NewGrid
		ChunkSize:    uint32(grid.ChunkSize), //nolint:gosec // validated by NewGrid
		TotalChunks:  uint32(grid.Total()),   //nolint:gosec // validated by NewGrid
		Created:      created,
		LastSave:     now,
		SaveCount:    saveCount + 1,
		TableCRC:     checksum.CRC32(buf[tableOff:dataOff]),
		Compression:  s.compression,
		SaveID:       id,
		LastFullSave: now,
	}
	if genesis {
		meta.Flags |= format.WorldFlagGenesis
	}
	meta.Put(buf)

	// Readers holding a copied location must finish before the base is
	// replaced and incrementals are removed.
	s.layout.Lock()
	defer s.layout.Unlock()

	payloadOff, fileSize, err := s.writeBase(path, buf, sections)
	if err != nil {
		return SaveResult{}, err
	}

	s.mu.Lock()
	for idx := range snaps {
		if written[idx] {
			e := entries[idx]
			e.Offset += payloadOff
			st.meta[idx].loc = locationOf(path, e)
		} else if !genesis {
			st.meta[idx].loc = nil
		}
	}
	if !genesis {
		s.clearSaved(st, snaps)
		s.stats.FullSaves++
		s.stats.ChunksSaved += uint64(count) //nolint:gosec // non-negative
	}
	st.saveID = id
	st.basePath = path
	st.sequence = 0
	st.incrementals = 0
	st.lastSave = now
	st.lastFullSave = now
	st.saveCount++
	st.saved = true
	s.mu.Unlock()

	s.removeIncrementals(path)
	return SaveResult{
		Path:        path,
		BasePath:    path,
		Full:        !genesis,
		ChunksSaved: count,
		SaveID:      id.String(),
		Bytes:       fileSize,
	}, nil
}

// writeBase writes the archive and returns the absolute offset of the
// World payload and the file size.
func (s *Store) writeBase(path string, world []byte, sections map[storetype.SectionID][]byte) (uint64, int64, error) {
	mask := storetype.SectionWorld.Bit()
	ids := make([]storetype.SectionID, 0, len(sections))
	for id := range sections {
		mask |= id.Bit()
		ids = append(ids, id)
	}
	slices.Sort(ids)

	w, err := worldstore.Create(path, mask, s.compression,
		worldstore.WithLogger(s.log()),
		worldstore.WithClock(s.now))
	if err != nil {
		return 0, 0, err
	}
	// Stored raw so chunk records stay addressable by file offset.
	if err := w.WriteSection(storetype.SectionWorld, world, storetype.CompressionNone); err != nil {
		w.Abort()
		return 0, 0, err
	}
	for _, id := range ids {
		if err := w.WriteSection(id, sections[id], storetype.CompressionDefault); err != nil {
			w.Abort()
			return 0, 0, err
		}
	}
	if err := w.Close(); err != nil {
		return 0, 0, err
	}

	a, err := worldstore.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer a.Close()
	info, ok := a.Section(storetype.SectionWorld)
	if !ok {
		return 0, 0, fmt.Errorf("%w: world section missing after write", storetype.ErrInvalidFormat)
	}
	return info.PayloadOffset, a.Size(), nil
}

// copyStored reads the stored records of clean chunks so a full save can
// carry them over without decoding.
func (s *Store) copyStored(ctx context.Context, snaps []snapshot, records []encodedChunk, written []bool) error {
	byFile := make(map[string][]batch.Record)
	for idx, snap := range snaps {
		if snap.dirty || snap.loc == nil {
			continue
		}
		byFile[snap.loc.path] = append(byFile[snap.loc.path], batch.Record{
			Offset: snap.loc.offset,
			Size:   uint64(snap.loc.compressed),
			Key:    idx,
		})
	}
	for path, recs := range byFile {
		if err := s.readFile(ctx, path, recs, func(rec batch.Record, b []byte) error {
			loc := snaps[rec.Key].loc
			records[rec.Key] = encodedChunk{
				entry: format.ChunkEntry{
					Uncompressed: loc.uncompressed,
					Compressed:   loc.compressed,
					CRC:          loc.crc,
					Compression:  loc.compression,
				},
				payload: bytes.Clone(b),
			}
			written[rec.Key] = true
			return nil
		}); err != nil {
			return err
		}
	}
	return nil
}

// readFile batch-reads records from one file.
func (s *Store) readFile(ctx context.Context, path string, recs []batch.Record, fn func(batch.Record, []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%s: %w", path, storetype.ClassifyIOError(err))
	}
	defer f.Close()
	r := batch.NewReader(f,
		batch.WithConcurrency(s.readConcurrency),
		batch.WithReadAheadBytes(s.readAhead),
		batch.WithLogger(s.log()))
	if err := r.Read(ctx, recs, fn); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

// saveIncremental writes the dirty chunks to a new companion file.
func (s *Store) saveIncremental(ctx context.Context, st *state, path string) (SaveResult, error) {
	s.mu.Lock()
	dirty := st.dirty.Indices()
	snaps := make([]snapshot, st.grid.Total())
	for _, idx := range dirty {
		m := st.meta[idx]
		snaps[idx] = snapshot{version: m.version, modified: m.modified, dirty: true}
	}
	base := st.saveID
	seq := st.sequence + 1
	stamp := max(s.now().UnixNano(), st.lastIncStamp+1)
	grid := st.grid
	s.mu.Unlock()

	if len(dirty) == 0 {
		return SaveResult{BasePath: path}, nil
	}

	encoded := make([]encodedChunk, 0, len(dirty))
	size := format.IncrementalSize
	for _, idx := range dirty {
		if err := ctx.Err(); err != nil {
			return SaveResult{}, err
		}
		ch, err := s.getChunk(st, idx)
		if err != nil {
			return SaveResult{}, err
		}
		enc, err := encodeChunk(ch, s.compression)
		if err != nil {
			return SaveResult{}, err
		}
		c := grid.Coord(idx)
		enc.entry.X = uint32(c.X) //nolint:gosec // grid coordinates are small
		enc.entry.Y = uint32(c.Y) //nolint:gosec // grid coordinates are small
		enc.entry.Version = snaps[idx].version
		enc.entry.Modified = snaps[idx].modified
		encoded = append(encoded, enc)
		size += format.ChunkEntrySize + len(enc.payload)
	}

	buf := make([]byte, size)
	off := format.IncrementalSize
	for i := range encoded {
		e := &encoded[i].entry
		e.Offset = uint64(off + format.ChunkEntrySize) //nolint:gosec // bounded by buf size
		e.Put(buf[off:])
		off += format.ChunkEntrySize
		off += copy(buf[off:], encoded[i].payload)
	}
	hdr := format.IncrementalHeader{
		Version:  format.IncrementalFormat,
		BaseID:   base,
		Sequence: seq,
		Count:    uint32(len(encoded)), //nolint:gosec // bounded by MaxWorldChunks
		Created:  stamp,
		CRC:      checksum.CRC32(buf[format.IncrementalSize:]),
	}
	hdr.Put(buf)

	incPath := path + incrementalInfix + strconv.FormatInt(stamp, 10)
	if err := platform.WriteFile(incPath, buf); err != nil {
		return SaveResult{}, err
	}

	s.mu.Lock()
	for i, idx := range dirty {
		st.meta[idx].loc = locationOf(incPath, encoded[i].entry)
	}
	s.clearSaved(st, snaps)
	st.sequence = seq
	st.incrementals++
	st.lastIncStamp = stamp
	st.lastSave = s.now().UnixNano()
	st.saveCount++
	s.stats.IncrementalSaves++
	s.stats.ChunksSaved += uint64(len(encoded))
	s.mu.Unlock()

	return SaveResult{
		Path:        incPath,
		BasePath:    path,
		ChunksSaved: len(encoded),
		Sequence:    seq,
		SaveID:      base.String(),
		Bytes:       int64(len(buf)),
	}, nil
}

// clearSaved clears dirty bits of chunks unchanged since the snapshot and
// lets the cache shed chunks that are no longer pinned. Called with s.mu
// held.
func (s *Store) clearSaved(st *state, snaps []snapshot) {
	for idx, snap := range snaps {
		if snap.dirty && st.meta[idx].version == snap.version {
			st.dirty.Clear(idx)
		}
	}
	s.cache.shrink()
	s.reportMemory()
}

// Incrementals lists the incremental files next to the base at path in
// name order.
func Incrementals(path string) ([]string, error) {
	dir := filepath.Dir(path)
	prefix := filepath.Base(path) + incrementalInfix
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, storetype.ClassifyIOError(err)
	}
	var out []string
	for _, ent := range ents {
		if ent.Type().IsRegular() && strings.HasPrefix(ent.Name(), prefix) {
			out = append(out, filepath.Join(dir, ent.Name()))
		}
	}
	return out, nil
}

func (s *Store) removeIncrementals(path string) {
	incs, err := Incrementals(path)
	if err != nil {
		s.log().Warn("list incrementals failed", "path", path, "error", err)
		return
	}
	for _, inc := range incs {
		if err := os.Remove(inc); err != nil && !os.IsNotExist(err) {
			s.log().Warn("remove stale incremental failed", "path", inc, "error", err)
		}
	}
}
