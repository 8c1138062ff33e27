package world

import (
	"context"
	"fmt"
	"sync"

	"github.com/meigma/worldstore/core/internal/batch"
)

// Prefetch pages the given chunks into the cache ahead of use. Records
// that sit next to each other in the same file are fetched with one read.
// Chunks already resident or never saved are skipped. It returns the
// number of chunks read.
func (s *Store) Prefetch(ctx context.Context, coords []Coord) (int, error) {
	s.layout.RLock()
	defer s.layout.RUnlock()

	s.mu.Lock()
	st, err := s.current()
	if err != nil {
		s.mu.Unlock()
		return 0, err
	}
	byFile := make(map[string][]batch.Record)
	locs := make(map[int]location)
	for _, c := range coords {
		idx, err := st.grid.Index(c)
		if err != nil {
			s.mu.Unlock()
			return 0, err
		}
		if _, ok := s.cache.items[idx]; ok {
			continue
		}
		loc := st.meta[idx].loc
		if loc == nil {
			continue
		}
		if _, seen := locs[idx]; seen {
			continue
		}
		locs[idx] = *loc
		byFile[loc.path] = append(byFile[loc.path], batch.Record{
			Offset: loc.offset,
			Size:   uint64(loc.compressed),
			Key:    idx,
		})
	}
	grid := st.grid
	s.mu.Unlock()

	var (
		mu     sync.Mutex
		chunks = make(map[int]*Chunk, len(locs))
	)
	for path, recs := range byFile {
		err := s.readFile(ctx, path, recs, func(rec batch.Record, b []byte) error {
			loc := locs[rec.Key]
			c := grid.Coord(rec.Key)
			ch, err := chunkFromRecord(c, grid.ChunkSize, b, &loc)
			if err != nil {
				return fmt.Errorf("chunk %s: %w", c, err)
			}
			mu.Lock()
			chunks[rec.Key] = ch
			mu.Unlock()
			return nil
		})
		if err != nil {
			return 0, fmt.Errorf("prefetch: %w", err)
		}
	}

	for idx, ch := range chunks {
		s.admit(st, idx, ch, true)
	}
	s.log().Debug("prefetched chunks", "requested", len(coords), "read", len(chunks), "files", len(byFile))
	return len(chunks), nil
}
