package world

import (
	"context"
	"log/slog"
	"time"

	"github.com/meigma/worldstore/core/internal/storetype"
	"github.com/meigma/worldstore/core/observe"
)

// Defaults for a Store.
const (
	DefaultChunkCacheSize = 64
	DefaultFullSaveEvery  = 10
)

// SaveHook is called after every successful save that wrote a file.
type SaveHook func(ctx context.Context, res SaveResult)

// Option configures a Store.
type Option func(*Store)

// WithChunkCacheSize sets how many chunks stay resident (default 64).
// Dirty chunks are pinned and may push the cache past this size until
// they are saved.
func WithChunkCacheSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.cacheSize = n
		}
	}
}

// WithFullSaveEvery sets the save cadence: every n-th save since the last
// full save is written in full (default 10).
func WithFullSaveEvery(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.fullEvery = n
		}
	}
}

// WithCompression sets the codec for chunk records and extra sections
// (default FastBlock).
func WithCompression(c storetype.Compression) Option {
	return func(s *Store) {
		s.compression = c
	}
}

// WithLogger sets the logger for store operations.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithObserver sets the observer receiving save/load timings and chunk
// cache memory.
func WithObserver(o observe.Observer) Option {
	return func(s *Store) {
		s.observer = o
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithSaveHook registers a function run after each save that wrote a file.
func WithSaveHook(h SaveHook) Option {
	return func(s *Store) {
		s.hook = h
	}
}

// WithReadConcurrency sets the number of concurrent reads used by
// Prefetch (default 4).
func WithReadConcurrency(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.readConcurrency = n
		}
	}
}

// WithReadAheadBytes caps the bytes Prefetch buffers at once (default
// 16 MiB, 0 disables the cap).
func WithReadAheadBytes(n uint64) Option {
	return func(s *Store) {
		s.readAhead = n
	}
}
