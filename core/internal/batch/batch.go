// Package batch reads many small records from a random-access source by
// coalescing adjacent records into single reads and issuing those reads
// concurrently under a byte budget.
package batch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Record is one byte range to read. Key is opaque to the reader and is
// handed back to the callback.
type Record struct {
	Offset uint64
	Size   uint64
	Key    int
}

// Reader fetches records from a source.
type Reader struct {
	src            io.ReaderAt
	concurrency    int
	readAheadBytes uint64
	maxGroupBytes  uint64
	logger         *slog.Logger
}

// Option configures a Reader.
type Option func(*Reader)

// WithConcurrency sets the number of concurrent group reads.
// Values < 1 force serial reads.
func WithConcurrency(n int) Option {
	return func(r *Reader) {
		r.concurrency = max(n, 1)
	}
}

// WithReadAheadBytes caps the total size of buffered group data.
// A value of 0 disables the byte budget.
func WithReadAheadBytes(limit uint64) Option {
	return func(r *Reader) {
		r.readAheadBytes = limit
	}
}

// WithMaxGroupBytes caps the size of a single coalesced read.
func WithMaxGroupBytes(limit uint64) Option {
	return func(r *Reader) {
		r.maxGroupBytes = limit
	}
}

// WithLogger sets the logger for batch reads.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Reader) {
		r.logger = logger
	}
}

// NewReader creates a Reader over src.
func NewReader(src io.ReaderAt, opts ...Option) *Reader {
	r := &Reader{src: src, concurrency: 4, maxGroupBytes: 4 << 20}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// log returns the logger, falling back to a discard logger if nil.
func (r *Reader) log() *slog.Logger {
	if r.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return r.logger
}

// Read fetches every record and passes its bytes to fn. fn may be called
// from several goroutines at once and must not retain the slice beyond
// the call unless it copies it. Read stops at the first error.
func (r *Reader) Read(ctx context.Context, records []Record, fn func(Record, []byte) error) error {
	if len(records) == 0 {
		return nil
	}
	sorted := slices.Clone(records)
	slices.SortFunc(sorted, func(a, b Record) int {
		switch {
		case a.Offset < b.Offset:
			return -1
		case a.Offset > b.Offset:
			return 1
		default:
			return 0
		}
	})

	groups := groupAdjacent(sorted, r.maxGroupBytes)
	r.log().Debug("batch read", "records", len(sorted), "groups", len(groups))

	var budget *semaphore.Weighted
	if r.readAheadBytes > 0 {
		budget = semaphore.NewWeighted(int64(r.readAheadBytes)) //nolint:gosec // configured limit
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for _, group := range groups {
		weight := int64(min(group.size(), r.readAheadBytes)) //nolint:gosec // bounded by readAheadBytes
		if budget != nil {
			if err := budget.Acquire(gctx, weight); err != nil {
				break
			}
		}
		g.Go(func() error {
			if budget != nil {
				defer budget.Release(weight)
			}
			return r.readGroup(gctx, group, fn)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func (r *Reader) readGroup(ctx context.Context, group rangeGroup, fn func(Record, []byte) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	buf := make([]byte, group.size())
	n, err := r.src.ReadAt(buf, int64(group.start)) //nolint:gosec // offsets bounded by source size
	if n < len(buf) {
		if err == nil || errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return fmt.Errorf("batch: read [%d,%d): %w", group.start, group.end, err)
	}
	for _, rec := range group.records {
		lo := rec.Offset - group.start
		if err := fn(rec, buf[lo:lo+rec.Size]); err != nil {
			return err
		}
	}
	return nil
}
