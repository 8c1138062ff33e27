// Package autosave saves a world on a fixed interval and keeps rotated
// copies of the base archive for repair.
package autosave

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/meigma/worldstore/core/internal/platform"
	"github.com/meigma/worldstore/core/internal/storetype"
	"github.com/meigma/worldstore/core/world"
)

// Defaults for an Autosaver.
const (
	DefaultInterval = 300 * time.Second
	DefaultKeep     = 5
)

// Saver is the part of world.Store an Autosaver drives.
type Saver interface {
	Save(ctx context.Context, path string, forceFull bool) (world.SaveResult, error)
	FullSaveDue(path string) bool
}

// Autosaver periodically saves a world to one path. Before a save that
// rewrites the base archive, the current base is copied to path.1 and
// older copies shift up to path.N.
type Autosaver struct {
	saver    Saver
	path     string
	interval time.Duration
	keep     int
	logger   *slog.Logger
	notify   func(world.SaveResult, error)

	mu      sync.Mutex
	saves   int
	lastErr error
}

// Option configures an Autosaver.
type Option func(*Autosaver)

// WithInterval sets the time between saves (default 300s).
func WithInterval(d time.Duration) Option {
	return func(a *Autosaver) {
		if d > 0 {
			a.interval = d
		}
	}
}

// WithKeep sets how many rotated base copies are kept (default 5). Zero
// disables rotation.
func WithKeep(n int) Option {
	return func(a *Autosaver) {
		if n >= 0 {
			a.keep = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Autosaver) {
		a.logger = logger
	}
}

// WithNotify registers a function called after every attempted save.
func WithNotify(fn func(world.SaveResult, error)) Option {
	return func(a *Autosaver) {
		a.notify = fn
	}
}

// New returns an Autosaver for path.
func New(s Saver, path string, opts ...Option) *Autosaver {
	a := &Autosaver{
		saver:    s,
		path:     path,
		interval: DefaultInterval,
		keep:     DefaultKeep,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Autosaver) log() *slog.Logger {
	if a.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return a.logger
}

// Run saves every interval until ctx is done. Failed saves are logged
// and retried on the next tick.
func (a *Autosaver) Run(ctx context.Context) error {
	t := time.NewTicker(a.interval)
	defer t.Stop()
	a.log().Info("autosave started", "path", a.path, "interval", a.interval, "keep", a.keep)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if _, err := a.SaveNow(ctx); err != nil && ctx.Err() == nil {
				a.log().Warn("autosave failed", "path", a.path, "error", err)
			}
		}
	}
}

// SaveNow performs one autosave immediately.
func (a *Autosaver) SaveNow(ctx context.Context) (world.SaveResult, error) {
	if a.keep > 0 && a.saver.FullSaveDue(a.path) {
		if err := a.rotate(); err != nil {
			a.record(world.SaveResult{}, err)
			return world.SaveResult{}, err
		}
	}
	res, err := a.saver.Save(ctx, a.path, false)
	a.record(res, err)
	return res, err
}

func (a *Autosaver) record(res world.SaveResult, err error) {
	a.mu.Lock()
	a.lastErr = err
	if err == nil && res.Path != "" {
		a.saves++
	}
	a.mu.Unlock()
	if a.notify != nil {
		a.notify(res, err)
	}
}

// Saves returns the number of autosaves that wrote a file.
func (a *Autosaver) Saves() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.saves
}

// LastError returns the error of the most recent attempt.
func (a *Autosaver) LastError() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastErr
}

func (a *Autosaver) backupPath(n int) string {
	return a.path + "." + strconv.Itoa(n)
}

// rotate shifts path.1..path.keep-1 up one place and copies the base to
// path.1. The base itself stays in place; the next full save reads clean
// chunks from it.
func (a *Autosaver) rotate() error {
	src, err := os.Open(a.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("rotate %s: %w", a.path, storetype.ClassifyIOError(err))
	}
	defer src.Close()

	for n := a.keep - 1; n >= 1; n-- {
		err := os.Rename(a.backupPath(n), a.backupPath(n+1))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("rotate %s: %w", a.path, storetype.ClassifyIOError(err))
		}
	}
	if err := platform.CopyFile(a.backupPath(1), src); err != nil {
		return fmt.Errorf("rotate %s: %w", a.path, err)
	}
	a.log().Debug("base rotated", "path", a.path, "backup", a.backupPath(1))
	return nil
}

// Backup returns the path of the n-th newest rotated copy, 1-based. It
// fails with ErrFileNotFound when that copy does not exist.
func (a *Autosaver) Backup(n int) (string, error) {
	if n < 1 || n > a.keep {
		return "", fmt.Errorf("backup %d of %s: %w: keeping %d", n, a.path, storetype.ErrFileNotFound, a.keep)
	}
	p := a.backupPath(n)
	if _, err := os.Stat(p); err != nil {
		return "", fmt.Errorf("backup %d of %s: %w", n, a.path, storetype.ClassifyIOError(err))
	}
	return p, nil
}

// Backups returns the rotated copies that exist, newest first.
func (a *Autosaver) Backups() []string {
	var out []string
	for n := 1; n <= a.keep; n++ {
		if p, err := a.Backup(n); err == nil {
			out = append(out, p)
		}
	}
	return out
}
