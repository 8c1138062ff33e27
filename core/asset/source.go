package asset

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/meigma/worldstore/core/cache"
	assethttp "github.com/meigma/worldstore/core/http"
	"github.com/meigma/worldstore/core/internal/platform"
	"github.com/meigma/worldstore/core/internal/sizing"
	"github.com/meigma/worldstore/core/internal/storetype"
)

// Source fetches the bytes of one index entry.
type Source interface {
	ReadAsset(ctx context.Context, e Entry) ([]byte, error)
}

// FileSource reads assets from files under a root directory. Paths are
// resolved inside the root; entries that escape it or name a symbolic link
// fail.
type FileSource struct {
	root *os.Root
}

// OpenFileSource opens dir as an asset root.
func OpenFileSource(dir string) (*FileSource, error) {
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, fmt.Errorf("open asset root %s: %w", dir, storetype.ClassifyIOError(err))
	}
	return &FileSource{root: root}, nil
}

// ReadAsset implements Source.
func (s *FileSource) ReadAsset(ctx context.Context, e Entry) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	size, err := sizing.ToInt(e.Size, storetype.ErrOutOfMemory)
	if err != nil {
		return nil, err
	}
	f, err := platform.OpenFileNoFollow(s.root, filepath.FromSlash(e.Path))
	if errors.Is(err, platform.ErrSymlink) {
		return nil, fmt.Errorf("asset %d: %w: %s: %w", e.ID, storetype.ErrPermissionDenied, e.Path, err)
	}
	if err != nil {
		return nil, fmt.Errorf("asset %d: %w", e.ID, storetype.ClassifyIOError(err))
	}
	defer f.Close()

	buf := make([]byte, size)
	n, err := f.ReadAt(buf, int64(e.Offset)) //nolint:gosec // offsets come from the index
	if n < size {
		if err == nil || errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("asset %d: %w: %s holds %d of %d bytes at %d", e.ID, storetype.ErrInvalidFormat, e.Path, n, size, e.Offset)
		}
		return nil, fmt.Errorf("asset %d: %w", e.ID, storetype.ClassifyIOError(err))
	}
	return buf, nil
}

// Close releases the root directory.
func (s *FileSource) Close() error {
	return s.root.Close()
}

// RemoteSource reads assets whose path is an http(s) URL with range
// requests. Fetched ranges are written through to an optional disk cache.
type RemoteSource struct {
	mu      sync.Mutex
	sources map[string]*assethttp.Source
	opening singleflight.Group
	l2      cache.Cache
	httpOpt []assethttp.Option
	logger  *slog.Logger
}

// RemoteOption configures a RemoteSource.
type RemoteOption func(*RemoteSource)

// WithDiskCache persists fetched ranges in c.
func WithDiskCache(c cache.Cache) RemoteOption {
	return func(s *RemoteSource) {
		s.l2 = c
	}
}

// WithHTTPOptions passes options to every underlying HTTP source.
func WithHTTPOptions(opts ...assethttp.Option) RemoteOption {
	return func(s *RemoteSource) {
		s.httpOpt = append(s.httpOpt, opts...)
	}
}

// WithRemoteLogger sets the logger for remote fetches.
func WithRemoteLogger(logger *slog.Logger) RemoteOption {
	return func(s *RemoteSource) {
		s.logger = logger
	}
}

// NewRemoteSource creates a RemoteSource.
func NewRemoteSource(opts ...RemoteOption) *RemoteSource {
	s := &RemoteSource{sources: make(map[string]*assethttp.Source)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RemoteSource) log() *slog.Logger {
	if s.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return s.logger
}

// ReadAsset implements Source.
func (s *RemoteSource) ReadAsset(ctx context.Context, e Entry) ([]byte, error) {
	key := cache.Key(e.Path, e.Offset, e.Size, e.CRC)
	if s.l2 != nil {
		if data, ok := s.l2.Get(key); ok && uint64(len(data)) == e.Size {
			s.log().Debug("asset disk cache hit", "id", e.ID, "url", e.Path)
			return data, nil
		}
	}

	src, err := s.source(ctx, e.Path)
	if err != nil {
		return nil, fmt.Errorf("asset %d: %w", e.ID, err)
	}
	data, err := src.ReadRange(ctx, int64(e.Offset), int64(e.Size)) //nolint:gosec // ranges come from the index
	if err != nil {
		return nil, fmt.Errorf("asset %d: %w", e.ID, err)
	}
	if s.l2 != nil {
		if err := s.l2.Put(key, data); err != nil {
			s.log().Warn("asset disk cache write failed", "id", e.ID, "error", err)
		}
	}
	return data, nil
}

// Forget drops a cached disk entry, used when its bytes fail
// verification.
func (s *RemoteSource) Forget(e Entry) {
	if s.l2 == nil {
		return
	}
	if err := s.l2.Delete(cache.Key(e.Path, e.Offset, e.Size, e.CRC)); err != nil {
		s.log().Warn("asset disk cache delete failed", "id", e.ID, "error", err)
	}
}

// source returns the probed HTTP source for url, opening it once.
func (s *RemoteSource) source(ctx context.Context, url string) (*assethttp.Source, error) {
	s.mu.Lock()
	src, ok := s.sources[url]
	s.mu.Unlock()
	if ok {
		return src, nil
	}
	v, err, _ := s.opening.Do(url, func() (any, error) {
		src, err := assethttp.NewSource(ctx, url, s.httpOpt...)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.sources[url] = src
		s.mu.Unlock()
		return src, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*assethttp.Source), nil
}

// Router sends URL paths to Remote and everything else to Local.
type Router struct {
	Local  Source
	Remote Source
}

// ReadAsset implements Source.
func (r Router) ReadAsset(ctx context.Context, e Entry) ([]byte, error) {
	src := r.Local
	if assethttp.IsRemote(e.Path) {
		src = r.Remote
	}
	if src == nil {
		return nil, fmt.Errorf("asset %d: %w: no source for %s", e.ID, storetype.ErrFileNotFound, e.Path)
	}
	return src.ReadAsset(ctx, e)
}

// forgetter is implemented by sources with a persistent cache.
type forgetter interface {
	Forget(e Entry)
}

// Forget implements forgetter by delegating to the remote source.
func (r Router) Forget(e Entry) {
	if f, ok := r.Remote.(forgetter); ok && assethttp.IsRemote(e.Path) {
		f.Forget(e)
	}
}
