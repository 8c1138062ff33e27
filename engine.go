package worldstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	core "github.com/meigma/worldstore/core"
	"github.com/meigma/worldstore/core/asset"
	"github.com/meigma/worldstore/core/async"
	"github.com/meigma/worldstore/core/autosave"
	"github.com/meigma/worldstore/core/cache/disk"
	"github.com/meigma/worldstore/core/catalog"
	"github.com/meigma/worldstore/core/config"
	"github.com/meigma/worldstore/core/ecsblob"
	assethttp "github.com/meigma/worldstore/core/http"
	"github.com/meigma/worldstore/core/integrity"
	"github.com/meigma/worldstore/core/observe"
	"github.com/meigma/worldstore/core/world"
)

// tracingShutdownTimeout bounds the final span flush in Close.
const tracingShutdownTimeout = 5 * time.Second

// Engine owns one world, its asset loader and the async pool that serves
// both. It is safe for concurrent use.
type Engine struct {
	cfg    config.Config
	logger *slog.Logger
	now    func() time.Time

	monitorOpts []observe.MonitorOption
	httpOpts    []assethttp.Option
	index       *asset.Index
	source      asset.Source

	monitor   *observe.Monitor
	world     *world.Store
	runner    *async.Runner
	assets    *asset.Loader
	files     *asset.FileSource
	catalog   *catalog.Catalog
	autosaver *autosave.Autosaver
	tracing   func(context.Context) error

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	pending  map[core.SectionID][]byte
	sections map[core.SectionID][]byte
}

// Stats is a snapshot of every engine counter.
type Stats struct {
	World   world.Stats
	Assets  asset.Stats
	Monitor observe.Snapshot

	// Operations is the number of async pool slots in use.
	Operations int
}

// slotKey carries the quick-save slot of a save to the catalog hook.
type slotKey struct{}

// Open builds an engine from cfg: monitor, world store, async runner,
// asset loader, and the optional catalog, autosaver and trace exporter.
// The runner and autosaver run until Close.
func Open(ctx context.Context, cfg config.Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:      cfg,
		now:      time.Now,
		tracing:  func(context.Context) error { return nil },
		pending:  make(map[core.SectionID][]byte),
		sections: make(map[core.SectionID][]byte),
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.cancel = cancel

	if err := e.open(ctx, runCtx); err != nil {
		if cerr := e.Close(); cerr != nil {
			e.log().Warn("engine cleanup failed", "error", cerr)
		}
		return nil, err
	}
	e.log().Info("engine opened", "save_dir", cfg.SaveDir, "assets", e.index.Len(),
		"catalog", e.catalog != nil, "autosave", e.autosaver != nil)
	return e, nil
}

func (e *Engine) open(ctx, runCtx context.Context) error {
	cfg := e.cfg
	shutdown, err := observe.SetupTracing(ctx, observe.TracingConfig{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
	})
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	e.tracing = shutdown

	mopts := []observe.MonitorOption{
		observe.WithLogger(e.log()),
		observe.WithClock(e.now),
		observe.WithThresholds(observe.Thresholds{
			SlowSave:      cfg.Monitor.SlowSave,
			SlowLoad:      cfg.Monitor.SlowLoad,
			Memory:        cfg.Monitor.MemoryBytes,
			MinHitRatio:   cfg.Monitor.MinHitRatio,
			MinHitSamples: cfg.Monitor.MinHitSamples,
		}),
	}
	e.monitor = observe.NewMonitor(append(mopts, e.monitorOpts...)...)

	if err := os.MkdirAll(cfg.SaveDir, 0o755); err != nil {
		return fmt.Errorf("create save dir %s: %w", cfg.SaveDir, core.ClassifyIOError(err))
	}
	if cfg.Catalog.Enabled {
		path := cfg.Catalog.Path
		if path == "" {
			path = filepath.Join(cfg.SaveDir, "catalog.db")
		}
		c, err := catalog.Open(path, catalog.WithLogger(e.log()), catalog.WithClock(e.now))
		if err != nil {
			return err
		}
		e.catalog = c
	}

	compression, err := core.ParseCompression(cfg.Compression)
	if err != nil {
		return err
	}
	e.world = world.New(
		world.WithChunkCacheSize(cfg.World.ChunkCacheSize),
		world.WithFullSaveEvery(cfg.World.FullSaveEvery),
		world.WithReadConcurrency(cfg.World.ReadConcurrency),
		world.WithReadAheadBytes(cfg.World.ReadAheadBytes),
		world.WithCompression(compression),
		world.WithObserver(e.monitor),
		world.WithLogger(e.log()),
		world.WithClock(e.now),
		world.WithSaveHook(e.recordSave),
	)

	e.runner = async.NewRunner(
		async.WithMaxOperations(cfg.Async.MaxOperations),
		async.WithQueueSize(cfg.Async.QueueSize),
		async.WithWorkers(cfg.Async.Workers),
		async.WithTimeout(cfg.Async.Timeout),
		async.WithLogger(e.log()),
		async.WithClock(e.now),
	)
	e.runner.Start(runCtx)

	if err := e.openAssets(); err != nil {
		return err
	}

	if cfg.Autosave.Enabled {
		e.autosaver = autosave.New(e, filepath.Join(cfg.SaveDir, cfg.Autosave.Name),
			autosave.WithInterval(cfg.Autosave.Interval),
			autosave.WithKeep(cfg.Autosave.Keep),
			autosave.WithLogger(e.log()),
		)
		e.wg.Go(func() {
			if err := e.autosaver.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				e.log().Warn("autosave stopped", "error", err)
			}
		})
	}
	return nil
}

func (e *Engine) openAssets() error {
	cfg := e.cfg.Assets
	if e.index == nil {
		path := cfg.Index
		if !filepath.IsAbs(path) && cfg.Dir != "" {
			path = filepath.Join(cfg.Dir, path)
		}
		idx, err := asset.LoadIndex(path)
		if err != nil {
			return err
		}
		e.index = idx
	}
	if e.source == nil {
		var router asset.Router
		files, err := asset.OpenFileSource(cfg.Dir)
		switch {
		case err == nil:
			e.files = files
			router.Local = files
		case errors.Is(err, core.ErrFileNotFound):
			e.log().Debug("asset dir missing, local assets disabled", "dir", cfg.Dir)
		default:
			return err
		}
		ropts := []asset.RemoteOption{
			asset.WithHTTPOptions(e.httpOpts...),
			asset.WithRemoteLogger(e.log()),
		}
		if cfg.DiskCacheDir != "" {
			dc, err := disk.New(cfg.DiskCacheDir, disk.WithMaxBytes(cfg.DiskCacheBytes), disk.WithLogger(e.log()))
			if err != nil {
				return fmt.Errorf("open asset disk cache: %w", err)
			}
			ropts = append(ropts, asset.WithDiskCache(dc))
		}
		router.Remote = asset.NewRemoteSource(ropts...)
		e.source = router
	}
	e.assets = asset.NewLoader(e.index, e.source,
		asset.WithCache(asset.NewCache(
			asset.WithMaxEntries(cfg.CacheEntries),
			asset.WithMaxBytes(cfg.CacheBytes),
		)),
		asset.WithRunner(e.runner),
		asset.WithObserver(e.monitor),
		asset.WithLogger(e.log()),
		asset.WithPreloadConcurrency(cfg.PreloadConcurrency),
	)
	return nil
}

// log returns the logger, falling back to a discard logger if nil.
func (e *Engine) log() *slog.Logger {
	if e.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return e.logger
}

func (e *Engine) checkOpen() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	return nil
}

// Config returns the configuration the engine was opened with.
func (e *Engine) Config() config.Config { return e.cfg }

// World returns the chunk store.
func (e *Engine) World() *world.Store { return e.world }

// Assets returns the asset loader.
func (e *Engine) Assets() *asset.Loader { return e.assets }

// Runner returns the async runner shared by asset and world operations.
func (e *Engine) Runner() *async.Runner { return e.runner }

// Monitor returns the performance monitor.
func (e *Engine) Monitor() *observe.Monitor { return e.monitor }

// Catalog returns the save catalog, or nil when it is disabled.
func (e *Engine) Catalog() *catalog.Catalog { return e.catalog }

// Autosaver returns the autosaver, or nil when autosave is disabled.
func (e *Engine) Autosaver() *autosave.Autosaver { return e.autosaver }

// SetSection stages an entity frame for section id. Staged frames are
// written by every full save until replaced, removed or a load resets
// them. The world section cannot be set.
func (e *Engine) SetSection(id core.SectionID, f ecsblob.Frame) error {
	if !id.Valid() || id == core.SectionWorld {
		return fmt.Errorf("set section: %w: section %s cannot be supplied", ErrInvalidFormat, id)
	}
	data, err := ecsblob.Encode(f)
	if err != nil {
		return fmt.Errorf("set section %s: %w", id, err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending[id] = data
	return nil
}

// RemoveSection drops the staged frame for id so later full saves omit it.
func (e *Engine) RemoveSection(id core.SectionID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.pending, id)
	delete(e.sections, id)
}

// Section returns the frame for id: the staged one if set, otherwise the
// one read by the last load.
func (e *Engine) Section(id core.SectionID) (ecsblob.Frame, error) {
	e.mu.Lock()
	data, ok := e.pending[id]
	if !ok {
		data, ok = e.sections[id]
	}
	e.mu.Unlock()
	if !ok {
		return ecsblob.Frame{}, fmt.Errorf("section %s: %w", id, ErrFileNotFound)
	}
	return ecsblob.Decode(data)
}

func (e *Engine) stagedSections() map[core.SectionID][]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[core.SectionID][]byte, len(e.pending)+len(e.sections))
	for id, data := range e.sections {
		out[id] = data
	}
	for id, data := range e.pending {
		out[id] = data
	}
	return out
}

// Save writes the world and staged sections to path. See world.Store.Save
// for the full/incremental decision.
func (e *Engine) Save(ctx context.Context, path string, forceFull bool) (world.SaveResult, error) {
	if err := e.checkOpen(); err != nil {
		return world.SaveResult{}, err
	}
	return e.world.SaveWithSections(ctx, path, forceFull, e.stagedSections())
}

// FullSaveDue reports whether the next Save to path will be full.
func (e *Engine) FullSaveDue(path string) bool {
	return e.world.FullSaveDue(path)
}

// Load replaces the world with the save at path and makes its sections
// available through Section. Staged frames are discarded.
func (e *Engine) Load(ctx context.Context, path string) (world.LoadResult, error) {
	if err := e.checkOpen(); err != nil {
		return world.LoadResult{}, err
	}
	res, err := e.world.Load(ctx, path)
	if err != nil {
		return res, err
	}
	e.mu.Lock()
	e.pending = make(map[core.SectionID][]byte)
	e.sections = make(map[core.SectionID][]byte, len(res.Sections))
	for id, data := range res.Sections {
		e.sections[id] = data
	}
	e.mu.Unlock()
	return res, nil
}

// SlotPath returns the file for quick-save slot n.
func (e *Engine) SlotPath(n int) (string, error) {
	if n < 0 || n > MaxSlot {
		return "", fmt.Errorf("slot %d: %w: slots are 0-%d", n, ErrInvalidFormat, MaxSlot)
	}
	return filepath.Join(e.cfg.SaveDir, "slot"+strconv.Itoa(n)+".sim"), nil
}

// QuickSave saves to slot n.
func (e *Engine) QuickSave(ctx context.Context, n int) (world.SaveResult, error) {
	path, err := e.SlotPath(n)
	if err != nil {
		return world.SaveResult{}, err
	}
	return e.Save(context.WithValue(ctx, slotKey{}, n), path, false)
}

// QuickLoad loads slot n. An empty slot returns ErrFileNotFound.
func (e *Engine) QuickLoad(ctx context.Context, n int) (world.LoadResult, error) {
	path, err := e.SlotPath(n)
	if err != nil {
		return world.LoadResult{}, err
	}
	return e.Load(ctx, path)
}

// SaveAsync queues a Save on the runner. The operation completes with
// no data; cb may be nil.
func (e *Engine) SaveAsync(path string, forceFull bool, cb async.Callback, userData any) (*async.Operation, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	return e.runner.Submit(async.KindSave, path, func(ctx context.Context, op *async.Operation) ([]byte, error) {
		op.SetProgress(0, 1)
		if _, err := e.Save(ctx, path, forceFull); err != nil {
			return nil, err
		}
		op.SetProgress(1, 1)
		return nil, nil
	}, cb, userData)
}

// LoadAsync queues a Load on the runner. The operation completes with no
// data; cb may be nil.
func (e *Engine) LoadAsync(path string, cb async.Callback, userData any) (*async.Operation, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	return e.runner.Submit(async.KindLoad, path, func(ctx context.Context, op *async.Operation) ([]byte, error) {
		op.SetProgress(0, 1)
		if _, err := e.Load(ctx, path); err != nil {
			return nil, err
		}
		op.SetProgress(1, 1)
		return nil, nil
	}, cb, userData)
}

// LoadAsset returns the bytes of asset id, loading it on a cache miss.
func (e *Engine) LoadAsset(ctx context.Context, id uint32) ([]byte, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	return e.assets.LoadSync(ctx, id)
}

// LoadAssetAsync loads asset id on the runner. A cache hit returns an
// already completed operation.
func (e *Engine) LoadAssetAsync(ctx context.Context, id uint32, cb async.Callback, userData any) (*async.Operation, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	return e.assets.LoadAsync(ctx, id, cb, userData)
}

// Repair validates path and fixes what it can. An empty backup uses the
// newest autosave rotation when path is the autosave file.
func (e *Engine) Repair(path, backup string, opts ...integrity.Option) (integrity.Actions, error) {
	if backup == "" && e.autosaver != nil && filepath.Clean(path) == filepath.Clean(e.autosavePath()) {
		if b, err := e.autosaver.Backup(1); err == nil {
			backup = b
		}
	}
	return integrity.Repair(path, backup, append([]integrity.Option{integrity.WithLogger(e.log())}, opts...)...)
}

func (e *Engine) autosavePath() string {
	return filepath.Join(e.cfg.SaveDir, e.cfg.Autosave.Name)
}

// Stats returns a snapshot of the world, asset and monitor counters.
func (e *Engine) Stats() Stats {
	return Stats{
		World:      e.world.Stats(),
		Assets:     e.assets.Stats(),
		Monitor:    e.monitor.Stats(),
		Operations: e.runner.Pool().InUse(),
	}
}

// recordSave adds a catalog record for every file a save wrote.
func (e *Engine) recordSave(ctx context.Context, res world.SaveResult) {
	if e.catalog == nil || res.Path == "" {
		return
	}
	info, err := catalog.Describe(res.Path)
	if err != nil {
		e.log().Warn("catalog describe failed", "path", res.Path, "error", err)
		return
	}
	kind := catalog.KindIncremental
	switch {
	case res.Full:
		kind = catalog.KindFull
	case res.Genesis:
		kind = catalog.KindGenesis
	}
	slot := catalog.NoSlot
	if n, ok := ctx.Value(slotKey{}).(int); ok {
		slot = n
	}
	rec := catalog.Record{
		Path:     res.Path,
		BasePath: res.BasePath,
		SaveID:   res.SaveID,
		Kind:     kind,
		Sequence: res.Sequence,
		Chunks:   res.ChunksSaved,
		Bytes:    info.Bytes,
		CRC:      info.CRC,
		Digest:   info.Digest,
		Slot:     slot,
		Duration: res.Duration,
	}
	if _, err := e.catalog.Record(context.WithoutCancel(ctx), rec); err != nil {
		e.log().Warn("catalog record failed", "path", res.Path, "error", err)
	}
}

// Close stops the autosaver and the runner, fails queued operations and
// releases files. It is safe to call more than once.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	if e.runner != nil {
		e.runner.Stop()
	}

	var errs []error
	if e.files != nil {
		errs = append(errs, e.files.Close())
	}
	if e.catalog != nil {
		errs = append(errs, e.catalog.Close())
	}
	ctx, cancel := context.WithTimeout(context.Background(), tracingShutdownTimeout)
	defer cancel()
	errs = append(errs, e.tracing(ctx))
	return errors.Join(errs...)
}
