// profiler drives worldstore save, load and asset paths in a loop under
// pprof, fgprof and runtime/trace.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand/v2"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // intentional profiling endpoint
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"runtime/trace"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/felixge/fgprof"

	core "github.com/meigma/worldstore/core"
	"github.com/meigma/worldstore/core/asset"
	"github.com/meigma/worldstore/core/cache/disk"
	"github.com/meigma/worldstore/core/testutil"
	"github.com/meigma/worldstore/core/world"
)

const cacheNone = "none"

type config struct {
	mode            string
	width           int
	chunkSize       int
	dirtyChunks     int
	chunkCache      int
	assets          int
	assetSize       int
	compression     string
	dataURL         string
	dataHTTPLatency time.Duration
	dataHTTPBPS     int64
	fgProfile       string
	duration        time.Duration
	iterations      int
	pprofAddr       string
	cpuProfile      string
	memProfile      string
	traceFile       string
	cache           string
	tempDir         string
	keepTemp        bool
	randomSeed      uint64
}

//nolint:unused // sink variables prevent compiler optimizations in profiling
var (
	sinkBytes []byte
	sinkChunk *world.Chunk
)

//nolint:gocognit // main function complexity is acceptable for CLI tool
func main() {
	cfg := parseFlags()

	if cfg.pprofAddr != "" {
		go func() {
			log.Printf("pprof listening on %s", cfg.pprofAddr)
			//nolint:gosec // intentional pprof server without timeouts for profiling
			if err := http.ListenAndServe(cfg.pprofAddr, nil); err != nil {
				log.Printf("pprof server error: %v", err)
			}
		}()
	}

	dir, cleanup, err := setupTempDir(cfg)
	if err != nil {
		log.Fatal(err)
	}
	if cleanup != nil {
		defer cleanup() //nolint:errcheck // cleanup errors are non-fatal in profiler
	}

	var stopFG func() error
	if cfg.fgProfile != "" {
		fgFile, fgErr := os.Create(cfg.fgProfile)
		if fgErr != nil {
			log.Fatal(fgErr) //nolint:gocritic // exitAfterDefer is intentional - cleanup is best-effort
		}
		stopFG = fgprof.Start(fgFile, fgprof.FormatPprof)
		defer func() {
			if err := stopFG(); err != nil {
				log.Printf("fgprof stop error: %v", err)
			}
			_ = fgFile.Close()
		}()
	}

	if cfg.cpuProfile != "" {
		cpuFile, cpuErr := os.Create(cfg.cpuProfile)
		if cpuErr != nil {
			log.Fatal(cpuErr)
		}
		if cpuErr = pprof.StartCPUProfile(cpuFile); cpuErr != nil {
			log.Fatal(cpuErr)
		}
		defer func() {
			pprof.StopCPUProfile()
			_ = cpuFile.Close()
		}()
	}

	if cfg.traceFile != "" {
		traceFile, traceErr := os.Create(cfg.traceFile)
		if traceErr != nil {
			log.Fatal(traceErr)
		}
		if traceErr = trace.Start(traceFile); traceErr != nil {
			log.Fatal(traceErr)
		}
		defer func() {
			trace.Stop()
			_ = traceFile.Close()
		}()
	}

	stats, err := runProfile(context.Background(), cfg, dir)
	if err != nil {
		log.Fatal(err)
	}

	if cfg.memProfile != "" {
		runtime.GC()
		f, err := os.Create(cfg.memProfile)
		if err != nil {
			log.Fatal(err)
		}
		if err := pprof.WriteHeapProfile(f); err != nil {
			log.Fatal(err)
		}
		_ = f.Close()
	}

	fmt.Printf("mode=%s ops=%d bytes=%s elapsed=%s throughput=%s/s\n",
		cfg.mode,
		stats.ops,
		humanize.IBytes(uint64(stats.bytes)),
		stats.elapsed,
		humanize.IBytes(uint64(float64(stats.bytes)/stats.elapsed.Seconds())),
	)
}

type profileStats struct {
	ops     int
	bytes   int64
	elapsed time.Duration
}

//nolint:gocognit,gocyclo,gocritic // complexity is inherent to multi-mode profiler dispatch; hugeParam acceptable for profiler
func runProfile(ctx context.Context, cfg config, rootDir string) (profileStats, error) {
	compression, err := core.ParseCompression(cfg.compression)
	if err != nil {
		return profileStats{}, err
	}
	rng := rand.New(rand.NewPCG(cfg.randomSeed, cfg.randomSeed+1))
	savePath := filepath.Join(rootDir, "world.sim")
	newStore := func() (*world.Store, error) {
		s := world.New(
			world.WithCompression(compression),
			world.WithChunkCacheSize(cfg.chunkCache),
			world.WithFullSaveEvery(1<<30),
		)
		if err := s.CreateWorld(cfg.width, cfg.width, cfg.chunkSize); err != nil {
			return nil, err
		}
		return s, nil
	}

	var (
		ops       int
		byteCount int64
		start     time.Time
	)
	shouldContinue := func() bool {
		if cfg.iterations > 0 {
			return ops < cfg.iterations
		}
		return time.Since(start) < cfg.duration
	}

	switch cfg.mode {
	case "save-full":
		s, err := newStore()
		if err != nil {
			return profileStats{}, err
		}
		if err := dirty(s, rng, -1); err != nil {
			return profileStats{}, err
		}
		start = time.Now()
		for shouldContinue() {
			res, err := s.Save(ctx, savePath, true)
			if err != nil {
				return profileStats{}, err
			}
			byteCount += res.Bytes
			ops++
		}

	case "save-incremental":
		s, err := newStore()
		if err != nil {
			return profileStats{}, err
		}
		if err := dirty(s, rng, -1); err != nil {
			return profileStats{}, err
		}
		if _, err := s.Save(ctx, savePath, true); err != nil {
			return profileStats{}, err
		}
		start = time.Now()
		for shouldContinue() {
			if err := dirty(s, rng, cfg.dirtyChunks); err != nil {
				return profileStats{}, err
			}
			res, err := s.Save(ctx, savePath, false)
			if err != nil {
				return profileStats{}, err
			}
			byteCount += res.Bytes
			ops++
		}

	case "load":
		s, err := newStore()
		if err != nil {
			return profileStats{}, err
		}
		if err := dirty(s, rng, -1); err != nil {
			return profileStats{}, err
		}
		if _, err := s.Save(ctx, savePath, true); err != nil {
			return profileStats{}, err
		}
		start = time.Now()
		for shouldContinue() {
			res, err := s.Load(ctx, savePath)
			if err != nil {
				return profileStats{}, err
			}
			byteCount += res.Bytes
			ops++
		}

	case "chunk-read":
		s, err := newStore()
		if err != nil {
			return profileStats{}, err
		}
		if err := dirty(s, rng, -1); err != nil {
			return profileStats{}, err
		}
		if _, err := s.Save(ctx, savePath, true); err != nil {
			return profileStats{}, err
		}
		if _, err := s.Load(ctx, savePath); err != nil {
			return profileStats{}, err
		}
		grid, _ := s.Grid()
		record := int64(world.RecordSize(grid.ChunkSize))
		start = time.Now()
		for shouldContinue() {
			ch, err := s.GetChunk(rng.IntN(grid.PerRow), rng.IntN(grid.PerCol))
			if err != nil {
				return profileStats{}, err
			}
			sinkChunk = ch
			byteCount += record
			ops++
		}

	case "asset-load":
		loader, closeLoader, err := newAssetLoader(cfg, rootDir)
		if err != nil {
			return profileStats{}, err
		}
		defer closeLoader()
		start = time.Now()
		for shouldContinue() {
			id := 1 + rng.Uint32N(uint32(cfg.assets))
			data, err := loader.LoadSync(ctx, id)
			if err != nil {
				return profileStats{}, err
			}
			sinkBytes = data
			byteCount += int64(len(data))
			ops++
		}
		st := loader.Stats()
		log.Printf("asset cache: hits=%d misses=%d ratio=%.2f", st.Hits, st.Misses, st.HitRatio())

	case "archive-write":
		payload := testutil.Compressible(cfg.assetSize)
		start = time.Now()
		for shouldContinue() {
			w, err := core.Create(savePath, core.AllSections, compression)
			if err != nil {
				return profileStats{}, err
			}
			for _, id := range core.AllSections.IDs() {
				if err := w.WriteSection(id, payload, compression); err != nil {
					_ = w.Abort()
					return profileStats{}, err
				}
			}
			if err := w.Close(); err != nil {
				return profileStats{}, err
			}
			byteCount += int64(w.Header().FileSize)
			ops++
		}

	default:
		return profileStats{}, fmt.Errorf("unknown mode: %s", cfg.mode)
	}

	return profileStats{
		ops:     ops,
		bytes:   byteCount,
		elapsed: time.Since(start),
	}, nil
}

// dirty mutates n random chunks, or every chunk when n < 0.
func dirty(s *world.Store, rng *rand.Rand, n int) error {
	grid, _ := s.Grid()
	fill := func(l *world.Layers) {
		for y := range l.Size() {
			for x := range l.Size() {
				l.Set(world.LayerTiles, x, y, rng.Uint32N(16))
			}
		}
	}
	if n < 0 {
		for cy := range grid.PerCol {
			for cx := range grid.PerRow {
				if err := s.Mutate(cx, cy, fill); err != nil {
					return err
				}
			}
		}
		return nil
	}
	for range n {
		if err := s.Mutate(rng.IntN(grid.PerRow), rng.IntN(grid.PerCol), fill); err != nil {
			return err
		}
	}
	return nil
}

//nolint:gocritic // hugeParam acceptable for config struct in CLI tool
func newAssetLoader(cfg config, rootDir string) (*asset.Loader, func(), error) {
	assetDir := filepath.Join(rootDir, "assets")
	if err := makeAssets(assetDir, cfg.assets, cfg.assetSize, cfg.randomSeed); err != nil {
		return nil, nil, err
	}
	entries, err := asset.BuildIndex(assetDir)
	if err != nil {
		return nil, nil, err
	}

	closers := []func(){}
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}

	var src asset.Source
	if cfg.dataURL == "" {
		fs, err := asset.OpenFileSource(assetDir)
		if err != nil {
			return nil, nil, err
		}
		closers = append(closers, func() { _ = fs.Close() })
		src = fs
	} else {
		base, stop, err := newAssetServer(cfg, assetDir)
		if err != nil {
			return nil, nil, err
		}
		if stop != nil {
			closers = append(closers, stop)
		}
		for i := range entries {
			entries[i].Path = base + "/" + entries[i].Path
		}
		ropts := []asset.RemoteOption{asset.WithHTTPOptions(httpOptions(cfg)...)}
		if cfg.cache == "disk" {
			dc, err := disk.New(filepath.Join(rootDir, "cache"))
			if err != nil {
				closeAll()
				return nil, nil, err
			}
			ropts = append(ropts, asset.WithDiskCache(dc))
		}
		src = asset.NewRemoteSource(ropts...)
	}

	idx, err := asset.NewIndex(entries)
	if err != nil {
		closeAll()
		return nil, nil, err
	}
	maxEntries := cfg.assets
	if cfg.cache == cacheNone {
		maxEntries = 1
	}
	cache := asset.NewCache(asset.WithMaxEntries(maxEntries), asset.WithMaxBytes(int64(cfg.assets*cfg.assetSize)+1))
	return asset.NewLoader(idx, src, asset.WithCache(cache)), closeAll, nil
}

func parseFlags() config {
	var cfg config
	var dataHTTPBPS string
	flag.StringVar(&cfg.mode, "mode", "save-incremental", "mode: save-full, save-incremental, load, chunk-read, asset-load, archive-write")
	flag.IntVar(&cfg.width, "width", 1024, "world edge in tiles")
	flag.IntVar(&cfg.chunkSize, "chunk-size", 32, "chunk edge in tiles")
	flag.IntVar(&cfg.dirtyChunks, "dirty", 64, "chunks changed between incremental saves")
	flag.IntVar(&cfg.chunkCache, "chunk-cache", 64, "resident chunk limit")
	flag.IntVar(&cfg.assets, "assets", 512, "number of asset files")
	flag.IntVar(&cfg.assetSize, "asset-size", 16<<10, "asset file size and archive section size in bytes")
	flag.StringVar(&cfg.compression, "compression", "fast", "compression: none, fast or frame")
	flag.StringVar(&cfg.dataURL, "data-url", "", "serve assets over HTTP (only \"local\" is supported)")
	flag.DurationVar(&cfg.dataHTTPLatency, "data-http-latency", 0, "per-request latency for HTTP assets")
	flag.StringVar(&dataHTTPBPS, "data-http-bps", "", "bytes/sec throttle for HTTP assets (e.g. 10MB)")
	flag.StringVar(&cfg.fgProfile, "fgprofile", "", "write fgprof (wall clock) profile to file")
	flag.DurationVar(&cfg.duration, "duration", 10*time.Second, "duration to run (ignored if iterations > 0)")
	flag.IntVar(&cfg.iterations, "iterations", 0, "number of iterations to run")
	flag.StringVar(&cfg.pprofAddr, "pprof-addr", "", "pprof listen address (e.g. :6060)")
	flag.StringVar(&cfg.cpuProfile, "cpuprofile", "", "write CPU profile to file")
	flag.StringVar(&cfg.memProfile, "memprofile", "", "write heap profile to file")
	flag.StringVar(&cfg.traceFile, "trace", "", "write trace to file")
	flag.StringVar(&cfg.cache, "cache", "memory", "asset cache: memory, disk (HTTP only), none")
	flag.StringVar(&cfg.tempDir, "temp-dir", "", "directory to use for dataset")
	flag.BoolVar(&cfg.keepTemp, "keep-temp", false, "keep temp dir after run")
	flag.Uint64Var(&cfg.randomSeed, "seed", 1, "random seed")
	flag.Parse()
	if dataHTTPBPS != "" {
		bps, err := humanize.ParseBytes(dataHTTPBPS)
		if err != nil || bps == 0 {
			log.Fatalf("data-http-bps: invalid bytes-per-second %q", dataHTTPBPS)
		}
		cfg.dataHTTPBPS = int64(bps) //nolint:gosec // flag values are far below MaxInt64
	}
	return cfg
}

//nolint:gocritic // hugeParam acceptable for config struct in CLI tool
func setupTempDir(cfg config) (string, func() error, error) {
	if cfg.tempDir != "" {
		return cfg.tempDir, nil, os.MkdirAll(cfg.tempDir, 0o755) //nolint:gosec // 0o755 is intentional for profiler temp dirs
	}
	dir, err := os.MkdirTemp("", "worldstore-profiler-*")
	if err != nil {
		return "", nil, err
	}
	cleanup := func() error {
		if cfg.keepTemp {
			return nil
		}
		return os.RemoveAll(dir)
	}
	return dir, cleanup, nil
}

func makeAssets(dir string, count, size int, seed uint64) error {
	if count <= 0 {
		return errors.New("assets must be positive")
	}
	for i := range count {
		path := filepath.Join(dir, fmt.Sprintf("pack%02d", i%16), fmt.Sprintf("asset%05d.bin", i))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil { //nolint:gosec // 0o755 is intentional for profiler
			return err
		}
		//nolint:gosec // 0o644 is intentional for profiler test files
		if err := os.WriteFile(path, testutil.Pattern(size, seed+uint64(i)), 0o644); err != nil {
			return err
		}
	}
	return nil
}
