// Package config loads engine configuration from a YAML file with
// environment overrides.
//
// Values are resolved in order: built-in defaults, the YAML file (when a
// path is given), then WORLDSTORE_* environment variables. The result is
// validated before it is returned.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/meigma/worldstore/core/internal/storetype"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "WORLDSTORE_"

// Config is the engine configuration.
type Config struct {
	// SaveDir holds quick-save slots and the catalog database.
	SaveDir string `yaml:"save_dir" env:"SAVE_DIR"`

	// Compression names the codec for new saves: none, fast or frame.
	Compression string `yaml:"compression" env:"COMPRESSION"`

	World    WorldConfig    `yaml:"world" envPrefix:"WORLD_"`
	Assets   AssetsConfig   `yaml:"assets" envPrefix:"ASSETS_"`
	Async    AsyncConfig    `yaml:"async" envPrefix:"ASYNC_"`
	Autosave AutosaveConfig `yaml:"autosave" envPrefix:"AUTOSAVE_"`
	Catalog  CatalogConfig  `yaml:"catalog" envPrefix:"CATALOG_"`
	Monitor  MonitorConfig  `yaml:"monitor" envPrefix:"MONITOR_"`
	Tracing  TracingConfig  `yaml:"tracing" envPrefix:"TRACING_"`
	Log      LogConfig      `yaml:"log" envPrefix:"LOG_"`
}

// WorldConfig configures the chunk store.
type WorldConfig struct {
	ChunkCacheSize  int    `yaml:"chunk_cache_size" env:"CHUNK_CACHE_SIZE"`
	FullSaveEvery   int    `yaml:"full_save_every" env:"FULL_SAVE_EVERY"`
	ReadConcurrency int    `yaml:"read_concurrency" env:"READ_CONCURRENCY"`
	ReadAheadBytes  uint64 `yaml:"read_ahead_bytes" env:"READ_AHEAD_BYTES"`
}

// AssetsConfig configures the asset loader.
type AssetsConfig struct {
	// Dir is the root for relative asset paths.
	Dir string `yaml:"dir" env:"DIR"`

	// Index is the asset index file; relative paths resolve against Dir.
	Index string `yaml:"index" env:"INDEX"`

	CacheEntries       int   `yaml:"cache_entries" env:"CACHE_ENTRIES"`
	CacheBytes         int64 `yaml:"cache_bytes" env:"CACHE_BYTES"`
	PreloadConcurrency int   `yaml:"preload_concurrency" env:"PRELOAD_CONCURRENCY"`

	// DiskCacheDir persists remote asset bytes; empty disables it.
	DiskCacheDir   string `yaml:"disk_cache_dir" env:"DISK_CACHE_DIR"`
	DiskCacheBytes int64  `yaml:"disk_cache_bytes" env:"DISK_CACHE_BYTES"`
}

// AsyncConfig configures the async operation pool.
type AsyncConfig struct {
	MaxOperations int           `yaml:"max_operations" env:"MAX_OPERATIONS"`
	QueueSize     int           `yaml:"queue_size" env:"QUEUE_SIZE"`
	Workers       int           `yaml:"workers" env:"WORKERS"`
	Timeout       time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// AutosaveConfig configures periodic saves.
type AutosaveConfig struct {
	Enabled  bool          `yaml:"enabled" env:"ENABLED"`
	Interval time.Duration `yaml:"interval" env:"INTERVAL"`
	Keep     int           `yaml:"keep" env:"KEEP"`

	// Name is the autosave file name inside SaveDir.
	Name string `yaml:"name" env:"NAME"`
}

// CatalogConfig configures the save catalog.
type CatalogConfig struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`

	// Path defaults to catalog.db inside SaveDir.
	Path string `yaml:"path" env:"PATH"`
}

// MonitorConfig sets alert thresholds.
type MonitorConfig struct {
	SlowSave      time.Duration `yaml:"slow_save" env:"SLOW_SAVE"`
	SlowLoad      time.Duration `yaml:"slow_load" env:"SLOW_LOAD"`
	MemoryBytes   int64         `yaml:"memory_bytes" env:"MEMORY_BYTES"`
	MinHitRatio   float64       `yaml:"min_hit_ratio" env:"MIN_HIT_RATIO"`
	MinHitSamples uint64        `yaml:"min_hit_samples" env:"MIN_HIT_SAMPLES"`
}

// TracingConfig configures OTLP trace export.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled" env:"ENABLED"`
	Endpoint    string `yaml:"endpoint" env:"ENDPOINT"`
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
}

// LogConfig configures the engine logger.
type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		SaveDir:     "saves",
		Compression: "fast",
		World: WorldConfig{
			ChunkCacheSize:  64,
			FullSaveEvery:   10,
			ReadConcurrency: 4,
			ReadAheadBytes:  16 << 20,
		},
		Assets: AssetsConfig{
			Dir:                "assets",
			Index:              "assets.idx",
			CacheEntries:       256,
			CacheBytes:         64 << 20,
			PreloadConcurrency: 4,
			DiskCacheBytes:     512 << 20,
		},
		Async: AsyncConfig{
			MaxOperations: 64,
			QueueSize:     64,
			Workers:       4,
			Timeout:       5 * time.Second,
		},
		Autosave: AutosaveConfig{
			Interval: 300 * time.Second,
			Keep:     5,
			Name:     "autosave.sim",
		},
		Monitor: MonitorConfig{
			SlowSave:      5 * time.Second,
			SlowLoad:      3 * time.Second,
			MemoryBytes:   128 << 20,
			MinHitRatio:   0.70,
			MinHitSamples: 100,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the configuration. An empty path skips the file and uses
// defaults plus the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("load config %s: %w", path, storetype.ClassifyIOError(err))
		}
		if err := decodeYAML(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("load config %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, nil); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %w", storetype.ErrInvalidFormat, err)
	}
	return nil
}

// applyEnv overlays WORLDSTORE_* variables. A nil environment reads the
// process environment.
func applyEnv(cfg *Config, environ map[string]string) error {
	opts := env.Options{Prefix: EnvPrefix}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return fmt.Errorf("parse env: %w: %w", storetype.ErrInvalidFormat, err)
	}
	return nil
}

// Validate checks value ranges and names.
func (c *Config) Validate() error {
	var errs []error
	if c.SaveDir == "" {
		errs = append(errs, errors.New("save_dir is empty"))
	}
	if _, err := storetype.ParseCompression(c.Compression); err != nil {
		errs = append(errs, fmt.Errorf("compression: %w", err))
	}
	if c.World.ChunkCacheSize < 1 {
		errs = append(errs, fmt.Errorf("world.chunk_cache_size %d < 1", c.World.ChunkCacheSize))
	}
	if c.World.FullSaveEvery < 1 {
		errs = append(errs, fmt.Errorf("world.full_save_every %d < 1", c.World.FullSaveEvery))
	}
	if c.Assets.CacheEntries < 1 || c.Assets.CacheBytes < 1 {
		errs = append(errs, fmt.Errorf("assets cache %d entries / %d bytes must be positive", c.Assets.CacheEntries, c.Assets.CacheBytes))
	}
	if c.Async.MaxOperations < 1 || c.Async.QueueSize < 1 || c.Async.Workers < 1 {
		errs = append(errs, errors.New("async sizes must be positive"))
	}
	if c.Async.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("async.timeout %s must be positive", c.Async.Timeout))
	}
	if c.Autosave.Enabled && c.Autosave.Interval <= 0 {
		errs = append(errs, fmt.Errorf("autosave.interval %s must be positive", c.Autosave.Interval))
	}
	if c.Monitor.MinHitRatio < 0 || c.Monitor.MinHitRatio > 1 {
		errs = append(errs, fmt.Errorf("monitor.min_hit_ratio %v outside [0,1]", c.Monitor.MinHitRatio))
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not text or json", c.Log.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w: %w", storetype.ErrInvalidFormat, errors.Join(errs...))
	}
	return nil
}

// SlogLevel parses Level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return lvl, nil
}

// Logger builds a slog.Logger writing to w.
func (l LogConfig) Logger(w io.Writer) *slog.Logger {
	lvl, err := l.SlogLevel()
	if err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(l.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
