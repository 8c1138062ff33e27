// Package catalog keeps a SQLite record of every save written, so slots
// and save chains can be listed without opening archives.
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/opencontainers/go-digest"
	_ "modernc.org/sqlite" // database/sql driver

	"github.com/meigma/worldstore/core/internal/checksum"
	"github.com/meigma/worldstore/core/internal/storetype"
)

// Kind is the type of save a record describes.
type Kind string

// Save kinds.
const (
	KindFull        Kind = "full"
	KindIncremental Kind = "incremental"
	KindGenesis     Kind = "genesis"
)

// NoSlot marks records not written to a quick-save slot.
const NoSlot = -1

// Record describes one written save file.
type Record struct {
	ID       int64
	Path     string
	BasePath string
	SaveID   string
	Kind     Kind
	Sequence uint32
	Chunks   int
	Bytes    int64
	CRC      uint32
	Digest   digest.Digest
	Slot     int
	Created  time.Time
	Duration time.Duration
}

// Catalog is a handle on the catalog database. It is safe for concurrent
// use.
type Catalog struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Catalog.
type Option func(*Catalog)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Catalog) {
		c.logger = logger
	}
}

// WithClock overrides the time source for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Catalog) {
		if now != nil {
			c.now = now
		}
	}
}

// Open opens or creates the catalog database at path.
func Open(path string, opts ...Option) (*Catalog, error) {
	if path == "" {
		return nil, fmt.Errorf("open catalog: %w: empty path", storetype.ErrInvalidFormat)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("open catalog %s: %w", path, storetype.ClassifyIOError(err))
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open catalog %s: %w: %w", path, storetype.ErrAsyncFailure, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	c := &Catalog{db: db, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.init(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open catalog %s: %w", path, err)
	}
	return c, nil
}

func (c *Catalog) log() *slog.Logger {
	if c.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return c.logger
}

func (c *Catalog) init() error {
	stmts := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		`CREATE TABLE IF NOT EXISTS saves (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			path TEXT NOT NULL,
			base_path TEXT NOT NULL,
			save_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			chunks INTEGER NOT NULL,
			bytes INTEGER NOT NULL,
			crc INTEGER NOT NULL,
			digest TEXT NOT NULL,
			slot INTEGER NOT NULL,
			created_ns INTEGER NOT NULL,
			duration_ns INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS saves_base ON saves(base_path, id);`,
		`CREATE INDEX IF NOT EXISTS saves_slot ON saves(slot, id);`,
	}
	for _, s := range stmts {
		if _, err := c.db.Exec(s); err != nil {
			return fmt.Errorf("%w: %w", storetype.ErrAsyncFailure, err)
		}
	}
	return nil
}

// Close closes the database.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// Record stores rec and returns its row id. A zero Created is stamped
// with the catalog clock.
func (c *Catalog) Record(ctx context.Context, rec Record) (int64, error) {
	if rec.Created.IsZero() {
		rec.Created = c.now()
	}
	res, err := c.db.ExecContext(ctx,
		`INSERT INTO saves (path, base_path, save_id, kind, sequence, chunks, bytes, crc, digest, slot, created_ns, duration_ns)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Path, rec.BasePath, rec.SaveID, string(rec.Kind), rec.Sequence, rec.Chunks, rec.Bytes,
		rec.CRC, rec.Digest.String(), rec.Slot, rec.Created.UnixNano(), int64(rec.Duration))
	if err != nil {
		return 0, fmt.Errorf("record save %s: %w: %w", rec.Path, storetype.ErrAsyncFailure, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("record save %s: %w: %w", rec.Path, storetype.ErrAsyncFailure, err)
	}
	c.log().Debug("save recorded", "id", id, "path", rec.Path, "kind", string(rec.Kind))
	return id, nil
}

const columns = `id, path, base_path, save_id, kind, sequence, chunks, bytes, crc, digest, slot, created_ns, duration_ns`

// List returns up to limit records, newest first. A limit <= 0 returns
// every record.
func (c *Catalog) List(ctx context.Context, limit int) ([]Record, error) {
	q := `SELECT ` + columns + ` FROM saves ORDER BY id DESC`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	return c.query(ctx, "list saves", q, args...)
}

// Chain returns every record of the save at basePath since its most
// recent full save, oldest first.
func (c *Catalog) Chain(ctx context.Context, basePath string) ([]Record, error) {
	return c.query(ctx, "save chain "+basePath,
		`SELECT `+columns+` FROM saves
		 WHERE base_path = ? AND id >= COALESCE(
			(SELECT MAX(id) FROM saves WHERE base_path = ? AND kind IN ('full', 'genesis')), 0)
		 ORDER BY id`, basePath, basePath)
}

// Latest returns the newest record for the save at basePath. It fails
// with ErrFileNotFound when nothing was recorded.
func (c *Catalog) Latest(ctx context.Context, basePath string) (Record, error) {
	recs, err := c.query(ctx, "latest save "+basePath,
		`SELECT `+columns+` FROM saves WHERE base_path = ? ORDER BY id DESC LIMIT 1`, basePath)
	if err != nil {
		return Record{}, err
	}
	if len(recs) == 0 {
		return Record{}, fmt.Errorf("latest save %s: %w: no records", basePath, storetype.ErrFileNotFound)
	}
	return recs[0], nil
}

// Slots returns the newest record of each quick-save slot, by slot.
func (c *Catalog) Slots(ctx context.Context) ([]Record, error) {
	return c.query(ctx, "list slots",
		`SELECT `+columns+` FROM saves
		 WHERE id IN (SELECT MAX(id) FROM saves WHERE slot >= 0 GROUP BY slot)
		 ORDER BY slot`)
}

// Forget deletes every record of the save at basePath and returns the
// number removed.
func (c *Catalog) Forget(ctx context.Context, basePath string) (int64, error) {
	res, err := c.db.ExecContext(ctx, `DELETE FROM saves WHERE base_path = ?`, basePath)
	if err != nil {
		return 0, fmt.Errorf("forget %s: %w: %w", basePath, storetype.ErrAsyncFailure, err)
	}
	return res.RowsAffected()
}

func (c *Catalog) query(ctx context.Context, what, q string, args ...any) ([]Record, error) {
	rows, err := c.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", what, storetype.ErrAsyncFailure, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r                 Record
			kind, dgst        string
			created, duration int64
		)
		if err := rows.Scan(&r.ID, &r.Path, &r.BasePath, &r.SaveID, &kind, &r.Sequence, &r.Chunks,
			&r.Bytes, &r.CRC, &dgst, &r.Slot, &created, &duration); err != nil {
			return nil, fmt.Errorf("%s: %w: %w", what, storetype.ErrAsyncFailure, err)
		}
		r.Kind = Kind(kind)
		r.Created = time.Unix(0, created)
		r.Duration = time.Duration(duration)
		if dgst != "" {
			d, err := digest.Parse(dgst)
			if err != nil {
				return nil, fmt.Errorf("%s: record %d: %w: %w", what, r.ID, storetype.ErrInvalidFormat, err)
			}
			r.Digest = d
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w: %w", what, storetype.ErrAsyncFailure, err)
	}
	return out, nil
}

// FileInfo is the size and fingerprints of a file on disk.
type FileInfo struct {
	Bytes  int64
	CRC    uint32
	Digest digest.Digest
}

// Describe reads path once and returns its size, CRC32 and sha256 digest.
func Describe(path string) (FileInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return FileInfo{}, fmt.Errorf("describe %s: %w", path, storetype.ClassifyIOError(err))
	}
	defer f.Close()

	dg := digest.Canonical.Digester()
	cw := &checksum.Writer{W: dg.Hash()}
	if _, err := io.Copy(cw, f); err != nil {
		return FileInfo{}, fmt.Errorf("describe %s: %w", path, storetype.ClassifyIOError(err))
	}
	return FileInfo{Bytes: int64(cw.N), CRC: cw.CRC, Digest: dg.Digest()}, nil //nolint:gosec // file sizes fit int64
}
