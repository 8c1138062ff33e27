package asset

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/meigma/worldstore/core/internal/checksum"
	"github.com/meigma/worldstore/core/internal/format"
	"github.com/meigma/worldstore/core/internal/platform"
	"github.com/meigma/worldstore/core/internal/storetype"
)

// IndexFileName is the conventional index file name inside an asset root.
const IndexFileName = "assets.idx"

// MaxIndexEntries bounds the number of assets in one index.
const MaxIndexEntries = 1 << 16

// MaxPathLen is the longest asset path an index entry can hold.
const MaxPathLen = format.AssetPathSize

// Index maps asset ids to entries. An Index is immutable once loaded and
// safe for concurrent use.
type Index struct {
	entries map[uint32]Entry
	ids     []uint32
	created time.Time
}

// NewIndex builds an in-memory index. Ids must be unique; local paths
// are normalized with NormalizePath.
func NewIndex(entries []Entry) (*Index, error) {
	if len(entries) > MaxIndexEntries {
		return nil, fmt.Errorf("%w: %d assets exceeds %d", storetype.ErrBufferFull, len(entries), MaxIndexEntries)
	}
	idx := &Index{entries: make(map[uint32]Entry, len(entries))}
	for _, e := range entries {
		if _, dup := idx.entries[e.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate asset id %d", storetype.ErrInvalidFormat, e.ID)
		}
		if len(e.Path) > MaxPathLen {
			return nil, fmt.Errorf("%w: asset %d path longer than %d bytes", storetype.ErrInvalidFormat, e.ID, MaxPathLen)
		}
		p, err := NormalizePath(e.Path)
		if err != nil {
			return nil, fmt.Errorf("asset %d: %w", e.ID, err)
		}
		e.Path = p
		idx.entries[e.ID] = e
		idx.ids = append(idx.ids, e.ID)
	}
	slices.Sort(idx.ids)
	return idx, nil
}

// Lookup returns the entry for id.
func (x *Index) Lookup(id uint32) (Entry, bool) {
	e, ok := x.entries[id]
	return e, ok
}

// Len returns the number of entries.
func (x *Index) Len() int { return len(x.ids) }

// Created returns the index timestamp; zero for indexes built in memory.
func (x *Index) Created() time.Time { return x.created }

// Entries returns all entries in id order.
func (x *Index) Entries() []Entry {
	out := make([]Entry, len(x.ids))
	for i, id := range x.ids {
		out[i] = x.entries[id]
	}
	return out
}

// LoadIndex reads the index file at path. A missing file yields an empty
// index; a bad magic fails with ErrInvalidFormat and a corrupt entry
// region with ErrChecksumMismatch.
func LoadIndex(path string) (*Index, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return &Index{entries: map[uint32]Entry{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load index %s: %w", path, storetype.ClassifyIOError(err))
	}
	idx, err := parseIndex(data)
	if err != nil {
		return nil, fmt.Errorf("load index %s: %w", path, err)
	}
	return idx, nil
}

func parseIndex(data []byte) (*Index, error) {
	hdr, err := format.ParseAssetIndexHeader(data)
	if err != nil {
		return nil, err
	}
	if hdr.Count > MaxIndexEntries {
		return nil, fmt.Errorf("%w: %d assets exceeds %d", storetype.ErrInvalidFormat, hdr.Count, MaxIndexEntries)
	}
	want := format.AssetHeaderSize + int(hdr.Count)*format.AssetEntrySize
	if int(hdr.IndexSize) != want || len(data) < want {
		return nil, fmt.Errorf("%w: index declares %d bytes for %d entries, file has %d", storetype.ErrInvalidFormat, hdr.IndexSize, hdr.Count, len(data))
	}
	region := data[format.AssetHeaderSize:want]
	if got := checksum.CRC32(region); got != hdr.CRC {
		return nil, fmt.Errorf("%w: index crc %08x, want %08x", storetype.ErrChecksumMismatch, got, hdr.CRC)
	}

	entries := make([]Entry, 0, hdr.Count)
	for i := range int(hdr.Count) {
		raw, err := format.ParseAssetEntry(region[i*format.AssetEntrySize:])
		if err != nil {
			return nil, err
		}
		entries = append(entries, Entry{
			ID:     raw.ID,
			Type:   Type(raw.Type),
			Flags:  raw.Flags,
			Size:   raw.Size,
			Offset: raw.Offset,
			CRC:    raw.CRC,
			Path:   raw.Path,
		})
	}
	idx, err := NewIndex(entries)
	if err != nil {
		return nil, err
	}
	idx.created = time.Unix(0, hdr.Timestamp)
	return idx, nil
}

// WriteIndex atomically writes entries to path in id order.
func WriteIndex(path string, entries []Entry) error {
	idx, err := NewIndex(entries)
	if err != nil {
		return fmt.Errorf("write index %s: %w", path, err)
	}
	sorted := idx.Entries()
	size := format.AssetHeaderSize + len(sorted)*format.AssetEntrySize
	buf := make([]byte, size)
	for i, e := range sorted {
		raw := format.AssetEntry{
			ID:     e.ID,
			Type:   uint16(e.Type),
			State:  uint8(StateUnloaded),
			Flags:  e.Flags,
			Size:   e.Size,
			Offset: e.Offset,
			CRC:    e.CRC,
			Path:   e.Path,
		}
		if err := raw.Put(buf[format.AssetHeaderSize+i*format.AssetEntrySize:]); err != nil {
			return fmt.Errorf("write index %s: %w", path, err)
		}
	}
	hdr := format.AssetIndexHeader{
		Version:   format.AssetIndexVersion,
		Count:     uint32(len(sorted)), //nolint:gosec // bounded by MaxIndexEntries
		IndexSize: uint32(size),        //nolint:gosec // bounded by MaxIndexEntries
		Timestamp: time.Now().UnixNano(),
		CRC:       checksum.CRC32(buf[format.AssetHeaderSize:]),
	}
	hdr.Put(buf)
	if err := platform.WriteFile(path, buf); err != nil {
		return fmt.Errorf("write index %s: %w", path, err)
	}
	return nil
}

// BuildIndex walks dir and returns one whole-file entry per regular file,
// ids assigned from 1 in path order. Hidden files and files named skip
// are left out.
func BuildIndex(dir string, skip ...string) ([]Entry, error) {
	var entries []Entry
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if path != dir && strings.HasPrefix(name, ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || slices.Contains(skip, name) {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if len(rel) > MaxPathLen {
			return fmt.Errorf("%w: %s longer than %d bytes", storetype.ErrInvalidFormat, rel, MaxPathLen)
		}
		size, crc, err := fileCRC(path)
		if err != nil {
			return err
		}
		entries = append(entries, Entry{
			ID:   uint32(len(entries) + 1), //nolint:gosec // bounded by MaxIndexEntries
			Type: TypeForPath(rel),
			Size: size,
			CRC:  crc,
			Path: rel,
		})
		if len(entries) > MaxIndexEntries {
			return fmt.Errorf("%w: more than %d assets", storetype.ErrBufferFull, MaxIndexEntries)
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, storetype.ErrInvalidFormat) && !errors.Is(err, storetype.ErrBufferFull) {
			err = storetype.ClassifyIOError(err)
		}
		return nil, fmt.Errorf("build index %s: %w", dir, err)
	}
	return entries, nil
}

func fileCRC(path string) (uint64, uint32, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()
	cr := &checksum.Reader{R: f}
	if _, err := io.Copy(io.Discard, cr); err != nil {
		return 0, 0, err
	}
	return cr.N, cr.CRC, nil
}
