// Package platform holds the filesystem primitives shared by every writer:
// atomic replace-on-commit files and symlink-safe opens.
package platform

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/meigma/worldstore/core/internal/storetype"
)

// AtomicFile is a temporary file that replaces its target on Commit.
// Until Commit succeeds the target is left untouched.
type AtomicFile struct {
	*os.File
	target string
	done   bool
}

// CreateAtomic opens a temporary file in the target's directory. The
// directory must already exist.
func CreateAtomic(target string) (*AtomicFile, error) {
	dir := filepath.Dir(target)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(target)+"-*")
	if err != nil {
		return nil, storetype.ClassifyIOError(err)
	}
	return &AtomicFile{File: tmp, target: target}, nil
}

// Target returns the path the file will be renamed onto.
func (f *AtomicFile) Target() string { return f.target }

// Commit syncs and closes the temporary file, then renames it onto the
// target.
func (f *AtomicFile) Commit() error {
	if f.done {
		return nil
	}
	f.done = true
	tmpPath := f.Name()

	if err := f.Sync(); err != nil {
		f.File.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync %s: %w", f.target, storetype.ClassifyIOError(err))
	}
	if err := f.File.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close %s: %w", f.target, storetype.ClassifyIOError(err))
	}
	if err := os.Rename(tmpPath, f.target); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename onto %s: %w", f.target, storetype.ClassifyIOError(err))
	}
	if err := syncDir(filepath.Dir(f.target)); err != nil {
		return fmt.Errorf("sync dir of %s: %w", f.target, storetype.ClassifyIOError(err))
	}
	return nil
}

// Discard closes and removes the temporary file. It is safe to call after
// Commit.
func (f *AtomicFile) Discard() error {
	if f.done {
		return nil
	}
	f.done = true
	tmpPath := f.Name()
	f.File.Close()
	if err := os.Remove(tmpPath); err != nil && !os.IsNotExist(err) {
		return storetype.ClassifyIOError(err)
	}
	return nil
}

// WriteFile atomically replaces target with data.
func WriteFile(target string, data []byte) error {
	f, err := CreateAtomic(target)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Discard()
		return fmt.Errorf("write %s: %w", target, storetype.ClassifyIOError(err))
	}
	return f.Commit()
}

// CopyFile atomically replaces target with the contents of r.
func CopyFile(target string, r io.Reader) error {
	f, err := CreateAtomic(target)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Discard()
		return fmt.Errorf("write %s: %w", target, storetype.ClassifyIOError(err))
	}
	return f.Commit()
}
