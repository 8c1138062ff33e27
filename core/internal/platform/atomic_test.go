package platform

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/worldstore/core/internal/storetype"
)

func TestAtomicCommitReplacesTarget(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	target := filepath.Join(dir, "world.sav")
	require.NoError(t, os.WriteFile(target, []byte("old"), 0o600))

	f, err := CreateAtomic(target)
	require.NoError(t, err)
	_, err = f.Write([]byte("new contents"))
	require.NoError(t, err)

	// Target untouched until commit.
	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "old", string(got))

	require.NoError(t, f.Commit())
	got, err = os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "new contents", string(got))
	assertNoTemps(t, dir)
}

func TestAtomicDiscardKeepsTarget(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	target := filepath.Join(dir, "world.sav")
	require.NoError(t, os.WriteFile(target, []byte("old"), 0o600))

	f, err := CreateAtomic(target)
	require.NoError(t, err)
	_, err = f.Write([]byte("partial"))
	require.NoError(t, err)
	require.NoError(t, f.Discard())
	require.NoError(t, f.Discard())

	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "old", string(got))
	assertNoTemps(t, dir)
}

func TestCreateAtomicMissingDirectory(t *testing.T) {
	t.Parallel()

	_, err := CreateAtomic(filepath.Join(t.TempDir(), "missing", "world.sav"))
	require.ErrorIs(t, err, storetype.ErrFileNotFound)
}

func TestWriteFileAndCopyFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	a := filepath.Join(dir, "a")
	require.NoError(t, WriteFile(a, []byte("alpha")))
	b := filepath.Join(dir, "b")
	require.NoError(t, CopyFile(b, strings.NewReader("beta")))

	got, err := os.ReadFile(a)
	require.NoError(t, err)
	assert.Equal(t, "alpha", string(got))
	got, err = os.ReadFile(b)
	require.NoError(t, err)
	assert.Equal(t, "beta", string(got))
}

func TestOpenFileNoFollow(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "real.bin"), []byte("x"), 0o600))
	require.NoError(t, os.Symlink("real.bin", filepath.Join(dir, "link.bin")))

	root, err := os.OpenRoot(dir)
	require.NoError(t, err)
	defer root.Close()

	f, err := OpenFileNoFollow(root, "real.bin")
	require.NoError(t, err)
	f.Close()

	_, err = OpenFileNoFollow(root, "link.bin")
	require.ErrorIs(t, err, ErrSymlink)
}

func assertNoTemps(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), "."), "leftover temp file %s", e.Name())
	}
}
