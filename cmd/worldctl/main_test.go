package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/worldstore"
	"github.com/meigma/worldstore/core/config"
	"github.com/meigma/worldstore/core/testutil"
)

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	err := run(context.Background(), &out, &errOut, args)
	return out.String(), err
}

func createWorld(t *testing.T, path string) {
	t.Helper()
	out, err := runCmd(t, "create", path, "--width", "64", "--height", "64", "--chunk-size", "16", "--fill", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "16 of 16 chunks")
}

func TestCreateInspectVerify(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "world.sim")
	createWorld(t, path)

	out, err := runCmd(t, "inspect", path)
	require.NoError(t, err)
	assert.Contains(t, out, "version")
	assert.Contains(t, out, "compatible")
	assert.Contains(t, out, "world")

	out, err = runCmd(t, "verify", path)
	require.NoError(t, err)
	assert.Contains(t, out, path+": ok")

	out, err = runCmd(t, "validate", path)
	require.NoError(t, err)
	assert.Contains(t, out, "ok")
}

func TestValidateAndRepairDamage(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "world.sim")
	backup := filepath.Join(dir, "world.sim.1")
	createWorld(t, path)
	testutil.CopyFile(t, path, backup)
	testutil.WriteAt(t, path, 0, []byte("JUNK"))

	out, err := runCmd(t, "validate", path, backup)
	require.Error(t, err)
	assert.Contains(t, out, "magic mismatch")

	_, err = runCmd(t, "verify", path)
	require.Error(t, err)

	out, err = runCmd(t, "repair", path, "--dry-run", "--backup", backup)
	require.NoError(t, err)
	assert.Contains(t, out, "would repair")
	assert.Equal(t, "JUNK", string(testutil.ReadFile(t, path)[:4]))

	_, err = runCmd(t, "repair", path)
	require.ErrorIs(t, err, worldstore.ErrFileNotFound)

	out, err = runCmd(t, "repair", path, "-b", backup)
	require.NoError(t, err)
	assert.Contains(t, out, "repaired")
	assert.Equal(t, testutil.ReadFile(t, backup), testutil.ReadFile(t, path))

	out, err = runCmd(t, "repair", path)
	require.NoError(t, err)
	assert.Contains(t, out, "nothing to repair")
}

func TestMigrateCurrentArchive(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "world.sim")
	createWorld(t, path)
	out, err := runCmd(t, "migrate", path)
	require.NoError(t, err)
	assert.Contains(t, out, "already")
}

func TestIndexBuildAndList(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sprites"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sprites", "hero.png"), testutil.Pattern(512, 3), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "theme.ogg"), testutil.Pattern(100, 4), 0o644))

	out, err := runCmd(t, "index", "build", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "2 assets")

	// A rebuild must not index the index itself.
	out, err = runCmd(t, "index", "build", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "2 assets")

	out, err = runCmd(t, "index", "list", filepath.Join(dir, "assets.idx"))
	require.NoError(t, err)
	assert.Contains(t, out, "sprites/hero.png")
	assert.Contains(t, out, "theme.ogg")
}

func TestCatalogList(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "worldstore.yaml")
	saves := filepath.Join(dir, "saves")
	require.NoError(t, os.WriteFile(cfgPath, []byte("save_dir: "+saves+"\ncatalog:\n  enabled: true\n"), 0o644))

	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)
	eng, err := worldstore.Open(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, eng.World().CreateWorld(32, 32, 16))
	_, err = eng.QuickSave(context.Background(), 4)
	require.NoError(t, err)
	require.NoError(t, eng.Close())

	out, err := runCmd(t, "catalog", "list", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "slot4.sim")
	assert.Contains(t, out, "full")

	out, err = runCmd(t, "catalog", "list", "--slots", "-c", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "slot4.sim")

	out, err = runCmd(t, "catalog", "forget", filepath.Join(saves, "slot4.sim"), "-c", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "forgot 1 records")
}

func TestUsageErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		args []string
	}{
		{"no command", nil},
		{"unknown command", []string{"explode"}},
		{"missing file", []string{"inspect"}},
		{"extra args", []string{"inspect", "a", "b"}},
		{"unknown flag", []string{"verify", "--frobnicate", "x"}},
		{"index without subcommand", []string{"index"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := runCmd(t, tt.args...)
			require.ErrorIs(t, err, errUsage)
		})
	}
}

func TestHelp(t *testing.T) {
	t.Parallel()

	out, err := runCmd(t, "--help")
	require.NoError(t, err)
	assert.Contains(t, out, "inspect")
	assert.Contains(t, out, "catalog")

	out, err = runCmd(t, "repair", "-h")
	require.NoError(t, err)
	assert.Contains(t, out, "--backup")
}
