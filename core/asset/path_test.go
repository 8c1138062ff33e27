package asset

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/worldstore/core/internal/storetype"
)

func TestNormalizePath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"simple", "grass.png", "grass.png"},
		{"leading slash", "/tiles/grass.png", "tiles/grass.png"},
		{"trailing slash", "tiles/grass.png/", "tiles/grass.png"},
		{"backslashes", `tiles\terrain\grass.png`, "tiles/terrain/grass.png"},
		{"internal double slashes", "tiles//terrain///grass.png", "tiles/terrain/grass.png"},
		{"mixed slashes everywhere", `//tiles\\grass.png//`, "tiles/grass.png"},
		{"url untouched", "https://cdn.example.com//pack.bin", "https://cdn.example.com//pack.bin"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := NormalizePath(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizePathRejectsEscapes(t *testing.T) {
	t.Parallel()

	for _, p := range []string{"", "/", "///", ".", "..", "../etc/passwd", "a/../b", "a/./b", `..\secret`} {
		_, err := NormalizePath(p)
		require.ErrorIs(t, err, storetype.ErrInvalidFormat, "path %q", p)
	}
}

func TestNewIndexNormalizesPaths(t *testing.T) {
	t.Parallel()

	idx, err := NewIndex([]Entry{{ID: 1, Path: `/sprites\hero.png`}})
	require.NoError(t, err)
	e, ok := idx.Lookup(1)
	require.True(t, ok)
	assert.Equal(t, "sprites/hero.png", e.Path)

	_, err = NewIndex([]Entry{{ID: 2, Path: "../outside.bin"}})
	require.ErrorIs(t, err, storetype.ErrInvalidFormat)
}
