package storetype

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckVersion(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		file      Version
		supported Version
		want      Compatibility
	}{
		{"exact match", Version{1, 0}, Version{1, 0}, Compatible},
		{"older minor", Version{2, 0}, Version{2, 1}, MinorUpgrade},
		{"older major", Version{1, 0}, Version{2, 0}, MajorUpgrade},
		{"older major newer minor", Version{1, 9}, Version{2, 0}, MajorUpgrade},
		{"newer major", Version{2, 0}, Version{1, 0}, Incompatible},
		{"newer minor same major", Version{2, 2}, Version{2, 1}, Incompatible},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, CheckVersion(tt.file, tt.supported))
		})
	}
}

func TestSectionMask(t *testing.T) {
	t.Parallel()

	mask := SectionWorld.Bit() | SectionSettings.Bit()
	assert.True(t, mask.Has(SectionWorld))
	assert.False(t, mask.Has(SectionAgents))
	assert.Equal(t, []SectionID{SectionWorld, SectionSettings}, mask.IDs())
	assert.Equal(t, "world,settings", mask.String())
	assert.Equal(t, SectionMask(0), SectionID(9).Bit())
	assert.Equal(t, SectionMask(0x1f), AllSections)
}

func TestParseCompression(t *testing.T) {
	t.Parallel()

	for _, c := range []Compression{CompressionNone, CompressionFastBlock, CompressionFrameBlock} {
		got, err := ParseCompression(c.String())
		require.NoError(t, err)
		assert.Equal(t, c, got)
	}
	got, err := ParseCompression("zstd")
	require.NoError(t, err)
	assert.Equal(t, CompressionFrameBlock, got)

	_, err = ParseCompression("brotli")
	require.ErrorIs(t, err, ErrInvalidFormat)
}

func TestClassifyIOError(t *testing.T) {
	t.Parallel()

	_, statErr := os.Stat("/definitely/not/here")
	err := ClassifyIOError(statErr)
	require.ErrorIs(t, err, ErrFileNotFound)
	require.ErrorIs(t, err, fs.ErrNotExist)

	err = ClassifyIOError(fmt.Errorf("open: %w", fs.ErrPermission))
	require.ErrorIs(t, err, ErrPermissionDenied)

	err = ClassifyIOError(errors.New("disk on fire"))
	require.ErrorIs(t, err, ErrAsyncFailure)

	// Already classified errors pass through untouched.
	already := fmt.Errorf("read: %w", ErrFileNotFound)
	assert.Same(t, already, ClassifyIOError(already))
	assert.NoError(t, ClassifyIOError(nil))
}
