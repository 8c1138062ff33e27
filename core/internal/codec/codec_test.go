package codec

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/worldstore/core/internal/storetype"
)

func compressible(n int) []byte {
	return bytes.Repeat([]byte("tile:grass;tile:road;"), n/21+1)[:n]
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()

	for _, c := range []storetype.Compression{
		storetype.CompressionNone,
		storetype.CompressionFastBlock,
		storetype.CompressionFrameBlock,
	} {
		t.Run(c.String(), func(t *testing.T) {
			t.Parallel()

			src := compressible(64 * 1024)
			enc, err := Compress(src, c)
			require.NoError(t, err)
			if c != storetype.CompressionNone {
				assert.Less(t, len(enc), len(src))
			}

			dec, err := Decompress(enc, c, len(src))
			require.NoError(t, err)
			assert.Equal(t, src, dec)
		})
	}
}

func TestFrameBlockMagic(t *testing.T) {
	t.Parallel()

	enc, err := Compress(compressible(4096), storetype.CompressionFrameBlock)
	require.NoError(t, err)
	assert.Equal(t, FrameMagic, enc[:4])

	enc[0] ^= 0xFF
	_, err = Decompress(enc, storetype.CompressionFrameBlock, 4096)
	require.ErrorIs(t, err, storetype.ErrInvalidFormat)
}

func TestFastBlockIncompressible(t *testing.T) {
	t.Parallel()

	src := make([]byte, 4096)
	_, err := rand.Read(src)
	require.NoError(t, err)

	_, err = Compress(src, storetype.CompressionFastBlock)
	require.ErrorIs(t, err, ErrIncompressible)
}

func TestBufferTooSmall(t *testing.T) {
	t.Parallel()

	src := compressible(8192)

	_, err := CompressInto(make([]byte, 16), src, storetype.CompressionFastBlock)
	require.ErrorIs(t, err, storetype.ErrBufferTooSmall)

	_, err = CompressInto(make([]byte, 16), src, storetype.CompressionNone)
	require.ErrorIs(t, err, storetype.ErrBufferTooSmall)

	enc, err := Compress(src, storetype.CompressionFrameBlock)
	require.NoError(t, err)
	_, err = DecompressInto(make([]byte, 100), enc, storetype.CompressionFrameBlock)
	require.ErrorIs(t, err, storetype.ErrBufferTooSmall)

	_, err = DecompressInto(make([]byte, 100), src, storetype.CompressionNone)
	require.ErrorIs(t, err, storetype.ErrBufferTooSmall)
}

func TestCorruptFastBlock(t *testing.T) {
	t.Parallel()

	_, err := Decompress([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0x01}, storetype.CompressionFastBlock, 1024)
	require.ErrorIs(t, err, storetype.ErrInvalidFormat)
}

func TestUnknownCompression(t *testing.T) {
	t.Parallel()

	_, err := Compress([]byte("x"), storetype.Compression(42))
	require.ErrorIs(t, err, storetype.ErrInvalidFormat)
	_, err = Decompress([]byte("x"), storetype.CompressionDefault, 1)
	require.ErrorIs(t, err, storetype.ErrInvalidFormat)
}

func TestDecoderPoolReuse(t *testing.T) {
	t.Parallel()

	p := NewDecoderPool(0, WithLowmem(true))
	enc, err := Compress(compressible(1000), storetype.CompressionFrameBlock)
	require.NoError(t, err)

	for range 3 {
		dec, release, err := p.Get()
		require.NoError(t, err)
		out, err := dec.DecodeAll(enc, nil)
		require.NoError(t, err)
		assert.Equal(t, compressible(1000), out)
		release()
	}
}
