// Package codec implements the block compressors used by save archives,
// world chunk records and asset payloads.
//
// FastBlock is an LZ4 block (no framing, the caller records both sizes).
// FrameBlock is a self-describing zstd frame whose first four bytes are
// the zstd magic number; decompression checks the magic before decoding.
package codec

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/meigma/worldstore/core/internal/storetype"
)

// ErrIncompressible reports that FastBlock output would not be smaller
// than its input. Writers store such payloads with CompressionNone.
var ErrIncompressible = errors.New("codec: incompressible input")

// FrameMagic is the leading magic number of every FrameBlock payload.
var FrameMagic = []byte{0x28, 0xB5, 0x2F, 0xFD}

var frameEncoder *zstd.Encoder

func init() {
	var err error
	frameEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		panic("codec: zstd encoder initialization failed: " + err.Error())
	}
}

// Bound returns the destination capacity CompressInto needs for n input
// bytes under compression c.
func Bound(n int, c storetype.Compression) int {
	switch c {
	case storetype.CompressionFastBlock:
		return lz4.CompressBlockBound(n)
	case storetype.CompressionFrameBlock:
		return frameBound(n)
	default:
		return n
	}
}

// frameBound mirrors ZSTD_COMPRESSBOUND plus room for the frame header
// and content checksum.
func frameBound(n int) int {
	const blockMax = 128 << 10
	bound := n + n>>8 + 32
	if n < blockMax {
		bound += (blockMax - n) >> 11
	}
	return bound
}

// Compress compresses src with c into a newly allocated slice.
// CompressionNone returns src itself.
func Compress(src []byte, c storetype.Compression) ([]byte, error) {
	switch c {
	case storetype.CompressionNone:
		return src, nil
	case storetype.CompressionFastBlock, storetype.CompressionFrameBlock:
		dst := make([]byte, Bound(len(src), c))
		n, err := CompressInto(dst, src, c)
		if err != nil {
			return nil, err
		}
		return dst[:n], nil
	default:
		return nil, fmt.Errorf("%w: compression %s", storetype.ErrInvalidFormat, c)
	}
}

// CompressInto compresses src into dst and returns the number of bytes
// written. It returns ErrBufferTooSmall when dst cannot hold the worst
// case output for c.
func CompressInto(dst, src []byte, c storetype.Compression) (int, error) {
	if len(dst) < Bound(len(src), c) {
		return 0, fmt.Errorf("%w: need %d bytes, have %d", storetype.ErrBufferTooSmall, Bound(len(src), c), len(dst))
	}
	switch c {
	case storetype.CompressionNone:
		return copy(dst, src), nil

	case storetype.CompressionFastBlock:
		if len(src) == 0 {
			return 0, ErrIncompressible
		}
		n, err := lz4.CompressBlock(src, dst, nil)
		if err != nil {
			return 0, fmt.Errorf("%w: lz4: %w", storetype.ErrCompressionFailure, err)
		}
		// CompressBlock reports 0 for input it cannot shrink.
		if n == 0 || n >= len(src) {
			return 0, ErrIncompressible
		}
		return n, nil

	case storetype.CompressionFrameBlock:
		out := frameEncoder.EncodeAll(src, dst[:0])
		if len(out) > len(dst) {
			return 0, fmt.Errorf("%w: frame grew to %d bytes", storetype.ErrBufferTooSmall, len(out))
		}
		if len(out) > 0 && &out[0] != &dst[0] {
			copy(dst, out)
		}
		return len(out), nil

	default:
		return 0, fmt.Errorf("%w: compression %s", storetype.ErrInvalidFormat, c)
	}
}

// Decompress decodes src, which must expand to exactly size bytes.
func Decompress(src []byte, c storetype.Compression, size int) ([]byte, error) {
	dst := make([]byte, size)
	n, err := DecompressInto(dst, src, c)
	if err != nil {
		return nil, err
	}
	if n != size {
		return nil, fmt.Errorf("%w: decoded %d bytes, expected %d", storetype.ErrInvalidFormat, n, size)
	}
	return dst, nil
}

// DecompressInto decodes src into dst and returns the number of bytes
// written. A destination shorter than the decoded payload yields
// ErrBufferTooSmall for None and FrameBlock; LZ4 blocks carry no length,
// so a short destination and a corrupt block both surface as
// ErrInvalidFormat.
func DecompressInto(dst, src []byte, c storetype.Compression) (int, error) {
	switch c {
	case storetype.CompressionNone:
		if len(dst) < len(src) {
			return 0, fmt.Errorf("%w: need %d bytes, have %d", storetype.ErrBufferTooSmall, len(src), len(dst))
		}
		return copy(dst, src), nil

	case storetype.CompressionFastBlock:
		if len(src) == 0 {
			return 0, nil
		}
		n, err := lz4.UncompressBlock(src, dst)
		if err != nil {
			return 0, fmt.Errorf("%w: lz4: %w", storetype.ErrInvalidFormat, err)
		}
		return n, nil

	case storetype.CompressionFrameBlock:
		return decodeFrame(dst, src)

	default:
		return 0, fmt.Errorf("%w: compression %s", storetype.ErrInvalidFormat, c)
	}
}

func decodeFrame(dst, src []byte) (int, error) {
	if !bytes.HasPrefix(src, FrameMagic) {
		return 0, fmt.Errorf("%w: missing frame magic", storetype.ErrInvalidFormat)
	}

	var hdr zstd.Header
	if err := hdr.Decode(src); err == nil && hdr.HasFCS && hdr.FrameContentSize > uint64(len(dst)) {
		return 0, fmt.Errorf("%w: frame holds %d bytes, have %d", storetype.ErrBufferTooSmall, hdr.FrameContentSize, len(dst))
	}

	dec, release, err := defaultPool.Get()
	if err != nil {
		return 0, fmt.Errorf("%w: zstd decoder: %w", storetype.ErrOutOfMemory, err)
	}
	defer release()

	out, err := dec.DecodeAll(src, dst[:0])
	if err != nil {
		return 0, fmt.Errorf("%w: zstd: %w", storetype.ErrInvalidFormat, err)
	}
	if len(out) > len(dst) {
		return 0, fmt.Errorf("%w: frame holds %d bytes, have %d", storetype.ErrBufferTooSmall, len(out), len(dst))
	}
	if len(out) > 0 && &out[0] != &dst[0] {
		copy(dst, out)
	}
	return len(out), nil
}
