package world

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/meigma/worldstore/core/internal/checksum"
	"github.com/meigma/worldstore/core/internal/codec"
	"github.com/meigma/worldstore/core/internal/format"
	"github.com/meigma/worldstore/core/internal/sizing"
	"github.com/meigma/worldstore/core/internal/storetype"
)

// encodedChunk is a compressed chunk record ready to be written.
type encodedChunk struct {
	entry   format.ChunkEntry
	payload []byte
}

// encodeChunk serializes and compresses ch. Records the codec cannot
// shrink are stored raw.
func encodeChunk(ch *Chunk, c storetype.Compression) (encodedChunk, error) {
	raw := ch.encode()
	payload, err := codec.Compress(raw, c)
	if errors.Is(err, codec.ErrIncompressible) {
		c, payload, err = storetype.CompressionNone, raw, nil
	}
	if err != nil {
		return encodedChunk{}, fmt.Errorf("chunk %s: %w", ch.coord, err)
	}
	uncompressed, err := sizing.ToUint32(len(raw), storetype.ErrBufferFull)
	if err != nil {
		return encodedChunk{}, err
	}
	compressed, err := sizing.ToUint32(len(payload), storetype.ErrBufferFull)
	if err != nil {
		return encodedChunk{}, err
	}
	return encodedChunk{
		entry: format.ChunkEntry{
			X:            uint32(ch.coord.X), //nolint:gosec // grid coordinates are small
			Y:            uint32(ch.coord.Y), //nolint:gosec // grid coordinates are small
			Uncompressed: uncompressed,
			Compressed:   compressed,
			CRC:          checksum.CRC32(raw),
			Compression:  c,
		},
		payload: payload,
	}, nil
}

// readRecord reads the stored bytes of one chunk record.
func readRecord(loc *location) ([]byte, error) {
	f, err := os.Open(loc.path)
	if err != nil {
		return nil, storetype.ClassifyIOError(err)
	}
	defer f.Close()

	buf := make([]byte, loc.compressed)
	n, err := f.ReadAt(buf, int64(loc.offset)) //nolint:gosec // offsets come from a parsed table
	if n < len(buf) {
		if err == nil || errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: record at %d truncated", storetype.ErrInvalidFormat, loc.offset)
		}
		return nil, storetype.ClassifyIOError(err)
	}
	return buf, nil
}

// chunkFromRecord decompresses and checks a stored record.
func chunkFromRecord(c Coord, size int, stored []byte, loc *location) (*Chunk, error) {
	raw, err := codec.Decompress(stored, loc.compression, int(loc.uncompressed))
	if err != nil {
		return nil, err
	}
	if got := checksum.CRC32(raw); got != loc.crc {
		return nil, fmt.Errorf("%w: chunk %s crc %08x, want %08x", storetype.ErrChecksumMismatch, c, got, loc.crc)
	}
	layers, err := decodeLayers(size, raw)
	if err != nil {
		return nil, err
	}
	return &Chunk{coord: c, layers: layers}, nil
}

// locationOf converts a table entry whose offset is absolute.
func locationOf(path string, e format.ChunkEntry) *location {
	return &location{
		path:         path,
		offset:       e.Offset,
		compressed:   e.Compressed,
		uncompressed: e.Uncompressed,
		crc:          e.CRC,
		compression:  e.Compression,
	}
}
