package storetype

import "fmt"

// Compression identifies the codec used for a section or chunk record.
// Values are stored on disk as uint32 and must not change.
type Compression uint32

const (
	CompressionNone Compression = iota
	CompressionFastBlock
	CompressionFrameBlock

	// CompressionDefault is never written to disk. Writers replace it with
	// the archive-level compression.
	CompressionDefault Compression = 0xFFFFFFFF
)

// String returns the human-readable name of the compression algorithm.
func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionFastBlock:
		return "fast"
	case CompressionFrameBlock:
		return "frame"
	case CompressionDefault:
		return "default"
	default:
		return fmt.Sprintf("unknown(%d)", uint32(c))
	}
}

// Valid reports whether c may appear on disk.
func (c Compression) Valid() bool {
	return c <= CompressionFrameBlock
}

// ParseCompression parses the names produced by String. "lz4" and "zstd"
// are accepted as aliases.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "none", "":
		return CompressionNone, nil
	case "fast", "lz4":
		return CompressionFastBlock, nil
	case "frame", "zstd":
		return CompressionFrameBlock, nil
	default:
		return 0, fmt.Errorf("%w: unknown compression %q", ErrInvalidFormat, name)
	}
}
