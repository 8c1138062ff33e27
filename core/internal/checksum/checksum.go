// Package checksum computes the CRC-32 (IEEE) checksums used by every
// on-disk structure, and provides readers and writers that count and
// checksum the bytes passing through them.
package checksum

import (
	"errors"
	"hash"
	"hash/crc32"
	"io"
)

// ErrOverflow indicates a byte counter exceeded its maximum value.
var ErrOverflow = errors.New("counter overflow")

// CRC32 returns the IEEE CRC-32 of b (polynomial 0xEDB88320, init
// 0xFFFFFFFF, final inversion).
func CRC32(b []byte) uint32 {
	return crc32.ChecksumIEEE(b)
}

// Update extends a running CRC-32 with b.
func Update(crc uint32, b []byte) uint32 {
	return crc32.Update(crc, crc32.IEEETable, b)
}

// New returns a streaming CRC-32 hasher.
func New() hash.Hash32 {
	return crc32.NewIEEE()
}

// Reader wraps a reader, counting and checksumming the bytes read.
type Reader struct {
	R   io.Reader
	N   uint64
	CRC uint32
}

// Read implements io.Reader.
func (cr *Reader) Read(p []byte) (int, error) {
	n, err := cr.R.Read(p)
	if n > 0 {
		//nolint:gosec // n is guaranteed non-negative by io.Reader contract
		if cr.N > ^uint64(0)-uint64(n) {
			return n, ErrOverflow
		}
		cr.N += uint64(n) //nolint:gosec // overflow checked above
		cr.CRC = Update(cr.CRC, p[:n])
	}
	return n, err
}

// Writer wraps a writer, counting and checksumming the bytes written.
type Writer struct {
	W   io.Writer
	N   uint64
	CRC uint32
}

// Write implements io.Writer.
func (cw *Writer) Write(p []byte) (int, error) {
	n, err := cw.W.Write(p)
	if n > 0 {
		//nolint:gosec // n is guaranteed non-negative by io.Writer contract
		if cw.N > ^uint64(0)-uint64(n) {
			return n, ErrOverflow
		}
		cw.N += uint64(n) //nolint:gosec // overflow checked above
		cw.CRC = Update(cw.CRC, p[:n])
	}
	return n, err
}

// Masked computes the CRC-32 of everything r yields, treating the bytes in
// [maskOff, maskOff+maskLen) as zero. Save archives store their own
// checksum inside the region they cover; masking that field makes the
// checksum well defined.
func Masked(r io.Reader, maskOff, maskLen int64) (crc uint32, n int64, err error) {
	buf := make([]byte, 32*1024)
	var pos int64
	for {
		m, rerr := r.Read(buf)
		if m > 0 {
			chunk := buf[:m]
			start, end := maskOff-pos, maskOff+maskLen-pos
			if end > 0 && start < int64(m) {
				lo := max(start, 0)
				hi := min(end, int64(m))
				clear(chunk[lo:hi])
			}
			crc = Update(crc, chunk)
			pos += int64(m)
		}
		if rerr == io.EOF {
			return crc, pos, nil
		}
		if rerr != nil {
			return crc, pos, rerr
		}
	}
}
