package codec

import (
	"sync"

	"github.com/klauspost/compress/zstd"
)

// DecoderPool manages reusable zstd decoders.
type DecoderPool struct {
	pool             *sync.Pool
	maxDecoderMemory uint64
	lowmem           bool
}

// PoolOption configures a DecoderPool.
type PoolOption func(*DecoderPool)

// WithLowmem enables low-memory mode for pooled decoders.
func WithLowmem(b bool) PoolOption {
	return func(p *DecoderPool) {
		p.lowmem = b
	}
}

// NewDecoderPool creates a pool of decoders. A maxMemory of 0 leaves
// decoder memory unlimited.
func NewDecoderPool(maxMemory uint64, opts ...PoolOption) *DecoderPool {
	p := &DecoderPool{maxDecoderMemory: maxMemory}
	for _, opt := range opts {
		opt(p)
	}
	p.pool = &sync.Pool{
		New: func() any {
			dec, err := p.newDecoder()
			if err != nil {
				return nil
			}
			return dec
		},
	}
	return p
}

var defaultPool = NewDecoderPool(1 << 30)

// Get returns a decoder and the function that hands it back to the pool.
// No release function needs to be called when an error is returned.
func (p *DecoderPool) Get() (*zstd.Decoder, func(), error) {
	if p == nil || p.pool == nil {
		dec, err := p.newDecoder()
		if err != nil {
			return nil, nil, err
		}
		return dec, dec.Close, nil
	}

	dec, ok := p.pool.Get().(*zstd.Decoder)
	if !ok || dec == nil {
		fresh, err := p.newDecoder()
		if err != nil {
			return nil, nil, err
		}
		return fresh, fresh.Close, nil
	}
	return dec, func() { p.pool.Put(dec) }, nil
}

func (p *DecoderPool) newDecoder() (*zstd.Decoder, error) {
	opts := []zstd.DOption{zstd.WithDecoderConcurrency(1)}
	if p != nil {
		opts = append(opts, zstd.WithDecoderLowmem(p.lowmem))
		if p.maxDecoderMemory != 0 {
			opts = append(opts, zstd.WithDecoderMaxMemory(p.maxDecoderMemory))
		}
	}
	return zstd.NewReader(nil, opts...)
}
