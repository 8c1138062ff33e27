package world

import "math/bits"

// Bitmap is a fixed-size bit set indexed by chunk index.
type Bitmap struct {
	words []uint64
	n     int
	count int
}

// NewBitmap creates a bitmap of n bits, all clear.
func NewBitmap(n int) *Bitmap {
	return &Bitmap{words: make([]uint64, (n+63)/64), n: n}
}

// Len returns the number of bits.
func (b *Bitmap) Len() int { return b.n }

// Count returns the number of set bits.
func (b *Bitmap) Count() int { return b.count }

// Test reports whether bit i is set.
func (b *Bitmap) Test(i int) bool {
	return b.words[i/64]&(1<<(uint(i)%64)) != 0
}

// Set sets bit i.
func (b *Bitmap) Set(i int) {
	if !b.Test(i) {
		b.words[i/64] |= 1 << (uint(i) % 64)
		b.count++
	}
}

// Clear clears bit i.
func (b *Bitmap) Clear(i int) {
	if b.Test(i) {
		b.words[i/64] &^= 1 << (uint(i) % 64)
		b.count--
	}
}

// Reset clears every bit.
func (b *Bitmap) Reset() {
	clear(b.words)
	b.count = 0
}

// Indices returns the set bits in ascending order.
func (b *Bitmap) Indices() []int {
	out := make([]int, 0, b.count)
	for wi, w := range b.words {
		for w != 0 {
			tz := bits.TrailingZeros64(w)
			out = append(out, wi*64+tz)
			w &= w - 1
		}
	}
	return out
}
