package fs

import "math/bits"

// bitmap is the in-memory mirror of an on-disk free bitmap. Bit i set
// means item i is free; bits are LSB-first within each byte, matching
// the little-endian on-disk layout. The backing slice aliases whole
// blocks so it can be flushed as-is.
type bitmap struct {
	b []byte
	n uint32 // tracked items; trailing pad bits stay zero (never free)
}

func newBitmap(b []byte, n uint32) *bitmap {
	return &bitmap{b: b, n: n}
}

func (m *bitmap) test(i uint32) bool {
	return m.b[i/8]&(1<<(i%8)) != 0
}

func (m *bitmap) set(i uint32) {
	m.b[i/8] |= 1 << (i % 8)
}

func (m *bitmap) clear(i uint32) {
	m.b[i/8] &^= 1 << (i % 8)
}

// allocLowest finds the lowest set bit, clears it, and returns its
// index. Returns false when nothing is free.
func (m *bitmap) allocLowest() (uint32, bool) {
	for i, by := range m.b {
		if by == 0 {
			continue
		}
		idx := uint32(i)*8 + uint32(bits.TrailingZeros8(by))
		if idx >= m.n {
			return 0, false
		}
		m.clear(idx)
		return idx, true
	}
	return 0, false
}

// countFree is used by accounting reconciliation.
func (m *bitmap) countFree() uint32 {
	var c int
	for _, by := range m.b {
		c += bits.OnesCount8(by)
	}
	return uint32(c)
}
