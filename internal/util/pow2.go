package util

// NextPow2 returns the smallest power of two >= x.
// Special cases:
//   - x == 0  -> 1
//   - if the exact next power would overflow 64 bits, the result is clamped to 1<<63
func NextPow2(x uint64) uint64 {
	if x <= 1 {
		return 1
	}
	x--
	x |= x >> 1
	x |= x >> 2
	x |= x >> 4
	x |= x >> 8
	x |= x >> 16
	x |= x >> 32
	x++
	if x == 0 {
		return 1 << 63
	}
	return x
}

// GrowSize returns the buffer size to allocate so that need bytes fit.
// The result is need rounded up to a power of two (minimum floor), clamped to
// limit when limit > 0. Callers check need <= limit before growing.
func GrowSize(need, floor, limit int64) int64 {
	if need < floor {
		need = floor
	}
	n := int64(NextPow2(uint64(need)))
	if n < need { // clamped at 1<<63
		n = need
	}
	if limit > 0 && n > limit {
		n = limit
	}
	return n
}
