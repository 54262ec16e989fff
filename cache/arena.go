package cache

import (
	"fmt"

	"github.com/IvanBrykalov/shadercache/internal/util"
)

// minArenaChunk is the smallest buffer the arena allocates.
const minArenaChunk = 64 << 10

// arena is an append-only byte store addressed by (offset, length).
//
// Invariant: a range handed out by view is never overwritten or moved.
// Growth copies into a new buffer and leaves the old one untouched, so views
// taken before the growth keep pointing at identical, immutable bytes.
// Guarded by the owning cache's mu.
type arena struct {
	buf   []byte
	limit int64 // 0 = unlimited
}

func newArena(limit int64) arena { return arena{limit: limit} }

// seed installs b (owned by the arena from now on) as the initial contents.
func (a *arena) seed(b []byte) error {
	if a.limit > 0 && int64(len(b)) > a.limit {
		return fmt.Errorf("seed %d bytes over limit %d: %w", len(b), a.limit, ErrCapacity)
	}
	a.buf = b[:len(b):len(b)]
	return nil
}

// append copies p to the end of the arena and returns its offset.
func (a *arena) append(p []byte) (int64, error) {
	off := int64(len(a.buf))
	need := off + int64(len(p))
	if a.limit > 0 && need > a.limit {
		return 0, fmt.Errorf("append %d bytes at %d over limit %d: %w", len(p), off, a.limit, ErrCapacity)
	}
	if need > int64(cap(a.buf)) {
		nb := make([]byte, len(a.buf), util.GrowSize(need, minArenaChunk, a.limit))
		copy(nb, a.buf)
		a.buf = nb
	}
	a.buf = append(a.buf, p...)
	return off, nil
}

// view returns the stored range [off, off+n). The result is capacity-limited
// so an append through it cannot reach neighbouring artifacts.
func (a *arena) view(off int64, n uint64) []byte {
	end := off + int64(n)
	return a.buf[off:end:end]
}

// bytes returns the whole written region, capacity-limited.
func (a *arena) bytes() []byte { return a.buf[:len(a.buf):len(a.buf)] }

func (a *arena) len() int64 { return int64(len(a.buf)) }

// reset drops the buffer. The old one is left to the GC rather than reused,
// since previously returned views may still reference it.
func (a *arena) reset() { a.buf = nil }
