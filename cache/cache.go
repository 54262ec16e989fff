package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/containerd/log"
	"golang.org/x/sync/errgroup"

	"github.com/IvanBrykalov/shadercache/internal/util"
)

// Cache is one compiled-artifact cache instance: a map from content hash to
// entry, an append-only arena holding the artifacts, and an optional external
// tier. All methods are safe for concurrent use by multiple goroutines.
//
// The mutex is held only for map and arena mutation. Producing an artifact,
// checksumming it, and talking to the external tier all happen unlocked.
type Cache struct {
	// ---- guarded by mu ----
	mu      sync.Mutex
	entries map[ContentHash]*entry
	order   []*entry // Ready entries in arena order
	arena   arena
	gen     uint64 // bumped by Reset; handles from older generations are stale
	version uint64 // bumped whenever the set of Ready entries changes
	closed  bool

	opt Options

	// forwards runs asynchronous Puts to the external tier.
	forwards errgroup.Group

	// ---- hot counters (separate cache lines to avoid false sharing) ----
	_        util.CacheLinePad
	hits     util.PaddedAtomicInt64
	misses   util.PaddedAtomicInt64
	inserts  util.PaddedAtomicUint64
	timeouts util.PaddedAtomicUint64
}

// New constructs an empty cache with the provided Options.
func New(opt Options) *Cache {
	if opt.WaitTimeout <= 0 {
		opt.WaitTimeout = DefaultWaitTimeout
	}
	if opt.External == nil {
		opt.External = NoopTier{}
	}
	if opt.ExternalTimeout <= 0 {
		opt.ExternalTimeout = DefaultExternalTimeout
	}
	if opt.MaxForwards <= 0 {
		opt.MaxForwards = util.ReasonableWorkers()
	}
	if opt.Metrics == nil {
		opt.Metrics = NoopMetrics{}
	}
	c := &Cache{
		entries: make(map[ContentHash]*entry),
		arena:   newArena(opt.MaxArenaBytes),
		opt:     opt,
	}
	c.forwards.SetLimit(opt.MaxForwards)
	return c
}

// Find looks key up. On a never-seen key the caller is admitted as producer:
// the entry becomes Compiling and the result carries a Handle that must be
// resolved with Insert or Abandon. Exactly one caller observes StatusNew for a
// key; concurrent callers observe StatusCompiling.
//
// If an external tier is configured, it is asked after admission (so other
// callers already wait on this one) and before StatusNew is returned.
func (c *Cache) Find(ctx context.Context, key ContentHash) Result {
	if c.opt.Disabled {
		c.miss()
		return Result{Status: StatusUnavailable}
	}

	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		r := c.resultLocked(e)
		c.mu.Unlock()
		if r.Status == StatusReady {
			c.hit()
		} else {
			c.miss()
		}
		return r
	}
	if c.closed {
		c.mu.Unlock()
		c.miss()
		return Result{Status: StatusUnavailable}
	}
	e := newEntry(key, c.gen)
	c.entries[key] = e
	h := &Handle{c: c, e: e, gen: c.gen}
	c.mu.Unlock()

	c.miss()
	if r, ok := c.fetchExternal(ctx, h); ok {
		return r
	}
	c.opt.Metrics.Admit()
	log.G(ctx).WithField("key", key).Debug("shadercache: producer admitted")
	return Result{Status: StatusNew, Handle: h}
}

// Insert stores artifact for the handle's key and wakes every waiter.
// The bytes are copied; the caller keeps ownership of artifact.
//
// On failure the entry is left Unavailable and waiters are woken:
//   - ErrStaleHandle: the cache was reset after the handle was issued;
//   - ErrCapacity: the arena cannot hold the artifact.
//
// Resolving the same handle twice returns ErrHandleResolved and leaves the
// entry as it was.
func (c *Cache) Insert(h *Handle, artifact []byte) error {
	return c.insert(h, artifact, true)
}

// insert stores artifact under mu. With forward set, the artifact is also
// handed to the external tier; that happens under mu so it cannot race Close.
func (c *Cache) insert(h *Handle, artifact []byte, forward bool) error {
	if h == nil || h.c != c {
		return ErrInvalidHandle
	}
	sum := util.Checksum(artifact)

	c.mu.Lock()
	defer c.mu.Unlock()

	e := h.e
	if h.gen != c.gen {
		// Reset already resolved the entry; it is no longer in the map.
		e.resolve(StateUnavailable)
		return fmt.Errorf("insert %s: %w", e.hdr.Key, ErrStaleHandle)
	}
	if e.state != StateCompiling {
		return fmt.Errorf("insert %s: %w", e.hdr.Key, ErrHandleResolved)
	}
	off, err := c.arena.append(artifact)
	if err != nil {
		e.resolve(StateUnavailable)
		return fmt.Errorf("insert %s: %w", e.hdr.Key, err)
	}
	e.hdr.Checksum = sum
	e.hdr.Size = uint64(len(artifact))
	e.off = off
	c.order = append(c.order, e)
	e.resolve(StateReady)
	c.version++
	c.inserts.Add(1)
	c.opt.Metrics.Size(len(c.order), c.arena.len())
	if forward {
		c.forwardLocked(e.hdr.Key, artifact)
	}
	return nil
}

// Abandon resolves the handle without an artifact (e.g. compilation failed).
// The entry becomes Unavailable and waiters are woken with failure.
// Calling it on an already resolved handle is a no-op.
func (c *Cache) Abandon(h *Handle) {
	if h == nil || h.c != c {
		return
	}
	c.mu.Lock()
	h.e.resolve(StateUnavailable)
	c.mu.Unlock()
}

// WaitFor blocks until the entry for key leaves Compiling, timeout elapses
// (timeout <= 0 selects Options.WaitTimeout) or ctx is done.
//
// A timeout does not touch the entry: the producer may still resolve it, and
// later Finds will see that result. The timed-out caller is expected to
// compile on its own without publishing into the cache.
func (c *Cache) WaitFor(ctx context.Context, key ContentHash, timeout time.Duration) Result {
	if timeout <= 0 {
		timeout = c.opt.WaitTimeout
	}

	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		c.opt.Metrics.Wait(StatusUnavailable)
		return Result{Status: StatusUnavailable}
	}
	if e.state != StateCompiling {
		r := c.resultLocked(e)
		c.mu.Unlock()
		c.opt.Metrics.Wait(r.Status)
		return r
	}
	done := e.done
	c.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var r Result
	select {
	case <-done:
		c.mu.Lock()
		r = c.resultLocked(e)
		c.mu.Unlock()
	case <-timer.C:
		c.timeouts.Add(1)
		r = Result{Status: StatusTimedOut, Err: fmt.Errorf("wait %s after %v: %w", key, timeout, ErrTimeout)}
		log.G(ctx).WithField("key", key).WithField("timeout", timeout).Debug("shadercache: wait timed out")
	case <-ctx.Done():
		r = Result{Status: StatusTimedOut, Err: ctx.Err()}
	}
	c.opt.Metrics.Wait(r.Status)
	return r
}

// Reset drops every entry and the arena, starting a new generation.
// Compiling entries are resolved Unavailable (their waiters wake), and their
// handles become stale: a later Insert fails with ErrStaleHandle.
// Artifacts returned before the reset remain valid.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, e := range c.entries {
		e.resolve(StateUnavailable)
	}
	c.gen++
	c.version++
	c.entries = make(map[ContentHash]*entry)
	c.order = nil
	c.arena.reset()
	c.opt.Metrics.Size(0, 0)
}

// Merge copies Ready entries of each src that are absent in c.
// Entries in other states are skipped. It returns the number of entries
// added; on ErrCapacity the entries merged so far are kept.
func (c *Cache) Merge(src ...*Cache) (int, error) {
	merged := 0
	for _, s := range src {
		if s == nil || s == c {
			continue
		}
		hdrs, blobs := s.snapshot()
		c.mu.Lock()
		n, err := c.mergeLocked(hdrs, blobs)
		merged += n
		c.mu.Unlock()
		if err != nil {
			return merged, err
		}
	}
	return merged, nil
}

func (c *Cache) mergeLocked(hdrs []EntryHeader, blobs [][]byte) (merged int, err error) {
	defer func() {
		if merged > 0 {
			c.version++
			c.opt.Metrics.Size(len(c.order), c.arena.len())
		}
	}()
	for i, hdr := range hdrs {
		if _, ok := c.entries[hdr.Key]; ok {
			continue
		}
		off, err := c.arena.append(blobs[i])
		if err != nil {
			return merged, fmt.Errorf("merge %s: %w", hdr.Key, err)
		}
		e := newReadyEntry(hdr, off, c.gen)
		c.entries[hdr.Key] = e
		c.order = append(c.order, e)
		merged++
	}
	return merged, nil
}

// Version returns a counter that changes whenever the set of Ready entries
// changes (Insert, Merge, Reset). Persisting layers compare it to decide
// whether an image is out of date.
func (c *Cache) Version() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// Len returns the number of entries in any state.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats is a point-in-time summary of a cache.
type Stats struct {
	Entries     int
	Ready       int
	Compiling   int
	Unavailable int
	ArenaBytes  int64
	Hits        int64
	Misses      int64
	// Inserts counts successful producer inserts (not restored or merged entries).
	Inserts  uint64
	Timeouts uint64
}

// Stats returns current counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	st := Stats{Entries: len(c.entries), ArenaBytes: c.arena.len()}
	for _, e := range c.entries {
		switch e.state {
		case StateReady:
			st.Ready++
		case StateCompiling:
			st.Compiling++
		case StateUnavailable:
			st.Unavailable++
		}
	}
	c.mu.Unlock()
	st.Hits = c.hits.Load()
	st.Misses = c.misses.Load()
	st.Inserts = c.inserts.Load()
	st.Timeouts = c.timeouts.Load()
	return st
}

// Close stops admitting producers and waits for pending external forwards.
// Ready entries stay readable; new keys report StatusUnavailable. Producers
// admitted earlier may still Insert, but their artifacts are no longer
// forwarded, so the external tier is not used once Close returns.
func (c *Cache) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return c.forwards.Wait()
}

// ---- helpers ----

// resultLocked maps an entry to a Result. mu must be held.
func (c *Cache) resultLocked(e *entry) Result {
	switch e.state {
	case StateReady:
		return Result{Status: StatusReady, Artifact: c.arena.view(e.off, e.hdr.Size)}
	case StateCompiling:
		return Result{Status: StatusCompiling}
	default:
		return Result{Status: StatusUnavailable}
	}
}

// snapshot returns the headers and artifact views of all Ready entries in
// arena order. Views stay valid after mu is released.
func (c *Cache) snapshot() ([]EntryHeader, [][]byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	hdrs := make([]EntryHeader, len(c.order))
	blobs := make([][]byte, len(c.order))
	for i, e := range c.order {
		hdrs[i] = e.hdr
		blobs[i] = c.arena.view(e.off, e.hdr.Size)
	}
	return hdrs, blobs
}

func (c *Cache) hit() {
	c.hits.Add(1)
	c.opt.Metrics.Hit()
}

func (c *Cache) miss() {
	c.misses.Add(1)
	c.opt.Metrics.Miss()
}
