// Package cache implements a compiled-artifact cache for a shader/pipeline
// compilation backend. Given a content hash identifying a compilation unit it
// returns a previously produced artifact, or admits exactly one caller to
// produce it while the others wait.
//
// Design
//
//   - Admission: Find on a never-seen key creates a Compiling entry and hands
//     the caller a Handle. Exactly one caller observes StatusNew; the check and
//     insert happen in one critical section. The producer resolves the handle
//     with Insert (Ready) or Abandon (Unavailable). Ready and Unavailable are
//     terminal for the lifetime of the instance.
//
//   - Waiting: callers that observe StatusCompiling call WaitFor, which blocks
//     on the entry's done channel bounded by a timeout. A timeout leaves the
//     entry alone; the waiter compiles privately and does not publish.
//
//   - Storage: artifacts live in an append-only arena addressed by
//     (offset, length). Returned artifacts alias the arena and are never
//     overwritten or moved. Options.MaxArenaBytes bounds it; an Insert that
//     does not fit fails with ErrCapacity.
//
//   - Integrity: every entry carries a CRC-64 checksum of its bytes. Images
//     written by Serialize are validated by Deserialize (header size, build
//     id, structure, every checksum) and rejected as a whole on any failure.
//
//   - External tier: Options.External is asked on a miss (after admission, so
//     other callers wait on the admitted one) and receives successful inserts
//     asynchronously. Its failures are logged and counted, never returned.
//
//   - Metrics: Options.Metrics receives Hit/Miss/Admit/Wait/External/Image/Size
//     signals. By default NoopMetrics is used; see package metrics/prom.
//
// Basic usage
//
//	c := cache.New(cache.Options{})
//	r := c.Find(ctx, key)
//	switch r.Status {
//	case cache.StatusReady:
//	    use(r.Artifact)
//	case cache.StatusNew:
//	    bin, err := compile()
//	    if err != nil {
//	        c.Abandon(r.Handle)
//	        return err
//	    }
//	    if err := c.Insert(r.Handle, bin); err != nil {
//	        // not cached (capacity or reset); bin is still usable
//	    }
//	case cache.StatusCompiling:
//	    r = c.WaitFor(ctx, key, 0)
//	    // StatusReady: use it; otherwise compile without publishing
//	case cache.StatusUnavailable:
//	    // compile without caching
//	}
//
// Persistence
//
//	img, _ := c.Serialize(id)
//	c2, err := cache.Deserialize(img, id, cache.Options{})
//
// Most programs obtain caches through package manager, which keys instances
// by configuration, reference-counts them and handles on-disk images.
package cache
