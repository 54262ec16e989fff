package cache

import "time"

// DefaultWaitTimeout bounds WaitFor when neither the call nor Options sets one.
const DefaultWaitTimeout = 500 * time.Millisecond

// DefaultExternalTimeout bounds each call into the external tier.
const DefaultExternalTimeout = 2 * time.Second

// ExternalEvent labels an interaction with the external tier.
type ExternalEvent int

const (
	// ExternalHit: Get returned an artifact that was stored locally.
	ExternalHit ExternalEvent = iota
	// ExternalMiss: Get reported no artifact.
	ExternalMiss
	// ExternalError: Get or Put failed (advisory).
	ExternalError
	// ExternalStored: an asynchronous Put completed.
	ExternalStored
	// ExternalDropped: a Put was skipped because all forward slots were busy
	// or the cache was closed.
	ExternalDropped
)

// ImageEvent labels the outcome of loading or flushing a persisted image.
type ImageEvent int

const (
	ImageLoaded ImageEvent = iota
	ImageMissing
	ImageIncompatible
	ImageCorrupt
	ImageFlushed
	ImageFlushFailed
)

// Metrics exposes cache-level observability hooks.
// A NoopMetrics implementation is provided and used by default.
type Metrics interface {
	Hit()
	Miss()
	// Admit is called when a caller is granted the producer role.
	Admit()
	// Wait reports how a WaitFor call ended.
	Wait(outcome Status)
	External(ev ExternalEvent)
	Image(ev ImageEvent)
	Size(entries int, bytes int64)
}

// Options configures a Cache. Zero values are safe; defaults are applied in New():
//   - WaitTimeout <= 0     => DefaultWaitTimeout
//   - nil External         => NoopTier
//   - ExternalTimeout <= 0 => DefaultExternalTimeout
//   - MaxForwards <= 0     => util.ReasonableWorkers()
//   - nil Metrics          => NoopMetrics
type Options struct {
	// MaxArenaBytes caps the artifact arena (0 = unlimited). Inserts that do
	// not fit fail with ErrCapacity.
	MaxArenaBytes int64

	// WaitTimeout is the default bound for WaitFor.
	WaitTimeout time.Duration

	// External is consulted on a miss before admitting a producer, and
	// receives successful inserts asynchronously.
	External        ExternalTier
	ExternalTimeout time.Duration
	// MaxForwards limits concurrent asynchronous Puts; extra ones are dropped.
	MaxForwards int

	// Disabled turns the cache into a no-op: Find always reports
	// StatusUnavailable and nothing is stored.
	Disabled bool

	Metrics Metrics
}
