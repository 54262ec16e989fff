package cache

import (
	"context"
	"fmt"

	"github.com/containerd/errdefs"
)

// Error taxonomy. Each sentinel wraps a containerd/errdefs class, so callers
// may test with errors.Is against either the sentinel or the class helpers
// (errdefs.IsDataLoss, errdefs.IsResourceExhausted, ...).
var (
	// ErrCorrupt: a persisted entry failed its checksum or the image is
	// structurally malformed. The whole image is discarded.
	ErrCorrupt = fmt.Errorf("cache: corrupt image: %w", errdefs.ErrDataLoss)

	// ErrIncompatible: the image header size or build id does not match the
	// running binary. Treated the same as a missing image.
	ErrIncompatible = fmt.Errorf("cache: incompatible image: %w", errdefs.ErrFailedPrecondition)

	// ErrCapacity: the arena cannot hold the artifact. The entry becomes
	// Unavailable and the caller compiles without caching.
	ErrCapacity = fmt.Errorf("cache: arena capacity exceeded: %w", errdefs.ErrResourceExhausted)

	// ErrTimeout is attached to StatusTimedOut results from WaitFor.
	// errdefs.IsDeadlineExceeded reports true for it.
	ErrTimeout = fmt.Errorf("cache: wait timed out: %w", context.DeadlineExceeded)

	// ErrExternal marks external tier failures. Advisory only: it is logged
	// and counted, never returned from Find or Insert.
	ErrExternal = fmt.Errorf("cache: external tier: %w", errdefs.ErrUnavailable)

	// ErrStaleHandle: the cache was reset after the handle was issued.
	ErrStaleHandle = fmt.Errorf("cache: stale handle: %w", errdefs.ErrFailedPrecondition)

	// ErrHandleResolved: Insert or Abandon already ran for this handle.
	ErrHandleResolved = fmt.Errorf("cache: handle already resolved: %w", errdefs.ErrFailedPrecondition)

	// ErrInvalidHandle: nil handle or a handle issued by another cache.
	ErrInvalidHandle = fmt.Errorf("cache: invalid handle: %w", errdefs.ErrInvalidArgument)
)
