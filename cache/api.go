package cache

import (
	"context"
	"encoding/hex"
	"fmt"
)

// ContentHash identifies a compilation unit: its IR plus every compile option
// that affects code generation. Equal hashes must imply byte-identical output;
// that guarantee belongs to whoever computes the hash, not to the cache.
type ContentHash [16]byte

// String returns the lower-case hex form of h.
func (h ContentHash) String() string { return hex.EncodeToString(h[:]) }

// ParseContentHash parses the 32-character hex form produced by String.
func ParseContentHash(s string) (ContentHash, error) {
	var h ContentHash
	if hex.DecodedLen(len(s)) != len(h) {
		return h, fmt.Errorf("cache: content hash %q: want %d hex chars", s, 2*len(h))
	}
	if _, err := hex.Decode(h[:], []byte(s)); err != nil {
		return h, fmt.Errorf("cache: content hash %q: %w", s, err)
	}
	return h, nil
}

// Status is the outcome of Find or WaitFor.
type Status uint8

const (
	// StatusNew: the key was never seen. The caller has been admitted as the
	// producer and must resolve Result.Handle via Insert or Abandon.
	StatusNew Status = iota
	// StatusCompiling: another caller is producing the artifact; use WaitFor.
	StatusCompiling
	// StatusReady: Result.Artifact holds the stored bytes.
	StatusReady
	// StatusUnavailable: the producer abandoned, storing failed, or the
	// cache is disabled. Compile without caching.
	StatusUnavailable
	// StatusTimedOut: WaitFor gave up before the producer resolved the entry.
	StatusTimedOut
)

func (s Status) String() string {
	switch s {
	case StatusNew:
		return "new"
	case StatusCompiling:
		return "compiling"
	case StatusReady:
		return "ready"
	case StatusUnavailable:
		return "unavailable"
	case StatusTimedOut:
		return "timed_out"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Result is returned by Find and WaitFor.
type Result struct {
	Status Status

	// Artifact is set for StatusReady. It aliases the cache arena and must
	// be treated as read-only.
	Artifact []byte

	// Handle is set for StatusNew only.
	Handle *Handle

	// Err carries the cause for StatusTimedOut (ErrTimeout or ctx.Err()).
	Err error
}

// Handle is the producer obligation issued by Find on StatusNew.
// Exactly one of Cache.Insert or Cache.Abandon must be called with it.
type Handle struct {
	c   *Cache
	e   *entry
	gen uint64
}

// Key returns the content hash this handle was issued for.
func (h *Handle) Key() ContentHash { return h.e.hdr.Key }

// ExternalTier is an optional secondary cache, typically out of process or
// networked. It is advisory: its failures never fail a local operation.
// Implementations must be safe for concurrent use.
type ExternalTier interface {
	// Get returns the artifact for key. A miss is (nil, false, nil).
	Get(ctx context.Context, key ContentHash) ([]byte, bool, error)
	// Put stores artifact under key. The slice must not be retained after
	// Put returns.
	Put(ctx context.Context, key ContentHash, artifact []byte) error
}

// NoopTier is an ExternalTier that never hits and discards stores.
type NoopTier struct{}

func (NoopTier) Get(context.Context, ContentHash) ([]byte, bool, error) { return nil, false, nil }
func (NoopTier) Put(context.Context, ContentHash, []byte) error         { return nil }

var _ ExternalTier = NoopTier{}
