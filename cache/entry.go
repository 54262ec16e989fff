package cache

import "fmt"

// EntryState is the admission state of one content hash.
//
//	New -> Compiling -> Ready
//	                 -> Unavailable
//
// New is implicit (no map entry). Ready and Unavailable are terminal.
type EntryState uint8

const (
	StateNew EntryState = iota
	StateCompiling
	StateReady
	StateUnavailable
)

func (s EntryState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateCompiling:
		return "compiling"
	case StateReady:
		return "ready"
	case StateUnavailable:
		return "unavailable"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// EntryHeader is the fixed-size record describing one stored artifact.
// It is written once, at Insert time, and is read-only afterwards.
type EntryHeader struct {
	Key      ContentHash
	Checksum uint64
	Size     uint64
}

// entry is the in-memory record for one content hash, owned by a Cache.
// All fields are read and written with the owning cache's mu held, except
// done, which is closed (never sent on) and may be waited on without it.
type entry struct {
	hdr   EntryHeader
	state EntryState

	// off is the arena offset of the artifact; hdr.Size is its length.
	// Set exactly once, on Compiling -> Ready.
	off int64

	// gen is the cache generation the entry was admitted in.
	gen uint64

	// done is closed when the entry leaves Compiling. Publishing state/off
	// happens-before close(done), so waiters observe the final values.
	done chan struct{}
}

func newEntry(key ContentHash, gen uint64) *entry {
	return &entry{
		hdr:   EntryHeader{Key: key},
		state: StateCompiling,
		gen:   gen,
		done:  make(chan struct{}),
	}
}

// newReadyEntry builds an entry restored from an image or merged from a peer.
func newReadyEntry(hdr EntryHeader, off int64, gen uint64) *entry {
	done := make(chan struct{})
	close(done)
	return &entry{hdr: hdr, state: StateReady, off: off, gen: gen, done: done}
}

// resolve moves a Compiling entry to a terminal state and wakes waiters.
// It reports false if the entry was already terminal (states are never demoted).
func (e *entry) resolve(to EntryState) bool {
	if e.state != StateCompiling {
		return false
	}
	e.state = to
	close(e.done)
	return true
}
