// Package singleflight coalesces concurrent loads of the same key.
package singleflight

import (
	"context"
	"fmt"
	"sync"
)

// Group runs fn at most once per key among overlapping callers. Callers that
// arrive while a load is in flight wait for its result instead of starting
// their own.
//
// Concurrency notes:
//   - The first caller for a key becomes the leader and runs fn.
//   - Followers wait on c.done. Publishing (val, err) happens-before
//     close(c.done), so reads after <-done observe the final values.
//   - fn receives a context detached from the leader's cancellation: the
//     result is shared, so one caller giving up must not fail the others.
//     Values from ctx are preserved.
//   - A follower whose ctx is done stops waiting and returns ctx.Err().
type Group[K comparable, V any] struct {
	mu sync.Mutex
	m  map[K]*call[V]
}

type call[V any] struct {
	done    chan struct{} // closed when val/err are published
	val     V
	err     error
	waiters int
}

// Do returns the result of fn for key. shared reports whether the result was
// delivered to more than one caller. A panic in fn is converted into an error
// for every caller.
func (g *Group[K, V]) Do(ctx context.Context, key K, fn func(context.Context) (V, error)) (v V, err error, shared bool) {
	g.mu.Lock()
	if g.m == nil {
		g.m = make(map[K]*call[V])
	}
	if c, ok := g.m[key]; ok {
		c.waiters++
		done := c.done
		g.mu.Unlock()

		select {
		case <-done:
			return c.val, c.err, true
		case <-ctx.Done():
			var zero V
			return zero, ctx.Err(), false
		}
	}

	c := &call[V]{done: make(chan struct{})}
	g.m[key] = c
	g.mu.Unlock()

	g.run(context.WithoutCancel(ctx), key, c, fn)

	g.mu.Lock()
	shared = c.waiters > 0
	g.mu.Unlock()
	return c.val, c.err, shared
}

func (g *Group[K, V]) run(ctx context.Context, key K, c *call[V], fn func(context.Context) (V, error)) {
	defer func() {
		if r := recover(); r != nil {
			c.err = fmt.Errorf("singleflight: load panicked: %v", r)
		}
		// Remove the in-flight marker before waking followers so a caller
		// arriving after the result starts a fresh load.
		g.mu.Lock()
		delete(g.m, key)
		g.mu.Unlock()
		close(c.done)
	}()
	c.val, c.err = fn(ctx)
}

// InFlight reports whether a load for key is currently running.
func (g *Group[K, V]) InFlight(key K) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.m[key]
	return ok
}
