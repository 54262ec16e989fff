package cache

import (
	"context"
	"errors"
	"fmt"

	"github.com/containerd/log"
)

// fetchExternal asks the external tier for an admitted key. On a hit the
// artifact is stored locally through the handle and a Ready result is
// returned. ok=false means the caller keeps the producer role.
// Tier failures are logged and otherwise ignored.
func (c *Cache) fetchExternal(ctx context.Context, h *Handle) (Result, bool) {
	if _, noop := c.opt.External.(NoopTier); noop {
		return Result{}, false
	}
	key := h.e.hdr.Key

	tctx, cancel := context.WithTimeout(ctx, c.opt.ExternalTimeout)
	data, found, err := c.opt.External.Get(tctx, key)
	cancel()
	switch {
	case err != nil:
		c.opt.Metrics.External(ExternalError)
		log.G(ctx).WithError(fmt.Errorf("get %s: %w: %w", key, ErrExternal, err)).Warn("shadercache: external tier lookup failed")
		return Result{}, false
	case !found:
		c.opt.Metrics.External(ExternalMiss)
		return Result{}, false
	}

	if err := c.insert(h, data, false); err != nil {
		// insert left the entry Unavailable; report that rather than New.
		log.G(ctx).WithError(err).WithField("key", key).Warn("shadercache: storing external artifact failed")
		return Result{Status: StatusUnavailable}, true
	}
	c.opt.Metrics.External(ExternalHit)

	c.mu.Lock()
	r := c.resultLocked(h.e)
	c.mu.Unlock()
	return r, true
}

// forwardLocked hands a freshly inserted artifact to the external tier
// without blocking the caller. When every forward slot is busy, or the cache
// is closed, the store is dropped. mu must be held.
func (c *Cache) forwardLocked(key ContentHash, artifact []byte) {
	if _, noop := c.opt.External.(NoopTier); noop {
		return
	}
	if c.closed {
		c.opt.Metrics.External(ExternalDropped)
		return
	}
	// The caller owns artifact; Put gets a private copy.
	data := append([]byte(nil), artifact...)
	started := c.forwards.TryGo(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), c.opt.ExternalTimeout)
		defer cancel()
		if err := c.opt.External.Put(ctx, key, data); err != nil {
			c.opt.Metrics.External(ExternalError)
			log.G(ctx).WithError(errors.Join(ErrExternal, err)).WithField("key", key).Warn("shadercache: external tier store failed")
			return nil
		}
		c.opt.Metrics.External(ExternalStored)
		return nil
	})
	if !started {
		c.opt.Metrics.External(ExternalDropped)
	}
}
