// Package manager owns the cache instances of a process. It hands out one
// *cache.Cache per (hardware, options hash, mode, directory), reference
// counts it, loads it from an on-disk image on first use and writes the image
// back when the last user releases it.
//
//	m := manager.New(manager.Config{Dir: dir})
//	defer m.Shutdown(ctx)
//
//	h, err := m.GetOrCreate(ctx, hw, optionsHash, manager.ModeOnDisk, "")
//	if err != nil { ... }
//	defer h.Release(ctx)
//	r := h.Cache().Find(ctx, key)
package manager

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/containerd/log"
	"github.com/moby/sys/atomicwriter"
	"golang.org/x/sync/errgroup"

	"github.com/IvanBrykalov/shadercache/cache"
	"github.com/IvanBrykalov/shadercache/internal/buildinfo"
	"github.com/IvanBrykalov/shadercache/internal/singleflight"
)

const (
	imagePerm = 0o644
	dirPerm   = 0o755
)

// Key identifies one cache instance.
type Key struct {
	Hardware    cache.HardwareVersion
	OptionsHash [16]byte
	Mode        Mode
	Dir         string
}

// Option configures a Manager.
type Option func(*options)

type options struct {
	external cache.ExternalTier
	metrics  cache.Metrics
	date     string
	clock    string
	stampSet bool
}

// WithExternalTier installs tier on every cache the manager creates.
func WithExternalTier(tier cache.ExternalTier) Option {
	return func(o *options) { o.external = tier }
}

// WithMetrics installs m on every cache the manager creates. Image load and
// flush outcomes are reported through it too.
func WithMetrics(m cache.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithBuildStamp overrides the build date and time written into BuildIDs.
// By default internal/buildinfo supplies them.
func WithBuildStamp(date, clock string) Option {
	return func(o *options) { o.date, o.clock, o.stampSet = date, clock, true }
}

// Manager is the registry of live cache instances. It is safe for concurrent
// use. Create it with New and dispose of it with Shutdown.
type Manager struct {
	cfg Config
	opt options

	mu     sync.Mutex
	caches map[Key]*instance
	closed bool

	// transitions serializes loading and destroying the instance of a key,
	// so a reload never reads an image a concurrent release is still writing.
	transitions singleflight.Group[Key, *instance]
}

// instance is one live cache. refs and destroyed are guarded by Manager.mu.
type instance struct {
	key  Key
	mode Mode // effective mode; ModeOnDisk may be downgraded at load
	path string
	id   cache.BuildID
	c    *cache.Cache

	refs      int
	destroyed bool

	flushMu sync.Mutex
	// flushed is the cache's Version when its image was last known to match
	// the file; stale forces the next flush.
	flushed uint64
	stale   bool
}

// New constructs a Manager. cfg defaults are documented on Config.
func New(cfg Config, opts ...Option) *Manager {
	cfg.applyDefaults()
	o := options{external: cache.NoopTier{}, metrics: cache.NoopMetrics{}}
	for _, fn := range opts {
		fn(&o)
	}
	if !o.stampSet {
		o.date, o.clock = buildinfo.Stamp()
	}
	return &Manager{cfg: cfg, opt: o, caches: make(map[Key]*instance)}
}

// Config returns the effective configuration.
func (m *Manager) Config() Config { return m.cfg }

// Open is GetOrCreate with the configured mode and directory.
func (m *Manager) Open(ctx context.Context, hw cache.HardwareVersion, optionsHash [16]byte) (*Handle, error) {
	return m.GetOrCreate(ctx, hw, optionsHash, m.cfg.Mode, m.cfg.Dir)
}

// GetOrCreate returns a handle to the cache for the given configuration,
// creating it on first use. Every call must be paired with Handle.Release.
// Callers passing the same arguments share one *cache.Cache. dir == "" means
// Config.Dir; it is ignored for in-memory modes.
//
// A missing, incompatible or corrupt image is not an error: the cache starts
// empty and the outcome is logged and reported to Metrics.Image.
func (m *Manager) GetOrCreate(ctx context.Context, hw cache.HardwareVersion, optionsHash [16]byte, mode Mode, dir string) (*Handle, error) {
	if mode > ModeOnDiskReadOnly {
		return nil, fmt.Errorf("manager: mode %d: %w", mode, ErrInvalidMode)
	}
	key := Key{Hardware: hw, OptionsHash: optionsHash, Mode: mode}
	if mode.persistent() {
		if dir == "" {
			dir = m.cfg.Dir
		}
		key.Dir = filepath.Clean(dir)
	}

	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrClosed
		}
		if inst, ok := m.caches[key]; ok {
			inst.refs++
			m.mu.Unlock()
			return &Handle{m: m, inst: inst}, nil
		}
		m.mu.Unlock()

		inst, err, _ := m.transitions.Do(ctx, key, func(ctx context.Context) (*instance, error) {
			return m.load(ctx, key)
		})
		if err != nil {
			return nil, err
		}
		if inst == nil {
			// Joined a release of the previous instance; look again.
			continue
		}
		m.mu.Lock()
		if inst.destroyed {
			closed := m.closed
			m.mu.Unlock()
			if closed {
				return nil, ErrClosed
			}
			continue
		}
		inst.refs++
		m.mu.Unlock()
		return &Handle{m: m, inst: inst}, nil
	}
}

// load creates and registers the instance for key with zero references.
func (m *Manager) load(ctx context.Context, key Key) (*instance, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if inst, ok := m.caches[key]; ok {
		m.mu.Unlock()
		return inst, nil
	}
	m.mu.Unlock()

	inst := &instance{
		key:  key,
		mode: key.Mode,
		id:   cache.NewBuildID(m.opt.date, m.opt.clock, key.Hardware, key.OptionsHash),
	}
	if key.Mode.persistent() {
		inst.path = m.imagePath(key)
		inst.c = m.loadImage(ctx, inst)
	} else {
		inst.c = cache.New(m.cfg.cacheOptions(key.Mode, &m.opt))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		_ = inst.c.Close()
		return nil, ErrClosed
	}
	m.caches[key] = inst
	return inst, nil
}

// loadImage returns the cache restored from inst.path, or an empty one when
// the image cannot be used. It may downgrade inst.mode to read-only.
func (m *Manager) loadImage(ctx context.Context, inst *instance) *cache.Cache {
	logger := log.G(ctx).WithFields(log.Fields{"path": inst.path, "build_id": inst.id.String()})

	if inst.mode == ModeOnDisk && !writableDir(inst.key.Dir) {
		logger.Warn("shadercache: image directory not writable, cache is read-only")
		inst.mode = ModeOnDiskReadOnly
	}
	opt := m.cfg.cacheOptions(inst.mode, &m.opt)

	data, err := os.ReadFile(inst.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			m.opt.metrics.Image(cache.ImageMissing)
			logger.Debug("shadercache: no image, starting empty")
		} else {
			m.opt.metrics.Image(cache.ImageCorrupt)
			logger.WithError(err).Warn("shadercache: reading image failed, starting empty")
		}
		return cache.New(opt)
	}

	c, err := cache.Deserialize(data, inst.id, opt)
	if err != nil {
		ev := cache.ImageCorrupt
		if errors.Is(err, cache.ErrIncompatible) {
			ev = cache.ImageIncompatible
		}
		m.opt.metrics.Image(ev)
		logger.WithError(err).Warn("shadercache: discarding image, starting empty")
		inst.stale = true
		return cache.New(opt)
	}
	m.opt.metrics.Image(cache.ImageLoaded)
	logger.WithField("entries", c.Len()).Debug("shadercache: image loaded")
	return c
}

// release drops one reference. The last one flushes and closes the cache.
func (m *Manager) release(ctx context.Context, inst *instance) error {
	m.mu.Lock()
	if inst.destroyed {
		m.mu.Unlock()
		return nil
	}
	inst.refs--
	last := inst.refs == 0
	m.mu.Unlock()
	if !last {
		return nil
	}

	var ferr error
	_, _, _ = m.transitions.Do(ctx, inst.key, func(ctx context.Context) (*instance, error) {
		m.mu.Lock()
		if inst.refs > 0 || inst.destroyed {
			// Re-acquired in the meantime, or Shutdown took it.
			m.mu.Unlock()
			return nil, nil
		}
		inst.destroyed = true
		delete(m.caches, inst.key)
		m.mu.Unlock()

		ferr = m.destroy(ctx, inst)
		return nil, nil
	})
	return ferr
}

// destroy flushes inst (persistent writable modes) and closes its cache.
func (m *Manager) destroy(ctx context.Context, inst *instance) error {
	ferr := m.flush(ctx, inst)
	if err := inst.c.Close(); err != nil && ferr == nil {
		ferr = err
	}
	return ferr
}

// flush writes inst's image if its Ready entries changed since it was loaded
// or last written.
func (m *Manager) flush(ctx context.Context, inst *instance) error {
	if inst.mode != ModeOnDisk {
		return nil
	}
	inst.flushMu.Lock()
	defer inst.flushMu.Unlock()

	version := inst.c.Version()
	if version == inst.flushed && !inst.stale {
		return nil
	}
	logger := log.G(ctx).WithField("path", inst.path)

	img, err := inst.c.Serialize(inst.id)
	if err == nil {
		if err = os.MkdirAll(filepath.Dir(inst.path), dirPerm); err == nil {
			err = atomicwriter.WriteFile(inst.path, img, imagePerm)
		}
	}
	if err != nil {
		m.opt.metrics.Image(cache.ImageFlushFailed)
		logger.WithError(err).Error("shadercache: writing image failed")
		return fmt.Errorf("manager: flush %s: %w", inst.path, err)
	}
	inst.flushed = version
	inst.stale = false
	m.opt.metrics.Image(cache.ImageFlushed)
	logger.WithField("bytes", len(img)).Debug("shadercache: image written")
	return nil
}

// Flush writes the image of every live on-disk cache that changed, without
// releasing anything.
func (m *Manager) Flush(ctx context.Context) error {
	var g errgroup.Group
	for _, inst := range m.live() {
		g.Go(func() error { return m.flush(ctx, inst) })
	}
	return g.Wait()
}

// Shutdown flushes and closes every live cache. Handles still held stay
// readable but their Release becomes a no-op, and GetOrCreate returns
// ErrClosed from now on.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	insts := make([]*instance, 0, len(m.caches))
	for k, inst := range m.caches {
		inst.destroyed = true
		insts = append(insts, inst)
		delete(m.caches, k)
	}
	m.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, inst := range insts {
		g.Go(func() error { return m.destroy(ctx, inst) })
	}
	err := g.Wait()
	log.G(ctx).WithField("caches", len(insts)).Debug("shadercache: manager shut down")
	return err
}

// Len returns the number of live cache instances.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.caches)
}

func (m *Manager) live() []*instance {
	m.mu.Lock()
	defer m.mu.Unlock()
	insts := make([]*instance, 0, len(m.caches))
	for _, inst := range m.caches {
		insts = append(insts, inst)
	}
	return insts
}

// imagePath names the image file for key: <dir>/<exec>_<options>_<hw>.bin.
func (m *Manager) imagePath(key Key) string {
	name := fmt.Sprintf("%s_%x_%s.bin", m.cfg.ExecName, key.OptionsHash, key.Hardware)
	return filepath.Join(key.Dir, name)
}

// writableDir reports whether files can be created in dir, creating it if
// needed.
func writableDir(dir string) bool {
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return false
	}
	f, err := os.CreateTemp(dir, ".probe-*")
	if err != nil {
		return false
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)
	return true
}

// Handle is one reference to a managed cache.
type Handle struct {
	m        *Manager
	inst     *instance
	released atomic.Bool
}

// Cache returns the shared cache. It stays usable for reads after Release,
// but admits no new producers once the instance is destroyed.
func (h *Handle) Cache() *cache.Cache { return h.inst.c }

// Mode returns the effective mode, which is ModeOnDiskReadOnly when
// ModeOnDisk was requested for a directory that is not writable.
func (h *Handle) Mode() Mode { return h.inst.mode }

// Path returns the image file of a persistent cache, "" otherwise.
func (h *Handle) Path() string { return h.inst.path }

// BuildID returns the build id images of this cache are stamped with.
func (h *Handle) BuildID() cache.BuildID { return h.inst.id }

// Release drops the reference. Releasing the last reference of an on-disk
// cache writes its image; the write error, if any, is returned. Extra calls
// are no-ops.
func (h *Handle) Release(ctx context.Context) error {
	if !h.released.CompareAndSwap(false, true) {
		return nil
	}
	return h.m.release(ctx, h.inst)
}
