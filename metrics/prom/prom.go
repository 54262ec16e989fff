package prom

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/IvanBrykalov/shadercache/cache"
)

// Adapter implements cache.Metrics and exports Prometheus counters/gauges.
// Safe for concurrent use; all Prometheus metric types are goroutine-safe.
//
// One Adapter may be shared by several caches (manager.WithMetrics). Counters
// then aggregate over all of them, and the size gauges show the cache that
// changed most recently; use constLabels and one Adapter per cache to tell
// them apart.
type Adapter struct {
	hits      prometheus.Counter
	misses    prometheus.Counter
	admits    prometheus.Counter
	waits     *prometheus.CounterVec
	external  *prometheus.CounterVec
	images    *prometheus.CounterVec
	sizeEnt   prometheus.Gauge
	sizeBytes prometheus.Gauge
}

// New constructs a Prometheus metrics adapter.
//   - reg:          registry to register metrics with (nil => prometheus.DefaultRegisterer)
//   - ns, sub:      Prometheus namespace and subsystem
//   - constLabels:  static labels applied to all metrics (may be nil)
func New(reg prometheus.Registerer, ns, sub string, constLabels prometheus.Labels) *Adapter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: name, Help: help, ConstLabels: constLabels,
		})
	}
	counterVec := func(name, help, label string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: name, Help: help, ConstLabels: constLabels,
		}, []string{label})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: sub, Name: name, Help: help, ConstLabels: constLabels,
		})
	}

	a := &Adapter{
		hits:      counter("hits_total", "Lookups that found a ready artifact"),
		misses:    counter("misses_total", "Lookups that found no ready artifact"),
		admits:    counter("producers_admitted_total", "Callers granted the producer role"),
		waits:     counterVec("waits_total", "WaitFor calls by outcome", "outcome"),
		external:  counterVec("external_total", "External tier interactions by event", "event"),
		images:    counterVec("images_total", "Image loads and flushes by outcome", "outcome"),
		sizeEnt:   gauge("size_entries", "Number of ready entries"),
		sizeBytes: gauge("size_bytes", "Bytes held in the artifact arena"),
	}
	reg.MustRegister(a.hits, a.misses, a.admits, a.waits, a.external, a.images, a.sizeEnt, a.sizeBytes)
	return a
}

// Hit increments the hit counter.
func (a *Adapter) Hit() { a.hits.Inc() }

// Miss increments the miss counter.
func (a *Adapter) Miss() { a.misses.Inc() }

// Admit increments the producer admission counter.
func (a *Adapter) Admit() { a.admits.Inc() }

// Wait counts a WaitFor outcome.
func (a *Adapter) Wait(outcome cache.Status) {
	a.waits.WithLabelValues(outcome.String()).Inc()
}

// External counts an external tier event.
func (a *Adapter) External(ev cache.ExternalEvent) {
	a.external.WithLabelValues(externalLabel(ev)).Inc()
}

// Image counts an image load or flush outcome.
func (a *Adapter) Image(ev cache.ImageEvent) {
	a.images.WithLabelValues(imageLabel(ev)).Inc()
}

// Size updates gauges for the number of ready entries and arena bytes.
func (a *Adapter) Size(entries int, bytes int64) {
	a.sizeEnt.Set(float64(entries))
	a.sizeBytes.Set(float64(bytes))
}

// externalLabel maps ExternalEvent to a stable label value.
func externalLabel(ev cache.ExternalEvent) string {
	switch ev {
	case cache.ExternalHit:
		return "hit"
	case cache.ExternalMiss:
		return "miss"
	case cache.ExternalStored:
		return "stored"
	case cache.ExternalDropped:
		return "dropped"
	default:
		return "error"
	}
}

// imageLabel maps ImageEvent to a stable label value.
func imageLabel(ev cache.ImageEvent) string {
	switch ev {
	case cache.ImageLoaded:
		return "loaded"
	case cache.ImageMissing:
		return "missing"
	case cache.ImageIncompatible:
		return "incompatible"
	case cache.ImageCorrupt:
		return "corrupt"
	case cache.ImageFlushed:
		return "flushed"
	default:
		return "flush_failed"
	}
}

// Compile-time check: ensure Adapter implements cache.Metrics.
var _ cache.Metrics = (*Adapter)(nil)
