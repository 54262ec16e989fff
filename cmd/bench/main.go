// Command bench runs a synthetic producer/consumer workload against a managed
// cache and exposes optional pprof/Prometheus endpoints.
//
// Every worker draws keys from a Zipf distribution and behaves like a driver
// thread: use a ready artifact, compile when admitted as producer, or wait for
// the producer and compile privately when the wait times out.
package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	_ "net/http/pprof" // registers /debug/pprof/* on DefaultServeMux
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/containerd/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/IvanBrykalov/shadercache/cache"
	"github.com/IvanBrykalov/shadercache/external/bolttier"
	"github.com/IvanBrykalov/shadercache/external/dirtier"
	"github.com/IvanBrykalov/shadercache/manager"
	pmet "github.com/IvanBrykalov/shadercache/metrics/prom"
)

func main() {
	// ---- Flags ----
	var (
		modeName = flag.String("mode", "runtime", "cache mode: disabled | runtime | on_disk | on_disk_read_only")
		dir      = flag.String("dir", filepath.Join(os.TempDir(), "shadercache-bench"), "image directory for on-disk modes")
		config   = flag.String("config", "", "TOML config file (overrides -mode and -dir)")
		external = flag.String("external", "none", "external tier: none | bolt | dir")
		arena    = flag.Int64("arena", 0, "max arena bytes (0 = unlimited)")
		waitTO   = flag.Duration("wait", 0, "WaitFor timeout (0 = default)")

		workers  = flag.Int("workers", 2*runtime.GOMAXPROCS(0), "number of worker goroutines")
		duration = flag.Duration("duration", 10*time.Second, "benchmark duration")
		compile  = flag.Duration("compile", 2*time.Millisecond, "simulated compile time per artifact")
		artSize  = flag.Int("size", 16<<10, "artifact size in bytes")
		failPct  = flag.Int("fail", 0, "percentage of compilations that fail [0..100]")

		keys  = flag.Int("keys", 100_000, "keyspace size")
		zipfS = flag.Float64("zipf_s", 1.1, "Zipf s > 1 (skew)")
		zipfV = flag.Float64("zipf_v", 1.0, "Zipf v")
		seed  = flag.Int64("seed", time.Now().UnixNano(), "random seed")

		pprofAddr   = flag.String("pprof", "", "serve pprof at addr (e.g. :6060); empty = disabled")
		metricsAddr = flag.String("http", ":8080", "serve Prometheus metrics at addr")
		logLevel    = flag.String("log-level", "info", "log level")
	)
	flag.Parse()

	if err := log.SetLevel(*logLevel); err != nil {
		log.L.WithError(err).Fatal("bench: bad -log-level")
	}
	ctx := context.Background()

	// ---- pprof server (on DefaultServeMux) ----
	if *pprofAddr != "" {
		go func() {
			log.L.Infof("pprof: serving at %s", *pprofAddr)
			log.L.Info(http.ListenAndServe(*pprofAddr, nil))
		}()
	}

	// ---- Prometheus metrics (on DefaultServeMux) ----
	metrics := pmet.New(nil, "shadercache", "bench", nil)
	http.Handle("/metrics", promhttp.Handler())
	go func() {
		log.L.Infof("metrics: serving at %s", *metricsAddr)
		log.L.Info(http.ListenAndServe(*metricsAddr, nil))
	}()

	// ---- Build manager ----
	cfg := manager.Config{Dir: *dir, ExecName: "bench", MaxArenaBytes: *arena, WaitTimeout: *waitTO}
	mode, err := manager.ParseMode(*modeName)
	if err != nil {
		log.L.WithError(err).Fatal("bench: bad -mode")
	}
	cfg.Mode = mode
	if *config != "" {
		if cfg, err = manager.LoadConfig(*config); err != nil {
			log.L.WithError(err).Fatal("bench: loading config")
		}
	}

	opts := []manager.Option{manager.WithMetrics(metrics)}
	switch *external {
	case "none":
	case "bolt":
		tier, err := bolttier.Open(filepath.Join(*dir, "external.db"), 0)
		if err != nil {
			log.L.WithError(err).Fatal("bench: opening bolt tier")
		}
		defer tier.Close()
		opts = append(opts, manager.WithExternalTier(tier))
	case "dir":
		tier, err := dirtier.New(filepath.Join(*dir, "external"))
		if err != nil {
			log.L.WithError(err).Fatal("bench: opening dir tier")
		}
		defer tier.Close()
		opts = append(opts, manager.WithExternalTier(tier))
	default:
		log.L.Fatalf("unknown external tier: %q (use none, bolt or dir)", *external)
	}

	m := manager.New(cfg, opts...)
	defer func() {
		if err := m.Shutdown(ctx); err != nil {
			log.L.WithError(err).Error("bench: shutdown")
		}
	}()
	h, err := m.Open(ctx, cache.HardwareVersion{Major: 1}, [16]byte{})
	if err != nil {
		log.L.WithError(err).Fatal("bench: opening cache")
	}
	c := h.Cache()

	// ---- Snapshot flags for goroutines ----
	keysMax := uint64(*keys - 1)
	seedBase := *seed
	zipfSVal := *zipfS
	zipfVVal := *zipfV
	compileDur := *compile
	failPctVal := *failPct
	artifact := make([]byte, *artSize)
	workersN := *workers
	if workersN <= 0 {
		workersN = 1
	}

	// ---- Load generation ----
	var total, hits, produced, failed, waited, timedOut, uncached uint64
	runCtx, cancel := context.WithTimeout(ctx, *duration)
	defer cancel()

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(workersN)
	for w := 0; w < workersN; w++ {
		go func(id int) {
			defer wg.Done()

			// Each worker gets its own RNG + Zipf (rand.Rand is NOT goroutine-safe).
			localR := rand.New(rand.NewSource(seedBase + int64(id)*9973))
			localZipf := rand.NewZipf(localR, zipfSVal, zipfVVal, keysMax)

			keyByZipf := func() cache.ContentHash {
				var k cache.ContentHash
				binary.LittleEndian.PutUint64(k[:], localZipf.Uint64())
				return k
			}

			for runCtx.Err() == nil {
				atomic.AddUint64(&total, 1)
				k := keyByZipf()
				r := c.Find(runCtx, k)
				switch r.Status {
				case cache.StatusReady:
					atomic.AddUint64(&hits, 1)
				case cache.StatusNew:
					time.Sleep(compileDur)
					if int(localR.Int31n(100)) < failPctVal {
						atomic.AddUint64(&failed, 1)
						c.Abandon(r.Handle)
						continue
					}
					if err := c.Insert(r.Handle, artifact); err != nil {
						atomic.AddUint64(&uncached, 1)
						continue
					}
					atomic.AddUint64(&produced, 1)
				case cache.StatusCompiling:
					atomic.AddUint64(&waited, 1)
					if w := c.WaitFor(runCtx, k, 0); w.Status == cache.StatusTimedOut {
						atomic.AddUint64(&timedOut, 1)
						time.Sleep(compileDur) // private compile, not published
					}
				default:
					atomic.AddUint64(&uncached, 1)
					time.Sleep(compileDur)
				}
			}
		}(w)
	}
	wg.Wait()
	elapsed := time.Since(start)

	st := c.Stats()
	if err := h.Release(ctx); err != nil {
		log.L.WithError(err).Error("bench: release")
	}

	// ---- Report ----
	ops := atomic.LoadUint64(&total)
	hitsN := atomic.LoadUint64(&hits)
	hitRate := 0.0
	if ops > 0 {
		hitRate = float64(hitsN) / float64(ops) * 100
	}

	fmt.Printf("mode=%s external=%s workers=%d keys=%d compile=%v dur=%v seed=%d\n",
		h.Mode(), *external, workersN, *keys, compileDur, elapsed, seedBase)
	fmt.Printf("ops=%d (%.0f ops/s)  hits=%d  hit-rate=%.2f%%\n",
		ops, float64(ops)/elapsed.Seconds(), hitsN, hitRate)
	fmt.Printf("produced=%d  failed=%d  waited=%d  timed-out=%d  uncached=%d\n",
		atomic.LoadUint64(&produced), atomic.LoadUint64(&failed), atomic.LoadUint64(&waited),
		atomic.LoadUint64(&timedOut), atomic.LoadUint64(&uncached))
	fmt.Printf("entries=%d ready=%d compiling=%d unavailable=%d arena=%dB\n",
		st.Entries, st.Ready, st.Compiling, st.Unavailable, st.ArenaBytes)
}
