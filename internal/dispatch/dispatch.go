// Package dispatch ties the core together: it admits typed tasks, gates them
// on host resources, routes them to a model variant and backend, deduplicates
// identical work through the cache and per-fingerprint single-flight, and
// records experiences for future few-shot context.
package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"taskforge/internal/backendpool"
	"taskforge/internal/balancer"
	"taskforge/internal/cache"
	"taskforge/internal/embedding"
	"taskforge/internal/memory"
	"taskforge/internal/probe"
	"taskforge/internal/router"
	"taskforge/internal/runtime"
	"taskforge/internal/types"
	"taskforge/internal/vector"
)

// Overload thresholds from the resource gate. Reaching the degraded band is
// logged; reaching the reject band fails the dispatch.
const (
	cpuRejectPct  = 90.0
	cpuDegradePct = 80.0
	tempRejectC   = 90.0
	tempDegradeC  = 80.0
)

// Config tunes admission and retry behaviour.
type Config struct {
	ParallelWorkers int
	MaxQueueSize    int
	DefaultTimeout  time.Duration
	MaxRetries      int
	BackoffBase     time.Duration
	RAMFloorBytes   uint64

	// FewShotK is the per-retriever contribution to the few-shot context.
	FewShotK int
}

// Deps are the dispatcher's collaborators, injected at construction.
type Deps struct {
	Probe    probe.Provider
	Router   *router.Router
	Cache    *cache.Cache
	Pool     *backendpool.Pool
	Balancer *balancer.Balancer
	Memory   *memory.Memory
	Index    *vector.Index
	Runtime  runtime.Runtime

	// Embedder is the primary embedding engine; nil means fallback-only.
	Embedder embedding.Engine

	Logger *zap.Logger
}

// Stats are monotonic dispatcher counters.
type Stats struct {
	Dispatched uint64
	CacheHits  uint64
	Retries    uint64
	Rejected   uint64
	Failures   uint64
}

// Dispatcher is safe for concurrent use and holds no per-task state between
// calls.
type Dispatcher struct {
	cfg      Config
	probe    probe.Provider
	router   *router.Router
	cache    *cache.Cache
	pool     *backendpool.Pool
	lb       *balancer.Balancer
	mem      *memory.Memory
	index    *vector.Index
	rt       runtime.Runtime
	embedder embedding.Engine
	fallback *embedding.FallbackEngine
	logger   *zap.Logger

	flight singleflight.Group
	sem    *semaphore.Weighted
	queued atomic.Int64

	dispatched atomic.Uint64
	cacheHits  atomic.Uint64
	retries    atomic.Uint64
	rejected   atomic.Uint64
	failures   atomic.Uint64

	recorders sync.WaitGroup
}

// New builds a dispatcher.
func New(cfg Config, deps Deps) *Dispatcher {
	if cfg.ParallelWorkers <= 0 {
		cfg.ParallelWorkers = 8
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 100 * time.Millisecond
	}
	if cfg.FewShotK <= 0 {
		cfg.FewShotK = 3
	}
	return &Dispatcher{
		cfg:      cfg,
		probe:    deps.Probe,
		router:   deps.Router,
		cache:    deps.Cache,
		pool:     deps.Pool,
		lb:       deps.Balancer,
		mem:      deps.Memory,
		index:    deps.Index,
		rt:       deps.Runtime,
		embedder: deps.Embedder,
		fallback: embedding.NewFallbackEngine(deps.Index.Dimension()),
		logger:   deps.Logger.Named("dispatch"),
		sem:      semaphore.NewWeighted(int64(cfg.ParallelWorkers)),
	}
}

// Dispatch runs one task end to end and returns its result. Errors carry the
// taxonomy of types.ErrKind; transient backend faults are retried internally
// and never surface raw.
func (d *Dispatcher) Dispatch(ctx context.Context, task *types.Task) (*types.Result, error) {
	if err := task.Validate(); err != nil {
		d.failures.Add(1)
		return nil, err
	}

	// Work on a normalized copy; the caller's task is never mutated.
	t := *task
	t.Params = t.Params.Normalize()

	if err := d.admit(ctx); err != nil {
		return nil, err
	}
	defer d.sem.Release(1)

	timeout := d.cfg.DefaultTimeout
	if t.Hints.Timeout > 0 && t.Hints.Timeout < timeout {
		timeout = t.Hints.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	snap := d.probe.Snapshot()
	if err := d.resourceGate(snap); err != nil {
		d.rejected.Add(1)
		return nil, err
	}

	variant := d.router.Choose(snap)
	fp := cache.Fingerprint(&t, variant.Name)

	if t.Hints.CacheAllowed() {
		if data, ok := d.cache.Get(ctx, fp); ok {
			var res types.Result
			if err := json.Unmarshal(data, &res); err == nil {
				res.CacheHit = true
				res.LatencyMS = 0
				d.cacheHits.Add(1)
				d.dispatched.Add(1)
				return &res, nil
			}
			d.logger.Warn("dropping undecodable cached result", zap.String("key", fp))
			d.cache.Delete(ctx, fp)
		}
		return d.dispatchShared(ctx, &t, variant, fp)
	}

	// allow_cache=false bypasses both the cache and the single-flight group:
	// the caller explicitly asked for a fresh computation.
	res, err := d.execute(ctx, &t, variant, "")
	d.count(err)
	return res, err
}

// dispatchShared funnels concurrent identical fingerprints into one
// execution. Waiters observe the same overall deadline as their own request.
func (d *Dispatcher) dispatchShared(ctx context.Context, t *types.Task, variant router.Variant, fp string) (*types.Result, error) {
	ch := d.flight.DoChan(fp, func() (any, error) {
		res, err := d.execute(ctx, t, variant, fp)
		if err != nil {
			// Do not pin failures: the next identical request gets a fresh
			// attempt.
			d.flight.Forget(fp)
			return nil, err
		}
		return res, nil
	})

	select {
	case <-ctx.Done():
		err := ctxError(ctx)
		d.count(err)
		return nil, err
	case out := <-ch:
		d.count(out.Err)
		if out.Err != nil {
			return nil, out.Err
		}
		res := out.Val.(*types.Result)
		if out.Shared {
			// Copy so concurrent callers do not share mutable state.
			cp := *res
			res = &cp
		}
		return res, nil
	}
}

// admit enforces the parallel-worker cap with a bounded wait queue.
func (d *Dispatcher) admit(ctx context.Context) error {
	if d.sem.TryAcquire(1) {
		return nil
	}
	// Increment first and check the post-increment value so concurrent
	// arrivals cannot overshoot the bound.
	n := d.queued.Add(1)
	defer d.queued.Add(-1)
	if d.cfg.MaxQueueSize > 0 && n > int64(d.cfg.MaxQueueSize) {
		d.rejected.Add(1)
		return types.Errorf(types.Overloaded, "admission queue full (%d waiting)", d.cfg.MaxQueueSize)
	}
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return types.WrapError(types.Timeout, err, "cancelled while queued")
	}
	return nil
}

func (d *Dispatcher) resourceGate(snap probe.Snapshot) error {
	if snap.CPUPct >= cpuRejectPct {
		return types.Errorf(types.Overloaded, "cpu at %.0f%%", snap.CPUPct)
	}
	if snap.TemperatureC >= tempRejectC {
		return types.Errorf(types.Overloaded, "temperature at %.0f°C", snap.TemperatureC)
	}
	if snap.RAMTotalBytes > 0 && snap.RAMFreeBytes < d.cfg.RAMFloorBytes {
		return types.Errorf(types.Overloaded, "free ram %d below floor %d", snap.RAMFreeBytes, d.cfg.RAMFloorBytes)
	}
	if snap.CPUPct >= cpuDegradePct || snap.TemperatureC >= tempDegradeC {
		d.logger.Warn("host degraded",
			zap.Float64("cpu_pct", snap.CPUPct),
			zap.Float64("temperature_c", snap.TemperatureC))
	}
	return nil
}

func (d *Dispatcher) count(err error) {
	d.dispatched.Add(1)
	if err != nil {
		d.failures.Add(1)
	}
}

// Stats samples the dispatcher counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Dispatched: d.dispatched.Load(),
		CacheHits:  d.cacheHits.Load(),
		Retries:    d.retries.Load(),
		Rejected:   d.rejected.Load(),
		Failures:   d.failures.Load(),
	}
}

// Drain waits for in-flight experience recorders, used on shutdown.
func (d *Dispatcher) Drain() {
	d.recorders.Wait()
}

func ctxError(ctx context.Context) *types.Error {
	if ctx.Err() == context.Canceled {
		return types.WrapError(types.Timeout, ctx.Err(), "dispatch cancelled")
	}
	return types.WrapError(types.Timeout, ctx.Err(), "dispatch deadline exceeded")
}
