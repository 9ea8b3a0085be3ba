// Package probe samples host resources (CPU, RAM, temperature, GPU presence)
// into immutable snapshots. A background sampler refreshes a cached snapshot
// so that readers never block on the underlying sensors.
package probe

import (
	"os"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/sensors"
	"go.uber.org/zap"
)

// Snapshot is one immutable sample of host resources. Temperature and GPU
// fields are zero on platforms without the matching sensors; consumers must
// not interpret zero as "cold".
type Snapshot struct {
	CPUPct        float64
	RAMFreeBytes  uint64
	RAMTotalBytes uint64
	TemperatureC  float64
	GPUPresent    bool
	GPULoadPct    float64
	TakenAt       time.Time
}

// Provider is the read side of the sampler. The dispatcher depends on this
// interface so tests can substitute fixed snapshots.
type Provider interface {
	Snapshot() Snapshot
}

// Sampler refreshes a cached Snapshot every interval. Snapshot() always
// returns the most recent sample without blocking.
type Sampler struct {
	interval time.Duration
	logger   *zap.Logger

	cur  atomic.Pointer[Snapshot]
	stop chan struct{}
	done chan struct{}

	gpuPresent bool // probed once at startup
}

// NewSampler creates a sampler with the given refresh interval and takes an
// initial sample synchronously so Snapshot is immediately meaningful.
func NewSampler(interval time.Duration, logger *zap.Logger) *Sampler {
	if interval <= 0 {
		interval = time.Second
	}
	s := &Sampler{
		interval:   interval,
		logger:     logger.Named("probe"),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		gpuPresent: detectGPU(),
	}
	snap := s.sample()
	s.cur.Store(&snap)
	return s
}

// Start launches the background refresh loop.
func (s *Sampler) Start() {
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				snap := s.sample()
				s.cur.Store(&snap)
			case <-s.stop:
				return
			}
		}
	}()
}

// Stop terminates the refresh loop and waits for it to exit.
func (s *Sampler) Stop() {
	close(s.stop)
	<-s.done
}

// Snapshot returns the latest cached sample. It never blocks.
func (s *Sampler) Snapshot() Snapshot {
	return *s.cur.Load()
}

func (s *Sampler) sample() Snapshot {
	snap := Snapshot{
		TakenAt:    time.Now(),
		GPUPresent: s.gpuPresent,
	}

	// Interval 0 reports usage since the previous call, which keeps each
	// sample under the 10 ms budget.
	if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		snap.CPUPct = pcts[0]
	} else if err != nil {
		s.logger.Debug("cpu sample failed", zap.Error(err))
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		snap.RAMFreeBytes = vm.Available
		snap.RAMTotalBytes = vm.Total
	} else {
		s.logger.Debug("memory sample failed", zap.Error(err))
	}

	if temps, err := sensors.SensorsTemperatures(); err == nil {
		for _, t := range temps {
			if t.Temperature > snap.TemperatureC {
				snap.TemperatureC = t.Temperature
			}
		}
	}

	return snap
}

// detectGPU checks for well-known device nodes. Load reporting requires a
// vendor library and stays zero here.
func detectGPU() bool {
	for _, p := range []string{"/dev/nvidia0", "/dev/dri/renderD128"} {
		if _, err := os.Stat(p); err == nil {
			return true
		}
	}
	return false
}

// Static is a fixed-snapshot Provider for tests and wiring without a sampler.
type Static struct{ Snap Snapshot }

func (s Static) Snapshot() Snapshot { return s.Snap }
