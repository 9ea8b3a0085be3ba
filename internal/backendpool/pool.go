// Package backendpool holds the authoritative state of known model-serving
// endpoints: registration, inflight accounting, and the health state machine.
// The load balancer only ever reads immutable snapshots from here.
package backendpool

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the health state of a backend.
type State int32

const (
	StateOnline State = iota
	StateDegraded
	StateOffline
	StateMaintenance
)

func (s State) String() string {
	switch s {
	case StateOnline:
		return "online"
	case StateDegraded:
		return "degraded"
	case StateOffline:
		return "offline"
	case StateMaintenance:
		return "maintenance"
	}
	return "unknown"
}

// Consecutive-check thresholds for the automatic state machine.
const (
	failsToDegrade = 3
	failsToOffline = 5
	oksToRecover   = 3
	oksToDegradeUp = 1
)

// Config declares a backend to register.
type Config struct {
	ID          string
	Address     string
	Weight      int // >= 1, defaulted to 1
	MaxInflight int // >= 1, defaulted to 4
}

// backend is the mutable pool-internal record. All mutation happens under mu.
type backend struct {
	mu sync.Mutex

	id          string
	address     string
	weight      int
	maxInflight int

	state        State
	inflight     int
	total        uint64
	failures     uint64
	sumLatencyMS uint64
	okReleases   uint64
	lastCheckAt  time.Time
	consecOK     int
	consecFail   int
}

// Info is an immutable snapshot of one backend.
type Info struct {
	ID             string
	Address        string
	Weight         int
	MaxInflight    int
	State          State
	Inflight       int
	Total          uint64
	Failures       uint64
	MeanLatencyMS  float64
	LatencySamples uint64
	LastCheckAt    time.Time
}

// Pool owns all Backend mutation.
type Pool struct {
	mu       sync.RWMutex
	backends map[string]*backend
	logger   *zap.Logger
}

// New returns an empty pool.
func New(logger *zap.Logger) *Pool {
	return &Pool{
		backends: make(map[string]*backend),
		logger:   logger.Named("backendpool"),
	}
}

// Add registers a backend in the online state. Re-adding an existing id
// replaces its configuration but keeps no prior counters.
func (p *Pool) Add(cfg Config) {
	if cfg.Weight < 1 {
		cfg.Weight = 1
	}
	if cfg.MaxInflight < 1 {
		cfg.MaxInflight = 4
	}
	b := &backend{
		id:          cfg.ID,
		address:     cfg.Address,
		weight:      cfg.Weight,
		maxInflight: cfg.MaxInflight,
		state:       StateOnline,
	}
	p.mu.Lock()
	p.backends[cfg.ID] = b
	p.mu.Unlock()
	p.logger.Info("backend registered",
		zap.String("id", cfg.ID), zap.String("address", cfg.Address),
		zap.Int("weight", cfg.Weight), zap.Int("max_inflight", cfg.MaxInflight))
}

// Remove unregisters a backend. Inflight requests already holding a slot are
// unaffected; their Release becomes a no-op.
func (p *Pool) Remove(id string) {
	p.mu.Lock()
	delete(p.backends, id)
	p.mu.Unlock()
	p.logger.Info("backend removed", zap.String("id", id))
}

func (p *Pool) get(id string) *backend {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.backends[id]
}

// List returns an immutable snapshot of every backend.
func (p *Pool) List() []Info {
	p.mu.RLock()
	all := make([]*backend, 0, len(p.backends))
	for _, b := range p.backends {
		all = append(all, b)
	}
	p.mu.RUnlock()

	infos := make([]Info, 0, len(all))
	for _, b := range all {
		infos = append(infos, b.info())
	}
	return infos
}

// ListOnline returns a snapshot of backends currently in the online state.
func (p *Pool) ListOnline() []Info {
	var online []Info
	for _, info := range p.List() {
		if info.State == StateOnline {
			online = append(online, info)
		}
	}
	return online
}

func (b *backend) info() Info {
	b.mu.Lock()
	defer b.mu.Unlock()
	info := Info{
		ID:             b.id,
		Address:        b.address,
		Weight:         b.weight,
		MaxInflight:    b.maxInflight,
		State:          b.state,
		Inflight:       b.inflight,
		Total:          b.total,
		Failures:       b.failures,
		LatencySamples: b.okReleases,
		LastCheckAt:    b.lastCheckAt,
	}
	if b.okReleases > 0 {
		info.MeanLatencyMS = float64(b.sumLatencyMS) / float64(b.okReleases)
	}
	return info
}

// Reserve atomically takes one inflight slot. It succeeds only while the
// backend is online and below its inflight cap.
func (p *Pool) Reserve(id string) bool {
	b := p.get(id)
	if b == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateOnline || b.inflight >= b.maxInflight {
		return false
	}
	b.inflight++
	return true
}

// Release returns a slot taken by Reserve and records the call outcome.
// Latency feeds the rolling mean only for successful calls.
func (p *Pool) Release(id string, latencyMS int64, ok bool) {
	b := p.get(id)
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.inflight > 0 {
		b.inflight--
	}
	b.total++
	if ok {
		if latencyMS < 0 {
			latencyMS = 0
		}
		b.sumLatencyMS += uint64(latencyMS)
		b.okReleases++
	} else {
		b.failures++
	}
}

// SetState is the manual override, e.g. for maintenance windows. It resets
// the consecutive health counters.
func (p *Pool) SetState(id string, state State) {
	b := p.get(id)
	if b == nil {
		return
	}
	b.mu.Lock()
	prev := b.state
	b.state = state
	b.consecOK = 0
	b.consecFail = 0
	b.mu.Unlock()
	p.logger.Info("backend state override",
		zap.String("id", id), zap.Stringer("from", prev), zap.Stringer("to", state))
}

// RecordHealthCheck feeds one health-check outcome into the state machine:
//
//	online   -> degraded  after 3 consecutive failures
//	degraded -> offline   after 5 additional consecutive failures
//	degraded -> online    after 3 consecutive successes
//	offline  -> degraded  after 1 success
//
// Maintenance is only entered and left via SetState.
func (p *Pool) RecordHealthCheck(id string, ok bool) {
	b := p.get(id)
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastCheckAt = time.Now()
	if b.state == StateMaintenance {
		return
	}

	prev := b.state
	if ok {
		b.consecOK++
		b.consecFail = 0
		switch b.state {
		case StateDegraded:
			if b.consecOK >= oksToRecover {
				b.state = StateOnline
				b.consecOK = 0
			}
		case StateOffline:
			if b.consecOK >= oksToDegradeUp {
				b.state = StateDegraded
				b.consecOK = 0
			}
		}
	} else {
		b.consecFail++
		b.consecOK = 0
		switch b.state {
		case StateOnline:
			if b.consecFail >= failsToDegrade {
				b.state = StateDegraded
				b.consecFail = 0
			}
		case StateDegraded:
			if b.consecFail >= failsToOffline {
				b.state = StateOffline
				b.consecFail = 0
			}
		}
	}

	if prev != b.state {
		p.logger.Warn("backend state transition",
			zap.String("id", b.id), zap.Stringer("from", prev), zap.Stringer("to", b.state))
	}
}
