// Package balancer selects a backend for each request using a pluggable
// strategy. It only reads pool snapshots; slot reservation stays with the
// caller and the pool.
package balancer

import (
	"errors"
	"hash/fnv"
	"math/rand/v2"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"taskforge/internal/backendpool"
)

// Strategy names match the balancer.strategy config values.
type Strategy string

const (
	RoundRobin    Strategy = "round_robin"
	LeastInflight Strategy = "least_inflight"
	LeastLatency  Strategy = "least_latency"
	IPHash        Strategy = "ip_hash"
	Weighted      Strategy = "weighted"
	Random        Strategy = "random"
)

// ErrNoBackend is returned when no backend is online.
var ErrNoBackend = errors.New("balancer: no online backend")

// PickHints narrow a single pick.
type PickHints struct {
	// ClientIP feeds the ip_hash strategy; empty means "0.0.0.0".
	ClientIP string

	// Exclude removes backends (by id) from consideration, e.g. after a
	// failed reservation.
	Exclude map[string]bool
}

// Balancer picks among the pool's online backends. The strategy can be
// swapped at runtime.
type Balancer struct {
	pool   *backendpool.Pool
	logger *zap.Logger

	mu       sync.RWMutex
	strategy Strategy

	rrIndex atomic.Uint64
}

// New builds a balancer with the initial strategy.
func New(pool *backendpool.Pool, strategy Strategy, logger *zap.Logger) *Balancer {
	if strategy == "" {
		strategy = RoundRobin
	}
	return &Balancer{
		pool:     pool,
		strategy: strategy,
		logger:   logger.Named("balancer"),
	}
}

// Strategy returns the currently active strategy.
func (b *Balancer) Strategy() Strategy {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.strategy
}

// SetStrategy swaps the strategy at runtime.
func (b *Balancer) SetStrategy(s Strategy) {
	b.mu.Lock()
	prev := b.strategy
	b.strategy = s
	b.mu.Unlock()
	if prev != s {
		b.logger.Info("strategy changed",
			zap.String("from", string(prev)), zap.String("to", string(s)))
	}
}

// Pick returns a backend snapshot chosen per the active strategy, or
// ErrNoBackend when the online list (minus exclusions) is empty. Offline and
// maintenance backends are never returned.
func (b *Balancer) Pick(hints PickHints) (backendpool.Info, error) {
	online := b.pool.ListOnline()
	if len(hints.Exclude) > 0 {
		filtered := online[:0]
		for _, info := range online {
			if !hints.Exclude[info.ID] {
				filtered = append(filtered, info)
			}
		}
		online = filtered
	}
	if len(online) == 0 {
		return backendpool.Info{}, ErrNoBackend
	}

	// Stable order keeps round_robin and ip_hash deterministic across the
	// map-backed pool.
	sort.Slice(online, func(i, j int) bool { return online[i].ID < online[j].ID })

	switch b.Strategy() {
	case LeastInflight:
		return pickLeastInflight(online), nil
	case LeastLatency:
		return b.pickLeastLatency(online), nil
	case IPHash:
		return pickIPHash(online, hints.ClientIP), nil
	case Weighted:
		return pickWeighted(online), nil
	case Random:
		return online[rand.IntN(len(online))], nil
	default:
		return b.pickRoundRobin(online), nil
	}
}

func (b *Balancer) pickRoundRobin(online []backendpool.Info) backendpool.Info {
	idx := b.rrIndex.Add(1) - 1
	return online[idx%uint64(len(online))]
}

// pickLeastInflight takes the argmin by inflight, ties broken by id. The
// slice is id-sorted, so the first minimum wins.
func pickLeastInflight(online []backendpool.Info) backendpool.Info {
	best := online[0]
	for _, info := range online[1:] {
		if info.Inflight < best.Inflight {
			best = info
		}
	}
	return best
}

// pickLeastLatency takes the argmin by rolling mean latency. Until every
// candidate has at least one sample, it falls back to round robin.
func (b *Balancer) pickLeastLatency(online []backendpool.Info) backendpool.Info {
	best := backendpool.Info{}
	found := false
	for _, info := range online {
		if info.LatencySamples == 0 {
			return b.pickRoundRobin(online)
		}
		if !found || info.MeanLatencyMS < best.MeanLatencyMS {
			best = info
			found = true
		}
	}
	return best
}

func pickIPHash(online []backendpool.Info, clientIP string) backendpool.Info {
	if clientIP == "" {
		clientIP = "0.0.0.0"
	}
	h := fnv.New32a()
	h.Write([]byte(clientIP))
	return online[h.Sum32()%uint32(len(online))]
}

func pickWeighted(online []backendpool.Info) backendpool.Info {
	total := 0
	for _, info := range online {
		total += info.Weight
	}
	n := rand.IntN(total)
	for _, info := range online {
		n -= info.Weight
		if n < 0 {
			return info
		}
	}
	return online[len(online)-1]
}
