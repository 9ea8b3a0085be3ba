package backendpool

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// healthCheckTimeout bounds each individual backend ping.
const healthCheckTimeout = 5 * time.Second

// PingFunc probes a backend address for liveness, e.g. by listing the models
// the runtime at that address serves.
type PingFunc func(ctx context.Context, address string) error

// HealthChecker periodically pings every registered backend and feeds the
// outcomes into the pool's state machine. Backends in maintenance are
// skipped.
type HealthChecker struct {
	pool     *Pool
	ping     PingFunc
	interval time.Duration
	logger   *zap.Logger

	stop chan struct{}
	done chan struct{}
}

// NewHealthChecker builds a checker running every interval.
func NewHealthChecker(pool *Pool, ping PingFunc, interval time.Duration, logger *zap.Logger) *HealthChecker {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &HealthChecker{
		pool:     pool,
		ping:     ping,
		interval: interval,
		logger:   logger.Named("health"),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the check loop.
func (h *HealthChecker) Start() {
	go func() {
		defer close(h.done)
		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				h.runOnce()
			case <-h.stop:
				return
			}
		}
	}()
}

// Stop terminates the loop and waits for in-progress checks to finish.
func (h *HealthChecker) Stop() {
	close(h.stop)
	<-h.done
}

func (h *HealthChecker) runOnce() {
	for _, info := range h.pool.List() {
		if info.State == StateMaintenance {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), healthCheckTimeout)
		err := h.ping(ctx, info.Address)
		cancel()
		if err != nil {
			h.logger.Debug("health check failed",
				zap.String("id", info.ID), zap.String("address", info.Address), zap.Error(err))
		}
		h.pool.RecordHealthCheck(info.ID, err == nil)
	}
}
