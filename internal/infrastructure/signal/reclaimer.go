package signal

import (
	"context"
	"time"

	"castrelay/internal/infrastructure/monitoring"

	"go.uber.org/zap"
)

// SessionReclaimer is the slice of the session manager the reclaimer
// needs: evict sessions whose transport has been gone longer than the
// threshold.
type SessionReclaimer interface {
	ReclaimInactive(threshold time.Duration) int
}

// Reclaimer periodically evicts idle connections and abandoned
// sessions. It runs on a fixed interval and keeps the registry honest
// when close events never arrive.
type Reclaimer struct {
	registry *Registry
	sessions SessionReclaimer

	interval  time.Duration
	threshold time.Duration

	logger  *zap.SugaredLogger
	metrics *monitoring.Collector
}

func NewReclaimer(registry *Registry, sessions SessionReclaimer, interval, threshold time.Duration, logger *zap.SugaredLogger, metrics *monitoring.Collector) *Reclaimer {
	return &Reclaimer{
		registry:  registry,
		sessions:  sessions,
		interval:  interval,
		threshold: threshold,
		logger:    logger,
		metrics:   metrics,
	}
}

// Run sweeps until the context is cancelled. A panic in one sweep is
// recovered and logged so the loop survives.
func (r *Reclaimer) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.safeSweep()
		}
	}
}

func (r *Reclaimer) safeSweep() {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Errorw("reclaim sweep panicked", "panic", rec)
		}
	}()
	r.Sweep()
}

// Sweep performs one reclaim pass.
func (r *Reclaimer) Sweep() {
	idle := r.registry.IdleConnections(r.threshold)
	for _, connID := range idle {
		r.registry.Unregister(connID, "idle timeout")
	}
	if len(idle) > 0 {
		r.metrics.ConnectionsReclaimed(len(idle))
		r.logger.Infow("reclaimed idle connections", "count", len(idle))
	}

	if r.sessions != nil {
		if n := r.sessions.ReclaimInactive(r.threshold); n > 0 {
			r.metrics.SessionsReclaimed(n)
			r.logger.Infow("reclaimed abandoned sessions", "count", n)
		}
	}
}
