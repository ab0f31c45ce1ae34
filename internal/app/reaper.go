package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/pushline/internal/domain"
	"github.com/pscheid92/pushline/internal/metrics"
	"github.com/pscheid92/pushline/internal/registry"
)

const (
	defaultReaperInterval     = 5 * time.Minute
	defaultReaperInitialDelay = 30 * time.Second
)

// Reaper evicts connections whose TTL has passed. Expired entries are already
// invisible to broadcasts; the sweep frees their slots and ends their streams.
type Reaper struct {
	registry     *registry.Registry
	clock        clockwork.Clock
	metrics      *metrics.Push
	interval     time.Duration
	initialDelay time.Duration
}

func NewReaper(reg *registry.Registry, clock clockwork.Clock, m *metrics.Push, interval, initialDelay time.Duration) *Reaper {
	if interval <= 0 {
		interval = defaultReaperInterval
	}
	if initialDelay < 0 {
		initialDelay = defaultReaperInitialDelay
	}
	return &Reaper{
		registry:     reg,
		clock:        clock,
		metrics:      m,
		interval:     interval,
		initialDelay: initialDelay,
	}
}

// Run sweeps once after the initial delay and then on every interval.
// It blocks until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	slog.Info("TTL reaper started", "interval", r.interval, "initial_delay", r.initialDelay)

	delay := r.clock.NewTimer(r.initialDelay)
	select {
	case <-ctx.Done():
		delay.Stop()
		return
	case <-delay.Chan():
	}

	r.Sweep(ctx)

	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			r.Sweep(ctx)
		}
	}
}

// Sweep evicts every expired entry and returns how many it removed.
func (r *Reaper) Sweep(ctx context.Context) int {
	now := r.clock.Now()
	r.metrics.ReaperSweeps.Inc()

	evicted := 0
	for e := range r.registry.SelectBy(func(c domain.Connection) bool { return c.Expired(now) }) {
		if r.registry.Evict(e, domain.ConnectionExpired) {
			evicted++
		}
	}

	if evicted > 0 {
		r.metrics.ReaperEvictions.Add(float64(evicted))
		slog.InfoContext(ctx, "Evicted expired connections", "count", evicted, "remaining", r.registry.Count())
	}
	return evicted
}
