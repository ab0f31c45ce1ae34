package app

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/pushline/internal/broadcast"
	"github.com/pscheid92/pushline/internal/domain"
	"github.com/pscheid92/pushline/internal/domain/domaintest"
	"github.com/pscheid92/pushline/internal/metrics"
	"github.com/pscheid92/pushline/internal/registry"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type harness struct {
	clock    *clockwork.FakeClock
	sink     *domaintest.RecordingSink
	metrics  *metrics.Push
	registry *registry.Registry
}

func newHarness(t *testing.T, opts registry.Options) *harness {
	t.Helper()
	clock := clockwork.NewFakeClockAt(epoch)
	sink := &domaintest.RecordingSink{}
	m := metrics.NewNop()
	return &harness{
		clock:    clock,
		sink:     sink,
		metrics:  m,
		registry: registry.New(clock, sink, m, opts),
	}
}

func (h *harness) register(t *testing.T, c domain.Connection) *registry.Stream {
	t.Helper()
	s, err := h.registry.Register(c)
	require.NoError(t, err)
	return s
}

func (h *harness) service(validator domain.AuthValidator) *Service {
	sel := broadcast.NewSelector(h.registry, validator, h.clock, h.metrics)
	disp := broadcast.NewDispatcher(h.registry, sel, h.sink, h.clock, h.metrics)
	reaper := NewReaper(h.registry, h.clock, h.metrics, time.Minute, 10*time.Second)
	heartbeat := NewHeartbeat(h.registry, h.clock, h.metrics, 5*time.Second)
	return NewService(h.registry, disp, reaper, heartbeat, h.clock)
}

// waitForWaiters blocks until n timers or tickers are parked on the fake clock.
func waitForWaiters(t *testing.T, clock *clockwork.FakeClock, n int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, n))
}
