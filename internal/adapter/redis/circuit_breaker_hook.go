package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/pscheid92/pushline/internal/metrics"
	goredis "github.com/redis/go-redis/v9"
)

const fallbackTTL = 5 * time.Minute

// CircuitBreakerHook guards every command on the credential store. While the
// circuit is open, GETs are answered from the last value seen for that key so
// already-validated subjects keep receiving broadcasts during an outage.
type CircuitBreakerHook struct {
	cb circuitbreaker.CircuitBreaker[any]

	mu       sync.RWMutex
	fallback map[string]cachedValue
	now      func() time.Time
}

var _ goredis.Hook = (*CircuitBreakerHook)(nil)

type cachedValue struct {
	data     string
	storedAt time.Time
}

// NewCircuitBreakerHook opens after 60% failures over at least 5 commands in
// a 10s window, probes again after 30s and closes on the first success.
func NewCircuitBreakerHook(m *metrics.Push) *CircuitBreakerHook {
	cb := circuitbreaker.NewBuilder[any]().
		WithFailureRateThreshold(0.6, 5, 10*time.Second).
		WithDelay(30 * time.Second).
		WithSuccessThreshold(1).
		OnStateChanged(func(e circuitbreaker.StateChangedEvent) {
			slog.Warn("Circuit breaker state changed",
				"component", "redis",
				"from", e.OldState.String(),
				"to", e.NewState.String(),
			)
			m.AuthCircuitState.Set(stateToFloat(e.NewState))
		}).
		Build()

	return &CircuitBreakerHook{
		cb:       cb,
		fallback: make(map[string]cachedValue),
		now:      time.Now,
	}
}

func stateToFloat(state circuitbreaker.State) float64 {
	switch state {
	case circuitbreaker.ClosedState:
		return 0
	case circuitbreaker.HalfOpenState:
		return 1
	case circuitbreaker.OpenState:
		return 2
	default:
		return -1
	}
}

func (h *CircuitBreakerHook) DialHook(next goredis.DialHook) goredis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		if !h.cb.TryAcquirePermit() {
			return nil, fmt.Errorf("circuit breaker dial failed: %w", circuitbreaker.ErrOpen)
		}
		conn, err := next(ctx, network, addr)
		if err != nil {
			h.cb.RecordError(err)
			return nil, fmt.Errorf("circuit breaker dial failed: %w", err)
		}
		h.cb.RecordSuccess()
		return conn, nil
	}
}

func (h *CircuitBreakerHook) ProcessHook(next goredis.ProcessHook) goredis.ProcessHook {
	return func(ctx context.Context, cmd goredis.Cmder) error {
		if !h.cb.TryAcquirePermit() {
			return h.serveFallback(cmd)
		}

		err := next(ctx, cmd)
		if err != nil && !errors.Is(err, goredis.Nil) {
			h.cb.RecordError(err)
			return err
		}
		h.cb.RecordSuccess()
		h.remember(cmd)
		return err
	}
}

func (h *CircuitBreakerHook) ProcessPipelineHook(next goredis.ProcessPipelineHook) goredis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []goredis.Cmder) error {
		if !h.cb.TryAcquirePermit() {
			return fmt.Errorf("redis circuit breaker open: %w", circuitbreaker.ErrOpen)
		}

		err := next(ctx, cmds)
		if err != nil {
			h.cb.RecordError(err)
			return fmt.Errorf("circuit breaker pipeline failed: %w", err)
		}
		h.cb.RecordSuccess()
		return nil
	}
}

func (h *CircuitBreakerHook) serveFallback(cmd goredis.Cmder) error {
	sc, ok := cmd.(*goredis.StringCmd)
	if !ok || cmd.Name() != "get" || len(cmd.Args()) < 2 {
		return fmt.Errorf("redis circuit breaker open: %w", circuitbreaker.ErrOpen)
	}

	key := fmt.Sprint(cmd.Args()[1])
	h.mu.RLock()
	v, found := h.fallback[key]
	h.mu.RUnlock()

	if !found || h.now().Sub(v.storedAt) > fallbackTTL {
		return fmt.Errorf("redis circuit breaker open and no cached value: %w", circuitbreaker.ErrOpen)
	}

	slog.Debug("Circuit breaker open, serving cached value", "key", key)
	sc.SetVal(v.data)
	return nil
}

// remember keeps successful GET results for use while the circuit is open.
// A miss forgets the key so a revoked token is not resurrected later.
func (h *CircuitBreakerHook) remember(cmd goredis.Cmder) {
	sc, ok := cmd.(*goredis.StringCmd)
	if !ok || cmd.Name() != "get" || len(cmd.Args()) < 2 {
		return
	}

	key := fmt.Sprint(cmd.Args()[1])
	val, err := sc.Result()

	h.mu.Lock()
	defer h.mu.Unlock()
	if errors.Is(err, goredis.Nil) {
		delete(h.fallback, key)
		return
	}
	h.fallback[key] = cachedValue{data: val, storedAt: h.now()}
}
