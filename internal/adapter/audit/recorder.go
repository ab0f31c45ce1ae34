// Package audit persists connection lifecycle and delivery history off the
// hot path. Records are queued without blocking and written by one worker
// through a circuit breaker and a bounded retry.
package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/pushline/internal/domain"
	"github.com/pscheid92/pushline/internal/metrics"
	"github.com/pscheid92/pushline/internal/platform/retry"
	"github.com/sony/gobreaker"
)

// Record label values.
const (
	recordConnection = "connection_event"
	recordBroadcast  = "broadcast_request"
	recordDelivery   = "delivery_outcome"
)

const (
	defaultQueueSize    = 1024
	defaultWriteTimeout = 2 * time.Second
)

// Store is the durable side of the audit trail.
type Store interface {
	SaveConnectionEvent(ctx context.Context, rec domain.ConnectionRecord) error
	SaveBroadcastRequest(ctx context.Context, rec domain.BroadcastRecord) error
	SaveDeliveryOutcome(ctx context.Context, out domain.DeliveryOutcome) error
}

type job struct {
	record string
	write  func(ctx context.Context) error
}

// Options tunes a Recorder. Zero values fall back to the defaults.
type Options struct {
	QueueSize    int
	WriteTimeout time.Duration
	Retry        retry.Policy
}

// Recorder implements domain.AuditSink on top of a Store.
type Recorder struct {
	store   Store
	clock   clockwork.Clock
	metrics *metrics.Push
	cb      *gobreaker.CircuitBreaker
	timeout time.Duration
	policy  retry.Policy

	mu     sync.RWMutex
	closed bool
	queue  chan job
	done   chan struct{}
}

var _ domain.AuditSink = (*Recorder)(nil)

// NewRecorder starts the write worker. Call Close to drain and stop it.
func NewRecorder(store Store, clock clockwork.Clock, m *metrics.Push, opts Options) *Recorder {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = retry.Policy{MaxAttempts: 3, InitialBackoff: 100 * time.Millisecond, MaxBackoff: time.Second}
	}
	if opts.Retry.Clock == nil {
		opts.Retry.Clock = clock
	}

	r := &Recorder{
		store:   store,
		clock:   clock,
		metrics: m,
		timeout: opts.WriteTimeout,
		policy:  opts.Retry,
		queue:   make(chan job, opts.QueueSize),
		done:    make(chan struct{}),
	}

	r.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "audit-store",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("Circuit breaker state changed", "component", name, "from", from.String(), "to", to.String())
			m.AuditCircuitState.Set(stateToFloat(to))
		},
	})

	go r.run()
	return r
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

func (r *Recorder) RecordConnectionEvent(kind domain.ConnectionEventKind, conn domain.Connection) {
	rec := domain.ConnectionRecord{Kind: kind, Connection: conn, At: r.clock.Now()}
	r.enqueue(job{record: recordConnection, write: func(ctx context.Context) error {
		return r.store.SaveConnectionEvent(ctx, rec)
	}})
}

func (r *Recorder) RecordBroadcastRequest(rec domain.BroadcastRecord) {
	r.enqueue(job{record: recordBroadcast, write: func(ctx context.Context) error {
		return r.store.SaveBroadcastRequest(ctx, rec)
	}})
}

func (r *Recorder) RecordDeliveryOutcome(out domain.DeliveryOutcome) {
	r.enqueue(job{record: recordDelivery, write: func(ctx context.Context) error {
		return r.store.SaveDeliveryOutcome(ctx, out)
	}})
}

func (r *Recorder) enqueue(j job) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		r.metrics.AuditDropped.Inc()
		return
	}

	select {
	case r.queue <- j:
		r.metrics.AuditQueueDepth.Set(float64(len(r.queue)))
	default:
		r.metrics.AuditDropped.Inc()
		slog.Warn("Audit queue full, dropping record", "record", j.record)
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for j := range r.queue {
		r.metrics.AuditQueueDepth.Set(float64(len(r.queue)))
		r.write(j)
	}
}

func (r *Recorder) write(j job) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	err := retry.Do(ctx, r.policy, classify, func(ctx context.Context) error {
		_, err := r.cb.Execute(func() (interface{}, error) {
			return nil, j.write(ctx)
		})
		return err
	})
	if err != nil {
		r.metrics.AuditWrites.WithLabelValues(j.record, "error").Inc()
		slog.Warn("Audit write failed", "record", j.record, "error", err)
		return
	}
	r.metrics.AuditWrites.WithLabelValues(j.record, "ok").Inc()
}

// classify stops on an open circuit and on data errors that a retry cannot fix.
func classify(err error) retry.Action {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return retry.Stop
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) >= 2 {
		switch pgErr.Code[:2] {
		case "22", "23": // data exception, integrity constraint violation
			return retry.Stop
		}
	}
	return retry.Retry
}

// Close stops accepting records and waits for the queue to drain or ctx to end.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("audit drain interrupted: %w", ctx.Err())
	}
}
