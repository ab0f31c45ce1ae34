package audit

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/pscheid92/pushline/internal/domain"
	"github.com/pscheid92/pushline/internal/metrics"
	"github.com/pscheid92/pushline/internal/platform/retry"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockStore struct {
	mu          sync.Mutex
	err         error
	block       chan struct{}
	calls       int
	connections []domain.ConnectionRecord
	broadcasts  []domain.BroadcastRecord
	outcomes    []domain.DeliveryOutcome
}

func (m *mockStore) enter() error {
	if m.block != nil {
		<-m.block
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return m.err
}

func (m *mockStore) SaveConnectionEvent(_ context.Context, rec domain.ConnectionRecord) error {
	if err := m.enter(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections = append(m.connections, rec)
	return nil
}

func (m *mockStore) SaveBroadcastRequest(_ context.Context, rec domain.BroadcastRecord) error {
	if err := m.enter(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.broadcasts = append(m.broadcasts, rec)
	return nil
}

func (m *mockStore) SaveDeliveryOutcome(_ context.Context, out domain.DeliveryOutcome) error {
	if err := m.enter(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, out)
	return nil
}

func (m *mockStore) getCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

var singleAttempt = retry.Policy{MaxAttempts: 1}

func closeRecorder(t *testing.T, r *Recorder) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, r.Close(ctx))
}

func TestRecorder_WritesAllRecordKinds(t *testing.T) {
	store := &mockStore{}
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	m := metrics.NewNop()
	r := NewRecorder(store, clock, m, Options{Retry: singleAttempt})

	conn := domain.Connection{ID: "a", ChannelID: "c1", ChatID: "t1"}
	r.RecordConnectionEvent(domain.ConnectionRegistered, conn)
	r.RecordBroadcastRequest(domain.BroadcastRecord{BroadcastID: "b1"})
	r.RecordDeliveryOutcome(domain.DeliveryOutcome{BroadcastID: "b1", ConnectionID: "a", Delivered: true})

	closeRecorder(t, r)

	require.Len(t, store.connections, 1)
	assert.Equal(t, domain.ConnectionRegistered, store.connections[0].Kind)
	assert.Equal(t, "a", store.connections[0].Connection.ID)
	assert.Equal(t, clock.Now(), store.connections[0].At)
	require.Len(t, store.broadcasts, 1)
	require.Len(t, store.outcomes, 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AuditWrites.WithLabelValues(recordDelivery, "ok")))
}

func TestRecorder_DropsWhenQueueFull(t *testing.T) {
	store := &mockStore{block: make(chan struct{})}
	m := metrics.NewNop()
	r := NewRecorder(store, clockwork.NewFakeClock(), m, Options{QueueSize: 1, Retry: singleAttempt})

	// The worker takes the first record and blocks; the second fills the queue.
	r.RecordBroadcastRequest(domain.BroadcastRecord{BroadcastID: "1"})
	assert.Eventually(t, func() bool { return len(r.queue) == 0 }, time.Second, 5*time.Millisecond)
	r.RecordBroadcastRequest(domain.BroadcastRecord{BroadcastID: "2"})
	r.RecordBroadcastRequest(domain.BroadcastRecord{BroadcastID: "3"})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.AuditDropped))

	close(store.block)
	closeRecorder(t, r)
	assert.Len(t, store.broadcasts, 2)
}

func TestRecorder_FailuresAreAbsorbed(t *testing.T) {
	store := &mockStore{err: errors.New("db down")}
	m := metrics.NewNop()
	r := NewRecorder(store, clockwork.NewFakeClock(), m, Options{Retry: singleAttempt})

	r.RecordDeliveryOutcome(domain.DeliveryOutcome{BroadcastID: "b1"})
	closeRecorder(t, r)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.AuditWrites.WithLabelValues(recordDelivery, "error")))
}

func TestRecorder_CircuitOpensAfterConsecutiveFailures(t *testing.T) {
	store := &mockStore{err: errors.New("db down")}
	m := metrics.NewNop()
	r := NewRecorder(store, clockwork.NewFakeClock(), m, Options{Retry: singleAttempt})

	for range 8 {
		r.RecordBroadcastRequest(domain.BroadcastRecord{})
	}
	closeRecorder(t, r)

	assert.Equal(t, 5, store.getCalls(), "open circuit must short-circuit further writes")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.AuditCircuitState))
}

func TestRecorder_RetriesTransientErrors(t *testing.T) {
	store := &mockStore{err: errors.New("timeout")}
	m := metrics.NewNop()
	policy := retry.Policy{MaxAttempts: 3, InitialBackoff: time.Millisecond, Clock: clockwork.NewRealClock()}
	r := NewRecorder(store, clockwork.NewFakeClock(), m, Options{Retry: policy})

	r.RecordBroadcastRequest(domain.BroadcastRecord{})
	closeRecorder(t, r)

	assert.Equal(t, 3, store.getCalls())
}

func TestRecorder_DropsAfterClose(t *testing.T) {
	store := &mockStore{}
	m := metrics.NewNop()
	r := NewRecorder(store, clockwork.NewFakeClock(), m, Options{})
	closeRecorder(t, r)

	r.RecordBroadcastRequest(domain.BroadcastRecord{})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AuditDropped))
	assert.NoError(t, r.Close(context.Background()))
}

func TestClassify(t *testing.T) {
	assert.Equal(t, retry.Stop, classify(gobreaker.ErrOpenState))
	assert.Equal(t, retry.Stop, classify(&pgconn.PgError{Code: "23505"}))
	assert.Equal(t, retry.Stop, classify(&pgconn.PgError{Code: "22P02"}))
	assert.Equal(t, retry.Retry, classify(&pgconn.PgError{Code: "40001"}))
	assert.Equal(t, retry.Retry, classify(errors.New("connection reset")))
}

func TestLogStore_WritesDebugRecords(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	store := NewLogStore(logger)
	ctx := context.Background()

	require.NoError(t, store.SaveConnectionEvent(ctx, domain.ConnectionRecord{
		Kind:       domain.ConnectionExpired,
		Connection: domain.Connection{ID: "a"},
	}))
	require.NoError(t, store.SaveDeliveryOutcome(ctx, domain.DeliveryOutcome{BroadcastID: "b1", Delivered: true}))

	out := buf.String()
	assert.Contains(t, out, "component=audit")
	assert.Contains(t, out, "kind=expired")
	assert.Contains(t, out, "broadcast_id=b1")
}
