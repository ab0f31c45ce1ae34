package registry

import (
	"iter"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/pushline/internal/domain"
	"github.com/pscheid92/pushline/internal/metrics"
)

const (
	defaultShards     = 32
	defaultBufferSize = 32
	defaultTTL        = time.Hour
)

// Options tunes a Registry. Zero values fall back to the defaults.
type Options struct {
	Shards     int
	BufferSize int
	TTL        time.Duration
}

// Entry is a point-in-time view of a registered connection, bound to the
// delivery handle it had when the view was taken.
type Entry struct {
	domain.Connection
	handle *handle
}

type entry struct {
	conn   domain.Connection
	handle *handle
}

func (e *entry) snapshot() domain.Connection {
	c := e.conn
	c.LastActivityAt = e.handle.lastActivityAt()
	return c
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// Registry tracks live connections keyed by connection id.
type Registry struct {
	shards     []*shard
	count      atomic.Int64
	closed     atomic.Bool
	clock      clockwork.Clock
	audit      domain.AuditSink
	metrics    *metrics.Push
	ttl        time.Duration
	bufferSize int
}

// New creates an empty registry.
// audit receives lifecycle notifications and must not block.
func New(clock clockwork.Clock, audit domain.AuditSink, m *metrics.Push, opts Options) *Registry {
	if opts.Shards <= 0 {
		opts.Shards = defaultShards
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaultBufferSize
	}
	if opts.TTL <= 0 {
		opts.TTL = defaultTTL
	}

	shards := make([]*shard, opts.Shards)
	for i := range shards {
		shards[i] = &shard{entries: make(map[string]*entry)}
	}

	return &Registry{
		shards:     shards,
		clock:      clock,
		audit:      audit,
		metrics:    m,
		ttl:        opts.TTL,
		bufferSize: opts.BufferSize,
	}
}

func (r *Registry) shardFor(id string) *shard {
	return r.shards[xxhash.Sum64String(id)%uint64(len(r.shards))]
}

// Register inserts conn, replacing and closing any entry with the same id.
// An empty id is replaced by a generated one; a zero TTLExpiresAt is set to
// now plus the registry TTL. ConnectedAt is always the registration instant.
func (r *Registry) Register(conn domain.Connection) (*Stream, error) {
	if err := conn.Validate(); err != nil {
		return nil, err
	}

	now := r.clock.Now()
	if conn.ID == "" {
		conn.ID = uuid.NewString()
	}
	conn.ConnectedAt = now
	conn.LastActivityAt = now
	if conn.TTLExpiresAt.IsZero() {
		conn.TTLExpiresAt = now.Add(r.ttl)
	}
	conn.Metadata = maps.Clone(conn.Metadata)

	e := &entry{conn: conn, handle: newHandle(r.bufferSize, now)}

	s := r.shardFor(conn.ID)
	s.mu.Lock()
	// Checked under the shard lock so Close cannot miss this entry.
	if r.closed.Load() {
		s.mu.Unlock()
		return nil, domain.ErrShuttingDown
	}
	old, replaced := s.entries[conn.ID]
	if replaced {
		old.handle.close()
	}
	s.entries[conn.ID] = e
	s.mu.Unlock()

	r.metrics.Registrations.Inc()
	if replaced {
		r.metrics.Removals.WithLabelValues(string(domain.ConnectionReplaced)).Inc()
		r.audit.RecordConnectionEvent(domain.ConnectionReplaced, old.snapshot())
		slog.Debug("Connection replaced", "connection_id", conn.ID)
	} else {
		r.metrics.ActiveConnections.Set(float64(r.count.Add(1)))
	}
	r.audit.RecordConnectionEvent(domain.ConnectionRegistered, conn)

	slog.Debug("Connection registered",
		"connection_id", conn.ID,
		"channel_id", conn.ChannelID,
		"chat_id", conn.ChatID,
		"medium_key", conn.MediumKey,
		"ttl_expires_at", conn.TTLExpiresAt,
	)

	return &Stream{registry: r, conn: conn, handle: e.handle}, nil
}

// Deregister removes the entry for id if present. Calling it for an unknown id
// is a no-op.
func (r *Registry) Deregister(id string) {
	r.remove(id, nil, domain.ConnectionDeregistered)
}

// Evict removes e only if its handle is still the current one for that id, so
// a stale view can never remove a newer registration. Returns whether it removed.
func (r *Registry) Evict(e Entry, kind domain.ConnectionEventKind) bool {
	return r.remove(e.ID, e.handle, kind)
}

// remove deletes id when h is nil or matches the current handle.
func (r *Registry) remove(id string, h *handle, kind domain.ConnectionEventKind) bool {
	s := r.shardFor(id)
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok || (h != nil && e.handle != h) {
		s.mu.Unlock()
		return false
	}
	delete(s.entries, id)
	s.mu.Unlock()

	e.handle.close()
	r.metrics.ActiveConnections.Set(float64(r.count.Add(-1)))
	r.metrics.Removals.WithLabelValues(string(kind)).Inc()
	r.audit.RecordConnectionEvent(kind, e.snapshot())

	slog.Debug("Connection removed", "connection_id", id, "reason", kind)
	return true
}

// Get returns the connection registered under id.
func (r *Registry) Get(id string) (domain.Connection, bool) {
	s := r.shardFor(id)
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()

	if !ok {
		return domain.Connection{}, false
	}
	return e.snapshot(), true
}

// SelectBy yields every entry whose connection satisfies pred (nil matches all).
// Each shard is copied under its read lock and yielded after the lock is
// released, so entries added or removed mid-scan may or may not be observed.
// pred runs under the shard lock and must be cheap.
func (r *Registry) SelectBy(pred func(domain.Connection) bool) iter.Seq[Entry] {
	return func(yield func(Entry) bool) {
		var batch []Entry
		for _, s := range r.shards {
			batch = batch[:0]

			s.mu.RLock()
			for _, e := range s.entries {
				c := e.snapshot()
				if pred == nil || pred(c) {
					batch = append(batch, Entry{Connection: c, handle: e.handle})
				}
			}
			s.mu.RUnlock()

			for _, item := range batch {
				if !yield(item) {
					return
				}
			}
		}
	}
}

// Deliver pushes ev onto the handle captured in e. It fails with ErrHandleClosed
// when the connection is already gone and ErrBufferFull when the consumer lags.
// A full buffer drops ev; heartbeats share that buffer with real events.
func (r *Registry) Deliver(e Entry, ev domain.Event) error {
	return e.handle.push(ev, r.clock.Now())
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	return int(r.count.Load())
}

// Close removes every entry and terminates all streams. Later registrations
// fail with domain.ErrShuttingDown. Used during shutdown.
func (r *Registry) Close() int {
	r.closed.Store(true)

	closed := 0
	for _, s := range r.shards {
		s.mu.Lock()
		entries := s.entries
		s.entries = make(map[string]*entry)
		s.mu.Unlock()

		for _, e := range entries {
			e.handle.close()
			r.count.Add(-1)
			r.audit.RecordConnectionEvent(domain.ConnectionClosed, e.snapshot())
			closed++
		}
	}

	r.metrics.ActiveConnections.Set(float64(r.count.Load()))
	r.metrics.Removals.WithLabelValues(string(domain.ConnectionClosed)).Add(float64(closed))
	slog.Info("Registry closed", "disconnected_connections", closed)
	return closed
}
