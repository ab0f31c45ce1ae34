package registry

import (
	"context"
	"iter"
	"sync"
	"sync/atomic"

	"github.com/pscheid92/pushline/internal/domain"
)

// Stream is the consumer side of a registered connection. It can be consumed
// once; ending that consumption deregisters the connection.
type Stream struct {
	registry *Registry
	conn     domain.Connection
	handle   *handle

	started   atomic.Bool
	closeOnce sync.Once
}

// ID returns the connection id the stream was registered under.
func (s *Stream) ID() string {
	return s.conn.ID
}

// Connection returns the connection as it was registered.
func (s *Stream) Connection() domain.Connection {
	return s.conn
}

// Done is closed once the registry stops feeding the stream, whether because
// the connection was replaced, expired, evicted or deregistered.
func (s *Stream) Done() <-chan struct{} {
	return s.handle.done
}

// Events returns the lazy sequence of events pushed to this connection. The
// sequence ends when ctx is cancelled, the consumer stops iterating, or the
// registry closes the handle. In every case the connection is deregistered.
// A second call yields nothing.
func (s *Stream) Events(ctx context.Context) iter.Seq[domain.Event] {
	return func(yield func(domain.Event) bool) {
		if !s.started.CompareAndSwap(false, true) {
			return
		}
		defer s.Close()

		for {
			if s.handle.isClosed() {
				return
			}

			select {
			case <-ctx.Done():
				return
			case <-s.handle.done:
				return
			case ev := <-s.handle.events:
				if !yield(ev) {
					return
				}
			}
		}
	}
}

// Close ends consumption and removes the connection if this stream still owns
// the registry entry. Safe to call more than once.
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		s.registry.remove(s.conn.ID, s.handle, domain.ConnectionClosed)
		s.handle.close()
	})
}
