package registry

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pscheid92/pushline/internal/domain"
)

var (
	ErrHandleClosed = errors.New("delivery handle closed")
	ErrBufferFull   = errors.New("delivery buffer full")
)

// handle is the outbound queue of one connection. The events channel is never
// closed; done signals termination so a late push cannot panic.
type handle struct {
	mu           sync.Mutex
	events       chan domain.Event
	done         chan struct{}
	closed       bool
	lastActivity atomic.Int64
}

func newHandle(bufferSize int, now time.Time) *handle {
	h := &handle{
		events: make(chan domain.Event, bufferSize),
		done:   make(chan struct{}),
	}
	h.lastActivity.Store(now.UnixNano())
	return h
}

// push enqueues ev without blocking. Holding mu across the send keeps pushes to
// one connection in call order.
func (h *handle) push(ev domain.Event, now time.Time) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrHandleClosed
	}

	select {
	case h.events <- ev:
		h.lastActivity.Store(now.UnixNano())
		return nil
	default:
		return ErrBufferFull
	}
}

// close marks the handle dead. Returns false if it was already closed.
func (h *handle) close() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return false
	}
	h.closed = true
	close(h.done)
	return true
}

func (h *handle) isClosed() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

func (h *handle) lastActivityAt() time.Time {
	return time.Unix(0, h.lastActivity.Load())
}
