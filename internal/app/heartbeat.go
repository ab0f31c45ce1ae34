package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/pushline/internal/domain"
	"github.com/pscheid92/pushline/internal/metrics"
	"github.com/pscheid92/pushline/internal/registry"
)

const (
	defaultHeartbeatInterval = 5 * time.Second

	heartbeatURL     = "/heartbeat"
	heartbeatMessage = "Connection is alive"
)

// Heartbeat pushes a liveness event to every live connection. A failed push is
// counted but never removes the connection; that is left to the stream itself
// or the next broadcast.
type Heartbeat struct {
	registry *registry.Registry
	clock    clockwork.Clock
	metrics  *metrics.Push
	interval time.Duration
}

func NewHeartbeat(reg *registry.Registry, clock clockwork.Clock, m *metrics.Push, interval time.Duration) *Heartbeat {
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}
	return &Heartbeat{registry: reg, clock: clock, metrics: m, interval: interval}
}

// Run publishes on every interval until ctx is cancelled.
func (h *Heartbeat) Run(ctx context.Context) {
	ticker := h.clock.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			h.Publish()
		}
	}
}

// Publish sends one heartbeat round and returns the push outcomes.
func (h *Heartbeat) Publish() (sent, failed int) {
	active := h.registry.Count()
	if active == 0 {
		return 0, 0
	}

	payload, err := json.Marshal(domain.HeartbeatPayload{
		URL:               heartbeatURL,
		Message:           heartbeatMessage,
		ActiveConnections: active,
	})
	if err != nil {
		slog.Error("Failed to encode heartbeat", "error", err)
		return 0, 0
	}

	now := h.clock.Now().UTC()
	live := func(c domain.Connection) bool { return !c.Expired(now) }
	for e := range h.registry.SelectBy(live) {
		ev := domain.Event{
			ID:           uuid.NewString(),
			Type:         domain.EventTypeHeartbeat,
			Payload:      payload,
			Timestamp:    now,
			ChannelID:    e.ChannelID,
			ChatID:       e.ChatID,
			ConnectionID: e.ID,
		}
		if err := h.registry.Deliver(e, ev); err != nil {
			failed++
			continue
		}
		sent++
	}

	h.metrics.Heartbeats.WithLabelValues(metrics.OutcomeDelivered).Add(float64(sent))
	h.metrics.Heartbeats.WithLabelValues(metrics.OutcomeFailed).Add(float64(failed))
	if failed > 0 {
		slog.Debug("Heartbeat round had failed pushes", "sent", sent, "failed", failed)
	}
	return sent, failed
}
