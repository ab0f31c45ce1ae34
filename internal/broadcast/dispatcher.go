package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/pushline/internal/domain"
	"github.com/pscheid92/pushline/internal/metrics"
	"github.com/pscheid92/pushline/internal/platform/correlation"
	apperrors "github.com/pscheid92/pushline/internal/platform/errors"
	"github.com/pscheid92/pushline/internal/registry"
)

// Dispatcher fans broadcast requests out to the connections they address.
type Dispatcher struct {
	registry *registry.Registry
	selector *Selector
	audit    domain.AuditSink
	clock    clockwork.Clock
	metrics  *metrics.Push
}

func NewDispatcher(reg *registry.Registry, selector *Selector, audit domain.AuditSink, clock clockwork.Clock, m *metrics.Push) *Dispatcher {
	return &Dispatcher{
		registry: reg,
		selector: selector,
		audit:    audit,
		clock:    clock,
		metrics:  m,
	}
}

// Dispatch delivers one event to every connection matching req and reports
// the outcome. Only an invalid request is returned as an error; push failures
// are counted in the report and a closed connection is evicted. Every
// matched connection is attempted regardless of earlier failures.
func (d *Dispatcher) Dispatch(ctx context.Context, req domain.BroadcastRequest) (domain.DeliveryReport, error) {
	if err := req.Validate(); err != nil {
		return domain.DeliveryReport{}, apperrors.FromDomain(err)
	}
	return d.fanOut(ctx, req, d.selector.Resolve), nil
}

// DispatchAll delivers one event to every unexpired connection regardless of
// channel, chat or credentials. It accounts and audits like Dispatch.
func (d *Dispatcher) DispatchAll(ctx context.Context, eventType string, payload json.RawMessage) domain.DeliveryReport {
	req := domain.BroadcastRequest{EventType: eventType, Payload: payload}
	return d.fanOut(ctx, req, func(context.Context, domain.BroadcastRequest) []registry.Entry {
		return d.selector.ResolveAll()
	})
}

func (d *Dispatcher) fanOut(ctx context.Context, req domain.BroadcastRequest, resolve func(context.Context, domain.BroadcastRequest) []registry.Entry) domain.DeliveryReport {
	if req.EventType == "" {
		req.EventType = domain.EventTypeMessage
	}
	if req.Payload == nil {
		req.Payload = json.RawMessage("null")
	}

	start := d.clock.Now()
	report := domain.DeliveryReport{BroadcastID: uuid.NewString()}
	ctx = correlation.WithBroadcastID(ctx, report.BroadcastID)

	d.metrics.BroadcastsTotal.Inc()
	d.audit.RecordBroadcastRequest(domain.BroadcastRecord{
		BroadcastID: report.BroadcastID,
		Request:     req,
		At:          start,
	})

	for _, e := range resolve(ctx, req) {
		report.Attempted++
		delivered := d.deliver(ctx, e, req)
		if delivered {
			report.Delivered++
		} else {
			report.Failed++
		}
		d.audit.RecordDeliveryOutcome(domain.DeliveryOutcome{
			BroadcastID:  report.BroadcastID,
			ConnectionID: e.ID,
			EventType:    req.EventType,
			Delivered:    delivered,
			At:           d.clock.Now(),
		})
	}

	d.metrics.DispatchDuration.Observe(d.clock.Since(start).Seconds())
	slog.InfoContext(ctx, "Broadcast dispatched",
		"channel_id", req.ChannelID,
		"chat_id", req.ChatID,
		"medium_key", req.MediumKey,
		"event_type", req.EventType,
		"attempted", report.Attempted,
		"delivered", report.Delivered,
		"failed", report.Failed,
	)
	return report
}

func (d *Dispatcher) deliver(ctx context.Context, e registry.Entry, req domain.BroadcastRequest) bool {
	ev := domain.Event{
		ID:           uuid.NewString(),
		Type:         req.EventType,
		Payload:      req.Payload,
		Timestamp:    d.clock.Now().UTC(),
		ChannelID:    e.ChannelID,
		ChatID:       e.ChatID,
		ConnectionID: e.ID,
	}

	if err := d.registry.Deliver(e, ev); err != nil {
		d.metrics.Deliveries.WithLabelValues(metrics.OutcomeFailed).Inc()
		// A full buffer means a slow reader, not a dead one. It loses this
		// event but keeps its registration until TTL expiry.
		evicted := false
		if errors.Is(err, registry.ErrHandleClosed) {
			evicted = d.registry.Evict(e, domain.ConnectionFailed)
		}
		slog.WarnContext(correlation.WithConnectionID(ctx, e.ID), "Delivery failed",
			"error", err, "evicted", evicted)
		return false
	}

	d.metrics.Deliveries.WithLabelValues(metrics.OutcomeDelivered).Inc()
	return true
}
