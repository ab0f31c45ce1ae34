package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/pushline/internal/broadcast"
	"github.com/pscheid92/pushline/internal/domain"
	"github.com/pscheid92/pushline/internal/platform/correlation"
	apperrors "github.com/pscheid92/pushline/internal/platform/errors"
	"github.com/pscheid92/pushline/internal/registry"
)

// Service is the facade used by the transports. It owns the background loops
// and maps domain errors onto structured ones.
type Service struct {
	registry   *registry.Registry
	dispatcher *broadcast.Dispatcher
	reaper     *Reaper
	heartbeat  *Heartbeat
	clock      clockwork.Clock

	cancel   context.CancelFunc
	loops    sync.WaitGroup
	stopOnce sync.Once
}

func NewService(reg *registry.Registry, dispatcher *broadcast.Dispatcher, reaper *Reaper, heartbeat *Heartbeat, clock clockwork.Clock) *Service {
	return &Service{
		registry:   reg,
		dispatcher: dispatcher,
		reaper:     reaper,
		heartbeat:  heartbeat,
		clock:      clock,
	}
}

// Start launches the reaper and heartbeat loops. They run until Stop.
func (s *Service) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.loops.Add(2)
	go func() {
		defer s.loops.Done()
		s.reaper.Run(ctx)
	}()
	go func() {
		defer s.loops.Done()
		s.heartbeat.Run(ctx)
	}()
}

// Stop ends the background loops, waits for them and closes every remaining
// stream. Safe to call more than once.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.loops.Wait()
		s.registry.Close()
	})
}

// RegisterConnection adds conn to the registry and returns its event stream.
func (s *Service) RegisterConnection(ctx context.Context, conn domain.Connection) (*registry.Stream, error) {
	stream, err := s.registry.Register(conn)
	if err != nil {
		return nil, apperrors.FromDomain(err)
	}

	slog.InfoContext(correlation.WithConnectionID(ctx, stream.ID()), "Connection established",
		"channel_id", conn.ChannelID,
		"chat_id", conn.ChatID,
		"medium_type", conn.MediumType,
		"active_connections", s.registry.Count(),
	)
	return stream, nil
}

// Dispatch fans req out and returns the full delivery report.
func (s *Service) Dispatch(ctx context.Context, req domain.BroadcastRequest) (domain.DeliveryReport, error) {
	return s.dispatcher.Dispatch(ctx, req)
}

// Broadcast fans req out and returns how many connections received it.
func (s *Service) Broadcast(ctx context.Context, req domain.BroadcastRequest) (int, error) {
	report, err := s.dispatcher.Dispatch(ctx, req)
	if err != nil {
		return 0, err
	}
	return report.Delivered, nil
}

// BroadcastAll sends one event to every live connection.
func (s *Service) BroadcastAll(ctx context.Context, eventType string, payload json.RawMessage) domain.DeliveryReport {
	return s.dispatcher.DispatchAll(ctx, eventType, payload)
}

// ConnectionCount returns the number of live connections.
func (s *Service) ConnectionCount() int {
	return s.registry.Count()
}

// ActiveConnectionsFor lists the unexpired connections in the selected cohort,
// ordered by connection id.
func (s *Service) ActiveConnectionsFor(sel domain.Selector) []domain.ConnectionSummary {
	now := s.clock.Now()

	summaries := []domain.ConnectionSummary{}
	for e := range s.registry.SelectBy(sel.Matches) {
		if e.Expired(now) {
			continue
		}
		summaries = append(summaries, e.Summary())
	}

	slices.SortFunc(summaries, func(a, b domain.ConnectionSummary) int {
		return strings.Compare(a.ConnectionID, b.ConnectionID)
	})
	return summaries
}

// Connection returns the live connection registered under id.
func (s *Service) Connection(id string) (domain.Connection, error) {
	conn, ok := s.registry.Get(id)
	if !ok {
		return domain.Connection{}, apperrors.FromDomain(domain.ErrConnectionNotFound).
			WithField("connection_id", id)
	}
	return conn, nil
}

// Disconnect removes the connection if it is registered.
func (s *Service) Disconnect(id string) {
	s.registry.Deregister(id)
}
