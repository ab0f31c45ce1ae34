// Package domaintest provides in-memory doubles for the domain collaborators.
package domaintest

import (
	"context"
	"sync"

	"github.com/pscheid92/pushline/internal/domain"
)

// ConnectionEvent is one recorded lifecycle notification.
type ConnectionEvent struct {
	Kind         domain.ConnectionEventKind
	ConnectionID string
}

// RecordingSink is an AuditSink that keeps everything it is told.
type RecordingSink struct {
	mu          sync.Mutex
	connections []ConnectionEvent
	broadcasts  []domain.BroadcastRecord
	outcomes    []domain.DeliveryOutcome
}

func (s *RecordingSink) RecordConnectionEvent(kind domain.ConnectionEventKind, conn domain.Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connections = append(s.connections, ConnectionEvent{Kind: kind, ConnectionID: conn.ID})
}

func (s *RecordingSink) RecordBroadcastRequest(rec domain.BroadcastRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broadcasts = append(s.broadcasts, rec)
}

func (s *RecordingSink) RecordDeliveryOutcome(out domain.DeliveryOutcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = append(s.outcomes, out)
}

func (s *RecordingSink) ConnectionEvents() []ConnectionEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ConnectionEvent(nil), s.connections...)
}

// Kinds returns the recorded kinds for one connection in order.
func (s *RecordingSink) Kinds(connectionID string) []domain.ConnectionEventKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kinds []domain.ConnectionEventKind
	for _, ev := range s.connections {
		if ev.ConnectionID == connectionID {
			kinds = append(kinds, ev.Kind)
		}
	}
	return kinds
}

func (s *RecordingSink) Broadcasts() []domain.BroadcastRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.BroadcastRecord(nil), s.broadcasts...)
}

func (s *RecordingSink) Outcomes() []domain.DeliveryOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.DeliveryOutcome(nil), s.outcomes...)
}

// DiscardSink drops every record.
type DiscardSink struct{}

func (DiscardSink) RecordConnectionEvent(domain.ConnectionEventKind, domain.Connection) {}
func (DiscardSink) RecordBroadcastRequest(domain.BroadcastRecord)                      {}
func (DiscardSink) RecordDeliveryOutcome(domain.DeliveryOutcome)                       {}

// TokenValidator accepts a subject only with the token stored for it.
type TokenValidator struct {
	mu     sync.Mutex
	tokens map[string]string
	calls  int
	Err    error
}

func NewTokenValidator(tokens map[string]string) *TokenValidator {
	return &TokenValidator{tokens: tokens}
}

func (v *TokenValidator) Validate(_ context.Context, subjectID, authToken string) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls++
	if v.Err != nil {
		return false, v.Err
	}
	want, ok := v.tokens[subjectID]
	return ok && want == authToken, nil
}

func (v *TokenValidator) Calls() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.calls
}
