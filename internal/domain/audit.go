package domain

import (
	"context"
	"time"
)

// ConnectionEventKind labels a registry lifecycle transition.
type ConnectionEventKind string

const (
	ConnectionRegistered   ConnectionEventKind = "registered"
	ConnectionReplaced     ConnectionEventKind = "replaced"
	ConnectionDeregistered ConnectionEventKind = "deregistered"
	ConnectionExpired      ConnectionEventKind = "expired"
	ConnectionFailed       ConnectionEventKind = "delivery_failed"
	ConnectionClosed       ConnectionEventKind = "closed"
)

// ConnectionRecord is the audit record of one lifecycle transition.
type ConnectionRecord struct {
	Kind       ConnectionEventKind
	Connection Connection
	At         time.Time
}

// BroadcastRecord is the request-level audit record of one dispatch.
type BroadcastRecord struct {
	BroadcastID string
	Request     BroadcastRequest
	At          time.Time
}

// DeliveryOutcome is the connection-level audit record of one push.
type DeliveryOutcome struct {
	BroadcastID  string
	ConnectionID string
	EventType    string
	Delivered    bool
	At           time.Time
}

// AuditSink receives lifecycle and delivery history. Implementations must not
// block the caller or report failures back to it.
type AuditSink interface {
	RecordConnectionEvent(kind ConnectionEventKind, conn Connection)
	RecordBroadcastRequest(rec BroadcastRecord)
	RecordDeliveryOutcome(out DeliveryOutcome)
}

// AuthValidator decides whether a subject-bound connection may receive traffic.
type AuthValidator interface {
	Validate(ctx context.Context, subjectID, authToken string) (bool, error)
}
