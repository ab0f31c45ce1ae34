package domain

import (
	"fmt"
	"time"
)

// Connection is one live push stream and the routing attributes it was registered with.
type Connection struct {
	ID        string
	ChannelID string
	ChatID    string

	SubjectID string
	AuthToken string

	MediumType string
	MediumKey  string
	SessionID  string

	ConnectedAt    time.Time
	LastActivityAt time.Time
	TTLExpiresAt   time.Time

	Metadata map[string]string
}

// MemberConnection builds the single-key variant where one member id addresses
// both the channel and the chat.
func MemberConnection(memberID string) Connection {
	return Connection{ChannelID: memberID, ChatID: memberID}
}

// Validate reports a missing channel or chat id. The connection id is optional
// because the registry generates one when it is empty.
func (c Connection) Validate() error {
	if c.ChannelID == "" {
		return fmt.Errorf("%w: channelId", ErrMissingIdentity)
	}
	if c.ChatID == "" {
		return fmt.Errorf("%w: chatId", ErrMissingIdentity)
	}
	return nil
}

// Authenticated reports whether the connection carries credentials for a subject.
func (c Connection) Authenticated() bool {
	return c.SubjectID != "" && c.AuthToken != ""
}

// Expired reports whether the connection's TTL has passed at now.
func (c Connection) Expired(now time.Time) bool {
	return !now.Before(c.TTLExpiresAt)
}

// Summary returns the read-only projection exposed to callers.
func (c Connection) Summary() ConnectionSummary {
	return ConnectionSummary{
		ConnectionID: c.ID,
		ChatID:       c.ChatID,
		MediumType:   c.MediumType,
		MediumKey:    c.MediumKey,
		ConnectedAt:  c.ConnectedAt,
	}
}

// ConnectionSummary is the public projection of a live connection.
type ConnectionSummary struct {
	ConnectionID string    `json:"connectionId"`
	ChatID       string    `json:"chatId"`
	MediumType   string    `json:"mediumType,omitempty"`
	MediumKey    string    `json:"mediumKey,omitempty"`
	ConnectedAt  time.Time `json:"connectedAt"`
}
