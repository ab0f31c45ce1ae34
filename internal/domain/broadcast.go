package domain

import (
	"encoding/json"
	"fmt"
)

// Selector identifies a cohort of connections by composite key. An empty
// MediumKey matches every medium of the channel/chat pair.
type Selector struct {
	ChannelID string
	ChatID    string
	MediumKey string
}

// Validate reports a missing channel or chat id.
func (s Selector) Validate() error {
	if s.ChannelID == "" {
		return fmt.Errorf("%w: channelId", ErrMissingIdentity)
	}
	if s.ChatID == "" {
		return fmt.Errorf("%w: chatId", ErrMissingIdentity)
	}
	return nil
}

// Matches reports whether conn belongs to the selected cohort.
func (s Selector) Matches(conn Connection) bool {
	if conn.ChannelID != s.ChannelID || conn.ChatID != s.ChatID {
		return false
	}
	return s.MediumKey == "" || conn.MediumKey == s.MediumKey
}

// BroadcastRequest asks for one event to be fanned out to a cohort.
type BroadcastRequest struct {
	Selector

	ExcludeConnectionID  string
	RequireAuthenticated bool

	EventType string
	Payload   json.RawMessage
}

// MemberBroadcast builds a request in the single-key variant.
func MemberBroadcast(memberID, eventType string, payload json.RawMessage) BroadcastRequest {
	return BroadcastRequest{
		Selector:  Selector{ChannelID: memberID, ChatID: memberID},
		EventType: eventType,
		Payload:   payload,
	}
}

// DeliveryReport aggregates the per-connection outcomes of one broadcast.
type DeliveryReport struct {
	BroadcastID string `json:"broadcastId"`
	Attempted   int    `json:"attempted"`
	Delivered   int    `json:"delivered"`
	Failed      int    `json:"failed"`
}
