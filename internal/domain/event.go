package domain

import (
	"encoding/json"
	"time"
)

const (
	EventTypeMessage   = "message"
	EventTypeRedirect  = "redirect"
	EventTypeHeartbeat = "heartbeat"
	EventTypeConnected = "connected"
)

// Event is the outbound shape handed to the transport layer. Field names are
// stable because they cross the process boundary.
type Event struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
	ChannelID    string          `json:"channelId"`
	ChatID       string          `json:"chatId"`
	ConnectionID string          `json:"connectionId,omitempty"`
}

// HeartbeatPayload is carried by every heartbeat event.
type HeartbeatPayload struct {
	URL               string `json:"url"`
	Message           string `json:"message"`
	ActiveConnections int    `json:"activeConnections"`
}
