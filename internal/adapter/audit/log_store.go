package audit

import (
	"context"
	"log/slog"

	"github.com/pscheid92/pushline/internal/domain"
)

// LogStore writes the audit trail to the structured log. Used when no
// database is configured.
type LogStore struct {
	logger *slog.Logger
}

var _ Store = (*LogStore)(nil)

func NewLogStore(logger *slog.Logger) *LogStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogStore{logger: logger.With("component", "audit")}
}

func (s *LogStore) SaveConnectionEvent(ctx context.Context, rec domain.ConnectionRecord) error {
	s.logger.DebugContext(ctx, "Connection event",
		"kind", rec.Kind,
		"connection_id", rec.Connection.ID,
		"channel_id", rec.Connection.ChannelID,
		"chat_id", rec.Connection.ChatID,
		"medium_key", rec.Connection.MediumKey,
		"at", rec.At,
	)
	return nil
}

func (s *LogStore) SaveBroadcastRequest(ctx context.Context, rec domain.BroadcastRecord) error {
	s.logger.DebugContext(ctx, "Broadcast request",
		"broadcast_id", rec.BroadcastID,
		"channel_id", rec.Request.ChannelID,
		"chat_id", rec.Request.ChatID,
		"medium_key", rec.Request.MediumKey,
		"event_type", rec.Request.EventType,
		"at", rec.At,
	)
	return nil
}

func (s *LogStore) SaveDeliveryOutcome(ctx context.Context, out domain.DeliveryOutcome) error {
	s.logger.DebugContext(ctx, "Delivery outcome",
		"broadcast_id", out.BroadcastID,
		"connection_id", out.ConnectionID,
		"event_type", out.EventType,
		"delivered", out.Delivered,
	)
	return nil
}
