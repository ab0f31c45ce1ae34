package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pscheid92/pushline/internal/domain"
)

// AuditStore writes the audit trail into the tables created by the embedded
// migrations. Every method is a single INSERT.
type AuditStore struct {
	pool *pgxpool.Pool
}

func NewAuditStore(pool *pgxpool.Pool) *AuditStore {
	return &AuditStore{pool: pool}
}

func (s *AuditStore) SaveConnectionEvent(ctx context.Context, rec domain.ConnectionRecord) error {
	const q = `INSERT INTO connection_events
		(connection_id, channel_id, chat_id, medium_key, subject_id, kind, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	c := rec.Connection
	if _, err := s.pool.Exec(ctx, q, c.ID, c.ChannelID, c.ChatID, c.MediumKey, c.SubjectID, string(rec.Kind), rec.At); err != nil {
		return fmt.Errorf("failed to insert connection event: %w", err)
	}
	return nil
}

func (s *AuditStore) SaveBroadcastRequest(ctx context.Context, rec domain.BroadcastRecord) error {
	const q = `INSERT INTO broadcast_requests
		(broadcast_id, channel_id, chat_id, medium_key, exclude_connection_id, require_authenticated, event_type, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	req := rec.Request
	var payload any
	if len(req.Payload) > 0 {
		payload = string(req.Payload)
	}

	if _, err := s.pool.Exec(ctx, q,
		rec.BroadcastID, req.ChannelID, req.ChatID, req.MediumKey,
		req.ExcludeConnectionID, req.RequireAuthenticated, req.EventType, payload, rec.At,
	); err != nil {
		return fmt.Errorf("failed to insert broadcast request: %w", err)
	}
	return nil
}

func (s *AuditStore) SaveDeliveryOutcome(ctx context.Context, out domain.DeliveryOutcome) error {
	const q = `INSERT INTO delivery_outcomes
		(broadcast_id, connection_id, event_type, delivered, created_at)
		VALUES ($1, $2, $3, $4, $5)`

	if _, err := s.pool.Exec(ctx, q, out.BroadcastID, out.ConnectionID, out.EventType, out.Delivered, out.At); err != nil {
		return fmt.Errorf("failed to insert delivery outcome: %w", err)
	}
	return nil
}

// DeliveryOutcomes returns the recorded outcomes of one broadcast ordered by connection id.
func (s *AuditStore) DeliveryOutcomes(ctx context.Context, broadcastID string) ([]domain.DeliveryOutcome, error) {
	const q = `SELECT broadcast_id::text, connection_id, event_type, delivered, created_at
		FROM delivery_outcomes WHERE broadcast_id = $1 ORDER BY connection_id`

	rows, err := s.pool.Query(ctx, q, broadcastID)
	if err != nil {
		return nil, fmt.Errorf("failed to query delivery outcomes: %w", err)
	}
	defer rows.Close()

	var outcomes []domain.DeliveryOutcome
	for rows.Next() {
		var o domain.DeliveryOutcome
		if err := rows.Scan(&o.BroadcastID, &o.ConnectionID, &o.EventType, &o.Delivered, &o.At); err != nil {
			return nil, fmt.Errorf("failed to scan delivery outcome: %w", err)
		}
		outcomes = append(outcomes, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read delivery outcomes: %w", err)
	}
	return outcomes, nil
}
