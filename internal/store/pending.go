package store

import (
	"context"
	"fmt"
	"time"
)

// PendingMessage marks a message as accepted but not yet answered. The row is
// removed once the orchestrator produces a response for it.
type PendingMessage struct {
	MessageID string    `json:"message_id"`
	ContextID string    `json:"context_id"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Store) AddPendingMessage(ctx context.Context, messageID, contextID string) error {
	if messageID == "" {
		return fmt.Errorf("message id is required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_messages (message_id, context_id, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(message_id) DO NOTHING
	`, messageID, contextID, s.now().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("add pending message: %w", err)
	}
	return nil
}

func (s *Store) RemovePendingMessage(ctx context.Context, messageID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM pending_messages WHERE message_id = ?`, messageID)
	if err != nil {
		return fmt.Errorf("remove pending message: %w", err)
	}
	return nil
}

func (s *Store) ListPendingMessages(ctx context.Context) ([]PendingMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, context_id, created_at FROM pending_messages
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list pending messages: %w", err)
	}
	defer rows.Close()

	var out []PendingMessage
	for rows.Next() {
		var pm PendingMessage
		var createdAtStr string
		if err := rows.Scan(&pm.MessageID, &pm.ContextID, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scan pending message: %w", err)
		}
		pm.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
		out = append(out, pm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending messages: %w", err)
	}
	return out, nil
}

// ClearOldPendingMessages drops pending markers older than the given age and
// reports how many rows were removed.
func (s *Store) ClearOldPendingMessages(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := s.now().Add(-olderThan).Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `DELETE FROM pending_messages WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("clear pending messages: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("clear pending messages: %w", err)
	}
	return n, nil
}
