package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/flitsinc/go-hostagent/internal/a2a"
)

// AuditEvent is one row of the append-only audit trail: who produced which
// message, when. Never mutated.
type AuditEvent struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id,omitempty"`
	Actor          string      `json:"actor"`
	Content        a2a.Message `json:"content"`
	CreatedAt      time.Time   `json:"timestamp"`
}

func (s *Store) AppendEvent(ctx context.Context, conversationID, actor string, content a2a.Message) (AuditEvent, error) {
	if actor == "" {
		return AuditEvent{}, fmt.Errorf("actor is required")
	}
	contentJSON, err := encodeJSON(content)
	if err != nil {
		return AuditEvent{}, fmt.Errorf("encode event content: %w", err)
	}
	id := newEventID()
	now := s.now()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events (id, conversation_id, actor, content, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, id, nullString(conversationID), actor, contentJSON, now.Format(time.RFC3339Nano))
	if err != nil {
		return AuditEvent{}, fmt.Errorf("insert event: %w", err)
	}
	return AuditEvent{
		ID:             id,
		ConversationID: conversationID,
		Actor:          actor,
		Content:        content,
		CreatedAt:      now,
	}, nil
}

func (s *Store) ListEvents(ctx context.Context, conversationID string, limit int) ([]AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, conversation_id, actor, content, created_at FROM events`
	var args []any
	if conversationID != "" {
		query += ` WHERE conversation_id = ?`
		args = append(args, conversationID)
	}
	query += ` ORDER BY created_at ASC, id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []AuditEvent
	for rows.Next() {
		var evt AuditEvent
		var conversationIDStr sql.NullString
		var contentStr, createdAtStr string
		if err := rows.Scan(&evt.ID, &conversationIDStr, &evt.Actor, &contentStr, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		evt.ConversationID = conversationIDStr.String
		evt.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
		_ = json.Unmarshal([]byte(contentStr), &evt.Content)
		out = append(out, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}
