package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/flitsinc/go-hostagent/internal/a2a"
	"github.com/flitsinc/go-hostagent/internal/idgen"
)

// ErrNotFound marks lookups for entities that do not exist.
var ErrNotFound = errors.New("not found")

type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

func notFound(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

// Store is the repository over the hostagent database. It is the only
// component that touches SQL; everything above it works with a2a types.
type Store struct {
	db    *sql.DB
	nowFn func() time.Time
}

type Option func(*Store)

func WithClock(nowFn func() time.Time) Option {
	return func(s *Store) {
		if nowFn != nil {
			s.nowFn = nowFn
		}
	}
}

func NewStore(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		db:    db,
		nowFn: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *Store) now() time.Time {
	return s.nowFn().UTC()
}

// Conversation is the assembled read view: the row plus its messages and the
// ids of every task whose context maps to it.
type Conversation struct {
	ID        string        `json:"conversation_id"`
	Name      string        `json:"name"`
	IsActive  bool          `json:"is_active"`
	TaskIDs   []string      `json:"task_ids"`
	Messages  []a2a.Message `json:"messages"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

func (s *Store) CreateConversation(ctx context.Context, name string) (Conversation, error) {
	if name == "" {
		name = idgen.ConversationName(s.db)
	}
	id := idgen.New()
	now := s.now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, name, is_active, created_at, updated_at)
		VALUES (?, ?, 1, ?, ?)
	`, id, name, now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return Conversation{}, fmt.Errorf("insert conversation: %w", err)
	}
	return Conversation{
		ID:        id,
		Name:      name,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (Conversation, error) {
	var conv Conversation
	var createdAtStr, updatedAtStr string
	var isActive int
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, is_active, created_at, updated_at FROM conversations WHERE id = ?
	`, id)
	if err := row.Scan(&conv.ID, &conv.Name, &isActive, &createdAtStr, &updatedAtStr); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Conversation{}, notFound("conversation", id)
		}
		return Conversation{}, fmt.Errorf("load conversation: %w", err)
	}
	conv.IsActive = isActive != 0
	conv.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
	conv.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAtStr)

	messages, err := s.ListMessages(ctx, conv.ID)
	if err != nil {
		return Conversation{}, err
	}
	conv.Messages = messages

	taskIDs, err := s.taskIDsForConversation(ctx, conv.ID)
	if err != nil {
		return Conversation{}, err
	}
	conv.TaskIDs = taskIDs
	return conv, nil
}

func (s *Store) GetConversationByContext(ctx context.Context, contextID string) (Conversation, error) {
	conversationID, err := s.ConversationIDForContext(ctx, contextID)
	if err != nil {
		return Conversation{}, err
	}
	return s.GetConversation(ctx, conversationID)
}

func (s *Store) ListConversations(ctx context.Context, limit int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, is_active, created_at, updated_at
		FROM conversations ORDER BY updated_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		var conv Conversation
		var createdAtStr, updatedAtStr string
		var isActive int
		if err := rows.Scan(&conv.ID, &conv.Name, &isActive, &createdAtStr, &updatedAtStr); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		conv.IsActive = isActive != 0
		conv.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
		conv.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAtStr)
		out = append(out, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}
	for i := range out {
		taskIDs, err := s.taskIDsForConversation(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].TaskIDs = taskIDs
	}
	return out, nil
}

// AppendMessage inserts the message, bumps the conversation timestamp, and
// records the context mapping (first write wins) and task attachment.
func (s *Store) AppendMessage(ctx context.Context, conversationID string, msg a2a.Message) error {
	if msg.MessageID == "" {
		return fmt.Errorf("message_id is required")
	}
	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT 1 FROM conversations WHERE id = ?`, conversationID).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return notFound("conversation", conversationID)
		}
		return fmt.Errorf("load conversation: %w", err)
	}
	partsJSON, err := encodeJSON(msg.Parts)
	if err != nil {
		return fmt.Errorf("encode parts: %w", err)
	}
	metadataJSON, err := encodeJSON(msg.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	now := s.now()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, message_id, context_id, task_id, role, parts, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, idgen.New(), conversationID, msg.MessageID, nullString(msg.ContextID), nullString(msg.TaskID),
		msg.Role, partsJSON, metadataJSON, now.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`,
		now.Format(time.RFC3339Nano), conversationID)
	if err != nil {
		return fmt.Errorf("bump conversation: %w", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return notFound("conversation", conversationID)
	}

	if msg.ContextID != "" {
		if err := s.MapContextToConversation(ctx, msg.ContextID, conversationID); err != nil {
			return err
		}
	}
	if msg.TaskID != "" {
		if err := s.attachTask(ctx, msg.TaskID, conversationID); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]a2a.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, context_id, task_id, role, parts, metadata
		FROM messages WHERE conversation_id = ? ORDER BY created_at ASC, id ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []a2a.Message
	for rows.Next() {
		var msg a2a.Message
		var contextID, taskID, metadataStr sql.NullString
		var partsStr string
		if err := rows.Scan(&msg.MessageID, &contextID, &taskID, &msg.Role, &partsStr, &metadataStr); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Kind = a2a.KindMessage
		msg.ContextID = contextID.String
		msg.TaskID = taskID.String
		msg.Parts = decodeParts(partsStr)
		msg.Metadata = decodeJSONMap(metadataStr.String)
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}

// LastMessage returns the most recently appended message of a conversation,
// or ErrNotFound when the conversation is empty.
func (s *Store) LastMessage(ctx context.Context, conversationID string) (a2a.Message, error) {
	var msg a2a.Message
	var contextID, taskID, metadataStr sql.NullString
	var partsStr string
	row := s.db.QueryRowContext(ctx, `
		SELECT message_id, context_id, task_id, role, parts, metadata
		FROM messages WHERE conversation_id = ? ORDER BY created_at DESC, id DESC LIMIT 1
	`, conversationID)
	if err := row.Scan(&msg.MessageID, &contextID, &taskID, &msg.Role, &partsStr, &metadataStr); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return a2a.Message{}, notFound("message for conversation", conversationID)
		}
		return a2a.Message{}, fmt.Errorf("load last message: %w", err)
	}
	msg.Kind = a2a.KindMessage
	msg.ContextID = contextID.String
	msg.TaskID = taskID.String
	msg.Parts = decodeParts(partsStr)
	msg.Metadata = decodeJSONMap(metadataStr.String)
	return msg, nil
}

// MapContextToConversation records contextID -> conversationID. The mapping is
// append-only: an existing mapping for the context wins and is never replaced.
func (s *Store) MapContextToConversation(ctx context.Context, contextID, conversationID string) error {
	if contextID == "" || conversationID == "" {
		return fmt.Errorf("context_id and conversation_id are required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO context_mappings (context_id, conversation_id, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(context_id) DO NOTHING
	`, contextID, conversationID, s.now().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("map context: %w", err)
	}
	return nil
}

func (s *Store) ConversationIDForContext(ctx context.Context, contextID string) (string, error) {
	var conversationID string
	err := s.db.QueryRowContext(ctx,
		`SELECT conversation_id FROM context_mappings WHERE context_id = ?`, contextID,
	).Scan(&conversationID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", notFound("context", contextID)
		}
		return "", fmt.Errorf("load context mapping: %w", err)
	}
	return conversationID, nil
}

func (s *Store) taskIDsForConversation(ctx context.Context, conversationID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM tasks WHERE conversation_id = ? ORDER BY created_at ASC, id ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list conversation tasks: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan task id: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task ids: %w", err)
	}
	return out, nil
}

// attachTask sets the conversation on a task row that does not have one yet.
func (s *Store) attachTask(ctx context.Context, taskID, conversationID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET conversation_id = ? WHERE id = ? AND conversation_id IS NULL
	`, conversationID, taskID)
	if err != nil {
		return fmt.Errorf("attach task: %w", err)
	}
	return nil
}

func newEventID() string {
	return ulid.Make().String()
}

func encodeJSON(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeJSONMap(v string) map[string]any {
	if v == "" {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(v), &out); err != nil {
		return nil
	}
	return out
}

func decodeParts(v string) []a2a.Part {
	if v == "" {
		return nil
	}
	var out []a2a.Part
	if err := json.Unmarshal([]byte(v), &out); err != nil {
		return nil
	}
	return out
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}
