package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/flitsinc/go-hostagent/internal/a2a"
)

type TaskFilter struct {
	ConversationID string
	ContextID      string
	State          a2a.TaskState
	Limit          int
}

// UpsertTask inserts or replaces the task row. The conversation attachment is
// resolved from the context mapping when one exists; a task created before its
// context is mapped stays detached until a message append attaches it.
func (s *Store) UpsertTask(ctx context.Context, task a2a.Task) error {
	if task.ID == "" {
		return fmt.Errorf("task id is required")
	}
	statusMsgJSON, err := encodeJSON(task.Status.Message)
	if err != nil {
		return fmt.Errorf("encode status message: %w", err)
	}
	historyJSON, err := encodeJSON(task.History)
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}
	artifactsJSON, err := encodeJSON(task.Artifacts)
	if err != nil {
		return fmt.Errorf("encode artifacts: %w", err)
	}
	metadataJSON, err := encodeJSON(task.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	var conversationID any
	if task.ContextID != "" {
		if id, err := s.ConversationIDForContext(ctx, task.ContextID); err == nil {
			conversationID = id
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
	}

	now := s.now().Format(time.RFC3339Nano)
	statusTimestamp := task.Status.Timestamp
	if statusTimestamp == "" {
		statusTimestamp = now
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, conversation_id, context_id, state, status_message, status_timestamp, history, artifacts, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			conversation_id = COALESCE(excluded.conversation_id, tasks.conversation_id),
			context_id = excluded.context_id,
			state = excluded.state,
			status_message = excluded.status_message,
			status_timestamp = excluded.status_timestamp,
			history = excluded.history,
			artifacts = excluded.artifacts,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at
	`, task.ID, conversationID, nullString(task.ContextID), string(task.Status.State),
		nullString(statusMsgJSON), statusTimestamp, nullString(historyJSON),
		nullString(artifactsJSON), nullString(metadataJSON), now, now)
	if err != nil {
		return fmt.Errorf("upsert task: %w", err)
	}
	return nil
}

// AppendTaskArtifacts merges new artifacts into the task row without
// touching status. Used when a delegate hands results back mid-run.
func (s *Store) AppendTaskArtifacts(ctx context.Context, taskID string, artifacts []a2a.Artifact) error {
	if len(artifacts) == 0 {
		return nil
	}
	var existingStr sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT artifacts FROM tasks WHERE id = ?`, taskID).Scan(&existingStr)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return notFound("task", taskID)
		}
		return fmt.Errorf("load task artifacts: %w", err)
	}
	var existing []a2a.Artifact
	if existingStr.Valid && existingStr.String != "" {
		_ = json.Unmarshal([]byte(existingStr.String), &existing)
	}
	merged, err := encodeJSON(append(existing, artifacts...))
	if err != nil {
		return fmt.Errorf("encode artifacts: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `UPDATE tasks SET artifacts = ?, updated_at = ? WHERE id = ?`,
		merged, s.now().Format(time.RFC3339Nano), taskID)
	if err != nil {
		return fmt.Errorf("append task artifacts: %w", err)
	}
	return nil
}

// AppendTaskHistory adds a message to the task's history without touching
// status. Used when a follow-up message folds onto an open task.
func (s *Store) AppendTaskHistory(ctx context.Context, taskID string, msg a2a.Message) error {
	var existingStr sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT history FROM tasks WHERE id = ?`, taskID).Scan(&existingStr)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return notFound("task", taskID)
		}
		return fmt.Errorf("load task history: %w", err)
	}
	var existing []a2a.Message
	if existingStr.Valid && existingStr.String != "" {
		_ = json.Unmarshal([]byte(existingStr.String), &existing)
	}
	merged, err := encodeJSON(append(existing, msg))
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `UPDATE tasks SET history = ?, updated_at = ? WHERE id = ?`,
		merged, s.now().Format(time.RFC3339Nano), taskID)
	if err != nil {
		return fmt.Errorf("append task history: %w", err)
	}
	return nil
}

// UpdateTaskStatus conditionally moves a task's status from one state to
// another. It reports false without error when the row was not in the
// expected state, so the caller can re-read and decide.
func (s *Store) UpdateTaskStatus(ctx context.Context, taskID string, status a2a.TaskStatus, from a2a.TaskState) (bool, error) {
	if taskID == "" {
		return false, fmt.Errorf("task id is required")
	}
	statusMsgJSON, err := encodeJSON(status.Message)
	if err != nil {
		return false, fmt.Errorf("encode status message: %w", err)
	}
	now := s.now().Format(time.RFC3339Nano)
	timestamp := status.Timestamp
	if timestamp == "" {
		timestamp = now
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET state = ?, status_message = ?, status_timestamp = ?, updated_at = ?
		WHERE id = ? AND state = ?
	`, string(status.State), nullString(statusMsgJSON), timestamp, now, taskID, string(from))
	if err != nil {
		return false, fmt.Errorf("update task status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update task status rows affected: %w", err)
	}
	return affected > 0, nil
}

func (s *Store) GetTask(ctx context.Context, taskID string) (a2a.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, context_id, state, status_message, status_timestamp, history, artifacts, metadata
		FROM tasks WHERE id = ?
	`, taskID)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return a2a.Task{}, notFound("task", taskID)
		}
		return a2a.Task{}, fmt.Errorf("load task: %w", err)
	}
	return task, nil
}

// TaskState returns just the current state of a task.
func (s *Store) TaskState(ctx context.Context, taskID string) (a2a.TaskState, error) {
	var state string
	err := s.db.QueryRowContext(ctx, `SELECT state FROM tasks WHERE id = ?`, taskID).Scan(&state)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", notFound("task", taskID)
		}
		return "", fmt.Errorf("load task state: %w", err)
	}
	return a2a.TaskState(state), nil
}

func (s *Store) ListTasks(ctx context.Context, filter TaskFilter) ([]a2a.Task, error) {
	query := `SELECT id, context_id, state, status_message, status_timestamp, history, artifacts, metadata FROM tasks`
	var clauses []string
	var args []any

	if filter.ConversationID != "" {
		clauses = append(clauses, "conversation_id = ?")
		args = append(args, filter.ConversationID)
	}
	if filter.ContextID != "" {
		clauses = append(clauses, "context_id = ?")
		args = append(args, filter.ContextID)
	}
	if filter.State != "" {
		clauses = append(clauses, "state = ?")
		args = append(args, string(filter.State))
	}
	for i, clause := range clauses {
		if i == 0 {
			query += " WHERE " + clause
		} else {
			query += " AND " + clause
		}
	}
	query += " ORDER BY created_at DESC, id DESC"
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(" LIMIT %d", limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []a2a.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (a2a.Task, error) {
	var task a2a.Task
	var contextID, statusMsgStr, historyStr, artifactsStr, metadataStr sql.NullString
	var state, statusTimestamp string
	if err := row.Scan(&task.ID, &contextID, &state, &statusMsgStr, &statusTimestamp,
		&historyStr, &artifactsStr, &metadataStr); err != nil {
		return a2a.Task{}, err
	}
	task.Kind = a2a.KindTask
	task.ContextID = contextID.String
	task.Status = a2a.TaskStatus{
		State:     a2a.TaskState(state),
		Timestamp: statusTimestamp,
	}
	if statusMsgStr.Valid && statusMsgStr.String != "" {
		var msg a2a.Message
		if err := json.Unmarshal([]byte(statusMsgStr.String), &msg); err == nil {
			task.Status.Message = &msg
		}
	}
	if historyStr.Valid && historyStr.String != "" {
		_ = json.Unmarshal([]byte(historyStr.String), &task.History)
	}
	if artifactsStr.Valid && artifactsStr.String != "" {
		_ = json.Unmarshal([]byte(artifactsStr.String), &task.Artifacts)
	}
	task.Metadata = decodeJSONMap(metadataStr.String)
	return task, nil
}
