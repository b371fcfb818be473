package eventbus

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/flitsinc/go-hostagent/internal/a2a"
)

// Bus persists task lifecycle frames and fans them out to live subscribers.
// Persistence happens before broadcast so History never misses a delivered
// frame.
type Bus struct {
	db *sql.DB

	mu   sync.RWMutex
	subs map[string]*subscriber
}

type subscriber struct {
	filter Filter
	ch     chan Frame
}

func NewBus(db *sql.DB) *Bus {
	return &Bus{db: db, subs: map[string]*subscriber{}}
}

func (b *Bus) Publish(ctx context.Context, frame Frame) (Frame, error) {
	if frame.TaskID == "" {
		return Frame{}, fmt.Errorf("task id is required")
	}
	if frame.Kind != a2a.KindTask && frame.Kind != a2a.KindStatusUpdate {
		return Frame{}, fmt.Errorf("unsupported frame kind %q", frame.Kind)
	}

	frame.ID = ulid.Make().String()
	frame.CreatedAt = time.Now().UTC()

	var payload any
	switch frame.Kind {
	case a2a.KindTask:
		payload = frame.Task
	case a2a.KindStatusUpdate:
		payload = frame.Status
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("encode frame payload: %w", err)
	}

	final := 0
	if frame.Final {
		final = 1
	}
	_, err = b.db.ExecContext(ctx, `
		INSERT INTO task_events (id, task_id, context_id, kind, payload, final, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, frame.ID, frame.TaskID, frame.ContextID, string(frame.Kind), string(payloadJSON), final,
		frame.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return Frame{}, fmt.Errorf("insert task event: %w", err)
	}

	b.broadcast(frame)
	return frame, nil
}

// History replays persisted frames for a task in publish order.
func (b *Bus) History(ctx context.Context, taskID string, limit int) ([]Frame, error) {
	if taskID == "" {
		return nil, fmt.Errorf("task id is required")
	}
	if limit <= 0 {
		limit = 200
	}
	rows, err := b.db.QueryContext(ctx, `
		SELECT id, task_id, context_id, kind, payload, final, created_at
		FROM task_events WHERE task_id = ? ORDER BY id ASC LIMIT ?
	`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("list task events: %w", err)
	}
	defer rows.Close()

	var out []Frame
	for rows.Next() {
		var frame Frame
		var kindStr, payloadStr, createdAtStr string
		var final int
		if err := rows.Scan(&frame.ID, &frame.TaskID, &frame.ContextID, &kindStr, &payloadStr, &final, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scan task event: %w", err)
		}
		frame.Kind = a2a.Kind(kindStr)
		frame.Final = final != 0
		frame.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
		switch frame.Kind {
		case a2a.KindTask:
			var task a2a.Task
			if err := json.Unmarshal([]byte(payloadStr), &task); err == nil {
				frame.Task = &task
			}
		case a2a.KindStatusUpdate:
			var status a2a.TaskStatus
			if err := json.Unmarshal([]byte(payloadStr), &status); err == nil {
				frame.Status = &status
			}
		}
		out = append(out, frame)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task events: %w", err)
	}
	return out, nil
}

// Subscribe registers a live listener. The channel closes when ctx is done.
// Slow subscribers lose frames rather than stalling publishers.
func (b *Bus) Subscribe(ctx context.Context, filter Filter) <-chan Frame {
	ch := make(chan Frame, 64)
	id := ulid.Make().String()

	sub := &subscriber{filter: filter, ch: ch}
	b.mu.Lock()
	b.subs[id] = sub
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		close(ch)
	}()

	return ch
}

func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Bus) broadcast(frame Frame) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.filter.matches(frame) {
			continue
		}
		select {
		case sub.ch <- frame:
		default:
			// Drop if subscriber is slow.
		}
	}
}
