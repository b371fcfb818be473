package eventbus

import (
	"time"

	"github.com/flitsinc/go-hostagent/internal/a2a"
)

// Frame is one task lifecycle notification: either a full task snapshot or a
// status update. Exactly one of Task and Status is set, matching Kind.
type Frame struct {
	ID        string          `json:"id"`
	TaskID    string          `json:"task_id"`
	ContextID string          `json:"context_id"`
	Kind      a2a.Kind        `json:"kind"`
	Task      *a2a.Task       `json:"task,omitempty"`
	Status    *a2a.TaskStatus `json:"status,omitempty"`
	Final     bool            `json:"final"`
	CreatedAt time.Time       `json:"created_at"`
}

// TaskFrame builds a full-snapshot frame for a task.
func TaskFrame(task a2a.Task) Frame {
	snapshot := task
	return Frame{
		TaskID:    task.ID,
		ContextID: task.ContextID,
		Kind:      a2a.KindTask,
		Task:      &snapshot,
	}
}

// StatusFrame builds a status-update frame. Final marks the last frame a
// subscriber will see for the task.
func StatusFrame(taskID, contextID string, status a2a.TaskStatus, final bool) Frame {
	return Frame{
		TaskID:    taskID,
		ContextID: contextID,
		Kind:      a2a.KindStatusUpdate,
		Status:    &status,
		Final:     final,
	}
}

// Filter selects which frames a subscriber receives. Zero value matches all.
type Filter struct {
	TaskID    string
	ContextID string
}

func (f Filter) matches(frame Frame) bool {
	if f.TaskID != "" && f.TaskID != frame.TaskID {
		return false
	}
	if f.ContextID != "" && f.ContextID != frame.ContextID {
		return false
	}
	return true
}
