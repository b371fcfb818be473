package a2a

import "time"

// Kind discriminates the payload shapes traveling on the wire.
type Kind string

const (
	KindMessage      Kind = "message"
	KindTask         Kind = "task"
	KindStatusUpdate Kind = "status-update"
)

// Message roles.
const (
	RoleUser   = "user"
	RoleAgent  = "agent"
	RoleSystem = "system"
)

type TaskState string

const (
	TaskStateSubmitted     TaskState = "submitted"
	TaskStateWorking       TaskState = "working"
	TaskStateInputRequired TaskState = "input-required"
	TaskStateCompleted     TaskState = "completed"
	TaskStateFailed        TaskState = "failed"
	TaskStateCanceled      TaskState = "canceled"
)

// Open reports whether a task in this state still accepts follow-up messages.
func (s TaskState) Open() bool {
	switch s {
	case TaskStateSubmitted, TaskStateWorking, TaskStateInputRequired:
		return true
	default:
		return false
	}
}

// Terminal reports whether this state ends the task lifecycle.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskStateCompleted, TaskStateFailed, TaskStateCanceled:
		return true
	default:
		return false
	}
}

type Part struct {
	Kind string         `json:"kind"`
	Text string         `json:"text,omitempty"`
	Data map[string]any `json:"data,omitempty"`
}

func TextPart(text string) Part {
	return Part{Kind: "text", Text: text}
}

type Message struct {
	Kind      Kind           `json:"kind"`
	MessageID string         `json:"messageId"`
	ContextID string         `json:"contextId,omitempty"`
	TaskID    string         `json:"taskId,omitempty"`
	Role      string         `json:"role"`
	Parts     []Part         `json:"parts"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Text joins the message's text parts with newlines.
func (m Message) Text() string {
	out := ""
	for _, part := range m.Parts {
		if part.Kind != "text" || part.Text == "" {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += part.Text
	}
	return out
}

// HasText reports whether the message carries at least one text part.
func (m Message) HasText() bool {
	for _, part := range m.Parts {
		if part.Kind == "text" && part.Text != "" {
			return true
		}
	}
	return false
}

type TaskStatus struct {
	State     TaskState `json:"state"`
	Message   *Message  `json:"message,omitempty"`
	Timestamp string    `json:"timestamp"`
}

type Artifact struct {
	ArtifactID string `json:"artifactId"`
	Name       string `json:"name,omitempty"`
	Parts      []Part `json:"parts"`
}

type Task struct {
	Kind      Kind           `json:"kind"`
	ID        string         `json:"id"`
	ContextID string         `json:"contextId"`
	Status    TaskStatus     `json:"status"`
	History   []Message      `json:"history"`
	Artifacts []Artifact     `json:"artifacts"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// StatusUpdate is the streaming frame a task emits on every state change.
type StatusUpdate struct {
	Kind      Kind       `json:"kind"`
	TaskID    string     `json:"taskId"`
	ContextID string     `json:"contextId"`
	Status    TaskStatus `json:"status"`
	Final     bool       `json:"final"`
}

type AgentCapabilities struct {
	Streaming bool `json:"streaming"`
}

type AgentCard struct {
	Name         string            `json:"name"`
	Description  string            `json:"description,omitempty"`
	URL          string            `json:"url"`
	Version      string            `json:"version,omitempty"`
	Capabilities AgentCapabilities `json:"capabilities"`
}

// Timestamp formats t the way status timestamps travel on the wire.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
