package reasoner

import (
	"context"
	"errors"
	"fmt"
)

var ErrReasoning = errors.New("reasoning failed")

type ReasoningError struct {
	Err error
}

func (e *ReasoningError) Error() string {
	return fmt.Sprintf("reasoning failed: %v", e.Err)
}

func (e *ReasoningError) Unwrap() error {
	return ErrReasoning
}

// Engine is one turn of the underlying language model. Implementations are
// injected so the orchestrator never depends on a concrete provider.
type Engine interface {
	Chat(ctx context.Context, req Request) (Response, error)
}

type Request struct {
	Messages []ChatMessage
	Tools    []Tool
}

type Response struct {
	Content   string
	ToolCalls []ToolCall
}

type ChatMessage struct {
	Role       string
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string
	ToolName   string
}

type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
}

type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any
}
