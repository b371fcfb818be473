package a2a

import (
	"errors"
	"fmt"
)

// ErrInvalidMessage marks validation failures on inbound messages.
var ErrInvalidMessage = errors.New("invalid message")

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid message: %s %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidMessage
}

// ValidateInbound checks the fields a caller must provide on a submitted
// message. MessageID and ContextID may be empty; they are generated downstream.
func ValidateInbound(msg Message) error {
	if msg.Role != RoleUser && msg.Role != RoleSystem && msg.Role != "" {
		return &ValidationError{Field: "role", Reason: fmt.Sprintf("%q is not accepted from callers", msg.Role)}
	}
	if len(msg.Parts) == 0 {
		return &ValidationError{Field: "parts", Reason: "must not be empty"}
	}
	for i, part := range msg.Parts {
		if part.Kind == "" {
			return &ValidationError{Field: "parts", Reason: fmt.Sprintf("part %d has no kind", i)}
		}
		if part.Kind == "text" && part.Text == "" {
			return &ValidationError{Field: "parts", Reason: fmt.Sprintf("text part %d is empty", i)}
		}
	}
	return nil
}
