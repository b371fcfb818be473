// Package conversation implements the message bookkeeping around the
// orchestrator: deciding whether an inbound message continues an open task,
// and the append paths that keep the audit trail and pending markers in sync.
package conversation

import (
	"context"
	"errors"

	"github.com/flitsinc/go-hostagent/internal/a2a"
	"github.com/flitsinc/go-hostagent/internal/store"
)

// Sanitize decides whether the message continues an existing open task. When
// the conversation's most recent message belongs to a task that is still open,
// the incoming message is stamped with that task id. Pure over current state:
// calling it twice with the same input yields the same output.
func Sanitize(ctx context.Context, st *store.Store, msg a2a.Message) (a2a.Message, error) {
	if msg.ContextID == "" {
		return msg, nil
	}
	conversationID, err := st.ConversationIDForContext(ctx, msg.ContextID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return msg, nil
		}
		return a2a.Message{}, err
	}
	last, err := st.LastMessage(ctx, conversationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return msg, nil
		}
		return a2a.Message{}, err
	}
	if last.TaskID == "" {
		return msg, nil
	}
	state, err := st.TaskState(ctx, last.TaskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return msg, nil
		}
		return a2a.Message{}, err
	}
	if state.Open() {
		msg.TaskID = last.TaskID
	}
	return msg, nil
}

// EnsureConversation resolves the conversation for a context id, creating one
// when the context is unknown.
func EnsureConversation(ctx context.Context, st *store.Store, contextID string) (store.Conversation, error) {
	conv, err := st.GetConversationByContext(ctx, contextID)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return store.Conversation{}, err
	}
	conv, err = st.CreateConversation(ctx, "")
	if err != nil {
		return store.Conversation{}, err
	}
	if err := st.MapContextToConversation(ctx, contextID, conv.ID); err != nil {
		return store.Conversation{}, err
	}
	return conv, nil
}

// AppendUserMessage persists an inbound message: conversation append, audit
// event, and a pending marker that stands until the agent answers.
func AppendUserMessage(ctx context.Context, st *store.Store, conversationID string, msg a2a.Message) error {
	if err := st.AppendMessage(ctx, conversationID, msg); err != nil {
		return err
	}
	if _, err := st.AppendEvent(ctx, conversationID, "user", msg); err != nil {
		return err
	}
	return st.AddPendingMessage(ctx, msg.MessageID, msg.ContextID)
}

// AppendAgentMessage persists the agent's answer and clears the pending
// marker of the user message it answers.
func AppendAgentMessage(ctx context.Context, st *store.Store, conversationID string, msg a2a.Message, answersMessageID string) error {
	if err := st.AppendMessage(ctx, conversationID, msg); err != nil {
		return err
	}
	if _, err := st.AppendEvent(ctx, conversationID, "host_agent", msg); err != nil {
		return err
	}
	if answersMessageID == "" {
		return nil
	}
	return st.RemovePendingMessage(ctx, answersMessageID)
}
