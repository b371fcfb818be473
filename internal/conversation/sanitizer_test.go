package conversation

import (
	"context"
	"testing"
	"time"

	"github.com/flitsinc/go-hostagent/internal/a2a"
	"github.com/flitsinc/go-hostagent/internal/store"
	"github.com/flitsinc/go-hostagent/internal/testutil"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, cleanup := testutil.OpenTestDB(t)
	t.Cleanup(cleanup)
	return store.NewStore(db)
}

func inbound(messageID, contextID string) a2a.Message {
	return a2a.Message{
		Kind:      a2a.KindMessage,
		MessageID: messageID,
		ContextID: contextID,
		Role:      a2a.RoleUser,
		Parts:     []a2a.Part{a2a.TextPart("hello")},
	}
}

func seedTask(t *testing.T, st *store.Store, taskID, contextID string, state a2a.TaskState) {
	t.Helper()
	err := st.UpsertTask(context.Background(), a2a.Task{
		Kind:      a2a.KindTask,
		ID:        taskID,
		ContextID: contextID,
		Status:    a2a.TaskStatus{State: state, Timestamp: a2a.Timestamp(time.Now())},
	})
	if err != nil {
		t.Fatalf("seed task: %v", err)
	}
}

func TestSanitizeNoContextPassesThrough(t *testing.T) {
	st := newTestStore(t)

	msg := inbound("m-1", "")
	got, err := Sanitize(context.Background(), st, msg)
	if err != nil {
		t.Fatalf("sanitize: %v", err)
	}
	if got.TaskID != "" {
		t.Fatalf("expected no task id, got %s", got.TaskID)
	}
}

func TestSanitizeUnknownContextPassesThrough(t *testing.T) {
	st := newTestStore(t)

	got, err := Sanitize(context.Background(), st, inbound("m-1", "ctx-unknown"))
	if err != nil {
		t.Fatalf("sanitize: %v", err)
	}
	if got.TaskID != "" {
		t.Fatalf("expected no task id, got %s", got.TaskID)
	}
}

func TestSanitizeStampsOpenTask(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	conv, err := st.CreateConversation(ctx, "")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	seedTask(t, st, "task-1", "ctx-1", a2a.TaskStateWorking)
	first := inbound("m-1", "ctx-1")
	first.TaskID = "task-1"
	if err := st.AppendMessage(ctx, conv.ID, first); err != nil {
		t.Fatalf("append: %v", err)
	}

	got, err := Sanitize(ctx, st, inbound("m-2", "ctx-1"))
	if err != nil {
		t.Fatalf("sanitize: %v", err)
	}
	if got.TaskID != "task-1" {
		t.Fatalf("expected continuation onto task-1, got %q", got.TaskID)
	}

	// Idempotent: same input, same output.
	again, err := Sanitize(ctx, st, inbound("m-2", "ctx-1"))
	if err != nil {
		t.Fatalf("sanitize again: %v", err)
	}
	if again.TaskID != got.TaskID {
		t.Fatalf("sanitize is not idempotent: %q vs %q", again.TaskID, got.TaskID)
	}
}

func TestSanitizeIgnoresTerminalTask(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	conv, err := st.CreateConversation(ctx, "")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	seedTask(t, st, "task-done", "ctx-1", a2a.TaskStateCompleted)
	first := inbound("m-1", "ctx-1")
	first.TaskID = "task-done"
	if err := st.AppendMessage(ctx, conv.ID, first); err != nil {
		t.Fatalf("append: %v", err)
	}

	got, err := Sanitize(ctx, st, inbound("m-2", "ctx-1"))
	if err != nil {
		t.Fatalf("sanitize: %v", err)
	}
	if got.TaskID != "" {
		t.Fatalf("terminal task must not be continued, got %q", got.TaskID)
	}
}

func TestSanitizeLastMessageWithoutTask(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	conv, err := st.CreateConversation(ctx, "")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	if err := st.AppendMessage(ctx, conv.ID, inbound("m-1", "ctx-1")); err != nil {
		t.Fatalf("append: %v", err)
	}

	got, err := Sanitize(ctx, st, inbound("m-2", "ctx-1"))
	if err != nil {
		t.Fatalf("sanitize: %v", err)
	}
	if got.TaskID != "" {
		t.Fatalf("expected no task id, got %q", got.TaskID)
	}
}

func TestEnsureConversationCreatesAndReuses(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	conv, err := EnsureConversation(ctx, st, "ctx-1")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	again, err := EnsureConversation(ctx, st, "ctx-1")
	if err != nil {
		t.Fatalf("ensure again: %v", err)
	}
	if again.ID != conv.ID {
		t.Fatalf("expected same conversation, got %s vs %s", again.ID, conv.ID)
	}
}

func TestAppendUserAndAgentMessages(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	conv, err := EnsureConversation(ctx, st, "ctx-1")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}

	user := inbound("m-user", "ctx-1")
	if err := AppendUserMessage(ctx, st, conv.ID, user); err != nil {
		t.Fatalf("append user: %v", err)
	}
	pending, err := st.ListPendingMessages(ctx)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 || pending[0].MessageID != "m-user" {
		t.Fatalf("expected pending marker for m-user, got %+v", pending)
	}

	reply := a2a.Message{
		Kind:      a2a.KindMessage,
		MessageID: "m-agent",
		ContextID: "ctx-1",
		Role:      a2a.RoleAgent,
		Parts:     []a2a.Part{a2a.TextPart("hi there")},
	}
	if err := AppendAgentMessage(ctx, st, conv.ID, reply, "m-user"); err != nil {
		t.Fatalf("append agent: %v", err)
	}

	pending, err = st.ListPendingMessages(ctx)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected pending marker cleared, got %+v", pending)
	}

	events, err := st.ListEvents(ctx, conv.ID, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 2 || events[0].Actor != "user" || events[1].Actor != "host_agent" {
		t.Fatalf("unexpected audit trail: %+v", events)
	}
}
