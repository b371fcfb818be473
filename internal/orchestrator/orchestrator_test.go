package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/flitsinc/go-hostagent/internal/a2a"
	"github.com/flitsinc/go-hostagent/internal/eventbus"
	"github.com/flitsinc/go-hostagent/internal/reasoner"
	"github.com/flitsinc/go-hostagent/internal/remote"
	"github.com/flitsinc/go-hostagent/internal/store"
	"github.com/flitsinc/go-hostagent/internal/tasks"
	"github.com/flitsinc/go-hostagent/internal/testutil"
)

type harness struct {
	store    *store.Store
	bus      *eventbus.Bus
	machine  *tasks.Machine
	registry *remote.Registry
	orch     *Orchestrator
}

func newHarness(t *testing.T, engine reasoner.Engine, opts ...Option) *harness {
	t.Helper()
	db, cleanup := testutil.OpenTestDB(t)
	t.Cleanup(cleanup)
	st := store.NewStore(db)
	bus := eventbus.NewBus(db)
	machine := tasks.NewMachine(st, bus)
	registry := remote.NewRegistry(st, remote.WithHTTPClient(&http.Client{Timeout: 2 * time.Second}))
	orch := New(st, machine, registry, reasoner.New(engine, nil), opts...)
	return &harness{store: st, bus: bus, machine: machine, registry: registry, orch: orch}
}

// scriptedEngine replays canned responses in order.
type scriptedEngine struct {
	mu        sync.Mutex
	responses []reasoner.Response
	err       error
}

func (e *scriptedEngine) Chat(context.Context, reasoner.Request) (reasoner.Response, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return reasoner.Response{}, e.err
	}
	if len(e.responses) == 0 {
		return reasoner.Response{Content: "out of script"}, nil
	}
	resp := e.responses[0]
	e.responses = e.responses[1:]
	return resp, nil
}

// gateEngine blocks every Chat call until release is closed.
type gateEngine struct {
	release chan struct{}
	resp    reasoner.Response
}

func (e *gateEngine) Chat(ctx context.Context, _ reasoner.Request) (reasoner.Response, error) {
	select {
	case <-e.release:
		return e.resp, nil
	case <-ctx.Done():
		return reasoner.Response{}, ctx.Err()
	}
}

func textMessage(text string) a2a.Message {
	return a2a.Message{
		Role:  a2a.RoleUser,
		Parts: []a2a.Part{a2a.TextPart(text)},
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal("condition not met in time")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func taskStates(t *testing.T, h *harness, taskID string) []a2a.TaskState {
	t.Helper()
	frames, err := h.bus.History(context.Background(), taskID, 50)
	if err != nil {
		t.Fatalf("bus history: %v", err)
	}
	var states []a2a.TaskState
	for _, f := range frames {
		switch {
		case f.Task != nil:
			states = append(states, f.Task.Status.State)
		case f.Status != nil:
			states = append(states, f.Status.State)
		}
	}
	return states
}

func TestNewMessageRunsToCompletion(t *testing.T) {
	h := newHarness(t, &scriptedEngine{responses: []reasoner.Response{{Content: "hi there"}}})
	ctx := context.Background()

	ack, err := h.orch.Submit(ctx, textMessage("hello"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if ack.MessageID == "" || ack.ContextID == "" {
		t.Fatalf("incomplete ack: %+v", ack)
	}
	h.orch.Wait()

	convs, err := h.store.ListConversations(ctx, 10)
	if err != nil {
		t.Fatalf("list conversations: %v", err)
	}
	if len(convs) != 1 {
		t.Fatalf("expected exactly one conversation, got %d", len(convs))
	}

	allTasks, err := h.store.ListTasks(ctx, store.TaskFilter{})
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(allTasks) != 1 {
		t.Fatalf("expected exactly one task, got %d", len(allTasks))
	}
	task := allTasks[0]
	if task.Status.State != a2a.TaskStateCompleted {
		t.Fatalf("expected completed, got %s", task.Status.State)
	}

	msgs, err := h.store.ListMessages(ctx, convs[0].ID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected user + agent message, got %d", len(msgs))
	}
	if msgs[1].Role != a2a.RoleAgent || msgs[1].Text() != "hi there" {
		t.Fatalf("unexpected agent message: %+v", msgs[1])
	}

	pending, err := h.store.ListPendingMessages(ctx)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected pending marker cleared, got %+v", pending)
	}

	states := taskStates(t, h, task.ID)
	want := []a2a.TaskState{a2a.TaskStateSubmitted, a2a.TaskStateWorking, a2a.TaskStateCompleted}
	if len(states) != len(want) {
		t.Fatalf("expected states %v, got %v", want, states)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("expected states %v, got %v", want, states)
		}
	}

	// The terminal frame carries the full response message.
	frames, err := h.bus.History(ctx, task.ID, 50)
	if err != nil {
		t.Fatalf("bus history: %v", err)
	}
	last := frames[len(frames)-1]
	if !last.Final || last.Status == nil || last.Status.Message == nil || last.Status.Message.Text() != "hi there" {
		t.Fatalf("terminal frame missing response: %+v", last)
	}
}

func TestSecondMessageFoldsOntoOpenTask(t *testing.T) {
	engine := &gateEngine{release: make(chan struct{}), resp: reasoner.Response{Content: "answered"}}
	h := newHarness(t, engine)
	ctx := context.Background()

	ack, err := h.orch.Submit(ctx, textMessage("first"))
	if err != nil {
		t.Fatalf("submit first: %v", err)
	}
	waitFor(t, func() bool {
		working, err := h.store.ListTasks(ctx, store.TaskFilter{State: a2a.TaskStateWorking})
		return err == nil && len(working) == 1
	})

	second := textMessage("second")
	second.ContextID = ack.ContextID
	if _, err := h.orch.Submit(ctx, second); err != nil {
		t.Fatalf("submit second: %v", err)
	}

	allTasks, err := h.store.ListTasks(ctx, store.TaskFilter{})
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(allTasks) != 1 {
		t.Fatalf("second message must not create a new task, got %d tasks", len(allTasks))
	}
	taskID := allTasks[0].ID

	conv, err := h.store.GetConversationByContext(ctx, ack.ContextID)
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if len(conv.Messages) != 2 {
		t.Fatalf("expected folded message appended, got %d messages", len(conv.Messages))
	}
	if conv.Messages[1].TaskID != taskID {
		t.Fatalf("expected second message stamped with %s, got %q", taskID, conv.Messages[1].TaskID)
	}

	close(engine.release)
	h.orch.Wait()

	state, err := h.store.TaskState(ctx, taskID)
	if err != nil {
		t.Fatalf("task state: %v", err)
	}
	if state != a2a.TaskStateCompleted {
		t.Fatalf("expected completed, got %s", state)
	}
}

func remoteAgentServer(t *testing.T, answer string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		result, _ := json.Marshal(a2a.Task{
			Kind: a2a.KindTask,
			ID:   "remote-task",
			Status: a2a.TaskStatus{
				State:     a2a.TaskStateCompleted,
				Message:   &a2a.Message{Kind: a2a.KindMessage, Role: a2a.RoleAgent, Parts: []a2a.Part{a2a.TextPart(answer)}},
				Timestamp: a2a.Timestamp(time.Now()),
			},
		})
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(a2a.RPCResponse{JSONRPC: "2.0", Result: result})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func delegatingScript() []reasoner.Response {
	return []reasoner.Response{
		{ToolCalls: []reasoner.ToolCall{
			{ID: "c1", Name: "send_message", Arguments: map[string]any{"agent": "alpha", "message": "do part one"}},
			{ID: "c2", Name: "send_message", Arguments: map[string]any{"agent": "offline", "message": "do part two"}},
		}},
		{Content: "partial but useful answer"},
	}
}

func registerAgents(t *testing.T, h *harness, aliveURL string) {
	t.Helper()
	ctx := context.Background()
	if _, err := h.registry.RegisterCard(ctx, a2a.AgentCard{Name: "alpha", Description: "does part one", URL: aliveURL}); err != nil {
		t.Fatalf("register alpha: %v", err)
	}
	if _, err := h.registry.RegisterCard(ctx, a2a.AgentCard{Name: "offline", Description: "does part two", URL: "http://127.0.0.1:1"}); err != nil {
		t.Fatalf("register offline: %v", err)
	}
}

func TestPartialDelegationFailureDegrades(t *testing.T) {
	h := newHarness(t, &scriptedEngine{responses: delegatingScript()})
	ctx := context.Background()
	registerAgents(t, h, remoteAgentServer(t, "part one done").URL)

	ack, err := h.orch.Submit(ctx, textMessage("do both parts"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	h.orch.Wait()

	allTasks, err := h.store.ListTasks(ctx, store.TaskFilter{})
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(allTasks) != 1 || allTasks[0].Status.State != a2a.TaskStateCompleted {
		t.Fatalf("expected one completed task, got %+v", allTasks)
	}

	conv, err := h.store.GetConversationByContext(ctx, ack.ContextID)
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	last := conv.Messages[len(conv.Messages)-1]
	if last.Role != a2a.RoleAgent || last.Text() != "partial but useful answer" {
		t.Fatalf("unexpected final message: %+v", last)
	}

	// Progress frames were published while delegation was in flight.
	states := taskStates(t, h, allTasks[0].ID)
	sawProgress := false
	for _, s := range states[2 : len(states)-1] {
		if s == a2a.TaskStateWorking {
			sawProgress = true
		}
	}
	if !sawProgress {
		t.Fatalf("expected working progress frames, got %v", states)
	}
}

func TestStrictPolicyFailsOnAnyDelegateFailure(t *testing.T) {
	h := newHarness(t, &scriptedEngine{responses: delegatingScript()}, WithPolicy(PolicyStrict))
	ctx := context.Background()
	registerAgents(t, h, remoteAgentServer(t, "part one done").URL)

	if _, err := h.orch.Submit(ctx, textMessage("do both parts")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	h.orch.Wait()

	failed, err := h.store.ListTasks(ctx, store.TaskFilter{State: a2a.TaskStateFailed})
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(failed) != 1 {
		t.Fatalf("expected failed task under strict policy, got %+v", failed)
	}
}

func TestAllDelegatesFailedFailsTask(t *testing.T) {
	script := []reasoner.Response{
		{ToolCalls: []reasoner.ToolCall{
			{ID: "c1", Name: "send_message", Arguments: map[string]any{"agent": "offline", "message": "anything"}},
		}},
		{Content: "should not matter"},
	}
	h := newHarness(t, &scriptedEngine{responses: script})
	ctx := context.Background()
	if _, err := h.registry.RegisterCard(ctx, a2a.AgentCard{Name: "offline", URL: "http://127.0.0.1:1"}); err != nil {
		t.Fatalf("register offline: %v", err)
	}

	ack, err := h.orch.Submit(ctx, textMessage("try"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	h.orch.Wait()

	failed, err := h.store.ListTasks(ctx, store.TaskFilter{State: a2a.TaskStateFailed})
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(failed) != 1 {
		t.Fatalf("expected failed task, got %+v", failed)
	}

	// The failure is user-visible as an agent message, not a bare error.
	conv, err := h.store.GetConversationByContext(ctx, ack.ContextID)
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	last := conv.Messages[len(conv.Messages)-1]
	if last.Role != a2a.RoleAgent || !last.HasText() {
		t.Fatalf("expected descriptive failure message, got %+v", last)
	}
}

func TestReasoningErrorFailsTask(t *testing.T) {
	h := newHarness(t, &scriptedEngine{err: &reasoner.ReasoningError{Err: errors.New("model down")}})
	ctx := context.Background()

	if _, err := h.orch.Submit(ctx, textMessage("hello")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	h.orch.Wait()

	failed, err := h.store.ListTasks(ctx, store.TaskFilter{State: a2a.TaskStateFailed})
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(failed) != 1 {
		t.Fatalf("expected failed task, got %+v", failed)
	}
}

func TestCancelWhileWorking(t *testing.T) {
	engine := &gateEngine{release: make(chan struct{}), resp: reasoner.Response{Content: "too late"}}
	h := newHarness(t, engine)
	ctx := context.Background()

	ack, err := h.orch.Submit(ctx, textMessage("slow work"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	var taskID string
	waitFor(t, func() bool {
		working, err := h.store.ListTasks(ctx, store.TaskFilter{State: a2a.TaskStateWorking})
		if err == nil && len(working) == 1 {
			taskID = working[0].ID
			return true
		}
		return false
	})

	if err := h.orch.Cancel(ctx, taskID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	close(engine.release)
	h.orch.Wait()

	state, err := h.store.TaskState(ctx, taskID)
	if err != nil {
		t.Fatalf("task state: %v", err)
	}
	if state != a2a.TaskStateCanceled {
		t.Fatalf("expected canceled, got %s", state)
	}

	// No agent response is appended for a canceled task.
	conv, err := h.store.GetConversationByContext(ctx, ack.ContextID)
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	for _, m := range conv.Messages {
		if m.Role == a2a.RoleAgent {
			t.Fatalf("canceled task must not append an agent message: %+v", m)
		}
	}

	frames, err := h.bus.History(ctx, taskID, 50)
	if err != nil {
		t.Fatalf("bus history: %v", err)
	}
	last := frames[len(frames)-1]
	if !last.Final || last.Status == nil || last.Status.State != a2a.TaskStateCanceled {
		t.Fatalf("expected final canceled frame, got %+v", last)
	}
	if last.Status.Message != nil {
		t.Fatalf("canceled frame must not carry a message: %+v", last.Status)
	}

	// Cancelling an already-terminal task is a no-op.
	if err := h.orch.Cancel(ctx, taskID); err != nil {
		t.Fatalf("cancel terminal task: %v", err)
	}
}

func TestMessageAfterTerminalTaskStartsNewTask(t *testing.T) {
	h := newHarness(t, &scriptedEngine{responses: []reasoner.Response{{Content: "one"}, {Content: "two"}}})
	ctx := context.Background()

	ack, err := h.orch.Submit(ctx, textMessage("first"))
	if err != nil {
		t.Fatalf("submit first: %v", err)
	}
	h.orch.Wait()

	second := textMessage("second")
	second.ContextID = ack.ContextID
	if _, err := h.orch.Submit(ctx, second); err != nil {
		t.Fatalf("submit second: %v", err)
	}
	h.orch.Wait()

	allTasks, err := h.store.ListTasks(ctx, store.TaskFilter{})
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(allTasks) != 2 {
		t.Fatalf("expected a fresh task after the first completed, got %d", len(allTasks))
	}
	for _, task := range allTasks {
		if task.Status.State != a2a.TaskStateCompleted {
			t.Fatalf("expected both tasks completed, got %+v", task)
		}
	}

	convs, err := h.store.ListConversations(ctx, 10)
	if err != nil {
		t.Fatalf("list conversations: %v", err)
	}
	if len(convs) != 1 {
		t.Fatalf("both tasks share one conversation, got %d", len(convs))
	}
}

func TestSubmitRejectsInvalidMessage(t *testing.T) {
	h := newHarness(t, &scriptedEngine{})

	_, err := h.orch.Submit(context.Background(), a2a.Message{Role: a2a.RoleUser})
	if !errors.Is(err, a2a.ErrInvalidMessage) {
		t.Fatalf("expected ErrInvalidMessage, got %v", err)
	}
}

func TestSubmitRejectsMalformedClientIDs(t *testing.T) {
	h := newHarness(t, &scriptedEngine{})
	ctx := context.Background()

	bad := textMessage("hello")
	bad.MessageID = "no spaces allowed"
	if _, err := h.orch.Submit(ctx, bad); !errors.Is(err, a2a.ErrInvalidMessage) {
		t.Fatalf("expected ErrInvalidMessage for message id, got %v", err)
	}

	bad = textMessage("hello")
	bad.ContextID = "-starts-with-dash"
	if _, err := h.orch.Submit(ctx, bad); !errors.Is(err, a2a.ErrInvalidMessage) {
		t.Fatalf("expected ErrInvalidMessage for context id, got %v", err)
	}

	ok := textMessage("hello")
	ok.MessageID = "client-msg.1"
	ok.ContextID = "client:ctx_1"
	if _, err := h.orch.Submit(ctx, ok); err != nil {
		t.Fatalf("well-formed ids must be accepted: %v", err)
	}
	h.orch.Wait()
}

func TestStaleTaskStampStartsNewTask(t *testing.T) {
	h := newHarness(t, &scriptedEngine{responses: []reasoner.Response{{Content: "one"}, {Content: "two"}}})
	ctx := context.Background()

	ack, err := h.orch.Submit(ctx, textMessage("first"))
	if err != nil {
		t.Fatalf("submit first: %v", err)
	}
	h.orch.Wait()

	done, err := h.store.ListTasks(ctx, store.TaskFilter{State: a2a.TaskStateCompleted})
	if err != nil || len(done) != 1 {
		t.Fatalf("expected one completed task, got %+v (%v)", done, err)
	}

	// The message arrives addressed to a task that has since closed.
	second := textMessage("second")
	second.ContextID = ack.ContextID
	second.TaskID = done[0].ID
	if _, err := h.orch.Submit(ctx, second); err != nil {
		t.Fatalf("submit second: %v", err)
	}
	h.orch.Wait()

	allTasks, err := h.store.ListTasks(ctx, store.TaskFilter{})
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(allTasks) != 2 {
		t.Fatalf("expected fresh work for the closed task's message, got %d tasks", len(allTasks))
	}
	for _, task := range allTasks {
		if task.Status.State != a2a.TaskStateCompleted {
			t.Fatalf("expected both tasks completed, got %+v", task)
		}
	}

	conv, err := h.store.GetConversationByContext(ctx, ack.ContextID)
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	last := conv.Messages[len(conv.Messages)-1]
	if last.Role != a2a.RoleAgent || last.Text() != "two" {
		t.Fatalf("second message must still be answered, got %+v", last)
	}

	pending, err := h.store.ListPendingMessages(ctx)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected pending markers cleared, got %+v", pending)
	}
}

func TestPendingSweepRemovesStaleMarkers(t *testing.T) {
	db, cleanup := testutil.OpenTestDB(t)
	t.Cleanup(cleanup)

	past := time.Now().UTC().Add(-2 * time.Hour)
	staleStore := store.NewStore(db, store.WithClock(func() time.Time { return past }))
	if err := staleStore.AddPendingMessage(context.Background(), "stale", "ctx-1"); err != nil {
		t.Fatalf("add stale pending: %v", err)
	}

	st := store.NewStore(db)
	bus := eventbus.NewBus(db)
	machine := tasks.NewMachine(st, bus)
	registry := remote.NewRegistry(st)
	orch := New(st, machine, registry, reasoner.New(&scriptedEngine{}, nil))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	orch.StartPendingSweep(ctx, 10*time.Millisecond, 30*time.Minute)

	waitFor(t, func() bool {
		pending, err := st.ListPendingMessages(context.Background())
		return err == nil && len(pending) == 0
	})
}
