// Package orchestrator composes the sanitizer, task state machine, remote
// agent registry, and reasoning step to process one inbound message
// end-to-end. Callers get a synchronous acknowledgment; outcomes are observed
// through the event bus and the persisted conversation.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/flitsinc/go-hostagent/internal/a2a"
	"github.com/flitsinc/go-hostagent/internal/conversation"
	"github.com/flitsinc/go-hostagent/internal/idgen"
	"github.com/flitsinc/go-hostagent/internal/reasoner"
	"github.com/flitsinc/go-hostagent/internal/remote"
	"github.com/flitsinc/go-hostagent/internal/store"
	"github.com/flitsinc/go-hostagent/internal/tasks"
)

// ErrCancellation marks a cooperative stop. It is not a failure: the task
// ends canceled, with no error text and no agent response.
var ErrCancellation = errors.New("cancellation requested")

// Policy decides what a partial delegation failure does to the task.
type Policy string

const (
	// PolicyDegrade answers with whatever succeeded; the task only fails
	// when every attempted delegate failed.
	PolicyDegrade Policy = "degrade"
	// PolicyStrict fails the task on any delegate failure.
	PolicyStrict Policy = "strict"
)

// Ack is the synchronous response to a submitted message. Processing
// continues asynchronously.
type Ack struct {
	MessageID string `json:"message_id"`
	ContextID string `json:"context_id"`
}

type Orchestrator struct {
	store    *store.Store
	machine  *tasks.Machine
	registry *remote.Registry
	reasoner *reasoner.Reasoner
	log      *slog.Logger

	policy Policy
	exec   *executor
}

type Option func(*Orchestrator)

func WithPolicy(policy Policy) Option {
	return func(o *Orchestrator) {
		if policy == PolicyDegrade || policy == PolicyStrict {
			o.policy = policy
		}
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(o *Orchestrator) {
		if log != nil {
			o.log = log
		}
	}
}

func New(st *store.Store, machine *tasks.Machine, registry *remote.Registry, r *reasoner.Reasoner, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:    st,
		machine:  machine,
		registry: registry,
		reasoner: r,
		log:      slog.Default(),
		policy:   PolicyDegrade,
		exec:     newExecutor(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// Submit validates and acknowledges a message, then processes it
// asynchronously. Messages for the same context run serially in arrival
// order; different contexts run concurrently. A message the sanitizer folds
// onto an open task is appended to the conversation immediately and does not
// spawn a second run; only a task parked at input-required is resumed.
func (o *Orchestrator) Submit(ctx context.Context, msg a2a.Message) (Ack, error) {
	msg.Kind = a2a.KindMessage
	if msg.Role == "" {
		msg.Role = a2a.RoleUser
	}
	if err := a2a.ValidateInbound(msg); err != nil {
		return Ack{}, err
	}
	if msg.MessageID == "" {
		msg.MessageID = idgen.New()
	} else if err := idgen.ValidateClientID(msg.MessageID); err != nil {
		return Ack{}, &a2a.ValidationError{Field: "messageId", Reason: err.Error()}
	}
	if msg.ContextID == "" {
		msg.ContextID = idgen.New()
	} else if err := idgen.ValidateClientID(msg.ContextID); err != nil {
		return Ack{}, &a2a.ValidationError{Field: "contextId", Reason: err.Error()}
	}

	sanitized, err := conversation.Sanitize(ctx, o.store, msg)
	if err != nil {
		return Ack{}, err
	}
	ack := Ack{MessageID: msg.MessageID, ContextID: msg.ContextID}

	if sanitized.TaskID != "" {
		resume, err := o.fold(ctx, sanitized)
		switch {
		case errors.Is(err, errTaskClosed):
			sanitized.TaskID = ""
		case err != nil:
			return Ack{}, err
		default:
			if resume {
				o.exec.enqueue(sanitized.ContextID, func() {
					o.resume(context.Background(), sanitized)
				})
			}
			return ack, nil
		}
	}

	o.exec.enqueue(sanitized.ContextID, func() {
		o.process(context.Background(), sanitized)
	})
	return ack, nil
}

// errTaskClosed reports that a fold target reached a terminal state since
// sanitization; the message should start fresh work instead.
var errTaskClosed = errors.New("task already closed")

// fold appends a continuation message onto its open task. It reports whether
// a run should be scheduled: true only when the task is waiting for input.
func (o *Orchestrator) fold(ctx context.Context, msg a2a.Message) (bool, error) {
	state, err := o.store.TaskState(ctx, msg.TaskID)
	if err != nil {
		return false, err
	}
	if state.Terminal() {
		return false, errTaskClosed
	}
	conv, err := conversation.EnsureConversation(ctx, o.store, msg.ContextID)
	if err != nil {
		return false, err
	}
	if err := conversation.AppendUserMessage(ctx, o.store, conv.ID, msg); err != nil {
		return false, err
	}
	if err := o.store.AppendTaskHistory(ctx, msg.TaskID, msg); err != nil {
		return false, err
	}
	state, err = o.store.TaskState(ctx, msg.TaskID)
	if err != nil {
		return false, err
	}
	if state.Terminal() {
		// The run finished while the message was being appended; nothing
		// will answer it under this task, so its pending marker is cleared
		// now rather than left to the TTL sweep.
		if err := o.store.RemovePendingMessage(ctx, msg.MessageID); err != nil {
			o.log.Warn("clear pending marker failed", "message_id", msg.MessageID, "error", err)
		}
		return false, nil
	}
	return state == a2a.TaskStateInputRequired, nil
}

// resume picks an input-required task back up after a follow-up message.
func (o *Orchestrator) resume(ctx context.Context, msg a2a.Message) {
	conv, err := conversation.EnsureConversation(ctx, o.store, msg.ContextID)
	if err != nil {
		o.log.Error("resolve conversation failed", "context_id", msg.ContextID, "error", err)
		return
	}
	if err := o.machine.Resume(ctx, msg.TaskID); err != nil {
		if !errors.Is(err, tasks.ErrInvalidStateTransition) {
			o.log.Error("resume task failed", "task_id", msg.TaskID, "error", err)
			return
		}
		// Another follow-up already resumed it; the active run answers.
		return
	}
	o.run(ctx, conv.ID, msg.TaskID, msg)
}

// Cancel requests cooperative cancellation of a task. A parked
// input-required task has no active run to observe the flag, so it is
// transitioned directly. Terminal tasks are a no-op.
func (o *Orchestrator) Cancel(ctx context.Context, taskID string) error {
	state, err := o.store.TaskState(ctx, taskID)
	if err != nil {
		return err
	}
	if state.Terminal() {
		return nil
	}
	if err := o.machine.RequestCancel(ctx, taskID); err != nil {
		return err
	}
	if state == a2a.TaskStateInputRequired {
		return o.machine.Cancel(ctx, taskID)
	}
	return nil
}

// Wait blocks until all in-flight runs have drained. Test and shutdown hook.
func (o *Orchestrator) Wait() {
	o.exec.wait()
}

// StartPendingSweep removes pending-message markers older than ttl on a
// fixed cadence until ctx is done. Advisory cleanup only: task state remains
// the source of truth.
func (o *Orchestrator) StartPendingSweep(ctx context.Context, interval, ttl time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				removed, err := o.store.ClearOldPendingMessages(ctx, ttl)
				if err != nil {
					o.log.Warn("pending sweep failed", "error", err)
					continue
				}
				if removed > 0 {
					o.log.Info("pending sweep removed stale markers", "count", removed)
				}
			}
		}
	}()
}

// process handles a message that starts a new unit of work: create the task,
// persist the message, move to working, and run the reasoning step.
func (o *Orchestrator) process(ctx context.Context, msg a2a.Message) {
	conv, err := conversation.EnsureConversation(ctx, o.store, msg.ContextID)
	if err != nil {
		o.log.Error("resolve conversation failed", "context_id", msg.ContextID, "error", err)
		return
	}

	task, err := o.machine.Create(ctx, "", msg.ContextID, msg)
	if err != nil {
		o.log.Error("create task failed", "context_id", msg.ContextID, "error", err)
		return
	}
	msg.TaskID = task.ID

	if err := conversation.AppendUserMessage(ctx, o.store, conv.ID, msg); err != nil {
		o.log.Error("append user message failed", "conversation_id", conv.ID, "error", err)
		return
	}
	if err := o.machine.MarkWorking(ctx, task.ID); err != nil {
		o.log.Error("start task failed", "task_id", task.ID, "error", err)
		return
	}

	o.run(ctx, conv.ID, task.ID, msg)
}

// run drives the reasoning step for one message and closes the task out.
func (o *Orchestrator) run(ctx context.Context, conversationID, taskID string, msg a2a.Message) {
	if o.machine.CancelRequested(taskID) {
		o.finishCanceled(ctx, taskID)
		return
	}

	history, err := o.store.ListMessages(ctx, conversationID)
	if err != nil {
		o.finishFailed(ctx, conversationID, taskID, msg.MessageID, fmt.Errorf("load history: %w", err))
		return
	}
	agents, err := o.registry.List(ctx)
	if err != nil {
		o.finishFailed(ctx, conversationID, taskID, msg.MessageID, fmt.Errorf("list agents: %w", err))
		return
	}

	result, err := o.reasoner.Respond(ctx, history, agents, &delegator{
		orch:      o,
		taskID:    taskID,
		contextID: msg.ContextID,
	})
	if errors.Is(err, ErrCancellation) || o.machine.CancelRequested(taskID) {
		o.finishCanceled(ctx, taskID)
		return
	}
	if err != nil {
		o.finishFailed(ctx, conversationID, taskID, msg.MessageID, err)
		return
	}
	for _, failure := range result.Failures {
		o.log.Warn("delegate failed during run", "task_id", taskID, "error", failure)
	}
	if o.policy == PolicyStrict && result.DelegatesFailed > 0 {
		o.finishFailed(ctx, conversationID, taskID, msg.MessageID,
			fmt.Errorf("%d of %d delegations failed", result.DelegatesFailed, result.DelegatesAttempted))
		return
	}
	if result.DelegatesAttempted > 0 && result.DelegatesFailed == result.DelegatesAttempted {
		o.finishFailed(ctx, conversationID, taskID, msg.MessageID,
			fmt.Errorf("all %d delegations failed", result.DelegatesAttempted))
		return
	}

	response := a2a.Message{
		Kind:      a2a.KindMessage,
		MessageID: idgen.New(),
		ContextID: msg.ContextID,
		TaskID:    taskID,
		Role:      a2a.RoleAgent,
		Parts:     []a2a.Part{a2a.TextPart(result.Text)},
	}
	// Persist the answer before the terminal frame goes out, so a
	// subscriber reacting to the frame always finds the message.
	if err := conversation.AppendAgentMessage(ctx, o.store, conversationID, response, msg.MessageID); err != nil {
		o.log.Error("append agent message failed", "task_id", taskID, "error", err)
	}
	if err := o.machine.Complete(ctx, taskID, response); err != nil {
		o.log.Error("complete task failed", "task_id", taskID, "error", err)
	}
}

func (o *Orchestrator) finishCanceled(ctx context.Context, taskID string) {
	if err := o.machine.Cancel(ctx, taskID); err != nil {
		if !errors.Is(err, tasks.ErrInvalidStateTransition) {
			o.log.Error("cancel task failed", "task_id", taskID, "error", err)
		}
		return
	}
	o.log.Info("task canceled", "task_id", taskID)
}

func (o *Orchestrator) finishFailed(ctx context.Context, conversationID, taskID, answersMessageID string, cause error) {
	o.log.Error("task failed", "task_id", taskID, "error", cause)
	errMsg := a2a.Message{
		Kind:      a2a.KindMessage,
		MessageID: idgen.New(),
		TaskID:    taskID,
		Role:      a2a.RoleAgent,
		Parts:     []a2a.Part{a2a.TextPart(fmt.Sprintf("Sorry, I could not complete this request: %v", cause))},
	}
	if err := conversation.AppendAgentMessage(ctx, o.store, conversationID, errMsg, answersMessageID); err != nil {
		o.log.Error("append failure message failed", "task_id", taskID, "error", err)
	}
	if err := o.machine.Fail(ctx, taskID, errMsg); err != nil {
		o.log.Error("fail task failed", "task_id", taskID, "error", err)
	}
}

// delegator bridges the reasoning loop to delegate connections, checking the
// cancellation flag around every remote call.
type delegator struct {
	orch      *Orchestrator
	taskID    string
	contextID string
}

func (d *delegator) ListAgents(ctx context.Context) ([]remote.AgentSummary, error) {
	return d.orch.registry.List(ctx)
}

func (d *delegator) Delegate(ctx context.Context, agentName, text string) (string, error) {
	if d.orch.machine.CancelRequested(d.taskID) {
		return "", ErrCancellation
	}
	progress := a2a.Message{
		Kind:      a2a.KindMessage,
		MessageID: idgen.New(),
		ContextID: d.contextID,
		TaskID:    d.taskID,
		Role:      a2a.RoleAgent,
		Parts:     []a2a.Part{a2a.TextPart("Coordinating with remote agents...")},
	}
	if err := d.orch.machine.Progress(ctx, d.taskID, progress); err != nil {
		d.orch.log.Warn("progress update skipped", "task_id", d.taskID, "error", err)
	}

	conn, err := d.orch.registry.Conn(ctx, agentName)
	if err != nil {
		return "", err
	}
	reply, err := conn.SendMessage(ctx, a2a.Message{
		Kind:      a2a.KindMessage,
		MessageID: idgen.New(),
		ContextID: d.contextID,
		Role:      a2a.RoleUser,
		Parts:     []a2a.Part{a2a.TextPart(text)},
	})
	if err != nil {
		return "", err
	}
	if d.orch.machine.CancelRequested(d.taskID) {
		return "", ErrCancellation
	}
	if reply.Task != nil && len(reply.Task.Artifacts) > 0 {
		d.orch.adoptArtifacts(ctx, d.taskID, reply.Task.Artifacts)
	}
	return reply.Text(), nil
}

// adoptArtifacts copies a delegate's artifacts onto the host task so they
// survive in the task record. Status is left alone.
func (o *Orchestrator) adoptArtifacts(ctx context.Context, taskID string, artifacts []a2a.Artifact) {
	if err := o.store.AppendTaskArtifacts(ctx, taskID, artifacts); err != nil {
		o.log.Warn("store artifacts failed", "task_id", taskID, "error", err)
	}
}
