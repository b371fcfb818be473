package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/flitsinc/go-hostagent/internal/a2a"
	"github.com/flitsinc/go-hostagent/internal/eventbus"
	"github.com/flitsinc/go-hostagent/internal/idgen"
	"github.com/flitsinc/go-hostagent/internal/store"
)

var ErrInvalidStateTransition = errors.New("invalid task state transition")

type StateTransitionError struct {
	TaskID string
	From   a2a.TaskState
	To     a2a.TaskState
}

func (e *StateTransitionError) Error() string {
	return fmt.Sprintf("invalid task state transition for %s: %s -> %s", e.TaskID, e.From, e.To)
}

func (e *StateTransitionError) Unwrap() error {
	return ErrInvalidStateTransition
}

// Machine owns every task status mutation. Writes go through the store's
// compare-and-set update, and each accepted transition is published to the
// bus after the row is persisted.
type Machine struct {
	store *store.Store
	bus   *eventbus.Bus

	nowFn   func() time.Time
	newIDFn func() string

	mu       sync.Mutex
	canceled map[string]struct{}
}

type Option func(*Machine)

func WithClock(nowFn func() time.Time) Option {
	return func(m *Machine) {
		if nowFn != nil {
			m.nowFn = nowFn
		}
	}
}

func WithIDGenerator(newIDFn func() string) Option {
	return func(m *Machine) {
		if newIDFn != nil {
			m.newIDFn = newIDFn
		}
	}
}

func NewMachine(st *store.Store, bus *eventbus.Bus, opts ...Option) *Machine {
	m := &Machine{
		store:    st,
		bus:      bus,
		nowFn:    func() time.Time { return time.Now().UTC() },
		newIDFn:  idgen.New,
		canceled: map[string]struct{}{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// canTransition encodes the legal moves. Terminal states accept nothing;
// working may re-enter working for progress updates.
func canTransition(from, to a2a.TaskState) bool {
	switch from {
	case a2a.TaskStateSubmitted:
		return to == a2a.TaskStateWorking || to == a2a.TaskStateCanceled || to == a2a.TaskStateFailed
	case a2a.TaskStateWorking:
		return to == a2a.TaskStateWorking ||
			to == a2a.TaskStateInputRequired ||
			to == a2a.TaskStateCompleted ||
			to == a2a.TaskStateFailed ||
			to == a2a.TaskStateCanceled
	case a2a.TaskStateInputRequired:
		return to == a2a.TaskStateWorking || to == a2a.TaskStateCanceled || to == a2a.TaskStateFailed
	default:
		return false
	}
}

// Create persists a new task in submitted state and publishes a full task
// snapshot so subscribers see the complete initial shape.
func (m *Machine) Create(ctx context.Context, taskID, contextID string, request a2a.Message) (a2a.Task, error) {
	if taskID == "" {
		taskID = m.newIDFn()
	}
	request.TaskID = taskID
	task := a2a.Task{
		Kind:      a2a.KindTask,
		ID:        taskID,
		ContextID: contextID,
		Status: a2a.TaskStatus{
			State:     a2a.TaskStateSubmitted,
			Timestamp: a2a.Timestamp(m.nowFn()),
		},
		History: []a2a.Message{request},
	}
	if err := m.store.UpsertTask(ctx, task); err != nil {
		return a2a.Task{}, fmt.Errorf("create task: %w", err)
	}
	if _, err := m.bus.Publish(ctx, eventbus.TaskFrame(task)); err != nil {
		return a2a.Task{}, err
	}
	return task, nil
}

// MarkWorking moves submitted or input-required into working.
func (m *Machine) MarkWorking(ctx context.Context, taskID string) error {
	return m.transition(ctx, taskID, a2a.TaskStateWorking, nil, false)
}

// Progress publishes a non-final working update carrying a status message.
// The task must already be working.
func (m *Machine) Progress(ctx context.Context, taskID string, message a2a.Message) error {
	return m.transition(ctx, taskID, a2a.TaskStateWorking, &message, false)
}

// RequireInput parks the task until the caller sends a follow-up message.
// The frame is final: the current stream ends here.
func (m *Machine) RequireInput(ctx context.Context, taskID string, prompt a2a.Message) error {
	return m.transition(ctx, taskID, a2a.TaskStateInputRequired, &prompt, true)
}

// Resume moves an input-required task back to working after a follow-up.
func (m *Machine) Resume(ctx context.Context, taskID string) error {
	return m.transition(ctx, taskID, a2a.TaskStateWorking, nil, false)
}

// Complete finishes the task with the response message attached to the final
// status frame.
func (m *Machine) Complete(ctx context.Context, taskID string, response a2a.Message) error {
	if err := m.transition(ctx, taskID, a2a.TaskStateCompleted, &response, true); err != nil {
		return err
	}
	m.ClearCancel(taskID)
	return nil
}

// Fail finishes the task with an error description attached.
func (m *Machine) Fail(ctx context.Context, taskID string, errMsg a2a.Message) error {
	if err := m.transition(ctx, taskID, a2a.TaskStateFailed, &errMsg, true); err != nil {
		return err
	}
	m.ClearCancel(taskID)
	return nil
}

// Cancel moves an open task into canceled. No message is attached.
func (m *Machine) Cancel(ctx context.Context, taskID string) error {
	if err := m.transition(ctx, taskID, a2a.TaskStateCanceled, nil, true); err != nil {
		return err
	}
	m.ClearCancel(taskID)
	return nil
}

func (m *Machine) transition(ctx context.Context, taskID string, to a2a.TaskState, message *a2a.Message, final bool) error {
	from, err := m.store.TaskState(ctx, taskID)
	if err != nil {
		return err
	}
	if !canTransition(from, to) {
		return &StateTransitionError{TaskID: taskID, From: from, To: to}
	}
	status := a2a.TaskStatus{
		State:     to,
		Message:   message,
		Timestamp: a2a.Timestamp(m.nowFn()),
	}
	ok, err := m.store.UpdateTaskStatus(ctx, taskID, status, from)
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	if !ok {
		// Lost the race: re-read and report the transition that was
		// actually illegal.
		current, stateErr := m.store.TaskState(ctx, taskID)
		if stateErr != nil {
			return stateErr
		}
		return &StateTransitionError{TaskID: taskID, From: current, To: to}
	}
	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	_, err = m.bus.Publish(ctx, eventbus.StatusFrame(taskID, task.ContextID, status, final))
	return err
}

// RequestCancel flags a task for cooperative cancellation. Workers check the
// flag at suspension points. Requests against terminal tasks are no-ops.
func (m *Machine) RequestCancel(ctx context.Context, taskID string) error {
	state, err := m.store.TaskState(ctx, taskID)
	if err != nil {
		return err
	}
	if state.Terminal() {
		return nil
	}
	m.mu.Lock()
	m.canceled[taskID] = struct{}{}
	m.mu.Unlock()
	return nil
}

func (m *Machine) CancelRequested(taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.canceled[taskID]
	return ok
}

func (m *Machine) ClearCancel(taskID string) {
	m.mu.Lock()
	delete(m.canceled, taskID)
	m.mu.Unlock()
}
