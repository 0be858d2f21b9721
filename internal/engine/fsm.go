package engine

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rendis/stepwise/internal/store"
	"github.com/rendis/stepwise/pkg/schema"
)

// TransitionHook is called before or after a state transition.
type TransitionHook func(from, to schema.RunState) error

// EventAppender is satisfied by the Store; used by the FSM to emit events on transitions.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

type nopAppender struct{}

func (nopAppender) AppendEvent(context.Context, *store.Event) error { return nil }

type hookKey struct {
	from, to schema.RunState
}

// RunFSM tracks the state of one scenario run. Every transition is checked
// against ValidRunTransitions and recorded as a run event.
type RunFSM struct {
	mu       sync.Mutex
	runID    string
	state    schema.RunState
	appender EventAppender
	before   map[hookKey][]TransitionHook
	after    map[hookKey][]TransitionHook
}

// NewRunFSM creates a RunFSM in the ready state. A nil appender discards events.
func NewRunFSM(runID string, appender EventAppender) *RunFSM {
	if appender == nil {
		appender = nopAppender{}
	}
	return &RunFSM{
		runID:    runID,
		state:    schema.RunStateReady,
		appender: appender,
		before:   make(map[hookKey][]TransitionHook),
		after:    make(map[hookKey][]TransitionHook),
	}
}

// State returns the current state.
func (f *RunFSM) State() schema.RunState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// OnBefore registers a hook called before a transition. A hook error aborts it.
func (f *RunFSM) OnBefore(from, to schema.RunState, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a transition.
func (f *RunFSM) OnAfter(from, to schema.RunState, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition moves the run to state to and emits the matching event with
// payload. The state advances even when the event cannot be recorded; the
// store failure is still returned.
func (f *RunFSM) Transition(ctx context.Context, to schema.RunState, stepID string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	from := f.state
	if !isValidRunTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid run transition: %s -> %s", from, to).
			WithDetails(map[string]any{"run_id": f.runID, "from": string(from), "to": string(to)})
	}

	key := hookKey{from, to}
	for _, hook := range f.before[key] {
		if err := hook(from, to); err != nil {
			return err
		}
	}

	f.state = to

	var emitErr error
	if eventType := runEventType(to); eventType != "" {
		emitErr = f.emit(ctx, eventType, stepID, payload)
	}

	for _, hook := range f.after[key] {
		if err := hook(from, to); err != nil {
			return err
		}
	}
	return emitErr
}

// Record appends an event that does not change state, e.g. a passed step.
func (f *RunFSM) Record(ctx context.Context, eventType, stepID string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.emit(ctx, eventType, stepID, payload)
}

// emit appends one event. Caller holds f.mu.
func (f *RunFSM) emit(ctx context.Context, eventType, stepID string, payload any) error {
	event := &store.Event{
		RunID:  f.runID,
		StepID: stepID,
		Type:   eventType,
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "encode %s payload: %s", eventType, err.Error()).WithCause(err)
		}
		event.Payload = raw
	}
	if err := f.appender.AppendEvent(ctx, event); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "emit run event: %s", err.Error()).
			WithStep(stepID).WithCause(err)
	}
	return nil
}

func isValidRunTransition(from, to schema.RunState) bool {
	for _, a := range ValidRunTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

func runEventType(to schema.RunState) string {
	switch to {
	case schema.RunStateRunning:
		return schema.EventRunStarted
	case schema.RunStateStepFailed:
		return schema.EventStepFailed
	case schema.RunStateAllStepsDone:
		return schema.EventStepsCompleted
	case schema.RunStateVerifyingOutcomes:
		return schema.EventOutcomesVerifying
	case schema.RunStateOutcomesFailed:
		return schema.EventOutcomesFailed
	case schema.RunStateOutcomesPassed:
		return schema.EventOutcomesPassed
	case schema.RunStateDone:
		return schema.EventRunCompleted
	default:
		return ""
	}
}

// IsTerminal reports whether s accepts no further transitions.
func IsTerminal(s schema.RunState) bool {
	return len(ValidRunTransitions[s]) == 0
}

// ValidRunTransitions defines the allowed state transitions of a scenario run.
var ValidRunTransitions = map[schema.RunState][]schema.RunState{
	schema.RunStateReady:             {schema.RunStateRunning},
	schema.RunStateRunning:           {schema.RunStateStepFailed, schema.RunStateAllStepsDone},
	schema.RunStateStepFailed:        {schema.RunStateDone},
	schema.RunStateAllStepsDone:      {schema.RunStateVerifyingOutcomes, schema.RunStateDone},
	schema.RunStateVerifyingOutcomes: {schema.RunStateOutcomesFailed, schema.RunStateOutcomesPassed},
	schema.RunStateOutcomesFailed:    {schema.RunStateDone},
	schema.RunStateOutcomesPassed:    {schema.RunStateDone},
	schema.RunStateDone:              {},
}
