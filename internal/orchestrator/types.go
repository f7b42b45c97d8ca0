package orchestrator

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fyrsmithlabs/handoffd/internal/contract"
	"github.com/fyrsmithlabs/handoffd/internal/guardrail"
	"github.com/fyrsmithlabs/handoffd/internal/provider"
)

// State is a task's lifecycle state. Only the Router mutates it; all
// other components observe it read-only.
type State string

const (
	StatePending         State = "pending"
	StateInStage         State = "in_stage"
	StateAwaitingHandoff State = "awaiting_handoff"
	StateCompleted       State = "completed"
	StateRejected        State = "rejected"
	StateFailed          State = "failed"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateRejected, StateFailed:
		return true
	}
	return false
}

// Outcome classifies how a stage attempt ended.
type Outcome string

const (
	// OutcomeCompleted means the chain produced a contract-valid result.
	OutcomeCompleted Outcome = "completed"

	// OutcomeRejected means a guardrail tripped or the input violated the
	// stage's input contract; no provider was invoked for content reasons.
	OutcomeRejected Outcome = "rejected"

	// OutcomeDeflected means a guardrail redirected the task to another
	// stage before any provider ran.
	OutcomeDeflected Outcome = "deflected"

	// OutcomeInvalid means the chain exhausted on contract-invalid results;
	// the attempt consumed one unit of the validation retry budget.
	OutcomeInvalid Outcome = "invalid"

	// OutcomeFailed means an operational failure ended the attempt.
	OutcomeFailed Outcome = "failed"
)

// TransitionRecord is one immutable audit entry in a task's history.
// History is append-only: entries are never mutated, removed or reordered.
type TransitionRecord struct {
	Stage       string                    `json:"stage"`
	Attempt     int                       `json:"attempt"`
	Provider    string                    `json:"provider,omitempty"`
	Verdict     guardrail.Verdict         `json:"guardrail_verdict"`
	Violations  []contract.FieldViolation `json:"validator_violations,omitempty"`
	ProviderLog []provider.Attempt        `json:"provider_attempts,omitempty"`
	Outcome     Outcome                   `json:"outcome"`
	Duration    time.Duration             `json:"duration"`
	Error       string                    `json:"error,omitempty"`
	At          time.Time                 `json:"at"`
}

// Status is the read-only projection served to callers.
type Status struct {
	ID      string             `json:"id"`
	State   State              `json:"state"`
	History []TransitionRecord `json:"history"`
}

// Decision is a selector's verdict: terminal completion or a handoff to a
// named stage.
type Decision struct {
	next string
}

// Terminal ends the task successfully.
func Terminal() Decision { return Decision{} }

// GoTo hands the task off to the named stage.
func GoTo(stage string) Decision { return Decision{next: stage} }

// IsTerminal reports whether the decision ends the task.
func (d Decision) IsTerminal() bool { return d.next == "" }

// Next returns the handoff target; empty for terminal.
func (d Decision) Next() string { return d.next }

// Selector maps a contract-valid stage output to the next stage. It must
// be pure: same value, same decision.
type Selector func(value map[string]any) Decision

// StageDescriptor is the static configuration of one stage. It is
// immutable after registration and shared read-only across pipelines.
type StageDescriptor struct {
	// Name identifies the stage in handoffs and audit records.
	Name string

	// Instructions is opaque configuration handed to the stage's
	// providers verbatim; the runtime never inspects it.
	Instructions string

	// InputSchema optionally constrains the task payload admitted into
	// the stage. Nil admits any payload.
	InputSchema json.RawMessage

	// OutputSchema is the contract every provider result must satisfy.
	OutputSchema json.RawMessage

	// Guardrails are evaluated in declared order before any provider runs.
	Guardrails []guardrail.Check

	// Providers back the stage's capability; lower rank is tried first.
	Providers []provider.Binding

	// Selector decides the handoff after a contract-valid result.
	Selector Selector

	// NextStages declares every stage the selector may name. Targets are
	// checked when the registry is sealed, so routing ambiguity is a
	// configuration error, never a runtime decision.
	NextStages []string
}

// Task is the unit of work flowing through the runtime.
type Task struct {
	ID         string
	Payload    json.RawMessage
	EntryStage string

	mu       sync.RWMutex
	state    State
	history  []TransitionRecord
	attempts map[string]int

	cancelled atomic.Bool
}

func newTask(id string, payload json.RawMessage, entryStage string) *Task {
	return &Task{
		ID:         id,
		Payload:    payload,
		EntryStage: entryStage,
		state:      StatePending,
		attempts:   make(map[string]int),
	}
}

// snapshot returns a consistent read-only copy for GetStatus.
func (t *Task) snapshot() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	history := make([]TransitionRecord, len(t.history))
	copy(history, t.history)
	return Status{ID: t.ID, State: t.state, History: history}
}

func (t *Task) currentState() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// setState transitions the task. Terminal states are sticky: a transition
// out of a terminal state is ignored.
func (t *Task) setState(s State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Terminal() {
		return
	}
	t.state = s
}

func (t *Task) appendRecord(rec TransitionRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.history = append(t.history, rec)
}

// nextAttempt returns the next attempt number for the stage. Numbering is
// monotonic per (task, stage) and survives re-entry after a restart, so a
// repeated attempt never reuses a recorded number.
func (t *Task) nextAttempt(stage string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.attempts[stage]++
	return t.attempts[stage]
}
