package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/handoffd/internal/contract"
	"github.com/fyrsmithlabs/handoffd/internal/events"
	"github.com/fyrsmithlabs/handoffd/internal/guardrail"
	"github.com/fyrsmithlabs/handoffd/internal/logging"
	"github.com/fyrsmithlabs/handoffd/internal/provider"
)

var (
	ErrUnknownTask  = errors.New("unknown task")
	ErrUnknownStage = errors.New("unknown stage")
	ErrNotSealed    = errors.New("registry not sealed")
	ErrClosed       = errors.New("router closed")
)

var tracer = otel.Tracer("github.com/fyrsmithlabs/handoffd/internal/orchestrator")

// Config bounds the router's retry and deflect behavior.
type Config struct {
	// MaxAttempts is the chain retry budget per stage for contract-invalid
	// results.
	MaxAttempts int

	// MaxDeflects caps consecutive guardrail deflects.
	MaxDeflects int

	// Domain prefixes outbound event subjects.
	Domain string
}

// Router owns every task's lifecycle: it gates, dispatches, validates and
// hands off, appending one transition record per stage attempt and
// mirroring transitions to the event publisher, record first.
type Router struct {
	reg   *Registry
	pub   events.Publisher
	store Store
	log   *logging.Logger
	cfg   Config

	tasks sync.Map // task_id -> *Task
	wg    sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewRouter wires a router over a sealed-or-to-be-sealed registry. A nil
// publisher, store or logger falls back to the in-memory/no-op default.
func NewRouter(reg *Registry, pub events.Publisher, store Store, log *logging.Logger, cfg Config) *Router {
	if pub == nil {
		pub = events.NewMemoryPublisher()
	}
	if store == nil {
		store = NewMemoryStore()
	}
	if log == nil {
		log = logging.Nop()
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 2
	}
	if cfg.MaxDeflects < 1 {
		cfg.MaxDeflects = 4
	}
	if cfg.Domain == "" {
		cfg.Domain = "tasks"
	}
	return &Router{
		reg:   reg,
		pub:   pub,
		store: store,
		log:   log.Named("router"),
		cfg:   cfg,
	}
}

// Submit admits a new task and returns its identifier immediately;
// processing is asynchronous on the task's own pipeline goroutine.
func (r *Router) Submit(ctx context.Context, payload json.RawMessage, entryStage string) (string, error) {
	if !r.reg.Sealed() {
		return "", ErrNotSealed
	}
	if _, ok := r.reg.lookup(entryStage); !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownStage, entryStage)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return "", ErrClosed
	}

	id := uuid.NewString()
	t := newTask(id, payload, entryStage)
	if err := r.store.SaveTask(id, entryStage, payload); err != nil {
		return "", fmt.Errorf("persist task: %w", err)
	}
	r.tasks.Store(id, t)

	r.log.Info(logging.WithTaskID(ctx, id), "task admitted",
		zap.String("entry_stage", entryStage))

	r.wg.Add(1)
	go r.run(t, entryStage)

	return id, nil
}

// GetStatus returns the task's state and full transition audit trail.
func (r *Router) GetStatus(id string) (Status, error) {
	v, ok := r.tasks.Load(id)
	if !ok {
		return Status{}, fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	return v.(*Task).snapshot(), nil
}

// Cancel marks the task for cooperative cancellation. The pipeline
// honors the mark between stage boundaries, never mid-provider-call, to
// avoid partial external side effects with no compensating action.
// Cancelling a terminal task is a no-op.
func (r *Router) Cancel(id string) error {
	v, ok := r.tasks.Load(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	v.(*Task).cancelled.Store(true)
	return nil
}

// Restore re-admits persisted tasks after a restart. Terminal tasks are
// rehydrated for GetStatus only; in-flight tasks re-enter the guardrail
// gate for the stage recorded last, with attempt numbering continued from
// history so repeated attempts never double-count.
func (r *Router) Restore() error {
	persisted, err := r.store.Load()
	if err != nil {
		return fmt.Errorf("load persisted tasks: %w", err)
	}
	if len(persisted) > 0 && !r.reg.Sealed() {
		return ErrNotSealed
	}

	for _, p := range persisted {
		if _, exists := r.tasks.Load(p.ID); exists {
			continue
		}

		t := newTask(p.ID, p.Payload, p.EntryStage)
		t.state = p.State
		t.history = p.History
		for _, rec := range p.History {
			if rec.Attempt > t.attempts[rec.Stage] {
				t.attempts[rec.Stage] = rec.Attempt
			}
		}
		r.tasks.Store(p.ID, t)

		if p.State.Terminal() {
			continue
		}

		resumeAt := p.EntryStage
		if n := len(p.History); n > 0 {
			resumeAt = p.History[n-1].Stage
		}

		r.log.Info(logging.WithTaskID(context.Background(), p.ID), "task resumed",
			zap.String("stage", resumeAt))

		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return ErrClosed
		}
		r.wg.Add(1)
		r.mu.Unlock()
		go r.run(t, resumeAt)
	}
	return nil
}

// Close stops admitting tasks and waits for in-flight pipelines to
// finish. The publisher and store are owned by the caller.
func (r *Router) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.wg.Wait()
}

// run drives one task through its stage sequence.
func (r *Router) run(t *Task, stageName string) {
	defer r.wg.Done()
	ctx := logging.WithTaskID(context.Background(), t.ID)
	deflects := 0

	for {
		sctx := logging.WithStage(ctx, stageName)

		st, ok := r.reg.lookup(stageName)
		if !ok {
			// Deflect targets are not statically checked; a redirect to an
			// unknown stage lands here.
			r.fail(sctx, t, stageName, 0, guardrail.Verdict{},
				fmt.Sprintf("handoff to unknown stage %q", stageName), nil, nil)
			return
		}

		if t.cancelled.Load() {
			r.fail(sctx, t, stageName, 0, guardrail.Verdict{},
				"cancelled by caller at stage boundary", nil, nil)
			return
		}

		verdict := st.gate.Evaluate(sctx, guardrail.TaskView{ID: t.ID, Payload: t.Payload}, stageName)
		switch verdict.Kind {
		case guardrail.KindTrip:
			r.reject(sctx, t, stageName, verdict, nil)
			return

		case guardrail.KindDeflect:
			deflects++
			if deflects > r.cfg.MaxDeflects {
				r.fail(sctx, t, stageName, 0, verdict,
					fmt.Sprintf("deflect cycle detected: %d consecutive deflects exceeds cap %d", deflects, r.cfg.MaxDeflects),
					nil, nil)
				return
			}
			r.record(sctx, t, TransitionRecord{
				Stage:   stageName,
				Verdict: verdict,
				Outcome: OutcomeDeflected,
				At:      time.Now().UTC(),
			}, t.currentState())
			r.log.Info(sctx, "task deflected",
				zap.String("redirect_to", verdict.RedirectTo),
				zap.String("reason", verdict.Reason))
			stageName = verdict.RedirectTo
			continue
		}
		deflects = 0

		if st.input != nil {
			if res := st.input.Validate(t.Payload); !res.Valid() {
				r.reject(sctx, t, stageName, verdict, res.Violations)
				return
			}
		}

		next, done := r.executeStage(sctx, t, st, stageName, verdict)
		if done {
			return
		}
		stageName = next
	}
}

// executeStage runs the stage's fallback chain with the validation retry
// budget and applies the selector. It returns the next stage name, or
// done=true when the task reached a terminal state.
func (r *Router) executeStage(ctx context.Context, t *Task, st *stage, stageName string, verdict guardrail.Verdict) (string, bool) {
	ctx, span := tracer.Start(ctx, "stage.execute")
	span.SetAttributes(
		attribute.String("task.id", t.ID),
		attribute.String("stage", stageName),
	)
	defer span.End()

	t.setState(StateInStage)
	r.publish(t, events.KindStageStarted, events.BestEffort, eventPayload{
		TaskID: t.ID,
		Stage:  stageName,
		State:  StateInStage,
	})

	for local := 1; ; local++ {
		attempt := t.nextAttempt(stageName)
		start := time.Now()

		out, err := st.chain.Execute(ctx, t.Payload, st.desc.Instructions)
		if err != nil {
			var exhausted *provider.ExhaustedError
			if !errors.As(err, &exhausted) {
				exhausted = &provider.ExhaustedError{Chain: stageName}
			}

			violations := exhausted.LastViolations()
			if violations != nil && !exhausted.DeadlineExceeded && local < r.cfg.MaxAttempts {
				// Contract-invalid result: consume one unit of the retry
				// budget and re-run the chain with the same ordering.
				r.record(ctx, t, TransitionRecord{
					Stage:       stageName,
					Attempt:     attempt,
					Verdict:     verdict,
					Violations:  violations,
					ProviderLog: exhausted.Attempts,
					Outcome:     OutcomeInvalid,
					Duration:    time.Since(start),
					Error:       exhausted.Error(),
					At:          time.Now().UTC(),
				}, StateInStage)
				r.log.Warn(ctx, "stage result invalid, retrying chain",
					zap.Int("attempt", attempt),
					zap.Int("violations", len(violations)))
				continue
			}

			outcome := OutcomeFailed
			if violations != nil {
				outcome = OutcomeInvalid
			}
			span.SetStatus(codes.Error, "stage failed")
			r.terminal(ctx, t, TransitionRecord{
				Stage:       stageName,
				Attempt:     attempt,
				Verdict:     verdict,
				Violations:  violations,
				ProviderLog: exhausted.Attempts,
				Outcome:     outcome,
				Duration:    time.Since(start),
				Error:       exhausted.Error(),
				At:          time.Now().UTC(),
			}, StateFailed, events.KindStageFailed, exhausted.Error())
			return "", true
		}

		rec := TransitionRecord{
			Stage:       stageName,
			Attempt:     attempt,
			Provider:    out.Provider,
			Verdict:     verdict,
			ProviderLog: out.Failures,
			Outcome:     OutcomeCompleted,
			Duration:    time.Since(start),
			At:          time.Now().UTC(),
		}

		decision := st.desc.Selector(out.Value)
		if decision.IsTerminal() {
			r.terminal(ctx, t, rec, StateCompleted, events.KindTaskCompleted, "")
			return "", true
		}

		next := decision.Next()
		if !st.allows(next) {
			// Undeclared handoff: the selector broke its static contract.
			rec.Outcome = OutcomeFailed
			rec.Error = fmt.Sprintf("selector returned undeclared stage %q", next)
			r.terminal(ctx, t, rec, StateFailed, events.KindStageFailed, rec.Error)
			return "", true
		}

		r.record(ctx, t, rec, StateAwaitingHandoff)
		t.setState(StateAwaitingHandoff)
		r.publish(t, events.KindStageCompleted, events.Durable, eventPayload{
			TaskID:   t.ID,
			Stage:    stageName,
			State:    StateAwaitingHandoff,
			Attempt:  rec.Attempt,
			Provider: rec.Provider,
		})
		r.log.Info(ctx, "stage completed, handing off",
			zap.String("provider", out.Provider),
			zap.String("next_stage", next))
		return next, false
	}
}

// reject moves the task to the terminal Rejected state: a guardrail
// tripped or the input violated the stage contract. No provider ran.
func (r *Router) reject(ctx context.Context, t *Task, stageName string, verdict guardrail.Verdict, violations []contract.FieldViolation) {
	reason := verdict.Reason
	if len(violations) > 0 {
		reason = fmt.Sprintf("input violates stage contract (%d violation(s))", len(violations))
	}
	r.terminal(ctx, t, TransitionRecord{
		Stage:      stageName,
		Verdict:    verdict,
		Violations: violations,
		Outcome:    OutcomeRejected,
		Error:      reason,
		At:         time.Now().UTC(),
	}, StateRejected, events.KindTaskRejected, reason)
}

// fail moves the task to the terminal Failed state: an operational
// failure, retryable by an operator, distinct from content rejection.
func (r *Router) fail(ctx context.Context, t *Task, stageName string, attempt int, verdict guardrail.Verdict, reason string, violations []contract.FieldViolation, providerLog []provider.Attempt) {
	r.terminal(ctx, t, TransitionRecord{
		Stage:       stageName,
		Attempt:     attempt,
		Verdict:     verdict,
		Violations:  violations,
		ProviderLog: providerLog,
		Outcome:     OutcomeFailed,
		Error:       reason,
		At:          time.Now().UTC(),
	}, StateFailed, events.KindStageFailed, reason)
}

// terminal appends the final record, transitions the task and publishes
// the terminal event durably. Record before event: a crash between the
// two never produces an event for an unrecorded transition.
func (r *Router) terminal(ctx context.Context, t *Task, rec TransitionRecord, state State, kind events.TransitionKind, reason string) {
	r.record(ctx, t, rec, state)
	t.setState(state)
	tasksTerminal.WithLabelValues(string(state)).Inc()

	r.publish(t, kind, events.Durable, eventPayload{
		TaskID:   t.ID,
		Stage:    rec.Stage,
		State:    state,
		Attempt:  rec.Attempt,
		Provider: rec.Provider,
		Reason:   reason,
	})

	switch state {
	case StateCompleted:
		r.log.Info(ctx, "task completed")
	case StateRejected:
		r.log.Info(ctx, "task rejected", zap.String("reason", reason))
	default:
		r.log.Warn(ctx, "task failed", zap.String("reason", reason))
	}
}

// record appends one transition record and persists it before any event
// for the transition is published.
func (r *Router) record(ctx context.Context, t *Task, rec TransitionRecord, state State) {
	t.appendRecord(rec)
	stageAttempts.WithLabelValues(rec.Stage, string(rec.Outcome)).Inc()
	if err := r.store.AppendTransition(t.ID, rec, state); err != nil {
		// Persistence failure must not abort the pipeline; the in-memory
		// projection stays authoritative for this process.
		r.log.Error(ctx, "failed to persist transition", zap.Error(err))
	}
}

// eventPayload is the JSON-serializable event body. Evolution is
// additive-only; fields are never renamed or removed.
type eventPayload struct {
	TaskID   string `json:"task_id"`
	Stage    string `json:"stage,omitempty"`
	State    State  `json:"state"`
	Attempt  int    `json:"attempt,omitempty"`
	Provider string `json:"provider,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

func (r *Router) publish(t *Task, kind events.TransitionKind, mode events.DeliveryMode, payload eventPayload) {
	data, err := json.Marshal(payload)
	if err != nil {
		r.log.Error(context.Background(), "event payload marshal failed", zap.Error(err))
		return
	}
	r.pub.Publish(events.Envelope{
		Subject:   events.Subject(r.cfg.Domain, t.ID, kind),
		Payload:   data,
		Mode:      mode,
		CreatedAt: time.Now().UTC(),
	})
}
