package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/handoffd/internal/events"
	"github.com/fyrsmithlabs/handoffd/internal/guardrail"
	"github.com/fyrsmithlabs/handoffd/internal/logging"
	"github.com/fyrsmithlabs/handoffd/internal/provider"
)

const resultSchema = `{
	"type": "object",
	"required": ["status"],
	"properties": {
		"status": {"type": "string"}
	}
}`

func staticProvider(id string, rank int, result string) provider.Binding {
	return provider.Binding{
		ID:   id,
		Rank: rank,
		Invoke: func(ctx context.Context, payload json.RawMessage, instructions string) (json.RawMessage, error) {
			return json.RawMessage(result), nil
		},
	}
}

func errorProvider(id string, rank int) provider.Binding {
	return provider.Binding{
		ID:   id,
		Rank: rank,
		Invoke: func(ctx context.Context, payload json.RawMessage, instructions string) (json.RawMessage, error) {
			return nil, errors.New("backend unavailable")
		},
	}
}

func terminalStage(name string, providers ...provider.Binding) StageDescriptor {
	return StageDescriptor{
		Name:         name,
		OutputSchema: json.RawMessage(resultSchema),
		Providers:    providers,
		Selector:     func(map[string]any) Decision { return Terminal() },
	}
}

func newTestRegistry(t *testing.T, stages ...StageDescriptor) *Registry {
	t.Helper()
	reg := NewRegistry(time.Second, 5*time.Second, logging.Nop())
	for _, d := range stages {
		require.NoError(t, reg.RegisterStage(d))
	}
	require.NoError(t, reg.Seal())
	return reg
}

func waitTerminal(t *testing.T, r *Router, id string) Status {
	t.Helper()
	var st Status
	require.Eventually(t, func() bool {
		var err error
		st, err = r.GetStatus(id)
		require.NoError(t, err)
		return st.State.Terminal()
	}, 2*time.Second, 5*time.Millisecond)
	return st
}

func TestRouter_SingleStageCompletes(t *testing.T) {
	reg := newTestRegistry(t, terminalStage("triage", staticProvider("primary", 1, `{"status":"ok"}`)))
	pub := events.NewMemoryPublisher()
	r := NewRouter(reg, pub, nil, logging.Nop(), Config{})
	defer r.Close()

	id, err := r.Submit(context.Background(), json.RawMessage(`{"text":"hello"}`), "triage")
	require.NoError(t, err)

	st := waitTerminal(t, r, id)
	assert.Equal(t, StateCompleted, st.State)
	require.Len(t, st.History, 1)

	rec := st.History[0]
	assert.Equal(t, "triage", rec.Stage)
	assert.Equal(t, 1, rec.Attempt)
	assert.Equal(t, "primary", rec.Provider)
	assert.Equal(t, OutcomeCompleted, rec.Outcome)
	assert.Empty(t, rec.ProviderLog)
	assert.Equal(t, guardrail.KindAllow, rec.Verdict.Kind)

	envs := pub.Envelopes()
	require.Len(t, envs, 2)
	assert.Equal(t, "tasks."+id+".stage_started", envs[0].Subject)
	assert.Equal(t, events.BestEffort, envs[0].Mode)
	assert.Equal(t, "tasks."+id+".task_completed", envs[1].Subject)
	assert.Equal(t, events.Durable, envs[1].Mode)
}

func TestRouter_GuardrailTripRejects(t *testing.T) {
	var invoked atomic.Int32
	desc := terminalStage("triage", provider.Binding{
		ID:   "primary",
		Rank: 1,
		Invoke: func(ctx context.Context, payload json.RawMessage, instructions string) (json.RawMessage, error) {
			invoked.Add(1)
			return json.RawMessage(`{"status":"ok"}`), nil
		},
	})
	desc.Guardrails = []guardrail.Check{
		guardrail.NewCheck("content-policy", func(ctx context.Context, task guardrail.TaskView, stage string) guardrail.Verdict {
			return guardrail.Trip("payload flagged")
		}),
	}
	reg := newTestRegistry(t, desc)
	pub := events.NewMemoryPublisher()
	r := NewRouter(reg, pub, nil, logging.Nop(), Config{})
	defer r.Close()

	id, err := r.Submit(context.Background(), json.RawMessage(`{"text":"bad"}`), "triage")
	require.NoError(t, err)

	st := waitTerminal(t, r, id)
	assert.Equal(t, StateRejected, st.State)
	require.Len(t, st.History, 1)

	rec := st.History[0]
	assert.Equal(t, OutcomeRejected, rec.Outcome)
	assert.Equal(t, guardrail.KindTrip, rec.Verdict.Kind)
	assert.Equal(t, "content-policy", rec.Verdict.Check)
	assert.Empty(t, rec.ProviderLog)
	assert.Zero(t, invoked.Load())

	subjects := pub.Subjects()
	require.Len(t, subjects, 1)
	assert.Equal(t, "tasks."+id+".task_rejected", subjects[0])
}

func TestRouter_FallbackProviderUsed(t *testing.T) {
	reg := newTestRegistry(t, terminalStage("triage",
		errorProvider("primary", 1),
		staticProvider("secondary", 2, `{"status":"ok"}`),
	))
	r := NewRouter(reg, nil, nil, logging.Nop(), Config{})
	defer r.Close()

	id, err := r.Submit(context.Background(), json.RawMessage(`{}`), "triage")
	require.NoError(t, err)

	st := waitTerminal(t, r, id)
	assert.Equal(t, StateCompleted, st.State)
	require.Len(t, st.History, 1)

	rec := st.History[0]
	assert.Equal(t, "secondary", rec.Provider)
	require.Len(t, rec.ProviderLog, 1)
	assert.Equal(t, "primary", rec.ProviderLog[0].Provider)
	assert.Equal(t, provider.FailureError, rec.ProviderLog[0].Kind)
}

func TestRouter_ValidationRetryExhaustion(t *testing.T) {
	reg := newTestRegistry(t, terminalStage("triage", staticProvider("primary", 1, `{"wrong":true}`)))
	pub := events.NewMemoryPublisher()
	r := NewRouter(reg, pub, nil, logging.Nop(), Config{MaxAttempts: 2})
	defer r.Close()

	id, err := r.Submit(context.Background(), json.RawMessage(`{}`), "triage")
	require.NoError(t, err)

	st := waitTerminal(t, r, id)
	assert.Equal(t, StateFailed, st.State)
	require.Len(t, st.History, 2)

	for i, rec := range st.History {
		assert.Equal(t, OutcomeInvalid, rec.Outcome)
		assert.Equal(t, i+1, rec.Attempt)
		assert.NotEmpty(t, rec.Violations)
	}

	subjects := pub.Subjects()
	require.Len(t, subjects, 2)
	assert.Equal(t, "tasks."+id+".stage_started", subjects[0])
	assert.Equal(t, "tasks."+id+".stage_failed", subjects[1])
}

func TestRouter_MultiStageHandoff(t *testing.T) {
	triage := StageDescriptor{
		Name:         "triage",
		OutputSchema: json.RawMessage(resultSchema),
		Providers:    []provider.Binding{staticProvider("classifier", 1, `{"status":"routed"}`)},
		Selector:     func(map[string]any) Decision { return GoTo("write") },
		NextStages:   []string{"write"},
	}
	write := terminalStage("write", staticProvider("writer", 1, `{"status":"done"}`))

	reg := newTestRegistry(t, triage, write)
	pub := events.NewMemoryPublisher()
	r := NewRouter(reg, pub, nil, logging.Nop(), Config{})
	defer r.Close()

	id, err := r.Submit(context.Background(), json.RawMessage(`{}`), "triage")
	require.NoError(t, err)

	st := waitTerminal(t, r, id)
	assert.Equal(t, StateCompleted, st.State)
	require.Len(t, st.History, 2)
	assert.Equal(t, "triage", st.History[0].Stage)
	assert.Equal(t, "write", st.History[1].Stage)
	assert.Equal(t, OutcomeCompleted, st.History[0].Outcome)
	assert.Equal(t, OutcomeCompleted, st.History[1].Outcome)

	assert.Equal(t, []string{
		"tasks." + id + ".stage_started",
		"tasks." + id + ".stage_completed",
		"tasks." + id + ".stage_started",
		"tasks." + id + ".task_completed",
	}, pub.Subjects())
}

func TestRouter_DeflectRedirects(t *testing.T) {
	main := terminalStage("main", staticProvider("primary", 1, `{"status":"ok"}`))
	main.Guardrails = []guardrail.Check{
		guardrail.NewCheck("load-shed", func(ctx context.Context, task guardrail.TaskView, stage string) guardrail.Verdict {
			return guardrail.Deflect("spill", "main stage saturated")
		}),
	}
	spill := terminalStage("spill", staticProvider("spill-worker", 1, `{"status":"ok"}`))

	reg := newTestRegistry(t, main, spill)
	pub := events.NewMemoryPublisher()
	r := NewRouter(reg, pub, nil, logging.Nop(), Config{})
	defer r.Close()

	id, err := r.Submit(context.Background(), json.RawMessage(`{}`), "main")
	require.NoError(t, err)

	st := waitTerminal(t, r, id)
	assert.Equal(t, StateCompleted, st.State)
	require.Len(t, st.History, 2)

	deflected := st.History[0]
	assert.Equal(t, "main", deflected.Stage)
	assert.Equal(t, OutcomeDeflected, deflected.Outcome)
	assert.Equal(t, "spill", deflected.Verdict.RedirectTo)

	assert.Equal(t, "spill", st.History[1].Stage)
	assert.Equal(t, "spill-worker", st.History[1].Provider)

	// Deflects record but do not publish.
	assert.Equal(t, []string{
		"tasks." + id + ".stage_started",
		"tasks." + id + ".task_completed",
	}, pub.Subjects())
}

func TestRouter_DeflectCycleFails(t *testing.T) {
	deflectTo := func(target string) []guardrail.Check {
		return []guardrail.Check{
			guardrail.NewCheck("bounce", func(ctx context.Context, task guardrail.TaskView, stage string) guardrail.Verdict {
				return guardrail.Deflect(target, "bouncing")
			}),
		}
	}
	a := terminalStage("a", staticProvider("p", 1, `{"status":"ok"}`))
	a.Guardrails = deflectTo("b")
	b := terminalStage("b", staticProvider("p", 1, `{"status":"ok"}`))
	b.Guardrails = deflectTo("a")

	reg := newTestRegistry(t, a, b)
	r := NewRouter(reg, nil, nil, logging.Nop(), Config{MaxDeflects: 3})
	defer r.Close()

	id, err := r.Submit(context.Background(), json.RawMessage(`{}`), "a")
	require.NoError(t, err)

	st := waitTerminal(t, r, id)
	assert.Equal(t, StateFailed, st.State)
	require.Len(t, st.History, 4)
	for _, rec := range st.History[:3] {
		assert.Equal(t, OutcomeDeflected, rec.Outcome)
	}
	final := st.History[3]
	assert.Equal(t, OutcomeFailed, final.Outcome)
	assert.Contains(t, final.Error, "deflect cycle detected")
}

func TestRouter_InputContractRejects(t *testing.T) {
	var invoked atomic.Int32
	desc := StageDescriptor{
		Name: "triage",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"required": ["text"],
			"properties": {"text": {"type": "string"}}
		}`),
		OutputSchema: json.RawMessage(resultSchema),
		Providers: []provider.Binding{{
			ID:   "primary",
			Rank: 1,
			Invoke: func(ctx context.Context, payload json.RawMessage, instructions string) (json.RawMessage, error) {
				invoked.Add(1)
				return json.RawMessage(`{"status":"ok"}`), nil
			},
		}},
		Selector: func(map[string]any) Decision { return Terminal() },
	}
	reg := newTestRegistry(t, desc)
	r := NewRouter(reg, nil, nil, logging.Nop(), Config{})
	defer r.Close()

	id, err := r.Submit(context.Background(), json.RawMessage(`{}`), "triage")
	require.NoError(t, err)

	st := waitTerminal(t, r, id)
	assert.Equal(t, StateRejected, st.State)
	require.Len(t, st.History, 1)
	assert.Equal(t, OutcomeRejected, st.History[0].Outcome)
	assert.NotEmpty(t, st.History[0].Violations)
	assert.Zero(t, invoked.Load())
}

func TestRouter_UndeclaredHandoffFails(t *testing.T) {
	triage := StageDescriptor{
		Name:         "triage",
		OutputSchema: json.RawMessage(resultSchema),
		Providers:    []provider.Binding{staticProvider("p", 1, `{"status":"ok"}`)},
		Selector:     func(map[string]any) Decision { return GoTo("escalate") },
		NextStages:   []string{"write"},
	}
	write := terminalStage("write", staticProvider("w", 1, `{"status":"ok"}`))
	escalate := terminalStage("escalate", staticProvider("e", 1, `{"status":"ok"}`))

	reg := newTestRegistry(t, triage, write, escalate)
	r := NewRouter(reg, nil, nil, logging.Nop(), Config{})
	defer r.Close()

	id, err := r.Submit(context.Background(), json.RawMessage(`{}`), "triage")
	require.NoError(t, err)

	st := waitTerminal(t, r, id)
	assert.Equal(t, StateFailed, st.State)
	require.Len(t, st.History, 1)
	assert.Contains(t, st.History[0].Error, `undeclared stage "escalate"`)
}

func TestRouter_CancelBetweenStages(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	triage := StageDescriptor{
		Name:         "triage",
		OutputSchema: json.RawMessage(resultSchema),
		Providers: []provider.Binding{{
			ID:   "slow",
			Rank: 1,
			Invoke: func(ctx context.Context, payload json.RawMessage, instructions string) (json.RawMessage, error) {
				close(started)
				<-release
				return json.RawMessage(`{"status":"ok"}`), nil
			},
		}},
		Selector:   func(map[string]any) Decision { return GoTo("write") },
		NextStages: []string{"write"},
	}
	write := terminalStage("write", staticProvider("w", 1, `{"status":"ok"}`))

	reg := newTestRegistry(t, triage, write)
	r := NewRouter(reg, nil, nil, logging.Nop(), Config{})
	defer r.Close()

	id, err := r.Submit(context.Background(), json.RawMessage(`{}`), "triage")
	require.NoError(t, err)

	<-started
	require.NoError(t, r.Cancel(id))
	close(release)

	st := waitTerminal(t, r, id)
	assert.Equal(t, StateFailed, st.State)
	require.Len(t, st.History, 2)
	assert.Equal(t, "triage", st.History[0].Stage)
	assert.Equal(t, OutcomeCompleted, st.History[0].Outcome)
	assert.Equal(t, "write", st.History[1].Stage)
	assert.Contains(t, st.History[1].Error, "cancelled")
}

func TestRouter_SubmitErrors(t *testing.T) {
	t.Run("unsealed registry", func(t *testing.T) {
		reg := NewRegistry(time.Second, 5*time.Second, logging.Nop())
		require.NoError(t, reg.RegisterStage(terminalStage("triage", staticProvider("p", 1, `{"status":"ok"}`))))
		r := NewRouter(reg, nil, nil, logging.Nop(), Config{})
		_, err := r.Submit(context.Background(), json.RawMessage(`{}`), "triage")
		assert.ErrorIs(t, err, ErrNotSealed)
	})

	t.Run("unknown entry stage", func(t *testing.T) {
		reg := newTestRegistry(t, terminalStage("triage", staticProvider("p", 1, `{"status":"ok"}`)))
		r := NewRouter(reg, nil, nil, logging.Nop(), Config{})
		_, err := r.Submit(context.Background(), json.RawMessage(`{}`), "nope")
		assert.ErrorIs(t, err, ErrUnknownStage)
	})

	t.Run("closed router", func(t *testing.T) {
		reg := newTestRegistry(t, terminalStage("triage", staticProvider("p", 1, `{"status":"ok"}`)))
		r := NewRouter(reg, nil, nil, logging.Nop(), Config{})
		r.Close()
		_, err := r.Submit(context.Background(), json.RawMessage(`{}`), "triage")
		assert.ErrorIs(t, err, ErrClosed)
	})
}

func TestRouter_GetStatusUnknown(t *testing.T) {
	reg := newTestRegistry(t, terminalStage("triage", staticProvider("p", 1, `{"status":"ok"}`)))
	r := NewRouter(reg, nil, nil, logging.Nop(), Config{})
	defer r.Close()

	_, err := r.GetStatus("missing")
	assert.ErrorIs(t, err, ErrUnknownTask)
	assert.ErrorIs(t, r.Cancel("missing"), ErrUnknownTask)
}

func TestRouter_RestoreTerminalTaskDoesNotRerun(t *testing.T) {
	var invoked atomic.Int32
	desc := terminalStage("triage", provider.Binding{
		ID:   "primary",
		Rank: 1,
		Invoke: func(ctx context.Context, payload json.RawMessage, instructions string) (json.RawMessage, error) {
			invoked.Add(1)
			return json.RawMessage(`{"status":"ok"}`), nil
		},
	})
	reg := newTestRegistry(t, desc)
	store := NewMemoryStore()

	r1 := NewRouter(reg, nil, store, logging.Nop(), Config{})
	id, err := r1.Submit(context.Background(), json.RawMessage(`{}`), "triage")
	require.NoError(t, err)
	waitTerminal(t, r1, id)
	r1.Close()
	require.Equal(t, int32(1), invoked.Load())

	r2 := NewRouter(reg, nil, store, logging.Nop(), Config{})
	defer r2.Close()
	require.NoError(t, r2.Restore())

	st, err := r2.GetStatus(id)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, st.State)
	require.Len(t, st.History, 1)
	assert.Equal(t, int32(1), invoked.Load())
}

func TestRouter_RestoreResumesPendingTask(t *testing.T) {
	reg := newTestRegistry(t, terminalStage("triage", staticProvider("primary", 1, `{"status":"ok"}`)))
	store := NewMemoryStore()
	require.NoError(t, store.SaveTask("resume-1", "triage", json.RawMessage(`{}`)))

	r := NewRouter(reg, nil, store, logging.Nop(), Config{})
	defer r.Close()
	require.NoError(t, r.Restore())

	st := waitTerminal(t, r, "resume-1")
	assert.Equal(t, StateCompleted, st.State)
	require.Len(t, st.History, 1)
	assert.Equal(t, 1, st.History[0].Attempt)
}

func TestRouter_RestoreContinuesAttemptNumbering(t *testing.T) {
	reg := newTestRegistry(t, terminalStage("triage", staticProvider("primary", 1, `{"status":"ok"}`)))
	store := NewMemoryStore()
	require.NoError(t, store.SaveTask("resume-2", "triage", json.RawMessage(`{}`)))
	require.NoError(t, store.AppendTransition("resume-2", TransitionRecord{
		Stage:   "triage",
		Attempt: 1,
		Outcome: OutcomeInvalid,
		At:      time.Now().UTC(),
	}, StateInStage))

	r := NewRouter(reg, nil, store, logging.Nop(), Config{})
	defer r.Close()
	require.NoError(t, r.Restore())

	st := waitTerminal(t, r, "resume-2")
	assert.Equal(t, StateCompleted, st.State)
	require.Len(t, st.History, 2)
	assert.Equal(t, 2, st.History[1].Attempt)
}
