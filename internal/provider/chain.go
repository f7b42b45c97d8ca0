// Package provider executes a logical operation against an ordered list of
// interchangeable backing providers, falling back in priority order until
// one returns an acceptable result or the chain is exhausted.
//
// Providers trade off accuracy, latency and cost, and are trusted to have
// side-effecting costs, so attempts are strictly sequential and a provider
// is never retried within one chain execution. Every attempt is observable
// through metrics and the audit log even though only the terminal outcome
// is returned.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/handoffd/internal/contract"
	"github.com/fyrsmithlabs/handoffd/internal/logging"
)

// Capability is the opaque operation a provider backs. The instructions
// string is stage configuration handed through verbatim; the runtime never
// inspects it.
type Capability func(ctx context.Context, payload json.RawMessage, instructions string) (json.RawMessage, error)

// Binding ties a provider to its fallback priority. Lower rank is tried
// first. Bindings are immutable after chain construction.
type Binding struct {
	ID     string
	Rank   int
	Invoke Capability
}

// FailureKind classifies a failed provider attempt.
type FailureKind string

const (
	// FailureError means the provider returned an error.
	FailureError FailureKind = "error"

	// FailureTimeout means the per-attempt timeout expired.
	FailureTimeout FailureKind = "timeout"

	// FailureInvalid means the provider result failed the output contract.
	FailureInvalid FailureKind = "invalid"
)

// Attempt records one provider attempt within a chain execution.
type Attempt struct {
	Provider   string                    `json:"provider"`
	Kind       FailureKind               `json:"kind,omitempty"`
	Reason     string                    `json:"reason,omitempty"`
	Violations []contract.FieldViolation `json:"violations,omitempty"`
	Duration   time.Duration             `json:"duration"`
}

// Outcome is the first accepted result of a chain execution, tagged with
// the provider that produced it and the failed attempts that preceded it.
type Outcome struct {
	Provider string
	Raw      json.RawMessage
	Value    map[string]any
	Failures []Attempt
	Duration time.Duration
}

// ExhaustedError aggregates every failed attempt when no provider
// produced an acceptable result. The per-attempt detail is essential for
// root-cause diagnosis and is never collapsed.
type ExhaustedError struct {
	Chain            string
	Attempts         []Attempt
	DeadlineExceeded bool
}

// Error lists each attempt with provider, reason and duration.
func (e *ExhaustedError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "chain %s exhausted after %d attempt(s)", e.Chain, len(e.Attempts))
	if e.DeadlineExceeded {
		b.WriteString(" (chain deadline exceeded)")
	}
	for _, a := range e.Attempts {
		fmt.Fprintf(&b, "; %s: %s (%s, %s)", a.Provider, a.Reason, a.Kind, a.Duration.Round(time.Millisecond))
	}
	return b.String()
}

// LastViolations returns the contract violations of the final attempt if
// that attempt failed validation, nil otherwise. The supervisor uses this
// to distinguish a validation failure (retryable within the attempt
// budget) from an operational one (terminal).
func (e *ExhaustedError) LastViolations() []contract.FieldViolation {
	if len(e.Attempts) == 0 {
		return nil
	}
	last := e.Attempts[len(e.Attempts)-1]
	if last.Kind != FailureInvalid {
		return nil
	}
	return last.Violations
}

var tracer = otel.Tracer("github.com/fyrsmithlabs/handoffd/internal/provider")

// Chain tries providers strictly in ascending rank order. The order is
// fixed at construction and never changes at runtime.
type Chain struct {
	name           string
	bindings       []Binding
	schema         *contract.Schema
	attemptTimeout time.Duration
	deadline       time.Duration
	log            *logging.Logger
}

// NewChain builds a fallback chain for one stage capability. An empty
// binding list, a duplicate provider ID, or a duplicate rank is a
// configuration error: rank order must be total so fallback order is
// statically unambiguous.
func NewChain(name string, bindings []Binding, schema *contract.Schema, attemptTimeout, deadline time.Duration, log *logging.Logger) (*Chain, error) {
	if len(bindings) == 0 {
		return nil, fmt.Errorf("chain %q: provider list must not be empty", name)
	}
	if schema == nil {
		return nil, fmt.Errorf("chain %q: output schema is required", name)
	}
	if attemptTimeout <= 0 || deadline <= 0 {
		return nil, fmt.Errorf("chain %q: timeouts must be positive", name)
	}
	if log == nil {
		log = logging.Nop()
	}

	ids := make(map[string]struct{}, len(bindings))
	ranks := make(map[int]struct{}, len(bindings))
	for _, b := range bindings {
		if b.ID == "" {
			return nil, fmt.Errorf("chain %q: provider with empty ID", name)
		}
		if b.Invoke == nil {
			return nil, fmt.Errorf("chain %q: provider %q has no capability", name, b.ID)
		}
		if _, dup := ids[b.ID]; dup {
			return nil, fmt.Errorf("chain %q: duplicate provider ID %q", name, b.ID)
		}
		if _, dup := ranks[b.Rank]; dup {
			return nil, fmt.Errorf("chain %q: duplicate rank %d", name, b.Rank)
		}
		ids[b.ID] = struct{}{}
		ranks[b.Rank] = struct{}{}
	}

	sorted := make([]Binding, len(bindings))
	copy(sorted, bindings)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Rank < sorted[j].Rank })

	return &Chain{
		name:           name,
		bindings:       sorted,
		schema:         schema,
		attemptTimeout: attemptTimeout,
		deadline:       deadline,
		log:            log,
	}, nil
}

// Execute runs the chain. It returns the first accepted result or an
// *ExhaustedError aggregating every failed attempt. Context cancellation
// and chain-deadline expiry stop the chain before the next attempt.
func (c *Chain) Execute(ctx context.Context, payload json.RawMessage, instructions string) (*Outcome, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, c.deadline)
	defer cancel()

	var failures []Attempt
	for _, b := range c.bindings {
		if ctx.Err() != nil {
			return nil, &ExhaustedError{Chain: c.name, Attempts: failures, DeadlineExceeded: true}
		}

		raw, att, ok := c.attempt(ctx, b, payload, instructions)
		if !ok {
			failures = append(failures, att)
			c.log.Warn(ctx, "provider attempt failed",
				zap.String("chain", c.name),
				zap.String("provider", b.ID),
				zap.String("kind", string(att.Kind)),
				zap.String("reason", att.Reason),
				zap.Duration("duration", att.Duration))
			continue
		}

		res := c.schema.Validate(raw)
		if !res.Valid() {
			att.Kind = FailureInvalid
			att.Reason = fmt.Sprintf("result violates contract %s (%d violation(s))", c.schema.Name(), len(res.Violations))
			att.Violations = res.Violations
			failures = append(failures, att)
			observeAttempt(b.ID, "invalid", att.Duration)
			c.log.Warn(ctx, "provider result failed contract",
				zap.String("chain", c.name),
				zap.String("provider", b.ID),
				zap.Int("violations", len(res.Violations)))
			continue
		}

		observeAttempt(b.ID, "accepted", att.Duration)
		return &Outcome{
			Provider: b.ID,
			Raw:      raw,
			Value:    res.Value,
			Failures: failures,
			Duration: time.Since(start),
		}, nil
	}

	// Every provider was attempted; deadline expiry mid-attempt is already
	// recorded as that attempt's timeout.
	return nil, &ExhaustedError{Chain: c.name, Attempts: failures}
}

// attempt invokes one provider under the per-attempt timeout. Contract
// validation is left to the caller so the accepted path observes a single
// metric point.
func (c *Chain) attempt(ctx context.Context, b Binding, payload json.RawMessage, instructions string) (json.RawMessage, Attempt, bool) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.attemptTimeout)
	defer cancel()

	attemptCtx, span := tracer.Start(attemptCtx, "provider.attempt")
	span.SetAttributes(
		attribute.String("provider.id", b.ID),
		attribute.Int("provider.rank", b.Rank),
		attribute.String("chain", c.name),
	)
	defer span.End()

	start := time.Now()
	raw, err := b.Invoke(attemptCtx, payload, instructions)
	elapsed := time.Since(start)

	if err != nil {
		att := Attempt{Provider: b.ID, Duration: elapsed}
		if errors.Is(err, context.DeadlineExceeded) || attemptCtx.Err() == context.DeadlineExceeded {
			att.Kind = FailureTimeout
			att.Reason = fmt.Sprintf("attempt timed out after %s", c.attemptTimeout)
			observeAttempt(b.ID, "timeout", elapsed)
		} else {
			att.Kind = FailureError
			att.Reason = err.Error()
			observeAttempt(b.ID, "error", elapsed)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, att.Reason)
		return nil, att, false
	}

	return raw, Attempt{Provider: b.ID, Duration: elapsed}, true
}
