// Package guardrail decides whether a task is admissible into a stage
// before any provider is invoked.
//
// Checks are evaluated in declared order and the first non-allow verdict
// short-circuits the gate. A check never mutates the task payload and never
// depends on provider availability.
package guardrail

import (
	"context"
	"encoding/json"
	"fmt"
)

// VerdictKind classifies a guardrail decision.
type VerdictKind string

const (
	// KindAllow clears the task into the stage.
	KindAllow VerdictKind = "allow"

	// KindDeflect redirects the task to an alternate stage instead of
	// rejecting it outright.
	KindDeflect VerdictKind = "deflect"

	// KindTrip rejects the task terminally; no provider is invoked.
	KindTrip VerdictKind = "trip"
)

// Verdict is the outcome of one guardrail check.
type Verdict struct {
	Kind       VerdictKind `json:"kind"`
	Check      string      `json:"check,omitempty"`
	Reason     string      `json:"reason,omitempty"`
	RedirectTo string      `json:"redirect_to,omitempty"`
}

// Allow returns an admitting verdict.
func Allow() Verdict {
	return Verdict{Kind: KindAllow}
}

// Deflect returns a verdict redirecting the task to another stage.
func Deflect(redirectTo, reason string) Verdict {
	return Verdict{Kind: KindDeflect, RedirectTo: redirectTo, Reason: reason}
}

// Trip returns a terminal rejection verdict.
func Trip(reason string) Verdict {
	return Verdict{Kind: KindTrip, Reason: reason}
}

// TaskView is the read-only projection of a task a check may inspect.
type TaskView struct {
	ID      string
	Payload json.RawMessage
}

// Check is a named admissibility predicate over (task, stage).
type Check interface {
	// Name returns the check identifier for audit records.
	Name() string

	// Evaluate returns the verdict for the task entering the stage.
	// Implementations must be deterministic for a given task and stage and
	// must not mutate the payload.
	Evaluate(ctx context.Context, task TaskView, stage string) Verdict
}

// funcCheck adapts a plain function into a Check.
type funcCheck struct {
	name string
	fn   func(ctx context.Context, task TaskView, stage string) Verdict
}

func (c *funcCheck) Name() string { return c.name }

func (c *funcCheck) Evaluate(ctx context.Context, task TaskView, stage string) Verdict {
	return c.fn(ctx, task, stage)
}

// NewCheck wraps a function as a named Check.
func NewCheck(name string, fn func(ctx context.Context, task TaskView, stage string) Verdict) Check {
	return &funcCheck{name: name, fn: fn}
}

// Gate evaluates an ordered list of checks for one stage.
type Gate struct {
	checks []Check
}

// NewGate builds a gate from checks in declared order. Duplicate check
// names are a configuration error.
func NewGate(checks []Check) (*Gate, error) {
	seen := make(map[string]struct{}, len(checks))
	for _, c := range checks {
		if c.Name() == "" {
			return nil, fmt.Errorf("guardrail check with empty name")
		}
		if _, dup := seen[c.Name()]; dup {
			return nil, fmt.Errorf("duplicate guardrail check name %q", c.Name())
		}
		seen[c.Name()] = struct{}{}
	}
	return &Gate{checks: checks}, nil
}

// Evaluate runs the checks in order and returns the first non-allow
// verdict, or an allow verdict if every check admits the task. The
// returned verdict carries the name of the deciding check.
func (g *Gate) Evaluate(ctx context.Context, task TaskView, stage string) Verdict {
	for _, c := range g.checks {
		v := c.Evaluate(ctx, task, stage)
		if v.Kind != KindAllow {
			v.Check = c.Name()
			return v
		}
	}
	return Allow()
}
