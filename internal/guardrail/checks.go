package guardrail

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// MaxPayloadBytes trips when the task payload exceeds the given size.
// Oversized inputs are a content-level rejection, not an operational one.
func MaxPayloadBytes(limit int) Check {
	return NewCheck("max-payload-bytes", func(_ context.Context, task TaskView, _ string) Verdict {
		if len(task.Payload) > limit {
			return Trip(fmt.Sprintf("payload is %d bytes, limit is %d", len(task.Payload), limit))
		}
		return Allow()
	})
}

// RateLimit deflects tasks to an overflow stage when intake for the gate
// exceeds the token bucket. With an empty redirect target it trips instead.
//
// Note: the limiter is shared state across tasks. The verdict is still
// payload-independent, so the gate's no-payload-mutation guarantee holds.
type RateLimit struct {
	limiter    *rate.Limiter
	redirectTo string
}

// NewRateLimit builds a rate-limiting check admitting r tokens per second
// with the given burst.
func NewRateLimit(r rate.Limit, burst int, redirectTo string) *RateLimit {
	return &RateLimit{
		limiter:    rate.NewLimiter(r, burst),
		redirectTo: redirectTo,
	}
}

// Name returns the check identifier.
func (c *RateLimit) Name() string { return "rate-limit" }

// Evaluate admits the task if a token is available.
func (c *RateLimit) Evaluate(_ context.Context, _ TaskView, stage string) Verdict {
	if c.limiter.Allow() {
		return Allow()
	}
	if c.redirectTo != "" {
		return Deflect(c.redirectTo, fmt.Sprintf("intake rate exceeded for stage %s", stage))
	}
	return Trip(fmt.Sprintf("intake rate exceeded for stage %s", stage))
}
