// Package events publishes task lifecycle notifications to external
// listeners. Delivery is observability, not business logic: a slow or dead
// event backend never stalls task processing, and durable delivery is a
// requested preference that downgrades to best-effort when the durable
// backend is unavailable.
package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// DeliveryMode selects the delivery guarantee requested for an envelope.
type DeliveryMode string

const (
	// BestEffort is a single fire-and-forget delivery attempt. Failures
	// are logged, never retried, never escalated.
	BestEffort DeliveryMode = "best_effort"

	// Durable requests at-least-once delivery through the durable backend,
	// automatically downgrading to best-effort if it is unavailable.
	Durable DeliveryMode = "durable"
)

// TransitionKind names the lifecycle transition an event describes.
type TransitionKind string

const (
	KindStageStarted   TransitionKind = "stage_started"
	KindStageCompleted TransitionKind = "stage_completed"
	KindStageFailed    TransitionKind = "stage_failed"
	KindTaskRejected   TransitionKind = "task_rejected"
	KindTaskCompleted  TransitionKind = "task_completed"
)

// Subject builds the outbound subject for a task transition:
// {domain}.{task_id}.{transition_kind}.
func Subject(domain, taskID string, kind TransitionKind) string {
	return fmt.Sprintf("%s.%s.%s", domain, taskID, kind)
}

// Envelope is a published lifecycle notification. Ownership passes to the
// publisher the instant it is handed off; envelopes are never mutated.
type Envelope struct {
	Subject   string          `json:"subject"`
	Payload   json.RawMessage `json:"payload"`
	Mode      DeliveryMode    `json:"delivery_mode"`
	CreatedAt time.Time       `json:"created_at"`
}

// Publisher delivers envelopes without ever propagating failure to the
// caller. Publish must not block beyond a short bounded timeout.
type Publisher interface {
	Publish(env Envelope)
	Close()
}
