// Package orchestrator implements the supervisor that routes a task
// through a chain of specialist stages.
//
// # Overview
//
// A caller submits a Task to the Router. For each stage the Router asks
// the guardrail gate to clear the task, dispatches it to the stage's
// provider fallback chain, checks the result against the stage's output
// contract, and applies the stage's selector to decide the next handoff
// or terminal completion. Every stage attempt appends one immutable
// transition record to the task's audit trail, and every transition is
// mirrored to the event publisher, record first.
//
// # State machine
//
//	Pending -> InStage -> { AwaitingHandoff -> InStage (next stage)
//	                      | Completed | Rejected | Failed }
//
// Rejected is a content-level terminal state (a guardrail tripped or the
// input violated the stage contract); it is never retried. Failed is an
// operational terminal state (providers exhausted, deadline expired,
// deflect cycle, cancellation) and is retryable by an operator.
//
// # Concurrency
//
// Each task runs on its own goroutine. Stage descriptors, gates and
// chains are immutable after the registry is sealed and shared read-only
// across all pipelines; the only mutable state per task is owned by its
// single pipeline goroutine, with snapshots served to readers under a
// task-local lock.
package orchestrator
