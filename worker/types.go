// Package worker implements C5: heartbeating, concurrency budget, task
// dispatch to handlers, lease renewal, cancellation, retry/backoff policy.
package worker

import (
	"context"

	"github.com/present-run/agentqueue/taskstore"
)

// Outcome is what a Handler returns: the worker maps it to completeTask,
// requeueTask, or a backoff-and-requeue depending on the error kind.
type Outcome struct {
	Status    string // taskstore.StatusSucceeded / StatusFailed / StatusCancelled
	Result    []byte
	Err       error
	Followups []Followup
	Warning   string
	RetryAfterSec int
}

// Followup is a derivative task a handler wants enqueued via C6 before it
// returns (§6.2 handler contract: "emit follow-ups via C6 before returning").
type Followup struct {
	Task            string
	Message         string
	OriginalMessage string
	Hint            string
	Reason          string
	TargetIDs       []string
	Strict          bool
}

// Handler is the per-task-name callback registered with the runtime (§6.2).
// It receives the claimed task, a cancellation context, and must treat
// Params as opaque JSON, validating with its own schema.
type Handler func(ctx context.Context, task *taskstore.Task) Outcome

// HandlerRegistry maps task names to handlers.
type HandlerRegistry map[string]Handler
