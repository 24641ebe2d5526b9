package taskstore

import (
	"context"
	"time"
)

// Store is the durable backend for tasks, heartbeats, trace events, and the
// audit log. Postgres is the production backend; Memory backs unit tests and
// local-scope deployments.
type Store interface {
	// Task operations.
	InsertTask(ctx context.Context, t *Task) error
	FindByRequestID(ctx context.Context, requestID string) (*Task, error)
	FindCoalesceCandidate(ctx context.Context, task, room, dedupeKey string) (*Task, error)
	UpdateCoalesce(ctx context.Context, id string, params []byte) (*Task, error)
	GetTask(ctx context.Context, id string) (*Task, error)

	// SelectClaimable returns up to limit queued, due candidates ordered by
	// (priority, created_at), excluding resource keys currently leased.
	SelectClaimable(ctx context.Context, now time.Time, limit int, excludeKeys []string) ([]*Task, error)

	// ClaimTask conditionally transitions a queued row to running. It fails
	// (ok=false) if the row is no longer queued or is already leased.
	ClaimTask(ctx context.Context, id, newLeaseToken string, leaseExpiresAt time.Time) (ok bool, task *Task, err error)

	// SelectStaleLeases returns running rows whose lease has expired.
	SelectStaleLeases(ctx context.Context, now time.Time, limit int) ([]*Task, error)

	// ReclaimStaleLease conditionally re-claims a stale-leased row, keyed by
	// the old lease token so a lease that renewed mid-scan is not stolen.
	ReclaimStaleLease(ctx context.Context, id, oldLeaseToken, newLeaseToken string, leaseExpiresAt time.Time) (ok bool, task *Task, err error)

	// CompleteTask is a conditional update on (id, leaseToken).
	CompleteTask(ctx context.Context, id, leaseToken, status string, result []byte, errMsg string) (ok bool, err error)

	// RequeueTask clears the lease and returns the row to queued without
	// bumping attempt.
	RequeueTask(ctx context.Context, id, leaseToken string, runAt *time.Time, resourceKeys []string) (ok bool, err error)

	// RenewLease extends lease_expires_at for an in-flight task.
	RenewLease(ctx context.Context, id, leaseToken string, newExpiresAt time.Time) (ok bool, err error)

	// CountByStatus returns counts grouped by status since the given time.
	CountByStatus(ctx context.Context, since time.Time) (map[string]int, error)

	// Heartbeats.
	UpsertHeartbeat(ctx context.Context, h *Heartbeat) error
	ListHeartbeats(ctx context.Context) ([]*Heartbeat, error)

	// Trace / replay telemetry.
	InsertTraceEvents(ctx context.Context, events []*TraceEvent) error
	InsertTraceBlobs(ctx context.Context, blobs []*TraceBlob) error
	ProviderMixSince(ctx context.Context, since time.Time) (map[string]int, map[string]int, error)
	ListTraceEventsByTask(ctx context.Context, taskID string) ([]*TraceEvent, error)

	// Audit log.
	InsertAuditEntry(ctx context.Context, e *AuditEntry) error
	ListAuditEntriesByTask(ctx context.Context, taskID string) ([]*AuditEntry, error)

	// Coordination: monotonic epoch counter backing leader fencing.
	IncrementEpoch(ctx context.Context, resourceID string) (int64, error)

	// Capabilities reports schema-drift feature flags (§9): the core asks
	// once at startup and again on any schema-error retry rather than
	// inspecting exceptions at call sites.
	Capabilities(ctx context.Context) Capabilities
}

// Capabilities models graceful degradation when the store is running an
// older schema: missing trace_id column, missing agent_trace_events table,
// missing provider column.
type Capabilities struct {
	HasTraceIDColumn  bool
	HasTraceEvents    bool
	HasProviderColumn bool
}
