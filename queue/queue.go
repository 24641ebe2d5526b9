// Package queue implements C3: enqueue (dedupe + coalesce), claim (lease),
// complete/fail/requeue, and local-scope reclaim of stale leases.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/present-run/agentqueue/arbiter"
	"github.com/present-run/agentqueue/envelope"
	"github.com/present-run/agentqueue/errs"
	"github.com/present-run/agentqueue/streaming"
	"github.com/present-run/agentqueue/taskstore"
)

// CoalescePolicy reports whether a task name belongs to the coalescing set
// (§4.1 decided open question: a registered policy, not a hard-coded list).
type CoalescePolicy func(taskName string) bool

// DefaultCoalescePolicy coalesces canvas.agent_prompt only.
func DefaultCoalescePolicy(taskName string) bool {
	return taskName == "canvas.agent_prompt"
}

// EnqueueParams are the enqueueTask inputs (§4.1).
type EnqueueParams struct {
	Room             string
	Task             string
	Params           json.RawMessage
	Envelope         envelope.Envelope
	DedupeKey        string
	ResourceKeys     []string
	Priority         int
	RunAt            *time.Time
	RequireTraceID   bool
	ComponentID      string
	ComponentType    string
}

// Queue is the durable task queue façade over a Store, generalized with a
// CoalescePolicy and an Arbiter for claim-time exclusivity.
type Queue struct {
	store     taskstore.Store
	arbiter   *arbiter.Arbiter
	coalesce  CoalescePolicy
	log       zerolog.Logger
	publisher streaming.Publisher
}

// SetPublisher attaches a best-effort lifecycle event sink; nil disables
// publishing (the default).
func (q *Queue) SetPublisher(p streaming.Publisher) {
	q.publisher = p
}

func New(store taskstore.Store, arb *arbiter.Arbiter, coalesce CoalescePolicy, log zerolog.Logger) *Queue {
	if coalesce == nil {
		coalesce = DefaultCoalescePolicy
	}
	return &Queue{
		store:    store,
		arbiter:  arb,
		coalesce: coalesce,
		log:      log.With().Str("component", "queue").Logger(),
	}
}

// Enqueue implements the five-step algorithm from §4.1.
func (q *Queue) Enqueue(ctx context.Context, p EnqueueParams) (*taskstore.Task, error) {
	if err := p.Envelope.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrEnvelopeInvalid, err)
	}

	// Step 1: dedupe pre-check.
	if p.Envelope.RequestID != "" {
		existing, err := q.store.FindByRequestID(ctx, p.Envelope.RequestID)
		if err != nil {
			return nil, errs.Wrap("enqueue.dedupe_check", errs.ErrStoreUnavailable, err)
		}
		if existing != nil {
			return existing, nil
		}
	}

	// Step 2: trace-id requirement.
	traceID := p.Envelope.DeriveTraceID()
	if p.RequireTraceID && traceID == "" {
		return nil, fmt.Errorf("%w:%s", errs.ErrTraceIDRequired, p.Task)
	}
	caps := q.store.Capabilities(ctx)
	if p.RequireTraceID && !caps.HasTraceIDColumn {
		return nil, fmt.Errorf("%w:%s", errs.ErrTraceIDColumnRequired, p.Task)
	}

	resourceKeys := p.ResourceKeys
	if len(resourceKeys) == 0 {
		if key := envelope.DeriveDefaultLockKey(p.Envelope, p.Room, p.Task, p.ComponentID, p.ComponentType); key != "" {
			resourceKeys = []string{key}
		}
	}

	// Step 3: coalesce.
	if q.coalesce(p.Task) {
		candidate, err := q.store.FindCoalesceCandidate(ctx, p.Task, p.Room, p.DedupeKey)
		if err != nil {
			return nil, errs.Wrap("enqueue.coalesce_scan", errs.ErrStoreUnavailable, err)
		}
		if candidate != nil {
			// Merge into the queued row's params; the newest caller's keys win.
			params := p.Params
			var merged, incoming map[string]json.RawMessage
			if json.Unmarshal(candidate.Params, &merged) == nil && json.Unmarshal(p.Params, &incoming) == nil && merged != nil {
				for k, v := range incoming {
					merged[k] = v
				}
				if b, err := json.Marshal(merged); err == nil {
					params = b
				}
			}
			updated, err := q.store.UpdateCoalesce(ctx, candidate.ID, params)
			if err != nil {
				return nil, errs.Wrap("enqueue.coalesce_update", errs.ErrStoreUnavailable, err)
			}
			q.audit(ctx, "system", taskstore.ActionEnqueue, updated.ID, resourceKeys, "coalesced")
			return updated, nil
		}
	}

	// Step 4: insert, with conflict-to-existing fallback.
	task := &taskstore.Task{
		Room:         p.Room,
		Task:         p.Task,
		Params:       p.Params,
		Status:       taskstore.StatusQueued,
		Priority:     p.Priority,
		RunAt:        p.RunAt,
		RequestID:    p.Envelope.RequestID,
		TraceID:      traceID,
		DedupeKey:    p.DedupeKey,
		ResourceKeys: resourceKeys,
	}
	if !caps.HasTraceIDColumn {
		task.TraceID = ""
	}

	err := q.store.InsertTask(ctx, task)
	if err != nil {
		// TraceID is already cleared above when the store has no trace_id
		// column, so this second insert is not reached in practice.
		if !caps.HasTraceIDColumn && task.TraceID != "" {
			task.TraceID = ""
			err = q.store.InsertTask(ctx, task)
		}
	}
	if err != nil {
		// Conflict-to-existing fallback on uniqueness violation (step 4).
		if existing, lookupErr := q.store.FindByRequestID(ctx, p.Envelope.RequestID); lookupErr == nil && existing != nil {
			return existing, nil
		}
		return nil, errs.Wrap("enqueue.insert", errs.ErrStoreUnavailable, err)
	}

	q.audit(ctx, "system", taskstore.ActionEnqueue, task.ID, resourceKeys, "inserted")
	return task, nil
}

// ClaimParams are the claim() inputs (§4.2).
type ClaimParams struct {
	WorkerID    string
	LeaseTTL    time.Duration
	Limit       int
	SkipKeys    []string
	LocalScope  bool // false ⇒ clustered: stale-lease sweep deferred to a janitor
}

// Claim runs the per-candidate-window algorithm from §4.2 steps 1-2, and
// (local-scope only) step 3's stale-lease sweep.
func (q *Queue) Claim(ctx context.Context, p ClaimParams) ([]*taskstore.Task, error) {
	if p.LocalScope {
		if _, err := q.sweepStaleLeases(ctx, p.Limit); err != nil {
			q.log.Warn().Err(err).Msg("stale lease sweep failed")
		}
	}

	exclude := append(append([]string(nil), p.SkipKeys...), q.arbiter.ExcludedKeys()...)
	candidates, err := q.store.SelectClaimable(ctx, time.Now(), p.Limit*3, exclude)
	if err != nil {
		return nil, errs.Wrap("claim.select", errs.ErrStoreUnavailable, err)
	}

	claimed := make([]*taskstore.Task, 0, p.Limit)
	for _, c := range candidates {
		if len(claimed) >= p.Limit {
			break
		}
		if !q.arbiter.Available(c.ResourceKeys) {
			continue
		}
		leaseToken := envelope.NewID()
		ok, claimedTask, err := q.store.ClaimTask(ctx, c.ID, leaseToken, time.Now().Add(p.LeaseTTL))
		if err != nil {
			q.log.Warn().Err(err).Str("task_id", c.ID).Msg("claim failed")
			continue
		}
		if !ok {
			continue // lost the race; try the next candidate
		}
		q.arbiter.Acquire(claimedTask.ResourceKeys)
		q.audit(ctx, p.WorkerID, taskstore.ActionClaim, claimedTask.ID, claimedTask.ResourceKeys, "")
		claimed = append(claimed, claimedTask)
	}
	return claimed, nil
}

// sweepStaleLeases implements §4.2 step 3 for local-scope deployments.
func (q *Queue) sweepStaleLeases(ctx context.Context, limit int) (int, error) {
	stale, err := q.store.SelectStaleLeases(ctx, time.Now(), limit)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, t := range stale {
		newToken := envelope.NewID()
		ok, reclaimed, err := q.store.ReclaimStaleLease(ctx, t.ID, t.LeaseToken, newToken, time.Now().Add(defaultReclaimLeaseTTL))
		if err != nil || !ok {
			continue
		}
		q.arbiter.Release(t.ResourceKeys)
		// Hand the row back to queued under the fresh token so the next claim
		// window can lease it again.
		if ok, err := q.store.RequeueTask(ctx, reclaimed.ID, newToken, nil, nil); err != nil || !ok {
			q.log.Warn().Err(err).Str("task_id", reclaimed.ID).Msg("requeue after stale lease reclaim failed")
			continue
		}
		q.audit(ctx, "system", taskstore.ActionReclaim, reclaimed.ID, reclaimed.ResourceKeys, "stale lease")
		n++
	}
	return n, nil
}

// SweepStaleLeases is the exported entry point used by the clustered
// LeaseJanitor (coordination package) when reclaim is deferred from worker
// ticks (§4.2 clustered janitor expansion).
func (q *Queue) SweepStaleLeases(ctx context.Context, limit int) (int, error) {
	return q.sweepStaleLeases(ctx, limit)
}

const defaultReclaimLeaseTTL = 60 * time.Second

// Complete implements completeTask: a conditional update on (id, leaseToken).
func (q *Queue) Complete(ctx context.Context, taskID, leaseToken, status string, result []byte, errMsg string, resourceKeys []string) error {
	ok, err := q.store.CompleteTask(ctx, taskID, leaseToken, status, result, errMsg)
	if err != nil {
		return errs.Wrap("complete", errs.ErrStoreUnavailable, err)
	}
	if !ok {
		return errs.ErrLeaseLost
	}
	q.arbiter.Release(resourceKeys)
	action := taskstore.ActionComplete
	if status == taskstore.StatusFailed {
		action = taskstore.ActionFail
	}
	q.audit(ctx, "system", action, taskID, resourceKeys, status)
	return nil
}

// Requeue implements requeueTask: clears the lease, does not bump attempt.
func (q *Queue) Requeue(ctx context.Context, taskID, leaseToken string, runAt *time.Time, resourceKeys []string) error {
	ok, err := q.store.RequeueTask(ctx, taskID, leaseToken, runAt, resourceKeys)
	if err != nil {
		return errs.Wrap("requeue", errs.ErrStoreUnavailable, err)
	}
	if !ok {
		return errs.ErrLeaseLost
	}
	q.arbiter.Release(resourceKeys)
	q.audit(ctx, "system", taskstore.ActionRequeue, taskID, resourceKeys, "")
	return nil
}

// BackoffRunAt computes full-jitter backoff per §4.4: min(cap, base·2^attempt) · rand(0.5..1.0).
func BackoffRunAt(attempt int, base, cap time.Duration, now time.Time) time.Time {
	backoff := base << attempt
	if backoff > cap || backoff <= 0 {
		backoff = cap
	}
	jittered := time.Duration(float64(backoff) * (0.5 + rand.Float64()*0.5))
	return now.Add(jittered)
}

// Cancel marks a running task as cancelled via completeTask, the same
// conditional path any other finalize takes (§4.5 cancel()).
func (q *Queue) Cancel(ctx context.Context, taskID, leaseToken string, resourceKeys []string) error {
	return q.Complete(ctx, taskID, leaseToken, taskstore.StatusCancelled, nil, "cancelled by operator", resourceKeys)
}

// RenewLease extends an in-flight task's lease.
func (q *Queue) RenewLease(ctx context.Context, taskID, leaseToken string, ttl time.Duration) (bool, error) {
	return q.store.RenewLease(ctx, taskID, leaseToken, time.Now().Add(ttl))
}

func (q *Queue) audit(ctx context.Context, actor, action, taskID string, resourceKeys []string, detail string) {
	var detailJSON json.RawMessage
	if detail != "" {
		detailJSON, _ = json.Marshal(map[string]string{"detail": detail})
	}
	entry := &taskstore.AuditEntry{
		Actor:        actor,
		Action:       action,
		TaskID:       taskID,
		ResourceKeys: resourceKeys,
		Detail:       detailJSON,
	}
	if err := q.store.InsertAuditEntry(ctx, entry); err != nil {
		q.log.Warn().Err(err).Str("task_id", taskID).Str("action", action).Msg("audit write failed")
	}
	if q.publisher != nil {
		if err := q.publisher.Publish(ctx, "task."+action, entry); err != nil {
			q.log.Debug().Err(err).Str("action", action).Msg("lifecycle event publish failed")
		}
	}
}

// ErrConflict is returned by callers that want to treat a uniqueness
// violation explicitly rather than via the automatic fallback above.
var ErrConflict = errors.New("conflict: task already exists")
