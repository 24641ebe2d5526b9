package queue

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/present-run/agentqueue/arbiter"
	"github.com/present-run/agentqueue/envelope"
	"github.com/present-run/agentqueue/errs"
	"github.com/present-run/agentqueue/taskstore"
)

func newQueue() *Queue {
	store := taskstore.NewMemoryStore()
	arb := arbiter.New(arbiter.DefaultKeyModePolicy, arbiter.DefaultAgeBonus, arbiter.DefaultMaxStarvationTTL)
	return New(store, arb, DefaultCoalescePolicy, zerolog.Nop())
}

func TestEnqueueRejectsBlankRequestID(t *testing.T) {
	q := newQueue()
	_, err := q.Enqueue(context.Background(), EnqueueParams{Room: "r", Task: "t", Envelope: envelope.Envelope{}})
	if err == nil {
		t.Fatal("expected a blank envelope to be rejected")
	}
}

func TestEnqueueDedupesByRequestID(t *testing.T) {
	q := newQueue()
	env := envelope.New("req-1")

	first, err := q.Enqueue(context.Background(), EnqueueParams{Room: "r", Task: "t", Envelope: env})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	second, err := q.Enqueue(context.Background(), EnqueueParams{Room: "r", Task: "t", Envelope: env})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if first.ID != second.ID {
		t.Fatal("expected a repeated requestId to return the original task, not insert a duplicate")
	}
}

func TestEnqueueCoalescesRegisteredTasks(t *testing.T) {
	q := newQueue()
	ctx := context.Background()

	first, err := q.Enqueue(ctx, EnqueueParams{
		Room: "r", Task: "canvas.agent_prompt", Params: []byte(`{"v":1}`), Envelope: envelope.New(""),
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	second, err := q.Enqueue(ctx, EnqueueParams{
		Room: "r", Task: "canvas.agent_prompt", Params: []byte(`{"v":2}`), Envelope: envelope.New(""),
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if first.ID != second.ID {
		t.Fatal("expected the second coalescable enqueue to update the existing queued task, not insert a new one")
	}
	if string(second.Params) != `{"v":2}` {
		t.Fatalf("expected coalesce to replace params with the latest payload, got %s", second.Params)
	}
}

func TestEnqueueWithoutRequireTraceIDFallsBackToRequestID(t *testing.T) {
	q := newQueue()
	_, err := q.Enqueue(context.Background(), EnqueueParams{
		Room: "r", Task: "t", Envelope: envelope.Envelope{RequestID: "req-1"}, RequireTraceID: false,
	})
	if err != nil {
		t.Fatalf("expected trace id fallback to request id to satisfy non-strict enqueue: %v", err)
	}
}

func TestClaimRespectsResourceKeyExclusivity(t *testing.T) {
	q := newQueue()
	ctx := context.Background()

	q.Enqueue(ctx, EnqueueParams{Room: "r", Task: "t", Envelope: envelope.New(""), ResourceKeys: []string{"widget:1"}})
	q.Enqueue(ctx, EnqueueParams{Room: "r", Task: "t", Envelope: envelope.New(""), ResourceKeys: []string{"widget:1"}})

	claimed, err := q.Claim(ctx, ClaimParams{WorkerID: "w1", LeaseTTL: time.Minute, Limit: 10, LocalScope: true})
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("expected only one of two same-resource-key tasks to be claimable at once, got %d", len(claimed))
	}
}

func TestCompleteReleasesResourceKeyForNextClaim(t *testing.T) {
	q := newQueue()
	ctx := context.Background()

	q.Enqueue(ctx, EnqueueParams{Room: "r", Task: "t", Envelope: envelope.New(""), ResourceKeys: []string{"widget:1"}})
	q.Enqueue(ctx, EnqueueParams{Room: "r", Task: "t", Envelope: envelope.New(""), ResourceKeys: []string{"widget:1"}})

	claimed, _ := q.Claim(ctx, ClaimParams{WorkerID: "w1", LeaseTTL: time.Minute, Limit: 10, LocalScope: true})
	if len(claimed) != 1 {
		t.Fatalf("expected one claimed task, got %d", len(claimed))
	}
	if err := q.Complete(ctx, claimed[0].ID, claimed[0].LeaseToken, taskstore.StatusSucceeded, nil, "", claimed[0].ResourceKeys); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	claimed2, err := q.Claim(ctx, ClaimParams{WorkerID: "w1", LeaseTTL: time.Minute, Limit: 10, LocalScope: true})
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(claimed2) != 1 {
		t.Fatalf("expected the released resource key to free up the second task, got %d claimed", len(claimed2))
	}
}

func TestCompleteWithStaleLeaseTokenFails(t *testing.T) {
	q := newQueue()
	ctx := context.Background()
	q.Enqueue(ctx, EnqueueParams{Room: "r", Task: "t", Envelope: envelope.New("")})
	claimed, _ := q.Claim(ctx, ClaimParams{WorkerID: "w1", LeaseTTL: time.Minute, Limit: 10, LocalScope: true})

	err := q.Complete(ctx, claimed[0].ID, "wrong-token", taskstore.StatusSucceeded, nil, "", nil)
	if err != errs.ErrLeaseLost {
		t.Fatalf("expected ErrLeaseLost for a stale lease token, got %v", err)
	}
}

func TestClaimReclaimsStaleLeaseInLocalScope(t *testing.T) {
	q := newQueue()
	ctx := context.Background()

	q.Enqueue(ctx, EnqueueParams{Room: "r", Task: "t", Envelope: envelope.New("")})
	claimed, _ := q.Claim(ctx, ClaimParams{WorkerID: "w1", LeaseTTL: -time.Second, Limit: 10, LocalScope: true}) // already expired
	if len(claimed) != 1 {
		t.Fatalf("expected initial claim to succeed, got %d", len(claimed))
	}

	reclaimed, err := q.Claim(ctx, ClaimParams{WorkerID: "w2", LeaseTTL: time.Minute, Limit: 10, LocalScope: true})
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(reclaimed) != 1 {
		t.Fatalf("expected the stale lease to be swept and reclaimed, got %d", len(reclaimed))
	}
}

func TestBackoffRunAtStaysWithinCapAndIsNeverBeforeNow(t *testing.T) {
	now := time.Now()
	for attempt := 0; attempt < 20; attempt++ {
		runAt := BackoffRunAt(attempt, time.Second, 5*time.Minute, now)
		if runAt.Before(now) {
			t.Fatalf("expected backoff run time to never be before now, attempt=%d", attempt)
		}
		if runAt.After(now.Add(5 * time.Minute)) {
			t.Fatalf("expected backoff run time to respect the cap, attempt=%d runAt=%v", attempt, runAt)
		}
	}
}
