package coordination

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/present-run/agentqueue/arbiter"
	"github.com/present-run/agentqueue/envelope"
	"github.com/present-run/agentqueue/queue"
	"github.com/present-run/agentqueue/taskstore"
)

// NewLeaseJanitor's elector is a bare struct literal here rather than one
// built by NewLeaseElector, so this test never triggers the leader metrics'
// promauto registration (see leader_test.go's single-construction note).
func TestLeaseJanitorSweepReclaimsStaleLeases(t *testing.T) {
	store := taskstore.NewMemoryStore()
	arb := arbiter.New(arbiter.DefaultKeyModePolicy, arbiter.DefaultAgeBonus, arbiter.DefaultMaxStarvationTTL)
	q := queue.New(store, arb, queue.DefaultCoalescePolicy, zerolog.Nop())

	task, err := q.Enqueue(context.Background(), queue.EnqueueParams{Room: "r", Task: "t", Envelope: envelope.New("")})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	claimed, err := q.Claim(context.Background(), queue.ClaimParams{WorkerID: "w1", LeaseTTL: -time.Second, Limit: 10, LocalScope: false})
	if err != nil || len(claimed) != 1 {
		t.Fatalf("expected a claim with an already-expired lease, got claimed=%d err=%v", len(claimed), err)
	}
	_ = task

	elector := &LeaseElector{nodeID: "node-a", log: zerolog.Nop()}
	j := NewLeaseJanitor(q, elector, time.Minute, zerolog.Nop())
	j.sweep(context.Background())

	got, err := store.GetTask(context.Background(), claimed[0].ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.LeaseToken == claimed[0].LeaseToken {
		t.Fatal("expected the janitor sweep to reclaim the stale lease with a new token")
	}
}

func TestNewLeaseJanitorDefaultsInterval(t *testing.T) {
	elector := &LeaseElector{nodeID: "node-a", log: zerolog.Nop()}
	j := NewLeaseJanitor(nil, elector, 0, zerolog.Nop())
	if j.interval != 30*time.Second {
		t.Fatalf("expected default interval of 30s, got %v", j.interval)
	}
}
