package audit

import (
	"context"
	"testing"
	"time"

	"github.com/present-run/agentqueue/taskstore"
)

type capStubStore struct {
	*taskstore.MemoryStore
	caps        taskstore.Capabilities
	mixErr      error
}

func (s *capStubStore) Capabilities(ctx context.Context) taskstore.Capabilities { return s.caps }

func (s *capStubStore) ProviderMixSince(ctx context.Context, since time.Time) (map[string]int, map[string]int, error) {
	if s.mixErr != nil {
		return nil, nil, s.mixErr
	}
	return s.MemoryStore.ProviderMixSince(ctx, since)
}

func TestGetOverviewDegradesWhenSchemaMissing(t *testing.T) {
	store := &capStubStore{MemoryStore: taskstore.NewMemoryStore(), caps: taskstore.Capabilities{}}
	svc := NewService(store)

	o, err := svc.GetOverview(context.Background(), time.Hour, time.Hour)
	if err != nil {
		t.Fatalf("GetOverview: %v", err)
	}
	if !o.Degraded {
		t.Fatal("expected a store missing trace/provider schema to degrade rather than error")
	}
	if o.ProviderMix["unknown"] != 0 {
		t.Fatalf("expected an unknown provider-mix bucket, got %v", o.ProviderMix)
	}
}

func TestGetOverviewDegradesOnProviderMixQueryError(t *testing.T) {
	store := &capStubStore{
		MemoryStore: taskstore.NewMemoryStore(),
		caps:        taskstore.Capabilities{HasTraceEvents: true, HasProviderColumn: true},
		mixErr:      context.DeadlineExceeded,
	}
	svc := NewService(store)

	o, err := svc.GetOverview(context.Background(), time.Hour, time.Hour)
	if err != nil {
		t.Fatalf("expected a provider-mix query failure to degrade, not bubble up as an error: %v", err)
	}
	if !o.Degraded {
		t.Fatal("expected degraded=true when ProviderMixSince fails")
	}
}

func TestGetOverviewReportsStatusCountsAndWorkerHealth(t *testing.T) {
	store := taskstore.NewMemoryStore()
	svc := NewService(store)

	if err := store.UpsertHeartbeat(context.Background(), &taskstore.Heartbeat{WorkerID: "w1", ActiveTasks: 2}); err != nil {
		t.Fatalf("UpsertHeartbeat: %v", err)
	}

	o, err := svc.GetOverview(context.Background(), time.Hour, time.Hour)
	if err != nil {
		t.Fatalf("GetOverview: %v", err)
	}
	if o.Degraded {
		t.Fatal("expected a fully-capable memory store to not degrade")
	}
	if len(o.Workers) != 1 || o.Workers[0].WorkerID != "w1" {
		t.Fatalf("expected one worker w1 reported, got %+v", o.Workers)
	}
}
