package taskstore

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStoreClaimTaskIsConditional(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	task := &Task{Task: "canvas.agent_prompt", Status: StatusQueued}
	if err := s.InsertTask(ctx, task); err != nil {
		t.Fatalf("InsertTask: %v", err)
	}

	ok, claimed, err := s.ClaimTask(ctx, task.ID, "lease-1", time.Now().Add(time.Minute))
	if err != nil || !ok {
		t.Fatalf("expected first claim to succeed, got ok=%v err=%v", ok, err)
	}
	if claimed.Status != StatusRunning {
		t.Fatalf("expected status running, got %s", claimed.Status)
	}

	ok, _, err = s.ClaimTask(ctx, task.ID, "lease-2", time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("ClaimTask: %v", err)
	}
	if ok {
		t.Fatal("expected second claim on an already-leased row to fail")
	}
}

func TestMemoryStoreSelectClaimableOrdersByPriorityThenAge(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	low := &Task{Task: "t", Status: StatusQueued, Priority: 5}
	high := &Task{Task: "t", Status: StatusQueued, Priority: 1}
	s.InsertTask(ctx, low)
	s.InsertTask(ctx, high)
	s.tasks[low.ID].CreatedAt = now.Add(-time.Minute)
	s.tasks[high.ID].CreatedAt = now

	candidates, err := s.SelectClaimable(ctx, now, 10, nil)
	if err != nil {
		t.Fatalf("SelectClaimable: %v", err)
	}
	if len(candidates) != 2 || candidates[0].ID != high.ID {
		t.Fatalf("expected lower-priority-number task first, got %+v", candidates)
	}
}

func TestMemoryStoreSelectClaimableExcludesLeasedKeys(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	task := &Task{Task: "t", Status: StatusQueued, ResourceKeys: []string{"widget:1"}}
	s.InsertTask(ctx, task)

	candidates, err := s.SelectClaimable(ctx, time.Now(), 10, []string{"widget:1"})
	if err != nil {
		t.Fatalf("SelectClaimable: %v", err)
	}
	if len(candidates) != 0 {
		t.Fatalf("expected excluded resource key to hide the task, got %d candidates", len(candidates))
	}
}

func TestMemoryStoreReclaimStaleLeaseRejectsStaleToken(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	task := &Task{Task: "t", Status: StatusQueued}
	s.InsertTask(ctx, task)
	s.ClaimTask(ctx, task.ID, "lease-1", time.Now().Add(-time.Minute)) // already expired

	ok, _, err := s.ReclaimStaleLease(ctx, task.ID, "wrong-token", "lease-2", time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("ReclaimStaleLease: %v", err)
	}
	if ok {
		t.Fatal("expected reclaim with a stale lease token to fail, a concurrent renewal must win")
	}

	ok, reclaimed, err := s.ReclaimStaleLease(ctx, task.ID, "lease-1", "lease-2", time.Now().Add(time.Minute))
	if err != nil || !ok {
		t.Fatalf("expected reclaim with the correct token to succeed, got ok=%v err=%v", ok, err)
	}
	if reclaimed.LeaseToken != "lease-2" {
		t.Fatalf("expected new lease token, got %s", reclaimed.LeaseToken)
	}
}

func TestMemoryStoreCompleteTaskIsConditionalOnLeaseToken(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	task := &Task{Task: "t", Status: StatusQueued}
	s.InsertTask(ctx, task)
	s.ClaimTask(ctx, task.ID, "lease-1", time.Now().Add(time.Minute))

	ok, err := s.CompleteTask(ctx, task.ID, "wrong-lease", StatusSucceeded, nil, "")
	if err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}
	if ok {
		t.Fatal("expected complete with a mismatched lease token to fail")
	}

	ok, err = s.CompleteTask(ctx, task.ID, "lease-1", StatusSucceeded, nil, "")
	if err != nil || !ok {
		t.Fatalf("expected complete with the correct lease token to succeed, got ok=%v err=%v", ok, err)
	}
}

func TestMemoryStoreIncrementEpochIsMonotonic(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		got, err := s.IncrementEpoch(ctx, "janitor")
		if err != nil {
			t.Fatalf("IncrementEpoch: %v", err)
		}
		if got != i {
			t.Fatalf("expected epoch %d, got %d", i, got)
		}
	}
}
