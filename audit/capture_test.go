package audit

import (
	"context"
	"testing"

	"github.com/present-run/agentqueue/taskstore"
)

func TestCaptureIncidentAggregatesTaskAuditAndTrace(t *testing.T) {
	store := taskstore.NewMemoryStore()
	ctx := context.Background()

	task := &taskstore.Task{ID: "t1", Task: "canvas.render", Room: "r", Status: taskstore.StatusQueued}
	if err := store.InsertTask(ctx, task); err != nil {
		t.Fatalf("InsertTask: %v", err)
	}
	if err := store.InsertAuditEntry(ctx, &taskstore.AuditEntry{TaskID: "t1", Action: "enqueued"}); err != nil {
		t.Fatalf("InsertAuditEntry: %v", err)
	}

	report, err := CaptureIncident(ctx, store, "t1")
	if err != nil {
		t.Fatalf("CaptureIncident: %v", err)
	}
	if report == nil || report.Task == nil || report.Task.ID != "t1" {
		t.Fatalf("expected the captured task to be t1, got %+v", report)
	}
	if len(report.AuditLog) != 1 {
		t.Fatalf("expected one audit entry, got %d", len(report.AuditLog))
	}
}

func TestCaptureIncidentReturnsNilForUnknownTask(t *testing.T) {
	store := taskstore.NewMemoryStore()
	report, err := CaptureIncident(context.Background(), store, "does-not-exist")
	if err != nil {
		t.Fatalf("CaptureIncident: %v", err)
	}
	if report != nil {
		t.Fatal("expected a nil report for an unknown task id")
	}
}
