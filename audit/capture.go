// Package audit implements C8: derived read models (queue depth by status,
// provider mix, worker heartbeat health) and on-demand incident capture.
package audit

import (
	"context"
	"time"

	"github.com/present-run/agentqueue/taskstore"
)

// IncidentReport aggregates a task's lifecycle for operator debugging:
// the task row, its audit-log entries, and its trace/replay events,
// grounded on the teacher's incident.CaptureIncident.
type IncidentReport struct {
	TaskID      string                  `json:"task_id"`
	Task        *taskstore.Task         `json:"task"`
	AuditLog    []*taskstore.AuditEntry `json:"audit_log"`
	TraceEvents []*taskstore.TraceEvent `json:"trace_events"`
	CapturedAt  time.Time               `json:"captured_at"`
}

// storeInterface narrows the dependency to what capture needs, the same
// dependency-minimization idiom the teacher's incident package uses.
type storeInterface interface {
	GetTask(ctx context.Context, id string) (*taskstore.Task, error)
	ListAuditEntriesByTask(ctx context.Context, taskID string) ([]*taskstore.AuditEntry, error)
	ListTraceEventsByTask(ctx context.Context, taskID string) ([]*taskstore.TraceEvent, error)
}

// CaptureIncident gathers all relevant data for a task for operator debugging.
func CaptureIncident(ctx context.Context, s storeInterface, taskID string) (*IncidentReport, error) {
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, nil
	}

	auditLog, err := s.ListAuditEntriesByTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	traceEvents, err := s.ListTraceEventsByTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	return &IncidentReport{
		TaskID:      taskID,
		Task:        task,
		AuditLog:    auditLog,
		TraceEvents: traceEvents,
		CapturedAt:  time.Now(),
	}, nil
}
