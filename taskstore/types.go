// Package taskstore is the typed storage adapter for the durable task queue:
// CRUD against agent_tasks/agent_worker_heartbeats/agent_trace_events/
// agent_ops_audit_log with optimistic-concurrency primitives (conditional
// update on lease token, row-level claim).
package taskstore

import (
	"encoding/json"
	"time"
)

// Status values for Task.Status.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Task is the durable row backing the queue (§3.1).
type Task struct {
	ID             string          `json:"id" db:"id"`
	Room           string          `json:"room" db:"room"`
	Task           string          `json:"task" db:"task"`
	Params         json.RawMessage `json:"params" db:"params"`
	Status         string          `json:"status" db:"status"`
	Priority       int             `json:"priority" db:"priority"`
	RunAt          *time.Time      `json:"run_at,omitempty" db:"run_at"`
	Attempt        int             `json:"attempt" db:"attempt"`
	Error          string          `json:"error,omitempty" db:"error"`
	RequestID      string          `json:"request_id,omitempty" db:"request_id"`
	TraceID        string          `json:"trace_id,omitempty" db:"trace_id"`
	DedupeKey      string          `json:"dedupe_key,omitempty" db:"dedupe_key"`
	ResourceKeys   []string        `json:"resource_keys,omitempty" db:"resource_keys"`
	LeaseToken     string          `json:"lease_token,omitempty" db:"lease_token"`
	LeaseExpiresAt *time.Time      `json:"lease_expires_at,omitempty" db:"lease_expires_at"`
	Result         json.RawMessage `json:"result,omitempty" db:"result"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at" db:"updated_at"`
}

// Clone returns a deep-enough copy for safe handoff across goroutine
// boundaries (the in-memory store must never leak internal pointers).
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	if t.Params != nil {
		cp.Params = append(json.RawMessage(nil), t.Params...)
	}
	if t.Result != nil {
		cp.Result = append(json.RawMessage(nil), t.Result...)
	}
	if t.ResourceKeys != nil {
		cp.ResourceKeys = append([]string(nil), t.ResourceKeys...)
	}
	if t.RunAt != nil {
		ra := *t.RunAt
		cp.RunAt = &ra
	}
	if t.LeaseExpiresAt != nil {
		le := *t.LeaseExpiresAt
		cp.LeaseExpiresAt = &le
	}
	return &cp
}

func (t *Task) HasResourceKey(key string) bool {
	for _, k := range t.ResourceKeys {
		if k == key {
			return true
		}
	}
	return false
}

// Heartbeat is a worker's liveness row (§3.3).
type Heartbeat struct {
	WorkerID    string    `json:"worker_id" db:"worker_id"`
	Host        string    `json:"host" db:"host"`
	PID         int       `json:"pid" db:"pid"`
	Version     string    `json:"version" db:"version"`
	ActiveTasks int       `json:"active_tasks" db:"active_tasks"`
	QueueLagMs  int64     `json:"queue_lag_ms" db:"queue_lag_ms"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// Health buckets for a heartbeat, per §3.3.
const (
	HealthOnline   = "online"
	HealthDegraded = "degraded"
	HealthOffline  = "offline"
)

// Health derives the online/degraded/offline bucket from the heartbeat age.
func (h *Heartbeat) Health(now time.Time) string {
	age := now.Sub(h.UpdatedAt)
	switch {
	case age <= 10*time.Second:
		return HealthOnline
	case age <= 30*time.Second:
		return HealthDegraded
	default:
		return HealthOffline
	}
}

// TraceBlobKind distinguishes input/output sidecar blobs.
const (
	BlobKindInput  = "input"
	BlobKindOutput = "output"
)

// TraceEvent is a captured model-I/O or tool-I/O record (§3.4).
type TraceEvent struct {
	EventID           string          `json:"event_id" db:"event_id"`
	TaskID            string          `json:"task_id" db:"task_id"`
	TraceID           string          `json:"trace_id" db:"trace_id"`
	RequestID         string          `json:"request_id" db:"request_id"`
	IntentID          string          `json:"intent_id,omitempty" db:"intent_id"`
	Source            string          `json:"source" db:"source"`
	EventType         string          `json:"event_type" db:"event_type"`
	Status            string          `json:"status" db:"status"`
	Provider          string          `json:"provider,omitempty" db:"provider"`
	Model             string          `json:"model,omitempty" db:"model"`
	ProviderSource    string          `json:"provider_source,omitempty" db:"provider_source"`
	ProviderPath      string          `json:"provider_path,omitempty" db:"provider_path"`
	ProviderRequestID string          `json:"provider_request_id,omitempty" db:"provider_request_id"`
	InputPayload      json.RawMessage `json:"input_payload,omitempty" db:"input_payload"`
	OutputPayload     json.RawMessage `json:"output_payload,omitempty" db:"output_payload"`
	Metadata          json.RawMessage `json:"metadata,omitempty" db:"metadata"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
	ExpiresAt         time.Time       `json:"expires_at" db:"expires_at"`
}

// TraceBlob is a sidecar row for a payload too large to inline (§3.4, §4.7).
type TraceBlob struct {
	BlobID    string    `json:"blob_id" db:"blob_id"`
	EventID   string    `json:"event_id" db:"event_id"`
	Kind      string    `json:"kind" db:"kind"`
	Payload   []byte    `json:"payload" db:"payload"`
	SHA256    string    `json:"sha256" db:"sha256"`
	SizeBytes int       `json:"size_bytes" db:"size_bytes"`
	Truncated bool      `json:"truncated" db:"truncated"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	ExpiresAt time.Time `json:"expires_at" db:"expires_at"`
}

// AuditEntry is one agent_ops_audit_log row (§3.6).
type AuditEntry struct {
	EntryID      string          `json:"entry_id" db:"entry_id"`
	Actor        string          `json:"actor" db:"actor"`
	Action       string          `json:"action" db:"action"`
	TaskID       string          `json:"task_id" db:"task_id"`
	ResourceKeys []string        `json:"resource_keys,omitempty" db:"resource_keys"`
	Detail       json.RawMessage `json:"detail,omitempty" db:"detail"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

// Audit actions (§3.6).
const (
	ActionEnqueue = "enqueue"
	ActionClaim   = "claim"
	ActionComplete = "complete"
	ActionFail    = "fail"
	ActionRequeue = "requeue"
	ActionReclaim = "reclaim"
	ActionCancel  = "cancel"
)
