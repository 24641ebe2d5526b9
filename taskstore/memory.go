package taskstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/present-run/agentqueue/envelope"
)

// MemoryStore is the in-process Store used for unit tests and local-scope
// deployments that do not need a shared durable backend.
type MemoryStore struct {
	mu          sync.RWMutex
	tasks       map[string]*Task
	heartbeats  map[string]*Heartbeat
	traceEvents map[string][]*TraceEvent // by task_id
	traceBlobs  map[string][]*TraceBlob  // by event_id
	audit       map[string][]*AuditEntry // by task_id
	epochs      map[string]int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:       make(map[string]*Task),
		heartbeats:  make(map[string]*Heartbeat),
		traceEvents: make(map[string][]*TraceEvent),
		traceBlobs:  make(map[string][]*TraceBlob),
		audit:       make(map[string][]*AuditEntry),
		epochs:      make(map[string]int64),
	}
}

func (s *MemoryStore) Capabilities(ctx context.Context) Capabilities {
	return Capabilities{HasTraceIDColumn: true, HasTraceEvents: true, HasProviderColumn: true}
}

func (s *MemoryStore) InsertTask(ctx context.Context, t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == "" {
		t.ID = envelope.NewID()
	}
	now := time.Now()
	t.CreatedAt, t.UpdatedAt = now, now
	s.tasks[t.ID] = t.Clone()
	return nil
}

func (s *MemoryStore) FindByRequestID(ctx context.Context, requestID string) (*Task, error) {
	if requestID == "" {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tasks {
		if t.RequestID == requestID && (t.Status == StatusQueued || t.Status == StatusRunning) {
			return t.Clone(), nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) FindCoalesceCandidate(ctx context.Context, task, room, dedupeKey string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *Task
	for _, t := range s.tasks {
		if t.Status != StatusQueued || t.Task != task || t.Room != room {
			continue
		}
		if dedupeKey != "" && t.DedupeKey != dedupeKey {
			continue
		}
		if best == nil || t.CreatedAt.After(best.CreatedAt) {
			best = t
		}
	}
	return best.Clone(), nil
}

func (s *MemoryStore) UpdateCoalesce(ctx context.Context, id string, params []byte) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, nil
	}
	t.Params = params
	t.UpdatedAt = time.Now()
	return t.Clone(), nil
}

func (s *MemoryStore) GetTask(ctx context.Context, id string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tasks[id].Clone(), nil
}

func (s *MemoryStore) SelectClaimable(ctx context.Context, now time.Time, limit int, excludeKeys []string) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	excluded := make(map[string]bool, len(excludeKeys))
	for _, k := range excludeKeys {
		excluded[k] = true
	}

	var candidates []*Task
	for _, t := range s.tasks {
		if t.Status != StatusQueued {
			continue
		}
		if t.RunAt != nil && t.RunAt.After(now) {
			continue
		}
		skip := false
		for _, k := range t.ResourceKeys {
			if excluded[k] {
				skip = true
				break
			}
		}
		if skip {
			continue
		}
		candidates = append(candidates, t)
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority < candidates[j].Priority
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})

	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	out := make([]*Task, len(candidates))
	for i, t := range candidates {
		out[i] = t.Clone()
	}
	return out, nil
}

func (s *MemoryStore) ClaimTask(ctx context.Context, id, newLeaseToken string, leaseExpiresAt time.Time) (bool, *Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || t.Status != StatusQueued || t.LeaseToken != "" {
		return false, nil, nil
	}
	t.Status = StatusRunning
	t.LeaseToken = newLeaseToken
	le := leaseExpiresAt
	t.LeaseExpiresAt = &le
	t.Attempt++
	t.UpdatedAt = time.Now()
	return true, t.Clone(), nil
}

func (s *MemoryStore) SelectStaleLeases(ctx context.Context, now time.Time, limit int) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Task
	for _, t := range s.tasks {
		if t.Status == StatusRunning && t.LeaseExpiresAt != nil && !t.LeaseExpiresAt.After(now) {
			out = append(out, t.Clone())
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *MemoryStore) ReclaimStaleLease(ctx context.Context, id, oldLeaseToken, newLeaseToken string, leaseExpiresAt time.Time) (bool, *Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || t.Status != StatusRunning || t.LeaseToken != oldLeaseToken {
		return false, nil, nil
	}
	t.LeaseToken = newLeaseToken
	le := leaseExpiresAt
	t.LeaseExpiresAt = &le
	t.UpdatedAt = time.Now()
	return true, t.Clone(), nil
}

func (s *MemoryStore) CompleteTask(ctx context.Context, id, leaseToken, status string, result []byte, errMsg string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || t.LeaseToken != leaseToken {
		return false, nil
	}
	t.Status = status
	t.Result = result
	t.Error = errMsg
	t.LeaseToken = ""
	t.LeaseExpiresAt = nil
	t.UpdatedAt = time.Now()
	return true, nil
}

func (s *MemoryStore) RequeueTask(ctx context.Context, id, leaseToken string, runAt *time.Time, resourceKeys []string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || t.LeaseToken != leaseToken {
		return false, nil
	}
	t.Status = StatusQueued
	t.LeaseToken = ""
	t.LeaseExpiresAt = nil
	if runAt != nil {
		ra := *runAt
		t.RunAt = &ra
	}
	if resourceKeys != nil {
		t.ResourceKeys = append([]string(nil), resourceKeys...)
	}
	t.UpdatedAt = time.Now()
	return true, nil
}

func (s *MemoryStore) RenewLease(ctx context.Context, id, leaseToken string, newExpiresAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || t.LeaseToken != leaseToken {
		return false, nil
	}
	le := newExpiresAt
	t.LeaseExpiresAt = &le
	t.UpdatedAt = time.Now()
	return true, nil
}

func (s *MemoryStore) CountByStatus(ctx context.Context, since time.Time) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[string]int)
	for _, t := range s.tasks {
		if t.CreatedAt.Before(since) {
			continue
		}
		counts[t.Status]++
	}
	return counts, nil
}

func (s *MemoryStore) UpsertHeartbeat(ctx context.Context, h *Heartbeat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *h
	s.heartbeats[h.WorkerID] = &cp
	return nil
}

func (s *MemoryStore) ListHeartbeats(ctx context.Context) ([]*Heartbeat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Heartbeat, 0, len(s.heartbeats))
	for _, h := range s.heartbeats {
		cp := *h
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) InsertTraceEvents(ctx context.Context, events []*TraceEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range events {
		s.traceEvents[e.TaskID] = append(s.traceEvents[e.TaskID], e)
	}
	return nil
}

func (s *MemoryStore) InsertTraceBlobs(ctx context.Context, blobs []*TraceBlob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range blobs {
		s.traceBlobs[b.EventID] = append(s.traceBlobs[b.EventID], b)
	}
	return nil
}

func (s *MemoryStore) ProviderMixSince(ctx context.Context, since time.Time) (map[string]int, map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	mix := make(map[string]int)
	failures := make(map[string]int)
	for _, events := range s.traceEvents {
		for _, e := range events {
			if e.CreatedAt.Before(since) {
				continue
			}
			provider := e.Provider
			if provider == "" {
				provider = "unknown"
			}
			mix[provider]++
			if e.Status == "error" {
				failures[provider]++
			}
		}
	}
	return mix, failures, nil
}

func (s *MemoryStore) ListTraceEventsByTask(ctx context.Context, taskID string) ([]*TraceEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	events := s.traceEvents[taskID]
	out := make([]*TraceEvent, len(events))
	copy(out, events)
	return out, nil
}

func (s *MemoryStore) InsertAuditEntry(ctx context.Context, e *AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.EntryID == "" {
		e.EntryID = envelope.NewID()
	}
	e.CreatedAt = time.Now()
	s.audit[e.TaskID] = append(s.audit[e.TaskID], e)
	return nil
}

func (s *MemoryStore) ListAuditEntriesByTask(ctx context.Context, taskID string) ([]*AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.audit[taskID]
	out := make([]*AuditEntry, len(entries))
	copy(out, entries)
	return out, nil
}

func (s *MemoryStore) IncrementEpoch(ctx context.Context, resourceID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.epochs[resourceID]++
	return s.epochs[resourceID], nil
}
