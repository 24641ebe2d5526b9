package audit

import (
	"context"
	"time"

	"github.com/present-run/agentqueue/observability"
	"github.com/present-run/agentqueue/taskstore"
)

// Overview is the read-only derivation from §4.8: counts by status, provider
// mix/failure mix in the last hour, and worker heartbeat health, degrading
// gracefully (unknown buckets, not 500s) when optional schema is absent.
type Overview struct {
	StatusCounts     map[string]int         `json:"status_counts"`
	ProviderMix      map[string]int         `json:"provider_mix"`
	ProviderFailures map[string]int         `json:"provider_failures"`
	Workers          []WorkerHealth         `json:"workers"`
	Degraded         bool                   `json:"degraded"`
	GeneratedAt      time.Time              `json:"generated_at"`
}

type WorkerHealth struct {
	WorkerID    string `json:"worker_id"`
	Health      string `json:"health"`
	ActiveTasks int    `json:"active_tasks"`
	QueueLagMs  int64  `json:"queue_lag_ms"`
}

// Service computes Overview snapshots from the store.
type Service struct {
	store taskstore.Store
}

func NewService(store taskstore.Store) *Service {
	return &Service{store: store}
}

func (s *Service) GetOverview(ctx context.Context, statusWindow, providerWindow time.Duration) (*Overview, error) {
	now := time.Now()
	o := &Overview{GeneratedAt: now}

	counts, err := s.store.CountByStatus(ctx, now.Add(-statusWindow))
	if err != nil {
		return nil, err
	}
	o.StatusCounts = counts
	for status, count := range counts {
		observability.QueueDepth.WithLabelValues(status).Set(float64(count))
	}

	caps := s.store.Capabilities(ctx)
	if !caps.HasTraceEvents || !caps.HasProviderColumn {
		o.Degraded = true
		o.ProviderMix = map[string]int{"unknown": 0}
		o.ProviderFailures = map[string]int{}
	} else {
		mix, failures, err := s.store.ProviderMixSince(ctx, now.Add(-providerWindow))
		if err != nil {
			// Graceful fallback (§4.8, §7 SchemaMissing): degrade, don't 500.
			o.Degraded = true
			o.ProviderMix = map[string]int{"unknown": 0}
			o.ProviderFailures = map[string]int{}
		} else {
			o.ProviderMix = mix
			o.ProviderFailures = failures
		}
	}

	heartbeats, err := s.store.ListHeartbeats(ctx)
	if err != nil {
		return nil, err
	}
	for _, h := range heartbeats {
		o.Workers = append(o.Workers, WorkerHealth{
			WorkerID:    h.WorkerID,
			Health:      h.Health(now),
			ActiveTasks: h.ActiveTasks,
			QueueLagMs:  h.QueueLagMs,
		})
	}

	return o, nil
}
