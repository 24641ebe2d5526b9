// Package coordination elects ownership of the clustered stale-lease
// janitor (§4.2 expansion) so sweeps are not duplicated across nodes.
package coordination

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/present-run/agentqueue/envelope"
)

// LeaseMetadata is the JSON value stored at the lock key: owner, fencing
// epoch, and expiry, grounded on the teacher's LockMetadata.
type LeaseMetadata struct {
	OwnerID   string    `json:"owner_id"`
	Epoch     int64     `json:"epoch"`
	ReqID     string    `json:"req_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// DistLock is the minimal lease primitive a LeaseElector needs: acquire,
// renew, release keyed by an opaque value.
type DistLock interface {
	Acquire(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Renew(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, value string) error
}

// EpochStore mints the durable, monotonic fencing epoch (grounded on the
// teacher's Store.IncrementDurableEpoch).
type EpochStore interface {
	IncrementEpoch(ctx context.Context, resourceID string) (int64, error)
}

const leaderLockKey = "agentqueue:janitor-leader"
const epochResource = "janitor_leader_election"

// LeaseElector elects exactly one node to own the stale-lease janitor sweep
// at a time (§4.2 expansion), grounded on the teacher's LeaderElector.
type LeaseElector struct {
	lock  DistLock
	epoch EpochStore
	nodeID string
	ttl   time.Duration
	log   zerolog.Logger

	mu           sync.RWMutex
	isLeader     bool
	currentValue string
	currentEpoch int64
	leaderCtx    context.Context
	leaderCancel context.CancelFunc
	transitions  int64

	onElected func(ctx context.Context)
	onLost    func()

	metrics *leaderMetrics
}

func NewLeaseElector(lock DistLock, epoch EpochStore, nodeID string, ttl time.Duration, log zerolog.Logger) *LeaseElector {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &LeaseElector{
		lock:    lock,
		epoch:   epoch,
		nodeID:  nodeID,
		ttl:     ttl,
		log:     log.With().Str("component", "coordination.leader").Logger(),
		metrics: newLeaderMetrics(),
	}
}

func (l *LeaseElector) SetCallbacks(onElected func(ctx context.Context), onLost func()) {
	l.onElected = onElected
	l.onLost = onLost
}

func (l *LeaseElector) IsLeader() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.isLeader
}

// FencedContext is cancelled the moment leadership is lost. It carries no
// values; the fencing epoch is held on the elector itself.
func (l *LeaseElector) FencedContext() context.Context {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.leaderCtx
}

func (l *LeaseElector) Run(ctx context.Context) {
	interval := l.ttl / 3
	minInterval := interval
	maxInterval := 10 * l.ttl
	failures := 0
	const maxFailures = 3

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if l.IsLeader() {
				l.release()
			}
			return
		case <-timer.C:
			var err error
			if l.IsLeader() {
				renewed, renewErr := l.renew(ctx)
				err = renewErr
				if err == nil {
					failures = 0
					if !renewed {
						l.stepDown()
					}
				} else {
					failures++
					if failures >= maxFailures {
						l.log.Warn().Int("failures", failures).Msg("too many renew failures, stepping down")
						l.stepDown()
						failures = 0
					}
				}
			} else {
				acquired, acqErr := l.acquire(ctx)
				err = acqErr
				if err == nil && acquired {
					l.becomeLeader()
					failures = 0
				}
			}

			if err != nil {
				interval *= 2
				if interval > maxInterval {
					interval = maxInterval
				}
			} else {
				interval = minInterval
			}
			timer.Reset(interval)
		}
	}
}

func (l *LeaseElector) acquire(ctx context.Context) (bool, error) {
	epoch, err := l.epoch.IncrementEpoch(ctx, epochResource)
	if err != nil {
		return false, err
	}
	l.mu.Lock()
	if l.currentEpoch > 0 && epoch > l.currentEpoch+1 {
		l.log.Warn().Int64("from", l.currentEpoch).Int64("to", epoch).Msg("epoch drift detected")
	}
	l.currentEpoch = epoch
	l.mu.Unlock()

	meta := LeaseMetadata{
		OwnerID:   l.nodeID,
		Epoch:     epoch,
		ReqID:     envelope.NewID(),
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(l.ttl),
	}
	valBytes, _ := json.Marshal(meta)
	val := string(valBytes)

	acquired, err := l.lock.Acquire(ctx, leaderLockKey, val, l.ttl)
	if err != nil {
		return false, err
	}
	if acquired {
		l.mu.Lock()
		l.currentValue = val
		l.mu.Unlock()
	}
	return acquired, nil
}

func (l *LeaseElector) renew(ctx context.Context) (bool, error) {
	l.mu.RLock()
	val := l.currentValue
	l.mu.RUnlock()
	if val == "" {
		return false, nil
	}
	return l.lock.Renew(ctx, leaderLockKey, val, l.ttl)
}

func (l *LeaseElector) release() {
	l.mu.RLock()
	val := l.currentValue
	l.mu.RUnlock()
	if val == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = l.lock.Release(ctx, leaderLockKey, val)
}

func (l *LeaseElector) becomeLeader() {
	l.mu.Lock()
	l.isLeader = true
	ctx, cancel := context.WithCancel(context.Background())
	l.leaderCancel = cancel
	l.leaderCtx = ctx
	l.transitions++
	epoch := l.currentEpoch
	l.mu.Unlock()

	l.metrics.transitions.WithLabelValues(l.nodeID, "acquired").Inc()
	l.metrics.epoch.WithLabelValues(l.nodeID).Set(float64(epoch))
	l.log.Info().Int64("epoch", epoch).Msg("acquired janitor leadership")

	if l.onElected != nil {
		go l.onElected(l.leaderCtx)
	}
}

func (l *LeaseElector) stepDown() {
	l.mu.Lock()
	if !l.isLeader {
		l.mu.Unlock()
		return
	}
	l.isLeader = false
	l.transitions++
	if l.leaderCancel != nil {
		l.leaderCancel()
	}
	l.mu.Unlock()

	l.metrics.transitions.WithLabelValues(l.nodeID, "lost").Inc()
	l.log.Info().Msg("lost janitor leadership")
	if l.onLost != nil {
		l.onLost()
	}
}

type leaderMetrics struct {
	transitions *prometheus.CounterVec
	epoch       *prometheus.GaugeVec
}

func newLeaderMetrics() *leaderMetrics {
	return &leaderMetrics{
		transitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "agentqueue_janitor_leadership_transitions_total",
			Help: "Count of janitor leadership acquisitions/losses by node.",
		}, []string{"node_id", "kind"}),
		epoch: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "agentqueue_janitor_leadership_epoch",
			Help: "Current fencing epoch held by the janitor leader.",
		}, []string{"node_id"}),
	}
}
