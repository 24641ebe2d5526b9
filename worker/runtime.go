package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/rs/zerolog"

	"github.com/present-run/agentqueue/envelope"
	"github.com/present-run/agentqueue/errs"
	"github.com/present-run/agentqueue/followup"
	"github.com/present-run/agentqueue/observability"
	"github.com/present-run/agentqueue/queue"
	"github.com/present-run/agentqueue/taskstore"
)

// Config controls a Runtime's concurrency budget and policy knobs.
type Config struct {
	WorkerID         string
	Concurrency      int64
	LeaseTTL         time.Duration
	RenewMargin      time.Duration // handler deadline is LeaseTTL minus this (default LeaseTTL/3); renewal always runs every LeaseTTL/3
	HeartbeatEvery   time.Duration
	MaxAttempts      int
	LocalScope       bool // false ⇒ clustered: stale-lease sweep deferred to a janitor
	BreakerThreshold int
	LimiterPerSecond float64
	LimiterBurst     int
	Version          string
}

func (c *Config) setDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 30 * time.Second
	}
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = 5 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.WorkerID == "" {
		host, _ := os.Hostname()
		c.WorkerID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	if c.LimiterPerSecond <= 0 {
		c.LimiterPerSecond = 5
	}
	if c.LimiterBurst <= 0 {
		c.LimiterBurst = 10
	}
}

// Runtime is the C5 worker: claim → execute → finalize, with heartbeating,
// lease renewal, cancellation, and a cost circuit breaker admission gate.
type Runtime struct {
	cfg      Config
	store    taskstore.Store
	queue    *queue.Queue
	handlers HandlerRegistry
	followups *followup.Scheduler
	breakers *FamilyBreakers
	limiter  *KeyLimiter
	sem      *semaphore.Weighted
	log      zerolog.Logger

	metrics *Metrics

	mu        sync.Mutex
	cancelled map[string]context.CancelFunc
	active    int64

	shutdownOnce sync.Once
}

func New(cfg Config, store taskstore.Store, q *queue.Queue, handlers HandlerRegistry, fs *followup.Scheduler, log zerolog.Logger) *Runtime {
	cfg.setDefaults()
	return &Runtime{
		cfg:       cfg,
		store:     store,
		queue:     q,
		handlers:  handlers,
		followups: fs,
		breakers:  NewFamilyBreakers(cfg.BreakerThreshold),
		limiter:   NewKeyLimiter(cfg.LimiterPerSecond, cfg.LimiterBurst),
		sem:       semaphore.NewWeighted(cfg.Concurrency),
		log:       log.With().Str("component", "worker").Str("worker_id", cfg.WorkerID).Logger(),
		metrics:   newMetrics(),
		cancelled: make(map[string]context.CancelFunc),
	}
}

// Run launches the heartbeat emitter and the tick loop until ctx is cancelled,
// then drains in-flight handlers bounded by drainDeadline.
func (r *Runtime) Run(ctx context.Context, tickInterval, drainDeadline time.Duration) error {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		r.heartbeatLoop(ctx)
	}()

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return r.drain(drainDeadline)
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Runtime) drain(deadline time.Duration) error {
	drainCtx, cancel := context.WithTimeout(context.Background(), deadline)
	defer cancel()
	if err := r.sem.Acquire(drainCtx, r.cfg.Concurrency); err != nil {
		r.log.Warn().Err(err).Msg("drain deadline exceeded with handlers still in flight")
		return err
	}
	r.sem.Release(r.cfg.Concurrency)
	return nil
}

func (r *Runtime) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.HeartbeatEvery)
	defer ticker.Stop()
	host, _ := os.Hostname()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hb := &taskstore.Heartbeat{
				WorkerID:    r.cfg.WorkerID,
				Host:        host,
				PID:         os.Getpid(),
				Version:     r.cfg.Version,
				ActiveTasks: int(r.activeCount()),
			}
			if err := r.store.UpsertHeartbeat(ctx, hb); err != nil {
				r.log.Warn().Err(err).Msg("heartbeat upsert failed")
			}
		}
	}
}

func (r *Runtime) activeCount() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// tick implements §4.5: while slots available and not shutting down, claim
// up to slotsFree and start a handler invocation per claimed task.
func (r *Runtime) tick(ctx context.Context) {
	slotsFree := r.cfg.Concurrency - r.activeCount()
	if slotsFree <= 0 {
		return
	}
	if !r.sem.TryAcquire(1) {
		return
	}

	claimed, err := r.queue.Claim(ctx, queue.ClaimParams{
		WorkerID:   r.cfg.WorkerID,
		LeaseTTL:   r.cfg.LeaseTTL,
		Limit:      int(slotsFree),
		LocalScope: r.cfg.LocalScope,
	})
	if err != nil {
		r.log.Warn().Err(err).Msg("claim failed")
		r.sem.Release(1)
		return
	}
	if len(claimed) == 0 {
		r.sem.Release(1)
		return
	}

	r.sem.Release(1) // released the probe slot; each task below acquires its own
	for _, t := range claimed {
		breaker := r.breakers.For(taskFamily(t.Task))
		if !breaker.ShouldAdmit() {
			_ = r.queue.Requeue(ctx, t.ID, t.LeaseToken, nil, t.ResourceKeys)
			continue
		}
		if !r.limiter.Allow(keyFor(t)) {
			_ = r.queue.Requeue(ctx, t.ID, t.LeaseToken, nil, t.ResourceKeys)
			continue
		}
		if !r.sem.TryAcquire(1) {
			_ = r.queue.Requeue(ctx, t.ID, t.LeaseToken, nil, t.ResourceKeys)
			continue
		}
		r.mu.Lock()
		r.active++
		r.mu.Unlock()
		go r.execute(ctx, t, breaker)
	}
}

func (r *Runtime) execute(parentCtx context.Context, t *taskstore.Task, breaker *CircuitBreaker) {
	defer func() {
		r.sem.Release(1)
		r.mu.Lock()
		r.active--
		r.mu.Unlock()
	}()

	handler, ok := r.handlers[t.Task]
	if !ok {
		r.finalizeFatal(parentCtx, t, fmt.Errorf("no handler registered for task %q", t.Task))
		return
	}

	deadline := r.cfg.LeaseTTL - r.renewMargin()
	execCtx, cancel := context.WithTimeout(parentCtx, deadline)
	r.mu.Lock()
	r.cancelled[t.ID] = cancel
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.cancelled, t.ID)
		r.mu.Unlock()
		cancel()
	}()

	renewStop := make(chan struct{})
	go r.renewLoop(execCtx, t, renewStop)
	defer close(renewStop)

	outcome := r.invoke(execCtx, handler, t)

	for _, f := range outcome.Followups {
		parent := followup.Parent{
			Room:        t.Room,
			Correlation: t.TraceID,
			Message:     f.Message,
			OriginalMessage: f.OriginalMessage,
			Hint:        f.Hint,
			Reason:      f.Reason,
			TargetIDs:   f.TargetIDs,
			Strict:      f.Strict,
			Envelope:    envelope.Envelope{RequestID: t.RequestID, TraceID: t.TraceID},
		}
		if _, err := r.followups.Enqueue(execCtx, f.Task, parent, nil); err != nil {
			r.log.Warn().Err(err).Str("task_id", t.ID).Msg("followup enqueue failed")
		}
	}

	r.finalize(parentCtx, t, outcome, breaker)
}

func (r *Runtime) invoke(ctx context.Context, h Handler, t *taskstore.Task) (outcome Outcome) {
	defer func() {
		if rec := recover(); rec != nil {
			outcome = Outcome{Status: taskstore.StatusFailed, Err: fmt.Errorf("handler panic: %v", rec)}
		}
	}()
	return h(ctx, t)
}

func (r *Runtime) renewLoop(ctx context.Context, t *taskstore.Task, stop <-chan struct{}) {
	interval := r.cfg.LeaseTTL / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := r.queue.RenewLease(ctx, t.ID, t.LeaseToken, r.cfg.LeaseTTL)
			if err != nil || !ok {
				r.log.Warn().Str("task_id", t.ID).Msg("lease renewal lost; abandoning handler side effects")
				return
			}
		}
	}
}

func (r *Runtime) renewMargin() time.Duration {
	if r.cfg.RenewMargin > 0 {
		return r.cfg.RenewMargin
	}
	return r.cfg.LeaseTTL / 3
}

func (r *Runtime) finalize(ctx context.Context, t *taskstore.Task, o Outcome, breaker *CircuitBreaker) {
	defer observability.CircuitState.WithLabelValues(taskFamily(t.Task)).Set(float64(breaker.State()))

	switch {
	case o.Err == nil:
		breaker.RecordSuccess()
		status := o.Status
		if status == "" {
			status = taskstore.StatusSucceeded
		}
		errMsg := o.Warning
		if err := r.queue.Complete(ctx, t.ID, t.LeaseToken, status, o.Result, errMsg, t.ResourceKeys); err != nil {
			r.handleFinalizeErr(t, err)
		}
		r.metrics.observeOutcome(t.Task, status)
		observability.TaskSuccesses.Inc()

	case errors.Is(o.Err, errs.ErrBudgetExceeded), errors.Is(o.Err, errs.ErrHandlerTransient):
		if errors.Is(o.Err, errs.ErrBudgetExceeded) {
			breaker.RecordBudgetExceeded()
		}
		retryAfter := time.Duration(o.RetryAfterSec) * time.Second
		if retryAfter <= 0 {
			retryAfter = time.Second
		}
		runAt := queue.BackoffRunAt(t.Attempt, retryAfter, 5*time.Minute, time.Now())
		if t.Attempt >= r.cfg.MaxAttempts {
			_ = r.queue.Complete(ctx, t.ID, t.LeaseToken, taskstore.StatusFailed, nil, o.Err.Error(), t.ResourceKeys)
			r.metrics.observeOutcome(t.Task, taskstore.StatusFailed)
			return
		}
		if err := r.queue.Requeue(ctx, t.ID, t.LeaseToken, &runAt, nil); err != nil {
			r.handleFinalizeErr(t, err)
		}
		r.metrics.observeOutcome(t.Task, "retried")
		observability.TaskRetries.Inc()

	default:
		r.finalizeFatal(ctx, t, o.Err)
	}
}

func (r *Runtime) finalizeFatal(ctx context.Context, t *taskstore.Task, err error) {
	if completeErr := r.queue.Complete(ctx, t.ID, t.LeaseToken, taskstore.StatusFailed, nil, err.Error(), t.ResourceKeys); completeErr != nil {
		r.handleFinalizeErr(t, completeErr)
	}
	r.metrics.observeOutcome(t.Task, taskstore.StatusFailed)
}

func (r *Runtime) handleFinalizeErr(t *taskstore.Task, err error) {
	if errors.Is(err, errs.ErrLeaseLost) {
		r.log.Info().Str("task_id", t.ID).Msg("lease lost mid-finalize; another worker owns this task now")
		return
	}
	r.log.Warn().Err(err).Str("task_id", t.ID).Msg("finalize failed")
}

// Cancel delivers a cooperative cancellation signal to an in-flight task.
func (r *Runtime) Cancel(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cancel, ok := r.cancelled[taskID]
	if !ok {
		return false
	}
	cancel()
	return true
}

func taskFamily(task string) string {
	for i := 0; i < len(task); i++ {
		if task[i] == '.' {
			return task[:i]
		}
	}
	return task
}

func keyFor(t *taskstore.Task) string {
	if len(t.ResourceKeys) > 0 {
		return t.ResourceKeys[0]
	}
	return taskFamily(t.Task)
}
