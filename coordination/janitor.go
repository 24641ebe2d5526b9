package coordination

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/present-run/agentqueue/queue"
)

// LeaseJanitor runs the reclaim-stale-leases sweep (§4.2 step 3) on a fixed
// interval while its owning node holds janitor leadership, grounded on the
// teacher's LockJanitor. In clustered mode, worker ticks skip step 3 and
// leave it entirely to this janitor so a lease is never swept twice.
type LeaseJanitor struct {
	q        *queue.Queue
	elector  *LeaseElector
	interval time.Duration
	limit    int
	log      zerolog.Logger
}

func NewLeaseJanitor(q *queue.Queue, elector *LeaseElector, interval time.Duration, log zerolog.Logger) *LeaseJanitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	j := &LeaseJanitor{
		q:        q,
		elector:  elector,
		interval: interval,
		limit:    500,
		log:      log.With().Str("component", "coordination.janitor").Logger(),
	}
	elector.SetCallbacks(j.start, func() {})
	return j
}

// start is the elector's onElected callback: it runs the sweep loop until
// ctx (the elector's fenced context) is cancelled by a leadership loss.
func (j *LeaseJanitor) start(ctx context.Context) {
	j.log.Info().Dur("interval", j.interval).Msg("janitor sweep loop starting")
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			j.log.Info().Msg("janitor sweep loop stopping: leadership lost")
			return
		case <-ticker.C:
			j.sweep(ctx)
		}
	}
}

func (j *LeaseJanitor) sweep(ctx context.Context) {
	n, err := j.q.SweepStaleLeases(ctx, j.limit)
	if err != nil {
		j.log.Warn().Err(err).Msg("stale lease sweep failed")
		return
	}
	if n > 0 {
		j.log.Info().Int("reclaimed", n).Msg("reclaimed stale leases")
	}
}

// Run drives the elector, which in turn starts/stops the sweep loop as
// leadership is won and lost. Blocks until ctx is cancelled.
func (j *LeaseJanitor) Run(ctx context.Context) {
	j.elector.Run(ctx)
}
