// Command agentqueue runs a single node of the durable task queue: the
// store adapter, the claim/execute worker runtime, the clustered
// stale-lease janitor (when running with more than one node), the replay
// telemetry batcher, and the HTTP/dashboard surface — grounded on the
// teacher's control_plane/main.go wiring order.
package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/present-run/agentqueue/arbiter"
	"github.com/present-run/agentqueue/audit"
	"github.com/present-run/agentqueue/config"
	"github.com/present-run/agentqueue/coordination"
	"github.com/present-run/agentqueue/followup"
	"github.com/present-run/agentqueue/httpapi"
	"github.com/present-run/agentqueue/logging"
	"github.com/present-run/agentqueue/queue"
	"github.com/present-run/agentqueue/streaming"
	"github.com/present-run/agentqueue/taskstore"
	"github.com/present-run/agentqueue/telemetry"
	"github.com/present-run/agentqueue/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "agentqueue").Fatal().Err(err).Msg("failed to load configuration")
	}
	log := logging.New(cfg.LogLevel, "agentqueue")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var store taskstore.Store
	if cfg.DatabaseURL != "" {
		pg, err := taskstore.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to postgres")
		}
		defer pg.Close()
		store = pg
		log.Info().Msg("connected to postgres store")
	} else {
		store = taskstore.NewMemoryStore()
		log.Warn().Msg("DATABASE_URL unset, running with an in-memory store (single node only)")
	}

	arb := arbiter.New(arbiter.DefaultKeyModePolicy, arbiter.DefaultAgeBonus, arbiter.DefaultMaxStarvationTTL)
	q := queue.New(store, arb, queue.DefaultCoalescePolicy, log)
	q.SetPublisher(streaming.NewLogPublisher(log))
	fs := followup.New(q, followup.DefaultMaxDepthPolicy)

	replay := telemetry.New(telemetry.Config{
		QueueMax:       cfg.ReplayQueueMax,
		BatchSize:      cfg.ReplayBatchSize,
		FlushInterval:  cfg.ReplayFlushInterval,
		InlineMaxBytes: cfg.ReplayInlineMaxBytes,
		BlobMaxBytes:   cfg.ReplayBlobMaxBytes,
		PreviewChars:   cfg.ReplayPreviewChars,
		RetentionDays:  cfg.ReplayRetentionDays,
	}, store, log)
	go replay.Run(ctx)

	// Steward handlers are registered by whatever embeds this binary; none
	// are wired here, so the runtime currently only exercises claim,
	// lease renewal, heartbeating, and finalize against an empty registry.
	handlers := worker.HandlerRegistry{}
	rt := worker.New(worker.Config{
		WorkerID:         cfg.NodeID,
		Concurrency:      int64(cfg.WorkerConcurrency),
		LeaseTTL:         cfg.WorkerLeaseTTL,
		HeartbeatEvery:   cfg.WorkerHeartbeatEvery,
		MaxAttempts:      cfg.WorkerMaxAttempts,
		LocalScope:       cfg.LocalScope,
		BreakerThreshold: cfg.CircuitBreakerThreshold,
		LimiterPerSecond: cfg.LimiterPerSecond,
		LimiterBurst:     cfg.LimiterBurst,
	}, store, q, handlers, fs, log)

	go func() {
		if err := rt.Run(ctx, time.Second, 10*time.Second); err != nil {
			log.Error().Err(err).Msg("worker runtime stopped")
		}
	}()

	// Clustered mode: more than one node running this binary means the
	// stale-lease sweep must be owned by exactly one elected janitor
	// instead of every worker tick (§4.2 expansion).
	if !cfg.LocalScope {
		if cfg.RedisAddr == "" {
			log.Fatal().Msg("clustered mode (WORKER_LOCAL_SCOPE=false) requires REDIS_ADDR")
		}
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		dlock := arbiter.NewDistLock(redisClient, log)
		elector := coordination.NewLeaseElector(dlock, store, cfg.NodeID, cfg.JanitorSweepInterval, log)
		janitor := coordination.NewLeaseJanitor(q, elector, cfg.JanitorSweepInterval, log)
		go janitor.Run(ctx)
	}

	svc := audit.NewService(store)
	hub := audit.NewHub(svc, log)
	go hub.Run(ctx)

	srv := httpapi.NewServer(q, store, svc, hub, "", log)
	httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: srv.Handler()}

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Info().Err(err).Msg("http server stopped")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
}
