// Package config loads runtime configuration from the environment,
// grounded on the teacher's scattered os.Getenv reads in control_plane's
// main.go and agent's LoadConfig, collected here into one typed struct.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the full set of env-tunable knobs for a node running the
// queue, worker runtime, janitor, telemetry batcher, and HTTP surface.
type Config struct {
	NodeID string

	DatabaseURL string
	RedisAddr   string
	RedisDB     int

	HTTPAddr string

	WorkerConcurrency      int
	WorkerLeaseTTL         time.Duration
	WorkerHeartbeatEvery   time.Duration
	WorkerMaxAttempts      int
	CircuitBreakerThreshold int
	LimiterPerSecond       float64
	LimiterBurst           int
	LocalScope             bool

	JanitorSweepInterval time.Duration

	ReplayQueueMax       int
	ReplayBatchSize      int
	ReplayFlushInterval  time.Duration
	ReplayInlineMaxBytes int
	ReplayBlobMaxBytes   int
	ReplayPreviewChars   int
	ReplayRetentionDays  int

	FollowupMaxDepth int

	LogLevel string
}

// Load reads every setting from the environment, falling back to the
// defaults a single local-scope node would want.
func Load() (*Config, error) {
	c := &Config{
		NodeID:                  envOr("NODE_ID", generateNodeID()),
		DatabaseURL:             os.Getenv("DATABASE_URL"),
		RedisAddr:               envOr("REDIS_ADDR", "localhost:6379"),
		RedisDB:                 0,
		HTTPAddr:                envOr("HTTP_ADDR", ":8080"),
		WorkerConcurrency:       8,
		WorkerLeaseTTL:          30 * time.Second,
		WorkerHeartbeatEvery:    5 * time.Second,
		WorkerMaxAttempts:       5,
		CircuitBreakerThreshold: 5,
		LimiterPerSecond:        10,
		LimiterBurst:            20,
		LocalScope:              true,
		JanitorSweepInterval:    30 * time.Second,
		ReplayQueueMax:          5000,
		ReplayBatchSize:         100,
		ReplayFlushInterval:     2 * time.Second,
		ReplayInlineMaxBytes:    8 * 1024,
		ReplayBlobMaxBytes:      256 * 1024,
		ReplayPreviewChars:      200,
		ReplayRetentionDays:     14,
		FollowupMaxDepth:        5,
		LogLevel:                envOr("LOG_LEVEL", "info"),
	}

	if v := os.Getenv("REDIS_DB"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB %q: %w", v, err)
		}
		c.RedisDB = n
	}
	if v := os.Getenv("WORKER_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid WORKER_CONCURRENCY %q: %w", v, err)
		}
		c.WorkerConcurrency = n
	}
	if v := os.Getenv("WORKER_LEASE_TTL_MS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid WORKER_LEASE_TTL_MS %q: %w", v, err)
		}
		c.WorkerLeaseTTL = time.Duration(n) * time.Millisecond
	}
	if v := os.Getenv("WORKER_MAX_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid WORKER_MAX_ATTEMPTS %q: %w", v, err)
		}
		c.WorkerMaxAttempts = n
	}
	if v := os.Getenv("CIRCUIT_BREAKER_THRESHOLD"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid CIRCUIT_BREAKER_THRESHOLD %q: %w", v, err)
		}
		c.CircuitBreakerThreshold = n
	}
	if v := os.Getenv("JANITOR_SWEEP_INTERVAL_MS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid JANITOR_SWEEP_INTERVAL_MS %q: %w", v, err)
		}
		c.JanitorSweepInterval = time.Duration(n) * time.Millisecond
	}
	if v := os.Getenv("AGENT_REPLAY_QUEUE_MAX"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid AGENT_REPLAY_QUEUE_MAX %q: %w", v, err)
		}
		c.ReplayQueueMax = n
	}
	if v := os.Getenv("AGENT_REPLAY_BATCH_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid AGENT_REPLAY_BATCH_SIZE %q: %w", v, err)
		}
		c.ReplayBatchSize = n
	}
	if v := os.Getenv("AGENT_REPLAY_RETENTION_DAYS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid AGENT_REPLAY_RETENTION_DAYS %q: %w", v, err)
		}
		c.ReplayRetentionDays = n
	}
	if v := os.Getenv("AGENT_REPLAY_INLINE_MAX_BYTES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid AGENT_REPLAY_INLINE_MAX_BYTES %q: %w", v, err)
		}
		c.ReplayInlineMaxBytes = n
	}
	if v := os.Getenv("AGENT_REPLAY_FLUSH_MS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid AGENT_REPLAY_FLUSH_MS %q: %w", v, err)
		}
		c.ReplayFlushInterval = time.Duration(n) * time.Millisecond
	}
	if v := os.Getenv("AGENT_REPLAY_BLOB_MAX_BYTES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid AGENT_REPLAY_BLOB_MAX_BYTES %q: %w", v, err)
		}
		c.ReplayBlobMaxBytes = n
	}
	if v := os.Getenv("AGENT_REPLAY_PREVIEW_CHARS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid AGENT_REPLAY_PREVIEW_CHARS %q: %w", v, err)
		}
		c.ReplayPreviewChars = n
	}
	if v := os.Getenv("COST_SEARCH_PER_MINUTE_LIMIT"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid COST_SEARCH_PER_MINUTE_LIMIT %q: %w", v, err)
		}
		c.LimiterPerSecond = f / 60.0
	}
	if v := os.Getenv("WORKER_LOCAL_SCOPE"); v != "" {
		c.LocalScope = v == "true" || v == "1"
	}

	return c, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func generateNodeID() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "node"
	}
	return hostname + "-" + strconv.FormatInt(time.Now().UnixNano(), 36)
}
