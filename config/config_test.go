package config

import (
	"testing"
	"time"
)

func TestLoadDefaultsWhenEnvUnset(t *testing.T) {
	clearKnownEnv(t)
	c, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.WorkerConcurrency != 8 {
		t.Fatalf("expected default concurrency 8, got %d", c.WorkerConcurrency)
	}
	if !c.LocalScope {
		t.Fatal("expected local scope to default to true")
	}
	if c.NodeID == "" {
		t.Fatal("expected a generated node id when NODE_ID is unset")
	}
}

func TestLoadOverridesFromEnv(t *testing.T) {
	clearKnownEnv(t)
	t.Setenv("WORKER_CONCURRENCY", "16")
	t.Setenv("WORKER_LOCAL_SCOPE", "false")
	t.Setenv("NODE_ID", "node-a")

	c, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.WorkerConcurrency != 16 {
		t.Fatalf("expected overridden concurrency 16, got %d", c.WorkerConcurrency)
	}
	if c.LocalScope {
		t.Fatal("expected WORKER_LOCAL_SCOPE=false to disable local scope")
	}
	if c.NodeID != "node-a" {
		t.Fatalf("expected explicit node id to be kept, got %s", c.NodeID)
	}
}

func TestLoadRejectsInvalidInteger(t *testing.T) {
	clearKnownEnv(t)
	t.Setenv("WORKER_CONCURRENCY", "not-a-number")
	if _, err := Load(); err == nil {
		t.Fatal("expected an invalid WORKER_CONCURRENCY to fail Load")
	}
}

func TestLoadConvertsPerMinuteCostLimitToPerSecond(t *testing.T) {
	clearKnownEnv(t)
	t.Setenv("COST_SEARCH_PER_MINUTE_LIMIT", "60")
	c, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.LimiterPerSecond != 1 {
		t.Fatalf("expected 60/minute to convert to 1/second, got %v", c.LimiterPerSecond)
	}
}

func TestLoadDefaultsReplayKnobsToSafeFloors(t *testing.T) {
	clearKnownEnv(t)
	c, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.ReplayFlushInterval != 2*time.Second {
		t.Fatalf("expected default replay flush interval of 2s, got %v", c.ReplayFlushInterval)
	}
	if c.ReplayBlobMaxBytes != 256*1024 {
		t.Fatalf("expected default replay blob max bytes of 256KiB, got %d", c.ReplayBlobMaxBytes)
	}
	if c.ReplayPreviewChars != 200 {
		t.Fatalf("expected default replay preview chars of 200, got %d", c.ReplayPreviewChars)
	}
}

func TestLoadOverridesReplayKnobsFromEnv(t *testing.T) {
	clearKnownEnv(t)
	t.Setenv("AGENT_REPLAY_FLUSH_MS", "500")
	t.Setenv("AGENT_REPLAY_BLOB_MAX_BYTES", "1024")
	t.Setenv("AGENT_REPLAY_PREVIEW_CHARS", "50")

	c, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.ReplayFlushInterval != 500*time.Millisecond {
		t.Fatalf("expected overridden flush interval of 500ms, got %v", c.ReplayFlushInterval)
	}
	if c.ReplayBlobMaxBytes != 1024 {
		t.Fatalf("expected overridden blob max bytes of 1024, got %d", c.ReplayBlobMaxBytes)
	}
	if c.ReplayPreviewChars != 50 {
		t.Fatalf("expected overridden preview chars of 50, got %d", c.ReplayPreviewChars)
	}
}

func clearKnownEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"NODE_ID", "DATABASE_URL", "REDIS_ADDR", "REDIS_DB", "HTTP_ADDR",
		"WORKER_CONCURRENCY", "WORKER_LEASE_TTL_MS", "WORKER_MAX_ATTEMPTS",
		"CIRCUIT_BREAKER_THRESHOLD", "JANITOR_SWEEP_INTERVAL_MS",
		"AGENT_REPLAY_QUEUE_MAX", "AGENT_REPLAY_BATCH_SIZE", "AGENT_REPLAY_RETENTION_DAYS",
		"AGENT_REPLAY_INLINE_MAX_BYTES", "AGENT_REPLAY_FLUSH_MS", "AGENT_REPLAY_BLOB_MAX_BYTES",
		"AGENT_REPLAY_PREVIEW_CHARS",
		"COST_SEARCH_PER_MINUTE_LIMIT", "WORKER_LOCAL_SCOPE", "LOG_LEVEL",
	} {
		t.Setenv(k, "")
	}
}
