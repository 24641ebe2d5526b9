// Package telemetry implements C7: an in-process ring buffer of model-I/O
// and tool-I/O events with quota, batched flush, and blob sidecars.
package telemetry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/present-run/agentqueue/envelope"
	"github.com/present-run/agentqueue/taskstore"
)

const (
	// Priority levels for the admit policy (§4.7).
	PriorityNormal = "normal"
	PriorityHigh   = "high"
)

// Config carries the AGENT_REPLAY_* knobs from §6.4, each with a safe floor.
type Config struct {
	QueueMax       int
	BatchSize      int
	FlushInterval  time.Duration
	InlineMaxBytes int
	BlobMaxBytes   int
	PreviewChars   int
	RetentionDays  int
}

func (c *Config) setDefaults() {
	if c.QueueMax <= 0 {
		c.QueueMax = 5000
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 2 * time.Second
	}
	if c.InlineMaxBytes <= 0 {
		c.InlineMaxBytes = 8 * 1024
	}
	if c.BlobMaxBytes <= 0 {
		c.BlobMaxBytes = 256 * 1024
	}
	if c.PreviewChars <= 0 {
		c.PreviewChars = 200
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = 14
	}
}

// Event is a raw model-I/O or tool-I/O capture submitted by a handler
// (§6.2: "emit telemetry events via C7 at natural seams").
type Event struct {
	TaskID            string
	TraceID           string
	RequestID         string
	IntentID          string
	Source            string // "model" | "tool"
	EventType         string
	Status            string
	Provider          string
	Model             string
	ProviderSource    string
	ProviderPath      string
	ProviderRequestID string
	Input             interface{}
	Output            interface{}
	Metadata          interface{}
	HasError          bool
	// Sequence distinguishes repeated event_type+status pairs within the same
	// task (§3.4: event_id folds in "parent id + event_type + status +
	// sequence"). Leave zero to let Submit auto-assign the next per-task
	// ordinal; set explicitly when replaying an event that must dedupe to the
	// same row instead of minting a new one.
	Sequence int
}

type queuedEvent struct {
	row      *taskstore.TraceEvent
	blobs    []*taskstore.TraceBlob
	priority string
}

// Batcher is the in-memory queue plus flush pipeline.
type Batcher struct {
	cfg   Config
	store taskstore.Store
	log   zerolog.Logger

	mu    sync.Mutex
	ring  []*queuedEvent

	droppedNormal int
	droppedHigh   int

	seqMu sync.Mutex
	seq   map[string]int

	metrics *metrics
}

func New(cfg Config, store taskstore.Store, log zerolog.Logger) *Batcher {
	cfg.setDefaults()
	return &Batcher{
		cfg:     cfg,
		store:   store,
		log:     log.With().Str("component", "telemetry").Logger(),
		metrics: newMetrics(),
	}
}

// Submit converts a raw Event into stored rows with payload handling (§4.7)
// and applies the admit policy on queue saturation.
func (b *Batcher) Submit(e Event) {
	priority := PriorityNormal
	if e.HasError {
		priority = PriorityHigh
	}

	if e.Sequence == 0 {
		e.Sequence = b.nextSequence(e.TaskID)
	}
	eventID := deterministicEventID(e)
	now := time.Now()
	expiresAt := now.AddDate(0, 0, b.cfg.RetentionDays)

	row := &taskstore.TraceEvent{
		EventID:           eventID,
		TaskID:            e.TaskID,
		TraceID:           e.TraceID,
		RequestID:         e.RequestID,
		IntentID:          e.IntentID,
		Source:            e.Source,
		EventType:         e.EventType,
		Status:            e.Status,
		Provider:          e.Provider,
		Model:             e.Model,
		ProviderSource:    e.ProviderSource,
		ProviderPath:      e.ProviderPath,
		ProviderRequestID: e.ProviderRequestID,
		CreatedAt:         now,
		ExpiresAt:         expiresAt,
	}

	var blobs []*taskstore.TraceBlob
	row.InputPayload, blobs = b.preparePayload(eventID, taskstore.BlobKindInput, e.Input, expiresAt, blobs)
	row.OutputPayload, blobs = b.preparePayload(eventID, taskstore.BlobKindOutput, e.Output, expiresAt, blobs)
	if e.Metadata != nil {
		if meta, err := json.Marshal(e.Metadata); err == nil {
			row.Metadata = meta
		}
	}

	qe := &queuedEvent{row: row, blobs: blobs, priority: priority}
	b.admit(qe)
}

// preparePayload implements the inline/blob split from §4.7: inline if
// ≤ inlineMaxBytes, else a truncated stub inline plus a blob sidecar up to
// blobMaxBytes with a recorded sha256 of the stored bytes.
func (b *Batcher) preparePayload(eventID, kind string, payload interface{}, expiresAt time.Time, blobs []*taskstore.TraceBlob) (json.RawMessage, []*taskstore.TraceBlob) {
	if payload == nil {
		return nil, blobs
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		b.log.Warn().Err(err).Msg("telemetry payload marshal failed")
		return nil, blobs
	}
	if len(raw) <= b.cfg.InlineMaxBytes {
		return raw, blobs
	}

	preview := string(raw)
	if len(preview) > b.cfg.PreviewChars {
		preview = preview[:b.cfg.PreviewChars]
	}
	stub, _ := json.Marshal(map[string]interface{}{
		"truncated":  true,
		"size_bytes": len(raw),
		"preview":    preview,
	})

	blobPayload := raw
	truncated := false
	if len(blobPayload) > b.cfg.BlobMaxBytes {
		blobPayload = blobPayload[:b.cfg.BlobMaxBytes]
		truncated = true
	}
	sum := sha256.Sum256(blobPayload)
	sha := hex.EncodeToString(sum[:])
	blobs = append(blobs, &taskstore.TraceBlob{
		BlobID:    envelope.NewID(),
		EventID:   eventID,
		Kind:      kind,
		Payload:   blobPayload,
		SHA256:    sha,
		SizeBytes: len(raw),
		Truncated: truncated,
		ExpiresAt: expiresAt, // blobs inherit parent TTL unconditionally (§4.7 decided)
	})
	return stub, blobs
}

// admit implements the admission policy: when the queue is full, high
// priority evicts the oldest normal-priority entry; if none exist, high is
// dropped with a periodic warning; normal is dropped silently with a
// periodic summary counter.
func (b *Batcher) admit(qe *queuedEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.ring) < b.cfg.QueueMax {
		b.ring = append(b.ring, qe)
		return
	}

	if qe.priority == PriorityHigh {
		for i, existing := range b.ring {
			if existing.priority == PriorityNormal {
				b.ring = append(b.ring[:i], b.ring[i+1:]...)
				b.ring = append(b.ring, qe)
				b.metrics.evicted.Inc()
				return
			}
		}
		b.droppedHigh++
		b.metrics.droppedHigh.Inc()
		if b.droppedHigh%50 == 1 {
			b.log.Warn().Int("dropped_high_total", b.droppedHigh).Msg("telemetry queue saturated, dropping high-priority event")
		}
		return
	}

	b.droppedNormal++
	b.metrics.droppedNormal.Inc()
	if b.droppedNormal%200 == 1 {
		b.log.Info().Int("dropped_normal_total", b.droppedNormal).Msg("telemetry queue saturated, dropping normal-priority events")
	}
}

// DropParent implements orphan-blob prevention (§4.7 step 4, S7): it removes
// the queued entry for this event id, and with it the blob sidecars that
// travel in the same entry, so none of them is flushed.
func (b *Batcher) DropParent(eventID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, qe := range b.ring {
		if qe.row.EventID == eventID {
			b.ring = append(b.ring[:i], b.ring[i+1:]...)
			return
		}
	}
}

// Run starts the periodic flush loop; a best-effort final flush runs on ctx
// cancellation before returning.
func (b *Batcher) Run(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			b.flush(context.Background())
			return
		case <-ticker.C:
			b.flush(ctx)
		}
	}
}

// flush implements the single-flight pipeline from §4.7: drain up to
// batchSize, bulk-write, retry whole batch, then isolate per-row.
func (b *Batcher) flush(ctx context.Context) {
	batch := b.drain(b.cfg.BatchSize)
	if len(batch) == 0 {
		return
	}

	events := make([]*taskstore.TraceEvent, 0, len(batch))
	var blobs []*taskstore.TraceBlob
	for _, qe := range batch {
		events = append(events, qe.row)
		blobs = append(blobs, qe.blobs...)
	}

	if err := b.writeBatch(ctx, events, blobs); err != nil {
		b.log.Warn().Err(err).Int("batch_size", len(events)).Msg("batch flush failed, retrying whole batch")
		if err := b.writeBatch(ctx, events, blobs); err != nil {
			b.log.Warn().Err(err).Msg("batch retry failed, isolating per-row")
			b.isolateAndWrite(ctx, batch)
		}
	}
}

func (b *Batcher) writeBatch(ctx context.Context, events []*taskstore.TraceEvent, blobs []*taskstore.TraceBlob) error {
	if err := b.store.InsertTraceEvents(ctx, events); err != nil {
		return err
	}
	return b.store.InsertTraceBlobs(ctx, blobs)
}

// isolateAndWrite retries each row independently, dropping irrecoverable
// rows with a warning; if every row fails, the whole batch is put back at
// the front of the queue and retried on the next flush tick. No longer
// delay is applied: Run flushes on a fixed FlushInterval ticker.
func (b *Batcher) isolateAndWrite(ctx context.Context, batch []*queuedEvent) {
	anySucceeded := false
	var requeue []*queuedEvent
	for _, qe := range batch {
		if err := b.writeBatch(ctx, []*taskstore.TraceEvent{qe.row}, qe.blobs); err != nil {
			b.log.Warn().Err(err).Str("event_id", qe.row.EventID).Msg("dropping irrecoverable telemetry row")
			continue
		}
		anySucceeded = true
	}
	if !anySucceeded {
		requeue = batch
		b.mu.Lock()
		b.ring = append(requeue, b.ring...)
		b.mu.Unlock()
	}
}

func (b *Batcher) drain(n int) []*queuedEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n > len(b.ring) {
		n = len(b.ring)
	}
	batch := b.ring[:n]
	b.ring = b.ring[n:]
	return batch
}

// nextSequence returns the next per-task ordinal, starting at 1, so two
// events sharing event_type+status for the same task still get distinct
// sequence numbers (and thus distinct event_ids) by default.
func (b *Batcher) nextSequence(taskID string) int {
	b.seqMu.Lock()
	defer b.seqMu.Unlock()
	if b.seq == nil {
		b.seq = make(map[string]int)
	}
	b.seq[taskID]++
	return b.seq[taskID]
}

func deterministicEventID(e Event) string {
	composed := fmt.Sprintf("%s|%s|%s|%d", e.TaskID, e.EventType, e.Status, e.Sequence)
	sum := sha256.Sum256([]byte(composed))
	return hex.EncodeToString(sum[:16])
}

type metrics struct {
	evicted      prometheus.Counter
	droppedHigh  prometheus.Counter
	droppedNormal prometheus.Counter
}

func newMetrics() *metrics {
	return &metrics{
		evicted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "agentqueue_telemetry_evicted_total",
			Help: "Normal-priority telemetry events evicted to admit a high-priority event.",
		}),
		droppedHigh: promauto.NewCounter(prometheus.CounterOpts{
			Name: "agentqueue_telemetry_dropped_high_total",
			Help: "High-priority telemetry events dropped because no normal-priority entry could be evicted.",
		}),
		droppedNormal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "agentqueue_telemetry_dropped_normal_total",
			Help: "Normal-priority telemetry events silently dropped on queue saturation.",
		}),
	}
}
