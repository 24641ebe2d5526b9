package telemetry

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/present-run/agentqueue/taskstore"
)

// A single Batcher is constructed via New in this whole test binary: promauto
// metrics are registered once per process, so a second New call would panic
// on duplicate collector registration. Everything else builds a bare
// *Batcher literal (metrics left nil) and only exercises paths that don't
// touch the metrics counters.
func TestBatcherAdmitPolicy(t *testing.T) {
	store := taskstore.NewMemoryStore()
	b := New(Config{QueueMax: 2, BatchSize: 10}, store, zerolog.Nop())

	b.Submit(Event{TaskID: "t1", EventType: "model.call", Status: "ok"})
	b.Submit(Event{TaskID: "t2", EventType: "model.call", Status: "ok"})
	if len(b.ring) != 2 {
		t.Fatalf("expected 2 queued events at capacity, got %d", len(b.ring))
	}

	b.Submit(Event{TaskID: "t3", EventType: "model.call", Status: "error", HasError: true})
	if len(b.ring) != 2 {
		t.Fatalf("expected the ring to stay at its max size, got %d", len(b.ring))
	}
	foundHigh := false
	for _, qe := range b.ring {
		if qe.priority == PriorityHigh {
			foundHigh = true
		}
	}
	if !foundHigh {
		t.Fatal("expected the high-priority event to evict a normal-priority one and be admitted")
	}
}

func TestPreparePayloadSplitsLargePayloadsIntoBlobs(t *testing.T) {
	store := taskstore.NewMemoryStore()
	b := &Batcher{cfg: Config{InlineMaxBytes: 16, BlobMaxBytes: 1024, PreviewChars: 8}, store: store, log: zerolog.Nop()}
	expiry := time.Now().Add(time.Hour)

	small := map[string]string{"a": "b"}
	inline, blobs := b.preparePayload("evt-1", taskstore.BlobKindInput, small, expiry, nil)
	if inline == nil || len(blobs) != 0 {
		t.Fatalf("expected a small payload to stay inline, got inline=%v blobs=%d", inline, len(blobs))
	}

	large := map[string]string{"a": "this payload is long enough to exceed the inline threshold by a wide margin"}
	stub, blobs2 := b.preparePayload("evt-2", taskstore.BlobKindInput, large, expiry, nil)
	if stub == nil {
		t.Fatal("expected a truncated stub to still be written inline")
	}
	if len(blobs2) != 1 {
		t.Fatalf("expected exactly one blob sidecar for the oversized payload, got %d", len(blobs2))
	}
	if blobs2[0].SHA256 == "" {
		t.Fatal("expected the blob to record a sha256 of the stored payload")
	}
	if blobs2[0].ExpiresAt != expiry {
		t.Fatal("expected the blob to inherit the parent event's expiry unconditionally")
	}
}

func TestDropParentRemovesQueuedEventByID(t *testing.T) {
	b := &Batcher{cfg: Config{}, log: zerolog.Nop()}
	b.ring = []*queuedEvent{{row: &taskstore.TraceEvent{EventID: "evt-1"}}}

	b.DropParent("evt-1")
	if len(b.ring) != 0 {
		t.Fatal("expected DropParent to remove the matching event from the ring")
	}
}

func TestDeterministicEventIDIsStableForSameInput(t *testing.T) {
	e := Event{TaskID: "t1", EventType: "model.call", Status: "ok", Sequence: 1}
	if deterministicEventID(e) != deterministicEventID(e) {
		t.Fatal("expected the same event to produce the same id")
	}
}

func TestDeterministicEventIDDiffersBySequence(t *testing.T) {
	first := Event{TaskID: "t1", EventType: "model.call", Status: "ok", Sequence: 1}
	second := Event{TaskID: "t1", EventType: "model.call", Status: "ok", Sequence: 2}
	if deterministicEventID(first) == deterministicEventID(second) {
		t.Fatal("expected two events sharing task/type/status to differ by sequence")
	}
}

func TestSubmitAutoAssignsDistinctSequenceForRepeatedEventTypeAndStatus(t *testing.T) {
	b := &Batcher{cfg: Config{QueueMax: 10}, log: zerolog.Nop()}

	b.Submit(Event{TaskID: "t1", EventType: "tool.call", Status: "ok"})
	b.Submit(Event{TaskID: "t1", EventType: "tool.call", Status: "ok"})

	if len(b.ring) != 2 {
		t.Fatalf("expected both events to be queued, got %d", len(b.ring))
	}
	if b.ring[0].row.EventID == b.ring[1].row.EventID {
		t.Fatal("expected two sequential same-type/status events for one task to get distinct event ids")
	}
}
