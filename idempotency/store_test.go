package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestStoreInMemoryGetSetRoundTrip(t *testing.T) {
	s := NewStore(nil, zerolog.Nop())
	if _, ok := s.Get(context.Background(), "missing"); ok {
		t.Fatal("expected a miss for a key never set")
	}

	s.Set(context.Background(), "k1", Response{StatusCode: 201, Body: []byte(`{"ok":true}`)})
	resp, ok := s.Get(context.Background(), "k1")
	if !ok {
		t.Fatal("expected a hit for a key just set")
	}
	if resp.StatusCode != 201 || string(resp.Body) != `{"ok":true}` {
		t.Fatalf("expected the cached response to round-trip verbatim, got %+v", resp)
	}
}

func TestStoreInMemoryExpiresAfterTTL(t *testing.T) {
	s := NewStore(nil, zerolog.Nop())
	s.cache.Store("k1", entry{Resp: Response{StatusCode: 200}, Timestamp: time.Now().Add(-2 * memoryTTL)})

	if _, ok := s.Get(context.Background(), "k1"); ok {
		t.Fatal("expected an entry older than memoryTTL to be treated as a miss")
	}
}

type fakeBackend struct {
	store map[string]string
	setErr error
	getErr error
}

func (f *fakeBackend) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if f.setErr != nil {
		return f.setErr
	}
	if f.store == nil {
		f.store = map[string]string{}
	}
	f.store[key] = value
	return nil
}

func (f *fakeBackend) Get(ctx context.Context, key string) (string, error) {
	if f.getErr != nil {
		return "", f.getErr
	}
	return f.store[key], nil
}

func TestStoreUsesBackendWhenConfigured(t *testing.T) {
	backend := &fakeBackend{}
	s := NewStore(backend, zerolog.Nop())

	s.Set(context.Background(), "k1", Response{StatusCode: 201, Body: []byte("hi")})
	resp, ok := s.Get(context.Background(), "k1")
	if !ok {
		t.Fatal("expected a hit backed by the durable backend")
	}
	if resp.StatusCode != 201 || string(resp.Body) != "hi" {
		t.Fatalf("expected the backend-cached response to round-trip, got %+v", resp)
	}
}

func TestStoreBackendGetErrorIsTreatedAsMiss(t *testing.T) {
	backend := &fakeBackend{getErr: context.DeadlineExceeded}
	s := NewStore(backend, zerolog.Nop())
	if _, ok := s.Get(context.Background(), "k1"); ok {
		t.Fatal("expected a backend error to be treated as a miss, not panic or propagate")
	}
}
