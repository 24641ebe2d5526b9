// Package idempotency caches full HTTP responses by client-supplied
// idempotency key so a retried POST (e.g. after a dropped connection)
// replays the original response instead of re-running the handler,
// grounded on the teacher's idempotency.Store. This sits above the
// queue's own requestId dedupe: that one protects the task row, this one
// protects the HTTP round-trip that created it.
package idempotency

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Response is the cached HTTP response shape.
type Response struct {
	StatusCode int
	Body       []byte
	Headers    map[string][]string
}

// Backend is an optional durable cache (e.g. Redis) the store falls back
// from when unset, using an in-process map instead.
type Backend interface {
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
}

type Store struct {
	backend Backend
	cache   sync.Map
	log     zerolog.Logger
}

type entry struct {
	Resp      Response
	Timestamp time.Time
}

const memoryTTL = 1 * time.Hour
const backendTTL = 24 * time.Hour

func NewStore(backend Backend, log zerolog.Logger) *Store {
	return &Store{backend: backend, log: log.With().Str("component", "idempotency").Logger()}
}

func (s *Store) Get(ctx context.Context, key string) (Response, bool) {
	if s.backend != nil {
		val, err := s.backend.Get(ctx, key)
		if err != nil {
			s.log.Warn().Err(err).Str("key", key).Msg("backend get failed")
			return Response{}, false
		}
		if val == "" {
			return Response{}, false
		}
		var e entry
		if err := json.Unmarshal([]byte(val), &e); err != nil {
			return Response{}, false
		}
		return e.Resp, true
	}

	val, ok := s.cache.Load(key)
	if !ok {
		return Response{}, false
	}
	e := val.(entry)
	if time.Since(e.Timestamp) > memoryTTL {
		s.cache.Delete(key)
		return Response{}, false
	}
	return e.Resp, true
}

func (s *Store) Set(ctx context.Context, key string, resp Response) {
	e := entry{Resp: resp, Timestamp: time.Now()}

	if s.backend != nil {
		bytes, _ := json.Marshal(e)
		if err := s.backend.Set(ctx, key, string(bytes), backendTTL); err != nil {
			s.log.Warn().Err(err).Str("key", key).Msg("backend set failed")
		}
		return
	}

	s.cache.Store(key, e)
}
