// Package streaming publishes queue lifecycle events (enqueue, claim,
// complete, reclaim) to an external bus for consumers outside the audit
// log, grounded on the teacher's streaming package.
package streaming

import (
	"context"
	"time"
)

// Event is one published lifecycle notification.
type Event struct {
	ID        string    `json:"id"`
	Topic     string    `json:"topic"`
	Payload   []byte    `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
}

// Publisher is a best-effort sink; a publish failure must never fail the
// queue operation that triggered it.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload interface{}) error
	Close() error
}

type Subscriber interface {
	Subscribe(topic string, handler func(event Event)) (Subscription, error)
}

type Subscription interface {
	Unsubscribe() error
}
