package streaming

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/present-run/agentqueue/envelope"
)

// LogPublisher is the default Publisher until a real broker is wired in:
// it structured-logs every event instead of dropping it, grounded on the
// teacher's LogPublisher.
type LogPublisher struct {
	log zerolog.Logger
}

func NewLogPublisher(log zerolog.Logger) *LogPublisher {
	return &LogPublisher{log: log.With().Str("component", "streaming").Logger()}
}

func (p *LogPublisher) Publish(ctx context.Context, topic string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	event := Event{
		ID:        envelope.NewID(),
		Topic:     topic,
		Payload:   data,
		Timestamp: time.Now(),
		Source:    "agentqueue",
	}
	p.log.Debug().Str("topic", event.Topic).Str("event_id", event.ID).RawJSON("payload", event.Payload).Msg("published")
	return nil
}

func (p *LogPublisher) Close() error {
	p.log.Info().Msg("log publisher closed")
	return nil
}
