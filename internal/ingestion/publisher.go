package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"NFTLend/internal/event"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// OutboundPublisher publishes domain events to NATS once their batch is
// persisted. Subjects follow lend.events.<EventType>.
type OutboundPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan *event.EventEnvelope
	log       zerolog.Logger
}

// PublishableEvent is the outbound wire form of an accepted command.
type PublishableEvent struct {
	Sequence       int64           `json:"sequence"`
	EventType      string          `json:"event_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	ReserveKey     *string         `json:"reserve_key,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	StateHash      string          `json:"state_hash"`
	Timestamp      time.Time       `json:"timestamp"`
}

func NewOutboundPublisher(js jetstream.JetStream, inputChan <-chan *event.EventEnvelope, logger zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		log:       logger,
	}
}

// OutboundSubject returns the subject an event type is published on.
func OutboundSubject(et event.EventType) string {
	return "lend.events." + et.String()
}

// NewPublishableEvent converts a logged envelope into its outbound form.
// Rejected envelopes have no domain event and return false.
func NewPublishableEvent(env *event.EventEnvelope) (PublishableEvent, bool) {
	if env.Rejected || len(env.Outcome) == 0 {
		return PublishableEvent{}, false
	}
	return PublishableEvent{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		ReserveKey:     env.ReserveKey,
		Payload:        json.RawMessage(env.Outcome),
		StateHash:      fmt.Sprintf("%x", env.StateHash),
		Timestamp:      env.Timestamp,
	}, true
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case env, ok := <-op.inputChan:
			if !ok {
				return nil
			}
			evt, ok := NewPublishableEvent(env)
			if !ok {
				continue
			}
			if err := op.publish(ctx, env.EventType, evt); err != nil {
				// downstream consumers can read the event log directly
				op.log.Warn().Err(err).Int64("sequence", evt.Sequence).Msg("outbound publish failed")
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, et event.EventType, evt PublishableEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	// The sequence doubles as the JetStream dedup id
	_, err = op.js.Publish(ctx, OutboundSubject(et), data,
		jetstream.WithMsgID(fmt.Sprintf("lend-%d", evt.Sequence)))
	return err
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       StreamEvents,
		Subjects:   []string{"lend.events.>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 2 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	logger.Info().Str("stream", StreamEvents).Msg("ensured outbound stream")
	return nil
}
