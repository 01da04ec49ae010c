package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// outboundDedupWindow is the JetStream duplicate-suppression window for
// republished sequences after a publisher restart.
const outboundDedupWindow = 2 * time.Minute

// OutboundPublisher fans processed events out to downstream consumers over
// JetStream, after persistence has confirmed them. Subjects follow
// slab.events.{event_type}[.{market}]; the engine sequence doubles as the
// message id so redeliveries inside the dedup window collapse.
type OutboundPublisher struct {
	js     jetstream.JetStream
	events <-chan PublishableEvent
}

// PublishableEvent is a processed event ready for outbound publishing.
type PublishableEvent struct {
	Sequence       int64       `json:"sequence"`
	EventType      string      `json:"event_type"`
	IdempotencyKey string      `json:"idempotency_key"`
	Market         *string     `json:"market,omitempty"`
	Payload        interface{} `json:"payload"`
	StateHash      []byte      `json:"state_hash"`
	Timestamp      time.Time   `json:"timestamp"`
}

func NewOutboundPublisher(js jetstream.JetStream, events <-chan PublishableEvent) *OutboundPublisher {
	return &OutboundPublisher{js: js, events: events}
}

// Run drains the event channel until the context ends or the channel closes.
// A failed publish is logged and skipped: the event log remains the source of
// truth and downstream consumers can backfill from it.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case evt, ok := <-op.events:
			if !ok {
				return nil
			}
			if err := op.publish(ctx, evt); err != nil {
				log.Printf("WARN: outbound publish failed seq=%d type=%s: %v",
					evt.Sequence, evt.EventType, err)
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, evt PublishableEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal outbound event: %w", err)
	}

	subject := "slab.events." + evt.EventType
	if evt.Market != nil {
		subject += "." + *evt.Market
	}

	_, err = op.js.Publish(ctx, subject, data,
		jetstream.WithMsgID(fmt.Sprintf("out-%d", evt.Sequence)))
	return err
}

// EnsureOutboundStream creates or updates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       "SLAB_EVENTS",
		Subjects:   []string{"slab.events.>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: outboundDedupWindow,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	log.Println("INFO: ensured outbound stream SLAB_EVENTS")
	return nil
}
