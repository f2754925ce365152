// Package eventbus publishes outbox events to a message broker through Watermill
// so other services can consume domain events alongside webhook subscribers.
package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/dukex/relay/pkg/models"
)

const (
	// DefaultTopic receives every outbox event when no topic is configured.
	DefaultTopic = "relay.outbox-events"

	// KeyMetadata carries the partition key (the account id).
	KeyMetadata       = "key"
	AccountIDMetadata = "account_id"
	EventTypeMetadata = "event_type"
	EventIDMetadata   = "event_id"
)

// ErrPublish wraps broker publish failures.
var ErrPublish = errors.New("failed to publish outbox event")

// Publisher publishes one outbox event.
type Publisher interface {
	Publish(ctx context.Context, event *models.OutboxEvent) error
}

// WatermillPublisher publishes outbox events as JSON messages on a single topic.
type WatermillPublisher struct {
	publisher message.Publisher
	topic     string
	logger    *slog.Logger
}

func NewWatermillPublisher(publisher message.Publisher, topic string, logger *slog.Logger) *WatermillPublisher {
	if topic == "" {
		topic = DefaultTopic
	}

	return &WatermillPublisher{
		publisher: publisher,
		topic:     topic,
		logger:    logger.With("module", "eventbus"),
	}
}

// Publish keys the message by account so one tenant's events stay ordered within a partition.
func (p *WatermillPublisher) Publish(ctx context.Context, event *models.OutboxEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPublish, err)
	}

	msg := message.NewMessage(watermill.NewULID(), payload)
	msg.SetContext(ctx)
	msg.Metadata.Set(KeyMetadata, event.AccountID)
	msg.Metadata.Set(AccountIDMetadata, event.AccountID)
	msg.Metadata.Set(EventTypeMetadata, event.EventType)
	msg.Metadata.Set(EventIDMetadata, event.ID)

	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)

	for key, value := range carrier {
		msg.Metadata.Set(key, value)
	}

	p.logger.DebugContext(ctx, "publishing outbox event",
		"event_id", event.ID,
		"event_type", event.EventType,
		"topic", p.topic)

	if err := p.publisher.Publish(p.topic, msg); err != nil {
		return fmt.Errorf("%w: %v", ErrPublish, err)
	}

	return nil
}

// Close closes the underlying publisher.
func (p *WatermillPublisher) Close() error {
	return p.publisher.Close()
}

// DecodeEvent reads an outbox event back from a published message.
func DecodeEvent(msg *message.Message) (*models.OutboxEvent, error) {
	var event models.OutboxEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		return nil, fmt.Errorf("decoding outbox event message %s: %w", msg.UUID, err)
	}

	return &event, nil
}

// Handler processes one consumed outbox event.
type Handler func(ctx context.Context, event *models.OutboxEvent) error

// Consume feeds events published on topic to handler until ctx is done or the
// subscription closes. Messages are acked when handler succeeds and nacked
// otherwise. Undecodable messages are logged and acked.
func Consume(ctx context.Context, subscriber message.Subscriber, topic string, handler Handler, logger *slog.Logger) error {
	if topic == "" {
		topic = DefaultTopic
	}

	messages, err := subscriber.Subscribe(ctx, topic)
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", topic, err)
	}

	logger = logger.With("module", "eventbus", "topic", topic)

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}

			event, err := DecodeEvent(msg)
			if err != nil {
				logger.ErrorContext(ctx, "dropping undecodable message", "message_id", msg.UUID, "error", err)
				msg.Ack()

				continue
			}

			msgCtx := otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(msg.Metadata))

			if err := handler(msgCtx, event); err != nil {
				logger.WarnContext(ctx, "outbox event handler failed",
					"event_id", event.ID, "event_type", event.EventType, "error", err)
				msg.Nack()

				continue
			}

			msg.Ack()
		}
	}
}
