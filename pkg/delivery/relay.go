// Package delivery moves outbox events to webhook subscribers.
//
// The Relay fans each unprocessed outbox event out into one pending delivery per
// matching subscription. The Worker attempts due deliveries with signed POSTs,
// retrying with exponential backoff until success or dead-letter.
package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dukex/relay/pkg/eventbus"
	"github.com/dukex/relay/pkg/metrics"
	"github.com/dukex/relay/pkg/models"
	"github.com/dukex/relay/pkg/otelhelper"
	"github.com/dukex/relay/pkg/persistence"
)

// DefaultBatchSize bounds the events fanned out and the deliveries attempted per tick.
const DefaultBatchSize = 100

// RelayStore is the persistence the relay needs.
type RelayStore interface {
	UnprocessedOutboxEvents(ctx context.Context, limit int) ([]*models.OutboxEvent, error)
	MatchingSubscriptions(ctx context.Context, accountID, eventType string) ([]*models.WebhookSubscription, error)
	RecordFanOut(ctx context.Context, event *models.OutboxEvent, deliveries []*models.WebhookDelivery, now time.Time) (bool, error)
}

var _ RelayStore = persistence.Persistence(nil)

// FanOutResult summarizes one fan-out pass.
type FanOutResult struct {
	Processed  int      `json:"processed"`
	Deliveries int      `json:"deliveries"`
	Errors     []string `json:"errors"`
}

type Relay struct {
	store     RelayStore
	publisher eventbus.Publisher
	batchSize int
	metrics   metrics.Metrics
	tracer    trace.Tracer
	logger    *slog.Logger
}

type RelayOption func(*Relay)

// WithPublisher publishes every event to the event bus before fanning it out.
func WithPublisher(publisher eventbus.Publisher) RelayOption {
	return func(r *Relay) { r.publisher = publisher }
}

func WithFanOutBatchSize(size int) RelayOption {
	return func(r *Relay) {
		if size > 0 {
			r.batchSize = size
		}
	}
}

func WithRelayMetrics(m metrics.Metrics) RelayOption {
	return func(r *Relay) { r.metrics = m }
}

func NewRelay(store RelayStore, logger *slog.Logger, opts ...RelayOption) *Relay {
	r := &Relay{
		store:     store,
		batchSize: DefaultBatchSize,
		metrics:   metrics.Noop{},
		tracer:    otelhelper.Tracer("relay/delivery"),
		logger:    logger.With("module", "outbox_relay"),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// FanOut processes the oldest unprocessed events. An event with no matching
// subscription is still marked processed. Events whose fan-out could not be
// recorded stay unprocessed and are retried on the next tick.
func (r *Relay) FanOut(ctx context.Context, now time.Time) FanOutResult {
	now = now.UTC()
	result := FanOutResult{Errors: []string{}}

	events, err := r.store.UnprocessedOutboxEvents(ctx, r.batchSize)
	if err != nil {
		r.logger.ErrorContext(ctx, "failed to load unprocessed outbox events", "error", err)
		result.Errors = append(result.Errors, fmt.Sprintf("loading outbox events: %v", err))

		return result
	}

	for _, event := range events {
		created, err := r.fanOut(ctx, event, now)
		if err != nil {
			r.logger.ErrorContext(ctx, "outbox fan-out failed",
				"event_id", event.ID,
				"account_id", event.AccountID,
				"event_type", event.EventType,
				"error", err)
			result.Errors = append(result.Errors, fmt.Sprintf("event %s: %v", event.ID, err))

			continue
		}

		if created < 0 {
			continue
		}

		result.Processed++
		result.Deliveries += created
	}

	r.metrics.AddDeliveriesCreated(result.Deliveries)

	return result
}

// fanOut returns the number of deliveries created, or -1 when another relay
// processed the event first.
func (r *Relay) fanOut(ctx context.Context, event *models.OutboxEvent, now time.Time) (int, error) {
	ctx, span := otelhelper.StartSpan(ctx, r.tracer, "delivery.fan_out",
		attribute.String(otelhelper.EventIDKey, event.ID),
		attribute.String(otelhelper.EventTypeKey, event.EventType),
		attribute.String(otelhelper.AccountIDKey, event.AccountID))
	defer span.End()

	if r.publisher != nil {
		if err := r.publisher.Publish(ctx, event); err != nil {
			otelhelper.SetError(span, err)

			return 0, err
		}
	}

	subscriptions, err := r.store.MatchingSubscriptions(ctx, event.AccountID, event.EventType)
	if err != nil {
		otelhelper.SetError(span, err)

		return 0, fmt.Errorf("loading subscriptions: %w", err)
	}

	deliveries := make([]*models.WebhookDelivery, 0, len(subscriptions))
	for _, subscription := range subscriptions {
		deliveries = append(deliveries, models.NewWebhookDelivery(uuid.NewString(), event, subscription, now))
	}

	recorded, err := r.store.RecordFanOut(ctx, event, deliveries, now)
	if err != nil {
		otelhelper.SetError(span, err)

		return 0, fmt.Errorf("recording fan-out: %w", err)
	}

	if !recorded {
		r.logger.DebugContext(ctx, "outbox event already processed", "event_id", event.ID)

		return -1, nil
	}

	r.logger.DebugContext(ctx, "outbox event fanned out", "event_id", event.ID, "deliveries", len(deliveries))

	return len(deliveries), nil
}
