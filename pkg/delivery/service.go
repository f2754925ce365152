package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dukex/relay/pkg/metrics"
	"github.com/dukex/relay/pkg/models"
	"github.com/dukex/relay/pkg/otelhelper"
)

var (
	// ErrNotReplayable is returned when replaying a delivery that is not dead-lettered.
	ErrNotReplayable = errors.New("only dead-lettered deliveries can be replayed")

	// ErrReplayConflict is returned when the delivery changed while being replayed.
	ErrReplayConflict = errors.New("delivery changed during replay")
)

// ReplayStore reads and rewrites single deliveries.
type ReplayStore interface {
	Delivery(ctx context.Context, accountID, id string) (*models.WebhookDelivery, error)
	UpdateDelivery(ctx context.Context, delivery *models.WebhookDelivery, expectedAttempts int, expectedStatus models.DeliveryStatus) (bool, error)
}

// TickResult summarizes one delivery tick.
type TickResult struct {
	FanOut  FanOutResult  `json:"fan_out"`
	Deliver DeliverResult `json:"deliver"`
}

// Service runs the relay and the worker as one tick.
type Service struct {
	relay   *Relay
	worker  *Worker
	store   ReplayStore
	metrics metrics.Metrics
	tracer  trace.Tracer
	logger  *slog.Logger
}

func NewService(relay *Relay, worker *Worker, store ReplayStore, m metrics.Metrics, logger *slog.Logger) *Service {
	if m == nil {
		m = metrics.Noop{}
	}

	return &Service{
		relay:   relay,
		worker:  worker,
		store:   store,
		metrics: m,
		tracer:  otelhelper.Tracer("relay/delivery"),
		logger:  logger.With("module", "delivery"),
	}
}

// Tick fans out pending outbox events, then attempts due deliveries, so deliveries
// created by this tick's fan-out are attempted in the same tick.
func (s *Service) Tick(ctx context.Context, now time.Time) TickResult {
	started := time.Now()

	ctx, span := otelhelper.StartSpan(ctx, s.tracer, "delivery.tick", attribute.String(otelhelper.TickKey, "delivery"))
	defer span.End()

	result := TickResult{
		FanOut: s.relay.FanOut(ctx, now),
	}
	result.Deliver = s.worker.Deliver(ctx, now)

	s.metrics.ObserveTick("delivery", time.Since(started).Seconds())

	if result.FanOut.Processed > 0 || result.Deliver.Attempted > 0 {
		s.logger.InfoContext(ctx, "delivery tick finished",
			"events_processed", result.FanOut.Processed,
			"deliveries_created", result.FanOut.Deliveries,
			"attempted", result.Deliver.Attempted,
			"succeeded", result.Deliver.Succeeded,
			"dead_lettered", result.Deliver.DeadLettered)
	}

	return result
}

// Replay resets a dead-lettered delivery to pending with zero attempts, due at now.
func (s *Service) Replay(ctx context.Context, accountID, deliveryID string, now time.Time) (*models.WebhookDelivery, error) {
	delivery, err := s.store.Delivery(ctx, accountID, deliveryID)
	if err != nil {
		return nil, err
	}

	if delivery.Status != models.DeliveryDeadLetter {
		return nil, fmt.Errorf("%w: delivery %s is %s", ErrNotReplayable, delivery.ID, delivery.Status)
	}

	expectedAttempts := delivery.Attempts
	delivery.Replay(now.UTC())

	updated, err := s.store.UpdateDelivery(ctx, delivery, expectedAttempts, models.DeliveryDeadLetter)
	if err != nil {
		return nil, fmt.Errorf("replaying delivery %s: %w", delivery.ID, err)
	}

	if !updated {
		return nil, fmt.Errorf("%w: %s", ErrReplayConflict, delivery.ID)
	}

	s.logger.InfoContext(ctx, "delivery replayed", "delivery_id", delivery.ID, "account_id", accountID)

	return delivery, nil
}
