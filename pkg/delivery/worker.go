package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dukex/relay/pkg/metrics"
	"github.com/dukex/relay/pkg/models"
	"github.com/dukex/relay/pkg/otelhelper"
	"github.com/dukex/relay/pkg/persistence"
	"github.com/dukex/relay/pkg/ssrf"
)

const (
	DefaultBaseBackoff = 30 * time.Second
	DefaultTimeout     = 10 * time.Second

	maxErrorLength = 1000
	maxBodyExcerpt = 256
)

// WorkerStore is the persistence the worker needs.
type WorkerStore interface {
	DueDeliveries(ctx context.Context, now time.Time, limit int) ([]*models.WebhookDelivery, error)
	Subscription(ctx context.Context, accountID, id string) (*models.WebhookSubscription, error)
	OutboxEvent(ctx context.Context, accountID, id string) (*models.OutboxEvent, error)
	UpdateDelivery(ctx context.Context, delivery *models.WebhookDelivery, expectedAttempts int, expectedStatus models.DeliveryStatus) (bool, error)
}

var _ WorkerStore = persistence.Persistence(nil)

// Envelope is the JSON body POSTed to subscribers.
type Envelope struct {
	EventType  string         `json:"event_type"`
	Payload    map[string]any `json:"payload"`
	DeliveryID string         `json:"delivery_id"`
	Timestamp  string         `json:"timestamp"`
}

// DeliverResult summarizes one delivery pass.
type DeliverResult struct {
	Attempted    int      `json:"attempted"`
	Succeeded    int      `json:"succeeded"`
	Failed       int      `json:"failed"`
	DeadLettered int      `json:"dead_lettered"`
	Errors       []string `json:"errors"`
}

type Worker struct {
	store       WorkerStore
	validator   ssrf.Validator
	client      *http.Client
	batchSize   int
	baseBackoff time.Duration
	timeout     time.Duration
	metrics     metrics.Metrics
	tracer      trace.Tracer
	logger      *slog.Logger
}

type WorkerOption func(*Worker)

func WithHTTPClient(client *http.Client) WorkerOption {
	return func(w *Worker) { w.client = client }
}

func WithBatchSize(size int) WorkerOption {
	return func(w *Worker) {
		if size > 0 {
			w.batchSize = size
		}
	}
}

func WithBaseBackoff(base time.Duration) WorkerOption {
	return func(w *Worker) {
		if base > 0 {
			w.baseBackoff = base
		}
	}
}

func WithTimeout(timeout time.Duration) WorkerOption {
	return func(w *Worker) {
		if timeout > 0 {
			w.timeout = timeout
		}
	}
}

func WithWorkerMetrics(m metrics.Metrics) WorkerOption {
	return func(w *Worker) { w.metrics = m }
}

// NewWorker builds a worker. Destinations are checked with validator before
// every attempt.
func NewWorker(store WorkerStore, validator ssrf.Validator, logger *slog.Logger, opts ...WorkerOption) *Worker {
	w := &Worker{
		store:       store,
		validator:   validator,
		batchSize:   DefaultBatchSize,
		baseBackoff: DefaultBaseBackoff,
		timeout:     DefaultTimeout,
		metrics:     metrics.Noop{},
		tracer:      otelhelper.Tracer("relay/delivery"),
		logger:      logger.With("module", "webhook_worker"),
	}

	for _, opt := range opts {
		opt(w)
	}

	if w.client == nil {
		w.client = &http.Client{Timeout: w.timeout}
	}

	return w
}

// Deliver attempts every delivery due at now.
func (w *Worker) Deliver(ctx context.Context, now time.Time) DeliverResult {
	now = now.UTC()
	result := DeliverResult{Errors: []string{}}

	due, err := w.store.DueDeliveries(ctx, now, w.batchSize)
	if err != nil {
		w.logger.ErrorContext(ctx, "failed to load due deliveries", "error", err)
		result.Errors = append(result.Errors, fmt.Sprintf("loading deliveries: %v", err))

		return result
	}

	for _, delivery := range due {
		result.Attempted++

		if err := w.attempt(ctx, delivery, now); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("delivery %s: %v", delivery.ID, err))
		}

		switch delivery.Status {
		case models.DeliverySuccess:
			result.Succeeded++
		case models.DeliveryDeadLetter:
			result.DeadLettered++
		case models.DeliveryFailed:
			result.Failed++
		}

		w.metrics.IncDeliveryAttempt(string(delivery.Status))
	}

	return result
}

// attempt performs one delivery attempt and persists the transition. The
// returned error reports persistence problems only; endpoint failures are
// recorded on the delivery.
func (w *Worker) attempt(ctx context.Context, delivery *models.WebhookDelivery, now time.Time) error {
	ctx, span := otelhelper.StartSpan(ctx, w.tracer, "delivery.attempt",
		attribute.String(otelhelper.DeliveryIDKey, delivery.ID),
		attribute.String(otelhelper.SubscriptionIDKey, delivery.SubscriptionID),
		attribute.String(otelhelper.AccountIDKey, delivery.AccountID),
		attribute.String(otelhelper.EventTypeKey, delivery.EventType))
	defer span.End()

	logger := w.logger.With("delivery_id", delivery.ID, "account_id", delivery.AccountID)
	expectedAttempts, expectedStatus := delivery.Attempts, delivery.Status

	subscription, event, err := w.load(ctx, delivery)
	switch {
	case persistence.IsNotFound(err):
		delivery.DeadLetter(now, truncate(err.Error()))
	case err != nil:
		otelhelper.SetError(span, err)

		return err
	case !subscription.Enabled:
		delivery.DeadLetter(now, "subscription disabled")
	default:
		w.send(ctx, delivery, subscription, event, now)
	}

	if delivery.Status != models.DeliverySuccess {
		logger.WarnContext(ctx, "webhook delivery attempt failed",
			"status", delivery.Status,
			"attempts", delivery.Attempts,
			"status_code", delivery.LastStatusCode,
			"error", delivery.LastError)
	}

	updated, err := w.store.UpdateDelivery(ctx, delivery, expectedAttempts, expectedStatus)
	if err != nil {
		otelhelper.SetError(span, err)

		return fmt.Errorf("updating delivery: %w", err)
	}

	if !updated {
		logger.WarnContext(ctx, "delivery was updated concurrently, attempt not recorded")
	}

	return nil
}

func (w *Worker) load(ctx context.Context, delivery *models.WebhookDelivery) (*models.WebhookSubscription, *models.OutboxEvent, error) {
	subscription, err := w.store.Subscription(ctx, delivery.AccountID, delivery.SubscriptionID)
	if err != nil {
		return nil, nil, err
	}

	event, err := w.store.OutboxEvent(ctx, delivery.AccountID, delivery.OutboxEventID)
	if err != nil {
		return nil, nil, err
	}

	return subscription, event, nil
}

func (w *Worker) send(ctx context.Context, delivery *models.WebhookDelivery, subscription *models.WebhookSubscription, event *models.OutboxEvent, now time.Time) {
	if err := w.validator.Validate(ctx, subscription.URL); err != nil {
		delivery.RecordFailure(now, 0, truncate(err.Error()), w.baseBackoff)

		return
	}

	body, err := json.Marshal(Envelope{
		EventType:  event.EventType,
		Payload:    event.Payload,
		DeliveryID: delivery.ID,
		Timestamp:  now.Format(time.RFC3339),
	})
	if err != nil {
		delivery.DeadLetter(now, truncate(fmt.Sprintf("encoding envelope: %v", err)))

		return
	}

	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, subscription.URL, bytes.NewReader(body))
	if err != nil {
		delivery.RecordFailure(now, 0, truncate(err.Error()), w.baseBackoff)

		return
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "relay-webhooks/1.0")
	req.Header.Set(SignatureHeader, Sign(subscription.Secret, body))
	req.Header.Set(DeliveryIDHeader, delivery.ID)
	req.Header.Set(EventTypeHeader, event.EventType)

	resp, err := w.client.Do(req)
	if err != nil {
		message := err.Error()
		if errors.Is(err, ssrf.ErrBlocked) {
			message = "destination blocked: " + message
		}

		delivery.RecordFailure(now, 0, truncate(message), w.baseBackoff)

		return
	}
	defer resp.Body.Close()

	excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyExcerpt))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		delivery.RecordSuccess(now, resp.StatusCode)

		return
	}

	message := fmt.Sprintf("unexpected status %d", resp.StatusCode)
	if len(excerpt) > 0 {
		message += ": " + string(excerpt)
	}

	delivery.RecordFailure(now, resp.StatusCode, truncate(message), w.baseBackoff)
}

func truncate(message string) string {
	if len(message) <= maxErrorLength {
		return message
	}

	return message[:maxErrorLength]
}
