package postgresql

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/dukex/relay/pkg/models"
	"github.com/dukex/relay/pkg/persistence"
)

const eventColumns = `
	id
  , account_id
  , event_type
  , entity_type
  , entity_id
  , payload
  , processed
  , processed_at
  , created_at
`

const deliveryColumns = `
	id
  , account_id
  , subscription_id
  , outbox_event_id
  , event_type
  , status
  , attempts
  , next_attempt_at
  , last_error
  , last_status_code
  , completed_at
  , created_at
  , updated_at
`

type eventRow struct {
	models.OutboxEvent
	Payload jsonb[map[string]any] `db:"payload"`
}

func (r *eventRow) model() *models.OutboxEvent {
	event := r.OutboxEvent
	event.Payload = r.Payload.V

	return &event
}

type subscriptionRow struct {
	models.WebhookSubscription
	EventTypes pq.StringArray `db:"event_types"`
}

func (r *subscriptionRow) model() *models.WebhookSubscription {
	subscription := r.WebhookSubscription
	subscription.EventTypes = []string(r.EventTypes)

	return &subscription
}

// AppendOutboxEvent stages an event for fan-out.
func (p *Persistence) AppendOutboxEvent(ctx context.Context, event *models.OutboxEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO outbox_events (id, account_id, event_type, entity_type, entity_id, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := p.db.ExecContext(ctx, query,
		event.ID,
		event.AccountID,
		event.EventType,
		event.EntityType,
		event.EntityID,
		asJSON(event.Payload),
		event.CreatedAt,
	)
	if err != nil {
		return persistence.NewEntityError("AppendOutboxEvent", "outbox_event", event.ID, err)
	}

	return nil
}

// UnprocessedOutboxEvents returns events awaiting fan-out, oldest first.
func (p *Persistence) UnprocessedOutboxEvents(ctx context.Context, limit int) ([]*models.OutboxEvent, error) {
	query := "SELECT " + eventColumns + ` FROM outbox_events
		WHERE NOT processed
		ORDER BY created_at, id
		LIMIT $1
	`

	var rows []eventRow

	err := p.db.SelectContext(ctx, &rows, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox events: %w", err)
	}

	result := make([]*models.OutboxEvent, 0, len(rows))
	for i := range rows {
		result = append(result, rows[i].model())
	}

	return result, nil
}

// OutboxEvent returns one event of the account.
func (p *Persistence) OutboxEvent(ctx context.Context, accountID, id string) (*models.OutboxEvent, error) {
	var row eventRow

	err := p.db.GetContext(ctx, &row, "SELECT "+eventColumns+" FROM outbox_events WHERE account_id = $1 AND id = $2", accountID, id)
	if err != nil {
		return nil, notFound(err, persistence.ErrOutboxEventNotFound)
	}

	return row.model(), nil
}

// RecordFanOut marks the event processed and inserts its deliveries in one
// transaction. It returns false without inserting when the event was already processed.
func (p *Persistence) RecordFanOut(ctx context.Context, event *models.OutboxEvent, deliveries []*models.WebhookDelivery, now time.Time) (bool, error) {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer p.rollback(ctx, tx)

	result, err := tx.ExecContext(ctx, `
		UPDATE outbox_events
		SET processed = true, processed_at = $1
		WHERE id = $2 AND account_id = $3 AND NOT processed
	`, now, event.ID, event.AccountID)
	if err != nil {
		return false, persistence.NewEntityError("RecordFanOut", "outbox_event", event.ID, err)
	}

	claimed, err := affected(result)
	if err != nil || !claimed {
		return false, err
	}

	if len(deliveries) > 0 {
		_, err = tx.NamedExecContext(ctx, `
			INSERT INTO webhook_deliveries (`+deliveryColumns+`)
			VALUES (
				:id, :account_id, :subscription_id, :outbox_event_id, :event_type, :status, :attempts,
				:next_attempt_at, :last_error, :last_status_code, :completed_at, :created_at, :updated_at
			)
		`, deliveries)
		if err != nil {
			return false, persistence.NewEntityError("RecordFanOut", "webhook_delivery", event.ID, err)
		}
	}

	err = tx.Commit()
	if err != nil {
		return false, fmt.Errorf("failed to commit fan-out of %s: %w", event.ID, err)
	}

	return true, nil
}

// SaveSubscription inserts or replaces a webhook subscription.
func (p *Persistence) SaveSubscription(ctx context.Context, subscription *models.WebhookSubscription) error {
	if subscription.ID == "" {
		subscription.ID = uuid.NewString()
	}

	if subscription.CreatedAt.IsZero() {
		subscription.CreatedAt = time.Now().UTC()
	}

	eventTypes := subscription.EventTypes
	if eventTypes == nil {
		eventTypes = []string{}
	}

	query := `
		INSERT INTO webhook_subscriptions (id, account_id, url, secret, event_types, enabled, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			url = EXCLUDED.url
		  , secret = EXCLUDED.secret
		  , event_types = EXCLUDED.event_types
		  , enabled = EXCLUDED.enabled
		WHERE webhook_subscriptions.account_id = EXCLUDED.account_id
	`

	_, err := p.db.ExecContext(ctx, query,
		subscription.ID,
		subscription.AccountID,
		subscription.URL,
		subscription.Secret,
		pq.Array(eventTypes),
		subscription.Enabled,
		subscription.CreatedAt,
	)
	if err != nil {
		return persistence.NewEntityError("SaveSubscription", "webhook_subscription", subscription.ID, err)
	}

	return nil
}

// MatchingSubscriptions returns the account's enabled subscriptions for eventType.
// An empty event_types array subscribes to everything.
func (p *Persistence) MatchingSubscriptions(ctx context.Context, accountID, eventType string) ([]*models.WebhookSubscription, error) {
	query := `
		SELECT id, account_id, url, secret, event_types, enabled, created_at
		FROM webhook_subscriptions
		WHERE account_id = $1
		  AND enabled
		  AND (cardinality(event_types) = 0 OR $2 = ANY(event_types))
		ORDER BY created_at, id
	`

	var rows []subscriptionRow

	err := p.db.SelectContext(ctx, &rows, query, accountID, eventType)
	if err != nil {
		return nil, fmt.Errorf("failed to query webhook subscriptions: %w", err)
	}

	result := make([]*models.WebhookSubscription, 0, len(rows))
	for i := range rows {
		result = append(result, rows[i].model())
	}

	return result, nil
}

// Subscription returns one subscription of the account, enabled or not.
func (p *Persistence) Subscription(ctx context.Context, accountID, id string) (*models.WebhookSubscription, error) {
	query := `
		SELECT id, account_id, url, secret, event_types, enabled, created_at
		FROM webhook_subscriptions
		WHERE account_id = $1 AND id = $2
	`

	var row subscriptionRow

	err := p.db.GetContext(ctx, &row, query, accountID, id)
	if err != nil {
		return nil, notFound(err, persistence.ErrSubscriptionNotFound)
	}

	return row.model(), nil
}

// DueDeliveries returns deliveries to attempt at now, oldest due first.
func (p *Persistence) DueDeliveries(ctx context.Context, now time.Time, limit int) ([]*models.WebhookDelivery, error) {
	query := "SELECT " + deliveryColumns + ` FROM webhook_deliveries
		WHERE status IN ('pending', 'failed')
		  AND attempts < $1
		  AND next_attempt_at <= $2
		ORDER BY next_attempt_at, created_at, id
		LIMIT $3
	`

	deliveries := make([]*models.WebhookDelivery, 0)

	err := p.db.SelectContext(ctx, &deliveries, query, models.MaxDeliveryAttempts, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due deliveries: %w", err)
	}

	return deliveries, nil
}

// Delivery returns one delivery of the account.
func (p *Persistence) Delivery(ctx context.Context, accountID, id string) (*models.WebhookDelivery, error) {
	var delivery models.WebhookDelivery

	err := p.db.GetContext(ctx, &delivery, "SELECT "+deliveryColumns+" FROM webhook_deliveries WHERE account_id = $1 AND id = $2", accountID, id)
	if err != nil {
		return nil, notFound(err, persistence.ErrDeliveryNotFound)
	}

	return &delivery, nil
}

// Deliveries lists the account's deliveries oldest first. An empty status
// matches every status and a zero limit returns everything.
func (p *Persistence) Deliveries(ctx context.Context, accountID string, status models.DeliveryStatus, limit int) ([]*models.WebhookDelivery, error) {
	query := "SELECT " + deliveryColumns + ` FROM webhook_deliveries
		WHERE account_id = $1
		  AND ($2::text = '' OR status = $2)
		ORDER BY created_at, id
		LIMIT NULLIF($3, 0)
	`

	deliveries := make([]*models.WebhookDelivery, 0)

	err := p.db.SelectContext(ctx, &deliveries, query, accountID, status, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query deliveries: %w", err)
	}

	return deliveries, nil
}

// UpdateDelivery writes the delivery only if attempts and status are unchanged
// since it was read.
func (p *Persistence) UpdateDelivery(ctx context.Context, delivery *models.WebhookDelivery, expectedAttempts int, expectedStatus models.DeliveryStatus) (bool, error) {
	query := `
		UPDATE webhook_deliveries
		SET status = $1
		  , attempts = $2
		  , next_attempt_at = $3
		  , last_error = $4
		  , last_status_code = $5
		  , completed_at = $6
		  , updated_at = $7
		WHERE id = $8 AND account_id = $9 AND attempts = $10 AND status = $11
	`

	result, err := p.db.ExecContext(ctx, query,
		delivery.Status,
		delivery.Attempts,
		delivery.NextAttemptAt,
		delivery.LastError,
		delivery.LastStatusCode,
		delivery.CompletedAt,
		delivery.UpdatedAt,
		delivery.ID,
		delivery.AccountID,
		expectedAttempts,
		expectedStatus,
	)
	if err != nil {
		return false, persistence.NewEntityError("UpdateDelivery", "webhook_delivery", delivery.ID, err)
	}

	return affected(result)
}
