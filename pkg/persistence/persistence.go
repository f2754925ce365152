// Package persistence provides the data storage abstraction consumed by the automation core.
//
// Every method that touches tenant data is scoped by account id. The poll
// queries (due triggers, unprocessed events, due deliveries) run across tenants
// and every follow-up read or write they trigger is account scoped again.
// Methods returning (bool, error) are conditional writes: false means the row
// was not in the expected state and nothing was changed.
package persistence

import (
	"context"
	"time"

	"github.com/dukex/relay/pkg/models"
)

// ActionRepository reads the automation definitions authored by the CRUD layer.
type ActionRepository interface {
	// WorkflowActions returns enabled actions for the tuple. Actions without a
	// trigger reference match any reference.
	WorkflowActions(ctx context.Context, accountID, workflowDefID string, triggerType models.TriggerType, triggerRefID *string) ([]*models.WorkflowAction, error)
	AutomationRules(ctx context.Context, accountID, triggerEvent string) ([]*models.AutomationRule, error)
	ExtensionBySlug(ctx context.Context, accountID, slug string) (*models.Extension, error)
}

// TriggerRepository stores scheduled triggers and their instances.
type TriggerRepository interface {
	DueOneTimeTriggers(ctx context.Context, now time.Time, limit int) ([]*models.ScheduledTrigger, error)
	DueRecurringTriggers(ctx context.Context, now time.Time, limit int) ([]*models.ScheduledTrigger, error)
	CountdownTriggers(ctx context.Context, accountID, delayEvent string) ([]*models.ScheduledTrigger, error)
	ScheduledTrigger(ctx context.Context, accountID, id string) (*models.ScheduledTrigger, error)

	// MarkOneTimeFired persists the fire of a one-time trigger if it was still armed.
	MarkOneTimeFired(ctx context.Context, trigger *models.ScheduledTrigger) (bool, error)
	// AdvanceRecurring persists fire_count, last_fired_at and next_fire_at if
	// next_fire_at still equals previousNext.
	AdvanceRecurring(ctx context.Context, trigger *models.ScheduledTrigger, previousNext time.Time) (bool, error)

	CreateTriggerInstance(ctx context.Context, instance *models.ScheduledTriggerInstance) error
	DueTriggerInstances(ctx context.Context, now time.Time, limit int) ([]*models.ScheduledTriggerInstance, error)
	// CompleteTriggerInstance persists the final status if the instance was still pending.
	CompleteTriggerInstance(ctx context.Context, instance *models.ScheduledTriggerInstance) (bool, error)
}

// OutboxRepository stores domain events awaiting fan-out.
type OutboxRepository interface {
	AppendOutboxEvent(ctx context.Context, event *models.OutboxEvent) error
	UnprocessedOutboxEvents(ctx context.Context, limit int) ([]*models.OutboxEvent, error)
	OutboxEvent(ctx context.Context, accountID, id string) (*models.OutboxEvent, error)

	// RecordFanOut inserts the deliveries and marks the event processed in one
	// transaction, only if the event was still unprocessed.
	RecordFanOut(ctx context.Context, event *models.OutboxEvent, deliveries []*models.WebhookDelivery, now time.Time) (bool, error)
}

// WebhookRepository stores subscriptions and delivery state.
type WebhookRepository interface {
	MatchingSubscriptions(ctx context.Context, accountID, eventType string) ([]*models.WebhookSubscription, error)
	Subscription(ctx context.Context, accountID, id string) (*models.WebhookSubscription, error)

	DueDeliveries(ctx context.Context, now time.Time, limit int) ([]*models.WebhookDelivery, error)
	Delivery(ctx context.Context, accountID, id string) (*models.WebhookDelivery, error)
	Deliveries(ctx context.Context, accountID string, status models.DeliveryStatus, limit int) ([]*models.WebhookDelivery, error)

	// UpdateDelivery writes the delivery's state if the stored row still has the
	// expected attempts and status.
	UpdateDelivery(ctx context.Context, delivery *models.WebhookDelivery, expectedAttempts int, expectedStatus models.DeliveryStatus) (bool, error)
}

// EntityRepository performs the tenant-scoped entity writes actions are allowed
// to make. Table and field names must be validated against allowlists before
// they reach an implementation.
type EntityRepository interface {
	UpdateEntityField(ctx context.Context, accountID, table, entityID, field string, value any) error
	SetEntityMetadata(ctx context.Context, accountID, table, entityID string, path []string, value any) error
	InsertEntity(ctx context.Context, accountID, table string, values map[string]any) (string, error)
}

// ActivityRepository appends internal activity records.
type ActivityRepository interface {
	RecordActivity(ctx context.Context, activity *models.Activity) error
}

// Persistence aggregates every repository behind one connection.
type Persistence interface {
	ActionRepository
	TriggerRepository
	OutboxRepository
	WebhookRepository
	EntityRepository
	ActivityRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}
