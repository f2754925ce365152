package models

import (
	"slices"
	"time"
)

// MaxDeliveryAttempts bounds webhook delivery retries. A delivery reaching it is dead-lettered.
const MaxDeliveryAttempts = 5

// DeliveryStatus is the lifecycle state of a WebhookDelivery.
type DeliveryStatus string

const (
	DeliveryPending    DeliveryStatus = "pending"
	DeliverySuccess    DeliveryStatus = "success"
	DeliveryFailed     DeliveryStatus = "failed"
	DeliveryDeadLetter DeliveryStatus = "dead_letter"
)

// OutboxEvent is an append-only domain event staged for fan-out.
type OutboxEvent struct {
	ID          string         `json:"id"                     db:"id"`
	AccountID   string         `json:"account_id"             db:"account_id"`
	EventType   string         `json:"event_type"             db:"event_type"`
	EntityType  string         `json:"entity_type,omitempty"  db:"entity_type"`
	EntityID    string         `json:"entity_id,omitempty"    db:"entity_id"`
	Payload     map[string]any `json:"payload"                db:"-"`
	Processed   bool           `json:"processed"              db:"processed"`
	ProcessedAt *time.Time     `json:"processed_at,omitempty" db:"processed_at"`
	CreatedAt   time.Time      `json:"created_at"             db:"created_at"`
}

// WebhookSubscription is a tenant's registered webhook endpoint.
type WebhookSubscription struct {
	ID         string    `json:"id"          db:"id"`
	AccountID  string    `json:"account_id"  db:"account_id"`
	URL        string    `json:"url"         db:"url"`
	Secret     string    `json:"-"           db:"secret"`
	EventTypes []string  `json:"event_types" db:"-"`
	Enabled    bool      `json:"enabled"     db:"enabled"`
	CreatedAt  time.Time `json:"created_at"  db:"created_at"`
}

// Matches reports whether the subscription wants events of the given type.
// An empty filter subscribes to every event.
func (s *WebhookSubscription) Matches(eventType string) bool {
	if !s.Enabled {
		return false
	}

	return len(s.EventTypes) == 0 || slices.Contains(s.EventTypes, eventType)
}

// WebhookDelivery tracks delivering one outbox event to one subscription.
type WebhookDelivery struct {
	ID             string         `json:"id"                         db:"id"`
	AccountID      string         `json:"account_id"                 db:"account_id"`
	SubscriptionID string         `json:"subscription_id"            db:"subscription_id"`
	OutboxEventID  string         `json:"outbox_event_id"            db:"outbox_event_id"`
	EventType      string         `json:"event_type"                 db:"event_type"`
	Status         DeliveryStatus `json:"status"                     db:"status"`
	Attempts       int            `json:"attempts"                   db:"attempts"`
	NextAttemptAt  *time.Time     `json:"next_attempt_at,omitempty"  db:"next_attempt_at"`
	LastError      string         `json:"last_error,omitempty"       db:"last_error"`
	LastStatusCode int            `json:"last_status_code,omitempty" db:"last_status_code"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"     db:"completed_at"`
	CreatedAt      time.Time      `json:"created_at"                 db:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"                 db:"updated_at"`
}

// NewWebhookDelivery creates a pending delivery due immediately.
func NewWebhookDelivery(id string, event *OutboxEvent, subscription *WebhookSubscription, now time.Time) *WebhookDelivery {
	due := now

	return &WebhookDelivery{
		ID:             id,
		AccountID:      event.AccountID,
		SubscriptionID: subscription.ID,
		OutboxEventID:  event.ID,
		EventType:      event.EventType,
		Status:         DeliveryPending,
		NextAttemptAt:  &due,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// IsDue reports whether the delivery should be attempted at now.
func (d *WebhookDelivery) IsDue(now time.Time) bool {
	if d.Status != DeliveryPending && d.Status != DeliveryFailed {
		return false
	}

	return d.Attempts < MaxDeliveryAttempts && d.NextAttemptAt != nil && !d.NextAttemptAt.After(now)
}

// RecordSuccess marks the delivery as delivered.
func (d *WebhookDelivery) RecordSuccess(now time.Time, statusCode int) {
	completed := now

	d.Attempts++
	d.Status = DeliverySuccess
	d.LastStatusCode = statusCode
	d.LastError = ""
	d.NextAttemptAt = nil
	d.CompletedAt = &completed
	d.UpdatedAt = now
}

// RecordFailure counts a failed attempt and either schedules a retry with
// exponential backoff or dead-letters the delivery once attempts are exhausted.
func (d *WebhookDelivery) RecordFailure(now time.Time, statusCode int, message string, baseBackoff time.Duration) {
	d.Attempts++
	d.LastStatusCode = statusCode
	d.LastError = message
	d.UpdatedAt = now

	if d.Attempts >= MaxDeliveryAttempts {
		d.Attempts = MaxDeliveryAttempts
		d.Status = DeliveryDeadLetter
		d.NextAttemptAt = nil

		return
	}

	next := now.Add(BackoffDelay(baseBackoff, d.Attempts))

	d.Status = DeliveryFailed
	d.NextAttemptAt = &next
}

// DeadLetter terminates the delivery without counting an attempt.
func (d *WebhookDelivery) DeadLetter(now time.Time, message string) {
	d.Status = DeliveryDeadLetter
	d.LastError = message
	d.NextAttemptAt = nil
	d.UpdatedAt = now
}

// Replay resets a dead-lettered delivery so the worker picks it up again.
func (d *WebhookDelivery) Replay(now time.Time) {
	due := now

	d.Status = DeliveryPending
	d.Attempts = 0
	d.NextAttemptAt = &due
	d.LastError = ""
	d.LastStatusCode = 0
	d.CompletedAt = nil
	d.UpdatedAt = now
}

// BackoffDelay returns base·2^attempt.
func BackoffDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	return base * time.Duration(1<<attempt)
}
