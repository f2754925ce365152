package memory

import (
	"context"
	"time"

	"github.com/dukex/relay/pkg/models"
	"github.com/dukex/relay/pkg/persistence"
)

// AppendOutboxEvent stages an event for fan-out.
func (p *Persistence) AppendOutboxEvent(_ context.Context, event *models.OutboxEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ensureID(&event.ID)

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	stored := *event
	p.events[event.ID] = &stored
	p.nextSeq(event.ID)

	return nil
}

// UnprocessedOutboxEvents returns events awaiting fan-out, oldest first.
func (p *Persistence) UnprocessedOutboxEvents(_ context.Context, limit int) ([]*models.OutboxEvent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var result []*models.OutboxEvent

	for _, event := range p.events {
		if !event.Processed {
			found := *event
			result = append(result, &found)
		}
	}

	sortByInsertion(p.order, result, func(e *models.OutboxEvent) string { return e.ID })

	return limitRows(result, limit), nil
}

// OutboxEvent returns one event of the account.
func (p *Persistence) OutboxEvent(_ context.Context, accountID, id string) (*models.OutboxEvent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	event, ok := p.events[id]
	if !ok || event.AccountID != accountID {
		return nil, persistence.ErrOutboxEventNotFound
	}

	found := *event

	return &found, nil
}

// RecordFanOut inserts the deliveries and marks the event processed under one lock.
func (p *Persistence) RecordFanOut(_ context.Context, event *models.OutboxEvent, deliveries []*models.WebhookDelivery, now time.Time) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	stored, ok := p.events[event.ID]
	if !ok || stored.AccountID != event.AccountID {
		return false, persistence.NewEntityError("RecordFanOut", "outbox_event", event.ID, persistence.ErrOutboxEventNotFound)
	}

	if stored.Processed {
		return false, nil
	}

	for _, delivery := range deliveries {
		ensureID(&delivery.ID)

		saved := *delivery
		p.deliveries[delivery.ID] = &saved
		p.nextSeq(delivery.ID)
	}

	processedAt := now
	stored.Processed = true
	stored.ProcessedAt = &processedAt

	return true, nil
}

// SaveSubscription registers a webhook subscription.
func (p *Persistence) SaveSubscription(_ context.Context, subscription *models.WebhookSubscription) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ensureID(&subscription.ID)

	if subscription.CreatedAt.IsZero() {
		subscription.CreatedAt = time.Now().UTC()
	}

	stored := *subscription
	p.subscriptions[subscription.ID] = &stored
	p.nextSeq(subscription.ID)

	return nil
}

// DeleteSubscription removes a subscription, leaving its deliveries in place.
func (p *Persistence) DeleteSubscription(accountID, id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if subscription, ok := p.subscriptions[id]; ok && subscription.AccountID == accountID {
		delete(p.subscriptions, id)
	}
}

// MatchingSubscriptions returns the account's enabled subscriptions for eventType.
func (p *Persistence) MatchingSubscriptions(_ context.Context, accountID, eventType string) ([]*models.WebhookSubscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var result []*models.WebhookSubscription

	for _, subscription := range p.subscriptions {
		if subscription.AccountID == accountID && subscription.Matches(eventType) {
			found := *subscription
			result = append(result, &found)
		}
	}

	sortByInsertion(p.order, result, func(s *models.WebhookSubscription) string { return s.ID })

	return result, nil
}

// Subscription returns one subscription of the account.
func (p *Persistence) Subscription(_ context.Context, accountID, id string) (*models.WebhookSubscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	subscription, ok := p.subscriptions[id]
	if !ok || subscription.AccountID != accountID {
		return nil, persistence.ErrSubscriptionNotFound
	}

	found := *subscription

	return &found, nil
}

// DueDeliveries returns deliveries to attempt at now, oldest first.
func (p *Persistence) DueDeliveries(_ context.Context, now time.Time, limit int) ([]*models.WebhookDelivery, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var result []*models.WebhookDelivery

	for _, delivery := range p.deliveries {
		if delivery.IsDue(now) {
			found := *delivery
			result = append(result, &found)
		}
	}

	sortByInsertion(p.order, result, func(d *models.WebhookDelivery) string { return d.ID })

	return limitRows(result, limit), nil
}

// Delivery returns one delivery of the account.
func (p *Persistence) Delivery(_ context.Context, accountID, id string) (*models.WebhookDelivery, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delivery, ok := p.deliveries[id]
	if !ok || delivery.AccountID != accountID {
		return nil, persistence.ErrDeliveryNotFound
	}

	found := *delivery

	return &found, nil
}

// Deliveries lists the account's deliveries, optionally filtered by status.
func (p *Persistence) Deliveries(_ context.Context, accountID string, status models.DeliveryStatus, limit int) ([]*models.WebhookDelivery, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var result []*models.WebhookDelivery

	for _, delivery := range p.deliveries {
		if delivery.AccountID != accountID || (status != "" && delivery.Status != status) {
			continue
		}

		found := *delivery
		result = append(result, &found)
	}

	sortByInsertion(p.order, result, func(d *models.WebhookDelivery) string { return d.ID })

	return limitRows(result, limit), nil
}

// UpdateDelivery writes the delivery only if attempts and status are unchanged
// since it was read.
func (p *Persistence) UpdateDelivery(_ context.Context, delivery *models.WebhookDelivery, expectedAttempts int, expectedStatus models.DeliveryStatus) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	stored, ok := p.deliveries[delivery.ID]
	if !ok || stored.AccountID != delivery.AccountID {
		return false, persistence.NewEntityError("UpdateDelivery", "webhook_delivery", delivery.ID, persistence.ErrDeliveryNotFound)
	}

	if stored.Attempts != expectedAttempts || stored.Status != expectedStatus {
		return false, nil
	}

	saved := *delivery
	p.deliveries[delivery.ID] = &saved

	return true, nil
}
