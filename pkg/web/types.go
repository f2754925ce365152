package web

import (
	"github.com/dukex/relay/pkg/models"
	"github.com/dukex/relay/pkg/runner"
)

const (
	defaultDeliveriesLimit = 100
	maxDeliveriesLimit     = 500
)

// RunRequest fires the workflow actions attached to a trigger.
type RunRequest struct {
	TriggerType  models.TriggerType `json:"trigger_type"             validate:"required,oneof=on_enter_stage on_exit_stage on_transition custom"`
	TriggerRefID *string            `json:"trigger_ref_id,omitempty"`
	Payload      map[string]any     `json:"payload"`
}

// EventRequest appends a domain event to the outbox.
type EventRequest struct {
	EventType  string         `json:"event_type"  validate:"required"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Payload    map[string]any `json:"payload"`
}

type EventResponse struct {
	Event  *models.OutboxEvent `json:"event"`
	Report runner.Report       `json:"report"`
}

type DeliveriesResponse struct {
	Deliveries []*models.WebhookDelivery `json:"deliveries"`
	Status     models.DeliveryStatus     `json:"status,omitempty"`
	Limit      int                       `json:"limit"`
}

func validDeliveryStatus(status models.DeliveryStatus) bool {
	switch status {
	case "", models.DeliveryPending, models.DeliverySuccess, models.DeliveryFailed, models.DeliveryDeadLetter:
		return true
	default:
		return false
	}
}
