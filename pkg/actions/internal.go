package actions

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/dukex/relay/pkg/expression"
	"github.com/dukex/relay/pkg/models"
)

func (e *Executor) emitEvent(ctx context.Context, cfg *models.EmitEventConfig, accountID string, payload map[string]any) (map[string]any, error) {
	eventPayload := payload
	if cfg.Payload != nil {
		eventPayload, _ = expression.InterpolateValue(cfg.Payload, payload).(map[string]any)
	}

	event := &models.OutboxEvent{
		ID:         uuid.NewString(),
		AccountID:  accountID,
		EventType:  expression.Interpolate(cfg.EventType, payload),
		EntityType: expression.Interpolate(cfg.EntityType, payload),
		EntityID:   expression.Interpolate(cfg.EntityID, payload),
		Payload:    eventPayload,
		CreatedAt:  e.now().UTC(),
	}

	if err := e.store.AppendOutboxEvent(ctx, event); err != nil {
		return nil, fmt.Errorf("appending outbox event: %w", err)
	}

	return map[string]any{"event_id": event.ID, "event_type": event.EventType}, nil
}

func (e *Executor) sendNotification(ctx context.Context, action models.Action, cfg *models.SendNotificationConfig, accountID string, payload map[string]any) (map[string]any, error) {
	message := expression.Interpolate(cfg.Message, payload)
	title := expression.Interpolate(cfg.Title, payload)

	summary := title
	if summary == "" {
		summary = message
	}

	entityType, _ := expression.Lookup(payload, "entity_type")

	activity := &models.Activity{
		ID:         uuid.NewString(),
		AccountID:  accountID,
		Kind:       models.ActivityNotification,
		EntityType: expression.Stringify(entityType),
		EntityID:   resolveEntityID("", payload),
		Summary:    summary,
		Details: map[string]any{
			"action_id":    action.ID,
			"title":        title,
			"message":      message,
			"recipient_id": expression.Interpolate(cfg.RecipientID, payload),
			"channel":      cfg.Channel,
		},
		CreatedAt: e.now().UTC(),
	}

	if err := e.store.RecordActivity(ctx, activity); err != nil {
		return nil, fmt.Errorf("recording notification: %w", err)
	}

	return map[string]any{"activity_id": activity.ID}, nil
}

// scheduleTimer persists a pending instance carrying the nested action. The
// scheduler executes it once fire_at passes; nothing waits in process.
func (e *Executor) scheduleTimer(ctx context.Context, cfg *models.ScheduleTimerConfig, accountID string, payload map[string]any) (map[string]any, error) {
	if _, err := models.DecodeActionConfig(cfg.Action.ActionType, cfg.Action.ActionConfig); err != nil {
		return nil, fmt.Errorf("%w: nested action: %v", ErrValidation, err)
	}

	now := e.now().UTC()
	actionType := cfg.Action.ActionType

	instance := &models.ScheduledTriggerInstance{
		ID:           uuid.NewString(),
		AccountID:    accountID,
		FireAt:       now.Add(cfg.Delay()),
		Status:       models.InstancePending,
		Context:      payload,
		ActionType:   &actionType,
		ActionConfig: cfg.Action.ActionConfig,
		CreatedAt:    now,
	}

	if err := e.store.CreateTriggerInstance(ctx, instance); err != nil {
		return nil, fmt.Errorf("creating timer instance: %w", err)
	}

	return map[string]any{"instance_id": instance.ID, "fire_at": instance.FireAt}, nil
}
