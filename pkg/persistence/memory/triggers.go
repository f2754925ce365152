package memory

import (
	"context"
	"time"

	"github.com/dukex/relay/pkg/models"
	"github.com/dukex/relay/pkg/persistence"
)

// SaveScheduledTrigger stores a trigger. Recurring triggers without a next fire
// time get one computed from now.
func (p *Persistence) SaveScheduledTrigger(_ context.Context, trigger *models.ScheduledTrigger) error {
	if err := trigger.Validate(); err != nil {
		return err
	}

	if trigger.TriggerType == models.ScheduleRecurring && trigger.NextFireAt == nil {
		if err := trigger.Advance(time.Now().UTC()); err != nil {
			return err
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ensureID(&trigger.ID)

	if trigger.CreatedAt.IsZero() {
		trigger.CreatedAt = time.Now().UTC()
	}

	stored := *trigger
	p.triggers[trigger.ID] = &stored
	p.nextSeq(trigger.ID)

	return nil
}

func (p *Persistence) dueTriggers(triggerType models.ScheduledTriggerType, now time.Time, limit int) []*models.ScheduledTrigger {
	p.mu.Lock()
	defer p.mu.Unlock()

	var result []*models.ScheduledTrigger

	for _, trigger := range p.triggers {
		if trigger.TriggerType == triggerType && trigger.IsDue(now) {
			found := *trigger
			result = append(result, &found)
		}
	}

	sortByInsertion(p.order, result, func(t *models.ScheduledTrigger) string { return t.ID })

	return limitRows(result, limit)
}

// DueOneTimeTriggers returns armed one-time triggers whose fire_at has passed.
func (p *Persistence) DueOneTimeTriggers(_ context.Context, now time.Time, limit int) ([]*models.ScheduledTrigger, error) {
	return p.dueTriggers(models.ScheduleOneTime, now, limit), nil
}

// DueRecurringTriggers returns enabled recurring triggers whose next_fire_at has passed.
func (p *Persistence) DueRecurringTriggers(_ context.Context, now time.Time, limit int) ([]*models.ScheduledTrigger, error) {
	return p.dueTriggers(models.ScheduleRecurring, now, limit), nil
}

// CountdownTriggers returns the account's enabled countdown triggers armed by delayEvent.
func (p *Persistence) CountdownTriggers(_ context.Context, accountID, delayEvent string) ([]*models.ScheduledTrigger, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var result []*models.ScheduledTrigger

	for _, trigger := range p.triggers {
		if trigger.AccountID == accountID && trigger.TriggerType == models.ScheduleCountdown &&
			trigger.Enabled && trigger.DelayEvent == delayEvent {
			found := *trigger
			result = append(result, &found)
		}
	}

	sortByInsertion(p.order, result, func(t *models.ScheduledTrigger) string { return t.ID })

	return result, nil
}

// ScheduledTrigger returns one trigger of the account.
func (p *Persistence) ScheduledTrigger(_ context.Context, accountID, id string) (*models.ScheduledTrigger, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	trigger, ok := p.triggers[id]
	if !ok || trigger.AccountID != accountID {
		return nil, persistence.ErrTriggerNotFound
	}

	found := *trigger

	return &found, nil
}

// MarkOneTimeFired stores the fire only if the trigger had not fired yet.
func (p *Persistence) MarkOneTimeFired(_ context.Context, trigger *models.ScheduledTrigger) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	stored, ok := p.triggers[trigger.ID]
	if !ok || stored.AccountID != trigger.AccountID {
		return false, persistence.NewEntityError("MarkOneTimeFired", "scheduled_trigger", trigger.ID, persistence.ErrTriggerNotFound)
	}

	if stored.FireCount != 0 || !stored.Enabled {
		return false, nil
	}

	stored.FireCount = trigger.FireCount
	stored.LastFiredAt = trigger.LastFiredAt
	stored.Enabled = trigger.Enabled

	return true, nil
}

// AdvanceRecurring stores the fire and the new next_fire_at only if no other
// worker advanced the trigger since it was read.
func (p *Persistence) AdvanceRecurring(_ context.Context, trigger *models.ScheduledTrigger, previousNext time.Time) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	stored, ok := p.triggers[trigger.ID]
	if !ok || stored.AccountID != trigger.AccountID {
		return false, persistence.NewEntityError("AdvanceRecurring", "scheduled_trigger", trigger.ID, persistence.ErrTriggerNotFound)
	}

	if stored.NextFireAt == nil || !stored.NextFireAt.Equal(previousNext) {
		return false, nil
	}

	stored.FireCount = trigger.FireCount
	stored.LastFiredAt = trigger.LastFiredAt
	stored.NextFireAt = trigger.NextFireAt

	return true, nil
}

// CreateTriggerInstance stores a pending instance.
func (p *Persistence) CreateTriggerInstance(_ context.Context, instance *models.ScheduledTriggerInstance) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ensureID(&instance.ID)

	if instance.Status == "" {
		instance.Status = models.InstancePending
	}

	if instance.CreatedAt.IsZero() {
		instance.CreatedAt = time.Now().UTC()
	}

	stored := *instance
	p.instances[instance.ID] = &stored
	p.nextSeq(instance.ID)

	return nil
}

// DueTriggerInstances returns pending instances whose fire_at has passed, oldest first.
func (p *Persistence) DueTriggerInstances(_ context.Context, now time.Time, limit int) ([]*models.ScheduledTriggerInstance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var result []*models.ScheduledTriggerInstance

	for _, instance := range p.instances {
		if instance.Status == models.InstancePending && !instance.FireAt.After(now) {
			found := *instance
			result = append(result, &found)
		}
	}

	sortByInsertion(p.order, result, func(i *models.ScheduledTriggerInstance) string { return i.ID })

	return limitRows(result, limit), nil
}

// CompleteTriggerInstance stores the final status if the instance is still pending.
func (p *Persistence) CompleteTriggerInstance(_ context.Context, instance *models.ScheduledTriggerInstance) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	stored, ok := p.instances[instance.ID]
	if !ok || stored.AccountID != instance.AccountID {
		return false, persistence.NewEntityError("CompleteTriggerInstance", "scheduled_trigger_instance", instance.ID, persistence.ErrTriggerNotFound)
	}

	if stored.Status != models.InstancePending {
		return false, nil
	}

	stored.Status = instance.Status
	stored.Result = instance.Result
	stored.FiredAt = instance.FiredAt

	return true, nil
}

// TriggerInstances returns every instance of the account in creation order.
func (p *Persistence) TriggerInstances(accountID string) []*models.ScheduledTriggerInstance {
	p.mu.Lock()
	defer p.mu.Unlock()

	var result []*models.ScheduledTriggerInstance

	for _, instance := range p.instances {
		if instance.AccountID == accountID {
			found := *instance
			result = append(result, &found)
		}
	}

	sortByInsertion(p.order, result, func(i *models.ScheduledTriggerInstance) string { return i.ID })

	return result
}

func limitRows[T any](rows []T, limit int) []T {
	if limit > 0 && len(rows) > limit {
		return rows[:limit]
	}

	return rows
}
