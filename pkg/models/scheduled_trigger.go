package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/dukex/relay/pkg/cron"
)

// ScheduledTriggerType selects how a scheduled trigger fires.
type ScheduledTriggerType string

const (
	ScheduleOneTime   ScheduledTriggerType = "one_time"
	ScheduleRecurring ScheduledTriggerType = "recurring"
	ScheduleCountdown ScheduledTriggerType = "countdown"
)

// InstanceStatus is the lifecycle state of a ScheduledTriggerInstance.
type InstanceStatus string

const (
	InstancePending   InstanceStatus = "pending"
	InstanceFired     InstanceStatus = "fired"
	InstanceFailed    InstanceStatus = "failed"
	InstanceCancelled InstanceStatus = "cancelled"
)

// ErrInvalidSchedule is returned when a scheduled trigger's timing fields are inconsistent.
var ErrInvalidSchedule = errors.New("invalid schedule configuration")

// ScheduledTrigger fires an action at a fixed time, on a cron schedule, or a fixed
// delay after a domain event.
type ScheduledTrigger struct {
	ID          string               `json:"id"           db:"id"`
	AccountID   string               `json:"account_id"   db:"account_id"`
	Name        string               `json:"name"         db:"name"`
	TriggerType ScheduledTriggerType `json:"trigger_type" db:"trigger_type"`

	// one_time
	FireAt *time.Time `json:"fire_at,omitempty" db:"fire_at"`

	// recurring
	CronExpression string     `json:"cron_expression,omitempty" db:"cron_expression"`
	NextFireAt     *time.Time `json:"next_fire_at,omitempty"    db:"next_fire_at"`

	// countdown
	DelaySeconds int    `json:"delay_seconds,omitempty" db:"delay_seconds"`
	DelayEvent   string `json:"delay_event,omitempty"   db:"delay_event"`

	ActionType   ActionType     `json:"action_type"   db:"action_type"`
	ActionConfig map[string]any `json:"action_config" db:"-"`
	Context      map[string]any `json:"context"       db:"-"`

	FireCount   int        `json:"fire_count"              db:"fire_count"`
	LastFiredAt *time.Time `json:"last_fired_at,omitempty" db:"last_fired_at"`
	Enabled     bool       `json:"enabled"                 db:"enabled"`
	CreatedAt   time.Time  `json:"created_at"              db:"created_at"`
}

// Validate checks that exactly the timing fields of the trigger type are set.
func (t *ScheduledTrigger) Validate() error {
	switch t.TriggerType {
	case ScheduleOneTime:
		if t.FireAt == nil || t.CronExpression != "" || t.DelaySeconds != 0 {
			return fmt.Errorf("%w: one_time trigger requires only fire_at", ErrInvalidSchedule)
		}
	case ScheduleRecurring:
		if t.CronExpression == "" || t.FireAt != nil || t.DelaySeconds != 0 {
			return fmt.Errorf("%w: recurring trigger requires only cron_expression", ErrInvalidSchedule)
		}

		if _, err := cron.Parse(t.CronExpression); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
		}
	case ScheduleCountdown:
		if t.DelaySeconds <= 0 || t.DelayEvent == "" || t.FireAt != nil || t.CronExpression != "" {
			return fmt.Errorf("%w: countdown trigger requires delay_seconds and delay_event", ErrInvalidSchedule)
		}
	default:
		return fmt.Errorf("%w: unknown trigger type %q", ErrInvalidSchedule, t.TriggerType)
	}

	if t.ActionType == "" {
		return fmt.Errorf("%w: action_type is required", ErrInvalidSchedule)
	}

	return nil
}

// IsDue reports whether the trigger should fire at now.
func (t *ScheduledTrigger) IsDue(now time.Time) bool {
	if !t.Enabled {
		return false
	}

	switch t.TriggerType {
	case ScheduleOneTime:
		return t.FireCount == 0 && t.FireAt != nil && !t.FireAt.After(now)
	case ScheduleRecurring:
		return t.NextFireAt != nil && !t.NextFireAt.After(now)
	default:
		return false
	}
}

// RecordFire stamps a firing at now. One-time triggers disable themselves.
func (t *ScheduledTrigger) RecordFire(now time.Time) {
	fired := now

	t.FireCount++
	t.LastFiredAt = &fired

	if t.TriggerType == ScheduleOneTime {
		t.Enabled = false
	}
}

// Advance recomputes NextFireAt from now, not from the missed fire time, so a
// recurring trigger that fell behind skips to its next slot instead of bursting.
// On a cron failure NextFireAt is cleared and the error returned.
func (t *ScheduledTrigger) Advance(now time.Time) error {
	next, err := cron.Next(t.CronExpression, now)
	if err != nil {
		t.NextFireAt = nil

		return err
	}

	t.NextFireAt = &next

	return nil
}

// Action returns the executable view of the trigger's action.
func (t *ScheduledTrigger) Action() Action {
	return Action{
		ID:     t.ID,
		Name:   t.Name,
		Type:   t.ActionType,
		Config: t.ActionConfig,
	}
}

// ScheduledTriggerInstance is one concrete firing. It is created by a countdown
// trigger or ad hoc by a schedule_timer action.
type ScheduledTriggerInstance struct {
	ID           string         `json:"id"                      db:"id"`
	AccountID    string         `json:"account_id"              db:"account_id"`
	TriggerID    *string        `json:"trigger_id,omitempty"    db:"trigger_id"`
	FireAt       time.Time      `json:"fire_at"                 db:"fire_at"`
	Status       InstanceStatus `json:"status"                  db:"status"`
	Context      map[string]any `json:"context"                 db:"-"`
	ActionType   *ActionType    `json:"action_type,omitempty"   db:"action_type"`
	ActionConfig map[string]any `json:"action_config,omitempty" db:"-"`
	Result       map[string]any `json:"result,omitempty"        db:"-"`
	FiredAt      *time.Time     `json:"fired_at,omitempty"      db:"fired_at"`
	CreatedAt    time.Time      `json:"created_at"              db:"created_at"`
}

// OwnAction returns the self-contained action of the instance, if it carries one.
func (i *ScheduledTriggerInstance) OwnAction() (Action, bool) {
	if i.ActionType == nil || *i.ActionType == "" {
		return Action{}, false
	}

	return Action{
		ID:     i.ID,
		Type:   *i.ActionType,
		Config: i.ActionConfig,
	}, true
}

// Complete moves a pending instance to its final status.
func (i *ScheduledTriggerInstance) Complete(now time.Time, status InstanceStatus, result map[string]any) {
	fired := now

	i.Status = status
	i.Result = result
	i.FiredAt = &fired
}
