package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dukex/relay/pkg/models"
	"github.com/dukex/relay/pkg/persistence"
)

const triggerColumns = `
	id
  , account_id
  , name
  , trigger_type
  , fire_at
  , cron_expression
  , next_fire_at
  , delay_seconds
  , delay_event
  , action_type
  , action_config
  , context
  , fire_count
  , last_fired_at
  , enabled
  , created_at
`

const instanceColumns = `
	id
  , account_id
  , trigger_id
  , fire_at
  , status
  , context
  , action_type
  , action_config
  , result
  , fired_at
  , created_at
`

type triggerRow struct {
	models.ScheduledTrigger
	ActionConfig jsonb[map[string]any] `db:"action_config"`
	Context      jsonb[map[string]any] `db:"context"`
}

func (r *triggerRow) model() *models.ScheduledTrigger {
	trigger := r.ScheduledTrigger
	trigger.ActionConfig = r.ActionConfig.V
	trigger.Context = r.Context.V

	return &trigger
}

type instanceRow struct {
	models.ScheduledTriggerInstance
	Context      jsonb[map[string]any] `db:"context"`
	ActionConfig jsonb[map[string]any] `db:"action_config"`
	Result       jsonb[map[string]any] `db:"result"`
}

func (r *instanceRow) model() *models.ScheduledTriggerInstance {
	instance := r.ScheduledTriggerInstance
	instance.Context = r.Context.V
	instance.ActionConfig = r.ActionConfig.V
	instance.Result = r.Result.V

	return &instance
}

func (p *Persistence) selectTriggers(ctx context.Context, where string, args ...any) ([]*models.ScheduledTrigger, error) {
	var rows []triggerRow

	err := p.db.SelectContext(ctx, &rows, "SELECT "+triggerColumns+" FROM scheduled_triggers "+where, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query scheduled triggers: %w", err)
	}

	result := make([]*models.ScheduledTrigger, 0, len(rows))
	for i := range rows {
		result = append(result, rows[i].model())
	}

	return result, nil
}

// SaveScheduledTrigger inserts or replaces a trigger. Recurring triggers without
// a next fire time get one computed from now.
func (p *Persistence) SaveScheduledTrigger(ctx context.Context, trigger *models.ScheduledTrigger) error {
	if err := trigger.Validate(); err != nil {
		return err
	}

	now := time.Now().UTC()

	if trigger.TriggerType == models.ScheduleRecurring && trigger.NextFireAt == nil {
		if err := trigger.Advance(now); err != nil {
			return err
		}
	}

	if trigger.ID == "" {
		trigger.ID = uuid.NewString()
	}

	if trigger.CreatedAt.IsZero() {
		trigger.CreatedAt = now
	}

	query := `
		INSERT INTO scheduled_triggers (` + triggerColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name
		  , fire_at = EXCLUDED.fire_at
		  , cron_expression = EXCLUDED.cron_expression
		  , next_fire_at = EXCLUDED.next_fire_at
		  , delay_seconds = EXCLUDED.delay_seconds
		  , delay_event = EXCLUDED.delay_event
		  , action_type = EXCLUDED.action_type
		  , action_config = EXCLUDED.action_config
		  , context = EXCLUDED.context
		  , enabled = EXCLUDED.enabled
		WHERE scheduled_triggers.account_id = EXCLUDED.account_id
	`

	_, err := p.db.ExecContext(ctx, query,
		trigger.ID,
		trigger.AccountID,
		trigger.Name,
		trigger.TriggerType,
		trigger.FireAt,
		trigger.CronExpression,
		trigger.NextFireAt,
		trigger.DelaySeconds,
		trigger.DelayEvent,
		trigger.ActionType,
		asJSON(trigger.ActionConfig),
		asJSON(trigger.Context),
		trigger.FireCount,
		trigger.LastFiredAt,
		trigger.Enabled,
		trigger.CreatedAt,
	)
	if err != nil {
		return persistence.NewEntityError("SaveScheduledTrigger", "scheduled_trigger", trigger.ID, err)
	}

	return nil
}

// DueOneTimeTriggers returns armed one-time triggers whose fire_at has passed.
func (p *Persistence) DueOneTimeTriggers(ctx context.Context, now time.Time, limit int) ([]*models.ScheduledTrigger, error) {
	return p.selectTriggers(ctx, `
		WHERE trigger_type = 'one_time' AND enabled AND fire_count = 0 AND fire_at <= $1
		ORDER BY fire_at, id
		LIMIT $2
	`, now, limit)
}

// DueRecurringTriggers returns enabled recurring triggers whose next_fire_at has passed.
func (p *Persistence) DueRecurringTriggers(ctx context.Context, now time.Time, limit int) ([]*models.ScheduledTrigger, error) {
	return p.selectTriggers(ctx, `
		WHERE trigger_type = 'recurring' AND enabled AND next_fire_at <= $1
		ORDER BY next_fire_at, id
		LIMIT $2
	`, now, limit)
}

// CountdownTriggers returns the account's enabled countdown triggers armed by delayEvent.
func (p *Persistence) CountdownTriggers(ctx context.Context, accountID, delayEvent string) ([]*models.ScheduledTrigger, error) {
	return p.selectTriggers(ctx, `
		WHERE account_id = $1 AND trigger_type = 'countdown' AND enabled AND delay_event = $2
		ORDER BY created_at, id
	`, accountID, delayEvent)
}

// ScheduledTrigger returns one trigger of the account.
func (p *Persistence) ScheduledTrigger(ctx context.Context, accountID, id string) (*models.ScheduledTrigger, error) {
	triggers, err := p.selectTriggers(ctx, "WHERE account_id = $1 AND id = $2", accountID, id)
	if err != nil {
		return nil, err
	}

	if len(triggers) == 0 {
		return nil, persistence.ErrTriggerNotFound
	}

	return triggers[0], nil
}

// MarkOneTimeFired persists the fire only if the trigger is still armed.
func (p *Persistence) MarkOneTimeFired(ctx context.Context, trigger *models.ScheduledTrigger) (bool, error) {
	query := `
		UPDATE scheduled_triggers
		SET fire_count = $1, last_fired_at = $2, enabled = false
		WHERE id = $3 AND account_id = $4 AND fire_count = 0 AND enabled
	`

	result, err := p.db.ExecContext(ctx, query, trigger.FireCount, trigger.LastFiredAt, trigger.ID, trigger.AccountID)
	if err != nil {
		return false, persistence.NewEntityError("MarkOneTimeFired", "scheduled_trigger", trigger.ID, err)
	}

	return affected(result)
}

// AdvanceRecurring persists the fire and the next slot only if next_fire_at still
// equals previousNext.
func (p *Persistence) AdvanceRecurring(ctx context.Context, trigger *models.ScheduledTrigger, previousNext time.Time) (bool, error) {
	query := `
		UPDATE scheduled_triggers
		SET fire_count = $1, last_fired_at = $2, next_fire_at = $3
		WHERE id = $4 AND account_id = $5 AND next_fire_at = $6
	`

	result, err := p.db.ExecContext(ctx, query,
		trigger.FireCount,
		trigger.LastFiredAt,
		trigger.NextFireAt,
		trigger.ID,
		trigger.AccountID,
		previousNext,
	)
	if err != nil {
		return false, persistence.NewEntityError("AdvanceRecurring", "scheduled_trigger", trigger.ID, err)
	}

	return affected(result)
}

// CreateTriggerInstance inserts a pending instance.
func (p *Persistence) CreateTriggerInstance(ctx context.Context, instance *models.ScheduledTriggerInstance) error {
	if instance.ID == "" {
		instance.ID = uuid.NewString()
	}

	if instance.Status == "" {
		instance.Status = models.InstancePending
	}

	if instance.CreatedAt.IsZero() {
		instance.CreatedAt = time.Now().UTC()
	}

	var actionConfig any
	if instance.ActionConfig != nil {
		actionConfig = asJSON(instance.ActionConfig)
	}

	query := `
		INSERT INTO scheduled_trigger_instances (` + instanceColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULL, NULL, $9)
	`

	_, err := p.db.ExecContext(ctx, query,
		instance.ID,
		instance.AccountID,
		instance.TriggerID,
		instance.FireAt,
		instance.Status,
		asJSON(instance.Context),
		instance.ActionType,
		actionConfig,
		instance.CreatedAt,
	)
	if err != nil {
		return persistence.NewEntityError("CreateTriggerInstance", "scheduled_trigger_instance", instance.ID, err)
	}

	return nil
}

// DueTriggerInstances returns pending instances whose fire_at has passed.
func (p *Persistence) DueTriggerInstances(ctx context.Context, now time.Time, limit int) ([]*models.ScheduledTriggerInstance, error) {
	query := "SELECT " + instanceColumns + ` FROM scheduled_trigger_instances
		WHERE status = 'pending' AND fire_at <= $1
		ORDER BY fire_at, id
		LIMIT $2
	`

	var rows []instanceRow

	err := p.db.SelectContext(ctx, &rows, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query trigger instances: %w", err)
	}

	result := make([]*models.ScheduledTriggerInstance, 0, len(rows))
	for i := range rows {
		result = append(result, rows[i].model())
	}

	return result, nil
}

// CompleteTriggerInstance persists the final status only if the instance was still pending.
func (p *Persistence) CompleteTriggerInstance(ctx context.Context, instance *models.ScheduledTriggerInstance) (bool, error) {
	query := `
		UPDATE scheduled_trigger_instances
		SET status = $1, result = $2, fired_at = $3
		WHERE id = $4 AND account_id = $5 AND status = 'pending'
	`

	result, err := p.db.ExecContext(ctx, query,
		instance.Status,
		asJSON(instance.Result),
		instance.FiredAt,
		instance.ID,
		instance.AccountID,
	)
	if err != nil {
		return false, persistence.NewEntityError("CompleteTriggerInstance", "scheduled_trigger_instance", instance.ID, err)
	}

	return affected(result)
}

func notFound(err error, target error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return target
	}

	return err
}
