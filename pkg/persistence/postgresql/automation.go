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

type workflowActionRow struct {
	models.WorkflowAction
	ActionConfig jsonb[map[string]any]     `db:"action_config"`
	Conditions   jsonb[[]models.Condition] `db:"conditions"`
}

type automationRuleRow struct {
	models.AutomationRule
	ActionConfig jsonb[map[string]any]     `db:"action_config"`
	Conditions   jsonb[[]models.Condition] `db:"conditions"`
}

// WorkflowActions returns enabled actions for the tuple ordered by position. A
// nil triggerRefID only matches actions without a reference.
func (p *Persistence) WorkflowActions(ctx context.Context, accountID, workflowDefID string, triggerType models.TriggerType, triggerRefID *string) ([]*models.WorkflowAction, error) {
	query := `
		SELECT
			id
		  , account_id
		  , workflow_def_id
		  , name
		  , trigger_type
		  , trigger_ref_id
		  , action_type
		  , action_config
		  , conditions
		  , position
		  , enabled
		  , created_at
		FROM workflow_actions
		WHERE account_id = $1
		  AND workflow_def_id = $2
		  AND trigger_type = $3
		  AND enabled
		  AND (trigger_ref_id IS NULL OR trigger_ref_id = $4)
		ORDER BY position, created_at, id
	`

	var rows []workflowActionRow

	err := p.db.SelectContext(ctx, &rows, query, accountID, workflowDefID, triggerType, triggerRefID)
	if err != nil {
		return nil, fmt.Errorf("failed to query workflow actions: %w", err)
	}

	result := make([]*models.WorkflowAction, 0, len(rows))
	for _, row := range rows {
		action := row.WorkflowAction
		action.ActionConfig = row.ActionConfig.V
		action.Conditions = row.Conditions.V
		result = append(result, &action)
	}

	return result, nil
}

// AutomationRules returns the account's enabled rules for triggerEvent ordered by position.
func (p *Persistence) AutomationRules(ctx context.Context, accountID, triggerEvent string) ([]*models.AutomationRule, error) {
	query := `
		SELECT
			id
		  , account_id
		  , name
		  , trigger_event
		  , action_type
		  , action_config
		  , conditions
		  , position
		  , enabled
		  , created_at
		FROM automation_rules
		WHERE account_id = $1 AND trigger_event = $2 AND enabled
		ORDER BY position, created_at, id
	`

	var rows []automationRuleRow

	err := p.db.SelectContext(ctx, &rows, query, accountID, triggerEvent)
	if err != nil {
		return nil, fmt.Errorf("failed to query automation rules: %w", err)
	}

	result := make([]*models.AutomationRule, 0, len(rows))
	for _, row := range rows {
		rule := row.AutomationRule
		rule.ActionConfig = row.ActionConfig.V
		rule.Conditions = row.Conditions.V
		result = append(result, &rule)
	}

	return result, nil
}

// ExtensionBySlug returns the account's enabled extension for slug.
func (p *Persistence) ExtensionBySlug(ctx context.Context, accountID, slug string) (*models.Extension, error) {
	query := `
		SELECT id, account_id, slug, handler_url, enabled
		FROM extensions
		WHERE account_id = $1 AND slug = $2 AND enabled
	`

	var extension models.Extension

	err := p.db.GetContext(ctx, &extension, query, accountID, slug)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.ErrExtensionNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to query extension: %w", err)
	}

	return &extension, nil
}

// RecordActivity appends an activity record.
func (p *Persistence) RecordActivity(ctx context.Context, activity *models.Activity) error {
	if activity.ID == "" {
		activity.ID = uuid.NewString()
	}

	if activity.CreatedAt.IsZero() {
		activity.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO activities (id, account_id, kind, entity_type, entity_id, summary, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := p.db.ExecContext(ctx, query,
		activity.ID,
		activity.AccountID,
		activity.Kind,
		activity.EntityType,
		activity.EntityID,
		activity.Summary,
		asJSON(activity.Details),
		activity.CreatedAt,
	)
	if err != nil {
		return persistence.NewEntityError("RecordActivity", "activity", activity.ID, err)
	}

	return nil
}
