// Package runner fires the workflow actions and automation rules that match a
// lifecycle point or a domain event, in position order, one at a time.
package runner

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/dukex/relay/pkg/actions"
	"github.com/dukex/relay/pkg/expression"
	"github.com/dukex/relay/pkg/models"
)

// Store reads automation definitions and records what ran.
type Store interface {
	WorkflowActions(ctx context.Context, accountID, workflowDefID string, triggerType models.TriggerType, triggerRefID *string) ([]*models.WorkflowAction, error)
	AutomationRules(ctx context.Context, accountID, triggerEvent string) ([]*models.AutomationRule, error)
	RecordActivity(ctx context.Context, activity *models.Activity) error
}

// Executor runs one action.
type Executor interface {
	Execute(ctx context.Context, action models.Action, accountID string, payload map[string]any) actions.Result
}

// CountdownArmer starts countdown triggers waiting on an event.
type CountdownArmer interface {
	ArmCountdowns(ctx context.Context, accountID, eventType string, payload map[string]any, now time.Time) (int, error)
}

// Report summarizes one run.
type Report struct {
	Matched         int              `json:"matched"`
	Executed        int              `json:"executed"`
	Failed          int              `json:"failed"`
	ConditionsUnmet int              `json:"conditions_unmet"`
	CountdownsArmed int              `json:"countdowns_armed,omitempty"`
	Results         []actions.Result `json:"results"`
	LoadError       string           `json:"load_error,omitempty"`
}

// Runner evaluates conditions and executes matching actions. It never returns
// per-action failures to its caller.
type Runner struct {
	store    Store
	executor Executor
	armer    CountdownArmer
	logger   *slog.Logger
	now      func() time.Time
}

// Option customizes a Runner.
type Option func(*Runner)

// WithCountdownArmer lets HandleEvent start countdown triggers.
func WithCountdownArmer(armer CountdownArmer) Option {
	return func(r *Runner) { r.armer = armer }
}

func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

func New(store Store, executor Executor, logger *slog.Logger, opts ...Option) *Runner {
	r := &Runner{
		store:    store,
		executor: executor,
		logger:   logger.With("module", "runner"),
		now:      time.Now,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

type candidate struct {
	action     models.Action
	conditions []models.Condition
	position   int
	source     string
}

// Run executes the enabled workflow actions attached to the trigger tuple.
// Actions without a trigger reference match every reference.
func (r *Runner) Run(ctx context.Context, accountID, workflowDefID string, triggerType models.TriggerType, triggerRefID *string, payload map[string]any) Report {
	logger := r.logger.With("account_id", accountID, "workflow_def_id", workflowDefID, "trigger_type", triggerType)

	found, err := r.store.WorkflowActions(ctx, accountID, workflowDefID, triggerType, triggerRefID)
	if err != nil {
		logger.ErrorContext(ctx, "failed to load workflow actions", "error", err)

		return Report{LoadError: err.Error()}
	}

	candidates := make([]candidate, 0, len(found))
	for _, action := range found {
		candidates = append(candidates, candidate{
			action:     action.Action(),
			conditions: action.Conditions,
			position:   action.Position,
			source:     "workflow_action",
		})
	}

	return r.execute(ctx, logger, accountID, candidates, payload)
}

// RunRules executes the account's enabled automation rules for a domain event.
func (r *Runner) RunRules(ctx context.Context, accountID, triggerEvent string, payload map[string]any) Report {
	logger := r.logger.With("account_id", accountID, "trigger_event", triggerEvent)

	found, err := r.store.AutomationRules(ctx, accountID, triggerEvent)
	if err != nil {
		logger.ErrorContext(ctx, "failed to load automation rules", "error", err)

		return Report{LoadError: err.Error()}
	}

	candidates := make([]candidate, 0, len(found))
	for _, rule := range found {
		candidates = append(candidates, candidate{
			action:     rule.Action(),
			conditions: rule.Conditions,
			position:   rule.Position,
			source:     "automation_rule",
		})
	}

	return r.execute(ctx, logger, accountID, candidates, payload)
}

// HandleEvent runs the rules for the event and arms countdown triggers waiting on it.
func (r *Runner) HandleEvent(ctx context.Context, accountID, eventType string, payload map[string]any) Report {
	report := r.RunRules(ctx, accountID, eventType, payload)

	if r.armer == nil {
		return report
	}

	armed, err := r.armer.ArmCountdowns(ctx, accountID, eventType, payload, r.now().UTC())
	if err != nil {
		r.logger.ErrorContext(ctx, "failed to arm countdown triggers",
			"account_id", accountID,
			"event_type", eventType,
			"error", err)
	}

	report.CountdownsArmed = armed

	return report
}

func (r *Runner) execute(ctx context.Context, logger *slog.Logger, accountID string, candidates []candidate, payload map[string]any) Report {
	slices.SortStableFunc(candidates, func(a, b candidate) int {
		return a.position - b.position
	})

	report := Report{Matched: len(candidates), Results: []actions.Result{}}

	for _, c := range candidates {
		if ctx.Err() != nil {
			logger.WarnContext(ctx, "run cancelled", "remaining", len(candidates)-report.Executed-report.ConditionsUnmet)

			break
		}

		if !expression.EvaluateConditions(c.conditions, payload) {
			report.ConditionsUnmet++

			logger.DebugContext(ctx, "conditions not met", "action_id", c.action.ID)

			continue
		}

		result := r.executor.Execute(ctx, c.action, accountID, payload)

		report.Executed++
		report.Results = append(report.Results, result)

		if !result.Success {
			report.Failed++
		}

		r.recordActivity(ctx, logger, accountID, c, result, payload)
	}

	return report
}

// recordActivity is fire-and-forget: a failed write is logged and never affects the run.
func (r *Runner) recordActivity(ctx context.Context, logger *slog.Logger, accountID string, c candidate, result actions.Result, payload map[string]any) {
	entityType, _ := expression.Lookup(payload, "entity_type")
	entityID, _ := expression.Lookup(payload, "entity_id")

	summary := "automation executed: " + c.action.Name
	if c.action.Name == "" {
		summary = "automation executed: " + string(c.action.Type)
	}

	details := map[string]any{
		"source":      c.source,
		"action_id":   c.action.ID,
		"action_type": string(c.action.Type),
		"success":     result.Success,
		"skipped":     result.Skipped,
	}

	if result.Detail != "" {
		details["detail"] = result.Detail
	}

	if len(result.Output) > 0 {
		details["output"] = maps.Clone(result.Output)
	}

	err := r.store.RecordActivity(ctx, &models.Activity{
		AccountID:  accountID,
		Kind:       models.ActivityAutomation,
		EntityType: expression.Stringify(entityType),
		EntityID:   expression.Stringify(entityID),
		Summary:    summary,
		Details:    details,
		CreatedAt:  r.now().UTC(),
	})
	if err != nil {
		logger.WarnContext(ctx, "failed to record automation activity", "action_id", c.action.ID, "error", err)
	}
}
