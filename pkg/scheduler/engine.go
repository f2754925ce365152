// Package scheduler fires due scheduled triggers: one-time, recurring (cron)
// and the pending instances created by countdown triggers and timers.
//
// A tick is a single bounded pass. Callers drive it from an external timer or an
// in-process cron and provide single-flight around it.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dukex/relay/pkg/actions"
	"github.com/dukex/relay/pkg/metrics"
	"github.com/dukex/relay/pkg/models"
	"github.com/dukex/relay/pkg/otelhelper"
	"github.com/dukex/relay/pkg/persistence"
)

// DefaultBatchSize bounds each phase of a tick.
const DefaultBatchSize = 100

// ErrNoAction is recorded on instances that carry no action and have no parent trigger.
var ErrNoAction = errors.New("instance has no action")

// Executor runs one action.
type Executor interface {
	Execute(ctx context.Context, action models.Action, accountID string, payload map[string]any) actions.Result
}

// TickResult summarizes one tick.
type TickResult struct {
	Executed int      `json:"executed"`
	Errors   []string `json:"errors"`
}

func (r *TickResult) fail(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

type Engine struct {
	store     persistence.TriggerRepository
	executor  Executor
	batchSize int
	metrics   metrics.Metrics
	tracer    trace.Tracer
	logger    *slog.Logger
}

// Option customizes an Engine.
type Option func(*Engine)

func WithBatchSize(size int) Option {
	return func(e *Engine) {
		if size > 0 {
			e.batchSize = size
		}
	}
}

func WithMetrics(m metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(e *Engine) { e.tracer = tracer }
}

func NewEngine(store persistence.TriggerRepository, executor Executor, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:     store,
		executor:  executor,
		batchSize: DefaultBatchSize,
		metrics:   metrics.Noop{},
		tracer:    otelhelper.Tracer("relay/scheduler"),
		logger:    logger.With("module", "scheduler"),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Tick fires every one-time trigger, recurring trigger and pending instance due at now.
func (e *Engine) Tick(ctx context.Context, now time.Time) TickResult {
	now = now.UTC()
	started := time.Now()

	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "scheduler.tick", attribute.String(otelhelper.TickKey, "scheduler"))
	defer span.End()

	result := TickResult{Errors: []string{}}

	e.fireOneTime(ctx, now, &result)
	e.fireRecurring(ctx, now, &result)
	e.fireInstances(ctx, now, &result)

	e.metrics.ObserveTick("scheduler", time.Since(started).Seconds())

	if result.Executed > 0 || len(result.Errors) > 0 {
		e.logger.InfoContext(ctx, "scheduler tick finished", "executed", result.Executed, "errors", len(result.Errors))
	}

	return result
}

// fireOneTime claims each due trigger with a conditional write before running
// it, so a trigger fires at most once and is disabled whatever the outcome.
func (e *Engine) fireOneTime(ctx context.Context, now time.Time, result *TickResult) {
	due, err := e.store.DueOneTimeTriggers(ctx, now, e.batchSize)
	if err != nil {
		e.logger.ErrorContext(ctx, "failed to load due one-time triggers", "error", err)
		result.fail("loading one-time triggers: %v", err)

		return
	}

	for _, trigger := range due {
		trigger.RecordFire(now)

		claimed, err := e.store.MarkOneTimeFired(ctx, trigger)
		if err != nil {
			e.logger.ErrorContext(ctx, "failed to mark one-time trigger fired", "trigger_id", trigger.ID, "error", err)
			result.fail("trigger %s: %v", trigger.ID, err)

			continue
		}

		if !claimed {
			continue
		}

		e.run(ctx, trigger, now, result)
	}
}

// fireRecurring advances next_fire_at from now rather than from the missed slot,
// so a trigger that fell behind fires once and skips ahead.
func (e *Engine) fireRecurring(ctx context.Context, now time.Time, result *TickResult) {
	due, err := e.store.DueRecurringTriggers(ctx, now, e.batchSize)
	if err != nil {
		e.logger.ErrorContext(ctx, "failed to load due recurring triggers", "error", err)
		result.fail("loading recurring triggers: %v", err)

		return
	}

	for _, trigger := range due {
		previous := *trigger.NextFireAt

		trigger.RecordFire(now)

		if err := trigger.Advance(now); err != nil {
			e.logger.ErrorContext(ctx, "invalid cron expression, recurring trigger stopped",
				"trigger_id", trigger.ID,
				"account_id", trigger.AccountID,
				"cron_expression", trigger.CronExpression,
				"error", err)
			result.fail("trigger %s: %v", trigger.ID, err)
		}

		claimed, err := e.store.AdvanceRecurring(ctx, trigger, previous)
		if err != nil {
			e.logger.ErrorContext(ctx, "failed to advance recurring trigger", "trigger_id", trigger.ID, "error", err)
			result.fail("trigger %s: %v", trigger.ID, err)

			continue
		}

		if !claimed {
			continue
		}

		e.run(ctx, trigger, now, result)
	}
}

func (e *Engine) run(ctx context.Context, trigger *models.ScheduledTrigger, now time.Time, result *TickResult) {
	payload := maps.Clone(trigger.Context)
	if payload == nil {
		payload = make(map[string]any)
	}

	payload["trigger_id"] = trigger.ID
	payload["trigger_type"] = string(trigger.TriggerType)
	payload["fired_at"] = now.Format(time.RFC3339)
	payload["fire_count"] = trigger.FireCount

	outcome := e.executor.Execute(ctx, trigger.Action(), trigger.AccountID, payload)
	result.Executed++

	e.metrics.IncTriggerFired(string(trigger.TriggerType), outcomeLabel(outcome))

	if !outcome.Success {
		result.fail("trigger %s: %s", trigger.ID, outcome.Detail)
	}
}

// fireInstances runs pending instances and then completes them with the action
// result. The completion is conditional on the instance still being pending.
func (e *Engine) fireInstances(ctx context.Context, now time.Time, result *TickResult) {
	due, err := e.store.DueTriggerInstances(ctx, now, e.batchSize)
	if err != nil {
		e.logger.ErrorContext(ctx, "failed to load due trigger instances", "error", err)
		result.fail("loading trigger instances: %v", err)

		return
	}

	for _, instance := range due {
		e.fireInstance(ctx, instance, now, result)
	}
}

func (e *Engine) fireInstance(ctx context.Context, instance *models.ScheduledTriggerInstance, now time.Time, result *TickResult) {
	logger := e.logger.With("instance_id", instance.ID, "account_id", instance.AccountID)

	action, err := e.instanceAction(ctx, instance)
	if err != nil {
		logger.WarnContext(ctx, "trigger instance cannot run", "error", err)
		result.fail("instance %s: %v", instance.ID, err)

		instance.Complete(now, models.InstanceFailed, map[string]any{"success": false, "error": err.Error()})
		e.complete(ctx, logger, instance)

		return
	}

	payload := maps.Clone(instance.Context)
	if payload == nil {
		payload = make(map[string]any)
	}

	payload["instance_id"] = instance.ID
	payload["fired_at"] = now.Format(time.RFC3339)

	if instance.TriggerID != nil {
		payload["trigger_id"] = *instance.TriggerID
	}

	outcome := e.executor.Execute(ctx, action, instance.AccountID, payload)
	result.Executed++

	e.metrics.IncTriggerFired("instance", outcomeLabel(outcome))

	status := models.InstanceFired
	if !outcome.Success {
		status = models.InstanceFailed
		result.fail("instance %s: %s", instance.ID, outcome.Detail)
	}

	instance.Complete(now, status, map[string]any{
		"success": outcome.Success,
		"skipped": outcome.Skipped,
		"detail":  outcome.Detail,
		"output":  outcome.Output,
	})
	e.complete(ctx, logger, instance)
}

// instanceAction returns the instance's own action or inherits its parent trigger's.
func (e *Engine) instanceAction(ctx context.Context, instance *models.ScheduledTriggerInstance) (models.Action, error) {
	if action, ok := instance.OwnAction(); ok {
		return action, nil
	}

	if instance.TriggerID == nil {
		return models.Action{}, ErrNoAction
	}

	parent, err := e.store.ScheduledTrigger(ctx, instance.AccountID, *instance.TriggerID)
	if err != nil {
		return models.Action{}, fmt.Errorf("loading parent trigger %s: %w", *instance.TriggerID, err)
	}

	return parent.Action(), nil
}

func (e *Engine) complete(ctx context.Context, logger *slog.Logger, instance *models.ScheduledTriggerInstance) {
	completed, err := e.store.CompleteTriggerInstance(ctx, instance)
	if err != nil {
		logger.ErrorContext(ctx, "failed to complete trigger instance", "error", err)

		return
	}

	if !completed {
		logger.WarnContext(ctx, "trigger instance was completed concurrently")
	}
}

// ArmCountdowns creates one pending instance per enabled countdown trigger of the
// account waiting on eventType, due DelaySeconds after now.
func (e *Engine) ArmCountdowns(ctx context.Context, accountID, eventType string, payload map[string]any, now time.Time) (int, error) {
	triggers, err := e.store.CountdownTriggers(ctx, accountID, eventType)
	if err != nil {
		return 0, fmt.Errorf("loading countdown triggers: %w", err)
	}

	now = now.UTC()

	var (
		armed int
		errs  []error
	)

	for _, trigger := range triggers {
		instanceContext := maps.Clone(trigger.Context)
		if instanceContext == nil {
			instanceContext = make(map[string]any)
		}

		maps.Copy(instanceContext, payload)
		instanceContext["event_type"] = eventType

		triggerID := trigger.ID
		instance := &models.ScheduledTriggerInstance{
			ID:        uuid.NewString(),
			AccountID: accountID,
			TriggerID: &triggerID,
			FireAt:    now.Add(time.Duration(trigger.DelaySeconds) * time.Second),
			Status:    models.InstancePending,
			Context:   instanceContext,
			CreatedAt: now,
		}

		if err := e.store.CreateTriggerInstance(ctx, instance); err != nil {
			errs = append(errs, fmt.Errorf("arming countdown %s: %w", trigger.ID, err))

			continue
		}

		armed++

		e.logger.DebugContext(ctx, "countdown armed", "trigger_id", trigger.ID, "fire_at", instance.FireAt)
	}

	return armed, errors.Join(errs...)
}

func outcomeLabel(result actions.Result) string {
	switch {
	case result.Skipped:
		return "skipped"
	case result.Success:
		return "success"
	default:
		return "failed"
	}
}
