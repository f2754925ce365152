package scheduler

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukex/relay/pkg/actions"
	"github.com/dukex/relay/pkg/models"
	"github.com/dukex/relay/pkg/persistence/memory"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type call struct {
	action    models.Action
	accountID string
	payload   map[string]any
}

type recordingExecutor struct {
	mu    sync.Mutex
	calls []call
	fail  bool
}

func (e *recordingExecutor) Execute(_ context.Context, action models.Action, accountID string, payload map[string]any) actions.Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.calls = append(e.calls, call{action: action, accountID: accountID, payload: payload})

	if e.fail {
		return actions.Result{Detail: "endpoint down"}
	}

	return actions.Result{Success: true, Output: map[string]any{"ok": true}}
}

func at(hour, minute int) time.Time {
	return time.Date(2026, 10, 17, hour, minute, 0, 0, time.UTC)
}

func ptr[T any](v T) *T { return &v }

func TestTick_OneTimeFiresOnce(t *testing.T) {
	ctx := context.Background()
	store := memory.NewPersistence()
	executor := &recordingExecutor{}
	engine := NewEngine(store, executor, testLogger())

	trigger := &models.ScheduledTrigger{
		ID:           "reminder",
		AccountID:    "acc",
		TriggerType:  models.ScheduleOneTime,
		FireAt:       ptr(at(10, 0)),
		ActionType:   models.ActionSendNotification,
		ActionConfig: map[string]any{"message": "call back"},
		Context:      map[string]any{"entity_id": "c-1"},
		Enabled:      true,
	}
	require.NoError(t, store.SaveScheduledTrigger(ctx, trigger))

	early := engine.Tick(ctx, at(9, 59))
	assert.Zero(t, early.Executed)

	first := engine.Tick(ctx, at(10, 1))
	assert.Equal(t, 1, first.Executed)
	assert.Empty(t, first.Errors)

	second := engine.Tick(ctx, at(11, 0))
	assert.Zero(t, second.Executed)

	require.Len(t, executor.calls, 1)
	assert.Equal(t, "acc", executor.calls[0].accountID)
	assert.Equal(t, "c-1", executor.calls[0].payload["entity_id"])
	assert.Equal(t, "reminder", executor.calls[0].payload["trigger_id"])

	stored, err := store.ScheduledTrigger(ctx, "acc", "reminder")
	require.NoError(t, err)
	assert.False(t, stored.Enabled)
	assert.Equal(t, 1, stored.FireCount)
	assert.Equal(t, at(10, 1), *stored.LastFiredAt)
}

func TestTick_OneTimeDisabledEvenWhenActionFails(t *testing.T) {
	ctx := context.Background()
	store := memory.NewPersistence()
	executor := &recordingExecutor{fail: true}
	engine := NewEngine(store, executor, testLogger())

	require.NoError(t, store.SaveScheduledTrigger(ctx, &models.ScheduledTrigger{
		ID: "t-1", AccountID: "acc", TriggerType: models.ScheduleOneTime, FireAt: ptr(at(10, 0)),
		ActionType: models.ActionWebhook, Enabled: true,
	}))

	result := engine.Tick(ctx, at(10, 0))
	assert.Equal(t, 1, result.Executed)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "endpoint down")

	assert.Zero(t, engine.Tick(ctx, at(10, 5)).Executed)
}

func TestTick_RecurringSkipsMissedSlots(t *testing.T) {
	ctx := context.Background()
	store := memory.NewPersistence()
	executor := &recordingExecutor{}
	engine := NewEngine(store, executor, testLogger())

	require.NoError(t, store.SaveScheduledTrigger(ctx, &models.ScheduledTrigger{
		ID:             "digest",
		AccountID:      "acc",
		TriggerType:    models.ScheduleRecurring,
		CronExpression: "*/15 * * * *",
		NextFireAt:     ptr(at(12, 0)),
		ActionType:     models.ActionEmitEvent,
		ActionConfig:   map[string]any{"event_type": "digest.due"},
		Enabled:        true,
	}))

	assert.Equal(t, 1, engine.Tick(ctx, at(12, 0)).Executed)
	assertNextFire(t, store, at(12, 15))

	assert.Zero(t, engine.Tick(ctx, at(12, 7)).Executed)
	assertNextFire(t, store, at(12, 15))

	assert.Equal(t, 1, engine.Tick(ctx, at(12, 50)).Executed)
	assertNextFire(t, store, at(13, 0))

	stored, err := store.ScheduledTrigger(ctx, "acc", "digest")
	require.NoError(t, err)
	assert.Equal(t, 2, stored.FireCount)
	assert.True(t, stored.Enabled)
	assert.Len(t, executor.calls, 2)
}

func assertNextFire(t *testing.T, store *memory.Persistence, want time.Time) {
	t.Helper()

	stored, err := store.ScheduledTrigger(context.Background(), "acc", "digest")
	require.NoError(t, err)
	require.NotNil(t, stored.NextFireAt)
	assert.Equal(t, want, *stored.NextFireAt)
}

func TestTick_RecurringWithUnsatisfiableCronStops(t *testing.T) {
	ctx := context.Background()
	store := memory.NewPersistence()
	engine := NewEngine(store, &recordingExecutor{}, testLogger())

	require.NoError(t, store.SaveScheduledTrigger(ctx, &models.ScheduledTrigger{
		ID: "feb-30", AccountID: "acc", TriggerType: models.ScheduleRecurring, CronExpression: "0 0 30 2 *",
		NextFireAt: ptr(at(0, 0)), ActionType: models.ActionEmitEvent, Enabled: true,
	}))

	result := engine.Tick(ctx, at(0, 0))
	assert.Equal(t, 1, result.Executed)
	require.Len(t, result.Errors, 1)

	stored, err := store.ScheduledTrigger(ctx, "acc", "feb-30")
	require.NoError(t, err)
	assert.Nil(t, stored.NextFireAt)

	assert.Zero(t, engine.Tick(ctx, at(23, 0)).Executed)
}

func TestTick_InstancesOwnAndInheritedActions(t *testing.T) {
	ctx := context.Background()
	store := memory.NewPersistence()
	executor := &recordingExecutor{}
	engine := NewEngine(store, executor, testLogger())

	require.NoError(t, store.SaveScheduledTrigger(ctx, &models.ScheduledTrigger{
		ID: "follow-up", AccountID: "acc", TriggerType: models.ScheduleCountdown, DelaySeconds: 3600,
		DelayEvent: "deal.created", ActionType: models.ActionSendNotification,
		ActionConfig: map[string]any{"message": "follow up"}, Enabled: true,
	}))

	own := models.ActionWebhook
	require.NoError(t, store.CreateTriggerInstance(ctx, &models.ScheduledTriggerInstance{
		ID: "timer", AccountID: "acc", FireAt: at(9, 0), ActionType: &own,
		ActionConfig: map[string]any{"url": "https://hooks.example.com"},
	}))
	require.NoError(t, store.CreateTriggerInstance(ctx, &models.ScheduledTriggerInstance{
		ID: "inherited", AccountID: "acc", TriggerID: ptr("follow-up"), FireAt: at(9, 0),
	}))
	require.NoError(t, store.CreateTriggerInstance(ctx, &models.ScheduledTriggerInstance{
		ID: "orphan", AccountID: "acc", TriggerID: ptr("deleted"), FireAt: at(9, 0),
	}))
	require.NoError(t, store.CreateTriggerInstance(ctx, &models.ScheduledTriggerInstance{
		ID: "future", AccountID: "acc", TriggerID: ptr("follow-up"), FireAt: at(18, 0),
	}))

	result := engine.Tick(ctx, at(9, 30))
	assert.Equal(t, 2, result.Executed)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "orphan")

	require.Len(t, executor.calls, 2)
	assert.Equal(t, models.ActionWebhook, executor.calls[0].action.Type)
	assert.Equal(t, models.ActionSendNotification, executor.calls[1].action.Type)
	assert.Equal(t, "follow-up", executor.calls[1].payload["trigger_id"])

	statuses := map[string]models.InstanceStatus{}
	for _, instance := range store.TriggerInstances("acc") {
		statuses[instance.ID] = instance.Status
	}

	assert.Equal(t, map[string]models.InstanceStatus{
		"timer":     models.InstanceFired,
		"inherited": models.InstanceFired,
		"orphan":    models.InstanceFailed,
		"future":    models.InstancePending,
	}, statuses)

	assert.Zero(t, engine.Tick(ctx, at(9, 45)).Executed)
}

func TestArmCountdowns(t *testing.T) {
	ctx := context.Background()
	store := memory.NewPersistence()
	executor := &recordingExecutor{}
	engine := NewEngine(store, executor, testLogger())

	require.NoError(t, store.SaveScheduledTrigger(ctx, &models.ScheduledTrigger{
		ID: "nudge", AccountID: "acc", TriggerType: models.ScheduleCountdown, DelaySeconds: 1800,
		DelayEvent: "deal.created", ActionType: models.ActionSendNotification,
		ActionConfig: map[string]any{"message": "nudge"}, Context: map[string]any{"channel": "email"}, Enabled: true,
	}))
	require.NoError(t, store.SaveScheduledTrigger(ctx, &models.ScheduledTrigger{
		ID: "other-event", AccountID: "acc", TriggerType: models.ScheduleCountdown, DelaySeconds: 60,
		DelayEvent: "deal.lost", ActionType: models.ActionSendNotification, Enabled: true,
	}))

	armed, err := engine.ArmCountdowns(ctx, "acc", "deal.created", map[string]any{"entity_id": "d-1"}, at(8, 0))
	require.NoError(t, err)
	assert.Equal(t, 1, armed)

	instances := store.TriggerInstances("acc")
	require.Len(t, instances, 1)
	assert.Equal(t, at(8, 30), instances[0].FireAt)
	assert.Equal(t, "nudge", *instances[0].TriggerID)
	assert.Equal(t, map[string]any{"channel": "email", "entity_id": "d-1", "event_type": "deal.created"}, instances[0].Context)

	assert.Zero(t, engine.Tick(ctx, at(8, 29)).Executed)
	assert.Equal(t, 1, engine.Tick(ctx, at(8, 30)).Executed)
	require.Len(t, executor.calls, 1)
	assert.Equal(t, "d-1", executor.calls[0].payload["entity_id"])
}

func TestTick_BatchSize(t *testing.T) {
	ctx := context.Background()
	store := memory.NewPersistence()
	executor := &recordingExecutor{}
	engine := NewEngine(store, executor, testLogger(), WithBatchSize(2))

	for i := 0; i < 3; i++ {
		require.NoError(t, store.CreateTriggerInstance(ctx, &models.ScheduledTriggerInstance{
			AccountID: "acc", FireAt: at(7, 0), ActionType: ptr(models.ActionEmitEvent),
			ActionConfig: map[string]any{"event_type": "x"},
		}))
	}

	assert.Equal(t, 2, engine.Tick(ctx, at(7, 0)).Executed)
	assert.Equal(t, 1, engine.Tick(ctx, at(7, 0)).Executed)
}
