package postgresql_test

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/dukex/relay/pkg/models"
	"github.com/dukex/relay/pkg/persistence"
	"github.com/dukex/relay/pkg/persistence/postgresql"
)

var postgresContainer *postgres.PostgresContainer

var tables = []string{
	"webhook_deliveries", "webhook_subscriptions", "outbox_events", "scheduled_trigger_instances",
	"scheduled_triggers", "workflow_actions", "automation_rules", "extensions", "activities",
	"contacts", "schema_migrations",
}

func dropDb(ctx context.Context, t *testing.T, databaseURL string) {
	t.Helper()

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	for _, table := range tables {
		_, err = db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table+" CASCADE")
		require.NoError(t, err)
	}

	require.NoError(t, db.Close())
}

func setupTestDB(t *testing.T) (*postgresql.Persistence, context.Context, *sql.DB) {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)

	if postgresContainer == nil || !postgresContainer.IsRunning() {
		var err error

		postgresContainer, err = postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("relay_test"),
			postgres.WithUsername("relay"),
			postgres.WithPassword("relay"),
			postgres.BasicWaitStrategies(),
		)
		require.NoError(t, err)
	}

	databaseURL, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	dropDb(ctx, t, databaseURL)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	store, err := postgresql.NewPersistence(ctx, logger, databaseURL)
	require.NoError(t, err)

	raw, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	_, err = raw.ExecContext(ctx, `
		CREATE TABLE contacts (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			name TEXT,
			status TEXT,
			metadata JSONB,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		)
	`)
	require.NoError(t, err)

	t.Cleanup(func() {
		dropDb(ctx, t, databaseURL)

		require.NoError(t, raw.Close())
		require.NoError(t, store.Close(ctx))

		cancel()
	})

	return store, ctx, raw
}

func TestNewPersistence_Migrations(t *testing.T) {
	store, ctx, raw := setupTestDB(t)

	require.NoError(t, store.HealthCheck(ctx))

	var version int

	err := raw.QueryRowContext(ctx, "SELECT MAX(version) FROM schema_migrations").Scan(&version)
	require.NoError(t, err)
	assert.Equal(t, 1, version)
}

func TestOutboxLifecycle(t *testing.T) {
	store, ctx, _ := setupTestDB(t)
	now := time.Now().UTC().Truncate(time.Millisecond)

	require.NoError(t, store.SaveSubscription(ctx, &models.WebhookSubscription{
		ID: "sub-all", AccountID: "acc", URL: "https://hooks.example.com/all", Secret: "s", Enabled: true,
	}))
	require.NoError(t, store.SaveSubscription(ctx, &models.WebhookSubscription{
		ID: "sub-deals", AccountID: "acc", URL: "https://hooks.example.com/deals", Secret: "s",
		EventTypes: []string{"deal.won"}, Enabled: true,
	}))
	require.NoError(t, store.SaveSubscription(ctx, &models.WebhookSubscription{
		ID: "sub-other", AccountID: "other", URL: "https://hooks.example.com/other", Secret: "s", Enabled: true,
	}))

	event := &models.OutboxEvent{AccountID: "acc", EventType: "contact.created", Payload: map[string]any{"id": "c-1"}}
	require.NoError(t, store.AppendOutboxEvent(ctx, event))

	matching, err := store.MatchingSubscriptions(ctx, "acc", "contact.created")
	require.NoError(t, err)
	require.Len(t, matching, 1)
	assert.Equal(t, "sub-all", matching[0].ID)

	matching, err = store.MatchingSubscriptions(ctx, "acc", "deal.won")
	require.NoError(t, err)
	assert.Len(t, matching, 2)

	pending, err := store.UnprocessedOutboxEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "c-1", pending[0].Payload["id"])

	delivery := models.NewWebhookDelivery("del-1", pending[0], &models.WebhookSubscription{ID: "sub-all"}, now)

	recorded, err := store.RecordFanOut(ctx, pending[0], []*models.WebhookDelivery{delivery}, now)
	require.NoError(t, err)
	assert.True(t, recorded)

	recorded, err = store.RecordFanOut(ctx, pending[0], []*models.WebhookDelivery{delivery}, now)
	require.NoError(t, err)
	assert.False(t, recorded)

	due, err := store.DueDeliveries(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)

	attempt := due[0]
	attempt.RecordFailure(now, 500, "unexpected status 500", 30*time.Second)

	updated, err := store.UpdateDelivery(ctx, attempt, 0, models.DeliveryPending)
	require.NoError(t, err)
	assert.True(t, updated)

	updated, err = store.UpdateDelivery(ctx, attempt, 0, models.DeliveryPending)
	require.NoError(t, err)
	assert.False(t, updated)

	failed, err := store.Deliveries(ctx, "acc", models.DeliveryFailed, 0)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, 1, failed[0].Attempts)
	require.NotNil(t, failed[0].NextAttemptAt)
	assert.WithinDuration(t, now.Add(time.Minute), *failed[0].NextAttemptAt, time.Millisecond)

	_, err = store.Delivery(ctx, "other", "del-1")
	assert.ErrorIs(t, err, persistence.ErrDeliveryNotFound)
}

func TestScheduledTriggers(t *testing.T) {
	store, ctx, _ := setupTestDB(t)
	now := time.Now().UTC().Truncate(time.Second)
	past := now.Add(-time.Minute)

	oneTime := &models.ScheduledTrigger{
		AccountID: "acc", TriggerType: models.ScheduleOneTime, FireAt: &past,
		ActionType: models.ActionEmitEvent, ActionConfig: map[string]any{"event_type": "reminder"}, Enabled: true,
	}
	require.NoError(t, store.SaveScheduledTrigger(ctx, oneTime))

	due, err := store.DueOneTimeTriggers(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "reminder", due[0].ActionConfig["event_type"])

	due[0].RecordFire(now)

	claimed, err := store.MarkOneTimeFired(ctx, due[0])
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = store.MarkOneTimeFired(ctx, due[0])
	require.NoError(t, err)
	assert.False(t, claimed)

	countdown := &models.ScheduledTrigger{
		AccountID: "acc", TriggerType: models.ScheduleCountdown, DelaySeconds: 60, DelayEvent: "deal.won",
		ActionType: models.ActionEmitEvent, Enabled: true,
	}
	require.NoError(t, store.SaveScheduledTrigger(ctx, countdown))

	countdowns, err := store.CountdownTriggers(ctx, "acc", "deal.won")
	require.NoError(t, err)
	require.Len(t, countdowns, 1)

	triggerID := countdown.ID
	instance := &models.ScheduledTriggerInstance{
		AccountID: "acc", TriggerID: &triggerID, FireAt: past, Context: map[string]any{"deal_id": "d-1"},
	}
	require.NoError(t, store.CreateTriggerInstance(ctx, instance))

	instances, err := store.DueTriggerInstances(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, "d-1", instances[0].Context["deal_id"])
	assert.Nil(t, instances[0].ActionType)

	instances[0].Complete(now, models.InstanceFired, map[string]any{"success": true})

	completed, err := store.CompleteTriggerInstance(ctx, instances[0])
	require.NoError(t, err)
	assert.True(t, completed)

	completed, err = store.CompleteTriggerInstance(ctx, instances[0])
	require.NoError(t, err)
	assert.False(t, completed)
}

func TestEntityWrites(t *testing.T) {
	store, ctx, raw := setupTestDB(t)

	id, err := store.InsertEntity(ctx, "acc", "contacts", map[string]any{"name": "Ada"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	require.NoError(t, store.UpdateEntityField(ctx, "acc", "contacts", id, "status", "qualified"))
	require.NoError(t, store.SetEntityMetadata(ctx, "acc", "contacts", id, []string{"ai", "score"}, 0.9))

	err = store.UpdateEntityField(ctx, "other", "contacts", id, "status", "lost")
	require.ErrorIs(t, err, persistence.ErrEntityNotFound)

	var (
		status   string
		metadata []byte
	)

	err = raw.QueryRowContext(ctx, "SELECT status, metadata FROM contacts WHERE id = $1", id).Scan(&status, &metadata)
	require.NoError(t, err)
	assert.Equal(t, "qualified", status)
	assert.JSONEq(t, `{"ai":{"score":0.9}}`, string(metadata))
}
