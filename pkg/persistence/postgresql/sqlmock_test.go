package postgresql

import (
	"context"
	"log/slog"
	"os"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukex/relay/pkg/models"
	"github.com/dukex/relay/pkg/persistence"
)

var at = time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)

func newMock(t *testing.T) (*Persistence, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		_ = db.Close()
	})

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	return New(db, logger), mock
}

func TestWorkflowActions_DecodesJSONColumns(t *testing.T) {
	p, mock := newMock(t)
	ref := "stage-2"

	rows := sqlmock.NewRows([]string{
		"id", "account_id", "workflow_def_id", "name", "trigger_type", "trigger_ref_id",
		"action_type", "action_config", "conditions", "position", "enabled", "created_at",
	}).AddRow(
		"wa-1", "acc", "wf-1", "Notify", "on_enter_stage", ref,
		"webhook", []byte(`{"url":"https://hooks.example.com"}`),
		[]byte(`[{"field":"deal.amount","operator":"greater_than","value":100}]`),
		2, true, at,
	)

	mock.ExpectQuery("FROM workflow_actions").
		WithArgs("acc", "wf-1", "on_enter_stage", ref).
		WillReturnRows(rows)

	actions, err := p.WorkflowActions(context.Background(), "acc", "wf-1", models.TriggerOnEnterStage, &ref)
	require.NoError(t, err)
	require.Len(t, actions, 1)

	action := actions[0]
	assert.Equal(t, models.ActionWebhook, action.ActionType)
	assert.Equal(t, "https://hooks.example.com", action.ActionConfig["url"])
	require.Len(t, action.Conditions, 1)
	assert.Equal(t, "deal.amount", action.Conditions[0].Field)
	require.NotNil(t, action.TriggerRefID)
	assert.Equal(t, ref, *action.TriggerRefID)
	assert.Equal(t, 2, action.Position)
}

func TestExtensionBySlug_NotFound(t *testing.T) {
	p, mock := newMock(t)

	mock.ExpectQuery("FROM extensions").
		WithArgs("acc", "crm-sync").
		WillReturnRows(sqlmock.NewRows([]string{"id", "account_id", "slug", "handler_url", "enabled"}))

	_, err := p.ExtensionBySlug(context.Background(), "acc", "crm-sync")
	require.ErrorIs(t, err, persistence.ErrExtensionNotFound)
}

func TestMarkOneTimeFired_Conditional(t *testing.T) {
	p, mock := newMock(t)
	fired := at

	trigger := &models.ScheduledTrigger{ID: "tr-1", AccountID: "acc", FireCount: 1, LastFiredAt: &fired}

	mock.ExpectExec(regexp.QuoteMeta("WHERE id = $3 AND account_id = $4 AND fire_count = 0 AND enabled")).
		WithArgs(1, fired, "tr-1", "acc").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE scheduled_triggers").
		WillReturnResult(sqlmock.NewResult(0, 0))

	claimed, err := p.MarkOneTimeFired(context.Background(), trigger)
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = p.MarkOneTimeFired(context.Background(), trigger)
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestAdvanceRecurring_ChecksPreviousSlot(t *testing.T) {
	p, mock := newMock(t)
	previous := at
	next := at.Add(15 * time.Minute)

	trigger := &models.ScheduledTrigger{ID: "tr-1", AccountID: "acc", FireCount: 3, LastFiredAt: &previous, NextFireAt: &next}

	mock.ExpectExec(regexp.QuoteMeta("AND next_fire_at = $6")).
		WithArgs(3, previous, next, "tr-1", "acc", previous).
		WillReturnResult(sqlmock.NewResult(0, 0))

	claimed, err := p.AdvanceRecurring(context.Background(), trigger, previous)
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestRecordFanOut_InsertsDeliveriesInTransaction(t *testing.T) {
	p, mock := newMock(t)
	event := &models.OutboxEvent{ID: "evt-1", AccountID: "acc", EventType: "deal.won"}
	subscriptions := []*models.WebhookSubscription{{ID: "sub-1"}, {ID: "sub-2"}}

	deliveries := []*models.WebhookDelivery{
		models.NewWebhookDelivery("del-1", event, subscriptions[0], at),
		models.NewWebhookDelivery("del-2", event, subscriptions[1], at),
	}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("WHERE id = $2 AND account_id = $3 AND NOT processed")).
		WithArgs(at, "evt-1", "acc").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO webhook_deliveries").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	recorded, err := p.RecordFanOut(context.Background(), event, deliveries, at)
	require.NoError(t, err)
	assert.True(t, recorded)
}

func TestRecordFanOut_AlreadyProcessedRollsBack(t *testing.T) {
	p, mock := newMock(t)
	event := &models.OutboxEvent{ID: "evt-1", AccountID: "acc"}

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE outbox_events").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	recorded, err := p.RecordFanOut(context.Background(), event, nil, at)
	require.NoError(t, err)
	assert.False(t, recorded)
}

func TestUpdateDelivery_ExpectsPreviousState(t *testing.T) {
	p, mock := newMock(t)
	next := at.Add(time.Minute)

	delivery := &models.WebhookDelivery{
		ID:            "del-1",
		AccountID:     "acc",
		Status:        models.DeliveryFailed,
		Attempts:      1,
		NextAttemptAt: &next,
		LastError:     "unexpected status 500",
		UpdatedAt:     at,
	}

	mock.ExpectExec(regexp.QuoteMeta("AND attempts = $10 AND status = $11")).
		WithArgs("failed", 1, next, "unexpected status 500", 0, nil, at, "del-1", "acc", 0, "pending").
		WillReturnResult(sqlmock.NewResult(0, 1))

	updated, err := p.UpdateDelivery(context.Background(), delivery, 0, models.DeliveryPending)
	require.NoError(t, err)
	assert.True(t, updated)
}

func TestDelivery_NotFound(t *testing.T) {
	p, mock := newMock(t)

	mock.ExpectQuery("FROM webhook_deliveries").WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := p.Delivery(context.Background(), "acc", "missing")
	require.ErrorIs(t, err, persistence.ErrDeliveryNotFound)
	assert.True(t, persistence.IsNotFound(err))
}

func TestUpdateEntityField_QuotesIdentifiers(t *testing.T) {
	p, mock := newMock(t)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "deals" SET "stage" = $1, updated_at = NOW() WHERE id = $2 AND account_id = $3`)).
		WithArgs("won", "d-1", "acc").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "deals" SET "stage"`)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, p.UpdateEntityField(context.Background(), "acc", "deals", "d-1", "stage", "won"))

	err := p.UpdateEntityField(context.Background(), "acc", "deals", "d-2", "stage", "won")
	require.ErrorIs(t, err, persistence.ErrEntityNotFound)
}

func TestSetEntityMetadata_MergesNestedPath(t *testing.T) {
	p, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`FROM "contacts" WHERE id = $1 AND account_id = $2 FOR UPDATE`)).
		WithArgs("c-1", "acc").
		WillReturnRows(sqlmock.NewRows([]string{"metadata"}).AddRow([]byte(`{"ai":{"score":1},"source":"import"}`)))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "contacts" SET metadata = $1`)).
		WithArgs([]byte(`{"ai":{"score":1,"summary":{"text":"hot lead"}},"source":"import"}`), "c-1", "acc").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := p.SetEntityMetadata(context.Background(), "acc", "contacts", "c-1", []string{"ai", "summary"}, map[string]any{"text": "hot lead"})
	require.NoError(t, err)
}

func TestInsertEntity_SortsColumnsAndScopesAccount(t *testing.T) {
	p, mock := newMock(t)

	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO "tasks" ("account_id", "id", "tags", "title") VALUES ($1, $2, $3, $4) RETURNING id`)).
		WithArgs("acc", "t-1", []byte(`["a","b"]`), "Follow up").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("t-1"))

	id, err := p.InsertEntity(context.Background(), "acc", "tasks", map[string]any{
		"id":         "t-1",
		"title":      "Follow up",
		"tags":       []any{"a", "b"},
		"account_id": "someone-else",
	})
	require.NoError(t, err)
	assert.Equal(t, "t-1", id)
}
