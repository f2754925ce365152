package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukex/relay/pkg/cmd"
	"github.com/dukex/relay/pkg/config"
	"github.com/dukex/relay/pkg/lease"
	"github.com/dukex/relay/pkg/models"
	"github.com/dukex/relay/pkg/persistence/memory"
	"github.com/dukex/relay/pkg/web"
)

func newTestWorker(t *testing.T, store *memory.Persistence, locker lease.Locker) *TickWorker {
	t.Helper()

	cfg := config.Default()
	cfg.SSRF.Disabled = true

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	core, err := cmd.NewCore(cfg, store, nil, nil, logger)
	require.NoError(t, err)

	return NewTickWorker(core, locker, time.Minute, logger)
}

func TestTickWorker_DeliveryTick(t *testing.T) {
	ctx := context.Background()
	store := memory.NewPersistence()

	var hits atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)

	require.NoError(t, store.SaveSubscription(ctx, &models.WebhookSubscription{
		ID: "sub-1", AccountID: "acc", URL: server.URL, Secret: "s", Enabled: true,
	}))
	require.NoError(t, store.AppendOutboxEvent(ctx, &models.OutboxEvent{
		ID: "evt-1", AccountID: "acc", EventType: "deal.won", Payload: map[string]any{},
	}))

	worker := newTestWorker(t, store, lease.NewLocal())

	require.NoError(t, worker.DeliveryTick(ctx))
	assert.Equal(t, int32(1), hits.Load())

	deliveries, err := store.Deliveries(ctx, "acc", models.DeliverySuccess, 0)
	require.NoError(t, err)
	assert.Len(t, deliveries, 1)
}

func TestTickWorker_SchedulerTickFiresDueTrigger(t *testing.T) {
	ctx := context.Background()
	store := memory.NewPersistence()

	due := time.Now().Add(-time.Minute).UTC()
	require.NoError(t, store.SaveScheduledTrigger(ctx, &models.ScheduledTrigger{
		ID:           "t-1",
		AccountID:    "acc",
		Name:         "follow up",
		TriggerType:  models.ScheduleOneTime,
		FireAt:       &due,
		ActionType:   models.ActionSendNotification,
		ActionConfig: map[string]any{"title": "Follow up", "message": "Call {{name}} back"},
		Enabled:      true,
	}))

	worker := newTestWorker(t, store, lease.NewLocal())

	require.NoError(t, worker.SchedulerTick(ctx))

	trigger, err := store.ScheduledTrigger(ctx, "acc", "t-1")
	require.NoError(t, err)
	assert.Equal(t, 1, trigger.FireCount)
	assert.False(t, trigger.Enabled)
}

func TestTickWorker_LeaseHeld(t *testing.T) {
	ctx := context.Background()
	locker := lease.NewLocal()

	release, err := locker.Acquire(ctx, web.DeliveryLease, time.Minute)
	require.NoError(t, err)

	defer func() { _ = release(ctx) }()

	worker := newTestWorker(t, memory.NewPersistence(), locker)

	require.ErrorIs(t, worker.DeliveryTick(ctx), lease.ErrHeld)
}

func TestTickWorker_StartRejectsBadSpec(t *testing.T) {
	worker := newTestWorker(t, memory.NewPersistence(), lease.NewLocal())

	err := worker.Start(context.Background(), "every now and then", "@every 5s")
	require.Error(t, err)

	worker.Stop()
}
