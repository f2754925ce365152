package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dukex/relay/pkg/mocks"
	"github.com/dukex/relay/pkg/models"
	"github.com/dukex/relay/pkg/persistence/memory"
	"github.com/dukex/relay/pkg/ssrf"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

var t0 = time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)

type received struct {
	headers http.Header
	body    []byte
}

type endpoint struct {
	mu       sync.Mutex
	requests []received
	status   atomic.Int32
	server   *httptest.Server
}

func newEndpoint(t *testing.T, status int) *endpoint {
	t.Helper()

	e := &endpoint{}
	e.status.Store(int32(status))
	e.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)

		e.mu.Lock()
		e.requests = append(e.requests, received{headers: r.Header.Clone(), body: body})
		e.mu.Unlock()

		w.WriteHeader(int(e.status.Load()))
		_, _ = w.Write([]byte("endpoint says hi"))
	}))
	t.Cleanup(e.server.Close)

	return e
}

func (e *endpoint) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return len(e.requests)
}

func newService(store *memory.Persistence, opts ...RelayOption) *Service {
	relay := NewRelay(store, testLogger(), opts...)
	worker := NewWorker(store, ssrf.AllowAll{}, testLogger(), WithBaseBackoff(30*time.Second))

	return NewService(relay, worker, store, nil, testLogger())
}

func seed(t *testing.T, store *memory.Persistence, url string, eventTypes ...string) (*models.WebhookSubscription, *models.OutboxEvent) {
	t.Helper()

	ctx := context.Background()
	subscription := &models.WebhookSubscription{
		ID:         "sub-1",
		AccountID:  "acc",
		URL:        url,
		Secret:     "s3cret",
		EventTypes: eventTypes,
		Enabled:    true,
	}
	require.NoError(t, store.SaveSubscription(ctx, subscription))

	event := &models.OutboxEvent{
		ID:        "evt-1",
		AccountID: "acc",
		EventType: "deal.won",
		Payload:   map[string]any{"deal_id": "d-1", "amount": 1200.0},
		CreatedAt: t0,
	}
	require.NoError(t, store.AppendOutboxEvent(ctx, event))

	return subscription, event
}

func deliveries(t *testing.T, store *memory.Persistence) []*models.WebhookDelivery {
	t.Helper()

	found, err := store.Deliveries(context.Background(), "acc", "", 0)
	require.NoError(t, err)

	return found
}

func TestSignAndVerify(t *testing.T) {
	body := []byte(`{"event_type":"deal.won"}`)
	signature := Sign("secret", body)

	assert.Regexp(t, `^sha256=[0-9a-f]{64}$`, signature)
	assert.True(t, Verify("secret", body, signature))
	assert.False(t, Verify("other", body, signature))
	assert.False(t, Verify("secret", []byte(`{}`), signature))
	assert.False(t, Verify("secret", body, signature[len("sha256="):]))
	assert.False(t, Verify("secret", body, "sha256=zz"))
}

func TestTick_DeliversSignedEnvelope(t *testing.T) {
	ctx := context.Background()
	store := memory.NewPersistence()
	target := newEndpoint(t, http.StatusOK)
	seed(t, store, target.server.URL)

	result := newService(store).Tick(ctx, t0)

	assert.Equal(t, 1, result.FanOut.Processed)
	assert.Equal(t, 1, result.FanOut.Deliveries)
	assert.Equal(t, 1, result.Deliver.Attempted)
	assert.Equal(t, 1, result.Deliver.Succeeded)
	require.Equal(t, 1, target.count())

	stored := deliveries(t, store)
	require.Len(t, stored, 1)
	assert.Equal(t, models.DeliverySuccess, stored[0].Status)
	assert.Equal(t, 1, stored[0].Attempts)
	assert.Equal(t, http.StatusOK, stored[0].LastStatusCode)
	assert.Nil(t, stored[0].NextAttemptAt)
	require.NotNil(t, stored[0].CompletedAt)

	request := target.requests[0]
	assert.Equal(t, "application/json", request.headers.Get("Content-Type"))
	assert.Equal(t, stored[0].ID, request.headers.Get(DeliveryIDHeader))
	assert.Equal(t, "deal.won", request.headers.Get(EventTypeHeader))
	assert.True(t, Verify("s3cret", request.body, request.headers.Get(SignatureHeader)))

	var envelope Envelope
	require.NoError(t, json.Unmarshal(request.body, &envelope))
	assert.Equal(t, "deal.won", envelope.EventType)
	assert.Equal(t, stored[0].ID, envelope.DeliveryID)
	assert.Equal(t, "d-1", envelope.Payload["deal_id"])
	assert.Equal(t, t0.Format(time.RFC3339), envelope.Timestamp)

	event, err := store.OutboxEvent(ctx, "acc", "evt-1")
	require.NoError(t, err)
	assert.True(t, event.Processed)

	again := newService(store).Tick(ctx, t0.Add(time.Hour))
	assert.Zero(t, again.FanOut.Processed)
	assert.Zero(t, again.Deliver.Attempted)
	assert.Equal(t, 1, target.count())
}

func TestFanOut_NoSubscriptionsStillProcesses(t *testing.T) {
	ctx := context.Background()
	store := memory.NewPersistence()
	seed(t, store, "https://hooks.example.com", "contact.created")

	result := NewRelay(store, testLogger()).FanOut(ctx, t0)

	assert.Equal(t, 1, result.Processed)
	assert.Zero(t, result.Deliveries)
	assert.Empty(t, deliveries(t, store))

	event, err := store.OutboxEvent(ctx, "acc", "evt-1")
	require.NoError(t, err)
	assert.True(t, event.Processed)
	require.NotNil(t, event.ProcessedAt)
	assert.Equal(t, t0, *event.ProcessedAt)
}

func TestFanOut_PublishesEachEventOnce(t *testing.T) {
	ctx := context.Background()
	store := memory.NewPersistence()
	seed(t, store, "https://hooks.example.com")

	publisher := &mocks.MockPublisher{}
	publisher.On("Publish", mock.Anything, mock.AnythingOfType("*models.OutboxEvent")).Return(nil).Once()

	relay := NewRelay(store, testLogger(), WithPublisher(publisher))

	result := relay.FanOut(ctx, t0)
	assert.Equal(t, 1, result.Processed)
	assert.Equal(t, 1, result.Deliveries)

	result = relay.FanOut(ctx, t0.Add(time.Minute))
	assert.Zero(t, result.Processed)

	publisher.AssertExpectations(t)
	assert.Len(t, deliveries(t, store), 1)
}

func TestFanOut_PublishFailureLeavesEventUnprocessed(t *testing.T) {
	ctx := context.Background()
	store := memory.NewPersistence()
	seed(t, store, "https://hooks.example.com")
	publisher := &mocks.MockPublisher{}
	publisher.On("Publish", mock.Anything, mock.MatchedBy(func(e *models.OutboxEvent) bool { return e.ID == "evt-1" })).
		Return(errors.New("broker unavailable")).Once()

	result := NewRelay(store, testLogger(), WithPublisher(publisher)).FanOut(ctx, t0)

	publisher.AssertExpectations(t)
	assert.Zero(t, result.Processed)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "broker unavailable")
	assert.Empty(t, deliveries(t, store))

	pending, err := store.UnprocessedOutboxEvents(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestDeliver_RetriesWithBackoffThenDeadLetters(t *testing.T) {
	ctx := context.Background()
	store := memory.NewPersistence()
	target := newEndpoint(t, http.StatusInternalServerError)
	seed(t, store, target.server.URL)

	service := newService(store)
	first := service.Tick(ctx, t0)
	assert.Equal(t, 1, first.Deliver.Failed)

	stored := deliveries(t, store)[0]
	assert.Equal(t, models.DeliveryFailed, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
	assert.Equal(t, http.StatusInternalServerError, stored.LastStatusCode)
	assert.Contains(t, stored.LastError, "unexpected status 500")
	require.NotNil(t, stored.NextAttemptAt)
	assert.Equal(t, t0.Add(60*time.Second), *stored.NextAttemptAt)

	early := service.Tick(ctx, t0.Add(30*time.Second))
	assert.Zero(t, early.Deliver.Attempted)

	now := t0
	for range models.MaxDeliveryAttempts - 1 {
		now = now.Add(time.Hour)
		service.Tick(ctx, now)
	}

	stored = deliveries(t, store)[0]
	assert.Equal(t, models.DeliveryDeadLetter, stored.Status)
	assert.Equal(t, models.MaxDeliveryAttempts, stored.Attempts)
	assert.Nil(t, stored.NextAttemptAt)
	assert.Equal(t, models.MaxDeliveryAttempts, target.count())

	final := service.Tick(ctx, now.Add(24*time.Hour))
	assert.Zero(t, final.Deliver.Attempted)
	assert.Equal(t, models.MaxDeliveryAttempts, target.count())
}

func TestDeliver_MissingSubscriptionDeadLetters(t *testing.T) {
	ctx := context.Background()
	store := memory.NewPersistence()
	target := newEndpoint(t, http.StatusOK)
	seed(t, store, target.server.URL)

	service := newService(store)
	service.relay.FanOut(ctx, t0)
	store.DeleteSubscription("acc", "sub-1")

	result := service.worker.Deliver(ctx, t0)

	assert.Equal(t, 1, result.DeadLettered)
	assert.Zero(t, target.count())

	stored := deliveries(t, store)[0]
	assert.Equal(t, models.DeliveryDeadLetter, stored.Status)
	assert.Zero(t, stored.Attempts)
	assert.Nil(t, stored.NextAttemptAt)
	assert.Contains(t, stored.LastError, "not found")
}

type blockEverything struct{}

func (blockEverything) Validate(context.Context, string) error {
	return ssrf.ErrBlocked
}

func TestDeliver_BlockedDestinationCountsAsAttempt(t *testing.T) {
	ctx := context.Background()
	store := memory.NewPersistence()
	target := newEndpoint(t, http.StatusOK)
	seed(t, store, target.server.URL)

	NewRelay(store, testLogger()).FanOut(ctx, t0)
	result := NewWorker(store, blockEverything{}, testLogger()).Deliver(ctx, t0)

	assert.Equal(t, 1, result.Failed)
	assert.Zero(t, target.count())

	stored := deliveries(t, store)[0]
	assert.Equal(t, models.DeliveryFailed, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
	assert.Contains(t, stored.LastError, "blocked")
}

func TestReplay(t *testing.T) {
	ctx := context.Background()
	store := memory.NewPersistence()
	target := newEndpoint(t, http.StatusBadGateway)
	seed(t, store, target.server.URL)

	service := newService(store)
	service.Tick(ctx, t0)

	id := deliveries(t, store)[0].ID

	_, err := service.Replay(ctx, "acc", id, t0)
	require.ErrorIs(t, err, ErrNotReplayable)

	now := t0
	for range models.MaxDeliveryAttempts - 1 {
		now = now.Add(time.Hour)
		service.Tick(ctx, now)
	}

	_, err = service.Replay(ctx, "other-account", id, now)
	require.Error(t, err)

	replayed, err := service.Replay(ctx, "acc", id, now)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryPending, replayed.Status)
	assert.Zero(t, replayed.Attempts)

	target.status.Store(http.StatusOK)

	result := service.Tick(ctx, now)
	assert.Equal(t, 1, result.Deliver.Succeeded)
	assert.Equal(t, models.DeliverySuccess, deliveries(t, store)[0].Status)
}
