// Package web exposes the automation core over HTTP: tick endpoints for external
// timers, workflow runs, stage transitions, outbox events and webhook deliveries.
package web

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"

	"github.com/dukex/relay/pkg/config"
	"github.com/dukex/relay/pkg/delivery"
	"github.com/dukex/relay/pkg/lease"
	"github.com/dukex/relay/pkg/models"
	"github.com/dukex/relay/pkg/persistence"
	"github.com/dukex/relay/pkg/runner"
	"github.com/dukex/relay/pkg/scheduler"
)

const (
	SchedulerLease = "scheduler-tick"
	DeliveryLease  = "delivery-tick"

	DefaultLeaseTTL = time.Minute
)

type Runner interface {
	Run(ctx context.Context, accountID, workflowDefID string, triggerType models.TriggerType, triggerRefID *string, payload map[string]any) runner.Report
	Transition(ctx context.Context, req runner.TransitionRequest, persist func(context.Context) error) (runner.TransitionReport, error)
	HandleEvent(ctx context.Context, accountID, eventType string, payload map[string]any) runner.Report
}

type SchedulerTicker interface {
	Tick(ctx context.Context, now time.Time) scheduler.TickResult
}

type DeliveryService interface {
	Tick(ctx context.Context, now time.Time) delivery.TickResult
	Replay(ctx context.Context, accountID, deliveryID string, now time.Time) (*models.WebhookDelivery, error)
}

// Store is the slice of persistence the handlers touch directly.
type Store interface {
	AppendOutboxEvent(ctx context.Context, event *models.OutboxEvent) error
	Deliveries(ctx context.Context, accountID string, status models.DeliveryStatus, limit int) ([]*models.WebhookDelivery, error)
}

// StagePersister stores the new stage of a transitioning entity.
type StagePersister func(ctx context.Context, req runner.TransitionRequest) error

// EntityStagePersister writes the target stage id into field of the entity's
// table. Entity types that are not allow-listed for the field are left to the
// caller, which already stored the stage.
func EntityStagePersister(store persistence.EntityRepository, allowlist config.Allowlist, field string) StagePersister {
	return func(ctx context.Context, req runner.TransitionRequest) error {
		if req.EntityType == "" || !allowlist.AllowsField(req.EntityType, field) {
			return nil
		}

		return store.UpdateEntityField(ctx, req.AccountID, req.EntityType, req.EntityID, field, req.ToStageID)
	}
}

type Dependencies struct {
	Runner       Runner
	Scheduler    SchedulerTicker
	Delivery     DeliveryService
	Store        Store
	Locker       lease.Locker
	LeaseTTL     time.Duration
	PersistStage StagePersister
	Clock        func() time.Time
}

type APIHandlers struct {
	runner       Runner
	scheduler    SchedulerTicker
	delivery     DeliveryService
	store        Store
	locker       lease.Locker
	leaseTTL     time.Duration
	persistStage StagePersister
	now          func() time.Time
	validator    *validator.Validate
	logger       *slog.Logger
}

func NewAPIHandlers(deps Dependencies, validator *validator.Validate, logger *slog.Logger) *APIHandlers {
	h := &APIHandlers{
		runner:       deps.Runner,
		scheduler:    deps.Scheduler,
		delivery:     deps.Delivery,
		store:        deps.Store,
		locker:       deps.Locker,
		leaseTTL:     deps.LeaseTTL,
		persistStage: deps.PersistStage,
		now:          deps.Clock,
		validator:    validator,
		logger:       logger.With("module", "web"),
	}

	if h.locker == nil {
		h.locker = lease.NewLocal()
	}

	if h.leaseTTL <= 0 {
		h.leaseTTL = DefaultLeaseTTL
	}

	if h.now == nil {
		h.now = time.Now
	}

	return h
}

// SchedulerTick runs one scheduler tick. A tick already running elsewhere
// answers 409.
func (h *APIHandlers) SchedulerTick(c fiber.Ctx) error {
	var result scheduler.TickResult

	err := lease.Run(c.Context(), h.locker, SchedulerLease, h.leaseTTL, func(ctx context.Context) {
		result = h.scheduler.Tick(ctx, h.now().UTC())
	})
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(result)
}

// DeliveryTick fans out pending outbox events and attempts due deliveries.
func (h *APIHandlers) DeliveryTick(c fiber.Ctx) error {
	var result delivery.TickResult

	err := lease.Run(c.Context(), h.locker, DeliveryLease, h.leaseTTL, func(ctx context.Context) {
		result = h.delivery.Tick(ctx, h.now().UTC())
	})
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(result)
}

func (h *APIHandlers) RunWorkflow(c fiber.Ctx) error {
	var req RunRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format: "+err.Error())
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	report := h.runner.Run(c.Context(), c.Params("accountId"), c.Params("workflowId"), req.TriggerType, req.TriggerRefID, req.Payload)

	return c.JSON(report)
}

// TransitionEntity runs the exit, transition and enter phases around storing
// the entity's new stage.
func (h *APIHandlers) TransitionEntity(c fiber.Ctx) error {
	var req runner.TransitionRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format: "+err.Error())
	}

	req.AccountID = c.Params("accountId")
	req.WorkflowDefID = c.Params("workflowId")

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	var persist func(context.Context) error
	if h.persistStage != nil {
		persist = func(ctx context.Context) error { return h.persistStage(ctx, req) }
	}

	report, err := h.runner.Transition(c.Context(), req, persist)
	if err != nil {
		h.logger.ErrorContext(c.Context(), "transition not persisted",
			"account_id", req.AccountID, "entity_id", req.EntityID, "to_stage_id", req.ToStageID, "error", err)

		return handleError(c, err)
	}

	return c.JSON(report)
}

// AppendEvent stores a domain event in the outbox and dispatches the rules and
// countdown triggers waiting on it.
func (h *APIHandlers) AppendEvent(c fiber.Ctx) error {
	var req EventRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format: "+err.Error())
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	event := &models.OutboxEvent{
		ID:         uuid.NewString(),
		AccountID:  c.Params("accountId"),
		EventType:  req.EventType,
		EntityType: req.EntityType,
		EntityID:   req.EntityID,
		Payload:    req.Payload,
		CreatedAt:  h.now().UTC(),
	}

	if event.Payload == nil {
		event.Payload = map[string]any{}
	}

	if err := h.store.AppendOutboxEvent(c.Context(), event); err != nil {
		return handleError(c, err)
	}

	report := h.runner.HandleEvent(c.Context(), event.AccountID, event.EventType, event.Payload)

	return c.Status(fiber.StatusCreated).JSON(EventResponse{Event: event, Report: report})
}

func (h *APIHandlers) ListDeliveries(c fiber.Ctx) error {
	status := models.DeliveryStatus(c.Query("status"))
	if !validDeliveryStatus(status) {
		return badRequest(c, "Invalid status: "+string(status))
	}

	limit := defaultDeliveriesLimit

	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			return badRequest(c, "Invalid limit: "+raw)
		}

		limit = min(parsed, maxDeliveriesLimit)
	}

	deliveries, err := h.store.Deliveries(c.Context(), c.Params("accountId"), status, limit)
	if err != nil {
		return handleError(c, err)
	}

	if deliveries == nil {
		deliveries = []*models.WebhookDelivery{}
	}

	return c.JSON(DeliveriesResponse{Deliveries: deliveries, Status: status, Limit: limit})
}

func (h *APIHandlers) ReplayDelivery(c fiber.Ctx) error {
	replayed, err := h.delivery.Replay(c.Context(), c.Params("accountId"), c.Params("id"), h.now().UTC())
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(replayed)
}
