// Package actions executes a single configured action: outbound webhooks, entity
// writes, outbox events, AI prompts, notifications, timers and tenant extensions.
//
// Execute never returns an error. Every failure, including a panic inside a
// branch, is logged and reported as an unsuccessful Result so that a misconfigured
// action cannot block the domain operation that triggered it.
package actions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dukex/relay/pkg/ai"
	"github.com/dukex/relay/pkg/config"
	"github.com/dukex/relay/pkg/metrics"
	"github.com/dukex/relay/pkg/models"
	"github.com/dukex/relay/pkg/otelhelper"
	"github.com/dukex/relay/pkg/persistence"
	"github.com/dukex/relay/pkg/ssrf"
)

// DefaultHTTPTimeout bounds webhook and extension calls.
const DefaultHTTPTimeout = 10 * time.Second

var (
	// ErrValidation marks malformed action configuration.
	ErrValidation = errors.New("invalid action")
	// ErrTransport marks network failures, timeouts and non-2xx responses.
	ErrTransport = errors.New("action transport failed")
	// ErrSecurity marks SSRF-blocked destinations and writes outside the allowlists.
	ErrSecurity = errors.New("action not permitted")
	// ErrInternal marks a recovered panic.
	ErrInternal = errors.New("action failed unexpectedly")

	errNoExtension = errors.New("no extension registered")
)

// Store is the persistence the executor writes through.
type Store interface {
	persistence.EntityRepository
	persistence.ActivityRepository

	AppendOutboxEvent(ctx context.Context, event *models.OutboxEvent) error
	CreateTriggerInstance(ctx context.Context, instance *models.ScheduledTriggerInstance) error
	ExtensionBySlug(ctx context.Context, accountID, slug string) (*models.Extension, error)
}

// Result is the outcome of one action.
type Result struct {
	ActionID   string            `json:"action_id,omitempty"`
	ActionType models.ActionType `json:"action_type"`
	Success    bool              `json:"success"`
	// Skipped is set for successful no-ops such as an unregistered extension.
	Skipped bool           `json:"skipped,omitempty"`
	Detail  string         `json:"detail,omitempty"`
	Output  map[string]any `json:"output,omitempty"`
	Err     error          `json:"-"`
}

func (r Result) outcome() string {
	switch {
	case r.Skipped:
		return "skipped"
	case r.Success:
		return "success"
	default:
		return "failed"
	}
}

// Executor dispatches actions by their decoded configuration type.
type Executor struct {
	store       Store
	allowlist   config.Allowlist
	validator   ssrf.Validator
	httpClient  *http.Client
	httpTimeout time.Duration
	completer   ai.Completer
	metrics     metrics.Metrics
	tracer      trace.Tracer
	logger      *slog.Logger
	now         func() time.Time
}

// Option customizes an Executor.
type Option func(*Executor)

// WithHTTPClient sets the client for webhook and extension calls. Production
// wiring passes the SSRF guard's client so redirects and dials are re-checked.
func WithHTTPClient(client *http.Client) Option {
	return func(e *Executor) { e.httpClient = client }
}

// WithHTTPTimeout overrides DefaultHTTPTimeout.
func WithHTTPTimeout(timeout time.Duration) Option {
	return func(e *Executor) { e.httpTimeout = timeout }
}

// WithCompleter enables ai_prompt actions.
func WithCompleter(completer ai.Completer) Option {
	return func(e *Executor) { e.completer = completer }
}

func WithMetrics(m metrics.Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(e *Executor) { e.tracer = tracer }
}

// WithClock replaces time.Now, used for timer scheduling and event stamps.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// NewExecutor creates an executor. The allowlist and validator are fixed for its lifetime.
func NewExecutor(store Store, allowlist config.Allowlist, validator ssrf.Validator, logger *slog.Logger, opts ...Option) *Executor {
	e := &Executor{
		store:       store,
		allowlist:   allowlist,
		validator:   validator,
		httpTimeout: DefaultHTTPTimeout,
		metrics:     metrics.Noop{},
		tracer:      otelhelper.Tracer("relay/actions"),
		logger:      logger.With("module", "actions"),
		now:         time.Now,
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.httpClient == nil {
		e.httpClient = &http.Client{Timeout: e.httpTimeout}
	}

	return e
}

// Execute runs one action on behalf of accountID with payload as its template context.
func (e *Executor) Execute(ctx context.Context, action models.Action, accountID string, payload map[string]any) (result Result) {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "actions.execute",
		attribute.String(otelhelper.AccountIDKey, accountID),
		attribute.String(otelhelper.ActionIDKey, action.ID),
		attribute.String(otelhelper.ActionTypeKey, string(action.Type)),
	)
	defer span.End()

	logger := e.logger.With(
		"account_id", accountID,
		"action_id", action.ID,
		"action_name", action.Name,
		"action_type", action.Type,
	)

	defer func() {
		if recovered := recover(); recovered != nil {
			err := fmt.Errorf("%w: %v", ErrInternal, recovered)
			result = Result{Detail: err.Error(), Err: err}
		}

		result.ActionID = action.ID
		result.ActionType = action.Type

		e.metrics.IncActionExecuted(string(action.Type), result.outcome())

		switch {
		case result.Skipped:
			logger.InfoContext(ctx, "action skipped", "detail", result.Detail)
		case result.Success:
			logger.DebugContext(ctx, "action executed")
		default:
			otelhelper.SetError(span, result.Err)
			logger.WarnContext(ctx, "action failed", "error", result.Err)
		}
	}()

	decoded, err := models.DecodeActionConfig(action.Type, action.Config)
	if err != nil {
		return failure(fmt.Errorf("%w: %v", ErrValidation, err))
	}

	output, err := e.dispatch(ctx, action, decoded, accountID, payload)

	switch {
	case errors.Is(err, errNoExtension):
		return Result{Success: true, Skipped: true, Detail: err.Error()}
	case err != nil:
		return failure(err)
	default:
		return Result{Success: true, Output: output}
	}
}

func (e *Executor) dispatch(ctx context.Context, action models.Action, decoded models.ActionConfig, accountID string, payload map[string]any) (map[string]any, error) {
	switch cfg := decoded.(type) {
	case *models.WebhookConfig:
		return e.webhook(ctx, cfg, payload)
	case *models.UpdateFieldConfig:
		return e.updateField(ctx, cfg, accountID, payload)
	case *models.EmitEventConfig:
		return e.emitEvent(ctx, cfg, accountID, payload)
	case *models.AIPromptConfig:
		return e.aiPrompt(ctx, cfg, accountID, payload)
	case *models.CreateEntityConfig:
		return e.createEntity(ctx, cfg, accountID, payload)
	case *models.SendNotificationConfig:
		return e.sendNotification(ctx, action, cfg, accountID, payload)
	case *models.ScheduleTimerConfig:
		return e.scheduleTimer(ctx, cfg, accountID, payload)
	case *models.CustomConfig:
		return e.custom(ctx, action, cfg, accountID, payload)
	default:
		return nil, fmt.Errorf("%w: unsupported action type %q", ErrValidation, decoded.ActionType())
	}
}

func failure(err error) Result {
	return Result{Detail: err.Error(), Err: err}
}
