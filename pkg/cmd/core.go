// Package cmd provides common initialization functions for command-line applications.
package cmd

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/dukex/relay/pkg/actions"
	"github.com/dukex/relay/pkg/ai"
	"github.com/dukex/relay/pkg/config"
	"github.com/dukex/relay/pkg/delivery"
	"github.com/dukex/relay/pkg/lease"
	"github.com/dukex/relay/pkg/metrics"
	"github.com/dukex/relay/pkg/persistence"
	"github.com/dukex/relay/pkg/runner"
	"github.com/dukex/relay/pkg/scheduler"
	"github.com/dukex/relay/pkg/ssrf"
)

// Core is the wired automation engine shared by the API and the worker.
type Core struct {
	Store     persistence.Persistence
	Executor  *actions.Executor
	Runner    *runner.Runner
	Scheduler *scheduler.Engine
	Delivery  *delivery.Service
}

// NewCore wires the executor, runner, scheduler and delivery service on top of
// store. bus may be nil when no event bus is configured.
func NewCore(cfg *config.Config, store persistence.Persistence, bus *EventBus, m metrics.Metrics, logger *slog.Logger) (*Core, error) {
	if m == nil {
		m = metrics.Noop{}
	}

	validator, actionClient, deliveryClient, err := newOutboundClients(cfg, logger)
	if err != nil {
		return nil, err
	}

	executorOpts := []actions.Option{
		actions.WithHTTPClient(actionClient),
		actions.WithHTTPTimeout(cfg.Actions.HTTPTimeout),
		actions.WithMetrics(m),
	}

	if cfg.AI.BaseURL != "" {
		executorOpts = append(executorOpts, actions.WithCompleter(ai.NewClient(cfg.AI, nil, logger)))
	}

	executor := actions.NewExecutor(store, cfg.Allowlist, validator, logger, executorOpts...)

	engine := scheduler.NewEngine(store, executor, logger,
		scheduler.WithBatchSize(cfg.Scheduler.BatchSize),
		scheduler.WithMetrics(m),
	)

	relayOpts := []delivery.RelayOption{
		delivery.WithFanOutBatchSize(cfg.Delivery.FanOutBatchSize),
		delivery.WithRelayMetrics(m),
	}

	if bus != nil && bus.Publisher != nil {
		relayOpts = append(relayOpts, delivery.WithPublisher(bus.Publisher))
	}

	worker := delivery.NewWorker(store, validator, logger,
		delivery.WithHTTPClient(deliveryClient),
		delivery.WithBatchSize(cfg.Delivery.BatchSize),
		delivery.WithBaseBackoff(cfg.Delivery.BaseBackoff),
		delivery.WithTimeout(cfg.Delivery.Timeout),
		delivery.WithWorkerMetrics(m),
	)

	return &Core{
		Store:     store,
		Executor:  executor,
		Runner:    runner.New(store, executor, logger, runner.WithCountdownArmer(engine)),
		Scheduler: engine,
		Delivery:  delivery.NewService(delivery.NewRelay(store, logger, relayOpts...), worker, store, m, logger),
	}, nil
}

// newOutboundClients returns the SSRF validator and the HTTP clients used for
// tenant-supplied URLs. The guarded clients re-check every dial, so redirects and
// DNS rebinding cannot reach blocked addresses.
func newOutboundClients(cfg *config.Config, logger *slog.Logger) (ssrf.Validator, *http.Client, *http.Client, error) {
	if cfg.SSRF.Disabled {
		logger.Warn("SSRF protection disabled, outbound requests may reach private networks")

		return ssrf.AllowAll{},
			&http.Client{Timeout: cfg.Actions.HTTPTimeout},
			&http.Client{Timeout: cfg.Delivery.Timeout},
			nil
	}

	guard, err := ssrf.NewGuard(ssrf.Options{
		ExtraBlockedCIDRs:    cfg.SSRF.BlockedCIDRs,
		ExtraBlockedHosts:    cfg.SSRF.BlockedHosts,
		ExtraBlockedSuffixes: cfg.SSRF.BlockedSuffixes,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("building SSRF guard: %w", err)
	}

	return guard, guard.HTTPClient(cfg.Actions.HTTPTimeout), guard.HTTPClient(cfg.Delivery.Timeout), nil
}

// NewLocker returns a Redis lease when redisURL is set and an in-process lease
// otherwise. The returned close function is never nil.
func NewLocker(redisURL string, logger *slog.Logger) (lease.Locker, func() error, error) {
	if redisURL == "" {
		return lease.NewLocal(), func() error { return nil }, nil
	}

	locker, err := lease.NewRedisFromURL(redisURL, "", logger)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting lease store: %w", err)
	}

	return locker, locker.Close, nil
}
