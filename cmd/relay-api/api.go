// Package main provides the relay API server implementation.
package main

import (
	"log/slog"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dukex/relay/pkg/cmd"
	"github.com/dukex/relay/pkg/config"
	"github.com/dukex/relay/pkg/lease"
	"github.com/dukex/relay/pkg/metrics"
	"github.com/dukex/relay/pkg/web"
)

type API struct {
	logger     *slog.Logger
	core       *cmd.Core
	locker     lease.Locker
	allowlist  config.Allowlist
	stageField string
	gatherer   prometheus.Gatherer
	validate   *validator.Validate
}

func NewAPI(
	logger *slog.Logger,
	core *cmd.Core,
	locker lease.Locker,
	allowlist config.Allowlist,
	stageField string,
	gatherer prometheus.Gatherer,
) *API {
	return &API{
		logger:     logger,
		core:       core,
		locker:     locker,
		allowlist:  allowlist,
		stageField: stageField,
		gatherer:   gatherer,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (a *API) App() *fiber.App {
	handlers := web.NewAPIHandlers(web.Dependencies{
		Runner:       a.core.Runner,
		Scheduler:    a.core.Scheduler,
		Delivery:     a.core.Delivery,
		Store:        a.core.Store,
		Locker:       a.locker,
		PersistStage: web.EntityStagePersister(a.core.Store, a.allowlist, a.stageField),
	}, a.validate, a.logger)

	app := fiber.New()
	app.Use(recover.New())
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker(healthcheck.Config{
		Probe: func(c fiber.Ctx) bool {
			return a.core.Store.HealthCheck(c.Context()) == nil
		},
	}))

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("relay API")
	})

	if a.gatherer != nil {
		app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler(a.gatherer)))
	}

	ticks := app.Group("/ticks")
	ticks.Post("/scheduler", handlers.SchedulerTick)
	ticks.Post("/delivery", handlers.DeliveryTick)

	accounts := app.Group("/accounts/:accountId")
	accounts.Post("/workflows/:workflowId/run", handlers.RunWorkflow)
	accounts.Post("/workflows/:workflowId/transitions", handlers.TransitionEntity)
	accounts.Post("/events", handlers.AppendEvent)
	accounts.Get("/deliveries", handlers.ListDeliveries)
	accounts.Post("/deliveries/:id/replay", handlers.ReplayDelivery)

	return app
}

func (a *API) Start(port int) error {
	app := a.App()

	err := app.Listen(":" + strconv.Itoa(port))

	return err
}
