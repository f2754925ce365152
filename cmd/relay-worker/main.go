package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"

	"github.com/dukex/relay/pkg/cmd"
	"github.com/dukex/relay/pkg/config"
	"github.com/dukex/relay/pkg/eventbus"
	"github.com/dukex/relay/pkg/log"
	"github.com/dukex/relay/pkg/models"
	"github.com/dukex/relay/pkg/otelhelper"
)

func main() {
	command := &cli.Command{
		Name:                  "relay-worker",
		Usage:                 "Fire scheduled triggers and deliver webhooks",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "worker-id",
				Aliases: []string{"id"},
				Usage:   "Custom worker ID (auto-generated if not provided)",
				Sources: cli.EnvVars("WORKER_ID"),
			},
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "Database connection URL (postgres://... or memory://)",
				Sources: cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the YAML configuration file",
				Sources: cli.EnvVars("RELAY_CONFIG"),
			},
			&cli.StringFlag{
				Name:    "redis-url",
				Usage:   "Redis URL for tick leases, in-process leases when empty",
				Sources: cli.EnvVars("REDIS_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus outbox events are published to (none, kafka, gochannel)",
				Value:   "none",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:    "kafka-brokers",
				Usage:   "Comma separated Kafka brokers",
				Sources: cli.EnvVars("KAFKA_BROKERS"),
			},
			&cli.DurationFlag{
				Name:    "lease-ttl",
				Usage:   "How long a tick lease is held before it expires",
				Sources: cli.EnvVars("LEASE_TTL"),
			},
			&cli.BoolFlag{
				Name:    "tracing",
				Usage:   "Export OpenTelemetry traces over OTLP/HTTP",
				Sources: cli.EnvVars("OTEL_ENABLED"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
			&cli.StringFlag{
				Name:    "log-format",
				Usage:   "Log format (text, json)",
				Value:   "text",
				Sources: cli.EnvVars("LOG_FORMAT"),
			},
		},
		Before: func(ctx context.Context, command *cli.Command) (context.Context, error) {
			log.Setup(command.String("log-level"), command.String("log-format"))

			return ctx, nil
		},
		Commands: []*cli.Command{
			runCommand(),
			tickCommand(),
			eventsCommand(),
		},
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		log.WithModule("relay-worker").Error("relay-worker failed", "error", err)
		os.Exit(1)
	}
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:    "run",
		Aliases: []string{"r"},
		Usage:   "Run scheduler and delivery ticks on an in-process cron",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "scheduler-spec",
				Usage:   "Cron spec for scheduler ticks",
				Value:   "@every 10s",
				Sources: cli.EnvVars("SCHEDULER_SPEC"),
			},
			&cli.StringFlag{
				Name:    "delivery-spec",
				Usage:   "Cron spec for delivery ticks",
				Value:   "@every 5s",
				Sources: cli.EnvVars("DELIVERY_SPEC"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			return withWorker(ctx, command, func(ctx context.Context, env *workerEnv) error {
				worker := env.worker

				if err := worker.Start(ctx, command.String("scheduler-spec"), command.String("delivery-spec")); err != nil {
					return err
				}

				env.logger.InfoContext(ctx, "Worker started")

				<-ctx.Done()

				env.logger.InfoContext(ctx, "Shutting down worker")
				worker.Stop()

				return nil
			})
		},
	}
}

func tickCommand() *cli.Command {
	return &cli.Command{
		Name:      "tick",
		Usage:     "Run a single scheduler or delivery tick and exit",
		ArgsUsage: "scheduler|delivery",
		Action: func(ctx context.Context, command *cli.Command) error {
			name := command.Args().First()

			return withWorker(ctx, command, func(ctx context.Context, env *workerEnv) error {
				switch name {
				case "scheduler":
					return env.worker.SchedulerTick(ctx)
				case "delivery":
					return env.worker.DeliveryTick(ctx)
				default:
					return fmt.Errorf("unknown tick %q, expected scheduler or delivery", name)
				}
			})
		},
	}
}

func eventsCommand() *cli.Command {
	return &cli.Command{
		Name:  "events",
		Usage: "Log outbox events consumed from the event bus",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "consumer",
				Usage:   "Consumer group suffix",
				Value:   "relay-events",
				Sources: cli.EnvVars("EVENTS_CONSUMER"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			if command.String("event-bus") != "kafka" {
				return errors.New("events requires --event-bus kafka")
			}

			return withWorker(ctx, command, func(ctx context.Context, env *workerEnv) error {
				return eventbus.Consume(ctx, env.bus.Subscriber, env.cfg.Delivery.Topic, func(ctx context.Context, event *models.OutboxEvent) error {
					env.logger.InfoContext(ctx, "outbox event",
						"event_id", event.ID,
						"account_id", event.AccountID,
						"event_type", event.EventType,
						"entity_id", event.EntityID)

					return nil
				}, env.logger)
			})
		},
	}
}

type workerEnv struct {
	worker *TickWorker
	bus    *cmd.EventBus
	cfg    *config.Config
	logger *slog.Logger
}

// withWorker opens every dependency named by the root flags, runs fn and closes
// them again.
func withWorker(ctx context.Context, command *cli.Command, fn func(context.Context, *workerEnv) error) error {
	workerID := command.String("worker-id")
	if workerID == "" {
		workerID = "worker-" + uuid.New().String()[:8]
	}

	logger := log.WithModule("relay-worker").With("worker_id", workerID)
	logger.InfoContext(ctx, "Initializing relay worker")

	cfg, err := config.Load(command.String("config"))
	if err != nil {
		return err
	}

	if command.Bool("tracing") {
		_, shutdown, err := otelhelper.NewTracer(ctx, "relay-worker")
		if err != nil {
			return err
		}

		defer closeWith(ctx, logger, "tracer", func() error { return shutdown(context.WithoutCancel(ctx)) })
	}

	persistence, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
	if err != nil {
		return err
	}

	defer closeWith(ctx, logger, "persistence", func() error { return persistence.Close(context.WithoutCancel(ctx)) })

	eventBus, err := cmd.NewEventBus(command.String("event-bus"), command.String("kafka-brokers"), cfg.Delivery.Topic, command.String("consumer"), logger)
	if err != nil {
		return err
	}

	defer closeWith(ctx, logger, "event bus", eventBus.Close)

	locker, closeLocker, err := cmd.NewLocker(command.String("redis-url"), logger)
	if err != nil {
		return err
	}

	defer closeWith(ctx, logger, "lease store", closeLocker)

	core, err := cmd.NewCore(cfg, persistence, eventBus, nil, logger)
	if err != nil {
		return err
	}

	return fn(ctx, &workerEnv{
		worker: NewTickWorker(core, locker, command.Duration("lease-ttl"), logger),
		bus:    eventBus,
		cfg:    cfg,
		logger: logger,
	})
}

func closeWith(ctx context.Context, logger *slog.Logger, name string, closeFn func() error) {
	if err := closeFn(); err != nil {
		logger.ErrorContext(ctx, "Failed to close "+name, "error", err)
	}
}
