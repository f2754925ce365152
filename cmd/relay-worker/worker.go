package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/dukex/relay/pkg/cmd"
	"github.com/dukex/relay/pkg/lease"
	"github.com/dukex/relay/pkg/web"
)

// TickWorker drives the scheduler and delivery ticks from an in-process cron.
// Every tick runs under the same named lease the API tick endpoints use, so
// replicas and external timers never overlap.
type TickWorker struct {
	core     *cmd.Core
	locker   lease.Locker
	leaseTTL time.Duration
	now      func() time.Time
	logger   *slog.Logger

	cron *cron.Cron
}

func NewTickWorker(core *cmd.Core, locker lease.Locker, leaseTTL time.Duration, logger *slog.Logger) *TickWorker {
	if leaseTTL <= 0 {
		leaseTTL = web.DefaultLeaseTTL
	}

	return &TickWorker{
		core:     core,
		locker:   locker,
		leaseTTL: leaseTTL,
		now:      time.Now,
		logger:   logger,
	}
}

// SchedulerTick runs one scheduler tick. It returns lease.ErrHeld when another
// tick holds the lease.
func (w *TickWorker) SchedulerTick(ctx context.Context) error {
	return lease.Run(ctx, w.locker, web.SchedulerLease, w.leaseTTL, func(ctx context.Context) {
		result := w.core.Scheduler.Tick(ctx, w.now())

		for _, tickErr := range result.Errors {
			w.logger.WarnContext(ctx, "scheduler tick error", "error", tickErr)
		}

		w.logger.DebugContext(ctx, "scheduler tick finished", "executed", result.Executed, "errors", len(result.Errors))
	})
}

// DeliveryTick runs one fan-out and delivery pass.
func (w *TickWorker) DeliveryTick(ctx context.Context) error {
	return lease.Run(ctx, w.locker, web.DeliveryLease, w.leaseTTL, func(ctx context.Context) {
		result := w.core.Delivery.Tick(ctx, w.now())

		for _, tickErr := range append(result.FanOut.Errors, result.Deliver.Errors...) {
			w.logger.WarnContext(ctx, "delivery tick error", "error", tickErr)
		}
	})
}

// Start schedules both ticks. Specs use the robfig/cron syntax, including
// descriptors such as "@every 10s".
func (w *TickWorker) Start(ctx context.Context, schedulerSpec, deliverySpec string) error {
	logger := cronLogger{w.logger}

	w.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(logger),
		cron.Recover(logger),
	))

	jobs := []struct {
		name string
		spec string
		tick func(context.Context) error
	}{
		{web.SchedulerLease, schedulerSpec, w.SchedulerTick},
		{web.DeliveryLease, deliverySpec, w.DeliveryTick},
	}

	for _, job := range jobs {
		entryID, err := w.cron.AddFunc(job.spec, func() {
			err := job.tick(ctx)
			if errors.Is(err, lease.ErrHeld) {
				w.logger.DebugContext(ctx, "tick skipped, lease held elsewhere", "tick", job.name)

				return
			}

			if err != nil {
				w.logger.ErrorContext(ctx, "tick failed", "tick", job.name, "error", err)
			}
		})
		if err != nil {
			return fmt.Errorf("failed to schedule %s with %q: %w", job.name, job.spec, err)
		}

		w.logger.InfoContext(ctx, "Scheduled tick", "tick", job.name, "spec", job.spec, "entry_id", entryID)
	}

	w.cron.Start()

	return nil
}

// Stop stops scheduling and waits for running ticks to finish.
func (w *TickWorker) Stop() {
	if w.cron == nil {
		return
	}

	<-w.cron.Stop().Done()
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
