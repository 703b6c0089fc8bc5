package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/stepflow/internal/scheduler"
	mcpserver "github.com/rendis/stepflow/pkg/mcp"
)

func newServeCmd(c *cli) *cobra.Command {
	var noScheduler bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the stepflow tools over MCP on stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return c.serve(ctx, !noScheduler)
		},
	}
	cmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "do not launch cron schedules")
	return cmd
}

func (c *cli) serve(ctx context.Context, withScheduler bool) error {
	a, err := c.openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if n, err := a.runner.RecoverInterrupted(ctx); err != nil {
		c.logger.Warn("failed to recover interrupted runs", slog.String("error", err.Error()))
	} else if n > 0 {
		c.logger.Info("resumed interrupted runs", slog.Int("count", n))
	}

	deps := mcpserver.ServerDeps{
		Runner:  a.runner,
		Catalog: a.registry,
		Events:  a.store,
		Logger:  c.logger,
		Version: version,
	}

	if withScheduler {
		sched := scheduler.NewScheduler(a.store, a.runner, time.Duration(c.cfg.SchedulerInterval), c.logger)
		if _, err := sched.RecoverMissed(ctx); err != nil {
			c.logger.Warn("failed to recover missed schedules", slog.String("error", err.Error()))
		}
		if err := sched.Start(ctx); err != nil {
			return err
		}
		defer func() { _ = sched.Stop() }()
		deps.Scheduler = sched
	}

	srv := mcpserver.NewServer(deps)
	c.logger.Info("stepflow serving on stdio",
		slog.String("version", version),
		slog.String("db_path", c.cfg.DBPath),
		slog.Int("tools", a.registry.Count()))

	if err := srv.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
