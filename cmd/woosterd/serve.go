package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
)

func newServeCommand(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon: Model Router probing, Scheduler firings, and plugin-registered background work",
		RunE: func(cmd *cobra.Command, args []string) error {
			homeFlag, _ := cmd.Flags().GetString("home")

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer cancel()

			return runServe(ctx, logger, homeFlag)
		},
	}
}

func runServe(ctx context.Context, logger *slog.Logger, homeFlag string) error {
	c, err := buildComponents(ctx, logger, homeFlag)
	if err != nil {
		return err
	}
	defer c.plugins.Shutdown(ctx)

	logger.Info("home directory", "path", c.dir.Root())

	c.router.Start(ctx)
	defer c.router.Stop()

	if err := c.sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer func() {
		if err := c.sched.Stop(); err != nil {
			logger.Error("scheduler stop error", "error", err)
		}
	}()

	logger.Info("woosterd serving", "providers", c.router.HealthSnapshot())
	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}
