package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
)

func newIngestCommand(logger *slog.Logger) *cobra.Command {
	var namespace string
	var watch bool

	cmd := &cobra.Command{
		Use:   "ingest [paths_or_globs...]",
		Short: "Ingest Markdown files into the knowledge base, optionally watching for further changes",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			homeFlag, _ := cmd.Flags().GetString("home")

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer cancel()

			return runIngest(ctx, logger, homeFlag, args, namespace, watch)
		},
	}
	cmd.Flags().StringVar(&namespace, "namespace", "notes", "knowledge base namespace to ingest into")
	cmd.Flags().BoolVar(&watch, "watch", false, "keep watching the given paths for changes after the initial ingest")
	return cmd
}

func runIngest(ctx context.Context, logger *slog.Logger, homeFlag string, paths []string, namespace string, watch bool) error {
	c, err := buildComponents(ctx, logger, homeFlag)
	if err != nil {
		return err
	}
	defer c.plugins.Shutdown(ctx)

	logger.Info("ingesting", "paths", paths, "namespace", namespace)
	if err := c.kb.Ingest(ctx, paths, namespace); err != nil {
		return fmt.Errorf("ingest: %w", err)
	}
	logger.Info("ingest complete")

	if !watch {
		return nil
	}

	logger.Info("watching for changes", "paths", paths)
	return c.kb.Watch(ctx, paths, namespace)
}
