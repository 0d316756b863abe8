// Command woosterd runs the Wooster personal-exocortex daemon: a single
// process hosting the Model Router, Knowledge Base, Scheduler, Plugin
// Manager, and Agent Executor described in SPEC_FULL.md.
//
// Logging:
//   - Base logger is created here with output format and level
//   - Logger is passed to all components via dependency injection
//   - No global slog configuration (no slog.SetDefault)
//   - Components scope loggers with their own attributes
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"wooster/internal/wlog"
)

var version = "dev"

func main() {
	baseHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
	filterHandler := wlog.NewComponentFilterHandler(baseHandler, slog.LevelInfo)
	logger := slog.New(filterHandler)

	rootCmd := &cobra.Command{
		Use:   "woosterd",
		Short: "Personal exocortex daemon",
	}
	rootCmd.PersistentFlags().String("home", "", "home directory (default: platform config dir)")

	rootCmd.AddCommand(
		newServeCommand(logger),
		newIngestCommand(logger),
		newScheduleCommand(logger),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Println(version)
			},
		},
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
