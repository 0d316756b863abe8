package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"wooster/internal/agent"
	"wooster/internal/scheduler"
)

func newScheduleCommand(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Inspect and manage durable schedules",
	}
	cmd.AddCommand(newScheduleListCommand(logger), newScheduleCreateCommand(logger), newScheduleDeleteCommand(logger))
	return cmd
}

func newScheduleListCommand(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every schedule, active or not",
		RunE: func(cmd *cobra.Command, args []string) error {
			homeFlag, _ := cmd.Flags().GetString("home")
			ctx := cmd.Context()

			c, err := buildComponents(ctx, logger, homeFlag)
			if err != nil {
				return err
			}
			defer c.plugins.Shutdown(ctx)

			items, err := c.sched.List(ctx)
			if err != nil {
				return err
			}
			for _, item := range items {
				fmt.Printf("%s\t%s\t%s\t%s\tactive=%v\n", item.ID, item.TaskKey, item.ScheduleExpression, item.Description, item.IsActive)
			}
			return nil
		},
	}
}

func newScheduleCreateCommand(logger *slog.Logger) *cobra.Command {
	var whenExpr, text, description string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an AGENT_PROMPT schedule: a cron expression or RFC3339 instant that wakes the agent with a prompt",
		RunE: func(cmd *cobra.Command, args []string) error {
			homeFlag, _ := cmd.Flags().GetString("home")
			ctx := cmd.Context()

			c, err := buildComponents(ctx, logger, homeFlag)
			if err != nil {
				return err
			}
			defer c.plugins.Shutdown(ctx)

			payload, err := agent.EncodeAgentPromptPayload(text)
			if err != nil {
				return fmt.Errorf("encode payload: %w", err)
			}
			if description == "" {
				description = "scheduled prompt: " + text
			}
			id, err := c.sched.Create(ctx, scheduler.ScheduleItem{
				Description:        description,
				ScheduleExpression: whenExpr,
				Payload:            payload,
				TaskKey:            "cli." + whenExpr,
				HandlerType:        scheduler.AgentPrompt,
				ExecutionPolicy:    scheduler.RunImmediatelyIfMissed,
			})
			if err != nil {
				return err
			}
			fmt.Println(id)
			return nil
		},
	}
	cmd.Flags().StringVar(&whenExpr, "when", "", "cron expression or RFC3339 instant")
	cmd.Flags().StringVar(&text, "text", "", "prompt text to run the agent with")
	cmd.Flags().StringVar(&description, "description", "", "human-readable description (default derived from --text)")
	_ = cmd.MarkFlagRequired("when")
	_ = cmd.MarkFlagRequired("text")
	return cmd
}

func newScheduleDeleteCommand(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "delete [schedule_id]",
		Short: "Delete a schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			homeFlag, _ := cmd.Flags().GetString("home")
			ctx := cmd.Context()

			c, err := buildComponents(ctx, logger, homeFlag)
			if err != nil {
				return err
			}
			defer c.plugins.Shutdown(ctx)

			return c.sched.Delete(ctx, args[0])
		},
	}
}
