package cli

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jdziat/durable-research/pkg/core"
	"github.com/jdziat/durable-research/pkg/service"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database tables",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer a.close()
		fmt.Fprintf(cmd.OutOrStdout(), "Migrated %s database\n", cfg.Database.Driver)
		return nil
	},
}

var (
	createUser    string
	createChannel string
)

var createCmd = &cobra.Command{
	Use:   "create <task-id>",
	Short: "Start a research job for a task",
	Long: `Create a research job for a task and queue its first run. The job is
picked up by a running "researchd serve".

Examples:
  researchd create task-42 --user u-1 --channel 123456789`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer a.close()

		job, err := a.service.CreateJob(cmd.Context(), service.CreateRequest{
			TaskID:    args[0],
			UserID:    createUser,
			ChannelID: createChannel,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Created job %s (%s)\n", job.ID, job.Status)
		return nil
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Resolve expired clarifications and prune old runs once",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.close()

		res, err := a.gate.SweepExpired(ctx)
		if err != nil {
			return fmt.Errorf("sweep: %w", err)
		}
		released, err := a.store.ReleaseStaleLocks(ctx, cfg.Clarification.Maintenance.StaleAfter)
		if err != nil {
			return fmt.Errorf("release locks: %w", err)
		}
		pruned, err := a.queue.Prune(ctx, time.Now())
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Clarifications: %d proceeded, %d failed, %d closed\n", res.Proceeded, res.Failed, res.Closed)
		fmt.Fprintf(out, "Runs: %d locks released, %d pruned\n", released, pruned)
		return nil
	},
}

var (
	taskUser        string
	taskCategory    string
	taskDescription string
)

var taskCmd = &cobra.Command{
	Use:   "task <name>",
	Short: "Add a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer a.close()

		task := &core.Task{
			ID:          uuid.New().String(),
			UserID:      taskUser,
			CategoryID:  taskCategory,
			Name:        args[0],
			Description: taskDescription,
		}
		if err := a.store.SaveTask(cmd.Context(), task); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Added task %s\n", task.ID)
		return nil
	},
}

var (
	autoDepth      string
	autoClarify    string
	autoNotify     bool
	autoMaxSources int
	autoDisabled   bool
)

var automationCmd = &cobra.Command{
	Use:   "automation <category-id>",
	Short: "Set the research policy of a category",
	Long: `Create or replace the automation config of a category.

Examples:
  researchd automation learning --depth deep --clarify always
  researchd automation chores --disabled`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		auto := &core.AutomationConfig{
			CategoryID:  args[0],
			Depth:       core.Depth(autoDepth),
			ClarifyMode: core.ClarifyMode(autoClarify),
			Notify:      autoNotify,
			MaxSources:  autoMaxSources,
			Disabled:    autoDisabled,
		}
		if !auto.Depth.Valid() {
			return fmt.Errorf("invalid depth %q: use quick, medium or deep", autoDepth)
		}
		switch auto.ClarifyMode {
		case core.ClarifyNever, core.ClarifyAuto, core.ClarifyAlways:
		default:
			return fmt.Errorf("invalid clarify mode %q: use never, auto or always", autoClarify)
		}

		a, err := newApp(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer a.close()
		if err := a.store.SaveAutomation(cmd.Context(), auto); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Saved automation for %s\n", auto.CategoryID)
		return nil
	},
}

func init() {
	createCmd.Flags().StringVar(&createUser, "user", "", "owner of the task (required)")
	createCmd.Flags().StringVar(&createChannel, "channel", "", "chat to notify and ask in")
	_ = createCmd.MarkFlagRequired("user")

	taskCmd.Flags().StringVar(&taskUser, "user", "", "owner of the task (required)")
	taskCmd.Flags().StringVar(&taskCategory, "category", "", "category whose automation applies (required)")
	taskCmd.Flags().StringVar(&taskDescription, "description", "", "free-text notes for the task")
	_ = taskCmd.MarkFlagRequired("user")
	_ = taskCmd.MarkFlagRequired("category")

	automationCmd.Flags().StringVar(&autoDepth, "depth", string(core.DepthMedium), "quick, medium or deep")
	automationCmd.Flags().StringVar(&autoClarify, "clarify", string(core.ClarifyAuto), "never, auto or always")
	automationCmd.Flags().BoolVar(&autoNotify, "notify", true, "send the finished note to the user")
	automationCmd.Flags().IntVar(&autoMaxSources, "max-sources", 10, "sources kept per job")
	automationCmd.Flags().BoolVar(&autoDisabled, "disabled", false, "refuse new jobs for this category")
}
