package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"carbon-price-collector/internal/app"
)

var (
	executeAll   bool
	executeLocal bool
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the scheduler of a running collector",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Stop(cmd.Context())
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show scheduler state, tasks and source health",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Status(cmd.Context())
	},
}

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Enable or disable collection tasks",
}

var tasksEnableCmd = &cobra.Command{
	Use:   "enable <task-id>",
	Short: "Enable a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().SetTaskEnabled(cmd.Context(), args[0], true)
	},
}

var tasksDisableCmd = &cobra.Command{
	Use:   "disable <task-id>",
	Short: "Disable a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().SetTaskEnabled(cmd.Context(), args[0], false)
	},
}

var executeCmd = &cobra.Command{
	Use:   "execute [task-id]",
	Short: "Run one task, or every enabled task with --all",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ExecuteOptions{All: executeAll, Local: executeLocal}
		if len(args) == 1 {
			opts.TaskID = args[0]
		}
		if opts.All == (opts.TaskID != "") {
			return errors.New("pass either a task id or --all")
		}
		return getApp().Execute(cmd.Context(), opts)
	},
}

func init() {
	tasksCmd.AddCommand(tasksEnableCmd, tasksDisableCmd)

	executeCmd.Flags().BoolVar(&executeAll, "all", false, "Run every enabled task sequentially")
	executeCmd.Flags().BoolVar(&executeLocal, "local", false, "Run in this process instead of on the running collector")
}
