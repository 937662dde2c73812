package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"carbon-price-collector/internal/app"
)

var (
	historyTask   string
	historyLimit  int
	historyFromDB bool
	evidenceDir   string
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Display recent task executions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if historyLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.HistoryOptions{
			TaskID: historyTask,
			Limit:  historyLimit,
			FromDB: historyFromDB,
		}

		return getApp().History(cmd.Context(), opts)
	},
}

var evidenceCmd = &cobra.Command{
	Use:   "evidence <run-id>",
	Short: "Display the audit evidence persisted for a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Evidence(cmd.Context(), args[0], evidenceDir)
	},
}

func init() {
	historyCmd.Flags().StringVar(&historyTask, "task", "", "Only show executions of this task")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Number of executions to display")
	historyCmd.Flags().BoolVar(&historyFromDB, "db", false, "Read persisted executions from the database")

	evidenceCmd.Flags().StringVar(&evidenceDir, "screenshots", "", "Write captured screenshots into this directory")
}
