package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"carbon-price-collector/internal/app"
)

var testAdapterDate string

var testAdapterCmd = &cobra.Command{
	Use:   "test-adapter <market>",
	Short: "Probe, collect and validate one market without submitting",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.TestAdapterOptions{Market: args[0]}
		if testAdapterDate != "" {
			date, err := time.Parse(time.DateOnly, testAdapterDate)
			if err != nil {
				return fmt.Errorf("invalid --date value: %w", err)
			}
			opts.Date = date
		}
		return getApp().TestAdapter(cmd.Context(), opts)
	},
}

func init() {
	testAdapterCmd.Flags().StringVar(&testAdapterDate, "date", "", "Target trading day (YYYY-MM-DD, default today)")
}
