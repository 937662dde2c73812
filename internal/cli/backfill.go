package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"carbon-price-collector/internal/app"
)

var (
	backfillMarket string
	backfillFrom   string
	backfillTo     string
	backfillDryRun bool
)

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Collect and submit a market for a range of past days",
	RunE: func(cmd *cobra.Command, args []string) error {
		if backfillMarket == "" || backfillFrom == "" || backfillTo == "" {
			return fmt.Errorf("--market, --from and --to must be provided")
		}

		from, err := time.Parse(time.DateOnly, backfillFrom)
		if err != nil {
			return fmt.Errorf("invalid --from value: %w", err)
		}

		to, err := time.Parse(time.DateOnly, backfillTo)
		if err != nil {
			return fmt.Errorf("invalid --to value: %w", err)
		}

		if to.Before(from) {
			return fmt.Errorf("--from must not be after --to")
		}

		opts := app.BackfillOptions{
			Market: backfillMarket,
			From:   from,
			To:     to,
			DryRun: backfillDryRun,
		}

		return getApp().Backfill(cmd.Context(), opts)
	},
}

func init() {
	backfillCmd.Flags().StringVar(&backfillMarket, "market", "", "Market code (CEA, CCER, CCA, CDR)")
	backfillCmd.Flags().StringVar(&backfillFrom, "from", "", "First day (YYYY-MM-DD, inclusive)")
	backfillCmd.Flags().StringVar(&backfillTo, "to", "", "Last day (YYYY-MM-DD, inclusive)")
	backfillCmd.Flags().BoolVar(&backfillDryRun, "dry-run", false, "Collect and validate without submitting")
}
