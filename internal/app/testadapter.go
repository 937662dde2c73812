package app

import (
	"context"
	"fmt"
	"strings"

	"carbon-price-collector/internal/model"
)

// TestAdapter runs one market adapter end to end without submitting:
// health probe, collection, validation, then a printed summary.
func (a *App) TestAdapter(ctx context.Context, opts TestAdapterOptions) error {
	market, err := model.ParseMarketCode(opts.Market)
	if err != nil {
		return err
	}
	adp, err := a.newRegistry().Resolve(market)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNoAdapter, err)
	}

	health := adp.HealthStatus(ctx)
	fmt.Fprintf(a.Out, "adapter:  %s (%s)\n", adp.Name(), market)
	fmt.Fprintf(a.Out, "health:   %s %s\n", health.Status, sanitizeInline(health.Message))

	res, err := adp.CollectData(ctx, opts.Date)
	if err != nil {
		return fmt.Errorf("collect %s: %w", market, err)
	}
	failed := 0
	for _, ev := range res.Evidence {
		if !ev.Success {
			failed++
		}
	}
	fmt.Fprintf(a.Out, "records:  %d\n", len(res.Records))
	fmt.Fprintf(a.Out, "evidence: %d (%d failed)\n", len(res.Evidence), failed)

	v := adp.ValidateData(res.Records)
	fmt.Fprintf(a.Out, "valid:    %t\n", v.IsValid)
	fmt.Fprintf(a.Out, "score:    %.1f\n", v.QualityScore)
	printList(a, "errors", v.Errors)
	printList(a, "warnings", v.Warnings)

	for _, r := range res.Records {
		volume := "-"
		if r.Volume != nil {
			volume = r.Volume.String()
		}
		fmt.Fprintf(a.Out, "  %s %s %s %s vol=%s\n", r.Date, r.InstrumentCode, r.Price.String(), r.Currency, volume)
	}
	return nil
}

func printList(a *App, label string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(a.Out, "%s:\n", label)
	for _, item := range items {
		fmt.Fprintf(a.Out, "  - %s\n", strings.TrimSpace(item))
	}
}
