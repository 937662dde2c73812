package adapter

import (
	"context"
	"time"

	"carbon-price-collector/internal/evidence"
	"carbon-price-collector/internal/model"
)

const ccerSource = "ccer-cbeex-page"

// CCEROptions locate the Beijing Green Exchange CCER quote table.
// A nil Layout selects DefaultCCERLayout.
type CCEROptions struct {
	PageURL     string
	RowSelector string
	Layout      *TableLayout
}

// DefaultCCERLayout is date, average price, volume.
var DefaultCCERLayout = TableLayout{DateCol: 0, PriceCol: 1, VolumeCol: 2}

// CCERAdapter scrapes CCER offset prices. Trading is thin, so it looks ±5 days around the target.
type CCERAdapter struct {
	base
	opts CCEROptions
}

// NewCCER builds the CCER adapter.
func NewCCER(opts CCEROptions, deps Deps) *CCERAdapter {
	if opts.RowSelector == "" {
		opts.RowSelector = "table tbody tr"
	}
	if opts.Layout == nil {
		layout := DefaultCCERLayout
		opts.Layout = &layout
	}
	profile, _ := ProfileFor(model.MarketCCER)
	return &CCERAdapter{base: newBase("ccer-adapter", profile, deps), opts: opts}
}

// CollectData renders the quote page and keeps rows inside the window.
func (a *CCERAdapter) CollectData(ctx context.Context, date time.Time) (model.CollectionResult, error) {
	target := a.targetDay(date)
	ev := evidence.NewCollector()

	records := a.collectTable(ctx, ev, ccerSource, a.opts.PageURL, a.opts.RowSelector, *a.opts.Layout, target)
	if err := ctx.Err(); err != nil {
		return model.CollectionResult{Evidence: ev.Items()}, err
	}
	sortRecords(records)
	a.logger.Info().Str("target", target).Int("records", len(records)).Msg("CCER collection finished")
	return model.CollectionResult{Records: records, Evidence: ev.Items()}, nil
}

// HealthStatus probes the quote page.
func (a *CCERAdapter) HealthStatus(ctx context.Context) model.HealthStatus {
	return a.probe(ctx, a.opts.PageURL)
}

var _ SourceAdapter = (*CCERAdapter)(nil)
