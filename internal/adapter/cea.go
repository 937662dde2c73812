package adapter

import (
	"context"
	"errors"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"

	"carbon-price-collector/internal/evidence"
	"carbon-price-collector/internal/model"
	"carbon-price-collector/internal/normalize"
)

const (
	ceaPageSource = "cea-seee-page"
	ceaAPISource  = "cea-seee-api"
)

// CEAOptions locate the Shanghai Environment and Energy Exchange sources.
// A nil Layout selects DefaultCEALayout.
type CEAOptions struct {
	PageURL     string
	RowSelector string
	Layout      *TableLayout
	APIURL      string
}

// DefaultCEALayout is the SEEE daily quote table: date, instrument, open, high, low, close, volume.
var DefaultCEALayout = TableLayout{DateCol: 0, PriceCol: 5, VolumeCol: 6}

// CEAAdapter collects China national ETS allowance prices from the exchange
// quote page and its JSON summary endpoint in parallel.
type CEAAdapter struct {
	base
	opts CEAOptions
}

// NewCEA builds the CEA adapter.
func NewCEA(opts CEAOptions, deps Deps) *CEAAdapter {
	if opts.RowSelector == "" {
		opts.RowSelector = "table tbody tr"
	}
	if opts.Layout == nil {
		layout := DefaultCEALayout
		opts.Layout = &layout
	}
	profile, _ := ProfileFor(model.MarketCEA)
	return &CEAAdapter{base: newBase("cea-adapter", profile, deps), opts: opts}
}

// CollectData fetches the page and the API concurrently; each source fails independently.
func (a *CEAAdapter) CollectData(ctx context.Context, date time.Time) (model.CollectionResult, error) {
	target := a.targetDay(date)
	ev := evidence.NewCollector()

	var pageRecords, apiRecords []model.PriceRecord
	g, gctx := errgroup.WithContext(ctx)
	if a.opts.PageURL != "" {
		g.Go(func() error {
			pageRecords = a.collectTable(gctx, ev, ceaPageSource, a.opts.PageURL, a.opts.RowSelector, *a.opts.Layout, target)
			return nil
		})
	}
	if a.opts.APIURL != "" {
		g.Go(func() error {
			apiRecords = a.collectAPI(gctx, ev, target)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return model.CollectionResult{Evidence: ev.Items()}, err
	}

	records := mergeSources(pageRecords, apiRecords)
	sortRecords(records)
	a.logger.Info().Str("target", target).Int("records", len(records)).Int("evidence", ev.Len()).Msg("CEA collection finished")
	return model.CollectionResult{Records: records, Evidence: ev.Items()}, nil
}

func (a *CEAAdapter) collectAPI(ctx context.Context, ev *evidence.Collector, target string) []model.PriceRecord {
	if a.deps.Getter == nil {
		ev.RecordFailure(ceaAPISource, a.opts.APIURL, errors.New("no fetcher configured"))
		return nil
	}
	body, err := a.deps.Getter.Get(ctx, a.opts.APIURL)
	if err == nil && !gjson.ValidBytes(body) {
		err = errors.New("response is not valid JSON")
	}
	ev.CaptureAPIResponse(ceaAPISource, a.opts.APIURL, body, err)
	if err != nil {
		a.logger.Warn().Err(err).Str("url", a.opts.APIURL).Msg("CEA API source failed")
		return nil
	}

	var records []model.PriceRecord
	gjson.GetBytes(body, "data").ForEach(func(_, item gjson.Result) bool {
		date, err := normalize.ParseDate(firstString(item, "tradeDate", "trade_date", "date"))
		if err != nil || !normalize.WithinWindow(date, target, a.profile.WindowDays) {
			return true
		}
		price, err := normalize.ParsePrice(firstString(item, "closePrice", "close", "price"))
		if err != nil {
			return true
		}
		volume, err := normalize.ParseVolume(firstString(item, "volume", "turnoverVolume"))
		if err != nil {
			return true
		}
		records = append(records, a.newRecord(date, price, volume, a.opts.APIURL, map[string]any{
			"source": ceaAPISource,
			"raw":    item.Raw,
		}))
		return true
	})
	return records
}

// HealthStatus probes both sources and reports the worse outcome.
func (a *CEAAdapter) HealthStatus(ctx context.Context) model.HealthStatus {
	return a.probe(ctx, a.opts.PageURL, a.opts.APIURL)
}

func firstString(item gjson.Result, paths ...string) string {
	for _, p := range paths {
		if v := item.Get(p); v.Exists() && v.String() != "" {
			return v.String()
		}
	}
	return ""
}

var _ SourceAdapter = (*CEAAdapter)(nil)
