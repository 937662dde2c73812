package adapter

import (
	"context"
	"errors"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"

	"carbon-price-collector/internal/evidence"
	"carbon-price-collector/internal/model"
	"carbon-price-collector/internal/normalize"
)

const cdrSource = "cdr-api"

// CDROptions list the carbon-removal marketplace JSON APIs.
type CDROptions struct {
	APIURLs []string
}

// CDRAdapter aggregates individual removal purchases into one daily
// volume-weighted price per removal method.
type CDRAdapter struct {
	base
	opts CDROptions
}

// NewCDR builds the CDR adapter.
func NewCDR(opts CDROptions, deps Deps) *CDRAdapter {
	profile, _ := ProfileFor(model.MarketCDR)
	return &CDRAdapter{base: newBase("cdr-adapter", profile, deps), opts: opts}
}

// cdrTrade is one purchase row pulled from an API.
type cdrTrade struct {
	Date       string
	Instrument string
	Method     string
	Price      decimal.Decimal
	Volume     *decimal.Decimal
	SourceURL  string
}

// CollectData queries every API concurrently and aggregates the trades.
func (a *CDRAdapter) CollectData(ctx context.Context, date time.Time) (model.CollectionResult, error) {
	target := a.targetDay(date)
	ev := evidence.NewCollector()

	var (
		mu     sync.Mutex
		trades []cdrTrade
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, url := range a.opts.APIURLs {
		g.Go(func() error {
			found := a.collectAPI(gctx, ev, url, target)
			mu.Lock()
			trades = append(trades, found...)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return model.CollectionResult{Evidence: ev.Items()}, err
	}

	records := a.aggregate(trades)
	a.logger.Info().Str("target", target).Int("trades", len(trades)).Int("records", len(records)).Msg("CDR collection finished")
	return model.CollectionResult{Records: records, Evidence: ev.Items()}, nil
}

func (a *CDRAdapter) collectAPI(ctx context.Context, ev *evidence.Collector, url, target string) []cdrTrade {
	if a.deps.Getter == nil {
		ev.RecordFailure(cdrSource, url, errors.New("no fetcher configured"))
		return nil
	}
	body, err := a.deps.Getter.Get(ctx, url)
	if err == nil && !gjson.ValidBytes(body) {
		err = errors.New("response is not valid JSON")
	}
	ev.CaptureAPIResponse(cdrSource, url, body, err)
	if err != nil {
		a.logger.Warn().Err(err).Str("url", url).Msg("CDR API source failed")
		return nil
	}
	return parseCDRTrades(body, url, target, a.profile.WindowDays)
}

func parseCDRTrades(body []byte, url, target string, window int) []cdrTrade {
	items := gjson.ParseBytes(body)
	if !items.IsArray() {
		for _, path := range []string{"data", "purchases", "orders", "results"} {
			if v := items.Get(path); v.IsArray() {
				items = v
				break
			}
		}
	}
	if !items.IsArray() {
		return nil
	}

	var trades []cdrTrade
	items.ForEach(func(_, item gjson.Result) bool {
		date, err := normalize.ParseDate(firstString(item, "date", "delivered_at", "announced_at", "created_at"))
		if err != nil || !normalize.WithinWindow(date, target, window) {
			return true
		}
		price, err := normalize.ParsePrice(firstString(item, "price_per_tonne", "price_usd", "price"))
		if err != nil {
			return true
		}
		volume, err := normalize.ParseVolume(firstString(item, "tonnes", "volume", "tons"))
		if err != nil {
			return true
		}
		method := firstString(item, "method", "removal_method", "type")
		trades = append(trades, cdrTrade{
			Date:       date,
			Instrument: InstrumentForMethod(method),
			Method:     method,
			Price:      price,
			Volume:     volume,
			SourceURL:  url,
		})
		return true
	})
	return trades
}

type cdrBucket struct {
	date, instrument, method string
	weighted, volume, sum    decimal.Decimal
	trades, withVolume       int
	sources                  map[string]struct{}
	firstURL                 string
}

// aggregate folds trades into one record per (date, instrument). The price is
// volume-weighted when every trade carries a volume, else a plain mean.
func (a *CDRAdapter) aggregate(trades []cdrTrade) []model.PriceRecord {
	buckets := make(map[string]*cdrBucket)
	var order []string
	for _, t := range trades {
		key := t.Date + "|" + t.Instrument
		b, ok := buckets[key]
		if !ok {
			b = &cdrBucket{date: t.Date, instrument: t.Instrument, method: t.Method, sources: map[string]struct{}{}, firstURL: t.SourceURL}
			buckets[key] = b
			order = append(order, key)
		}
		b.trades++
		b.sum = b.sum.Add(t.Price)
		b.sources[t.SourceURL] = struct{}{}
		if t.Volume != nil && t.Volume.IsPositive() {
			b.withVolume++
			b.weighted = b.weighted.Add(t.Price.Mul(*t.Volume))
			b.volume = b.volume.Add(*t.Volume)
		}
	}

	records := make([]model.PriceRecord, 0, len(order))
	for _, key := range order {
		b := buckets[key]
		weightedAvg := b.withVolume == b.trades && b.volume.IsPositive()
		var price decimal.Decimal
		if weightedAvg {
			price = b.weighted.Div(b.volume)
		} else {
			price = b.sum.Div(decimal.NewFromInt(int64(b.trades)))
		}
		var volume *decimal.Decimal
		if b.withVolume > 0 {
			v := b.volume
			volume = &v
		}
		sources := make([]string, 0, len(b.sources))
		for s := range b.sources {
			sources = append(sources, s)
		}
		sort.Strings(sources)

		rec := a.newRecord(b.date, price.Round(2), volume, b.firstURL, map[string]any{
			"source":         cdrSource,
			"aggregated":     true,
			"tradeCount":     b.trades,
			"volumeWeighted": weightedAvg,
			"method":         b.method,
			"sources":        sources,
		})
		rec.InstrumentCode = b.instrument
		records = append(records, rec)
	}
	sortRecords(records)
	return records
}

var nonAlnum = regexp.MustCompile(`[^A-Z0-9]+`)

// InstrumentForMethod maps a removal method name onto a CDR-* instrument code.
func InstrumentForMethod(method string) string {
	m := strings.ToLower(strings.TrimSpace(method))
	switch {
	case m == "":
		return "CDR-MIXED"
	case m == "dac" || strings.Contains(m, "direct air"):
		return "CDR-DAC"
	case strings.Contains(m, "biochar"):
		return "CDR-BIOCHAR"
	case strings.Contains(m, "weathering"):
		return "CDR-EW"
	case m == "beccs" || strings.Contains(m, "bioenergy"):
		return "CDR-BECCS"
	case strings.Contains(m, "ocean") || strings.Contains(m, "marine"):
		return "CDR-OCEAN"
	case strings.Contains(m, "forest") || strings.Contains(m, "soil"):
		return "CDR-NBS"
	default:
		code := strings.Trim(nonAlnum.ReplaceAllString(strings.ToUpper(m), "-"), "-")
		return "CDR-" + code
	}
}

// HealthStatus probes every API.
func (a *CDRAdapter) HealthStatus(ctx context.Context) model.HealthStatus {
	return a.probe(ctx, a.opts.APIURLs...)
}

var _ SourceAdapter = (*CDRAdapter)(nil)
