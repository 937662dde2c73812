package adapter

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"carbon-price-collector/internal/evidence"
	"carbon-price-collector/internal/model"
	"carbon-price-collector/internal/normalize"
)

const ccaSource = "cca-csv"

// Candidate header names per logical field, probed in order.
var (
	ccaDateColumns   = []string{"date", "trade date", "tradedate", "settlement date", "auction date"}
	ccaPriceColumns  = []string{"settlement", "settle", "settlement price", "close", "price", "last", "clearing price"}
	ccaVolumeColumns = []string{"volume", "vol", "total volume", "open interest"}
)

// CCAOptions list the CSV exports of California allowance prices.
type CCAOptions struct {
	CSVURLs []string
}

// CCAAdapter downloads CSV exports and guesses their columns from the header row.
type CCAAdapter struct {
	base
	opts CCAOptions
}

// NewCCA builds the CCA adapter.
func NewCCA(opts CCAOptions, deps Deps) *CCAAdapter {
	profile, _ := ProfileFor(model.MarketCCA)
	return &CCAAdapter{base: newBase("cca-adapter", profile, deps), opts: opts}
}

// CollectData downloads every configured CSV in parallel.
func (a *CCAAdapter) CollectData(ctx context.Context, date time.Time) (model.CollectionResult, error) {
	target := a.targetDay(date)
	ev := evidence.NewCollector()

	var (
		mu      sync.Mutex
		records []model.PriceRecord
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, url := range a.opts.CSVURLs {
		g.Go(func() error {
			found := a.collectCSV(gctx, ev, url, target)
			mu.Lock()
			records = mergeSources(records, found)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return model.CollectionResult{Evidence: ev.Items()}, err
	}

	sortRecords(records)
	a.logger.Info().Str("target", target).Int("records", len(records)).Msg("CCA collection finished")
	return model.CollectionResult{Records: records, Evidence: ev.Items()}, nil
}

func (a *CCAAdapter) collectCSV(ctx context.Context, ev *evidence.Collector, url, target string) []model.PriceRecord {
	if a.deps.Getter == nil {
		ev.RecordFailure(ccaSource, url, errors.New("no fetcher configured"))
		return nil
	}
	body, err := a.deps.Getter.Get(ctx, url)
	ev.CaptureAPIResponse(ccaSource, url, body, err)
	if err != nil {
		a.logger.Warn().Err(err).Str("url", url).Msg("CCA CSV source failed")
		return nil
	}

	records, err := a.ParseCSV(body, target, url)
	if err != nil {
		a.logger.Warn().Err(err).Str("url", url).Msg("CCA CSV unparseable")
		ev.RecordFailure(ccaSource, url, err)
		return nil
	}
	return records
}

// ParseCSV converts a CSV export into records within the window around target.
// Rows where no candidate column yields a date or a price are skipped, as are
// rows the CSV reader cannot tokenise.
func (a *CCAAdapter) ParseCSV(body []byte, target, url string) ([]model.PriceRecord, error) {
	reader := csv.NewReader(bytes.NewReader(body))
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	reader.LazyQuotes = true

	headerRow, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, errors.New("csv has no data rows")
	}
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	header := make(map[string]int, len(headerRow))
	for i, name := range headerRow {
		header[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))] = i
	}

	var (
		records []model.PriceRecord
		rows    int
	)
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		var parseErr *csv.ParseError
		if errors.As(err, &parseErr) {
			a.logger.Debug().Err(err).Str("url", url).Msg("skipping malformed CSV row")
			rows++
			continue
		}
		if err != nil {
			return records, fmt.Errorf("read csv: %w", err)
		}
		rows++

		date, dateCol, ok := guessColumn(row, header, ccaDateColumns, normalize.ParseCSVDate)
		if !ok || !normalize.WithinWindow(date, target, a.profile.WindowDays) {
			continue
		}
		price, priceCol, ok := guessColumn(row, header, ccaPriceColumns, normalize.ParsePrice)
		if !ok {
			continue
		}
		volume, _, _ := guessColumn(row, header, ccaVolumeColumns, parseVolumeStrict)

		records = append(records, a.newRecord(date, price, volume, url, map[string]any{
			"source":      ccaSource,
			"dateColumn":  dateCol,
			"priceColumn": priceCol,
			"raw":         strings.Join(row, ","),
		}))
	}
	if rows == 0 {
		return nil, errors.New("csv has no data rows")
	}
	return records, nil
}

// HealthStatus probes every CSV endpoint.
func (a *CCAAdapter) HealthStatus(ctx context.Context) model.HealthStatus {
	return a.probe(ctx, a.opts.CSVURLs...)
}

// guessColumn returns the first candidate column whose cell parses.
func guessColumn[T any](row []string, header map[string]int, candidates []string, parse func(string) (T, error)) (T, string, bool) {
	var zero T
	for _, name := range candidates {
		idx, ok := header[name]
		if !ok || idx >= len(row) {
			continue
		}
		if v, err := parse(row[idx]); err == nil {
			return v, name, true
		}
	}
	return zero, "", false
}

func parseVolumeStrict(raw string) (*decimal.Decimal, error) {
	v, err := normalize.ParseVolume(raw)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, errors.New("empty volume")
	}
	return v, nil
}

var _ SourceAdapter = (*CCAAdapter)(nil)
