package adapter

import (
	"context"
	"errors"
	"strings"

	"carbon-price-collector/internal/evidence"
	"carbon-price-collector/internal/model"
	"carbon-price-collector/internal/normalize"
)

var errNoRenderer = errors.New("no page renderer configured")

// TableLayout names the columns of an HTML price table. A negative index means absent.
type TableLayout struct {
	DateCol   int
	PriceCol  int
	VolumeCol int
}

func (l TableLayout) width() int {
	w := l.DateCol
	if l.PriceCol > w {
		w = l.PriceCol
	}
	if l.VolumeCol > w {
		w = l.VolumeCol
	}
	return w + 1
}

// collectTable renders one HTML source and turns its rows into records near target.
// A render failure is recorded as evidence and contributes no records.
func (b *base) collectTable(ctx context.Context, ev *evidence.Collector, source, url, selector string, layout TableLayout, target string) []model.PriceRecord {
	if b.deps.Renderer == nil {
		ev.RecordFailure(source, url, errNoRenderer)
		return nil
	}

	res, err := b.deps.Renderer.RenderAndExtract(ctx, url, selector)
	if len(res.PNG) > 0 {
		ev.CaptureScreenshot(ctx, source, url, res)
	}
	if err != nil {
		b.logger.Warn().Err(err).Str("source", source).Str("url", url).Msg("table source failed")
		ev.RecordFailure(source, url, err)
		return nil
	}
	if len(res.PNG) == 0 {
		ev.CaptureAPIResponse(source, url, []byte(res.HTML), nil)
	}

	return b.parseTableRows(res.Rows, layout, target, url, source)
}

func (b *base) parseTableRows(rows [][]string, layout TableLayout, target, url, source string) []model.PriceRecord {
	records := make([]model.PriceRecord, 0, len(rows))
	skipped := 0
	for _, row := range rows {
		if len(row) < layout.width() {
			skipped++
			continue
		}
		date, err := normalize.ParseDate(row[layout.DateCol])
		if err != nil {
			skipped++
			continue
		}
		if !normalize.WithinWindow(date, target, b.profile.WindowDays) {
			continue
		}
		price, err := normalize.ParsePrice(row[layout.PriceCol])
		if err != nil {
			skipped++
			continue
		}
		var volumeCell string
		if layout.VolumeCol >= 0 {
			volumeCell = row[layout.VolumeCol]
		}
		volume, err := normalize.ParseVolume(volumeCell)
		if err != nil {
			skipped++
			continue
		}
		records = append(records, b.newRecord(date, price, volume, url, map[string]any{
			"source": source,
			"raw":    strings.Join(row, " | "),
		}))
	}
	if skipped > 0 {
		b.logger.Debug().Str("source", source).Int("skipped", skipped).Msg("rows skipped during parsing")
	}
	return records
}
