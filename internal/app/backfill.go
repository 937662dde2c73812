package app

import (
	"context"
	"errors"
	"time"

	"carbon-price-collector/internal/model"
)

// Backfill collects one market for every trading day in [From, To]. CDR
// trades every day; the exchange markets are walked on weekdays only.
func (a *App) Backfill(ctx context.Context, opts BackfillOptions) error {
	market, err := model.ParseMarketCode(opts.Market)
	if err != nil {
		return err
	}

	start := truncateDay(opts.From)
	end := truncateDay(opts.To)
	if end.Before(start) {
		return errors.New("回填范围为空，请检查 --from/--to")
	}

	if opts.DryRun {
		a.Logger.Warn().Msg("回填 dry-run：不会提交数据")
	}

	c, err := a.build(ctx, buildOptions{dryRun: opts.DryRun, withStore: !opts.DryRun})
	if err != nil {
		return err
	}
	defer c.close()

	adp, err := c.registry.Resolve(market)
	if err != nil {
		return err
	}

	processed := 0
	failed := 0
	for _, day := range BackfillDays(market, start, end) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		out, err := c.service.Collect(ctx, adp, day)
		if err != nil {
			failed++
			a.Logger.Error().Err(err).Str("day", day.Format(time.DateOnly)).Msg("回填失败")
			continue
		}
		processed++
		a.Logger.Info().Str("day", day.Format(time.DateOnly)).Int("records", len(out.Records)).Int("imported", out.Imported).Msg("回填完成一天")
	}

	a.Logger.Info().Int("processed", processed).Int("failed", failed).Msg("回填完成")
	if failed > 0 {
		return errors.New("部分日期回填失败，请检查日志")
	}
	return nil
}

// BackfillDays lists the days a backfill visits, oldest first.
func BackfillDays(market model.MarketCode, start, end time.Time) []time.Time {
	var days []time.Time
	for day := start; !day.After(end); day = day.AddDate(0, 0, 1) {
		if market != model.MarketCDR && (day.Weekday() == time.Saturday || day.Weekday() == time.Sunday) {
			continue
		}
		days = append(days, day)
	}
	return days
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
