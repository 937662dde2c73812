// Package quality scores and checks batches of price records. Nothing here performs I/O.
package quality

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"carbon-price-collector/internal/model"
)

// Field names understood by RequiredFields.
const (
	FieldDate        = "date"
	FieldMarketCode  = "marketCode"
	FieldInstrument  = "instrumentCode"
	FieldPrice       = "price"
	FieldCurrency    = "currency"
	FieldVolume      = "volume"
	FieldSourceURL   = "sourceUrl"
	FieldCollectedBy = "collectedBy"
)

// DefaultRequiredFields are enforced when a caller does not name its own.
var DefaultRequiredFields = []string{FieldDate, FieldMarketCode, FieldInstrument, FieldPrice, FieldCurrency}

const (
	penaltyMissingField  = 10
	penaltyNonPositive   = 15
	penaltyMixedMarkets  = 20
	penaltyOutOfOrder    = 5
	maxDeduction         = 100
	warningPenalty       = 5
	maxWarningsForPassed = 5
)

var hundred = decimal.NewFromInt(100)

// PriceRange is an inclusive [Min, Max] band.
type PriceRange struct {
	Min decimal.Decimal
	Max decimal.Decimal
}

// Contains reports whether p lies inside the band; both bounds are in range.
func (r PriceRange) Contains(p decimal.Decimal) bool {
	return !p.LessThan(r.Min) && !p.GreaterThan(r.Max)
}

func (r PriceRange) String() string {
	return fmt.Sprintf("[%s, %s]", r.Min.String(), r.Max.String())
}

// Score is the quick deduction-based score: 100 minus fixed penalties, floored at 0.
// An empty batch carries no deductions.
func Score(records []model.PriceRecord) float64 {
	deductions := 0
	markets := make(map[model.MarketCode]struct{})
	outOfOrder := false

	for i, r := range records {
		if len(MissingFields(r, DefaultRequiredFields)) > 0 {
			deductions += penaltyMissingField
		}
		if !r.Price.IsPositive() {
			deductions += penaltyNonPositive
		}
		if r.MarketCode != "" {
			markets[r.MarketCode] = struct{}{}
		}
		if i > 0 && r.Date < records[i-1].Date {
			outOfOrder = true
		}
	}
	if len(markets) > 1 {
		deductions += penaltyMixedMarkets
	}
	if outOfOrder {
		deductions += penaltyOutOfOrder
	}
	if deductions > maxDeduction {
		deductions = maxDeduction
	}
	return float64(100 - deductions)
}

// CheckOptions parameterise Check.
type CheckOptions struct {
	ExpectedPriceRange    *PriceRange
	MaxPriceChangePercent decimal.Decimal
	RequiredFields        []string
}

// CheckResult is the outcome of Check. Score here is the completeness score,
// independent of Score().
type CheckResult struct {
	Warnings []string `json:"warnings"`
	Passed   bool     `json:"passed"`
	Score    float64  `json:"score"`
}

// Check flags out-of-range prices, missing required fields and day-over-day
// moves above MaxPriceChangePercent within each market/instrument series.
func Check(records []model.PriceRecord, opts CheckOptions) CheckResult {
	required := opts.RequiredFields
	if required == nil {
		required = DefaultRequiredFields
	}

	var warnings []string
	requiredViolations := 0

	for i, r := range records {
		if opts.ExpectedPriceRange != nil && !opts.ExpectedPriceRange.Contains(r.Price) {
			warnings = append(warnings, fmt.Sprintf("Price %s for %s on %s outside expected range %s",
				r.Price.String(), r.Series(), r.Date, opts.ExpectedPriceRange.String()))
		}
		for _, field := range MissingFields(r, required) {
			requiredViolations++
			warnings = append(warnings, fmt.Sprintf("Missing required field %s in record %d", field, i))
		}
	}

	if opts.MaxPriceChangePercent.IsPositive() {
		warnings = append(warnings, changeWarnings(records, opts.MaxPriceChangePercent)...)
	}

	return CheckResult{
		Warnings: warnings,
		Passed:   requiredViolations == 0 && len(warnings) < maxWarningsForPassed,
		Score:    completenessScore(records, len(warnings)),
	}
}

func changeWarnings(records []model.PriceRecord, maxPct decimal.Decimal) []string {
	sorted := make([]model.PriceRecord, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Date < sorted[j].Date })

	var warnings []string
	last := make(map[string]model.PriceRecord)
	for _, r := range sorted {
		prev, ok := last[r.Series()]
		last[r.Series()] = r
		if !ok || !prev.Price.IsPositive() {
			continue
		}
		change := ChangePercent(prev.Price, r.Price)
		if change.Abs().GreaterThan(maxPct) {
			warnings = append(warnings, fmt.Sprintf("Large price change of %s%% for %s on %s (from %s on %s)",
				change.StringFixed(2), r.Series(), r.Date, prev.Price.String(), prev.Date))
		}
	}
	return warnings
}

// ChangePercent returns (cur - prev) / prev * 100. prev must be non-zero.
func ChangePercent(prev, cur decimal.Decimal) decimal.Decimal {
	return cur.Sub(prev).Div(prev).Mul(hundred)
}

func completenessScore(records []model.PriceRecord, warnings int) float64 {
	if len(records) == 0 {
		return 0
	}
	withVolume, withMeta := 0, 0
	for _, r := range records {
		if r.Volume != nil {
			withVolume++
		}
		if len(r.Metadata) > 0 {
			withMeta++
		}
	}
	n := float64(len(records))
	score := 80 + 10*float64(withVolume)/n + 10*float64(withMeta)/n - float64(warningPenalty*warnings)
	return clamp(score)
}

// CheckDuplicates reports one notice for every repeat of a (market, instrument, date) key.
func CheckDuplicates(records []model.PriceRecord) []string {
	seen := make(map[model.RecordKey]int, len(records))
	var notices []string
	for i, r := range records {
		key := r.Key()
		seen[key]++
		if seen[key] > 1 {
			notices = append(notices, fmt.Sprintf("Duplicate record %s at index %d (occurrence %d)", key, i, seen[key]))
		}
	}
	return notices
}

// CheckCompleteness lists every weekday in [from, to] missing from each
// market/instrument series present in records.
func CheckCompleteness(records []model.PriceRecord, from, to string) ([]string, error) {
	start, err := parseDay(from)
	if err != nil {
		return nil, err
	}
	end, err := parseDay(to)
	if err != nil {
		return nil, err
	}
	if end.Before(start) {
		return nil, fmt.Errorf("completeness range %s..%s is inverted", from, to)
	}

	present := make(map[string]map[string]struct{})
	var series []string
	for _, r := range records {
		s := r.Series()
		if _, ok := present[s]; !ok {
			present[s] = make(map[string]struct{})
			series = append(series, s)
		}
		present[s][r.Date] = struct{}{}
	}
	sort.Strings(series)

	var missing []string
	for _, s := range series {
		for day := start; !day.After(end); day = day.AddDate(0, 0, 1) {
			if isWeekend(day) {
				continue
			}
			date := day.Format(model.DateLayout)
			if _, ok := present[s][date]; !ok {
				missing = append(missing, fmt.Sprintf("Missing data for %s on %s", s, date))
			}
		}
	}
	return missing, nil
}

// MissingFields lists the names in fields that r does not populate.
func MissingFields(r model.PriceRecord, fields []string) []string {
	var missing []string
	for _, f := range fields {
		if !hasField(r, f) {
			missing = append(missing, f)
		}
	}
	return missing
}

func hasField(r model.PriceRecord, field string) bool {
	switch field {
	case FieldDate:
		return r.Date != ""
	case FieldMarketCode:
		return r.MarketCode != ""
	case FieldInstrument:
		return r.InstrumentCode != ""
	case FieldPrice:
		return !r.Price.IsZero()
	case FieldCurrency:
		return r.Currency != ""
	case FieldVolume:
		return r.Volume != nil
	case FieldSourceURL:
		return r.SourceURL != ""
	case FieldCollectedBy:
		return r.CollectedBy != ""
	default:
		_, ok := r.Metadata[field]
		return ok
	}
}

func clamp(score float64) float64 {
	switch {
	case score < 0:
		return 0
	case score > 100:
		return 100
	default:
		return score
	}
}
