package quality

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carbon-price-collector/internal/model"
)

func rec(market model.MarketCode, date, price string) model.PriceRecord {
	cur, _ := market.Currency()
	return model.PriceRecord{
		Date:           date,
		MarketCode:     market,
		InstrumentCode: string(market),
		Price:          decimal.RequireFromString(price),
		Currency:       cur,
		SourceURL:      "https://example.test",
		CollectedBy:    "test",
	}
}

func ccaScenario() []model.PriceRecord {
	return []model.PriceRecord{
		rec(model.MarketCCA, "2024-01-10", "30.00"),
		rec(model.MarketCCA, "2024-01-11", "31.50"),
		rec(model.MarketCCA, "2024-01-12", "65.00"),
	}
}

var today = time.Date(2024, 1, 31, 12, 0, 0, 0, time.UTC)

func TestScoreDeductions(t *testing.T) {
	assert.Equal(t, 100.0, Score(ccaScenario()))
	assert.Equal(t, 100.0, Score(nil))

	missing := rec(model.MarketCCA, "2024-01-13", "30")
	missing.InstrumentCode = ""
	assert.Equal(t, 90.0, Score(append(ccaScenario(), missing)))

	negative := rec(model.MarketCCA, "2024-01-14", "-1")
	assert.Equal(t, 75.0, Score(append(ccaScenario(), missing, negative)))

	mixed := append(ccaScenario(), rec(model.MarketCEA, "2024-01-13", "60"))
	assert.Equal(t, 80.0, Score(mixed))

	reversed := []model.PriceRecord{rec(model.MarketCCA, "2024-01-12", "30"), rec(model.MarketCCA, "2024-01-10", "30")}
	assert.Equal(t, 95.0, Score(reversed))
}

func TestScoreMonotoneAndBounded(t *testing.T) {
	batch := ccaScenario()
	last := Score(batch)
	for i := 0; i < 12; i++ {
		bad := rec(model.MarketCCA, "2024-01-20", "0")
		if i%2 == 0 {
			bad.Currency = ""
		}
		batch = append(batch, bad)
		s := Score(batch)
		assert.LessOrEqual(t, s, last)
		assert.GreaterOrEqual(t, s, 0.0)
		assert.LessOrEqual(t, s, 100.0)
		last = s
	}
	assert.Equal(t, 0.0, last)
}

func TestCheckRangeBoundariesDoNotWarn(t *testing.T) {
	band := &PriceRange{Min: decimal.NewFromInt(20), Max: decimal.NewFromInt(150)}
	records := []model.PriceRecord{
		rec(model.MarketCEA, "2024-01-08", "20"),
		rec(model.MarketCEA, "2024-01-09", "150"),
	}
	res := Check(records, CheckOptions{ExpectedPriceRange: band})
	assert.Empty(t, res.Warnings)
	assert.True(t, res.Passed)

	records = append(records, rec(model.MarketCEA, "2024-01-10", "19.99"), rec(model.MarketCEA, "2024-01-11", "150.01"))
	res = Check(records, CheckOptions{ExpectedPriceRange: band})
	require.Len(t, res.Warnings, 2)
	assert.Contains(t, res.Warnings[0], "19.99")
	assert.Contains(t, res.Warnings[1], "150.01")
}

func TestCheckFlagsLargeChangeOnThirdDay(t *testing.T) {
	res := Check(ccaScenario(), CheckOptions{MaxPriceChangePercent: decimal.NewFromInt(20)})
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "2024-01-12")
	assert.Contains(t, res.Warnings[0], "106.35")
	assert.True(t, res.Passed)
	// 80 base, no volume or metadata, one warning.
	assert.Equal(t, 75.0, res.Score)
}

func TestCheckSortsBeforeComparing(t *testing.T) {
	batch := ccaScenario()
	shuffled := []model.PriceRecord{batch[2], batch[0], batch[1]}
	res := Check(shuffled, CheckOptions{MaxPriceChangePercent: decimal.NewFromInt(20)})
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "2024-01-12")
}

func TestCheckRequiredFieldsFailPassed(t *testing.T) {
	r := rec(model.MarketCCA, "2024-01-10", "30")
	r.SourceURL = ""
	res := Check([]model.PriceRecord{r}, CheckOptions{RequiredFields: []string{FieldSourceURL}})
	require.Len(t, res.Warnings, 1)
	assert.False(t, res.Passed)
}

func TestCheckTooManyWarningsFailsPassed(t *testing.T) {
	band := &PriceRange{Min: decimal.NewFromInt(100), Max: decimal.NewFromInt(200)}
	var records []model.PriceRecord
	for d := 1; d <= 5; d++ {
		records = append(records, rec(model.MarketCCA, fmt.Sprintf("2024-01-%02d", d), "30"))
	}
	res := Check(records, CheckOptions{ExpectedPriceRange: band})
	assert.Len(t, res.Warnings, 5)
	assert.False(t, res.Passed)
	assert.Equal(t, 55.0, res.Score)
}

func TestCheckCompletenessScore(t *testing.T) {
	vol := decimal.NewFromInt(1000)
	a := rec(model.MarketCEA, "2024-01-08", "60")
	a.Volume = &vol
	b := rec(model.MarketCEA, "2024-01-09", "61")
	b.Metadata = map[string]any{"raw": "x"}
	res := Check([]model.PriceRecord{a, b}, CheckOptions{})
	assert.Equal(t, 90.0, res.Score)

	assert.Equal(t, 0.0, Check(nil, CheckOptions{}).Score)
}

func TestCheckDuplicatesCountsRepeats(t *testing.T) {
	r := rec(model.MarketCEA, "2024-01-08", "60")
	assert.Empty(t, CheckDuplicates([]model.PriceRecord{r}))
	assert.Len(t, CheckDuplicates([]model.PriceRecord{r, r}), 1)

	notices := CheckDuplicates([]model.PriceRecord{r, r, r})
	require.Len(t, notices, 2)
	assert.Contains(t, notices[1], "occurrence 3")

	other := r
	other.InstrumentCode = "CEA-2"
	assert.Empty(t, CheckDuplicates([]model.PriceRecord{r, other}))
}

func TestCheckCompletenessSkipsWeekends(t *testing.T) {
	records := []model.PriceRecord{
		rec(model.MarketCEA, "2024-01-08", "60"),
		rec(model.MarketCEA, "2024-01-10", "61"),
	}
	missing, err := CheckCompleteness(records, "2024-01-08", "2024-01-14")
	require.NoError(t, err)
	require.Len(t, missing, 3)
	assert.Contains(t, missing[0], "2024-01-09")
	assert.Contains(t, missing[1], "2024-01-11")
	assert.Contains(t, missing[2], "2024-01-12")

	_, err = CheckCompleteness(records, "2024-01-14", "2024-01-08")
	assert.Error(t, err)
}

func TestAssessBatchComparesAgainstWholeBatch(t *testing.T) {
	res := AssessBatch(ccaScenario(), today)
	require.Len(t, res.Issues, 3)
	// The first day is compared with the last different-date record in the
	// batch (the 12th), so it is flagged too.
	assert.Equal(t, 0, res.Issues[0].Index)
	assert.Equal(t, CodeExtremeChange, res.Issues[0].Code)
	assert.Contains(t, res.Issues[0].Message, "vs 2024-01-12")
	assert.Equal(t, 90.0, res.AverageScore)
	assert.Equal(t, 3, res.AcceptedRecords)
	assert.Empty(t, res.Recommendations)
}

func TestAssessBatchRecommendations(t *testing.T) {
	var records []model.PriceRecord
	for d := 8; d <= 12; d++ {
		records = append(records, rec(model.MarketCEA, fmt.Sprintf("2024-01-%02d", d), "60"))
	}
	records[2].Currency = ""
	res := AssessBatch(records, today)
	assert.Equal(t, []string{RecommendPause}, res.Recommendations)
	assert.Equal(t, 95.0, res.AverageScore)

	records[0].Currency = model.CurrencyUSD
	records[0].InstrumentCode = ""
	res = AssessBatch(records[:1], today)
	assert.Equal(t, 0, res.AcceptedRecords)
	assert.Equal(t, []string{RecommendAudit, RecommendPause}, res.Recommendations)
}

func TestAssessBatchTruncatesIssues(t *testing.T) {
	var records []model.PriceRecord
	for i := 0; i < 60; i++ {
		r := rec(model.MarketCEA, "2024-01-08", "60")
		r.Currency = ""
		r.InstrumentCode = ""
		records = append(records, r)
	}
	res := AssessBatch(records, today)
	assert.Len(t, res.Issues, 100)
	assert.Equal(t, 60, res.TotalRecords)
}

func TestValidateRecordFlagsFutureAndCurrency(t *testing.T) {
	r := rec(model.MarketEU, "2024-02-15", "70")
	r.Currency = model.CurrencyUSD
	a := ValidateRecord(r, nil, today)
	var codes []string
	for _, is := range a.Issues {
		codes = append(codes, is.Code)
	}
	assert.Equal(t, "invalid_currency,future_date", strings.Join(codes, ","))
	assert.Equal(t, 65.0, a.Score)
}
