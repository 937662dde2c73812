package adapter

import (
	"fmt"
	"time"

	"carbon-price-collector/internal/model"
	"carbon-price-collector/internal/quality"
)

const warningDeduction = 5

// ValidateRecords applies the market profile and the shared quality checks to a batch.
// Wrong market, wrong currency, bad dates, missing required fields and an
// empty batch are errors; everything else is a warning.
func ValidateRecords(records []model.PriceRecord, p Profile, today time.Time) model.ValidationResult {
	res := model.ValidationResult{RecordCount: len(records)}
	if len(records) == 0 {
		res.Errors = []string{fmt.Sprintf("Insufficient data: no %s records collected", p.Market)}
		return res
	}

	want := p.Currency()
	for i, r := range records {
		if r.MarketCode != p.Market {
			res.Errors = append(res.Errors, fmt.Sprintf("Invalid market code %q in record %d (expected %s)", r.MarketCode, i, p.Market))
		}
		if r.Currency != want {
			res.Errors = append(res.Errors, fmt.Sprintf("Invalid currency %s for %s record on %s (expected %s)", r.Currency, r.MarketCode, r.Date, want))
		}
		if _, err := time.Parse(model.DateLayout, r.Date); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("Invalid date %q in record %d", r.Date, i))
		}
		for _, f := range quality.MissingFields(r, quality.DefaultRequiredFields) {
			if f == quality.FieldDate || f == quality.FieldCurrency || f == quality.FieldMarketCode {
				continue
			}
			res.Errors = append(res.Errors, fmt.Sprintf("Missing required field %s in record %d", f, i))
		}
	}

	check := quality.Check(records, quality.CheckOptions{
		ExpectedPriceRange:    &p.PriceRange,
		MaxPriceChangePercent: p.MaxChangePercent,
		RequiredFields:        []string{},
	})
	res.Warnings = append(res.Warnings, check.Warnings...)
	res.Warnings = append(res.Warnings, quality.CheckDuplicates(records)...)

	assessment := quality.AssessBatch(records, today)
	for _, is := range assessment.Issues {
		if is.Code == quality.CodeExtremeChange || is.Code == quality.CodeFutureDate {
			res.Warnings = append(res.Warnings, is.Message)
		}
	}

	score := quality.Score(records) - float64(warningDeduction*len(res.Warnings))
	if score < 0 {
		score = 0
	}
	res.QualityScore = score
	res.IsValid = len(res.Errors) == 0
	res.Metadata = batchMetadata(records)
	res.Metadata["checkScore"] = check.Score
	res.Metadata["checkPassed"] = check.Passed
	res.Metadata["assessmentScore"] = assessment.AverageScore
	if len(assessment.Recommendations) > 0 {
		res.Metadata["recommendations"] = assessment.Recommendations
	}
	return res
}

func batchMetadata(records []model.PriceRecord) map[string]any {
	minP, maxP := records[0].Price, records[0].Price
	from, to := records[0].Date, records[0].Date
	for _, r := range records[1:] {
		if r.Price.LessThan(minP) {
			minP = r.Price
		}
		if r.Price.GreaterThan(maxP) {
			maxP = r.Price
		}
		if r.Date < from {
			from = r.Date
		}
		if r.Date > to {
			to = r.Date
		}
	}
	return map[string]any{
		"priceRange": map[string]string{"min": minP.String(), "max": maxP.String()},
		"dateRange":  map[string]string{"from": from, "to": to},
	}
}
