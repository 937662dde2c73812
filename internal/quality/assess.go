package quality

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"carbon-price-collector/internal/model"
)

// Issue severities.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)

// Issue codes emitted by ValidateRecord.
const (
	CodeMissingField     = "missing_field"
	CodeNonPositivePrice = "non_positive_price"
	CodeInvalidMarket    = "invalid_market"
	CodeInvalidCurrency  = "invalid_currency"
	CodeInvalidDate      = "invalid_date"
	CodeFutureDate       = "future_date"
	CodeExtremeChange    = "extreme_change"
)

const (
	extremeChangePercent = 50
	recordErrorPenalty   = 25
	recordWarningPenalty = 10
	acceptedRecordScore  = 60
	lowQualityMean       = 70
	maxErrorRate         = 0.10
	maxIssues            = 100
)

var extremeChange = decimal.NewFromInt(extremeChangePercent)

// Issue is one finding against a single record.
type Issue struct {
	Index    int    `json:"index"`
	Severity string `json:"severity"`
	Code     string `json:"code"`
	Message  string `json:"message"`
}

// RecordAssessment is the per-record verdict from ValidateRecord.
type RecordAssessment struct {
	Score  float64 `json:"score"`
	Issues []Issue `json:"issues"`
}

// BatchAssessment summarises AssessBatch.
type BatchAssessment struct {
	TotalRecords    int      `json:"totalRecords"`
	AcceptedRecords int      `json:"acceptedRecords"`
	AverageScore    float64  `json:"averageScore"`
	Issues          []Issue  `json:"issues"`
	Recommendations []string `json:"recommendations"`
}

// Recommendation texts.
const (
	RecommendAudit = "Quality low: audit the collection pipeline"
	RecommendPause = "High error rate: pause auto-import until sources are fixed"
)

// ValidateRecord checks one record. The comparison record for extreme-change
// detection is the last element of pool in the same series with a different
// date, regardless of whether it is earlier in time.
func ValidateRecord(r model.PriceRecord, pool []model.PriceRecord, today time.Time) RecordAssessment {
	var issues []Issue
	add := func(sev, code, msg string) {
		issues = append(issues, Issue{Severity: sev, Code: code, Message: msg})
	}

	for _, f := range MissingFields(r, DefaultRequiredFields) {
		add(SeverityError, CodeMissingField, fmt.Sprintf("missing %s", f))
	}
	if !r.Price.IsZero() && !r.Price.IsPositive() {
		add(SeverityError, CodeNonPositivePrice, fmt.Sprintf("price %s is not positive", r.Price.String()))
	}
	if r.MarketCode != "" {
		if want, ok := r.MarketCode.Currency(); !ok {
			add(SeverityError, CodeInvalidMarket, fmt.Sprintf("unknown market %s", r.MarketCode))
		} else if r.Currency != "" && r.Currency != want {
			add(SeverityError, CodeInvalidCurrency, fmt.Sprintf("currency %s does not match %s (%s)", r.Currency, r.MarketCode, want))
		}
	}
	if r.Date != "" {
		day, err := parseDay(r.Date)
		if err != nil {
			add(SeverityError, CodeInvalidDate, fmt.Sprintf("date %q is not YYYY-MM-DD", r.Date))
		} else if !today.IsZero() && day.After(today) {
			add(SeverityWarning, CodeFutureDate, fmt.Sprintf("date %s is in the future", r.Date))
		}
	}

	if prev, ok := comparisonRecord(r, pool); ok && prev.Price.IsPositive() && r.Price.IsPositive() {
		change := ChangePercent(prev.Price, r.Price)
		if change.Abs().GreaterThan(extremeChange) {
			add(SeverityWarning, CodeExtremeChange, fmt.Sprintf("extreme price change %s%% for %s on %s vs %s",
				change.StringFixed(2), r.Series(), r.Date, prev.Date))
		}
	}

	score := 100.0
	for _, is := range issues {
		if is.Severity == SeverityError {
			score -= recordErrorPenalty
		} else {
			score -= recordWarningPenalty
		}
	}
	return RecordAssessment{Score: clamp(score), Issues: issues}
}

func comparisonRecord(r model.PriceRecord, pool []model.PriceRecord) (model.PriceRecord, bool) {
	for i := len(pool) - 1; i >= 0; i-- {
		p := pool[i]
		if p.MarketCode == r.MarketCode && p.InstrumentCode == r.InstrumentCode && p.Date != r.Date {
			return p, true
		}
	}
	return model.PriceRecord{}, false
}

// AssessBatch validates every record against the whole batch, averages the
// scores of records that reach the acceptance bar and derives recommendations.
func AssessBatch(records []model.PriceRecord, today time.Time) BatchAssessment {
	out := BatchAssessment{TotalRecords: len(records)}
	if len(records) == 0 {
		return out
	}

	var (
		sum      float64
		errCount int
	)
	for i, r := range records {
		a := ValidateRecord(r, records, today)
		for _, is := range a.Issues {
			is.Index = i
			if is.Severity == SeverityError {
				errCount++
			}
			out.Issues = append(out.Issues, is)
		}
		if a.Score >= acceptedRecordScore {
			out.AcceptedRecords++
			sum += a.Score
		}
	}
	if out.AcceptedRecords > 0 {
		out.AverageScore = sum / float64(out.AcceptedRecords)
	}

	if out.AverageScore < lowQualityMean {
		out.Recommendations = append(out.Recommendations, RecommendAudit)
	}
	if float64(errCount) > maxErrorRate*float64(len(records)) {
		out.Recommendations = append(out.Recommendations, RecommendPause)
	}
	if len(out.Issues) > maxIssues {
		out.Issues = out.Issues[:maxIssues]
	}
	return out
}

func parseDay(s string) (time.Time, error) {
	t, err := time.Parse(model.DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return t, nil
}

func isWeekend(t time.Time) bool {
	wd := t.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}
