// Package normalize turns the heterogeneous date, price and volume strings
// found on carbon-market sources into canonical values.
package normalize

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"carbon-price-collector/internal/model"
)

var (
	// ErrInvalidDate is returned for strings that do not name a real calendar day.
	ErrInvalidDate = errors.New("invalid date")
	// ErrInvalidPrice is returned for unparseable or non-positive prices.
	ErrInvalidPrice = errors.New("invalid price")
	// ErrInvalidVolume is returned for unparseable or negative volumes.
	ErrInvalidVolume = errors.New("invalid volume")
)

// csvMinYear is the earliest year accepted from CSV exports.
const csvMinYear = 2000

var (
	isoDatePattern     = regexp.MustCompile(`^(\d{4})[-/.](\d{1,2})[-/.](\d{1,2})(?:[T\s].*)?$`)
	chineseDatePattern = regexp.MustCompile(`^(\d{4})\s*年\s*(\d{1,2})\s*月\s*(\d{1,2})\s*日?$`)
	usDatePattern      = regexp.MustCompile(`^(\d{1,2})/(\d{1,2})/(\d{4})$`)
	usShortDatePattern = regexp.MustCompile(`^(\d{1,2})/(\d{1,2})/(\d{2})$`)
	compactDatePattern = regexp.MustCompile(`^(\d{4})(\d{2})(\d{2})$`)
)

// ParseDate accepts YYYY-MM-DD, YYYY/MM/DD, MM/DD/YYYY, MM/DD/YY, YYYYMMDD,
// ISO timestamps and 年/月/日 forms and returns YYYY-MM-DD.
func ParseDate(raw string) (string, error) {
	y, m, d, err := splitDate(strings.TrimSpace(raw))
	if err != nil {
		return "", err
	}
	return buildDate(raw, y, m, d)
}

// ParseCSVDate is ParseDate with the additional year floor applied to CSV exports.
func ParseCSVDate(raw string) (string, error) {
	y, m, d, err := splitDate(strings.TrimSpace(raw))
	if err != nil {
		return "", err
	}
	if y < csvMinYear {
		return "", fmt.Errorf("%w: %q year before %d", ErrInvalidDate, raw, csvMinYear)
	}
	return buildDate(raw, y, m, d)
}

func splitDate(s string) (int, int, int, error) {
	if s == "" {
		return 0, 0, 0, fmt.Errorf("%w: empty", ErrInvalidDate)
	}

	var parts []string
	shortYear := false
	switch {
	case isoDatePattern.MatchString(s):
		parts = isoDatePattern.FindStringSubmatch(s)[1:4]
	case chineseDatePattern.MatchString(s):
		parts = chineseDatePattern.FindStringSubmatch(s)[1:4]
	case compactDatePattern.MatchString(s):
		parts = compactDatePattern.FindStringSubmatch(s)[1:4]
	case usDatePattern.MatchString(s):
		m := usDatePattern.FindStringSubmatch(s)
		parts = []string{m[3], m[1], m[2]}
	case usShortDatePattern.MatchString(s):
		m := usShortDatePattern.FindStringSubmatch(s)
		parts = []string{m[3], m[1], m[2]}
		shortYear = true
	default:
		return 0, 0, 0, fmt.Errorf("%w: %q", ErrInvalidDate, s)
	}

	nums := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("%w: %q", ErrInvalidDate, s)
		}
		nums[i] = n
	}

	if shortYear {
		if nums[0] < 50 {
			nums[0] += 2000
		} else {
			nums[0] += 1900
		}
	}
	return nums[0], nums[1], nums[2], nil
}

func buildDate(raw string, y, m, d int) (string, error) {
	if m < 1 || m > 12 || d < 1 || d > 31 || y < 1900 || y > 2100 {
		return "", fmt.Errorf("%w: %q", ErrInvalidDate, raw)
	}
	t := time.Date(y, time.Month(m), d, 0, 0, 0, 0, time.UTC)
	// time.Date normalises 2024-02-30 to March; reject instead of clamping.
	if t.Year() != y || int(t.Month()) != m || t.Day() != d {
		return "", fmt.Errorf("%w: %q", ErrInvalidDate, raw)
	}
	return t.Format(model.DateLayout), nil
}

var priceNoise = strings.NewReplacer(
	"¥", "", "￥", "", "$", "", "€", "", "£", "", "元", "",
	"CNY", "", "RMB", "", "USD", "", "EUR", "", "GBP", "",
	",", "", "，", "", " ", "", " ", "", "\t", "",
)

// ParsePrice strips currency symbols, separators and whitespace. Non-positive prices are rejected.
func ParsePrice(raw string) (decimal.Decimal, error) {
	cleaned := priceNoise.Replace(strings.TrimSpace(raw))
	if cleaned == "" {
		return decimal.Decimal{}, fmt.Errorf("%w: empty", ErrInvalidPrice)
	}
	price, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: %q", ErrInvalidPrice, raw)
	}
	if !price.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("%w: %q not positive", ErrInvalidPrice, raw)
	}
	return price, nil
}

var (
	tenThousand  = decimal.NewFromInt(10_000)
	volumeUnits  = regexp.MustCompile(`(?i)(万吨|万|吨|tco2e|tonnes|tons|ton|t)$`)
	volumeFiller = strings.NewReplacer(",", "", "，", "", " ", "", " ", "")
)

// ParseVolume returns nil for "-" or empty cells. A 万 unit multiplies by 10,000.
func ParseVolume(raw string) (*decimal.Decimal, error) {
	s := volumeFiller.Replace(strings.TrimSpace(raw))
	if s == "" || s == "-" || s == "--" || strings.EqualFold(s, "n/a") {
		return nil, nil
	}

	multiplier := decimal.NewFromInt(1)
	if strings.Contains(s, "万") {
		multiplier = tenThousand
	}
	for {
		stripped := volumeUnits.ReplaceAllString(s, "")
		if stripped == s {
			break
		}
		s = stripped
	}

	v, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidVolume, raw)
	}
	if v.IsNegative() {
		return nil, fmt.Errorf("%w: %q negative", ErrInvalidVolume, raw)
	}
	v = v.Mul(multiplier)
	return &v, nil
}

// DaysBetween returns |a - b| in whole days for two YYYY-MM-DD dates.
func DaysBetween(a, b string) (int, error) {
	ta, err := time.Parse(model.DateLayout, a)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidDate, a)
	}
	tb, err := time.Parse(model.DateLayout, b)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidDate, b)
	}
	days := int(ta.Sub(tb).Hours() / 24)
	if days < 0 {
		days = -days
	}
	return days, nil
}

// WithinWindow reports whether date lies within ±days of target.
func WithinWindow(date, target string, days int) bool {
	diff, err := DaysBetween(date, target)
	if err != nil {
		return false
	}
	return diff <= days
}

// FormatDay renders t as YYYY-MM-DD in its own location.
func FormatDay(t time.Time) string {
	return t.Format(model.DateLayout)
}
