package model

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// DateLayout is the canonical trading-day format carried by every record.
const DateLayout = "2006-01-02"

// MarketCode identifies a carbon market.
type MarketCode string

const (
	MarketEU   MarketCode = "EU"
	MarketUK   MarketCode = "UK"
	MarketCCA  MarketCode = "CCA"
	MarketCEA  MarketCode = "CEA"
	MarketCCER MarketCode = "CCER"
	MarketCDR  MarketCode = "CDR"
)

// Currency is the ISO code a market quotes in.
type Currency string

const (
	CurrencyEUR Currency = "EUR"
	CurrencyGBP Currency = "GBP"
	CurrencyUSD Currency = "USD"
	CurrencyCNY Currency = "CNY"
)

var canonicalCurrency = map[MarketCode]Currency{
	MarketEU:   CurrencyEUR,
	MarketUK:   CurrencyGBP,
	MarketCCA:  CurrencyUSD,
	MarketCEA:  CurrencyCNY,
	MarketCCER: CurrencyCNY,
	MarketCDR:  CurrencyUSD,
}

// Markets lists every known market in display order.
func Markets() []MarketCode {
	return []MarketCode{MarketEU, MarketUK, MarketCCA, MarketCEA, MarketCCER, MarketCDR}
}

// Valid reports whether the code is one of the known markets.
func (m MarketCode) Valid() bool {
	_, ok := canonicalCurrency[m]
	return ok
}

// Currency returns the canonical quote currency for the market.
func (m MarketCode) Currency() (Currency, bool) {
	c, ok := canonicalCurrency[m]
	return c, ok
}

// ParseMarketCode normalises user input such as "cea" into a MarketCode.
func ParseMarketCode(raw string) (MarketCode, error) {
	code := MarketCode(strings.ToUpper(strings.TrimSpace(raw)))
	if !code.Valid() {
		return "", fmt.Errorf("unknown market code %q", raw)
	}
	return code, nil
}

// PriceRecord is one observed price point for an instrument on a trading day.
type PriceRecord struct {
	Date           string           `json:"date"`
	MarketCode     MarketCode       `json:"marketCode"`
	InstrumentCode string           `json:"instrumentCode"`
	Price          decimal.Decimal  `json:"price"`
	Currency       Currency         `json:"currency"`
	Volume         *decimal.Decimal `json:"volume,omitempty"`
	SourceURL      string           `json:"sourceUrl"`
	CollectedBy    string           `json:"collectedBy"`
	Metadata       map[string]any   `json:"metadata,omitempty"`
}

// RecordKey is the natural dedup key of a record.
type RecordKey struct {
	Market     MarketCode
	Instrument string
	Date       string
}

func (k RecordKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Market, k.Instrument, k.Date)
}

// Key returns the (market, instrument, date) key.
func (r PriceRecord) Key() RecordKey {
	return RecordKey{Market: r.MarketCode, Instrument: r.InstrumentCode, Date: r.Date}
}

// Series identifies the (market, instrument) stream a record belongs to.
func (r PriceRecord) Series() string {
	return string(r.MarketCode) + "/" + r.InstrumentCode
}

// CollectionResult is what one adapter run hands back to the scheduler.
type CollectionResult struct {
	Records  []PriceRecord `json:"records"`
	Evidence []Evidence    `json:"evidence"`
}
