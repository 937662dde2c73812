package adapter

import (
	"github.com/shopspring/decimal"

	"carbon-price-collector/internal/model"
	"carbon-price-collector/internal/quality"
)

// Profile is the market-specific validation envelope of an adapter.
type Profile struct {
	Market           model.MarketCode
	Instrument       string
	PriceRange       quality.PriceRange
	WindowDays       int
	MaxChangePercent decimal.Decimal
	Unit             string
}

// Currency is the market's canonical quote currency.
func (p Profile) Currency() model.Currency {
	c, _ := p.Market.Currency()
	return c
}

func band(lo, hi int64) quality.PriceRange {
	return quality.PriceRange{Min: decimal.NewFromInt(lo), Max: decimal.NewFromInt(hi)}
}

// EU and UK only carry validation envelopes; no adapter collects them yet.
var profiles = map[model.MarketCode]Profile{
	model.MarketEU:   {Market: model.MarketEU, Instrument: "EUA", PriceRange: band(20, 200), WindowDays: 3, MaxChangePercent: decimal.NewFromInt(15), Unit: "tCO2e"},
	model.MarketUK:   {Market: model.MarketUK, Instrument: "UKA", PriceRange: band(20, 150), WindowDays: 3, MaxChangePercent: decimal.NewFromInt(15), Unit: "tCO2e"},
	model.MarketCEA:  {Market: model.MarketCEA, Instrument: "CEA", PriceRange: band(20, 150), WindowDays: 3, MaxChangePercent: decimal.NewFromInt(10), Unit: "tCO2e"},
	model.MarketCCER: {Market: model.MarketCCER, Instrument: "CCER", PriceRange: band(1, 200), WindowDays: 5, MaxChangePercent: decimal.NewFromInt(20), Unit: "tCO2e"},
	model.MarketCCA:  {Market: model.MarketCCA, Instrument: "CCA", PriceRange: band(5, 100), WindowDays: 3, MaxChangePercent: decimal.NewFromInt(20), Unit: "tCO2e"},
	model.MarketCDR:  {Market: model.MarketCDR, Instrument: "CDR", PriceRange: band(20, 1000), WindowDays: 5, MaxChangePercent: decimal.NewFromInt(50), Unit: "tCO2e"},
}

// ProfileFor returns the built-in profile of market.
func ProfileFor(market model.MarketCode) (Profile, bool) {
	p, ok := profiles[market]
	return p, ok
}
