// Package adapter holds the per-market source adapters that fetch external
// carbon prices and normalise them into model.PriceRecord.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"carbon-price-collector/internal/fetcher"
	"carbon-price-collector/internal/model"
	"carbon-price-collector/internal/normalize"
)

// ErrNotImplemented is returned by the registry for markets without an adapter.
var ErrNotImplemented = errors.New("adapter not implemented for market")

// SourceAdapter fetches, validates and health-checks one market's sources.
type SourceAdapter interface {
	Market() model.MarketCode
	Name() string
	// CollectData gathers records near date (zero means today). Source
	// failures become failure evidence; only context cancellation is returned as an error.
	CollectData(ctx context.Context, date time.Time) (model.CollectionResult, error)
	ValidateData(records []model.PriceRecord) model.ValidationResult
	HealthStatus(ctx context.Context) model.HealthStatus
}

// Deps are the collaborators shared by all adapters.
type Deps struct {
	Getter   fetcher.Getter
	Prober   fetcher.Prober
	Renderer fetcher.Renderer
	Logger   zerolog.Logger
	Now      func() time.Time
}

// Registry maps market codes to adapters.
type Registry struct {
	adapters map[model.MarketCode]SourceAdapter
	order    []model.MarketCode
}

// NewRegistry registers adapters in the given order.
func NewRegistry(adapters ...SourceAdapter) *Registry {
	r := &Registry{adapters: make(map[model.MarketCode]SourceAdapter)}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register adds or replaces the adapter for its market.
func (r *Registry) Register(a SourceAdapter) {
	if a == nil {
		return
	}
	if _, exists := r.adapters[a.Market()]; !exists {
		r.order = append(r.order, a.Market())
	}
	r.adapters[a.Market()] = a
}

// Resolve returns the adapter for market.
func (r *Registry) Resolve(market model.MarketCode) (SourceAdapter, error) {
	a, ok := r.adapters[market]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotImplemented, market)
	}
	return a, nil
}

// All returns adapters in registration order.
func (r *Registry) All() []SourceAdapter {
	out := make([]SourceAdapter, 0, len(r.order))
	for _, m := range r.order {
		out = append(out, r.adapters[m])
	}
	return out
}

// base carries the plumbing every market adapter shares.
type base struct {
	name    string
	profile Profile
	deps    Deps
	logger  zerolog.Logger
}

func newBase(name string, profile Profile, deps Deps) base {
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}
	return base{
		name:    name,
		profile: profile,
		deps:    deps,
		logger:  deps.Logger.With().Str("component", "adapter").Str("market", string(profile.Market)).Logger(),
	}
}

func (b *base) Market() model.MarketCode { return b.profile.Market }

func (b *base) Name() string { return b.name }

// ValidateData checks records against the adapter's market profile.
func (b *base) ValidateData(records []model.PriceRecord) model.ValidationResult {
	return ValidateRecords(records, b.profile, b.deps.Now())
}

func (b *base) targetDay(date time.Time) string {
	if date.IsZero() {
		date = b.deps.Now()
	}
	return normalize.FormatDay(date)
}

func (b *base) probe(ctx context.Context, urls ...string) model.HealthStatus {
	if b.deps.Prober == nil {
		return model.HealthStatus{Status: model.HealthUnhealthy, Message: "no prober configured"}
	}
	var status model.HealthStatus
	probed := 0
	for _, u := range urls {
		if u == "" {
			continue
		}
		probed++
		res := b.deps.Prober.Probe(ctx, u)
		if probed == 1 || status.Status.Worse(res.Status) != status.Status {
			status = res
		}
	}
	if probed == 0 {
		return model.HealthStatus{Status: model.HealthUnhealthy, Message: "no source url configured"}
	}
	return status
}

func (b *base) newRecord(date string, price decimal.Decimal, volume *decimal.Decimal, sourceURL string, meta map[string]any) model.PriceRecord {
	if meta == nil {
		meta = make(map[string]any)
	}
	meta["collectedAt"] = b.deps.Now().Format(time.RFC3339)
	return model.PriceRecord{
		Date:           date,
		MarketCode:     b.profile.Market,
		InstrumentCode: b.profile.Instrument,
		Price:          price,
		Currency:       b.profile.Currency(),
		Volume:         volume,
		SourceURL:      sourceURL,
		CollectedBy:    b.name,
		Metadata:       meta,
	}
}

// mergeSources appends secondary records whose key is not already covered by
// primary; collisions are noted on the primary record instead.
func mergeSources(primary, secondary []model.PriceRecord) []model.PriceRecord {
	index := make(map[model.RecordKey]int, len(primary))
	for i, r := range primary {
		if _, ok := index[r.Key()]; !ok {
			index[r.Key()] = i
		}
	}
	out := append([]model.PriceRecord(nil), primary...)
	for _, r := range secondary {
		if i, ok := index[r.Key()]; ok {
			if out[i].Metadata == nil {
				out[i].Metadata = make(map[string]any)
			}
			out[i].Metadata["confirmedBy"] = r.SourceURL
			if !out[i].Price.Equal(r.Price) {
				out[i].Metadata["crossCheckPrice"] = r.Price.String()
			}
			if out[i].Volume == nil && r.Volume != nil {
				out[i].Volume = r.Volume
			}
			continue
		}
		out = append(out, r)
	}
	return out
}

func sortRecords(records []model.PriceRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Date != records[j].Date {
			return records[i].Date < records[j].Date
		}
		return records[i].InstrumentCode < records[j].InstrumentCode
	})
}
