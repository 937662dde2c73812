// Package sink submits validated price records to the platform's batch
// import endpoint and reads back what the platform already stores.
package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"carbon-price-collector/internal/model"
)

const (
	defaultSourceName = "carbon-collector"
	maxErrorBody      = 512
	priceType         = "close"
	unit              = "tCO2e"
)

// ErrNotConfigured is returned when no endpoint is set.
var ErrNotConfigured = errors.New("sink endpoint not configured")

// csvColumns is the header the import endpoint expects.
var csvColumns = []string{
	"market_code", "instrument_code", "date", "price", "price_type",
	"currency", "unit", "volume", "source_url", "notes",
}

// Options configure the sink client.
type Options struct {
	Endpoint        string
	HistoryEndpoint string
	SourceName      string
	Timeout         time.Duration
}

// SubmitResult is the parsed import response.
type SubmitResult struct {
	Imported int `json:"imported"`
}

// Submitter uploads a batch to the platform.
type Submitter interface {
	Submit(ctx context.Context, records []model.PriceRecord, evidence []model.Evidence) (SubmitResult, error)
}

// RecordSource returns records the platform already holds for a market.
type RecordSource interface {
	FetchRecent(ctx context.Context, market model.MarketCode, from, to string) ([]model.PriceRecord, error)
}

// Client talks to the platform import API.
type Client struct {
	opts   Options
	client *http.Client
	logger zerolog.Logger
}

// New constructs a sink client.
func New(opts Options, logger zerolog.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if strings.TrimSpace(opts.SourceName) == "" {
		opts.SourceName = defaultSourceName
	}
	return &Client{
		opts:   opts,
		client: &http.Client{Timeout: opts.Timeout},
		logger: logger.With().Str("component", "sink").Logger(),
	}
}

type evidenceSummary struct {
	Source    string    `json:"source"`
	URL       string    `json:"url,omitempty"`
	Kind      string    `json:"kind"`
	Hash      string    `json:"hash,omitempty"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Submit posts records as a CSV attachment. Evidence travels as a JSON
// summary without screenshot bytes.
func (c *Client) Submit(ctx context.Context, records []model.PriceRecord, evidence []model.Evidence) (SubmitResult, error) {
	if c.opts.Endpoint == "" {
		return SubmitResult{}, ErrNotConfigured
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", fmt.Sprintf("carbon-prices-%d.csv", time.Now().Unix()))
	if err != nil {
		return SubmitResult{}, fmt.Errorf("create csv part: %w", err)
	}
	if _, err := part.Write(EncodeCSV(records)); err != nil {
		return SubmitResult{}, fmt.Errorf("write csv part: %w", err)
	}
	if err := mw.WriteField("source", c.opts.SourceName); err != nil {
		return SubmitResult{}, fmt.Errorf("write source field: %w", err)
	}
	if len(evidence) > 0 {
		summary := make([]evidenceSummary, 0, len(evidence))
		for _, ev := range evidence {
			summary = append(summary, evidenceSummary{
				Source: ev.Source, URL: ev.URL, Kind: ev.Kind(), Hash: ev.Hash,
				Success: ev.Success, Error: ev.Error, Timestamp: ev.Timestamp,
			})
		}
		raw, err := json.Marshal(summary)
		if err != nil {
			return SubmitResult{}, fmt.Errorf("marshal evidence summary: %w", err)
		}
		if err := mw.WriteField("evidence", string(raw)); err != nil {
			return SubmitResult{}, fmt.Errorf("write evidence field: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return SubmitResult{}, fmt.Errorf("close multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.Endpoint, &buf)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("create import request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("send import request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("read import response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return SubmitResult{}, fmt.Errorf("import 响应码异常 (%d): %s", resp.StatusCode, truncate(body))
	}

	var result SubmitResult
	if err := json.Unmarshal(body, &result); err != nil {
		return SubmitResult{}, fmt.Errorf("decode import response: %w", err)
	}
	c.logger.Info().Int("records", len(records)).Int("imported", result.Imported).Msg("批次已提交")
	return result, nil
}

// EncodeCSV renders records in the import format with every field quoted.
func EncodeCSV(records []model.PriceRecord) []byte {
	var b strings.Builder
	writeRow(&b, csvColumns)
	for _, r := range records {
		volume := ""
		if r.Volume != nil {
			volume = r.Volume.String()
		}
		writeRow(&b, []string{
			string(r.MarketCode),
			r.InstrumentCode,
			r.Date,
			r.Price.String(),
			priceType,
			string(r.Currency),
			unit,
			volume,
			r.SourceURL,
			"MCP采集: " + r.CollectedBy,
		})
	}
	return []byte(b.String())
}

func writeRow(b *strings.Builder, fields []string) {
	for i, f := range fields {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('"')
		b.WriteString(strings.ReplaceAll(f, `"`, `""`))
		b.WriteByte('"')
	}
	b.WriteByte('\n')
}

type storedRecord struct {
	Date           string           `json:"date"`
	MarketCode     string           `json:"market_code"`
	InstrumentCode string           `json:"instrument_code"`
	Price          decimal.Decimal  `json:"price"`
	Currency       string           `json:"currency"`
	Volume         *decimal.Decimal `json:"volume"`
	SourceURL      string           `json:"source_url"`
}

// FetchRecent lists records stored for market between from and to (inclusive).
func (c *Client) FetchRecent(ctx context.Context, market model.MarketCode, from, to string) ([]model.PriceRecord, error) {
	if c.opts.HistoryEndpoint == "" {
		return nil, ErrNotConfigured
	}
	u, err := url.Parse(c.opts.HistoryEndpoint)
	if err != nil {
		return nil, fmt.Errorf("parse history endpoint: %w", err)
	}
	q := u.Query()
	q.Set("market", string(market))
	q.Set("from", from)
	q.Set("to", to)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create history request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send history request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read history response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("history 响应码异常 (%d): %s", resp.StatusCode, truncate(body))
	}

	var envelope struct {
		Data []storedRecord `json:"data"`
	}
	var rows []storedRecord
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		err = json.Unmarshal(trimmed, &rows)
	} else {
		err = json.Unmarshal(trimmed, &envelope)
		rows = envelope.Data
	}
	if err != nil {
		return nil, fmt.Errorf("decode history response: %w", err)
	}

	out := make([]model.PriceRecord, 0, len(rows))
	for _, s := range rows {
		out = append(out, model.PriceRecord{
			Date:           s.Date,
			MarketCode:     model.MarketCode(s.MarketCode),
			InstrumentCode: s.InstrumentCode,
			Price:          s.Price,
			Currency:       model.Currency(s.Currency),
			Volume:         s.Volume,
			SourceURL:      s.SourceURL,
		})
	}
	return out, nil
}

func truncate(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > maxErrorBody {
		return s[:maxErrorBody] + "..."
	}
	return s
}

var (
	_ Submitter    = (*Client)(nil)
	_ RecordSource = (*Client)(nil)
)
