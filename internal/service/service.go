package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"carbon-price-collector/internal/adapter"
	"carbon-price-collector/internal/model"
	"carbon-price-collector/internal/normalize"
	"carbon-price-collector/internal/quality"
	"carbon-price-collector/internal/sink"
	"carbon-price-collector/internal/storage"
)

const defaultPriorLookbackDays = 7

var (
	// ErrLocked means another collector process holds the market's advisory lock.
	ErrLocked = errors.New("collection already running elsewhere")
	// ErrValidation marks batches rejected by validation; nothing was submitted.
	ErrValidation = errors.New("validation failed")
)

// Options tune the collection pipeline.
type Options struct {
	LockKeyBase       int64
	PriorLookbackDays int
	DryRun            bool
}

// Deps are the pipeline collaborators. Everything except Submitter is optional.
type Deps struct {
	Submitter  sink.Submitter
	Prior      sink.RecordSource
	Executions storage.ExecutionStore
	Evidence   storage.EvidenceStore
	Locker     storage.AdvisoryLocker
	Now        func() time.Time
}

// Outcome is what one pass through the pipeline produced.
type Outcome struct {
	Records    []model.PriceRecord
	Evidence   []model.Evidence
	Validation model.ValidationResult
	Errors     []string
	Warnings   []string
	Imported   int
	Submitted  bool
}

// Service runs collect → validate → diff → submit for one adapter and
// persists the audit trail.
type Service struct {
	opts   Options
	deps   Deps
	logger zerolog.Logger
}

// New constructs the collection pipeline.
func New(opts Options, deps Deps, logger zerolog.Logger) *Service {
	if opts.PriorLookbackDays <= 0 {
		opts.PriorLookbackDays = defaultPriorLookbackDays
	}
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		opts:   opts,
		deps:   deps,
		logger: logger.With().Str("component", "service").Logger(),
	}
}

// Collect runs the adapter for date (zero means today). A batch with hard
// validation errors is returned with ErrValidation and is not submitted.
func (s *Service) Collect(ctx context.Context, a adapter.SourceAdapter, date time.Time) (Outcome, error) {
	var out Outcome

	unlock, proceed, err := s.acquireLock(ctx, a.Market())
	if err != nil {
		return out, err
	}
	if !proceed {
		s.logger.Debug().Str("market", string(a.Market())).Msg("skip collection because advisory lock held elsewhere")
		return out, fmt.Errorf("%w: %s", ErrLocked, a.Market())
	}
	if unlock != nil {
		defer unlock()
	}

	res, err := safeCollect(ctx, a, date)
	out.Records = res.Records
	out.Evidence = res.Evidence
	if err != nil {
		out.Errors = append(out.Errors, err.Error())
		return out, fmt.Errorf("collect %s: %w", a.Market(), err)
	}

	out.Validation = a.ValidateData(res.Records)
	out.Errors = append(out.Errors, out.Validation.Errors...)
	out.Warnings = append(out.Warnings, out.Validation.Warnings...)
	out.Warnings = append(out.Warnings, s.priorWarnings(ctx, a.Market(), res.Records)...)

	if !out.Validation.IsValid {
		s.logger.Warn().Str("market", string(a.Market())).
			Int("records", len(res.Records)).
			Strs("errors", out.Validation.Errors).
			Msg("batch rejected by validation")
		return out, fmt.Errorf("%w: %s", ErrValidation, strings.Join(out.Validation.Errors, "; "))
	}

	if s.opts.DryRun {
		s.logger.Info().Str("market", string(a.Market())).Int("records", len(res.Records)).Msg("dry run, batch not submitted")
		return out, nil
	}
	submitted, err := s.SubmitData(ctx, res.Records, res.Evidence)
	if err != nil {
		out.Errors = append(out.Errors, err.Error())
		return out, fmt.Errorf("submit %s: %w", a.Market(), err)
	}
	out.Imported = submitted.Imported
	out.Submitted = true

	s.logger.Info().Str("market", string(a.Market())).
		Int("records", len(res.Records)).
		Int("imported", submitted.Imported).
		Float64("quality_score", out.Validation.QualityScore).
		Msg("batch submitted")
	return out, nil
}

// SubmitData uploads an accepted batch to the platform import endpoint.
func (s *Service) SubmitData(ctx context.Context, records []model.PriceRecord, evidence []model.Evidence) (sink.SubmitResult, error) {
	if s.deps.Submitter == nil {
		return sink.SubmitResult{}, sink.ErrNotConfigured
	}
	if len(records) == 0 {
		return sink.SubmitResult{}, nil
	}
	return s.deps.Submitter.Submit(ctx, records, evidence)
}

// Record persists an execution and its evidence. Storage is optional, so
// failures are logged and never change the run outcome.
func (s *Service) Record(ctx context.Context, result model.TaskExecutionResult, evidence []model.Evidence) {
	if s.deps.Executions == nil {
		return
	}
	exec := storage.Execution{
		RunID:         result.RunID,
		TaskID:        result.TaskID,
		Success:       result.Success,
		RecordCount:   result.RecordCount,
		Errors:        result.Errors,
		Warnings:      result.Warnings,
		ExecutionTime: result.ExecutionTime,
		ExecutedAt:    result.Timestamp,
	}
	if err := s.deps.Executions.InsertExecution(ctx, exec); err != nil {
		s.logger.Error().Err(err).Str("run_id", result.RunID).Msg("failed to persist execution")
		return
	}
	if s.deps.Evidence == nil {
		return
	}
	if err := s.deps.Evidence.InsertEvidence(ctx, result.RunID, evidence); err != nil {
		s.logger.Error().Err(err).Str("run_id", result.RunID).Msg("failed to persist evidence")
	}
}

// priorWarnings compares the batch with what the platform already stores.
func (s *Service) priorWarnings(ctx context.Context, market model.MarketCode, records []model.PriceRecord) []string {
	if s.deps.Prior == nil || len(records) == 0 {
		return nil
	}
	from, to := records[0].Date, records[0].Date
	for _, r := range records[1:] {
		if r.Date < from {
			from = r.Date
		}
		if r.Date > to {
			to = r.Date
		}
	}
	if start, err := time.Parse(model.DateLayout, from); err == nil {
		from = normalize.FormatDay(start.AddDate(0, 0, -s.opts.PriorLookbackDays))
	}

	prior, err := s.deps.Prior.FetchRecent(ctx, market, from, to)
	if err != nil {
		s.logger.Warn().Err(err).Str("market", string(market)).Msg("prior records unavailable, skipping diff")
		return nil
	}
	profile, _ := adapter.ProfileFor(market)
	return DiffPrior(records, prior, profile.MaxChangePercent.InexactFloat64())
}

// DiffPrior warns about records the platform already holds and about jumps
// against the latest stored price of the same series.
func DiffPrior(records, prior []model.PriceRecord, maxChangePct float64) []string {
	stored := make(map[model.RecordKey]model.PriceRecord, len(prior))
	latest := make(map[string][]model.PriceRecord)
	for _, p := range prior {
		stored[p.Key()] = p
		latest[p.Series()] = append(latest[p.Series()], p)
	}

	var warnings []string
	for _, r := range records {
		if p, ok := stored[r.Key()]; ok {
			if p.Price.Equal(r.Price) {
				warnings = append(warnings, fmt.Sprintf("Record %s already imported", r.Key()))
			} else {
				warnings = append(warnings, fmt.Sprintf("Record %s already imported with price %s (collected %s)", r.Key(), p.Price, r.Price))
			}
			continue
		}
		var prev *model.PriceRecord
		for i := range latest[r.Series()] {
			c := latest[r.Series()][i]
			if c.Date < r.Date && (prev == nil || c.Date > prev.Date) {
				prev = &c
			}
		}
		if prev == nil || prev.Price.IsZero() || maxChangePct <= 0 {
			continue
		}
		pct := quality.ChangePercent(prev.Price, r.Price)
		if pct.Abs().InexactFloat64() > maxChangePct {
			warnings = append(warnings, fmt.Sprintf("Price change of %s%% for %s on %s vs stored %s on %s",
				pct.StringFixed(2), r.Series(), r.Date, prev.Price, prev.Date))
		}
	}
	return warnings
}

func safeCollect(ctx context.Context, a adapter.SourceAdapter, date time.Time) (res model.CollectionResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("adapter %s panicked: %v", a.Name(), p)
		}
	}()
	return a.CollectData(ctx, date)
}

// LockKey derives the advisory lock key of market from base.
func LockKey(base int64, market model.MarketCode) int64 {
	for i, m := range model.Markets() {
		if m == market {
			return base + int64(i) + 1
		}
	}
	return base
}

func (s *Service) acquireLock(ctx context.Context, market model.MarketCode) (func(), bool, error) {
	if s.opts.LockKeyBase == 0 || s.deps.Locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.deps.Locker.TryAdvisoryLock(ctx, LockKey(s.opts.LockKeyBase, market))
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
