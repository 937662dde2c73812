// Package scheduler runs one collection task per market on a cron cadence
// and owns the task-level retry policy, execution history and health rollup.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	_ "time/tzdata" // CRON_TZ market time zones must resolve on minimal images

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"carbon-price-collector/internal/adapter"
	"carbon-price-collector/internal/alerting"
	"carbon-price-collector/internal/model"
	"carbon-price-collector/internal/service"
)

const (
	defaultMaxTaskRetries  = 3
	defaultRetryDelay      = 5 * time.Minute
	defaultHistoryCapacity = 1000
	fallbackSchedule       = "0 18 * * *"
)

// stopTimeout bounds how long Stop waits for running executions.
var stopTimeout = 30 * time.Second

// ErrTaskNotFound is returned for an unknown task id.
var ErrTaskNotFound = errors.New("task not found")

// DefaultSchedules follow each exchange's close in its local time zone.
var DefaultSchedules = map[model.MarketCode]string{
	model.MarketCEA:  "CRON_TZ=Asia/Shanghai 30 15 * * 1-5",
	model.MarketCCER: "CRON_TZ=Asia/Shanghai 0 16 * * 1-5",
	model.MarketCCA:  "CRON_TZ=America/Los_Angeles 30 14 * * 1-5",
	model.MarketCDR:  "0 9 * * *",
}

// Pipeline executes one collection for an adapter and persists the outcome.
type Pipeline interface {
	Collect(ctx context.Context, a adapter.SourceAdapter, date time.Time) (service.Outcome, error)
	Record(ctx context.Context, result model.TaskExecutionResult, evidence []model.Evidence)
}

// Options tune scheduler behaviour.
type Options struct {
	MaxTaskRetries  int
	RetryDelay      time.Duration
	HistoryCapacity int
	RunOnStart      bool
	// Schedules overrides DefaultSchedules by task id.
	Schedules map[string]string
	// Disabled lists task ids that start disabled.
	Disabled []string
}

type timer interface {
	Stop() bool
}

// ScheduledTask is the mutable state of one market's collection task.
type ScheduledTask struct {
	ID         string
	Market     model.MarketCode
	Schedule   string
	Enabled    bool
	RetryCount int
	MaxRetries int
	LastRun    time.Time
	NextRun    time.Time

	adapter adapter.SourceAdapter
	sched   cron.Schedule
	entry   cron.EntryID
	retry   timer
}

// TaskSnapshot is a read-only copy of a task for the status surface.
type TaskSnapshot struct {
	ID         string           `json:"id"`
	Market     model.MarketCode `json:"market"`
	Adapter    string           `json:"adapter"`
	Schedule   string           `json:"schedule"`
	Enabled    bool             `json:"enabled"`
	RetryCount int              `json:"retryCount"`
	MaxRetries int              `json:"maxRetries"`
	LastRun    *time.Time       `json:"lastRun,omitempty"`
	NextRun    *time.Time       `json:"nextRun,omitempty"`
}

// HealthReport is the rolled-up health of every task's sources.
type HealthReport struct {
	Status  model.HealthState             `json:"status"`
	Message string                        `json:"message"`
	Tasks   map[string]model.HealthStatus `json:"tasks"`
}

// Scheduler owns the tasks. All task and history state is guarded by mu.
type Scheduler struct {
	opts     Options
	pipeline Pipeline
	alerter  alerting.Alerter
	logger   zerolog.Logger

	now       func() time.Time
	afterFunc func(d time.Duration, f func()) timer

	mu      sync.Mutex
	tasks   map[string]*ScheduledTask
	order   []string
	history []model.TaskExecutionResult
	cron    *cron.Cron
	running bool
	runCtx  context.Context
	cancel  context.CancelFunc

	// inflight counts executions started while running; Stop waits on it.
	inflight sync.WaitGroup
}

// New builds one task per registered adapter.
func New(opts Options, registry *adapter.Registry, pipeline Pipeline, alerter alerting.Alerter, logger zerolog.Logger) (*Scheduler, error) {
	if opts.MaxTaskRetries <= 0 {
		opts.MaxTaskRetries = defaultMaxTaskRetries
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaultRetryDelay
	}
	if opts.HistoryCapacity <= 0 {
		opts.HistoryCapacity = defaultHistoryCapacity
	}
	if pipeline == nil {
		return nil, errors.New("scheduler: pipeline is required")
	}
	if alerter == nil {
		alerter = alerting.NewLogAlerter(logger)
	}

	s := &Scheduler{
		opts:     opts,
		pipeline: pipeline,
		alerter:  alerter,
		logger:   logger.With().Str("component", "scheduler").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
		afterFunc: func(d time.Duration, f func()) timer {
			return time.AfterFunc(d, f)
		},
		tasks: make(map[string]*ScheduledTask),
	}

	disabled := make(map[string]bool, len(opts.Disabled))
	for _, id := range opts.Disabled {
		disabled[strings.ToLower(id)] = true
	}
	for _, a := range registry.All() {
		id := TaskID(a.Market())
		spec := opts.Schedules[id]
		if spec == "" {
			spec = DefaultSchedules[a.Market()]
		}
		if spec == "" {
			spec = fallbackSchedule
		}
		sched, err := cron.ParseStandard(spec)
		if err != nil {
			return nil, fmt.Errorf("parse schedule %q for %s: %w", spec, id, err)
		}
		s.tasks[id] = &ScheduledTask{
			ID:         id,
			Market:     a.Market(),
			Schedule:   spec,
			Enabled:    !disabled[id],
			MaxRetries: opts.MaxTaskRetries,
			NextRun:    sched.Next(s.now()),
			adapter:    a,
			sched:      sched,
		}
		s.order = append(s.order, id)
	}
	return s, nil
}

// TaskID is the task id of a market's collection task.
func TaskID(m model.MarketCode) string {
	return strings.ToLower(string(m))
}

// Start registers enabled tasks with cron. Starting twice is a no-op.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.runCtx, s.cancel = context.WithCancel(ctx)
	s.cron = cron.New(cron.WithChain(cron.Recover(cronLogger{s.logger})), cron.WithLogger(cronLogger{s.logger}))
	for _, id := range s.order {
		if t := s.tasks[id]; t.Enabled {
			s.addEntryLocked(t)
		}
	}
	s.cron.Start()
	s.running = true
	runCtx := s.runCtx
	if s.opts.RunOnStart {
		s.inflight.Add(1)
	}
	s.mu.Unlock()

	s.logger.Info().Int("tasks", len(s.order)).Msg("scheduler started")
	if s.opts.RunOnStart {
		go func() {
			defer s.inflight.Done()
			s.ExecuteAllTasks(runCtx)
		}()
	}
	return nil
}

// Stop removes every cron entry and cancels pending retries. Executions
// already running, whether started by cron, a fired retry or RunOnStart, are
// left to finish; their context is cancelled only once they have returned or
// stopTimeout elapses.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	for _, t := range s.tasks {
		s.removeEntryLocked(t)
		s.cancelRetryLocked(t)
	}
	stopped := s.cron.Stop()
	cancel := s.cancel
	s.running = false
	s.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		<-stopped.Done()
		s.inflight.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(stopTimeout):
		s.logger.Warn().Dur("timeout", stopTimeout).Msg("timed out waiting for running executions")
	}
	cancel()
	s.logger.Info().Msg("scheduler stopped")
}

// Running reports whether Start has been called without a matching Stop.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// SetTaskEnabled toggles a task. Disabling also drops a pending retry.
func (s *Scheduler) SetTaskEnabled(id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if t.Enabled == enabled {
		return nil
	}
	t.Enabled = enabled
	if s.running {
		if enabled {
			s.addEntryLocked(t)
		} else {
			s.removeEntryLocked(t)
		}
	}
	if !enabled {
		s.cancelRetryLocked(t)
	}
	s.logger.Info().Str("task", id).Bool("enabled", enabled).Msg("task toggled")
	return nil
}

// ExecuteTask runs one task now and applies the retry policy to the outcome.
// Execution failures are returned alongside the recorded result.
func (s *Scheduler) ExecuteTask(ctx context.Context, id string) (model.TaskExecutionResult, error) {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return model.TaskExecutionResult{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	a := t.adapter
	if s.running {
		s.inflight.Add(1)
		defer s.inflight.Done()
	}
	s.mu.Unlock()

	started := s.now()
	runID := uuid.NewString()
	logger := s.logger.With().Str("task", id).Str("run_id", runID).Logger()
	logger.Info().Msg("task execution started")

	out, runErr := s.pipeline.Collect(ctx, a, time.Time{})

	result := model.TaskExecutionResult{
		RunID:         runID,
		TaskID:        id,
		Success:       runErr == nil,
		RecordCount:   len(out.Records),
		Errors:        out.Errors,
		Warnings:      out.Warnings,
		ExecutionTime: s.now().Sub(started),
		Timestamp:     started,
	}
	if runErr != nil && len(result.Errors) == 0 {
		result.Errors = []string{runErr.Error()}
	}

	s.mu.Lock()
	var exhausted bool
	if result.Success {
		t.RetryCount = 0
		t.LastRun = started
		s.cancelRetryLocked(t)
	} else {
		t.RetryCount++
		if t.RetryCount < t.MaxRetries {
			delay := time.Duration(t.RetryCount) * s.opts.RetryDelay
			s.scheduleRetryLocked(t, delay)
			logger.Warn().Err(runErr).Int("retry_count", t.RetryCount).Dur("retry_in", delay).Msg("task failed, retry scheduled")
		} else {
			exhausted = true
			logger.Error().Err(runErr).Int("retry_count", t.RetryCount).Msg("task failed, retries exhausted")
		}
	}
	t.NextRun = t.sched.Next(s.now())
	retryCount, maxRetries := t.RetryCount, t.MaxRetries
	s.appendHistoryLocked(result)
	s.mu.Unlock()

	if exhausted {
		s.alertExhausted(ctx, id, retryCount, maxRetries, result)
	}
	s.pipeline.Record(ctx, result, out.Evidence)

	if result.Success {
		logger.Info().Int("records", result.RecordCount).Int("warnings", len(result.Warnings)).Dur("elapsed", result.ExecutionTime).Msg("task execution finished")
		return result, nil
	}
	return result, fmt.Errorf("task %s: %w", id, runErr)
}

// ExecuteAllTasks runs every enabled task one after another, in task order.
func (s *Scheduler) ExecuteAllTasks(ctx context.Context) []model.TaskExecutionResult {
	s.mu.Lock()
	ids := make([]string, 0, len(s.order))
	for _, id := range s.order {
		if s.tasks[id].Enabled {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()

	results := make([]model.TaskExecutionResult, 0, len(ids))
	for _, id := range ids {
		results = append(results, s.executeSafely(ctx, id))
	}
	return results
}

func (s *Scheduler) executeSafely(ctx context.Context, id string) (result model.TaskExecutionResult) {
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error().Str("task", id).Interface("panic", p).Msg("task execution panicked")
			result = model.TaskExecutionResult{
				TaskID:    id,
				Errors:    []string{fmt.Sprintf("panic: %v", p)},
				Timestamp: s.now(),
			}
		}
	}()
	result, _ = s.ExecuteTask(ctx, id)
	return result
}

// GetHealthStatus probes every task's sources concurrently and rolls them up:
// healthy when all are healthy, degraded when at least half are, else unhealthy.
func (s *Scheduler) GetHealthStatus(ctx context.Context) HealthReport {
	s.mu.Lock()
	type probe struct {
		id string
		a  adapter.SourceAdapter
	}
	probes := make([]probe, 0, len(s.order))
	for _, id := range s.order {
		probes = append(probes, probe{id: id, a: s.tasks[id].adapter})
	}
	s.mu.Unlock()

	report := HealthReport{Tasks: make(map[string]model.HealthStatus, len(probes))}
	if len(probes) == 0 {
		report.Status = model.HealthUnhealthy
		report.Message = "no tasks registered"
		return report
	}

	statuses := make([]model.HealthStatus, len(probes))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range probes {
		g.Go(func() error {
			statuses[i] = p.a.HealthStatus(gctx)
			return nil
		})
	}
	_ = g.Wait()

	healthy := 0
	for i, p := range probes {
		report.Tasks[p.id] = statuses[i]
		if statuses[i].Status == model.HealthHealthy {
			healthy++
		}
	}
	switch {
	case healthy == len(probes):
		report.Status = model.HealthHealthy
	case healthy*2 >= len(probes):
		report.Status = model.HealthDegraded
	default:
		report.Status = model.HealthUnhealthy
	}
	report.Message = fmt.Sprintf("%d/%d tasks healthy", healthy, len(probes))
	return report
}

// Tasks returns snapshots in registration order.
func (s *Scheduler) Tasks() []TaskSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskSnapshot, 0, len(s.order))
	for _, id := range s.order {
		t := s.tasks[id]
		snap := TaskSnapshot{
			ID:         t.ID,
			Market:     t.Market,
			Adapter:    t.adapter.Name(),
			Schedule:   t.Schedule,
			Enabled:    t.Enabled,
			RetryCount: t.RetryCount,
			MaxRetries: t.MaxRetries,
		}
		if !t.LastRun.IsZero() {
			last := t.LastRun
			snap.LastRun = &last
		}
		if t.Enabled && !t.NextRun.IsZero() {
			next := t.NextRun
			snap.NextRun = &next
		}
		out = append(out, snap)
	}
	return out
}

// History returns up to limit of the newest results, oldest first. An empty
// taskID matches every task; limit <= 0 returns everything.
func (s *Scheduler) History(taskID string, limit int) []model.TaskExecutionResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.TaskExecutionResult, 0, len(s.history))
	for _, r := range s.history {
		if taskID == "" || r.TaskID == taskID {
			out = append(out, r)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// appendHistoryLocked keeps the newest half once the capacity is exceeded.
func (s *Scheduler) appendHistoryLocked(r model.TaskExecutionResult) {
	s.history = append(s.history, r)
	if len(s.history) > s.opts.HistoryCapacity {
		keep := s.opts.HistoryCapacity / 2
		trimmed := make([]model.TaskExecutionResult, keep)
		copy(trimmed, s.history[len(s.history)-keep:])
		s.history = trimmed
	}
}

func (s *Scheduler) addEntryLocked(t *ScheduledTask) {
	id := t.ID
	t.entry = s.cron.Schedule(t.sched, cron.FuncJob(func() { s.runScheduled(id) }))
}

func (s *Scheduler) removeEntryLocked(t *ScheduledTask) {
	if t.entry != 0 && s.cron != nil {
		s.cron.Remove(t.entry)
	}
	t.entry = 0
}

func (s *Scheduler) scheduleRetryLocked(t *ScheduledTask, delay time.Duration) {
	s.cancelRetryLocked(t)
	id := t.ID
	t.retry = s.afterFunc(delay, func() { s.runRetry(id) })
}

func (s *Scheduler) cancelRetryLocked(t *ScheduledTask) {
	if t.retry != nil {
		t.retry.Stop()
		t.retry = nil
	}
}

func (s *Scheduler) runScheduled(id string) {
	ctx := s.baseContext()
	if _, err := s.ExecuteTask(ctx, id); err != nil {
		s.logger.Warn().Err(err).Str("task", id).Msg("scheduled run failed")
	}
}

func (s *Scheduler) runRetry(id string) {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if ok {
		t.retry = nil
	}
	enabled := ok && t.Enabled
	s.mu.Unlock()
	if !enabled {
		return
	}
	s.logger.Info().Str("task", id).Msg("retrying task")
	if _, err := s.ExecuteTask(s.baseContext(), id); err != nil {
		s.logger.Warn().Err(err).Str("task", id).Msg("retry failed")
	}
}

func (s *Scheduler) baseContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runCtx != nil {
		return s.runCtx
	}
	return context.Background()
}

func (s *Scheduler) alertExhausted(ctx context.Context, id string, retryCount, maxRetries int, result model.TaskExecutionResult) {
	title := fmt.Sprintf("Task %s failed after %d attempts", id, retryCount)
	message := strings.Join(result.Errors, "\n")
	meta := map[string]any{
		"taskId":     id,
		"retryCount": retryCount,
		"maxRetries": maxRetries,
		"runId":      result.RunID,
	}
	if err := s.alerter.Notify(ctx, alerting.LevelError, title, message, meta); err != nil {
		s.logger.Error().Err(err).Str("task", id).Msg("failed to dispatch alert")
	}
}

// cronLogger routes cron's own logging through zerolog.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
