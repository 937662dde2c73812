package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carbon-price-collector/internal/adapter"
	"carbon-price-collector/internal/alerting"
	"carbon-price-collector/internal/model"
	"carbon-price-collector/internal/service"
)

type stubAdapter struct {
	market model.MarketCode
	health model.HealthState
}

func (a *stubAdapter) Market() model.MarketCode { return a.market }
func (a *stubAdapter) Name() string             { return "stub-" + string(a.market) }
func (a *stubAdapter) CollectData(context.Context, time.Time) (model.CollectionResult, error) {
	return model.CollectionResult{}, nil
}
func (a *stubAdapter) ValidateData([]model.PriceRecord) model.ValidationResult {
	return model.ValidationResult{IsValid: true}
}
func (a *stubAdapter) HealthStatus(context.Context) model.HealthStatus {
	return model.HealthStatus{Status: a.health}
}

type fakePipeline struct {
	mu       sync.Mutex
	failures map[model.MarketCode]error
	calls    []model.MarketCode
	recorded int
	panicOn  model.MarketCode
}

func (p *fakePipeline) Collect(_ context.Context, a adapter.SourceAdapter, _ time.Time) (service.Outcome, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, a.Market())
	if a.Market() == p.panicOn {
		panic("pipeline exploded")
	}
	if err := p.failures[a.Market()]; err != nil {
		return service.Outcome{Errors: []string{err.Error()}}, err
	}
	return service.Outcome{Records: make([]model.PriceRecord, 2), Submitted: true, Imported: 2}, nil
}

func (p *fakePipeline) Record(context.Context, model.TaskExecutionResult, []model.Evidence) {
	p.mu.Lock()
	p.recorded++
	p.mu.Unlock()
}

func (p *fakePipeline) setFailure(m model.MarketCode, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failures == nil {
		p.failures = map[model.MarketCode]error{}
	}
	p.failures[m] = err
}

type recordingAlerter struct {
	mu     sync.Mutex
	titles []string
}

func (r *recordingAlerter) Notify(_ context.Context, _ alerting.Level, title, _ string, _ map[string]any) error {
	r.mu.Lock()
	r.titles = append(r.titles, title)
	r.mu.Unlock()
	return nil
}

type fakeTimer struct{ stopped bool }

func (f *fakeTimer) Stop() bool { f.stopped = true; return true }

type harness struct {
	s        *Scheduler
	pipeline *fakePipeline
	alerter  *recordingAlerter
	delays   []time.Duration
	timers   []*fakeTimer
}

func newHarness(t *testing.T, opts Options, adapters ...adapter.SourceAdapter) *harness {
	t.Helper()
	h := &harness{pipeline: &fakePipeline{}, alerter: &recordingAlerter{}}
	s, err := New(opts, adapter.NewRegistry(adapters...), h.pipeline, h.alerter, zerolog.Nop())
	require.NoError(t, err)
	s.afterFunc = func(d time.Duration, _ func()) timer {
		h.delays = append(h.delays, d)
		ft := &fakeTimer{}
		h.timers = append(h.timers, ft)
		return ft
	}
	h.s = s
	return h
}

func TestRetryEscalation(t *testing.T) {
	h := newHarness(t, Options{MaxTaskRetries: 3}, &stubAdapter{market: model.MarketCEA})
	h.pipeline.setFailure(model.MarketCEA, errors.New("sink unreachable"))
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		res, err := h.s.ExecuteTask(ctx, "cea")
		require.Error(t, err)
		assert.False(t, res.Success)
		assert.Equal(t, []string{"sink unreachable"}, res.Errors)
		assert.Equal(t, i, h.s.Tasks()[0].RetryCount)
	}

	assert.Equal(t, []time.Duration{5 * time.Minute, 10 * time.Minute}, h.delays, "线性退避, 第三次失败不再重试")
	require.Len(t, h.alerter.titles, 1, "重试耗尽时告警一次")
	assert.Contains(t, h.alerter.titles[0], "cea")

	h.pipeline.setFailure(model.MarketCEA, nil)
	res, err := h.s.ExecuteTask(ctx, "cea")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 2, res.RecordCount)
	snap := h.s.Tasks()[0]
	assert.Zero(t, snap.RetryCount, "成功后重置计数")
	require.NotNil(t, snap.LastRun)
	assert.Len(t, h.s.History("cea", 0), 4)
	assert.Equal(t, 4, h.pipeline.recorded)
}

func TestSuccessCancelsPendingRetry(t *testing.T) {
	h := newHarness(t, Options{}, &stubAdapter{market: model.MarketCCA})
	h.pipeline.setFailure(model.MarketCCA, errors.New("timeout"))
	_, _ = h.s.ExecuteTask(context.Background(), "cca")
	require.Len(t, h.timers, 1)

	h.pipeline.setFailure(model.MarketCCA, nil)
	_, err := h.s.ExecuteTask(context.Background(), "cca")
	require.NoError(t, err)
	assert.True(t, h.timers[0].stopped)
}

func TestExecuteUnknownTask(t *testing.T) {
	h := newHarness(t, Options{}, &stubAdapter{market: model.MarketCEA})
	_, err := h.s.ExecuteTask(context.Background(), "eu")
	assert.ErrorIs(t, err, ErrTaskNotFound)
	assert.ErrorIs(t, h.s.SetTaskEnabled("nope", false), ErrTaskNotFound)
	assert.Empty(t, h.s.History("", 0))
}

func TestHistoryHalvingTrim(t *testing.T) {
	h := newHarness(t, Options{HistoryCapacity: 1000}, &stubAdapter{market: model.MarketCEA})
	for i := 1; i <= 1000; i++ {
		h.s.appendHistoryLocked(model.TaskExecutionResult{TaskID: fmt.Sprintf("%d", i)})
	}
	require.Len(t, h.s.History("", 0), 1000)

	h.s.appendHistoryLocked(model.TaskExecutionResult{TaskID: "1001"})
	got := h.s.History("", 0)
	require.Len(t, got, 500)
	assert.Equal(t, "502", got[0].TaskID)
	assert.Equal(t, "1001", got[len(got)-1].TaskID)
}

func TestExecuteAllTasksSequentialAndIsolated(t *testing.T) {
	h := newHarness(t, Options{},
		&stubAdapter{market: model.MarketCEA},
		&stubAdapter{market: model.MarketCCER},
		&stubAdapter{market: model.MarketCCA},
		&stubAdapter{market: model.MarketCDR},
	)
	require.NoError(t, h.s.SetTaskEnabled("cdr", false))
	h.pipeline.setFailure(model.MarketCCER, errors.New("page changed"))
	h.pipeline.panicOn = model.MarketCCA

	results := h.s.ExecuteAllTasks(context.Background())
	require.Len(t, results, 3)
	assert.Equal(t, []model.MarketCode{model.MarketCEA, model.MarketCCER, model.MarketCCA}, h.pipeline.calls)
	assert.True(t, results[0].Success)
	assert.False(t, results[1].Success)
	assert.False(t, results[2].Success)
	assert.Contains(t, results[2].Errors[0], "panic")

	hist := h.s.History("", 0)
	require.Len(t, hist, 2, "panic 的执行不会写入历史")
	assert.Equal(t, "cea", hist[0].TaskID)
	assert.Equal(t, "ccer", hist[1].TaskID)
	assert.Len(t, h.s.History("ccer", 0), 1)
	assert.Len(t, h.s.History("", 1), 1)
}

func TestHealthRollup(t *testing.T) {
	cases := []struct {
		name   string
		states []model.HealthState
		want   model.HealthState
	}{
		{"all healthy", []model.HealthState{model.HealthHealthy, model.HealthHealthy}, model.HealthHealthy},
		{"half healthy", []model.HealthState{model.HealthHealthy, model.HealthUnhealthy}, model.HealthDegraded},
		{"minority healthy", []model.HealthState{model.HealthHealthy, model.HealthDegraded, model.HealthUnhealthy}, model.HealthUnhealthy},
		{"no tasks", nil, model.HealthUnhealthy},
	}
	markets := []model.MarketCode{model.MarketCEA, model.MarketCCA, model.MarketCDR}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var adapters []adapter.SourceAdapter
			for i, st := range tc.states {
				adapters = append(adapters, &stubAdapter{market: markets[i], health: st})
			}
			h := newHarness(t, Options{}, adapters...)
			report := h.s.GetHealthStatus(context.Background())
			assert.Equal(t, tc.want, report.Status)
			assert.Len(t, report.Tasks, len(tc.states))
		})
	}
}

func TestDefaultSchedulesAndOverrides(t *testing.T) {
	h := newHarness(t, Options{
		Schedules: map[string]string{"cdr": "15 10 * * *"},
		Disabled:  []string{"CCA"},
	},
		&stubAdapter{market: model.MarketCEA},
		&stubAdapter{market: model.MarketCCA},
		&stubAdapter{market: model.MarketCDR},
		&stubAdapter{market: model.MarketUK},
	)
	tasks := h.s.Tasks()
	require.Len(t, tasks, 4)
	assert.Equal(t, DefaultSchedules[model.MarketCEA], tasks[0].Schedule)
	assert.False(t, tasks[1].Enabled)
	assert.Nil(t, tasks[1].NextRun)
	assert.Equal(t, "15 10 * * *", tasks[2].Schedule)
	assert.Equal(t, fallbackSchedule, tasks[3].Schedule)
	require.NotNil(t, tasks[0].NextRun)

	_, err := New(Options{Schedules: map[string]string{"cea": "not a cron"}},
		adapter.NewRegistry(&stubAdapter{market: model.MarketCEA}), h.pipeline, nil, zerolog.Nop())
	assert.Error(t, err)
}

func TestStartStopIdempotent(t *testing.T) {
	h := newHarness(t, Options{}, &stubAdapter{market: model.MarketCEA})
	require.NoError(t, h.s.Start(context.Background()))
	require.NoError(t, h.s.Start(context.Background()))
	assert.True(t, h.s.Running())
	assert.Len(t, h.s.cron.Entries(), 1)

	require.NoError(t, h.s.SetTaskEnabled("cea", false))
	assert.Empty(t, h.s.cron.Entries())

	h.s.Stop()
	h.s.Stop()
	assert.False(t, h.s.Running())
}

type blockingPipeline struct {
	started chan struct{}
	release chan struct{}

	mu     sync.Mutex
	ctxErr error
	done   bool
}

func (p *blockingPipeline) Collect(ctx context.Context, _ adapter.SourceAdapter, _ time.Time) (service.Outcome, error) {
	close(p.started)
	<-p.release
	p.mu.Lock()
	p.ctxErr = ctx.Err()
	p.mu.Unlock()
	return service.Outcome{Records: make([]model.PriceRecord, 1), Submitted: true, Imported: 1}, nil
}

func (p *blockingPipeline) Record(context.Context, model.TaskExecutionResult, []model.Evidence) {
	p.mu.Lock()
	p.done = true
	p.mu.Unlock()
}

func TestStopWaitsForRunOnStartExecution(t *testing.T) {
	p := &blockingPipeline{started: make(chan struct{}), release: make(chan struct{})}
	s, err := New(Options{RunOnStart: true}, adapter.NewRegistry(&stubAdapter{market: model.MarketCEA}), p, &recordingAlerter{}, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	select {
	case <-p.started:
	case <-time.After(5 * time.Second):
		t.Fatal("RunOnStart 未触发执行")
	}

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop 不应在执行完成前返回")
	case <-time.After(50 * time.Millisecond):
	}

	close(p.release)
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("执行完成后 Stop 应返回")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	assert.NoError(t, p.ctxErr, "正在执行的任务不应被取消")
	assert.True(t, p.done)
	require.Len(t, s.History("cea", 0), 1)
	assert.True(t, s.History("cea", 0)[0].Success)
}
