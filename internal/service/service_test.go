package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"carbon-price-collector/internal/adapter"
	"carbon-price-collector/internal/model"
	"carbon-price-collector/internal/sink"
	"carbon-price-collector/internal/storage"
)

var testNow = time.Date(2024, 1, 31, 9, 0, 0, 0, time.UTC)

type stubAdapter struct {
	market  model.MarketCode
	records []model.PriceRecord
	err     error
	panics  bool
}

func (a *stubAdapter) Market() model.MarketCode { return a.market }
func (a *stubAdapter) Name() string             { return "stub-" + string(a.market) }

func (a *stubAdapter) CollectData(context.Context, time.Time) (model.CollectionResult, error) {
	if a.panics {
		panic("boom")
	}
	return model.CollectionResult{
		Records:  a.records,
		Evidence: []model.Evidence{{Source: "stub", Data: "{}", Success: true}},
	}, a.err
}

func (a *stubAdapter) ValidateData(records []model.PriceRecord) model.ValidationResult {
	p, _ := adapter.ProfileFor(a.market)
	return adapter.ValidateRecords(records, p, testNow)
}

func (a *stubAdapter) HealthStatus(context.Context) model.HealthStatus {
	return model.HealthStatus{Status: model.HealthHealthy}
}

type fakeSubmitter struct {
	calls int
	err   error
}

func (f *fakeSubmitter) Submit(_ context.Context, records []model.PriceRecord, _ []model.Evidence) (sink.SubmitResult, error) {
	f.calls++
	if f.err != nil {
		return sink.SubmitResult{}, f.err
	}
	return sink.SubmitResult{Imported: len(records)}, nil
}

type fakePrior []model.PriceRecord

func (f fakePrior) FetchRecent(context.Context, model.MarketCode, string, string) ([]model.PriceRecord, error) {
	return f, nil
}

type fakeLocker struct{ acquired bool }

func (f fakeLocker) TryAdvisoryLock(context.Context, int64) (func(), bool, error) {
	return func() {}, f.acquired, nil
}

type fakeStore struct {
	execs    []storage.Execution
	evidence map[string]int
}

func (f *fakeStore) InsertExecution(_ context.Context, e storage.Execution) error {
	f.execs = append(f.execs, e)
	return nil
}

func (f *fakeStore) ListRecentExecutions(context.Context, string, int) ([]storage.Execution, error) {
	return f.execs, nil
}

func (f *fakeStore) DeleteExecutionsBefore(context.Context, time.Time) error { return nil }

func (f *fakeStore) InsertEvidence(_ context.Context, runID string, items []model.Evidence) error {
	if f.evidence == nil {
		f.evidence = map[string]int{}
	}
	f.evidence[runID] += len(items)
	return nil
}

func (f *fakeStore) ListEvidence(context.Context, string) ([]storage.EvidenceRecord, error) {
	return nil, nil
}

func record(market model.MarketCode, date, price string) model.PriceRecord {
	cur, _ := market.Currency()
	p, _ := adapter.ProfileFor(market)
	return model.PriceRecord{
		Date:           date,
		MarketCode:     market,
		InstrumentCode: p.Instrument,
		Price:          decimal.RequireFromString(price),
		Currency:       cur,
		SourceURL:      "https://source.test",
		CollectedBy:    "stub",
	}
}

func newService(sub sink.Submitter, deps Deps) *Service {
	deps.Submitter = sub
	deps.Now = func() time.Time { return testNow }
	return New(Options{LockKeyBase: 100}, deps, zerolog.Nop())
}

func TestCollectSubmitsValidBatch(t *testing.T) {
	sub := &fakeSubmitter{}
	svc := newService(sub, Deps{})
	a := &stubAdapter{market: model.MarketCEA, records: []model.PriceRecord{record(model.MarketCEA, "2024-01-30", "72.10")}}

	out, err := svc.Collect(context.Background(), a, time.Time{})
	if err != nil {
		t.Fatalf("不应失败: %v", err)
	}
	if !out.Submitted || out.Imported != 1 || sub.calls != 1 {
		t.Fatalf("应提交一条记录: %+v calls=%d", out, sub.calls)
	}
	if len(out.Evidence) != 1 {
		t.Fatalf("证据应透传, 实际 %d", len(out.Evidence))
	}
}

func TestCollectRejectsInvalidCurrency(t *testing.T) {
	sub := &fakeSubmitter{}
	svc := newService(sub, Deps{})
	bad := record(model.MarketEU, "2024-01-30", "70.10")
	bad.Currency = model.CurrencyUSD
	a := &stubAdapter{market: model.MarketEU, records: []model.PriceRecord{bad}}

	out, err := svc.Collect(context.Background(), a, time.Time{})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("应返回 ErrValidation, 实际 %v", err)
	}
	if sub.calls != 0 {
		t.Fatal("校验失败的批次不应提交")
	}
	if len(out.Records) != 1 || len(out.Errors) == 0 || !strings.Contains(out.Errors[0], "Invalid currency") {
		t.Fatalf("记录和错误应保留: %+v", out)
	}
}

func TestCollectSubmitFailure(t *testing.T) {
	sub := &fakeSubmitter{err: errors.New("sink down")}
	svc := newService(sub, Deps{})
	a := &stubAdapter{market: model.MarketCEA, records: []model.PriceRecord{record(model.MarketCEA, "2024-01-30", "72.10")}}

	out, err := svc.Collect(context.Background(), a, time.Time{})
	if err == nil || out.Submitted {
		t.Fatalf("提交失败应返回错误: %+v %v", out, err)
	}
	if out.Errors[len(out.Errors)-1] != "sink down" {
		t.Fatalf("错误列表应包含提交错误: %v", out.Errors)
	}
}

func TestCollectRecoversAdapterPanic(t *testing.T) {
	svc := newService(&fakeSubmitter{}, Deps{})
	_, err := svc.Collect(context.Background(), &stubAdapter{market: model.MarketCCA, panics: true}, time.Time{})
	if err == nil || !strings.Contains(err.Error(), "panicked") {
		t.Fatalf("panic 应转为错误, 实际 %v", err)
	}
}

func TestCollectSkipsWhenLockHeld(t *testing.T) {
	sub := &fakeSubmitter{}
	svc := newService(sub, Deps{Locker: fakeLocker{acquired: false}})
	_, err := svc.Collect(context.Background(), &stubAdapter{market: model.MarketCEA}, time.Time{})
	if !errors.Is(err, ErrLocked) {
		t.Fatalf("应返回 ErrLocked, 实际 %v", err)
	}
}

func TestCollectAddsPriorWarnings(t *testing.T) {
	prior := fakePrior{record(model.MarketCEA, "2024-01-29", "60.00"), record(model.MarketCEA, "2024-01-30", "72.10")}
	svc := newService(&fakeSubmitter{}, Deps{Prior: prior})
	a := &stubAdapter{market: model.MarketCEA, records: []model.PriceRecord{record(model.MarketCEA, "2024-01-30", "72.10")}}

	out, err := svc.Collect(context.Background(), a, time.Time{})
	if err != nil {
		t.Fatalf("不应失败: %v", err)
	}
	found := false
	for _, w := range out.Warnings {
		if strings.Contains(w, "already imported") {
			found = true
		}
	}
	if !found {
		t.Fatalf("应提示重复导入: %v", out.Warnings)
	}
}

func TestDiffPriorFlagsJump(t *testing.T) {
	prior := []model.PriceRecord{
		record(model.MarketCCA, "2024-01-08", "20.00"),
		record(model.MarketCCA, "2024-01-10", "30.00"),
	}
	got := DiffPrior([]model.PriceRecord{record(model.MarketCCA, "2024-01-11", "40.00")}, prior, 20)
	if len(got) != 1 || !strings.Contains(got[0], "33.33%") || !strings.Contains(got[0], "2024-01-10") {
		t.Fatalf("应与最近一次存储价格比较: %v", got)
	}

	if got := DiffPrior([]model.PriceRecord{record(model.MarketCCA, "2024-01-11", "31.00")}, prior, 20); len(got) != 0 {
		t.Fatalf("小幅变动不应告警: %v", got)
	}
}

func TestRecordPersistsExecutionAndEvidence(t *testing.T) {
	store := &fakeStore{}
	svc := newService(&fakeSubmitter{}, Deps{Executions: store, Evidence: store})
	svc.Record(context.Background(), model.TaskExecutionResult{RunID: "run-1", TaskID: "cea", Success: true, Timestamp: testNow},
		[]model.Evidence{{Source: "a"}, {Source: "b"}})

	if len(store.execs) != 1 || store.execs[0].TaskID != "cea" {
		t.Fatalf("应持久化执行记录: %+v", store.execs)
	}
	if store.evidence["run-1"] != 2 {
		t.Fatalf("应持久化两条证据: %v", store.evidence)
	}
}

func TestLockKeyPerMarket(t *testing.T) {
	if LockKey(1000, model.MarketEU) == LockKey(1000, model.MarketCEA) {
		t.Fatal("不同市场应使用不同的锁")
	}
	if LockKey(1000, model.MarketEU) != 1001 {
		t.Fatalf("EU 锁应为 1001, 实际 %d", LockKey(1000, model.MarketEU))
	}
}

func TestSubmitDataWithoutSink(t *testing.T) {
	svc := newService(nil, Deps{})
	_, err := svc.SubmitData(context.Background(), []model.PriceRecord{record(model.MarketCDR, "2024-01-30", "450")}, nil)
	if !errors.Is(err, sink.ErrNotConfigured) {
		t.Fatalf("未配置 sink 时应返回 ErrNotConfigured, 实际 %v", err)
	}

	sub := &fakeSubmitter{}
	svc = newService(sub, Deps{})
	res, err := svc.SubmitData(context.Background(), nil, nil)
	if err != nil || res.Imported != 0 || sub.calls != 0 {
		t.Fatalf("空批次不应调用 sink: %+v %v calls=%d", res, err, sub.calls)
	}
}
