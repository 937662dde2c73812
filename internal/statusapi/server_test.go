package statusapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carbon-price-collector/internal/model"
	"carbon-price-collector/internal/scheduler"
)

type fakeController struct {
	mu      sync.Mutex
	tasks   []scheduler.TaskSnapshot
	history []model.TaskExecutionResult
	health  model.HealthState
	running bool
	stopped chan struct{}
	lastQ   string
	lastN   int
}

func newFakeController() *fakeController {
	return &fakeController{
		tasks: []scheduler.TaskSnapshot{
			{ID: "cea", Market: model.MarketCEA, Adapter: "cea-adapter", Enabled: true, MaxRetries: 3},
			{ID: "cca", Market: model.MarketCCA, Adapter: "cca-adapter", Enabled: true, MaxRetries: 3},
		},
		health:  model.HealthHealthy,
		running: true,
		stopped: make(chan struct{}),
	}
}

func (f *fakeController) Tasks() []scheduler.TaskSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]scheduler.TaskSnapshot(nil), f.tasks...)
}

func (f *fakeController) SetTaskEnabled(id string, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.tasks {
		if f.tasks[i].ID == id {
			f.tasks[i].Enabled = enabled
			return nil
		}
	}
	return fmt.Errorf("%w: %s", scheduler.ErrTaskNotFound, id)
}

func (f *fakeController) ExecuteTask(_ context.Context, id string) (model.TaskExecutionResult, error) {
	switch id {
	case "cea":
		return model.TaskExecutionResult{TaskID: id, Success: true, RecordCount: 3}, nil
	case "cca":
		return model.TaskExecutionResult{TaskID: id, Errors: []string{"sink down"}}, errors.New("task cca: sink down")
	default:
		return model.TaskExecutionResult{}, fmt.Errorf("%w: %s", scheduler.ErrTaskNotFound, id)
	}
}

func (f *fakeController) ExecuteAllTasks(ctx context.Context) []model.TaskExecutionResult {
	var out []model.TaskExecutionResult
	for _, task := range f.Tasks() {
		if !task.Enabled {
			continue
		}
		res, _ := f.ExecuteTask(ctx, task.ID)
		out = append(out, res)
	}
	return out
}

func (f *fakeController) History(taskID string, limit int) []model.TaskExecutionResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastQ, f.lastN = taskID, limit
	return f.history
}

func (f *fakeController) GetHealthStatus(context.Context) scheduler.HealthReport {
	return scheduler.HealthReport{Status: f.health, Message: "1/2 tasks healthy"}
}

func (f *fakeController) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeController) Stop() {
	f.mu.Lock()
	f.running = false
	f.mu.Unlock()
	close(f.stopped)
}

func newTestAPI(t *testing.T, ctrl Controller, onStop func()) *Client {
	t.Helper()
	srv, err := NewServer(Options{OnStop: onStop}, ctrl, zerolog.Nop())
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return NewClient(ts.URL, time.Second)
}

func TestStatusAndToggle(t *testing.T) {
	ctrl := newFakeController()
	c := newTestAPI(t, ctrl, nil)
	ctx := context.Background()

	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.Running)
	require.Len(t, st.Tasks, 2)

	require.NoError(t, c.SetTaskEnabled(ctx, "cca", false))
	tasks, err := c.Tasks(ctx)
	require.NoError(t, err)
	assert.False(t, tasks[1].Enabled)

	err = c.SetTaskEnabled(ctx, "eu", true)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExecute(t *testing.T) {
	c := newTestAPI(t, newFakeController(), nil)
	ctx := context.Background()

	ok, err := c.Execute(ctx, "cea")
	require.NoError(t, err)
	assert.True(t, ok.Result.Success)
	assert.Equal(t, 3, ok.Result.RecordCount)
	assert.Empty(t, ok.Error)

	failed, err := c.Execute(ctx, "cca")
	require.NoError(t, err, "执行失败仍返回 200 和结果")
	assert.False(t, failed.Result.Success)
	assert.Contains(t, failed.Error, "sink down")

	_, err = c.Execute(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExecuteAll(t *testing.T) {
	ctrl := newFakeController()
	require.NoError(t, ctrl.SetTaskEnabled("cca", false))
	c := newTestAPI(t, ctrl, nil)

	results, err := c.ExecuteAll(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1, "禁用的任务不执行")
	assert.Equal(t, "cea", results[0].TaskID)
}

func TestHistoryQuery(t *testing.T) {
	ctrl := newFakeController()
	ctrl.history = []model.TaskExecutionResult{{TaskID: "cea", Success: true, ExecutionTime: 2 * time.Second}}
	c := newTestAPI(t, ctrl, nil)

	got, err := c.History(context.Background(), "cea", 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 2*time.Second, got[0].ExecutionTime)
	assert.Equal(t, "cea", ctrl.lastQ)
	assert.Equal(t, 5, ctrl.lastN)

	_, err = c.History(context.Background(), "", 0)
	require.NoError(t, err)
	assert.Equal(t, defaultHistoryLimit, ctrl.lastN)
}

func TestHistoryRejectsBadLimit(t *testing.T) {
	srv, err := NewServer(Options{}, newFakeController(), zerolog.Nop())
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/history?limit=abc", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthUnhealthyStillDecodes(t *testing.T) {
	ctrl := newFakeController()
	ctrl.health = model.HealthUnhealthy
	c := newTestAPI(t, ctrl, nil)

	report, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.HealthUnhealthy, report.Status)
}

func TestStopInvokesHook(t *testing.T) {
	ctrl := newFakeController()
	hooked := make(chan struct{})
	c := newTestAPI(t, ctrl, func() { close(hooked) })

	require.NoError(t, c.Stop(context.Background()))
	select {
	case <-hooked:
	case <-time.After(2 * time.Second):
		t.Fatal("OnStop 未被调用")
	}
	assert.False(t, ctrl.Running())
}

func TestNewServerRequiresController(t *testing.T) {
	_, err := NewServer(Options{}, nil, zerolog.Nop())
	assert.Error(t, err)
}
