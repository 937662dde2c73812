package fetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"carbon-price-collector/internal/model"
)

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

func newTestClient(retries int) (*Client, *[]time.Duration) {
	c := New(Options{Timeout: time.Second, RetryCount: retries, Backoff: 100 * time.Millisecond, UserAgent: "test"}, noopLogger())
	delays := &[]time.Duration{}
	c.sleep = func(_ context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	}
	return c, delays
}

func TestGetRetriesWithExponentialBackoff(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") != "test" {
			t.Errorf("User-Agent 未设置: %q", r.Header.Get("User-Agent"))
		}
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c, delays := newTestClient(3)
	body, err := c.Get(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("第三次应成功: %v", err)
	}
	if string(body) != "ok" {
		t.Fatalf("响应体不正确: %q", body)
	}
	if len(*delays) != 2 || (*delays)[0] != 100*time.Millisecond || (*delays)[1] != 200*time.Millisecond {
		t.Fatalf("退避应为 100ms,200ms, 实际 %v", *delays)
	}
}

func TestGetGivesUpAfterRetryCount(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("maintenance"))
	}))
	defer srv.Close()

	c, _ := newTestClient(2)
	_, err := c.Get(context.Background(), srv.URL)
	if err == nil {
		t.Fatal("持续 503 应返回错误")
	}
	if !errors.Is(err, ErrStatus) {
		t.Fatalf("错误应包装 ErrStatus: %v", err)
	}
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusServiceUnavailable || statusErr.Body != "maintenance" {
		t.Fatalf("应返回 StatusError: %v", err)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("应请求 3 次, 实际 %d", calls)
	}
}

func TestGetMissingURL(t *testing.T) {
	c, _ := newTestClient(0)
	if _, err := c.Get(context.Background(), ""); err == nil {
		t.Fatal("缺少 URL 时应报错")
	}
}

func TestProbeClassification(t *testing.T) {
	var status atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("探测应使用 HEAD, 实际 %s", r.Method)
		}
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	c, _ := newTestClient(0)
	cases := []struct {
		code int
		want model.HealthState
	}{
		{http.StatusOK, model.HealthHealthy},
		{http.StatusMethodNotAllowed, model.HealthDegraded},
		{http.StatusInternalServerError, model.HealthUnhealthy},
	}
	for _, tc := range cases {
		status.Store(int32(tc.code))
		if got := c.Probe(context.Background(), srv.URL); got.Status != tc.want {
			t.Fatalf("状态码 %d 期望 %s, 实际 %s (%s)", tc.code, tc.want, got.Status, got.Message)
		}
	}

	srv.Close()
	if got := c.Probe(context.Background(), srv.URL); got.Status != model.HealthUnhealthy {
		t.Fatalf("不可达应为 unhealthy, 实际 %s", got.Status)
	}
}

func TestProbeSlowIsDegraded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(30 * time.Millisecond)
	}))
	defer srv.Close()

	c := New(Options{Timeout: time.Second, SlowThreshold: 5 * time.Millisecond}, noopLogger())
	if got := c.Probe(context.Background(), srv.URL); got.Status != model.HealthDegraded {
		t.Fatalf("慢响应应为 degraded, 实际 %s", got.Status)
	}
}
