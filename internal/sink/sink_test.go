package sink

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"carbon-price-collector/internal/model"
)

func sampleRecords() []model.PriceRecord {
	vol := decimal.NewFromInt(1200)
	return []model.PriceRecord{
		{
			Date: "2024-01-11", MarketCode: model.MarketCCA, InstrumentCode: "CCA",
			Price: decimal.RequireFromString("31.50"), Currency: model.CurrencyUSD,
			Volume: &vol, SourceURL: "https://cca.test/a.csv", CollectedBy: "cca-adapter",
		},
		{
			Date: "2024-01-12", MarketCode: model.MarketCCA, InstrumentCode: `CCA "V24"`,
			Price: decimal.RequireFromString("32"), Currency: model.CurrencyUSD,
			SourceURL: "https://cca.test/a.csv", CollectedBy: "cca-adapter",
		},
	}
}

func TestEncodeCSVQuotesEveryField(t *testing.T) {
	got := string(EncodeCSV(sampleRecords()))
	lines := strings.Split(strings.TrimSuffix(got, "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("应有表头加两行, 实际 %d 行", len(lines))
	}
	if lines[0] != `"market_code","instrument_code","date","price","price_type","currency","unit","volume","source_url","notes"` {
		t.Fatalf("表头不正确: %s", lines[0])
	}
	want := `"CCA","CCA","2024-01-11","31.5","close","USD","tCO2e","1200","https://cca.test/a.csv","MCP采集: cca-adapter"`
	if lines[1] != want {
		t.Fatalf("第一行不正确:\n got %s\nwant %s", lines[1], want)
	}
	if !strings.Contains(lines[2], `"CCA ""V24"""`) || !strings.Contains(lines[2], `"tCO2e",""`) {
		t.Fatalf("引号转义或空成交量不正确: %s", lines[2])
	}
}

func TestSubmitPostsMultipart(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("解析 multipart 失败: %v", err)
		}
		if r.FormValue("source") != "collector-test" {
			t.Errorf("source 字段不正确: %q", r.FormValue("source"))
		}
		f, _, err := r.FormFile("file")
		if err != nil {
			t.Errorf("缺少 file 字段: %v", err)
			return
		}
		body, _ := io.ReadAll(f)
		if !strings.HasPrefix(string(body), `"market_code"`) {
			t.Errorf("CSV 内容不正确: %s", body)
		}
		var ev []map[string]any
		if err := json.Unmarshal([]byte(r.FormValue("evidence")), &ev); err != nil || len(ev) != 1 || ev[0]["kind"] != "data" {
			t.Errorf("evidence 摘要不正确: %v %v", ev, err)
		}
		_, _ = w.Write([]byte(`{"imported":2}`))
	}))
	defer srv.Close()

	c := New(Options{Endpoint: srv.URL, SourceName: "collector-test", Timeout: time.Second}, zerolog.Nop())
	res, err := c.Submit(context.Background(), sampleRecords(), []model.Evidence{{Source: "cca-csv", Data: "x", Success: true}})
	if err != nil {
		t.Fatalf("提交失败: %v", err)
	}
	if res.Imported != 2 {
		t.Fatalf("imported 应为 2, 实际 %d", res.Imported)
	}
}

func TestSubmitFailures(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"status": func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		},
		"json": func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("<html>ok</html>"))
		},
	}
	for name, h := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(h)
			defer srv.Close()
			c := New(Options{Endpoint: srv.URL}, zerolog.Nop())
			if _, err := c.Submit(context.Background(), sampleRecords(), nil); err == nil {
				t.Fatal("应返回错误")
			}
		})
	}

	c := New(Options{}, zerolog.Nop())
	if _, err := c.Submit(context.Background(), nil, nil); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("未配置 endpoint 应返回 ErrNotConfigured, 实际 %v", err)
	}
}

func TestFetchRecent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("market") != "CEA" || q.Get("from") != "2024-01-01" || q.Get("to") != "2024-01-11" {
			t.Errorf("查询参数不正确: %s", r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(`{"data":[{"date":"2024-01-10","market_code":"CEA","instrument_code":"CEA","price":"71.2","currency":"CNY"}]}`))
	}))
	defer srv.Close()

	c := New(Options{HistoryEndpoint: srv.URL + "/prices?token=abc"}, zerolog.Nop())
	got, err := c.FetchRecent(context.Background(), model.MarketCEA, "2024-01-01", "2024-01-11")
	if err != nil {
		t.Fatalf("查询失败: %v", err)
	}
	if len(got) != 1 || got[0].Price.String() != "71.2" || got[0].MarketCode != model.MarketCEA {
		t.Fatalf("解析结果不正确: %+v", got)
	}
}
