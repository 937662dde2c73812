package evidence

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"
)

type fakePage struct {
	png []byte
	err error
}

func (p fakePage) Screenshot(context.Context) ([]byte, error) { return p.png, p.err }

func TestCaptureScreenshot(t *testing.T) {
	c := NewCollector()

	ok := c.CaptureScreenshot(context.Background(), "cea-page", "https://x", fakePage{png: []byte{0x89, 'P', 'N', 'G'}})
	if !ok.Success || ok.Kind() != "screenshot" || ok.Hash == "" {
		t.Fatalf("截图成功应记录 screenshot 证据: %+v", ok)
	}

	failed := c.CaptureScreenshot(context.Background(), "cea-page", "https://x", fakePage{err: errors.New("target closed")})
	if failed.Success || failed.Kind() != "none" || failed.Error != "target closed" {
		t.Fatalf("截图失败应记录失败证据: %+v", failed)
	}

	empty := c.CaptureScreenshot(context.Background(), "cea-page", "https://x", fakePage{})
	if empty.Success {
		t.Fatal("空截图不应视为成功")
	}

	if c.Len() != 3 {
		t.Fatalf("期望 3 条证据, 实际 %d", c.Len())
	}
}

func TestCaptureAPIResponseTruncatesAndHashes(t *testing.T) {
	c := NewCollector()
	payload := []byte(strings.Repeat("a", maxExcerpt+100))

	ev := c.CaptureAPIResponse("cdr-api", "https://api", payload, nil)
	if !ev.Success || len(ev.Data) != maxExcerpt {
		t.Fatalf("payload 应被截断到 %d, 实际 %d", maxExcerpt, len(ev.Data))
	}
	if ev.Hash != digest(payload) {
		t.Fatal("hash 应基于完整 payload")
	}

	failed := c.CaptureAPIResponse("cdr-api", "https://api", nil, errors.New("timeout"))
	if failed.Success || failed.Data != "" || failed.Error != "timeout" {
		t.Fatalf("请求失败应记录失败证据: %+v", failed)
	}
}

func TestItemsReturnsCopy(t *testing.T) {
	c := NewCollector()
	c.RecordFailure("x", "", nil)
	items := c.Items()
	items[0].Source = "mutated"
	if c.Items()[0].Source != "x" {
		t.Fatal("Items 应返回副本")
	}
	if c.Items()[0].Error == "" {
		t.Fatal("失败证据应包含错误信息")
	}
}

func TestCollectorConcurrentAppend(t *testing.T) {
	c := NewCollector()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.CaptureAPIResponse("src", "u", []byte("{}"), nil)
		}()
	}
	wg.Wait()
	if c.Len() != 50 {
		t.Fatalf("并发追加后应有 50 条, 实际 %d", c.Len())
	}
}

func TestCaptureAPIResponseExcerptKeepsRunes(t *testing.T) {
	c := NewCollector()
	payload := []byte("ab" + strings.Repeat("中", 2000))

	ev := c.CaptureAPIResponse("cea-page", "https://x", payload, nil)
	if !utf8.ValidString(ev.Data) {
		t.Fatal("截断后的摘要必须是合法 UTF-8")
	}
	if len(ev.Data) > maxExcerpt || len(ev.Data) < maxExcerpt-3 {
		t.Fatalf("摘要长度异常: %d", len(ev.Data))
	}
}
