// Package evidence keeps the provenance trail of one collection run.
package evidence

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"time"
	"unicode/utf8"

	"carbon-price-collector/internal/model"
)

// maxExcerpt bounds the payload excerpt stored with API evidence. The cut
// never splits a UTF-8 sequence.
const maxExcerpt = 4096

// Screenshotter is any page-like handle able to produce a PNG of itself.
type Screenshotter interface {
	Screenshot(ctx context.Context) ([]byte, error)
}

// Collector is an append-only evidence list. Safe for concurrent use by the
// per-source goroutines of one adapter call.
type Collector struct {
	mu    sync.Mutex
	items []model.Evidence
	now   func() time.Time
}

// NewCollector returns an empty collector.
func NewCollector() *Collector {
	return &Collector{now: func() time.Time { return time.Now().UTC() }}
}

// CaptureScreenshot screenshots page and records the outcome. A failed capture is recorded as failure evidence.
func (c *Collector) CaptureScreenshot(ctx context.Context, source, url string, page Screenshotter) model.Evidence {
	ev := model.Evidence{Source: source, URL: url}
	if page == nil {
		ev.Error = "no page handle"
		return c.append(ev)
	}

	png, err := page.Screenshot(ctx)
	if err == nil && len(png) == 0 {
		err = errors.New("empty screenshot")
	}
	if err != nil {
		ev.Error = err.Error()
		return c.append(ev)
	}

	ev.Screenshot = png
	ev.Hash = digest(png)
	ev.Success = true
	return c.append(ev)
}

// CaptureAPIResponse records a raw payload excerpt, or the fetch error when err is non-nil.
func (c *Collector) CaptureAPIResponse(source, url string, payload []byte, err error) model.Evidence {
	ev := model.Evidence{Source: source, URL: url}
	if err != nil {
		ev.Error = err.Error()
		return c.append(ev)
	}
	ev.Hash = digest(payload)
	ev.Data = excerpt(payload)
	ev.Success = true
	return c.append(ev)
}

// RecordFailure records a pure failure with no payload.
func (c *Collector) RecordFailure(source, url string, err error) model.Evidence {
	ev := model.Evidence{Source: source, URL: url, Error: "unknown failure"}
	if err != nil {
		ev.Error = err.Error()
	}
	return c.append(ev)
}

// Items returns a copy of everything recorded so far.
func (c *Collector) Items() []model.Evidence {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.Evidence, len(c.items))
	copy(out, c.items)
	return out
}

// Len reports how many items were recorded.
func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *Collector) append(ev model.Evidence) model.Evidence {
	ev.Timestamp = c.now()
	c.mu.Lock()
	c.items = append(c.items, ev)
	c.mu.Unlock()
	return ev
}

func digest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func excerpt(b []byte) string {
	if len(b) <= maxExcerpt {
		return string(b)
	}
	n := maxExcerpt
	for n > 0 && !utf8.RuneStart(b[n]) {
		n--
	}
	return string(b[:n])
}
