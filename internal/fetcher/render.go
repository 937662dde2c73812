package fetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/chromedp/chromedp"
	"github.com/rs/zerolog"
)

// ExtractRows returns the trimmed cell texts of every element matched by selector.
// Rows without td/th cells (spacers, nested headers) are dropped.
func ExtractRows(html []byte, selector string) ([][]string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	rows := make([][]string, 0)
	doc.Find(selector).Each(func(_ int, row *goquery.Selection) {
		cells := make([]string, 0, 8)
		row.Find("td,th").Each(func(_ int, cell *goquery.Selection) {
			cells = append(cells, strings.Join(strings.Fields(cell.Text()), " "))
		})
		if len(cells) > 0 {
			rows = append(rows, cells)
		}
	})
	if len(rows) == 0 {
		return nil, fmt.Errorf("selector %q matched no table rows", selector)
	}
	return rows, nil
}

// HTTPRenderer fetches static HTML and extracts rows with goquery. It never produces a screenshot.
type HTTPRenderer struct {
	getter Getter
}

// NewHTTPRenderer wraps a Getter.
func NewHTTPRenderer(getter Getter) *HTTPRenderer {
	return &HTTPRenderer{getter: getter}
}

// RenderAndExtract downloads url and extracts the rows matched by selector.
func (r *HTTPRenderer) RenderAndExtract(ctx context.Context, url, selector string) (RenderResult, error) {
	if r.getter == nil {
		return RenderResult{}, errors.New("http renderer has no fetcher")
	}
	body, err := r.getter.Get(ctx, url)
	if err != nil {
		return RenderResult{}, err
	}
	rows, err := ExtractRows(body, selector)
	if err != nil {
		return RenderResult{HTML: string(body)}, err
	}
	return RenderResult{Rows: rows, HTML: string(body)}, nil
}

// screenshotQuality 100 makes chromedp encode PNG; anything lower yields JPEG.
const screenshotQuality = 100

// ChromeOptions parameterise the headless renderer.
type ChromeOptions struct {
	Timeout     time.Duration
	SettleDelay time.Duration
	Screenshot  bool
	// RetryCount and Backoff follow the same exponential schedule as Client.Get.
	RetryCount int
	Backoff    time.Duration
}

// ChromeRenderer drives headless Chrome for pages that build their tables in JavaScript.
type ChromeRenderer struct {
	opts   ChromeOptions
	logger zerolog.Logger
	render func(ctx context.Context, url, selector string) (string, []byte, error)
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewChromeRenderer builds a headless renderer.
func NewChromeRenderer(opts ChromeOptions, logger zerolog.Logger) *ChromeRenderer {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.RetryCount < 0 {
		opts.RetryCount = 0
	}
	if opts.Backoff <= 0 {
		opts.Backoff = defaultBackoff
	}
	r := &ChromeRenderer{
		opts:   opts,
		logger: logger.With().Str("component", "chrome_renderer").Logger(),
		sleep:  sleepContext,
	}
	r.render = r.renderOnce
	return r
}

// RenderAndExtract navigates to url, waits for selector, then snapshots the DOM and the page.
// Browser failures are retried; a page that renders but lacks the table is not.
func (r *ChromeRenderer) RenderAndExtract(ctx context.Context, url, selector string) (RenderResult, error) {
	var (
		html    string
		png     []byte
		lastErr error
	)
	for attempt := 0; attempt <= r.opts.RetryCount; attempt++ {
		if attempt > 0 {
			delay := r.opts.Backoff << (attempt - 1)
			r.logger.Debug().Str("url", url).Int("attempt", attempt).Dur("delay", delay).Err(lastErr).Msg("retrying page render")
			if err := r.sleep(ctx, delay); err != nil {
				return RenderResult{PNG: png}, err
			}
		}

		var err error
		html, png, err = r.render(ctx, url, selector)
		if err == nil {
			lastErr = nil
			break
		}
		lastErr = err
		if ctx.Err() != nil {
			return RenderResult{PNG: png}, ctx.Err()
		}
	}
	if lastErr != nil {
		return RenderResult{PNG: png}, fmt.Errorf("render %s after %d attempts: %w", url, r.opts.RetryCount+1, lastErr)
	}
	r.logger.Debug().Str("url", url).Int("html_bytes", len(html)).Int("png_bytes", len(png)).Msg("page rendered")

	rows, err := ExtractRows([]byte(html), selector)
	if err != nil {
		return RenderResult{HTML: html, PNG: png}, err
	}
	return RenderResult{Rows: rows, HTML: html, PNG: png}, nil
}

func (r *ChromeRenderer) renderOnce(ctx context.Context, url, selector string) (string, []byte, error) {
	parent, cancel := chromedp.NewContext(ctx)
	defer cancel()

	timeoutCtx, cancelTimeout := context.WithTimeout(parent, r.opts.Timeout)
	defer cancelTimeout()

	var (
		html string
		png  []byte
	)
	tasks := chromedp.Tasks{
		chromedp.Navigate(url),
		chromedp.WaitReady(selector, chromedp.ByQuery),
	}
	if r.opts.SettleDelay > 0 {
		tasks = append(tasks, chromedp.Sleep(r.opts.SettleDelay))
	}
	tasks = append(tasks, chromedp.OuterHTML("html", &html, chromedp.ByQuery))
	if r.opts.Screenshot {
		tasks = append(tasks, chromedp.FullScreenshot(&png, screenshotQuality))
	}

	if err := chromedp.Run(timeoutCtx, tasks...); err != nil {
		return "", png, err
	}
	return html, png, nil
}

var (
	_ Renderer = (*HTTPRenderer)(nil)
	_ Renderer = (*ChromeRenderer)(nil)
)
