package fetcher

import (
	"context"

	"carbon-price-collector/internal/model"
)

// Getter downloads a document from a source.
type Getter interface {
	Get(ctx context.Context, url string) ([]byte, error)
}

// Prober classifies the reachability of a source without a full scrape.
type Prober interface {
	Probe(ctx context.Context, url string) model.HealthStatus
}

// Renderer loads a page and extracts the table rows matched by selector.
type Renderer interface {
	RenderAndExtract(ctx context.Context, url, selector string) (RenderResult, error)
}

// RenderResult carries the extracted rows plus what was seen for evidence.
type RenderResult struct {
	Rows [][]string
	HTML string
	PNG  []byte
}

// Screenshot exposes the captured PNG so a result can be handed to an evidence collector.
func (r RenderResult) Screenshot(context.Context) ([]byte, error) {
	if len(r.PNG) == 0 {
		return nil, ErrNoScreenshot
	}
	return r.PNG, nil
}
