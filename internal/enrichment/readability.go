package enrichment

import (
	"context"
	"time"

	readability "github.com/go-shiori/go-readability"
)

// ReadabilityExtractor pulls the main article text directly from the page.
type ReadabilityExtractor struct {
	timeout time.Duration
}

// NewReadabilityExtractor creates an extractor with the given fetch timeout.
func NewReadabilityExtractor(timeout time.Duration) *ReadabilityExtractor {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ReadabilityExtractor{timeout: timeout}
}

// Name implements Extractor.
func (r *ReadabilityExtractor) Name() string { return "readability" }

// Extract implements Extractor.
func (r *ReadabilityExtractor) Extract(ctx context.Context, url string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	timeout := r.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}

	article, err := readability.FromURL(url, timeout)
	if err != nil {
		return "", err
	}
	return article.TextContent, nil
}
