// Package reindex notifies the search indexer after a repository's clone
// changes on the shared volume.
package reindex

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	defaultTimeout = 10 * time.Second
	maxTries       = 3
	userAgent      = "repo-manager/1.0"
)

// Trigger asks the indexer to pick up new sources. Implementations must be
// safe for concurrent use; the poller fans out one call per completed sync.
type Trigger interface {
	Reindex(ctx context.Context, projectName string) error
}

// HTTPTrigger calls the indexer's reindex endpoint over HTTP.
type HTTPTrigger struct {
	client     *http.Client
	reindexURL string
}

// NewHTTPTrigger creates an HTTPTrigger for the given endpoint.
func NewHTTPTrigger(reindexURL string) *HTTPTrigger {
	return &HTTPTrigger{
		client:     &http.Client{Timeout: defaultTimeout},
		reindexURL: reindexURL,
	}
}

// Reindex requests a reindex run, retrying transient failures with
// exponential backoff. A 4xx response is treated as permanent.
func (t *HTTPTrigger) Reindex(ctx context.Context, projectName string) error {
	if t.reindexURL == "" {
		slog.Debug("Reindex URL not configured, skipping", "project", projectName)
		return nil
	}

	operation := func() (struct{}, error) {
		return struct{}{}, t.call(ctx)
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(maxTries))
	if err != nil {
		return fmt.Errorf("failed to trigger reindex for %s: %w", projectName, err)
	}

	slog.Info("Triggered reindex", "project", projectName)
	return nil
}

func (t *HTTPTrigger) call(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.reindexURL, nil)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach indexer: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 500 {
		return fmt.Errorf("indexer returned status %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return backoff.Permanent(fmt.Errorf("indexer returned status %d", resp.StatusCode))
	}
	return nil
}
