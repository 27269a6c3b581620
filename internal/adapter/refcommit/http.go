// Package refcommit provides reference-commit resolver strategies: an HTTP
// probe against a deployment-info endpoint and a local git fallback.
package refcommit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/grokomation/ephemerald/internal/port/refcommit"
)

// HTTPResolver asks a deployment-info endpoint which commit is live in
// production. The endpoint is expected to return {"commit": "<hash>"}.
type HTTPResolver struct {
	url    string
	client *http.Client
}

// NewHTTPResolver creates a resolver probing the given URL.
func NewHTTPResolver(url string) *HTTPResolver {
	return &HTTPResolver{
		url:    url,
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

// ResolveReferenceCommit fetches and validates the production commit hash.
func (r *HTTPResolver) ResolveReferenceCommit(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, http.NoBody)
	if err != nil {
		return "", fmt.Errorf("refcommit: build request: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("refcommit: probe %s: %w", r.url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("refcommit: probe %s: unexpected status %d", r.url, resp.StatusCode)
	}

	var payload struct {
		Commit string `json:"commit"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("refcommit: decode response: %w", err)
	}

	commit := strings.TrimSpace(payload.Commit)
	if commit == "" {
		return "", fmt.Errorf("refcommit: probe %s: empty commit", r.url)
	}
	return commit, nil
}

// Chain tries each resolver in order and returns the first success, logging
// each failure. The last error is returned when all strategies fail.
type Chain struct {
	resolvers []refcommit.Resolver
	log       *slog.Logger
}

// NewChain creates a resolver chain.
func NewChain(log *slog.Logger, resolvers ...refcommit.Resolver) *Chain {
	return &Chain{resolvers: resolvers, log: log}
}

// ResolveReferenceCommit returns the first resolver's answer.
func (c *Chain) ResolveReferenceCommit(ctx context.Context) (string, error) {
	var lastErr error
	for _, r := range c.resolvers {
		commit, err := r.ResolveReferenceCommit(ctx)
		if err == nil {
			return commit, nil
		}
		lastErr = err
		c.log.Warn("reference resolver failed, trying next", "error", err)
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("refcommit: no resolvers configured")
	}
	return "", lastErr
}
