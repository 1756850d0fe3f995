// Package cohere provides a reranker backed by the Cohere v2 Rerank API.
package cohere

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/lumora-ai/lumora/pkg/provider/rerank"
)

const (
	rerankEndpoint = "https://api.cohere.com/v2/rerank"
	defaultModel   = "rerank-v3.5"
)

// Ensure Provider implements the rerank.Provider interface.
var _ rerank.Provider = (*Provider)(nil)

// Option is a functional option for configuring the Cohere Provider.
type Option func(*Provider)

// WithModel sets the Cohere rerank model (e.g., "rerank-v3.5").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithBaseURL overrides the API endpoint. Useful for compatible gateways.
func WithBaseURL(url string) Option {
	return func(p *Provider) {
		p.endpoint = url
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.httpClient.Timeout = d
	}
}

// Provider implements rerank.Provider backed by the Cohere v2 Rerank API.
type Provider struct {
	apiKey     string
	model      string
	endpoint   string
	httpClient *http.Client
}

// New creates a new Cohere Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("cohere: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		model:      defaultModel,
		endpoint:   rerankEndpoint,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// rerankRequest is the JSON payload for POST /v2/rerank.
type rerankRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	TopN      int      `json:"top_n,omitempty"`
}

// rerankResponse is the Cohere v2 rerank response body.
type rerankResponse struct {
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
	Message string `json:"message,omitempty"`
}

// Rerank implements rerank.Provider.
func (p *Provider) Rerank(ctx context.Context, query string, documents []string, topN int) ([]rerank.Result, error) {
	if query == "" {
		return nil, errors.New("cohere: query must not be empty")
	}
	if len(documents) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(rerankRequest{
		Model:     p.model,
		Query:     query,
		Documents: documents,
		TopN:      topN,
	})
	if err != nil {
		return nil, fmt.Errorf("cohere: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("cohere: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cohere: rerank HTTP: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("cohere: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("cohere: rerank: unexpected status %d: %s", resp.StatusCode, truncate(raw, 200))
	}

	return parseResults(raw, len(documents))
}

// ModelID implements rerank.Provider.
func (p *Provider) ModelID() string { return p.model }

// parseResults decodes the response body and validates the returned indices.
func parseResults(raw []byte, numDocs int) ([]rerank.Result, error) {
	var rr rerankResponse
	if err := json.Unmarshal(raw, &rr); err != nil {
		return nil, fmt.Errorf("cohere: decode response: %w", err)
	}

	results := make([]rerank.Result, 0, len(rr.Results))
	for _, r := range rr.Results {
		if r.Index < 0 || r.Index >= numDocs {
			return nil, fmt.Errorf("cohere: result index %d out of range", r.Index)
		}
		results = append(results, rerank.Result{
			Index: r.Index,
			Score: r.RelevanceScore,
		})
	}
	return results, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
