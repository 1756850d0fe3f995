// Package mock provides a test double for the rerank.Provider interface.
package mock

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/lumora-ai/lumora/pkg/provider/rerank"
)

// Ensure Provider implements rerank.Provider at compile time.
var _ rerank.Provider = (*Provider)(nil)

// Provider is a mock implementation of rerank.Provider.
//
// If Results is set it is returned verbatim. Otherwise the mock scores each
// document by the number of query terms it contains, a crude but deterministic
// stand-in for a cross-encoder that lets ranking tests assert real reordering.
type Provider struct {
	mu sync.Mutex

	// Results, if non-nil, is returned by every Rerank call.
	Results []rerank.Result

	// Err, if non-nil, is returned by Rerank.
	Err error

	// Calls counts Rerank invocations.
	Calls int

	// Queries records every query passed to Rerank.
	Queries []string
}

// Rerank implements rerank.Provider.
func (p *Provider) Rerank(ctx context.Context, query string, documents []string, topN int) ([]rerank.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls++
	p.Queries = append(p.Queries, query)

	if p.Err != nil {
		return nil, p.Err
	}
	if p.Results != nil {
		return p.Results, nil
	}

	terms := strings.Fields(strings.ToLower(query))
	results := make([]rerank.Result, len(documents))
	for i, doc := range documents {
		lower := strings.ToLower(doc)
		var score float64
		for _, t := range terms {
			if strings.Contains(lower, t) {
				score++
			}
		}
		results[i] = rerank.Result{Index: i, Score: score}
	}
	sort.SliceStable(results, func(a, b int) bool {
		return results[a].Score > results[b].Score
	})
	if topN > 0 && topN < len(results) {
		results = results[:topN]
	}
	return results, nil
}

// ModelID implements rerank.Provider.
func (p *Provider) ModelID() string { return "mock-rerank-v1" }
