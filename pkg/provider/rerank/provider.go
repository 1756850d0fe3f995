// Package rerank defines the Provider interface for relevance reranking
// backends.
//
// A reranker re-scores a small candidate set (10-20 chunks) against the query
// with a cross-encoder, which judges relevance far better than the bi-encoder
// similarity used for first-stage retrieval. Reranking is an optional stage:
// when it fails or is disabled the retriever keeps its fused order and flags
// the result as degraded.
//
// Implementations must be safe for concurrent use.
package rerank

import "context"

// Result is one reranked document.
type Result struct {
	// Index is the document's position in the input slice.
	Index int

	// Score is the reranker's relevance score. Higher is more relevant;
	// the scale is provider-specific.
	Score float64
}

// Provider is the abstraction over any reranking backend.
type Provider interface {
	// Rerank scores each document against the query and returns results
	// ordered from most to least relevant, truncated to topN (0 = all).
	// The input order is never assumed meaningful.
	Rerank(ctx context.Context, query string, documents []string, topN int) ([]Result, error)

	// ModelID returns the provider-specific model identifier.
	ModelID() string
}
