// Package embeddings defines the Provider interface for vector embedding backends.
//
// An embeddings provider maps text to dense float32 vectors. Lumora uses these
// vectors for course-content retrieval, intent classification, and quiz answer
// similarity. Vectors produced by different models live in different spaces;
// the store records the model identifier alongside every persisted vector so
// that a model change can be detected and the affected chunks re-embedded.
//
// Implementations must be safe for concurrent use.
package embeddings

import "context"

// Provider is the abstraction over any text-embedding backend.
//
// All vectors returned by a single Provider instance share the same
// dimensionality (returned by Dimensions). Callers must not mix vectors from
// different models in one similarity computation.
type Provider interface {
	// Embed computes the embedding vector for a single text string. The
	// returned slice has length Dimensions().
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch computes embeddings for a slice of texts in a single
	// provider call. The returned slice has the same length as texts and the
	// i-th element corresponds to texts[i]. Callers must keep len(texts) at
	// or below MaxBatchSize; the ingest pipeline splits larger inputs.
	//
	// Partial results are never returned: on error the entire slice is nil.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the fixed length of every vector produced by this
	// provider.
	Dimensions() int

	// MaxBatchSize returns the largest number of texts a single EmbedBatch
	// call accepts.
	MaxBatchSize() int

	// ModelID returns the provider-specific model identifier (e.g.
	// "text-embedding-3-small"), recorded next to every persisted vector.
	ModelID() string
}
