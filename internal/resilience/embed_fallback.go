package resilience

import (
	"context"

	"github.com/lumora-ai/lumora/pkg/provider/embeddings"
)

// EmbedFallback implements [embeddings.Provider] with automatic failover
// across multiple embedding backends.
//
// Mixing vectors from different models corrupts the index, so failover is
// only safe between backends serving the same model (e.g. two gateways in
// front of the same deployment). The constructor does not enforce this;
// the provider registry refuses to build a ladder across model identities.
type EmbedFallback struct {
	group *FallbackGroup[embeddings.Provider]
}

// Compile-time interface assertion.
var _ embeddings.Provider = (*EmbedFallback)(nil)

// NewEmbedFallback creates an [EmbedFallback] with primary as the preferred
// backend.
func NewEmbedFallback(primary embeddings.Provider, primaryName string, cfg FallbackConfig) *EmbedFallback {
	return &EmbedFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional embeddings provider as a fallback.
func (f *EmbedFallback) AddFallback(name string, provider embeddings.Provider) {
	f.group.AddFallback(name, provider)
}

// Embed delegates to the first healthy provider.
func (f *EmbedFallback) Embed(ctx context.Context, text string) ([]float32, error) {
	return ExecuteWithResult(f.group, func(p embeddings.Provider) ([]float32, error) {
		return p.Embed(ctx, text)
	})
}

// EmbedBatch delegates to the first healthy provider.
func (f *EmbedFallback) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return ExecuteWithResult(f.group, func(p embeddings.Provider) ([][]float32, error) {
		return p.EmbedBatch(ctx, texts)
	})
}

// Dimensions returns the primary's dimensionality; all entries must share it.
func (f *EmbedFallback) Dimensions() int {
	return f.group.entries[0].value.Dimensions()
}

// MaxBatchSize returns the smallest batch cap across entries, so a batch
// accepted by the ladder is accepted by every backend it may fail over to.
func (f *EmbedFallback) MaxBatchSize() int {
	minSize := f.group.entries[0].value.MaxBatchSize()
	for _, e := range f.group.entries[1:] {
		if s := e.value.MaxBatchSize(); s < minSize {
			minSize = s
		}
	}
	return minSize
}

// ModelID returns the primary's model identifier.
func (f *EmbedFallback) ModelID() string {
	return f.group.entries[0].value.ModelID()
}
