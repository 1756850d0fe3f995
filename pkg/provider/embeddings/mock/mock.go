// Package mock provides a deterministic test double for embeddings.Provider.
//
// Unless pre-canned vectors are configured, the mock derives a stable
// pseudo-random unit vector from the FNV-1a hash of the input text. Equal
// texts always map to equal vectors, so similarity-based tests (intent
// routing, retrieval ranking) behave reproducibly without a live model.
package mock

import (
	"context"
	"hash/fnv"
	"math"
	"math/rand"
	"sync"

	"github.com/lumora-ai/lumora/pkg/provider/embeddings"
)

// Ensure Provider implements embeddings.Provider at compile time.
var _ embeddings.Provider = (*Provider)(nil)

// Provider is a mock implementation of embeddings.Provider.
type Provider struct {
	mu sync.Mutex

	// Dims is the vector dimensionality. Defaults to 8 if zero.
	Dims int

	// Vectors maps exact input texts to fixed vectors, overriding the hash
	// derivation. Useful for placing specific texts near each other.
	Vectors map[string][]float32

	// Err, if non-nil, is returned by Embed and EmbedBatch.
	Err error

	// Batch caps MaxBatchSize. Defaults to 64 if zero.
	Batch int

	// Model overrides the reported model identifier. Defaults to
	// "mock-embed-v1" when empty.
	Model string

	// EmbedCalls records every text passed to Embed, in order.
	EmbedCalls []string

	// BatchCalls records every slice passed to EmbedBatch, in order.
	BatchCalls [][]string
}

// Embed implements embeddings.Provider.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.EmbedCalls = append(p.EmbedCalls, text)
	if p.Err != nil {
		return nil, p.Err
	}
	return p.vectorFor(text), nil
}

// EmbedBatch implements embeddings.Provider.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := make([]string, len(texts))
	copy(cp, texts)
	p.BatchCalls = append(p.BatchCalls, cp)
	if p.Err != nil {
		return nil, p.Err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = p.vectorFor(t)
	}
	return out, nil
}

// Dimensions implements embeddings.Provider.
func (p *Provider) Dimensions() int {
	if p.Dims > 0 {
		return p.Dims
	}
	return 8
}

// MaxBatchSize implements embeddings.Provider.
func (p *Provider) MaxBatchSize() int {
	if p.Batch > 0 {
		return p.Batch
	}
	return 64
}

// ModelID implements embeddings.Provider.
func (p *Provider) ModelID() string {
	if p.Model != "" {
		return p.Model
	}
	return "mock-embed-v1"
}

// Reset clears all recorded calls.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.EmbedCalls = nil
	p.BatchCalls = nil
}

// vectorFor returns the configured or hash-derived unit vector for text.
// Callers must hold p.mu.
func (p *Provider) vectorFor(text string) []float32 {
	if v, ok := p.Vectors[text]; ok {
		return v
	}

	h := fnv.New64a()
	h.Write([]byte(text))
	rng := rand.New(rand.NewSource(int64(h.Sum64())))

	dims := p.Dims
	if dims <= 0 {
		dims = 8
	}
	vec := make([]float32, dims)
	var norm float64
	for i := range vec {
		v := rng.NormFloat64()
		vec[i] = float32(v)
		norm += v * v
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		vec[0] = 1
		return vec
	}
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec
}
