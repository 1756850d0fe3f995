package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/lumora-ai/lumora/internal/resilience"
	"github.com/lumora-ai/lumora/pkg/provider/embeddings"
	"github.com/lumora-ai/lumora/pkg/provider/llm"
	"github.com/lumora-ai/lumora/pkg/provider/rerank"
	"github.com/lumora-ai/lumora/pkg/provider/stt"
	"github.com/lumora-ai/lumora/pkg/provider/tts"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// ErrMixedEmbeddingModels is returned by [Registry.BuildEmbeddings] when a
// fallback entry resolves to a different model than the primary. Vectors from
// different models are not comparable, so such a ladder would corrupt the
// index on failover.
var ErrMixedEmbeddingModels = errors.New("config: embeddings fallback serves a different model than the primary")

// Registry maps provider names to their constructor functions for each
// capability. It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	llm        map[string]func(ProviderEntry) (llm.Provider, error)
	embeddings map[string]func(ProviderEntry) (embeddings.Provider, error)
	stt        map[string]func(ProviderEntry) (stt.Provider, error)
	tts        map[string]func(ProviderEntry) (tts.Provider, error)
	rerank     map[string]func(ProviderEntry) (rerank.Provider, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		llm:        make(map[string]func(ProviderEntry) (llm.Provider, error)),
		embeddings: make(map[string]func(ProviderEntry) (embeddings.Provider, error)),
		stt:        make(map[string]func(ProviderEntry) (stt.Provider, error)),
		tts:        make(map[string]func(ProviderEntry) (tts.Provider, error)),
		rerank:     make(map[string]func(ProviderEntry) (rerank.Provider, error)),
	}
}

// RegisterLLM registers an LLM provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterLLM(name string, factory func(ProviderEntry) (llm.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[name] = factory
}

// RegisterEmbeddings registers an embeddings provider factory under name.
func (r *Registry) RegisterEmbeddings(name string, factory func(ProviderEntry) (embeddings.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.embeddings[name] = factory
}

// RegisterSTT registers an STT provider factory under name.
func (r *Registry) RegisterSTT(name string, factory func(ProviderEntry) (stt.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stt[name] = factory
}

// RegisterTTS registers a TTS provider factory under name.
func (r *Registry) RegisterTTS(name string, factory func(ProviderEntry) (tts.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tts[name] = factory
}

// RegisterRerank registers a reranker factory under name.
func (r *Registry) RegisterRerank(name string, factory func(ProviderEntry) (rerank.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rerank[name] = factory
}

// CreateLLM instantiates an LLM provider using the factory registered under
// entry.Name. Returns [ErrProviderNotRegistered] if no factory has been
// registered for that name.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	r.mu.RLock()
	factory, ok := r.llm[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: llm/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateEmbeddings instantiates an embeddings provider using the factory registered under entry.Name.
func (r *Registry) CreateEmbeddings(entry ProviderEntry) (embeddings.Provider, error) {
	r.mu.RLock()
	factory, ok := r.embeddings[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: embeddings/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateSTT instantiates an STT provider using the factory registered under entry.Name.
func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Provider, error) {
	r.mu.RLock()
	factory, ok := r.stt[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: stt/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateTTS instantiates a TTS provider using the factory registered under entry.Name.
func (r *Registry) CreateTTS(entry ProviderEntry) (tts.Provider, error) {
	r.mu.RLock()
	factory, ok := r.tts[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: tts/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateRerank instantiates a reranker using the factory registered under entry.Name.
func (r *Registry) CreateRerank(entry ProviderEntry) (rerank.Provider, error) {
	r.mu.RLock()
	factory, ok := r.rerank[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: rerank/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// BuildLLM instantiates the configured LLM provider and, when fallbacks are
// configured, wraps the ladder in a [resilience.LLMFallback] with per-entry
// circuit breakers.
func (r *Registry) BuildLLM(cfg ProvidersConfig) (llm.Provider, error) {
	primary, err := r.CreateLLM(cfg.LLM)
	if err != nil {
		return nil, err
	}
	if len(cfg.LLMFallbacks) == 0 {
		return primary, nil
	}

	f := resilience.NewLLMFallback(primary, cfg.LLM.Name, resilience.FallbackConfig{})
	for _, entry := range cfg.LLMFallbacks {
		p, err := r.CreateLLM(entry)
		if err != nil {
			return nil, err
		}
		f.AddFallback(entry.Name, p)
	}
	return f, nil
}

// BuildEmbeddings instantiates the configured embeddings provider and its
// fallback ladder. Every fallback must resolve to the same model identity as
// the primary; otherwise [ErrMixedEmbeddingModels] is returned.
func (r *Registry) BuildEmbeddings(cfg ProvidersConfig) (embeddings.Provider, error) {
	primary, err := r.CreateEmbeddings(cfg.Embeddings)
	if err != nil {
		return nil, err
	}
	if len(cfg.EmbeddingsFallbacks) == 0 {
		return primary, nil
	}

	f := resilience.NewEmbedFallback(primary, cfg.Embeddings.Name, resilience.FallbackConfig{})
	for _, entry := range cfg.EmbeddingsFallbacks {
		p, err := r.CreateEmbeddings(entry)
		if err != nil {
			return nil, err
		}
		if p.ModelID() != primary.ModelID() {
			return nil, fmt.Errorf("%w: %q serves %q, primary %q serves %q",
				ErrMixedEmbeddingModels, entry.Name, p.ModelID(), cfg.Embeddings.Name, primary.ModelID())
		}
		f.AddFallback(entry.Name, p)
	}
	return f, nil
}
