package config

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/lumora-ai/lumora/pkg/provider/embeddings"
	embedmock "github.com/lumora-ai/lumora/pkg/provider/embeddings/mock"
	"github.com/lumora-ai/lumora/pkg/provider/llm"
	llmmock "github.com/lumora-ai/lumora/pkg/provider/llm/mock"
)

const validYAML = `
server:
  listen_addr: ":9090"
  log_level: debug
providers:
  llm:
    name: openai
    api_key: sk-test
    model: gpt-4o-mini
  embeddings:
    name: openai
    api_key: sk-test
  stt:
    name: deepgram
    api_key: dg-test
  tts:
    name: elevenlabs
    api_key: el-test
  rerank:
    name: cohere
    api_key: co-test
database:
  postgres_dsn: postgres://localhost/lumora
  embedding_dimensions: 1536
cache:
  addr: localhost:6379
`

func TestLoadFromReader_Valid(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.ListenAddr != ":9090" {
		t.Errorf("listen_addr = %q, want :9090", cfg.Server.ListenAddr)
	}
	if cfg.Providers.LLM.Model != "gpt-4o-mini" {
		t.Errorf("llm.model = %q, want gpt-4o-mini", cfg.Providers.LLM.Model)
	}
	if cfg.Database.EmbeddingDimensions != 1536 {
		t.Errorf("embedding_dimensions = %d, want 1536", cfg.Database.EmbeddingDimensions)
	}
}

func TestLoadFromReader_AppliesDefaults(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader("server:\n  listen_addr: \":8081\"\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Cache.TTL != 24*time.Hour {
		t.Errorf("cache.ttl = %v, want 24h", cfg.Cache.TTL)
	}
	if cfg.Cache.MaxMessages != 50 {
		t.Errorf("cache.max_messages = %d, want 50", cfg.Cache.MaxMessages)
	}
	if cfg.Retrieval.RRFKappa != 60 {
		t.Errorf("retrieval.rrf_kappa = %d, want 60", cfg.Retrieval.RRFKappa)
	}
	if cfg.Retrieval.DenseWeight != 0.6 {
		t.Errorf("retrieval.dense_weight = %v, want 0.6", cfg.Retrieval.DenseWeight)
	}
	if cfg.Broker.MaxAttempts != 3 {
		t.Errorf("broker.max_attempts = %d, want 3", cfg.Broker.MaxAttempts)
	}
	if cfg.Chat.TurnDeadline != 90*time.Second {
		t.Errorf("chat.turn_deadline = %v, want 90s", cfg.Chat.TurnDeadline)
	}
	if cfg.Voice.SilenceTimeout != 1500*time.Millisecond {
		t.Errorf("voice.silence_timeout = %v, want 1.5s", cfg.Voice.SilenceTimeout)
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	_, err := LoadFromReader(strings.NewReader("server:\n  listen_adr: \":8080\"\n"))
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestLoadFromReader_ExpandsEnv(t *testing.T) {
	t.Setenv("LUMORA_TEST_KEY", "sk-from-env")

	yaml := `
providers:
  llm:
    name: openai
    api_key: ${LUMORA_TEST_KEY}
`
	cfg, err := LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Providers.LLM.APIKey != "sk-from-env" {
		t.Errorf("api_key = %q, want sk-from-env", cfg.Providers.LLM.APIKey)
	}
}

func TestValidate_CollectsErrors(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)
	cfg.Server.LogLevel = "loud"
	cfg.Retrieval.DenseWeight = 1.5
	cfg.Worker.HeartbeatInterval = 2 * time.Minute // exceeds 90s visibility

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{"log_level", "dense_weight", "heartbeat_interval"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestValidate_FallbacksRequirePrimary(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)
	cfg.Providers.LLMFallbacks = []ProviderEntry{{Name: "anthropic"}}

	err := Validate(cfg)
	if err == nil || !strings.Contains(err.Error(), "llm_fallbacks") {
		t.Fatalf("err = %v, want llm_fallbacks complaint", err)
	}
}

func TestRegistry_CreateUnregistered(t *testing.T) {
	r := NewRegistry()
	_, err := r.CreateLLM(ProviderEntry{Name: "nope"})
	if !errors.Is(err, ErrProviderNotRegistered) {
		t.Fatalf("err = %v, want ErrProviderNotRegistered", err)
	}
}

func TestRegistry_BuildLLMLadder(t *testing.T) {
	r := NewRegistry()
	r.RegisterLLM("primary", func(ProviderEntry) (llm.Provider, error) {
		m := llmmock.New()
		m.Model = "primary-model"
		return m, nil
	})
	r.RegisterLLM("secondary", func(ProviderEntry) (llm.Provider, error) {
		return llmmock.New(), nil
	})

	p, err := r.BuildLLM(ProvidersConfig{
		LLM:          ProviderEntry{Name: "primary"},
		LLMFallbacks: []ProviderEntry{{Name: "secondary"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := p.ModelID(); got != "primary-model" {
		t.Errorf("ModelID = %q, want primary-model", got)
	}
}

func TestRegistry_BuildEmbeddings_RejectsMixedModels(t *testing.T) {
	r := NewRegistry()
	r.RegisterEmbeddings("a", func(ProviderEntry) (embeddings.Provider, error) {
		return &embedmock.Provider{Model: "model-a"}, nil
	})
	r.RegisterEmbeddings("b", func(ProviderEntry) (embeddings.Provider, error) {
		return &embedmock.Provider{Model: "model-b"}, nil
	})

	_, err := r.BuildEmbeddings(ProvidersConfig{
		Embeddings:          ProviderEntry{Name: "a"},
		EmbeddingsFallbacks: []ProviderEntry{{Name: "b"}},
	})
	if !errors.Is(err, ErrMixedEmbeddingModels) {
		t.Fatalf("err = %v, want ErrMixedEmbeddingModels", err)
	}
}

func TestRegistry_BuildEmbeddings_SameModelLadder(t *testing.T) {
	r := NewRegistry()
	factory := func(ProviderEntry) (embeddings.Provider, error) {
		return &embedmock.Provider{Model: "shared"}, nil
	}
	r.RegisterEmbeddings("a", factory)
	r.RegisterEmbeddings("b", factory)

	p, err := r.BuildEmbeddings(ProvidersConfig{
		Embeddings:          ProviderEntry{Name: "a"},
		EmbeddingsFallbacks: []ProviderEntry{{Name: "b"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := p.ModelID(); got != "shared" {
		t.Errorf("ModelID = %q, want shared", got)
	}
}
