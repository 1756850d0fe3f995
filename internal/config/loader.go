package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per capability.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq"},
	"embeddings": {"openai"},
	"stt":        {"deepgram"},
	"tts":        {"elevenlabs"},
	"rerank":     {"cohere"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands ${VAR} environment
// references, applies defaults, and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	// Credentials are conventionally given as ${ENV_VAR} references so that
	// config files can be committed without secrets.
	raw = []byte(os.ExpandEnv(string(raw)))

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero-valued tunables with their documented defaults.
// Called by [LoadFromReader]; exported for tests that build configs by hand.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Cache.TTL == 0 {
		cfg.Cache.TTL = 24 * time.Hour
	}
	if cfg.Cache.MaxMessages == 0 {
		cfg.Cache.MaxMessages = 50
	}
	if cfg.Retrieval.DenseK == 0 {
		cfg.Retrieval.DenseK = 10
	}
	if cfg.Retrieval.LexicalK == 0 {
		cfg.Retrieval.LexicalK = 10
	}
	if cfg.Retrieval.RRFKappa == 0 {
		cfg.Retrieval.RRFKappa = 60
	}
	if cfg.Retrieval.DenseWeight == 0 {
		cfg.Retrieval.DenseWeight = 0.6
	}
	if cfg.Retrieval.RerankTopN == 0 {
		cfg.Retrieval.RerankTopN = 4
	}
	if cfg.Broker.MaxAttempts == 0 {
		cfg.Broker.MaxAttempts = 3
	}
	if cfg.Broker.VisibilityTimeout == 0 {
		cfg.Broker.VisibilityTimeout = 90 * time.Second
	}
	if cfg.Worker.TasksPerProcess == 0 {
		cfg.Worker.TasksPerProcess = 50
	}
	if cfg.Worker.HeartbeatInterval == 0 {
		cfg.Worker.HeartbeatInterval = 15 * time.Second
	}
	if cfg.Chat.TurnDeadline == 0 {
		cfg.Chat.TurnDeadline = 90 * time.Second
	}
	if cfg.Chat.DefaultLanguage == "" {
		cfg.Chat.DefaultLanguage = "en"
	}
	if cfg.Voice.SampleRate == 0 {
		cfg.Voice.SampleRate = 16000
	}
	if cfg.Voice.SilenceTimeout == 0 {
		cfg.Voice.SilenceTimeout = 1500 * time.Millisecond
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("llm", cfg.Providers.LLM.Name)
	for _, e := range cfg.Providers.LLMFallbacks {
		validateProviderName("llm", e.Name)
	}
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)
	for _, e := range cfg.Providers.EmbeddingsFallbacks {
		validateProviderName("embeddings", e.Name)
	}
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("rerank", cfg.Providers.Rerank.Name)

	// A fallback ladder without a primary is a config mistake, not a warning.
	if cfg.Providers.LLM.Name == "" && len(cfg.Providers.LLMFallbacks) > 0 {
		errs = append(errs, errors.New("providers.llm_fallbacks set without providers.llm"))
	}
	if cfg.Providers.Embeddings.Name == "" && len(cfg.Providers.EmbeddingsFallbacks) > 0 {
		errs = append(errs, errors.New("providers.embeddings_fallbacks set without providers.embeddings"))
	}

	// Embeddings ↔ database dimensions
	if cfg.Providers.Embeddings.Name != "" && cfg.Database.EmbeddingDimensions <= 0 {
		slog.Warn("providers.embeddings is configured but database.embedding_dimensions is not set; defaulting to 1536")
		cfg.Database.EmbeddingDimensions = 1536
	}

	// Availability warnings
	if cfg.Database.PostgresDSN == "" {
		slog.Warn("database.postgres_dsn is empty; courses, sessions, and tasks cannot be persisted")
	}
	if cfg.Cache.Addr == "" {
		slog.Warn("cache.addr is empty; running store-only without the hot session cache")
	}
	if cfg.Providers.Rerank.Name == "" {
		slog.Warn("providers.rerank is not configured; retrieval will serve fused results without rerank")
	}

	// Retrieval ranges
	if cfg.Retrieval.DenseWeight < 0 || cfg.Retrieval.DenseWeight > 1 {
		errs = append(errs, fmt.Errorf("retrieval.dense_weight %.2f is out of range [0, 1]", cfg.Retrieval.DenseWeight))
	}
	if cfg.Retrieval.RerankTopN > cfg.Retrieval.DenseK+cfg.Retrieval.LexicalK {
		errs = append(errs, fmt.Errorf("retrieval.rerank_top_n %d exceeds the candidate pool of %d", cfg.Retrieval.RerankTopN, cfg.Retrieval.DenseK+cfg.Retrieval.LexicalK))
	}

	// Broker / worker
	if cfg.Broker.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("broker.max_attempts %d must be at least 1", cfg.Broker.MaxAttempts))
	}
	if cfg.Worker.HeartbeatInterval >= cfg.Broker.VisibilityTimeout {
		errs = append(errs, fmt.Errorf("worker.heartbeat_interval %v must be shorter than broker.visibility_timeout %v", cfg.Worker.HeartbeatInterval, cfg.Broker.VisibilityTimeout))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
