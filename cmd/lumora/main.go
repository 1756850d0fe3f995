// Command lumora is the Lumora tutoring API server.
//
// It serves the chat, voice, course, quiz, and ingest-upload surfaces over
// HTTP and WebSocket, backed by Postgres for durable state, Redis for the
// hot session cache, and the configured AI providers.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/lumora-ai/lumora/internal/broker"
	"github.com/lumora-ai/lumora/internal/chat"
	"github.com/lumora-ai/lumora/internal/config"
	"github.com/lumora-ai/lumora/internal/health"
	"github.com/lumora-ai/lumora/internal/intent"
	"github.com/lumora-ai/lumora/internal/observe"
	"github.com/lumora-ai/lumora/internal/quiz"
	"github.com/lumora-ai/lumora/internal/retrieval"
	"github.com/lumora-ai/lumora/internal/server"
	"github.com/lumora-ai/lumora/internal/session"
	"github.com/lumora-ai/lumora/internal/teach"
	"github.com/lumora-ai/lumora/pkg/cache"
	"github.com/lumora-ai/lumora/pkg/cache/memory"
	rediscache "github.com/lumora-ai/lumora/pkg/cache/redis"
	"github.com/lumora-ai/lumora/pkg/provider/embeddings"
	oaembed "github.com/lumora-ai/lumora/pkg/provider/embeddings/openai"
	"github.com/lumora-ai/lumora/pkg/provider/llm"
	"github.com/lumora-ai/lumora/pkg/provider/llm/anyllm"
	"github.com/lumora-ai/lumora/pkg/provider/rerank"
	"github.com/lumora-ai/lumora/pkg/provider/rerank/cohere"
	"github.com/lumora-ai/lumora/pkg/provider/stt"
	"github.com/lumora-ai/lumora/pkg/provider/stt/deepgram"
	"github.com/lumora-ai/lumora/pkg/provider/tts"
	"github.com/lumora-ai/lumora/pkg/provider/tts/elevenlabs"
	"github.com/lumora-ai/lumora/pkg/store"
	"github.com/lumora-ai/lumora/pkg/store/postgres"
)

// version is stamped at build time via -ldflags.
var version = "dev"

// Exit codes shared with lumora-worker so supervisors treat both alike.
const (
	exitOK            = 0
	exitConfig        = 1
	exitTransient     = 2
	exitUnrecoverable = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "lumora: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "lumora: %v\n", err)
		}
		return exitConfig
	}

	slog.SetDefault(newLogger(cfg.Server.LogLevel))
	slog.Info("lumora starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "lumora",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return exitConfig
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return exitConfig
	}

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	llmP, err := reg.BuildLLM(cfg.Providers)
	if err != nil {
		slog.Error("failed to build llm provider", "name", cfg.Providers.LLM.Name, "err", err)
		return exitConfig
	}
	embP, err := reg.BuildEmbeddings(cfg.Providers)
	if err != nil {
		slog.Error("failed to build embeddings provider", "name", cfg.Providers.Embeddings.Name, "err", err)
		return exitConfig
	}

	var sttP stt.Provider
	if name := cfg.Providers.STT.Name; name != "" {
		if sttP, err = reg.CreateSTT(cfg.Providers.STT); err != nil {
			slog.Error("failed to create stt provider", "name", name, "err", err)
			return exitConfig
		}
	}
	var ttsP tts.Provider
	if name := cfg.Providers.TTS.Name; name != "" {
		if ttsP, err = reg.CreateTTS(cfg.Providers.TTS); err != nil {
			slog.Error("failed to create tts provider", "name", name, "err", err)
			return exitConfig
		}
	}
	var rerankP rerank.Provider
	if name := cfg.Providers.Rerank.Name; name != "" {
		if rerankP, err = reg.CreateRerank(cfg.Providers.Rerank); err != nil {
			slog.Error("failed to create rerank provider", "name", name, "err", err)
			return exitConfig
		}
	}

	// ── Storage ───────────────────────────────────────────────────────────────
	st, err := postgres.NewStore(ctx, cfg.Database.PostgresDSN, cfg.Database.EmbeddingDimensions)
	if err != nil {
		slog.Error("failed to connect to postgres", "err", err)
		return exitTransient
	}
	defer st.Close()

	// The hot tier falls back to in-process memory when Redis is not
	// configured, so single-node deployments need no cache server.
	var (
		rdb     *goredis.Client
		hot     cache.SessionCache
		hotCkpt store.CheckpointStore
	)
	if cfg.Cache.Addr != "" {
		rdb = goredis.NewClient(&goredis.Options{
			Addr:     cfg.Cache.Addr,
			Password: cfg.Cache.Password,
			DB:       cfg.Cache.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Error("failed to connect to redis", "addr", cfg.Cache.Addr, "err", err)
			return exitTransient
		}
		hot, err = rediscache.New(rdb,
			rediscache.WithTTL(cfg.Cache.TTL),
			rediscache.WithMaxMessages(cfg.Cache.MaxMessages),
		)
		if err != nil {
			slog.Error("failed to create redis cache", "err", err)
			return exitConfig
		}
		hotCkpt = rediscache.NewCheckpointStore(rdb, cfg.Cache.TTL)
		slog.Info("redis cache connected", "addr", cfg.Cache.Addr)
	} else {
		hot = memory.New(cfg.Cache.TTL, cfg.Cache.MaxMessages)
		hotCkpt = memory.NewCheckpointStore()
		slog.Info("no redis configured, using in-process cache")
	}

	brk, err := broker.New(ctx, st.Pool(),
		broker.WithMaxAttempts(cfg.Broker.MaxAttempts),
		broker.WithMaxDepth(cfg.Broker.MaxQueueDepth),
	)
	if err != nil {
		slog.Error("failed to create broker", "err", err)
		return exitTransient
	}
	go requeueAbandonedLoop(ctx, brk, cfg.Broker.VisibilityTimeout)

	// ── Services ──────────────────────────────────────────────────────────────
	sessions := session.New(hot, st.Sessions(), st.Messages(), metrics)

	intents, err := intent.New(ctx, embP)
	if err != nil {
		slog.Error("failed to embed intent exemplars", "err", err)
		return exitTransient
	}

	retriever := retrieval.New(embP, st.Chunks(), rerankP, retrieval.Config{
		DenseK:      cfg.Retrieval.DenseK,
		LexicalK:    cfg.Retrieval.LexicalK,
		Kappa:       float64(cfg.Retrieval.RRFKappa),
		DenseWeight: cfg.Retrieval.DenseWeight,
		TopN:        cfg.Retrieval.RerankTopN,
	}, metrics)

	chatVoice := voiceFromEntry(cfg.Providers.TTS)
	chatSvc := chat.New(sessions, intents, retriever, llmP, ttsP, chat.Config{
		TurnDeadline:    cfg.Chat.TurnDeadline,
		DefaultLanguage: cfg.Chat.DefaultLanguage,
		Voice:           chatVoice,
	}, metrics)

	quizzes := quiz.New(llmP, st.Courses(), st.Quizzes())

	// Voice sessions need both speech directions; without them the /voice
	// route simply is not registered.
	var voice *teach.Orchestrator
	if sttP != nil && ttsP != nil {
		ckpt := teach.NewCheckpointer(hotCkpt, st.Checkpoints())
		defer ckpt.Flush()
		voice = teach.New(llmP, sttP, ttsP, retriever, st.Courses(), ckpt, teach.Config{
			Language:       cfg.Chat.DefaultLanguage,
			Voice:          chatVoice,
			SampleRate:     cfg.Voice.SampleRate,
			SilenceTimeout: cfg.Voice.SilenceTimeout,
		}, metrics)
	} else {
		slog.Warn("voice surface disabled, stt or tts provider not configured")
	}

	checks := []health.Checker{
		health.PingChecker("postgres", st.Pool()),
		health.DepthChecker("broker", func(ctx context.Context) (int, error) {
			return brk.Depth(ctx, server.IngestQueue)
		}, cfg.Broker.MaxQueueDepth),
	}
	if rdb != nil {
		checks = append(checks, health.PingChecker("redis", redisPinger{rdb}))
	}

	srv := server.New(chatSvc, sessions, quizzes, st.Courses(), brk, voice,
		health.New(checks...), server.DefaultConfig(), metrics)
	srv.SetCourseInvalidator(retriever)

	// ── HTTP server ───────────────────────────────────────────────────────────
	root := http.NewServeMux()
	root.Handle("GET /metrics", promhttp.Handler())
	root.Handle("/", srv.Handler())

	httpSrv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           root,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		if tlsCfg := cfg.Server.TLS; tlsCfg != nil {
			serveErr <- httpSrv.ListenAndServeTLS(tlsCfg.CertFile, tlsCfg.KeyFile)
		} else {
			serveErr <- httpSrv.ListenAndServe()
		}
	}()
	slog.Info("lumora ready", "addr", cfg.Server.ListenAddr, "tls", cfg.Server.TLS != nil)

	select {
	case err := <-serveErr:
		slog.Error("server error", "err", err)
		return exitTransient
	case <-ctx.Done():
	}

	slog.Info("shutdown signal received, stopping…")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return exitOK
}

// requeueAbandonedLoop periodically returns tasks whose workers stopped
// heartbeating to the pending state. Running it on every API instance is
// safe; the sweep is a single guarded UPDATE.
func requeueAbandonedLoop(ctx context.Context, brk *broker.Broker, visibility time.Duration) {
	ticker := time.NewTicker(visibility)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := brk.RequeueAbandoned(ctx)
			if err != nil {
				slog.Warn("requeue abandoned tasks failed", "err", err)
			} else if n > 0 {
				slog.Info("requeued abandoned tasks", "count", n)
			}
		}
	}
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires the provider factories that ship with
// Lumora into reg. Each factory receives a [config.ProviderEntry] and
// constructs the provider from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// The hosted LLM providers all share the same pattern: optional APIKey
	// plus optional BaseURL, dispatched through any-llm-go.
	for _, providerName := range []string{
		"openai", "anthropic", "gemini", "deepseek", "mistral", "groq",
	} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	reg.RegisterEmbeddings("openai", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		var opts []oaembed.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(entry.BaseURL))
		}
		return oaembed.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if rate := optInt(entry.Options, "sample_rate"); rate > 0 {
			opts = append(opts, deepgram.WithSampleRate(rate))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if format := optString(entry.Options, "output_format"); format != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(format))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	reg.RegisterRerank("cohere", func(entry config.ProviderEntry) (rerank.Provider, error) {
		var opts []cohere.Option
		if entry.Model != "" {
			opts = append(opts, cohere.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, cohere.WithBaseURL(entry.BaseURL))
		}
		return cohere.New(entry.APIKey, opts...)
	})
}

// voiceFromEntry builds the synthesis voice selection from the TTS provider
// entry's options block.
func voiceFromEntry(entry config.ProviderEntry) tts.Voice {
	return tts.Voice{
		ID:       optString(entry.Options, "voice_id"),
		Name:     optString(entry.Options, "voice_name"),
		Language: optString(entry.Options, "language"),
	}
}

// redisPinger adapts the go-redis client to [health.Pinger], whose Ping
// returns a plain error.
type redisPinger struct {
	rdb *goredis.Client
}

func (p redisPinger) Ping(ctx context.Context) error {
	return p.rdb.Ping(ctx).Err()
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// optString extracts a string value from a provider Options map.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// optInt extracts an integer value from a provider Options map. YAML decodes
// bare numbers as int, so only that case is handled.
func optInt(opts map[string]any, key string) int {
	v, ok := opts[key]
	if !ok {
		return 0
	}
	n, _ := v.(int)
	return n
}
