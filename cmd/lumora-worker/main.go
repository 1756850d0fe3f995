// Command lumora-worker consumes course ingestion tasks from the broker
// queue and runs them through the ingest pipeline.
//
// A worker handles one task at a time and recycles itself after a configured
// task budget or when the soft RSS cap trips; the supervisor restarts it.
// Exit codes: 0 recycle or clean shutdown, 1 misconfiguration, 2 transient
// infrastructure failure, 3 invariant violation.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"go.opentelemetry.io/otel"

	"github.com/lumora-ai/lumora/internal/broker"
	"github.com/lumora-ai/lumora/internal/config"
	"github.com/lumora-ai/lumora/internal/fault"
	"github.com/lumora-ai/lumora/internal/ingest"
	"github.com/lumora-ai/lumora/internal/observe"
	"github.com/lumora-ai/lumora/internal/server"
	"github.com/lumora-ai/lumora/internal/worker"
	"github.com/lumora-ai/lumora/pkg/provider/embeddings"
	oaembed "github.com/lumora-ai/lumora/pkg/provider/embeddings/openai"
	"github.com/lumora-ai/lumora/pkg/provider/llm"
	"github.com/lumora-ai/lumora/pkg/provider/llm/anyllm"
	"github.com/lumora-ai/lumora/pkg/store/postgres"
	"github.com/lumora-ai/lumora/pkg/tokens"
	"github.com/lumora-ai/lumora/pkg/types"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lumora-worker: %v\n", err)
		return worker.ExitConfig
	}

	slog.SetDefault(newLogger(cfg.Server.LogLevel))
	slog.Info("lumora-worker starting",
		"version", version,
		"config", *configPath,
		"queue", server.IngestQueue,
		"tasks_per_process", cfg.Worker.TasksPerProcess,
		"rss_limit_mb", cfg.Worker.RSSLimitMB,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "lumora-worker",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return worker.ExitConfig
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
		return worker.ExitConfig
	}

	// Ingest only needs the LLM and embeddings capabilities; speech providers
	// stay unconfigured in worker deployments.
	reg := config.NewRegistry()
	registerWorkerProviders(reg)

	llmP, err := reg.BuildLLM(cfg.Providers)
	if err != nil {
		slog.Error("failed to build llm provider", "name", cfg.Providers.LLM.Name, "err", err)
		return worker.ExitConfig
	}
	embP, err := reg.BuildEmbeddings(cfg.Providers)
	if err != nil {
		slog.Error("failed to build embeddings provider", "name", cfg.Providers.Embeddings.Name, "err", err)
		return worker.ExitConfig
	}

	st, err := postgres.NewStore(ctx, cfg.Database.PostgresDSN, cfg.Database.EmbeddingDimensions)
	if err != nil {
		slog.Error("failed to connect to postgres", "err", err)
		return worker.ExitTransient
	}
	defer st.Close()

	brk, err := broker.New(ctx, st.Pool(),
		broker.WithMaxAttempts(cfg.Broker.MaxAttempts),
		broker.WithMaxDepth(cfg.Broker.MaxQueueDepth),
	)
	if err != nil {
		slog.Error("failed to create broker", "err", err)
		return worker.ExitTransient
	}

	// Chunk windows are budgeted against the embedding model's tokenizer so
	// every chunk fits the embedding input limit.
	counter, err := tokens.NewCounter(cfg.Providers.Embeddings.Model)
	if err != nil {
		slog.Error("failed to create token counter", "model", cfg.Providers.Embeddings.Model, "err", err)
		return worker.ExitConfig
	}

	pipeline := ingest.NewPipeline(embP, llmP, st.Courses(), st.Chunks(), counter, metrics)

	w := worker.New(brk, worker.Config{
		Queue:             server.IngestQueue,
		TasksPerProcess:   cfg.Worker.TasksPerProcess,
		RSSLimitBytes:     uint64(cfg.Worker.RSSLimitMB) << 20,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		Visibility:        cfg.Broker.VisibilityTimeout,
	}, metrics)

	w.Register(server.TaskTypeIngest, worker.HandlerFunc(
		func(ctx context.Context, task *broker.Task, progress worker.ProgressFunc) error {
			var req types.IngestRequest
			if err := json.Unmarshal(task.Payload, &req); err != nil {
				return fault.E(fault.InvalidInput, "malformed ingest payload", err)
			}
			res, err := pipeline.Run(ctx, req, ingest.ProgressFunc(progress))
			if err != nil {
				return err
			}
			slog.Info("course ingested",
				"task_id", task.ID,
				"course_id", res.CourseID,
				"course_number", res.CourseNumber,
				"chunks", res.Chunks,
			)
			return nil
		}))

	code := w.Run(ctx)
	if code == worker.ExitRecycle && errors.Is(ctx.Err(), context.Canceled) {
		slog.Info("shutdown signal received, goodbye")
	}
	return code
}

// registerWorkerProviders wires the LLM and embeddings factories the ingest
// pipeline uses. The hosted LLM providers share the APIKey+BaseURL pattern
// through any-llm-go; ollama takes its address via BaseURL instead.
func registerWorkerProviders(reg *config.Registry) {
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
}

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
