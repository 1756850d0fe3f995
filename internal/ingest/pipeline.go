// Package ingest implements the document ingest pipeline: extraction,
// token-window chunking, batched embedding, vector upsert, curriculum
// synthesis, and transactional course persist.
//
// The pipeline runs inside a worker task. Every stage checks cancellation on
// entry, and all index effects are idempotent (deterministic chunk ids), so
// a retried task converges instead of duplicating.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/lumora-ai/lumora/internal/fault"
	"github.com/lumora-ai/lumora/internal/observe"
	"github.com/lumora-ai/lumora/pkg/provider/embeddings"
	"github.com/lumora-ai/lumora/pkg/provider/llm"
	"github.com/lumora-ai/lumora/pkg/store"
	"github.com/lumora-ai/lumora/pkg/types"
)

// Progress bands per stage, in percent. Heartbeats carry these so users see
// movement through the pipeline rather than a stuck number.
const (
	bandExtractEnd    = 15
	bandChunkEnd      = 25
	bandEmbedEnd      = 70
	bandUpsertEnd     = 85
	bandCurriculumEnd = 95
)

// Embedding stage tuning.
const (
	embedRetries    = 3
	embedRetryBase  = time.Second
	embedBatchLimit = 256
	embedParallel   = 2
)

// ProgressFunc receives stage progress. The worker heartbeat loop carries
// the latest value to the broker.
type ProgressFunc func(percent int, message string)

// Result summarises a completed ingest task.
type Result struct {
	CourseID     string
	CourseNumber int64
	Chunks       int

	// PartialFailures lists per-file extraction failures. The task still
	// succeeds as long as at least one file was usable.
	PartialFailures []string
}

// Pipeline runs ingest tasks. All dependencies are injected; tests use mock
// providers and in-memory stores.
type Pipeline struct {
	embedder embeddings.Provider
	llm      llm.Provider
	courses  store.CourseStore
	index    store.ChunkIndex
	counter  TokenCodec
	chunker  *Chunker
	metrics  *observe.Metrics
	log      *slog.Logger
}

// NewPipeline creates a Pipeline.
func NewPipeline(embedder embeddings.Provider, llmProvider llm.Provider, courses store.CourseStore, index store.ChunkIndex, counter TokenCodec, metrics *observe.Metrics) *Pipeline {
	return &Pipeline{
		embedder: embedder,
		llm:      llmProvider,
		courses:  courses,
		index:    index,
		counter:  counter,
		chunker:  NewChunker(counter),
		metrics:  metrics,
		log:      slog.Default().With("component", "ingest"),
	}
}

// Run executes the full pipeline for one ingest request.
func (p *Pipeline) Run(ctx context.Context, req types.IngestRequest, progress ProgressFunc) (*Result, error) {
	if len(req.Documents) == 0 {
		return nil, fault.E(fault.InvalidInput, "no documents in ingest request", nil)
	}
	if progress == nil {
		progress = func(int, string) {}
	}
	start := time.Now()
	courseID := req.CourseID
	if courseID == "" {
		courseID = uuid.NewString()
	}
	log := p.log.With("course_id", courseID, "files", len(req.Documents))

	// A redelivered task whose previous attempt committed the course before
	// the ack was lost must not create a second course. The course row is the
	// pipeline's final write, so its existence proves the attempt finished.
	if existing, err := p.courses.GetCourse(ctx, courseID); err == nil {
		stored, err := p.index.ChunksForCourse(ctx, courseID)
		if err != nil {
			return nil, fault.E(fault.Transient, "chunk lookup for completed course failed", err)
		}
		log.Info("ingest already complete, skipping redelivery", "course_number", existing.Number)
		progress(100, "done")
		return &Result{
			CourseID:     existing.ID,
			CourseNumber: existing.Number,
			Chunks:       len(stored),
		}, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fault.E(fault.Transient, "course lookup failed", err)
	}

	// --- Extract ---
	extracted, failures, err := p.extractAll(ctx, req.Documents, progress)
	if err != nil {
		return nil, err
	}
	progress(bandExtractEnd, "extracted")

	// --- Chunk ---
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	meta := map[string]string{
		"course_id": courseID,
		"language":  req.Language,
	}
	var chunks []types.Chunk
	for name, ex := range extracted {
		chunks = append(chunks, p.chunker.Chunk(name, ex, meta)...)
	}
	if len(chunks) == 0 {
		return nil, fault.E(fault.InvalidInput, "no chunkable text in any document", nil)
	}
	progress(bandChunkEnd, fmt.Sprintf("chunked into %d windows", len(chunks)))

	// --- Embed ---
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := p.embedAll(ctx, chunks, progress); err != nil {
		return nil, err
	}
	progress(bandEmbedEnd, "embedded")

	// --- Upsert + verify ---
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := p.index.UpsertChunks(ctx, chunks); err != nil {
		return nil, fault.E(fault.Transient, "vector upsert failed", err)
	}
	stored, err := p.index.ChunksForCourse(ctx, courseID)
	if err != nil {
		return nil, fault.E(fault.Transient, "post-upsert verification failed", err)
	}
	if len(stored) < len(chunks) {
		return nil, fault.Errorf(fault.Transient, "index holds %d chunks, expected at least %d", len(stored), len(chunks))
	}
	progress(bandUpsertEnd, "indexed")

	// --- Curriculum synthesis ---
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	course, err := SynthesizeCurriculum(ctx, p.llm, p.counter, req.CourseTitle, req.Language, joinMaterial(extracted))
	if err != nil {
		return nil, err
	}
	progress(bandCurriculumEnd, "curriculum ready")

	// --- Persist ---
	// Runs last; a failed transaction leaves the idempotent index upsert in
	// place and the retried task converges on the same chunk ids.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	course.ID = courseID
	course.Country = req.Country
	course.OwnerID = req.OwnerID
	created, err := p.courses.CreateCourse(ctx, course)
	if err != nil {
		return nil, fault.E(fault.Transient, "course persist failed", err)
	}
	progress(100, "done")

	log.Info("ingest complete",
		"course_number", created.Number,
		"chunks", len(chunks),
		"partial_failures", len(failures),
		"duration", time.Since(start),
	)
	return &Result{
		CourseID:        created.ID,
		CourseNumber:    created.Number,
		Chunks:          len(chunks),
		PartialFailures: failures,
	}, nil
}

// extractAll decodes every document, accumulating per-file failures. The
// task only fails outright when zero files succeed.
func (p *Pipeline) extractAll(ctx context.Context, docs []types.DocumentBlob, progress ProgressFunc) (map[string]*Extracted, []string, error) {
	extracted := make(map[string]*Extracted, len(docs))
	var failures []string

	for i, doc := range docs {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		ex, err := Extract(ctx, doc)
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil, err
			}
			p.log.Warn("file extraction failed", "file", doc.Name, "error", err)
			failures = append(failures, fmt.Sprintf("%s: %v", doc.Name, err))
			continue
		}
		extracted[doc.Name] = ex
		progress(bandExtractEnd*(i+1)/len(docs), "extracting "+doc.Name)
	}

	if len(extracted) == 0 {
		return nil, nil, fault.Errorf(fault.InvalidInput, "all %d files failed extraction", len(docs))
	}
	return extracted, failures, nil
}

// embedAll fills chunk embeddings in provider-sized batches with per-batch
// retry. Batches run with bounded parallelism.
func (p *Pipeline) embedAll(ctx context.Context, chunks []types.Chunk, progress ProgressFunc) error {
	batchSize := p.embedder.MaxBatchSize()
	if batchSize <= 0 || batchSize > embedBatchLimit {
		batchSize = embedBatchLimit
	}
	model := p.embedder.ModelID()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(embedParallel)

	total := (len(chunks) + batchSize - 1) / batchSize
	for b := 0; b*batchSize < len(chunks); b++ {
		lo := b * batchSize
		hi := min(lo+batchSize, len(chunks))
		batch := chunks[lo:hi]
		batchNum := b + 1

		g.Go(func() error {
			texts := make([]string, len(batch))
			for i, c := range batch {
				texts[i] = c.Text
			}

			vectors, err := p.embedBatchWithRetry(gctx, texts)
			if err != nil {
				return err
			}
			for i := range batch {
				batch[i].Embedding = vectors[i]
				batch[i].EmbeddingModel = model
			}

			span := bandEmbedEnd - bandChunkEnd
			progress(bandChunkEnd+span*batchNum/total, fmt.Sprintf("embedding batch %d/%d", batchNum, total))
			return nil
		})
	}
	return g.Wait()
}

// embedBatchWithRetry retries transient embedding failures with linear
// backoff inside the stage; the broker-level retry remains the outer net.
func (p *Pipeline) embedBatchWithRetry(ctx context.Context, texts []string) ([][]float32, error) {
	var lastErr error
	for attempt := 1; attempt <= embedRetries; attempt++ {
		start := time.Now()
		vectors, err := p.embedder.EmbedBatch(ctx, texts)
		if p.metrics != nil {
			p.metrics.EmbedDuration.Record(ctx, time.Since(start).Seconds())
		}
		if err == nil {
			return vectors, nil
		}
		lastErr = err
		if !fault.Retryable(err) || ctx.Err() != nil {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(embedRetryBase * time.Duration(attempt)):
		}
	}
	return nil, fmt.Errorf("ingest: embed batch: %w", lastErr)
}

// joinMaterial concatenates extracted texts in a stable order for the
// curriculum prompt.
func joinMaterial(extracted map[string]*Extracted) string {
	names := make([]string, 0, len(extracted))
	for name := range extracted {
		names = append(names, name)
	}
	// Stable prompt content keeps the synthesis reproducible across retries.
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		b.WriteString("### ")
		b.WriteString(name)
		b.WriteString("\n\n")
		b.WriteString(extracted[name].Text)
		b.WriteString("\n\n")
	}
	return b.String()
}
