// Package retrieval implements the hybrid retriever: dense vector search and
// lexical BM25 search fused with weighted Reciprocal Rank Fusion, then
// reranked by a cross-encoder.
//
// Every stage past dense retrieval is optional at runtime. When a stage's
// backend is unavailable the retriever drops down a fixed ladder, full hybrid,
// then dense plus rerank, then dense only, then an empty result, and flags
// the answer as degraded rather than failing the turn. Each downgrade is
// logged once per component outage, not once per query.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lumora-ai/lumora/internal/observe"
	"github.com/lumora-ai/lumora/internal/retrieval/bm25"
	"github.com/lumora-ai/lumora/pkg/provider/embeddings"
	"github.com/lumora-ai/lumora/pkg/provider/rerank"
	"github.com/lumora-ai/lumora/pkg/store"
	"github.com/lumora-ai/lumora/pkg/types"
)

// maxQueryRunes caps query length before embedding; anything longer is cut.
const maxQueryRunes = 8000

// Config tunes the retrieval pipeline. The zero value is unusable; use
// DefaultConfig and override from application config.
type Config struct {
	// DenseK is the vector-search candidate count.
	DenseK int

	// LexicalK is the BM25 candidate count.
	LexicalK int

	// Kappa is the RRF smoothing constant.
	Kappa float64

	// DenseWeight is the dense share of the fused score, in [0,1].
	DenseWeight float64

	// TopN is how many chunks a query finally returns.
	TopN int
}

// DefaultConfig returns the standard pipeline tuning.
func DefaultConfig() Config {
	return Config{DenseK: 10, LexicalK: 10, Kappa: 60, DenseWeight: 0.6, TopN: 4}
}

// Result is a retrieval answer.
type Result struct {
	// Chunks is the final ranked list, best first, at most Config.TopN long.
	Chunks []types.ScoredChunk

	// Degraded is true when any pipeline stage was skipped due to a backend
	// failure. Callers surface this so answers can carry a quality warning.
	Degraded bool
}

// lexCorpus is one course's lazily built BM25 index plus the chunk texts it
// was built from, kept so lexical-only hits can be materialised.
type lexCorpus struct {
	index  *bm25.Index
	chunks map[string]types.Chunk
}

// outage deduplicates degradation logs: the first failure of a component
// warns, repeats stay silent until the component recovers.
type outage struct {
	mu   sync.Mutex
	down bool
}

func (o *outage) fail(log *slog.Logger, component string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.down {
		log.Warn("retrieval degraded", "component", component, "error", err)
		o.down = true
	}
}

func (o *outage) recover(log *slog.Logger, component string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.down {
		log.Info("retrieval component recovered", "component", component)
		o.down = false
	}
}

// Retriever runs the hybrid pipeline. Safe for concurrent use.
type Retriever struct {
	embedder embeddings.Provider
	index    store.ChunkIndex
	reranker rerank.Provider // nil disables the rerank stage
	cfg      Config
	metrics  *observe.Metrics
	log      *slog.Logger

	mu      sync.Mutex
	lexical map[string]*lexCorpus

	embedOutage   outage
	lexicalOutage outage
	rerankOutage  outage
}

// New creates a Retriever. reranker may be nil, in which case results keep
// their fused order.
func New(embedder embeddings.Provider, index store.ChunkIndex, reranker rerank.Provider, cfg Config, metrics *observe.Metrics) *Retriever {
	if cfg.TopN <= 0 {
		cfg = DefaultConfig()
	}
	return &Retriever{
		embedder: embedder,
		index:    index,
		reranker: reranker,
		cfg:      cfg,
		metrics:  metrics,
		lexical:  make(map[string]*lexCorpus),
		log:      slog.Default().With("component", "retrieval"),
	}
}

// Retrieve runs the full pipeline for one query. It returns an error only on
// context cancellation; backend failures degrade instead.
func (r *Retriever) Retrieve(ctx context.Context, query string, filter types.ChunkFilter) (*Result, error) {
	start := time.Now()
	defer func() {
		if r.metrics != nil {
			r.metrics.RetrievalDuration.Record(ctx, time.Since(start).Seconds())
		}
	}()

	query = truncateRunes(query, maxQueryRunes)
	res := &Result{}

	// Dense retrieval is the floor of the ladder: without it the result is
	// empty.
	dense, err := r.denseSearch(ctx, query, filter)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		r.embedOutage.fail(r.log, "dense", err)
		res.Degraded = true
		return res, nil
	}
	r.embedOutage.recover(r.log, "dense")
	if len(dense) == 0 {
		return res, nil
	}

	// Lexical leg, per-course. Skipped without a course filter; a course is
	// the tenant boundary the BM25 corpus is built on.
	fused := dense
	if filter.CourseID != "" {
		lexical, err := r.lexicalSearch(ctx, query, filter.CourseID)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			r.lexicalOutage.fail(r.log, "lexical", err)
			res.Degraded = true
		default:
			r.lexicalOutage.recover(r.log, "lexical")
			fused = fuseRRF(dense, lexical, r.cfg.Kappa, r.cfg.DenseWeight)
		}
	}

	// Rerank, optional.
	if r.reranker != nil && len(fused) > 1 {
		reranked, err := r.rerankStage(ctx, query, fused)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			r.rerankOutage.fail(r.log, "rerank", err)
			res.Degraded = true
		default:
			r.rerankOutage.recover(r.log, "rerank")
			fused = reranked
		}
	}

	if len(fused) > r.cfg.TopN {
		fused = fused[:r.cfg.TopN]
	}
	res.Chunks = fused
	return res, nil
}

// Invalidate drops the course's cached BM25 index. The API server calls this
// when a course is deleted so a stale lexical index cannot serve queries for
// a course that no longer exists. After re-ingest the next query rebuilds
// the index lazily from the chunk store.
func (r *Retriever) Invalidate(courseID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.lexical, courseID)
}

func (r *Retriever) denseSearch(ctx context.Context, query string, filter types.ChunkFilter) ([]types.ScoredChunk, error) {
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	hits, err := r.index.Search(ctx, vec, r.cfg.DenseK, filter)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	return hits, nil
}

func (r *Retriever) lexicalSearch(ctx context.Context, query, courseID string) ([]types.ScoredChunk, error) {
	corpus, err := r.corpusFor(ctx, courseID)
	if err != nil {
		return nil, err
	}
	hits := corpus.index.Search(query, r.cfg.LexicalK)
	out := make([]types.ScoredChunk, 0, len(hits))
	for _, h := range hits {
		out = append(out, types.ScoredChunk{Chunk: corpus.chunks[h.ID], Score: h.Score})
	}
	return out, nil
}

// corpusFor returns the course's BM25 corpus, building it on first use by
// paging the chunk index.
func (r *Retriever) corpusFor(ctx context.Context, courseID string) (*lexCorpus, error) {
	r.mu.Lock()
	if c, ok := r.lexical[courseID]; ok {
		r.mu.Unlock()
		return c, nil
	}
	r.mu.Unlock()

	chunks, err := r.index.ChunksForCourse(ctx, courseID)
	if err != nil {
		return nil, fmt.Errorf("load lexical corpus: %w", err)
	}

	b := bm25.Build()
	byID := make(map[string]types.Chunk, len(chunks))
	for _, c := range chunks {
		b.Add(c.ID, c.Text)
		byID[c.ID] = c
	}
	corpus := &lexCorpus{index: b.Finish(), chunks: byID}

	r.mu.Lock()
	// Concurrent builders race here; last write wins and both are correct.
	r.lexical[courseID] = corpus
	r.mu.Unlock()

	r.log.Debug("built lexical index", "course_id", courseID, "chunks", len(chunks))
	return corpus, nil
}

func (r *Retriever) rerankStage(ctx context.Context, query string, fused []types.ScoredChunk) ([]types.ScoredChunk, error) {
	docs := make([]string, len(fused))
	for i, sc := range fused {
		docs[i] = sc.Chunk.Text
	}
	results, err := r.reranker.Rerank(ctx, query, docs, r.cfg.TopN)
	if err != nil {
		return nil, fmt.Errorf("rerank: %w", err)
	}

	out := make([]types.ScoredChunk, 0, len(results))
	for _, res := range results {
		if res.Index < 0 || res.Index >= len(fused) {
			return nil, fmt.Errorf("rerank: index %d out of range", res.Index)
		}
		out = append(out, types.ScoredChunk{Chunk: fused[res.Index].Chunk, Score: res.Score})
	}
	return out, nil
}

func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
