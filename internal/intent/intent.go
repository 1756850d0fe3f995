// Package intent classifies user utterances into a small fixed label set.
//
// The primary classifier is embedding nearest-neighbour over labelled
// exemplar utterances, embedded once at startup with the same model used for
// retrieval. An order of magnitude cheaper than an LLM call and more
// predictable than keyword rules. When no exemplar clears its label's
// similarity threshold the router falls back to fuzzy keyword heuristics,
// and when those are inconclusive too, to [LabelGeneralQuestion], so
// classification always produces an answer.
package intent

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/lumora-ai/lumora/pkg/provider/embeddings"
)

// Label is an intent class.
type Label string

const (
	// LabelGreeting is small talk openers answered from canned text.
	LabelGreeting Label = "greeting"

	// LabelGeneralQuestion is answered by the LLM without retrieval.
	LabelGeneralQuestion Label = "general_question"

	// LabelCourseQuery is answered with retrieval-grounded generation.
	LabelCourseQuery Label = "course_query"
)

// defaultThreshold is the minimum cosine similarity to accept the nearest
// exemplar's label.
const defaultThreshold = 0.30

// exemplarBatchLimit bounds one exemplar embedding request. Providers that
// report a nonsensical MaxBatchSize, zero or negative, get this instead.
const exemplarBatchLimit = 64

// Decision is a classification result.
type Decision struct {
	Label Label

	// Confidence is the similarity or heuristic score in [0,1] that produced
	// the label. Fallback decisions carry low confidence.
	Confidence float64

	// Latency is the wall time the classification took.
	Latency time.Duration
}

type exemplar struct {
	label  Label
	text   string
	vector []float32
}

// Router classifies utterances. Read-only after New; safe for concurrent use.
type Router struct {
	embedder   embeddings.Provider
	exemplars  []exemplar
	thresholds map[Label]float64
	log        *slog.Logger
}

// Option configures a [Router].
type Option func(*Router)

// WithThreshold overrides the similarity threshold for one label.
func WithThreshold(label Label, threshold float64) Option {
	return func(r *Router) {
		r.thresholds[label] = threshold
	}
}

// New builds a Router, embedding every exemplar utterance up front. This is
// the only provider call the router makes per process; classification reuses
// the cached vectors.
func New(ctx context.Context, embedder embeddings.Provider, opts ...Option) (*Router, error) {
	r := &Router{
		embedder: embedder,
		thresholds: map[Label]float64{
			LabelGreeting:        defaultThreshold,
			LabelGeneralQuestion: defaultThreshold,
			LabelCourseQuery:     defaultThreshold,
		},
		log: slog.Default().With("component", "intent"),
	}
	for _, o := range opts {
		o(r)
	}

	var texts []string
	for label, utterances := range exemplarUtterances {
		for _, u := range utterances {
			r.exemplars = append(r.exemplars, exemplar{label: label, text: u})
			texts = append(texts, u)
		}
	}

	batch := embedder.MaxBatchSize()
	if batch <= 0 || batch > exemplarBatchLimit {
		batch = exemplarBatchLimit
	}
	for lo := 0; lo < len(texts); lo += batch {
		hi := min(lo+batch, len(texts))
		vectors, err := embedder.EmbedBatch(ctx, texts[lo:hi])
		if err != nil {
			return nil, fmt.Errorf("intent: embed exemplars: %w", err)
		}
		for i, v := range vectors {
			r.exemplars[lo+i].vector = v
		}
	}

	r.log.Info("intent router ready", "exemplars", len(r.exemplars))
	return r, nil
}

// Classify labels text. It never fails: an embedding outage degrades to the
// heuristic ladder.
func (r *Router) Classify(ctx context.Context, text string) Decision {
	start := time.Now()

	vec, err := r.embedder.Embed(ctx, text)
	if err == nil {
		if label, score, ok := r.nearest(vec); ok {
			return Decision{Label: label, Confidence: score, Latency: time.Since(start)}
		}
	} else {
		r.log.Warn("intent embedding failed, using heuristics", "error", err)
	}

	if label, score, ok := classifyHeuristic(text); ok {
		return Decision{Label: label, Confidence: score, Latency: time.Since(start)}
	}
	return Decision{Label: LabelGeneralQuestion, Confidence: 0.1, Latency: time.Since(start)}
}

// nearest returns the label of the most similar exemplar if it clears the
// label's threshold.
func (r *Router) nearest(vec []float32) (Label, float64, bool) {
	var bestLabel Label
	best := math.Inf(-1)
	for _, ex := range r.exemplars {
		if s := cosine(vec, ex.vector); s > best {
			best = s
			bestLabel = ex.label
		}
	}
	if bestLabel == "" || best < r.thresholds[bestLabel] {
		return "", 0, false
	}
	return bestLabel, best, true
}

// cosine returns the cosine similarity of two vectors, 0 when degenerate.
func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
