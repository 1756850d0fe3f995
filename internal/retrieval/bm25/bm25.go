// Package bm25 implements an in-memory BM25 lexical index over document
// chunks.
//
// The retriever builds one index per course, lazily, from the chunks stored
// in the vector index. Corpora are small (one course's worth of text), so a
// straightforward inverted index with full rescoring per query is fast enough
// and keeps the index trivially rebuildable after ingest.
package bm25

import (
	"math"
	"sort"
	"strings"
	"unicode"
)

// Okapi BM25 parameters, standard values.
const (
	k1 = 1.2
	b  = 0.75
)

// Scored is one search hit.
type Scored struct {
	// ID is the document id passed to Add.
	ID string

	// Score is the BM25 relevance score. Higher is more relevant.
	Score float64
}

type document struct {
	id     string
	length int
	// terms maps term -> occurrence count within the document.
	terms map[string]int
}

// Index is a BM25 inverted index. It is built once and then read-only; the
// retriever swaps in a fresh Index when the underlying corpus changes.
// A built Index is safe for concurrent Search calls.
type Index struct {
	docs     []document
	postings map[string][]int // term -> indices into docs
	avgLen   float64
}

// Build constructs an index over the given id->text corpus entries. Order of
// Add calls does not affect scoring.
func Build() *Builder {
	return &Builder{postings: make(map[string][]int)}
}

// Builder accumulates documents for an Index. Not safe for concurrent use.
type Builder struct {
	docs     []document
	postings map[string][]int
	totalLen int
}

// Add indexes one document. Empty or stopword-only texts are still recorded
// so document frequencies stay consistent, they just never match.
func (b *Builder) Add(id, text string) {
	terms := tokenize(text)
	doc := document{id: id, length: len(terms), terms: make(map[string]int, len(terms))}
	for _, t := range terms {
		doc.terms[t]++
	}
	idx := len(b.docs)
	b.docs = append(b.docs, doc)
	b.totalLen += doc.length
	for t := range doc.terms {
		b.postings[t] = append(b.postings[t], idx)
	}
}

// Finish freezes the builder into a searchable Index.
func (b *Builder) Finish() *Index {
	avg := 0.0
	if len(b.docs) > 0 {
		avg = float64(b.totalLen) / float64(len(b.docs))
	}
	return &Index{docs: b.docs, postings: b.postings, avgLen: avg}
}

// Len returns the number of indexed documents.
func (ix *Index) Len() int { return len(ix.docs) }

// Search returns up to topK documents scored against query, best first.
// Documents matching no query term are omitted.
func (ix *Index) Search(query string, topK int) []Scored {
	if topK <= 0 || len(ix.docs) == 0 {
		return nil
	}
	terms := tokenize(query)
	if len(terms) == 0 {
		return nil
	}

	// Deduplicate query terms; repeated terms do not score twice.
	seen := make(map[string]bool, len(terms))
	scores := make(map[int]float64)
	n := float64(len(ix.docs))

	for _, term := range terms {
		if seen[term] {
			continue
		}
		seen[term] = true

		posting := ix.postings[term]
		if len(posting) == 0 {
			continue
		}
		df := float64(len(posting))
		idf := math.Log(1 + (n-df+0.5)/(df+0.5))

		for _, di := range posting {
			doc := &ix.docs[di]
			tf := float64(doc.terms[term])
			norm := k1 * (1 - b + b*float64(doc.length)/ix.avgLen)
			scores[di] += idf * tf * (k1 + 1) / (tf + norm)
		}
	}

	out := make([]Scored, 0, len(scores))
	for di, s := range scores {
		out = append(out, Scored{ID: ix.docs[di].id, Score: s})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > topK {
		out = out[:topK]
	}
	return out
}

// tokenize lowercases and splits on any non-letter, non-digit rune. No
// stemming; course material and queries share vocabulary closely enough that
// exact term matching works.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}
