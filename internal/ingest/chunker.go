package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/lumora-ai/lumora/pkg/types"
)

// TokenCodec is the token-counting surface the pipeline depends on.
// *tokens.Counter implements it; tests substitute a deterministic fake.
type TokenCodec interface {
	Count(text string) int
	Encode(text string) []int
	Decode(ids []int) string
}

// Chunking constants. Windows target 800–1200 tokens with 10–15% overlap;
// a trailing fragment below the minimum is merged into its predecessor.
const (
	defaultMinTokens    = 800
	defaultMaxTokens    = 1200
	defaultOverlapRatio = 0.12
)

// Chunker cuts extracted text into token-bounded windows along paragraph
// boundaries. Chunk ids are deterministic over (source id, offsets), which
// makes re-ingest an upsert and keeps retried tasks idempotent.
type Chunker struct {
	counter TokenCodec

	// MinTokens and MaxTokens bound the window size. Zero values take the
	// package defaults.
	MinTokens int
	MaxTokens int

	// OverlapRatio is the fraction of a window repeated at the start of the
	// next one. Zero takes the default 0.12.
	OverlapRatio float64
}

// NewChunker creates a Chunker using the given token counter.
func NewChunker(counter TokenCodec) *Chunker {
	return &Chunker{counter: counter}
}

func (c *Chunker) minTokens() int {
	if c.MinTokens > 0 {
		return c.MinTokens
	}
	return defaultMinTokens
}

func (c *Chunker) maxTokens() int {
	if c.MaxTokens > 0 {
		return c.MaxTokens
	}
	return defaultMaxTokens
}

func (c *Chunker) overlap() float64 {
	if c.OverlapRatio > 0 {
		return c.OverlapRatio
	}
	return defaultOverlapRatio
}

// segment is a paragraph-or-smaller piece of the source text with its
// character offsets and token count.
type segment struct {
	text   string
	begin  int
	end    int
	tokens int
}

// Chunk splits the extracted document into windows and attributes each to a
// source page. metadata is copied onto every chunk.
func (c *Chunker) Chunk(sourceID string, ex *Extracted, metadata map[string]string) []types.Chunk {
	segs := c.segments(ex.Text)
	if len(segs) == 0 {
		return nil
	}

	minT, maxT := c.minTokens(), c.maxTokens()
	overlapTokens := int(float64(minT) * c.overlap())

	var chunks []types.Chunk
	i := 0
	for i < len(segs) {
		tok := 0
		j := i
		for j < len(segs) {
			next := segs[j].tokens
			if tok > 0 && tok+next > maxT {
				// Close the window at the hard cap even when it has not
				// reached the minimum.
				break
			}
			tok += next
			j++
			if tok >= minT {
				break
			}
		}
		if j == i {
			// A single oversized segment still becomes its own chunk.
			j = i + 1
		}

		chunks = append(chunks, c.window(sourceID, segs[i:j], ex, metadata))

		if j >= len(segs) {
			break
		}

		// Step back segments worth ~overlapTokens for the next window.
		back := j
		overlapped := 0
		for back > i+1 && overlapped < overlapTokens {
			back--
			overlapped += segs[back].tokens
		}
		i = back
	}

	return c.mergeShortTail(sourceID, chunks, ex, metadata, segs)
}

// segments splits text on blank lines, further splitting any paragraph that
// alone exceeds the window cap at sentence boundaries.
func (c *Chunker) segments(text string) []segment {
	maxT := c.maxTokens()
	var segs []segment

	offset := 0
	for _, para := range strings.Split(text, "\n\n") {
		begin := strings.Index(text[offset:], para) + offset
		end := begin + len(para)
		offset = end

		trimmed := strings.TrimSpace(para)
		if trimmed == "" {
			continue
		}

		tok := c.counter.Count(para)
		if tok <= maxT {
			segs = append(segs, segment{text: para, begin: begin, end: end, tokens: tok})
			continue
		}

		// Oversized paragraph: split at sentence ends.
		segs = append(segs, c.splitSentences(para, begin)...)
	}
	return segs
}

// splitSentences cuts an oversized paragraph at sentence boundaries, packing
// sentences into pieces that stay under the window cap.
func (c *Chunker) splitSentences(para string, base int) []segment {
	maxT := c.maxTokens()

	var bounds []int
	for i := 0; i < len(para)-1; i++ {
		if (para[i] == '.' || para[i] == '!' || para[i] == '?') && para[i+1] == ' ' {
			bounds = append(bounds, i+2)
		}
	}
	bounds = append(bounds, len(para))

	var segs []segment
	start := 0
	for _, b := range bounds {
		piece := para[start:b]
		if c.counter.Count(piece) >= maxT || b == len(para) {
			if strings.TrimSpace(piece) != "" {
				segs = append(segs, segment{
					text:   piece,
					begin:  base + start,
					end:    base + b,
					tokens: c.counter.Count(piece),
				})
			}
			start = b
		}
	}
	return segs
}

// window builds one chunk from a run of segments.
func (c *Chunker) window(sourceID string, segs []segment, ex *Extracted, metadata map[string]string) types.Chunk {
	begin := segs[0].begin
	end := segs[len(segs)-1].end

	var b strings.Builder
	for i, s := range segs {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(s.text)
	}

	meta := make(map[string]string, len(metadata))
	for k, v := range metadata {
		meta[k] = v
	}

	return types.Chunk{
		ID:          ChunkID(sourceID, begin, end),
		SourceID:    sourceID,
		Page:        pageFor(ex.PageOffsets, begin),
		OffsetBegin: begin,
		OffsetEnd:   end,
		Text:        b.String(),
		Metadata:    meta,
	}
}

// mergeShortTail folds a final fragment below the minimum window size into
// the previous chunk, provided the merge stays under the hard cap.
func (c *Chunker) mergeShortTail(sourceID string, chunks []types.Chunk, ex *Extracted, metadata map[string]string, segs []segment) []types.Chunk {
	n := len(chunks)
	if n < 2 {
		return chunks
	}
	last := chunks[n-1]
	if c.counter.Count(last.Text) >= c.minTokens()/2 {
		return chunks
	}
	prev := chunks[n-2]
	merged := prev.Text + "\n\n" + last.Text
	if c.counter.Count(merged) > c.maxTokens()+c.minTokens()/2 {
		return chunks
	}

	meta := make(map[string]string, len(metadata))
	for k, v := range metadata {
		meta[k] = v
	}
	chunks[n-2] = types.Chunk{
		ID:          ChunkID(sourceID, prev.OffsetBegin, last.OffsetEnd),
		SourceID:    sourceID,
		Page:        prev.Page,
		OffsetBegin: prev.OffsetBegin,
		OffsetEnd:   last.OffsetEnd,
		Text:        merged,
		Metadata:    meta,
	}
	return chunks[:n-1]
}

// ChunkID derives the stable chunk identifier from the source document and
// character offsets.
func ChunkID(sourceID string, begin, end int) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s:%d:%d", sourceID, begin, end))
	return hex.EncodeToString(sum[:])
}

// pageFor returns the 1-based page containing the character offset.
func pageFor(pageOffsets []int, offset int) int {
	if len(pageOffsets) == 0 {
		return 0
	}
	i := sort.Search(len(pageOffsets), func(i int) bool {
		return pageOffsets[i] > offset
	})
	return i
}
