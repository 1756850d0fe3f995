package retrieval

import (
	"testing"

	"github.com/lumora-ai/lumora/pkg/types"
)

func scored(ids ...string) []types.ScoredChunk {
	out := make([]types.ScoredChunk, len(ids))
	for i, id := range ids {
		out[i] = types.ScoredChunk{Chunk: types.Chunk{ID: id, Text: "text " + id}}
	}
	return out
}

func ids(chunks []types.ScoredChunk) []string {
	out := make([]string, len(chunks))
	for i, c := range chunks {
		out[i] = c.Chunk.ID
	}
	return out
}

func TestFuseRRF_BothListsBeatOne(t *testing.T) {
	// "b" is mid-rank in both lists; "a" and "x" each lead only one list.
	fused := fuseRRF(scored("a", "b", "c"), scored("x", "b", "y"), 60, 0.5)

	if fused[0].Chunk.ID != "b" {
		t.Errorf("top = %s, want b (present in both lists)", fused[0].Chunk.ID)
	}
	if len(fused) != 5 {
		t.Errorf("fused = %v, want deduplicated union of 5", ids(fused))
	}
}

func TestFuseRRF_DenseWeightBreaksTies(t *testing.T) {
	fused := fuseRRF(scored("d1", "d2"), scored("l1", "l2"), 60, 0.6)

	// With alpha=0.6 the dense leader must outrank the lexical leader.
	if fused[0].Chunk.ID != "d1" {
		t.Errorf("top = %s, want d1 (dense weighted 0.6)", fused[0].Chunk.ID)
	}
	if fused[1].Chunk.ID != "l1" {
		t.Errorf("second = %s, want l1", fused[1].Chunk.ID)
	}
}

func TestFuseRRF_EmptyLegs(t *testing.T) {
	if got := fuseRRF(scored("a"), nil, 60, 0.6); len(got) != 1 || got[0].Chunk.ID != "a" {
		t.Errorf("dense-only fuse = %v", ids(got))
	}
	if got := fuseRRF(nil, nil, 60, 0.6); len(got) != 0 {
		t.Errorf("empty fuse = %v", ids(got))
	}
}

func TestFuseRRF_Deterministic(t *testing.T) {
	dense, lexical := scored("a", "b", "c"), scored("c", "d")
	first := fuseRRF(dense, lexical, 60, 0.6)
	second := fuseRRF(dense, lexical, 60, 0.6)
	for i := range first {
		if first[i].Chunk.ID != second[i].Chunk.ID {
			t.Fatalf("order differs at %d: %v vs %v", i, ids(first), ids(second))
		}
	}
}
