package retrieval

import (
	"sort"

	"github.com/lumora-ai/lumora/pkg/types"
)

// fuseRRF merges the dense and lexical result lists with weighted Reciprocal
// Rank Fusion: each chunk scores denseWeight/(kappa+rank) from the dense list
// plus (1-denseWeight)/(kappa+rank) from the lexical list, ranks 1-based.
// Chunks appearing in both lists are deduplicated by id and accumulate both
// contributions. The union is returned best first.
func fuseRRF(dense, lexical []types.ScoredChunk, kappa float64, denseWeight float64) []types.ScoredChunk {
	type entry struct {
		chunk types.Chunk
		score float64
	}
	merged := make(map[string]*entry, len(dense)+len(lexical))

	accumulate := func(list []types.ScoredChunk, weight float64) {
		for rank, sc := range list {
			e, ok := merged[sc.Chunk.ID]
			if !ok {
				e = &entry{chunk: sc.Chunk}
				merged[sc.Chunk.ID] = e
			}
			e.score += weight / (kappa + float64(rank+1))
		}
	}
	accumulate(dense, denseWeight)
	accumulate(lexical, 1-denseWeight)

	out := make([]types.ScoredChunk, 0, len(merged))
	for _, e := range merged {
		out = append(out, types.ScoredChunk{Chunk: e.chunk, Score: e.score})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Chunk.ID < out[j].Chunk.ID
	})
	return out
}
