package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/lumora-ai/lumora/pkg/types"
)

// ChunkIndexImpl is the vector chunk index backed by a chunks table with a
// pgvector HNSW index for fast approximate nearest-neighbour search.
//
// The course, module week, and language references from chunk metadata are
// denormalised into dedicated columns so that filtered searches stay on
// ordinary btree indexes.
//
// Obtain one via [Store.Chunks] rather than constructing directly.
// All methods are safe for concurrent use.
type ChunkIndexImpl struct {
	pool *pgxpool.Pool
}

// Metadata keys denormalised into chunk columns.
const (
	MetaCourseID   = "course_id"
	MetaModuleWeek = "module_week"
	MetaLanguage   = "language"
)

// UpsertChunks implements [store.ChunkIndex]. All chunks go out in a single
// pgx batch; a chunk with an existing ID is completely replaced.
func (s *ChunkIndexImpl) UpsertChunks(ctx context.Context, chunks []types.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	const q = `
		INSERT INTO chunks
		    (id, source_id, course_id, module_week, language, page,
		     offset_begin, offset_end, content, metadata, embedding, embedding_model)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
		    source_id       = EXCLUDED.source_id,
		    course_id       = EXCLUDED.course_id,
		    module_week     = EXCLUDED.module_week,
		    language        = EXCLUDED.language,
		    page            = EXCLUDED.page,
		    offset_begin    = EXCLUDED.offset_begin,
		    offset_end      = EXCLUDED.offset_end,
		    content         = EXCLUDED.content,
		    metadata        = EXCLUDED.metadata,
		    embedding       = EXCLUDED.embedding,
		    embedding_model = EXCLUDED.embedding_model`

	batch := &pgx.Batch{}
	for _, chunk := range chunks {
		metadata, err := json.Marshal(orEmptyMap(chunk.Metadata))
		if err != nil {
			return fmt.Errorf("chunk index: encode metadata for %s: %w", chunk.ID, err)
		}
		week := 0
		fmt.Sscanf(chunk.Metadata[MetaModuleWeek], "%d", &week)

		batch.Queue(q,
			chunk.ID,
			chunk.SourceID,
			chunk.Metadata[MetaCourseID],
			week,
			chunk.Metadata[MetaLanguage],
			chunk.Page,
			chunk.OffsetBegin,
			chunk.OffsetEnd,
			chunk.Text,
			metadata,
			pgvector.NewVector(chunk.Embedding),
			chunk.EmbeddingModel,
		)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range chunks {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("chunk index: upsert batch: %w", err)
		}
	}
	return nil
}

// Search implements [store.ChunkIndex]. Cosine distance from the <=> operator
// is mapped to similarity 1-distance so callers see "higher is better".
func (s *ChunkIndexImpl) Search(ctx context.Context, embedding []float32, topK int, filter types.ChunkFilter) ([]types.ScoredChunk, error) {
	queryVec := pgvector.NewVector(embedding)

	args := []any{queryVec} // $1 = query vector
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	var conditions []string
	if filter.CourseID != "" {
		conditions = append(conditions, "course_id = "+next(filter.CourseID))
	}
	if filter.ModuleWeek > 0 {
		conditions = append(conditions, "module_week = "+next(filter.ModuleWeek))
	}
	if filter.Language != "" {
		conditions = append(conditions, "language = "+next(filter.Language))
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, "\n  AND ")
	}

	args = append(args, topK)
	limitArg := fmt.Sprintf("$%d", len(args))

	q := fmt.Sprintf(`
		SELECT id, source_id, page, offset_begin, offset_end, content, metadata,
		       embedding_model, embedding <=> $1 AS distance
		FROM   chunks
		%s
		ORDER  BY distance
		LIMIT  %s`, whereClause, limitArg)

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("chunk index: search: %w", err)
	}

	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.ScoredChunk, error) {
		var (
			sc       types.ScoredChunk
			metadata []byte
			distance float64
		)
		if err := row.Scan(
			&sc.Chunk.ID, &sc.Chunk.SourceID, &sc.Chunk.Page,
			&sc.Chunk.OffsetBegin, &sc.Chunk.OffsetEnd, &sc.Chunk.Text,
			&metadata, &sc.Chunk.EmbeddingModel, &distance,
		); err != nil {
			return types.ScoredChunk{}, err
		}
		if err := json.Unmarshal(metadata, &sc.Chunk.Metadata); err != nil {
			return types.ScoredChunk{}, err
		}
		sc.Score = 1 - distance
		return sc, nil
	})
	if err != nil {
		return nil, fmt.Errorf("chunk index: scan rows: %w", err)
	}
	if results == nil {
		results = []types.ScoredChunk{}
	}
	return results, nil
}

// ChunksForCourse implements [store.ChunkIndex]. Embeddings are omitted; the
// lexical index only needs the text.
func (s *ChunkIndexImpl) ChunksForCourse(ctx context.Context, courseID string) ([]types.Chunk, error) {
	const q = `
		SELECT id, source_id, page, offset_begin, offset_end, content, metadata, embedding_model
		FROM   chunks
		WHERE  course_id = $1
		ORDER  BY source_id, offset_begin`

	rows, err := s.pool.Query(ctx, q, courseID)
	if err != nil {
		return nil, fmt.Errorf("chunk index: chunks for course: %w", err)
	}
	chunks, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.Chunk, error) {
		var (
			c        types.Chunk
			metadata []byte
		)
		if err := row.Scan(
			&c.ID, &c.SourceID, &c.Page, &c.OffsetBegin, &c.OffsetEnd,
			&c.Text, &metadata, &c.EmbeddingModel,
		); err != nil {
			return types.Chunk{}, err
		}
		if err := json.Unmarshal(metadata, &c.Metadata); err != nil {
			return types.Chunk{}, err
		}
		return c, nil
	})
	if err != nil {
		return nil, fmt.Errorf("chunk index: scan rows: %w", err)
	}
	if chunks == nil {
		chunks = []types.Chunk{}
	}
	return chunks, nil
}

// DeleteByCourse implements [store.ChunkIndex].
func (s *ChunkIndexImpl) DeleteByCourse(ctx context.Context, courseID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM chunks WHERE course_id = $1`, courseID); err != nil {
		return fmt.Errorf("chunk index: delete by course: %w", err)
	}
	return nil
}
