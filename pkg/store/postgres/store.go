package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/lumora-ai/lumora/pkg/store"
)

// Compile-time interface checks.
var (
	_ store.CourseStore  = (*CourseStoreImpl)(nil)
	_ store.SessionStore = (*SessionStoreImpl)(nil)
	_ store.MessageStore = (*MessageStoreImpl)(nil)
	_ store.QuizStore       = (*QuizStoreImpl)(nil)
	_ store.ChunkIndex      = (*ChunkIndexImpl)(nil)
	_ store.CheckpointStore = (*CheckpointStoreImpl)(nil)
)

// Store is the central PostgreSQL-backed store for Lumora. It holds a single
// [pgxpool.Pool] and exposes the sub-stores:
//
//   - [Store.Courses] implements [store.CourseStore]
//   - [Store.Sessions] implements [store.SessionStore]
//   - [Store.Messages] implements [store.MessageStore]
//   - [Store.Quizzes] implements [store.QuizStore]
//   - [Store.Chunks] implements [store.ChunkIndex]
//   - [Store.Checkpoints] implements [store.CheckpointStore]
//
// All operations are safe for concurrent use.
type Store struct {
	pool     *pgxpool.Pool
	courses  *CourseStoreImpl
	sessions *SessionStoreImpl
	messages *MessageStoreImpl
	quizzes  *QuizStoreImpl
	chunks   *ChunkIndexImpl
	ckpts    *CheckpointStoreImpl
}

// NewStore creates a new Store, establishes a connection pool to the
// PostgreSQL database at dsn, registers pgvector types on every connection,
// and runs [Migrate] to ensure all required tables and extensions exist.
//
// embeddingDimensions must match the output dimension of the configured
// embedding model (e.g. 1536 for OpenAI text-embedding-3-small).
func NewStore(ctx context.Context, dsn string, embeddingDimensions int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	// Register pgvector types on every new connection so that vector columns
	// can be scanned into and inserted from pgvector.Vector values.
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool, embeddingDimensions); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &Store{
		pool:     pool,
		courses:  &CourseStoreImpl{pool: pool},
		sessions: &SessionStoreImpl{pool: pool},
		messages: &MessageStoreImpl{pool: pool},
		quizzes:  &QuizStoreImpl{pool: pool},
		chunks:   &ChunkIndexImpl{pool: pool},
		ckpts:    &CheckpointStoreImpl{pool: pool},
	}, nil
}

// Courses returns the course catalogue sub-store.
func (s *Store) Courses() *CourseStoreImpl { return s.courses }

// Sessions returns the session sub-store.
func (s *Store) Sessions() *SessionStoreImpl { return s.sessions }

// Messages returns the conversation history sub-store.
func (s *Store) Messages() *MessageStoreImpl { return s.messages }

// Quizzes returns the quiz sub-store.
func (s *Store) Quizzes() *QuizStoreImpl { return s.quizzes }

// Chunks returns the vector chunk index sub-store.
func (s *Store) Chunks() *ChunkIndexImpl { return s.chunks }

// Checkpoints returns the voice-session checkpoint sub-store.
func (s *Store) Checkpoints() *CheckpointStoreImpl { return s.ckpts }

// Pool exposes the underlying connection pool for components that share the
// database, such as the task broker.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Close releases all connections held by the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}
