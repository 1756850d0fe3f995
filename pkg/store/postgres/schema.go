// Package postgres provides the PostgreSQL-backed implementation of the
// Lumora store interfaces: courses, sessions, messages, quizzes, and the
// pgvector chunk index.
//
// All sub-stores share a single [pgxpool.Pool]. The pgvector extension must
// be available in the target database; [Migrate] installs it automatically
// via CREATE EXTENSION IF NOT EXISTS.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn, 1536)
//	if err != nil { … }
//	defer store.Close()
//
//	course, _ := store.Courses().GetCourse(ctx, id)
//	results, _ := store.Chunks().Search(ctx, queryVec, 10, filter)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ─────────────────────────────────────────────────────────────────────────────
// Catalogue DDL — courses, modules, topics
// ─────────────────────────────────────────────────────────────────────────────

const ddlCatalogue = `
CREATE SEQUENCE IF NOT EXISTS course_number_seq;

CREATE TABLE IF NOT EXISTS courses (
    id           TEXT         PRIMARY KEY,
    number       BIGINT       NOT NULL UNIQUE,
    title        TEXT         NOT NULL,
    description  TEXT         NOT NULL DEFAULT '',
    language     TEXT         NOT NULL DEFAULT '',
    country      TEXT         NOT NULL DEFAULT '',
    owner_id     TEXT         NOT NULL DEFAULT '',
    created_at   TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at   TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_courses_language ON courses (language);
CREATE INDEX IF NOT EXISTS idx_courses_owner    ON courses (owner_id);

CREATE TABLE IF NOT EXISTS modules (
    course_id    TEXT         NOT NULL REFERENCES courses (id) ON DELETE CASCADE,
    week         INT          NOT NULL,
    title        TEXT         NOT NULL,
    description  TEXT         NOT NULL DEFAULT '',
    objectives   JSONB        NOT NULL DEFAULT '[]',
    PRIMARY KEY (course_id, week)
);

CREATE TABLE IF NOT EXISTS topics (
    id                 BIGSERIAL    PRIMARY KEY,
    course_id          TEXT         NOT NULL,
    module_week        INT          NOT NULL,
    title              TEXT         NOT NULL,
    content            TEXT         NOT NULL DEFAULT '',
    order_index        INT          NOT NULL,
    estimated_minutes  INT          NOT NULL DEFAULT 0,
    FOREIGN KEY (course_id, module_week)
        REFERENCES modules (course_id, week) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_topics_module
    ON topics (course_id, module_week, order_index);
`

// ─────────────────────────────────────────────────────────────────────────────
// Conversation DDL — sessions and messages
// ─────────────────────────────────────────────────────────────────────────────

const ddlConversation = `
CREATE TABLE IF NOT EXISTS sessions (
    id                 TEXT         PRIMARY KEY,
    user_id            TEXT         NOT NULL,
    current_course_id  TEXT         NOT NULL DEFAULT '',
    client_info        JSONB        NOT NULL DEFAULT '{}',
    message_count      INT          NOT NULL DEFAULT 0,
    started_at         TIMESTAMPTZ  NOT NULL DEFAULT now(),
    last_activity_at   TIMESTAMPTZ  NOT NULL DEFAULT now(),
    expires_at         TIMESTAMPTZ,
    ended_at           TIMESTAMPTZ,
    active             BOOLEAN      NOT NULL DEFAULT TRUE
);

CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions (user_id);

CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_user_active
    ON sessions (user_id) WHERE active;

CREATE TABLE IF NOT EXISTS messages (
    id           BIGSERIAL    PRIMARY KEY,
    user_id      TEXT         NOT NULL,
    session_id   TEXT         NOT NULL REFERENCES sessions (id) ON DELETE CASCADE,
    role         TEXT         NOT NULL,
    content      TEXT         NOT NULL,
    type         TEXT         NOT NULL DEFAULT 'text',
    course_id    TEXT         NOT NULL DEFAULT '',
    module_week  INT          NOT NULL DEFAULT 0,
    topic_id     BIGINT       NOT NULL DEFAULT 0,
    metadata     JSONB        NOT NULL DEFAULT '{}',
    created_at   TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_messages_session
    ON messages (session_id, id);

CREATE TABLE IF NOT EXISTS teaching_checkpoints (
    session_id  TEXT         PRIMARY KEY REFERENCES sessions (id) ON DELETE CASCADE,
    state       JSONB        NOT NULL,
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

// ─────────────────────────────────────────────────────────────────────────────
// Quiz DDL
// ─────────────────────────────────────────────────────────────────────────────

const ddlQuizzes = `
CREATE TABLE IF NOT EXISTS quizzes (
    id             TEXT         PRIMARY KEY,
    course_id      TEXT         NOT NULL REFERENCES courses (id) ON DELETE CASCADE,
    module_week    INT          NOT NULL DEFAULT 0,
    title          TEXT         NOT NULL,
    type           TEXT         NOT NULL,
    passing_score  INT          NOT NULL DEFAULT 0,
    time_limit_ns  BIGINT       NOT NULL DEFAULT 0,
    questions      JSONB        NOT NULL DEFAULT '[]',
    created_at     TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_quizzes_course ON quizzes (course_id, module_week);

CREATE TABLE IF NOT EXISTS quiz_responses (
    quiz_id          TEXT         NOT NULL REFERENCES quizzes (id) ON DELETE CASCADE,
    user_id          TEXT         NOT NULL,
    answers          JSONB        NOT NULL DEFAULT '{}',
    score            INT          NOT NULL DEFAULT 0,
    total_questions  INT          NOT NULL DEFAULT 0,
    time_taken_ns    BIGINT       NOT NULL DEFAULT 0,
    submitted_at     TIMESTAMPTZ  NOT NULL DEFAULT now(),
    PRIMARY KEY (quiz_id, user_id)
);
`

// ddlChunks returns the chunk index DDL with the embedding dimension
// substituted. The vector dimension is baked into the column type at schema
// creation time.
func ddlChunks(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS chunks (
    id               TEXT         PRIMARY KEY,
    source_id        TEXT         NOT NULL DEFAULT '',
    course_id        TEXT         NOT NULL DEFAULT '',
    module_week      INT          NOT NULL DEFAULT 0,
    language         TEXT         NOT NULL DEFAULT '',
    page             INT          NOT NULL DEFAULT 0,
    offset_begin     INT          NOT NULL DEFAULT 0,
    offset_end       INT          NOT NULL DEFAULT 0,
    content          TEXT         NOT NULL,
    metadata         JSONB        NOT NULL DEFAULT '{}',
    embedding        vector(%d),
    embedding_model  TEXT         NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_chunks_course
    ON chunks (course_id, module_week);

CREATE INDEX IF NOT EXISTS idx_chunks_source
    ON chunks (source_id);

CREATE INDEX IF NOT EXISTS idx_chunks_embedding
    ON chunks USING hnsw (embedding vector_cosine_ops);
`, embeddingDimensions)
}

// Migrate creates or ensures all required tables, indexes, and extensions
// exist. It is idempotent (CREATE TABLE IF NOT EXISTS throughout) and safe to
// call on every process start.
//
// embeddingDimensions must match the configured embedding model (e.g. 1536
// for OpenAI text-embedding-3-small). Changing it after the first migration
// requires a manual schema update.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	statements := []string{
		ddlCatalogue,
		ddlConversation,
		ddlQuizzes,
		ddlChunks(embeddingDimensions),
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
