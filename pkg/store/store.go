// Package store defines the persistence interfaces for Lumora's durable
// state: courses and their curricula, sessions, conversation history,
// quizzes, and the embedded chunk index used for retrieval.
//
// Postgres is the single source of truth; the interfaces exist so that the
// services above can be exercised against in-memory fakes in tests. The
// production implementation lives in the postgres subpackage.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/lumora-ai/lumora/pkg/types"
)

// ErrNotFound is returned when a referenced record does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrConflict is returned when an operation collides with current state,
// such as ending a session that has already ended.
var ErrConflict = errors.New("store: conflict")

// CourseStore persists courses with their modules and topics.
type CourseStore interface {
	// CreateCourse inserts course with its full curriculum and assigns the
	// next course number. The returned course carries the assigned number
	// and timestamps.
	CreateCourse(ctx context.Context, course *types.Course) (*types.Course, error)

	// GetCourse returns the course with its modules and topics populated.
	GetCourse(ctx context.Context, courseID string) (*types.Course, error)

	// ListCourses returns courses matching the non-zero filter fields,
	// ordered by course number. Modules are not populated.
	ListCourses(ctx context.Context, filter CourseFilter) ([]types.Course, error)

	// DeleteCourse removes the course and everything hanging off it:
	// modules, topics, quizzes, quiz responses, and indexed chunks.
	DeleteCourse(ctx context.Context, courseID string) error
}

// CourseFilter restricts ListCourses. Zero fields match everything.
type CourseFilter struct {
	Language string
	Country  string
	OwnerID  string
	Limit    int
}

// CourseUpdate carries the metadata fields a course owner may change.
// Nil pointers leave the field untouched.
type CourseUpdate struct {
	Title       *string
	Description *string
	Language    *string
	Country     *string
}

// CourseUpdater is implemented by course stores that support metadata
// updates. It is kept separate from [CourseStore] so read-mostly
// implementations stay small.
type CourseUpdater interface {
	// UpdateCourse applies upd to the course. ownerID must match the
	// course's owner; a mismatch returns [ErrConflict] and an unknown
	// course returns [ErrNotFound]. The updated course is returned with
	// modules populated.
	UpdateCourse(ctx context.Context, courseID, ownerID string, upd CourseUpdate) (*types.Course, error)
}

// SessionStore persists session envelopes.
type SessionStore interface {
	// CreateSession atomically ends the user's previous active session, if
	// any, and inserts sess as the new active one.
	CreateSession(ctx context.Context, sess *types.Session) error

	// GetSession returns the session, ended or not.
	GetSession(ctx context.Context, sessionID string) (*types.Session, error)

	// ActiveSession returns the user's single active session, or ErrNotFound.
	ActiveSession(ctx context.Context, userID string) (*types.Session, error)

	// TouchSession advances last_activity_at to now.
	TouchSession(ctx context.Context, sessionID string, now time.Time) error

	// SetCurrentCourse points the session at a course.
	SetCurrentCourse(ctx context.Context, sessionID, courseID string) error

	// EndSession marks the session ended. Returns ErrConflict if it already
	// ended.
	EndSession(ctx context.Context, sessionID string, at time.Time) error
}

// MessageStore persists conversation turns.
type MessageStore interface {
	// AppendMessage inserts msg and increments the owning session's message
	// count. The returned message carries the assigned ID and timestamp.
	AppendMessage(ctx context.Context, msg *types.StoredMessage) (*types.StoredMessage, error)

	// RecentMessages returns the latest limit messages of the session,
	// oldest first.
	RecentMessages(ctx context.Context, sessionID string, limit int) ([]types.StoredMessage, error)

	// ListMessages pages backwards through a session's history: messages
	// with ID strictly below beforeID (0 = from the end), newest first.
	ListMessages(ctx context.Context, sessionID string, beforeID int64, limit int) ([]types.StoredMessage, error)
}

// QuizStore persists quizzes and graded submissions.
type QuizStore interface {
	// CreateQuiz inserts quiz with its questions.
	CreateQuiz(ctx context.Context, quiz *types.Quiz) error

	// GetQuiz returns the quiz with questions populated.
	GetQuiz(ctx context.Context, quizID string) (*types.Quiz, error)

	// ListQuizzes returns the course's quizzes ordered by module week.
	ListQuizzes(ctx context.Context, courseID string) ([]types.Quiz, error)

	// SaveResponse upserts a user's graded submission; resubmission
	// overwrites the previous attempt.
	SaveResponse(ctx context.Context, resp *types.QuizResponse) error

	// GetResponse returns the user's submission for the quiz.
	GetResponse(ctx context.Context, quizID, userID string) (*types.QuizResponse, error)
}

// CheckpointStore persists opaque orchestrator state snapshots keyed by
// session. Snapshots are full-state: a save replaces the previous one, and a
// load must be sufficient to reconstruct the voice session on a new process.
type CheckpointStore interface {
	// SaveCheckpoint upserts the session's snapshot.
	SaveCheckpoint(ctx context.Context, sessionID string, state []byte) error

	// LoadCheckpoint returns the session's snapshot, or ErrNotFound.
	LoadCheckpoint(ctx context.Context, sessionID string) ([]byte, error)

	// DeleteCheckpoint removes the session's snapshot, if any.
	DeleteCheckpoint(ctx context.Context, sessionID string) error
}

// ChunkIndex persists embedded chunks and serves vector search.
type ChunkIndex interface {
	// UpsertChunks inserts or replaces the chunks in one round trip.
	UpsertChunks(ctx context.Context, chunks []types.Chunk) error

	// Search returns the topK chunks nearest to embedding under cosine
	// distance, restricted by filter, most similar first. Scores are
	// similarities in [0,1].
	Search(ctx context.Context, embedding []float32, topK int, filter types.ChunkFilter) ([]types.ScoredChunk, error)

	// ChunksForCourse streams every chunk of a course without embeddings,
	// for lexical index builds.
	ChunksForCourse(ctx context.Context, courseID string) ([]types.Chunk, error)

	// DeleteByCourse removes every chunk belonging to the course.
	DeleteByCourse(ctx context.Context, courseID string) error
}
