// Package types defines the shared types used across all Lumora packages.
//
// These types form the lingua franca between providers, the ingest pipeline,
// the retrieval engine, the stores, and the teaching orchestrator. They are
// intentionally minimal — each package defines its own domain types, but
// cross-cutting data structures live here to avoid circular imports.
package types

import "time"

// Role identifies the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// IsValid reports whether r is a recognised message role.
func (r Role) IsValid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// MessageType distinguishes how a conversation turn arrived.
type MessageType string

const (
	MessageText  MessageType = "text"
	MessageVoice MessageType = "voice"
)

// Message is a single turn in an LLM conversation. It is the wire unit
// exchanged with LLM providers; persisted turns are [StoredMessage].
type Message struct {
	// Role is the author of the message.
	Role Role

	// Content is the message text.
	Content string
}

// StoredMessage is a persisted conversation turn. Messages within a session
// are totally ordered by (CreatedAt, ID); the pair is monotonic per session.
type StoredMessage struct {
	// ID is the store-assigned auto-increment identifier.
	ID int64

	// UserID is the owning user.
	UserID string

	// SessionID is the owning session UUID.
	SessionID string

	// Role is one of user, assistant, system.
	Role Role

	// Content is the message text.
	Content string

	// Type records whether the turn arrived as text or voice.
	Type MessageType

	// CourseID, ModuleWeek and TopicID optionally reference the course
	// material the turn was about. Zero values mean "no reference".
	CourseID   string
	ModuleWeek int
	TopicID    int64

	// Metadata carries free-form per-message annotations: route label,
	// confidence, retrieval sources, model identifier, token count.
	Metadata map[string]string

	// CreatedAt is the store-assigned creation timestamp.
	CreatedAt time.Time
}

// Session is a per-user conversation envelope. A user has at most one active
// session at a time; creating a new session ends any previous active one.
type Session struct {
	// ID is the externally visible session UUID.
	ID string

	// UserID is the owning user.
	UserID string

	// CurrentCourseID is the course the session is focused on, if any.
	CurrentCourseID string

	// ClientInfo holds client metadata (IP, user agent, device class).
	ClientInfo map[string]string

	// MessageCount is the number of messages appended to this session.
	MessageCount int

	StartedAt      time.Time
	LastActivityAt time.Time

	// ExpiresAt is the optional hard expiry; zero means no expiry.
	ExpiresAt time.Time

	// EndedAt is set when the session is ended; zero while active.
	EndedAt time.Time

	// Active reports whether the session is still accepting turns.
	Active bool
}

// Expired reports whether the session has passed its expiry at the given time.
func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// Chunk is a contiguous span of source text with a stable id, positional
// metadata, and a dense embedding. Chunks are the unit of retrieval.
//
// The ID is deterministic over (source document, character offsets) so that
// re-ingesting the same input upserts rather than duplicates.
type Chunk struct {
	// ID is the stable chunk identifier.
	ID string

	// SourceID identifies the source document the chunk was extracted from.
	SourceID string

	// Page is the 1-based source page, when the format has pages. 0 otherwise.
	Page int

	// OffsetBegin and OffsetEnd are character offsets into the extracted text.
	OffsetBegin int
	OffsetEnd   int

	// Text is the chunk content.
	Text string

	// Metadata carries course/module/topic/language references for filtering.
	Metadata map[string]string

	// Embedding is the dense vector for this chunk. May be nil before the
	// embed stage has run.
	Embedding []float32

	// EmbeddingModel identifies the model that produced Embedding.
	EmbeddingModel string
}

// ScoredChunk pairs a retrieved chunk with its relevance score. Higher is
// more relevant regardless of which pipeline stage produced the score.
type ScoredChunk struct {
	Chunk Chunk
	Score float64
}

// ChunkFilter restricts retrieval to chunks whose metadata matches every
// non-zero field.
type ChunkFilter struct {
	CourseID   string
	ModuleWeek int
	Language   string
}

// Course is a container of ordered modules.
type Course struct {
	// ID is the opaque stable course identifier, externally visible.
	ID string

	// Number is the human-friendly monotonically increasing course number.
	// Assigned server-side on first insert and never reused.
	Number int64

	Title       string
	Description string
	Language    string
	Country     string

	// OwnerID identifies the uploading user.
	OwnerID string

	CreatedAt time.Time
	UpdatedAt time.Time

	// Modules is populated by full-course reads; list endpoints leave it nil.
	Modules []Module
}

// Module is an ordered child of a course. Weeks within a course form a
// gapless sequence 1..N after ingest.
type Module struct {
	// Week is the 1-based position of the module, unique within its course.
	Week int

	Title       string
	Description string

	// Objectives lists the module's learning objectives.
	Objectives []string

	// Topics is populated by full-course reads.
	Topics []Topic
}

// Topic is an ordered child of a module.
type Topic struct {
	// ID is the store-assigned identifier. Zero before first persist.
	ID int64

	Title   string
	Content string

	// OrderIndex is the 1-based position of the topic within its module.
	OrderIndex int

	// EstimatedMinutes is the optional estimated duration. Zero means unset.
	EstimatedMinutes int
}

// QuizType distinguishes per-module from whole-course quizzes.
type QuizType string

const (
	QuizModule QuizType = "module"
	QuizCourse QuizType = "course"
)

// Quiz is a structured test over a course or one of its modules.
type Quiz struct {
	// ID is the opaque quiz identifier.
	ID string

	CourseID string

	// ModuleWeek is set for module quizzes; zero for course quizzes.
	ModuleWeek int

	Title string
	Type  QuizType

	// PassingScore is the minimum number of correct answers to pass.
	PassingScore int

	// TimeLimit is the optional duration allowed for completion.
	TimeLimit time.Duration

	// Questions are ordered by Number, gapless 1..K.
	Questions []QuizQuestion

	CreatedAt time.Time
}

// QuizQuestion is a single multiple-choice item.
type QuizQuestion struct {
	// Number is the 1-based position, unique within the quiz.
	Number int

	Text string

	// Options is the ordered list of answer options. Option keys are the
	// letters "A", "B", … in list order.
	Options []string

	// CorrectAnswer is the single-letter key of the correct option.
	CorrectAnswer string

	// Explanation optionally justifies the correct answer.
	Explanation string

	// Difficulty is an optional free-form difficulty label.
	Difficulty string
}

// OptionKey returns the letter key for the 0-based option index i.
func OptionKey(i int) string {
	return string(rune('A' + i))
}

// QuizResponse is a user's graded submission.
type QuizResponse struct {
	QuizID string
	UserID string

	// Answers maps question number to the chosen option letter.
	Answers map[int]string

	// Score is the count of correct answers.
	Score int

	TotalQuestions int

	// TimeTaken is the optional completion duration.
	TimeTaken time.Duration

	SubmittedAt time.Time
}

// TaskState is the lifecycle state of an ingest task.
type TaskState string

const (
	TaskPending         TaskState = "pending"
	TaskRunning         TaskState = "running"
	TaskSucceeded       TaskState = "succeeded"
	TaskFailed          TaskState = "failed"
	TaskRetrying        TaskState = "retrying"
	TaskCancelRequested TaskState = "cancel_requested"
)

// DocumentBlob is a single uploaded source document carried in an ingest
// task payload.
type DocumentBlob struct {
	// Name is the client-supplied file name, used for type sniffing hints
	// and source attribution.
	Name string

	// Data is the raw document bytes.
	Data []byte
}

// IngestRequest is the payload of an ingest task: the documents to process
// and the target course metadata.
type IngestRequest struct {
	// CourseID is the ID the ingested course will be created under. It is
	// minted once, when the task is enqueued, so a redelivered task converges
	// on the same course row instead of creating a duplicate.
	CourseID string

	Documents []DocumentBlob

	CourseTitle string
	Language    string
	Country     string
	OwnerID     string
}

// TaskProgress is a progress report attached to a task heartbeat.
type TaskProgress struct {
	// Percent is the overall completion in [0, 100].
	Percent int

	// Message is a short human-readable description of the current stage.
	Message string
}
