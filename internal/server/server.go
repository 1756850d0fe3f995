// Package server is the thin HTTP and WebSocket surface over Lumora's
// services. Handlers parse the wire payload, call exactly one service
// operation, and translate the result back to JSON; no business logic lives
// here. Errors are rendered as {error_kind, message} with the HTTP status
// derived from the fault kind.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/lumora-ai/lumora/internal/broker"
	"github.com/lumora-ai/lumora/internal/chat"
	"github.com/lumora-ai/lumora/internal/fault"
	"github.com/lumora-ai/lumora/internal/health"
	"github.com/lumora-ai/lumora/internal/observe"
	"github.com/lumora-ai/lumora/internal/quiz"
	"github.com/lumora-ai/lumora/internal/session"
	"github.com/lumora-ai/lumora/internal/teach"
	"github.com/lumora-ai/lumora/pkg/store"
	"github.com/lumora-ai/lumora/pkg/types"
)

// IngestQueue is the broker queue ingest uploads are enqueued on; the
// worker consumes the same queue.
const IngestQueue = "ingest"

// TaskTypeIngest is the broker task type for course ingestion; the worker
// registers its handler under the same name.
const TaskTypeIngest = "ingest_course"

// TaskQueue is the slice of the broker the HTTP surface uses.
type TaskQueue interface {
	Enqueue(ctx context.Context, queue, taskType string, payload []byte, priority int) (uuid.UUID, error)
	Get(ctx context.Context, taskID uuid.UUID) (*broker.Task, error)
	Cancel(ctx context.Context, taskID uuid.UUID) error
}

// CourseInvalidator drops per-course caches after a course is removed. The
// retrieval layer's lexical index cache satisfies this.
type CourseInvalidator interface {
	Invalidate(courseID string)
}

// Config tunes the HTTP surface.
type Config struct {
	// MaxUploadBytes caps the total size of one ingest upload. Zero uses the
	// 50 MiB default.
	MaxUploadBytes int64
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{MaxUploadBytes: 50 << 20}
}

// Server routes HTTP requests to the Lumora services. Construct with [New]
// and mount the result of [Server.Handler].
type Server struct {
	chat     *chat.Service
	sessions *session.Manager
	quizzes  *quiz.Service
	courses  store.CourseStore
	tasks    TaskQueue
	voice    *teach.Orchestrator
	health   *health.Handler
	cfg      Config
	metrics  *observe.Metrics
	log      *slog.Logger

	invalidator CourseInvalidator
}

// SetCourseInvalidator registers inv to be notified when a course is deleted,
// so cached per-course state does not outlive the course. Call during wiring,
// before the server takes traffic; nil leaves deletion without notification.
func (s *Server) SetCourseInvalidator(inv CourseInvalidator) {
	s.invalidator = inv
}

// New wires a Server. tasks, voice, and healthHandler may be nil; the
// corresponding routes then answer 404 (upload, voice) or are not registered
// (health probes).
func New(chatSvc *chat.Service, sessions *session.Manager, quizzes *quiz.Service, courses store.CourseStore, tasks TaskQueue, voice *teach.Orchestrator, healthHandler *health.Handler, cfg Config, metrics *observe.Metrics) *Server {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = DefaultConfig().MaxUploadBytes
	}
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Server{
		chat:     chatSvc,
		sessions: sessions,
		quizzes:  quizzes,
		courses:  courses,
		tasks:    tasks,
		voice:    voice,
		health:   healthHandler,
		cfg:      cfg,
		metrics:  metrics,
		log:      slog.Default().With("component", "server"),
	}
}

// Handler returns the full route table wrapped in the observability
// middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	if s.tasks != nil {
		mux.HandleFunc("POST /ingest/upload", s.handleUpload)
		mux.HandleFunc("GET /tasks/{task_id}", s.handleTaskGet)
		mux.HandleFunc("POST /tasks/{task_id}/cancel", s.handleTaskCancel)
	}

	mux.HandleFunc("POST /session/check", s.handleSessionCheck)
	mux.HandleFunc("POST /session/create", s.handleSessionCreate)
	mux.HandleFunc("POST /session/end", s.handleSessionEnd)
	mux.HandleFunc("GET /session/history", s.handleSessionHistory)

	mux.HandleFunc("POST /chat", s.handleChat(false))
	mux.HandleFunc("POST /chat+audio", s.handleChat(true))

	mux.HandleFunc("GET /courses", s.handleCourseList)
	mux.HandleFunc("GET /courses/{ref}", s.handleCourseGet)
	mux.HandleFunc("DELETE /courses/{ref}", s.handleCourseDelete)
	if _, ok := s.courses.(store.CourseUpdater); ok {
		mux.HandleFunc("PATCH /courses/{ref}", s.handleCourseUpdate)
	}

	mux.HandleFunc("POST /quiz/generate/{scope}", s.handleQuizGenerate)
	mux.HandleFunc("POST /quiz/submit", s.handleQuizSubmit)

	if s.voice != nil {
		mux.HandleFunc("GET /voice", s.handleVoice)
	}
	if s.health != nil {
		s.health.Register(mux)
	}

	return observe.Middleware(s.metrics)(mux)
}

// --- ingest ---

type uploadResponse struct {
	TaskID string `json:"task_id"`
	JobID  string `json:"job_id"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(s.cfg.MaxUploadBytes); err != nil {
		writeError(w, fault.E(fault.InvalidInput, "malformed multipart upload", err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	files := r.MultipartForm.File["documents"]
	if len(files) == 0 {
		files = r.MultipartForm.File["files"]
	}
	if len(files) == 0 {
		writeError(w, fault.Errorf(fault.InvalidInput, "upload contains no documents"))
		return
	}

	req := types.IngestRequest{
		CourseID:    uuid.NewString(),
		CourseTitle: r.FormValue("course_title"),
		Language:    r.FormValue("language"),
		Country:     r.FormValue("country"),
		OwnerID:     r.FormValue("user_id"),
	}
	for _, fh := range files {
		blob, err := readUpload(fh)
		if err != nil {
			writeError(w, err)
			return
		}
		req.Documents = append(req.Documents, blob)
	}

	payload, err := json.Marshal(req)
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := s.tasks.Enqueue(r.Context(), IngestQueue, TaskTypeIngest, payload, 0)
	if err != nil {
		writeError(w, err)
		return
	}
	s.log.Info("ingest upload accepted",
		"task_id", id, "documents", len(req.Documents), "owner_id", req.OwnerID)
	writeJSON(w, http.StatusAccepted, uploadResponse{TaskID: id.String(), JobID: id.String()})
}

func readUpload(fh *multipart.FileHeader) (types.DocumentBlob, error) {
	f, err := fh.Open()
	if err != nil {
		return types.DocumentBlob{}, fault.E(fault.InvalidInput, "unreadable upload part", err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return types.DocumentBlob{}, fault.E(fault.InvalidInput, "unreadable upload part", err)
	}
	return types.DocumentBlob{Name: fh.Filename, Data: data}, nil
}

// --- tasks ---

type taskResponse struct {
	TaskID          string `json:"task_id"`
	State           string `json:"state"`
	ProgressPercent int    `json:"progress_percent"`
	ProgressMessage string `json:"progress_message,omitempty"`
	Error           string `json:"error,omitempty"`
}

func (s *Server) handleTaskGet(w http.ResponseWriter, r *http.Request) {
	id, err := parseTaskID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	task, err := s.tasks.Get(r.Context(), id)
	if err != nil {
		writeError(w, taskError(err))
		return
	}
	resp := taskResponse{
		TaskID:          task.ID.String(),
		State:           taskState(task),
		ProgressPercent: task.ProgressPercent,
		ProgressMessage: task.ProgressMessage,
	}
	if resp.State == string(types.TaskFailed) {
		resp.Error = task.LastError
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTaskCancel(w http.ResponseWriter, r *http.Request) {
	id, err := parseTaskID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.tasks.Cancel(r.Context(), id); err != nil {
		writeError(w, taskError(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"task_id": id.String(),
		"state":   string(types.TaskCancelRequested),
	})
}

func parseTaskID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(r.PathValue("task_id"))
	if err != nil {
		return uuid.Nil, fault.E(fault.InvalidInput, "malformed task id", err)
	}
	return id, nil
}

func taskError(err error) error {
	if errors.Is(err, broker.ErrNotFound) {
		return fault.E(fault.NotFound, "task not found", err)
	}
	return err
}

// taskState maps broker states onto the task lifecycle the polling contract
// exposes. Dead-lettered tasks read as failed; a running task with a pending
// cancel reads as cancel_requested.
func taskState(t *broker.Task) string {
	switch t.State {
	case broker.StateRunning:
		if t.CancelRequested {
			return string(types.TaskCancelRequested)
		}
		return string(types.TaskRunning)
	case broker.StateDead:
		return string(types.TaskFailed)
	case broker.StatePending:
		if t.Attempts > 0 {
			return string(types.TaskRetrying)
		}
		return string(types.TaskPending)
	default:
		return t.State
	}
}

// --- sessions ---

type sessionCheckRequest struct {
	UserID string `json:"user_id"`
}

type sessionCheckResponse struct {
	HasSession   bool   `json:"has_session"`
	SessionID    string `json:"session_id,omitempty"`
	MessageCount int    `json:"message_count,omitempty"`
	CourseID     string `json:"course_id,omitempty"`
}

func (s *Server) handleSessionCheck(w http.ResponseWriter, r *http.Request) {
	var req sessionCheckRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	sess, err := s.sessions.Active(r.Context(), req.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusOK, sessionCheckResponse{HasSession: false})
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionCheckResponse{
		HasSession:   true,
		SessionID:    sess.ID,
		MessageCount: sess.MessageCount,
		CourseID:     sess.CurrentCourseID,
	})
}

type sessionCreateRequest struct {
	UserID     string            `json:"user_id"`
	ClientInfo map[string]string `json:"client_info"`
}

type sessionCreateResponse struct {
	SessionID string    `json:"session_id"`
	StartedAt time.Time `json:"started_at"`
}

func (s *Server) handleSessionCreate(w http.ResponseWriter, r *http.Request) {
	var req sessionCreateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	sess, err := s.sessions.GetOrCreate(r.Context(), req.UserID, req.ClientInfo)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionCreateResponse{
		SessionID: sess.ID,
		StartedAt: sess.StartedAt,
	})
}

type sessionEndRequest struct {
	SessionID string `json:"session_id"`
}

func (s *Server) handleSessionEnd(w http.ResponseWriter, r *http.Request) {
	var req sessionEndRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.SessionID == "" {
		writeError(w, fault.Errorf(fault.InvalidInput, "session_id is required"))
		return
	}
	if err := s.sessions.End(r.Context(), req.SessionID); err != nil {
		writeError(w, sessionError(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"session_id": req.SessionID})
}

type messageJSON struct {
	ID        int64             `json:"id"`
	Role      string            `json:"role"`
	Content   string            `json:"content"`
	Type      string            `json:"type"`
	CourseID  string            `json:"course_id,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

func (s *Server) handleSessionHistory(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		writeError(w, fault.Errorf(fault.InvalidInput, "session_id is required"))
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	msgs, err := s.sessions.History(r.Context(), sessionID, limit)
	if err != nil {
		writeError(w, sessionError(err))
		return
	}
	out := make([]messageJSON, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageJSON{
			ID:        m.ID,
			Role:      string(m.Role),
			Content:   m.Content,
			Type:      string(m.Type),
			CourseID:  m.CourseID,
			Metadata:  m.Metadata,
			CreatedAt: m.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": out})
}

func sessionError(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fault.E(fault.NotFound, "session not found", err)
	}
	return err
}

// --- chat ---

type chatRequest struct {
	UserID     string            `json:"user_id"`
	Message    string            `json:"message"`
	Language   string            `json:"language"`
	CourseID   string            `json:"course_id"`
	ClientInfo map[string]string `json:"client_info"`
}

type chatResponse struct {
	Answer      string        `json:"answer"`
	AudioBase64 []byte        `json:"audio_base64,omitempty"`
	SessionID   string        `json:"session_id"`
	RouteLabel  string        `json:"route_label"`
	Confidence  float64       `json:"confidence"`
	Sources     []chat.Source `json:"sources"`
	Degraded    bool          `json:"degraded,omitempty"`
}

func (s *Server) handleChat(withAudio bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		resp, err := s.chat.Turn(r.Context(), chat.Request{
			UserID:     req.UserID,
			Message:    req.Message,
			Language:   req.Language,
			CourseID:   req.CourseID,
			ClientInfo: req.ClientInfo,
			WithAudio:  withAudio,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, chatResponse{
			Answer:      resp.Answer,
			AudioBase64: resp.Audio,
			SessionID:   resp.SessionID,
			RouteLabel:  resp.Route,
			Confidence:  resp.Confidence,
			Sources:     resp.Sources,
			Degraded:    resp.Degraded,
		})
	}
}

// --- courses ---

type courseSummary struct {
	CourseID     string    `json:"course_id"`
	CourseNumber int64     `json:"course_number"`
	Title        string    `json:"title"`
	Description  string    `json:"description,omitempty"`
	Language     string    `json:"language,omitempty"`
	Country      string    `json:"country,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

type topicJSON struct {
	ID               int64  `json:"id"`
	Title            string `json:"title"`
	Content          string `json:"content"`
	OrderIndex       int    `json:"order_index"`
	EstimatedMinutes int    `json:"estimated_minutes,omitempty"`
}

type moduleJSON struct {
	Week        int         `json:"week"`
	Title       string      `json:"title"`
	Description string      `json:"description,omitempty"`
	Objectives  []string    `json:"objectives,omitempty"`
	Topics      []topicJSON `json:"topics"`
}

type courseJSON struct {
	courseSummary
	Modules []moduleJSON `json:"modules"`
}

func (s *Server) handleCourseList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	courses, err := s.courses.ListCourses(r.Context(), store.CourseFilter{
		Language: q.Get("language"),
		Country:  q.Get("country"),
		OwnerID:  q.Get("owner_id"),
		Limit:    limit,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]courseSummary, 0, len(courses))
	for i := range courses {
		out = append(out, summarize(&courses[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCourseGet(w http.ResponseWriter, r *http.Request) {
	course, err := s.resolveCourse(r.Context(), r.PathValue("ref"))
	if err != nil {
		writeError(w, err)
		return
	}
	resp := courseJSON{courseSummary: summarize(course)}
	resp.Modules = make([]moduleJSON, 0, len(course.Modules))
	for _, m := range course.Modules {
		mj := moduleJSON{
			Week:        m.Week,
			Title:       m.Title,
			Description: m.Description,
			Objectives:  m.Objectives,
			Topics:      make([]topicJSON, 0, len(m.Topics)),
		}
		for _, t := range m.Topics {
			mj.Topics = append(mj.Topics, topicJSON{
				ID:               t.ID,
				Title:            t.Title,
				Content:          t.Content,
				OrderIndex:       t.OrderIndex,
				EstimatedMinutes: t.EstimatedMinutes,
			})
		}
		resp.Modules = append(resp.Modules, mj)
	}
	writeJSON(w, http.StatusOK, resp)
}

type courseUpdateRequest struct {
	UserID      string  `json:"user_id"`
	Title       *string `json:"title"`
	Description *string `json:"description"`
	Language    *string `json:"language"`
	Country     *string `json:"country"`
}

// handleCourseUpdate changes course metadata. The route is registered only
// when the course store supports updates, and the store enforces ownership.
func (s *Server) handleCourseUpdate(w http.ResponseWriter, r *http.Request) {
	updater, ok := s.courses.(store.CourseUpdater)
	if !ok {
		writeError(w, fault.Errorf(fault.InvalidInput, "course updates are not supported"))
		return
	}
	var req courseUpdateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.UserID == "" {
		writeError(w, fault.Errorf(fault.InvalidInput, "user_id is required"))
		return
	}
	if req.Title == nil && req.Description == nil && req.Language == nil && req.Country == nil {
		writeError(w, fault.Errorf(fault.InvalidInput, "no fields to update"))
		return
	}
	course, err := s.resolveCourse(r.Context(), r.PathValue("ref"))
	if err != nil {
		writeError(w, err)
		return
	}
	updated, err := updater.UpdateCourse(r.Context(), course.ID, req.UserID, store.CourseUpdate{
		Title:       req.Title,
		Description: req.Description,
		Language:    req.Language,
		Country:     req.Country,
	})
	if err != nil {
		switch {
		case errors.Is(err, store.ErrConflict):
			err = fault.E(fault.Conflict, "not the course owner", err)
		case errors.Is(err, store.ErrNotFound):
			err = fault.E(fault.NotFound, "course not found", err)
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summarize(updated))
}

func (s *Server) handleCourseDelete(w http.ResponseWriter, r *http.Request) {
	course, err := s.resolveCourse(r.Context(), r.PathValue("ref"))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.courses.DeleteCourse(r.Context(), course.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			err = fault.E(fault.NotFound, "course not found", err)
		}
		writeError(w, err)
		return
	}
	if s.invalidator != nil {
		s.invalidator.Invalidate(course.ID)
	}
	writeJSON(w, http.StatusOK, map[string]string{"course_id": course.ID})
}

func summarize(c *types.Course) courseSummary {
	return courseSummary{
		CourseID:     c.ID,
		CourseNumber: c.Number,
		Title:        c.Title,
		Description:  c.Description,
		Language:     c.Language,
		Country:      c.Country,
		CreatedAt:    c.CreatedAt,
	}
}

// resolveCourse accepts either the opaque course id or the human-facing
// course number.
func (s *Server) resolveCourse(ctx context.Context, ref string) (*types.Course, error) {
	if ref == "" {
		return nil, fault.Errorf(fault.InvalidInput, "course reference is required")
	}
	course, err := s.courses.GetCourse(ctx, ref)
	if err == nil {
		return course, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	number, convErr := strconv.ParseInt(ref, 10, 64)
	if convErr != nil {
		return nil, fault.E(fault.NotFound, "course not found", err)
	}
	all, err := s.courses.ListCourses(ctx, store.CourseFilter{})
	if err != nil {
		return nil, err
	}
	for i := range all {
		if all[i].Number == number {
			return s.courses.GetCourse(ctx, all[i].ID)
		}
	}
	return nil, fault.Errorf(fault.NotFound, "course %s not found", ref)
}

// --- quizzes ---

type quizGenerateRequest struct {
	CourseRef     string `json:"course_ref"`
	ModuleWeek    int    `json:"module_week"`
	QuestionCount int    `json:"question_count"`
	PassingScore  int    `json:"passing_score"`
}

// quizQuestionJSON deliberately omits the answer key and explanation; those
// come back through /quiz/submit.
type quizQuestionJSON struct {
	Number     int      `json:"number"`
	Text       string   `json:"text"`
	Options    []string `json:"options"`
	Difficulty string   `json:"difficulty,omitempty"`
}

type quizJSON struct {
	QuizID       string             `json:"quiz_id"`
	CourseID     string             `json:"course_id"`
	ModuleWeek   int                `json:"module_week,omitempty"`
	Title        string             `json:"title"`
	Type         string             `json:"type"`
	PassingScore int                `json:"passing_score"`
	Questions    []quizQuestionJSON `json:"questions"`
}

func (s *Server) handleQuizGenerate(w http.ResponseWriter, r *http.Request) {
	scope := r.PathValue("scope")
	if scope != "module" && scope != "course" {
		writeError(w, fault.Errorf(fault.NotFound, "unknown quiz scope %q", scope))
		return
	}
	var req quizGenerateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	course, err := s.resolveCourse(r.Context(), req.CourseRef)
	if err != nil {
		writeError(w, err)
		return
	}

	params := quiz.GenerateParams{
		CourseID:      course.ID,
		QuestionCount: req.QuestionCount,
		PassingScore:  req.PassingScore,
	}
	if scope == "module" {
		if req.ModuleWeek <= 0 {
			writeError(w, fault.Errorf(fault.InvalidInput, "module quiz needs module_week"))
			return
		}
		params.ModuleWeek = req.ModuleWeek
	}

	generated, err := s.quizzes.Generate(r.Context(), params)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := quizJSON{
		QuizID:       generated.ID,
		CourseID:     generated.CourseID,
		ModuleWeek:   generated.ModuleWeek,
		Title:        generated.Title,
		Type:         string(generated.Type),
		PassingScore: generated.PassingScore,
		Questions:    make([]quizQuestionJSON, 0, len(generated.Questions)),
	}
	for _, q := range generated.Questions {
		resp.Questions = append(resp.Questions, quizQuestionJSON{
			Number:     q.Number,
			Text:       q.Text,
			Options:    q.Options,
			Difficulty: q.Difficulty,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

type quizSubmitRequest struct {
	QuizID string `json:"quiz_id"`
	UserID string `json:"user_id"`

	// Answers maps question number (as a JSON object key) to option letter.
	Answers map[string]string `json:"answers"`

	TimeTakenSeconds int `json:"time_taken_seconds"`
}

type quizSubmitResponse struct {
	QuizID  string                `json:"quiz_id"`
	Score   int                   `json:"score"`
	Total   int                   `json:"total"`
	Passed  bool                  `json:"passed"`
	Correct []quiz.QuestionResult `json:"correct"`
}

func (s *Server) handleQuizSubmit(w http.ResponseWriter, r *http.Request) {
	var req quizSubmitRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	answers := make(map[int]string, len(req.Answers))
	for key, letter := range req.Answers {
		number, err := strconv.Atoi(key)
		if err != nil {
			writeError(w, fault.Errorf(fault.InvalidInput, "answer key %q is not a question number", key))
			return
		}
		answers[number] = letter
	}

	graded, err := s.quizzes.Grade(r.Context(), req.QuizID, req.UserID, answers,
		time.Duration(req.TimeTakenSeconds)*time.Second)
	if err != nil {
		writeError(w, err)
		return
	}
	results, passed, err := s.quizzes.Results(r.Context(), graded)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, quizSubmitResponse{
		QuizID:  graded.QuizID,
		Score:   graded.Score,
		Total:   graded.TotalQuestions,
		Passed:  passed,
		Correct: results,
	})
}

// --- wire helpers ---

type errorResponse struct {
	ErrorKind string `json:"error_kind"`
	Message   string `json:"message"`
}

// decodeJSON reads the request body into v, answering the error itself.
// Returns false when the handler should stop.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, fault.E(fault.InvalidInput, "malformed JSON body", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Warn("response encode failed", "error", err)
	}
}

// writeError renders err as {error_kind, message} with the status derived
// from its fault kind.
func writeError(w http.ResponseWriter, err error) {
	kind := fault.KindOf(err)
	status := statusFor(kind)
	if status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", "30")
	}
	writeJSON(w, status, errorResponse{
		ErrorKind: string(kind),
		Message:   errorMessage(err, kind),
	})
}

func statusFor(kind fault.Kind) int {
	switch kind {
	case fault.InvalidInput:
		return http.StatusBadRequest
	case fault.NotFound:
		return http.StatusNotFound
	case fault.Conflict:
		return http.StatusConflict
	case fault.ResourceExhausted:
		return http.StatusTooManyRequests
	case fault.ProviderPermanent, fault.GarbageOutput:
		return http.StatusBadGateway
	default:
		return http.StatusServiceUnavailable
	}
}

// errorMessage keeps classified messages and hides the internals of
// unclassified ones, which default to transient.
func errorMessage(err error, kind fault.Kind) string {
	var fe *fault.Error
	if errors.As(err, &fe) {
		return fe.Msg
	}
	if kind == fault.Transient {
		return "temporarily unavailable, retry shortly"
	}
	return err.Error()
}
