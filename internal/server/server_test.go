package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/lumora-ai/lumora/internal/broker"
	"github.com/lumora-ai/lumora/internal/chat"
	"github.com/lumora-ai/lumora/internal/health"
	"github.com/lumora-ai/lumora/internal/intent"
	"github.com/lumora-ai/lumora/internal/quiz"
	"github.com/lumora-ai/lumora/internal/retrieval"
	"github.com/lumora-ai/lumora/internal/session"
	"github.com/lumora-ai/lumora/internal/teach"
	"github.com/lumora-ai/lumora/pkg/cache/memory"
	embmock "github.com/lumora-ai/lumora/pkg/provider/embeddings/mock"
	llmmock "github.com/lumora-ai/lumora/pkg/provider/llm/mock"
	sttmock "github.com/lumora-ai/lumora/pkg/provider/stt/mock"
	ttsmock "github.com/lumora-ai/lumora/pkg/provider/tts/mock"
	"github.com/lumora-ai/lumora/pkg/store"
	"github.com/lumora-ai/lumora/pkg/types"
)

// fakeStore is an in-memory implementation of the session, message, course,
// quiz, and chunk-index interfaces, enough to stand up the whole HTTP
// surface without Postgres.
type fakeStore struct {
	mu         sync.Mutex
	sessions   map[string]*types.Session
	messages   []types.StoredMessage
	nextMsgID  int64
	courses    map[string]*types.Course
	nextNumber int64
	quizzes    map[string]*types.Quiz
	responses  map[string]*types.QuizResponse
	chunks     []types.Chunk
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sessions:  make(map[string]*types.Session),
		courses:   make(map[string]*types.Course),
		quizzes:   make(map[string]*types.Quiz),
		responses: make(map[string]*types.QuizResponse),
	}
}

// --- store.SessionStore ---

func (f *fakeStore) CreateSession(_ context.Context, sess *types.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sessions {
		if s.UserID == sess.UserID && s.Active {
			s.Active = false
			s.EndedAt = time.Now()
		}
	}
	cp := *sess
	f.sessions[sess.ID] = &cp
	return nil
}

func (f *fakeStore) GetSession(_ context.Context, sessionID string) (*types.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sessionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (f *fakeStore) ActiveSession(_ context.Context, userID string) (*types.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sessions {
		if s.UserID == userID && s.Active {
			cp := *s
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) TouchSession(_ context.Context, sessionID string, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sessionID]
	if !ok {
		return store.ErrNotFound
	}
	s.LastActivityAt = now
	return nil
}

func (f *fakeStore) SetCurrentCourse(_ context.Context, sessionID, courseID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sessionID]
	if !ok {
		return store.ErrNotFound
	}
	s.CurrentCourseID = courseID
	return nil
}

func (f *fakeStore) EndSession(_ context.Context, sessionID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sessionID]
	if !ok {
		return store.ErrNotFound
	}
	if !s.Active {
		return store.ErrConflict
	}
	s.Active = false
	s.EndedAt = at
	return nil
}

// --- store.MessageStore ---

func (f *fakeStore) AppendMessage(_ context.Context, msg *types.StoredMessage) (*types.StoredMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextMsgID++
	cp := *msg
	cp.ID = f.nextMsgID
	cp.CreatedAt = time.Now()
	f.messages = append(f.messages, cp)
	if s, ok := f.sessions[msg.SessionID]; ok {
		s.MessageCount++
	}
	out := cp
	return &out, nil
}

func (f *fakeStore) RecentMessages(_ context.Context, sessionID string, limit int) ([]types.StoredMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.StoredMessage
	for _, m := range f.messages {
		if m.SessionID == sessionID {
			out = append(out, m)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (f *fakeStore) ListMessages(_ context.Context, sessionID string, beforeID int64, limit int) ([]types.StoredMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.StoredMessage
	for i := len(f.messages) - 1; i >= 0 && len(out) < limit; i-- {
		m := f.messages[i]
		if m.SessionID != sessionID {
			continue
		}
		if beforeID > 0 && m.ID >= beforeID {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// --- store.CourseStore ---

func (f *fakeStore) CreateCourse(_ context.Context, course *types.Course) (*types.Course, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *course
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	f.nextNumber++
	cp.Number = f.nextNumber
	cp.CreatedAt = time.Now()
	f.courses[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (f *fakeStore) GetCourse(_ context.Context, courseID string) (*types.Course, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.courses[courseID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (f *fakeStore) ListCourses(_ context.Context, filter store.CourseFilter) ([]types.Course, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.Course
	for _, c := range f.courses {
		if filter.Language != "" && c.Language != filter.Language {
			continue
		}
		if filter.OwnerID != "" && c.OwnerID != filter.OwnerID {
			continue
		}
		cp := *c
		cp.Modules = nil
		out = append(out, cp)
	}
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].Number < out[i].Number {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (f *fakeStore) DeleteCourse(_ context.Context, courseID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.courses, courseID)
	return nil
}

func (f *fakeStore) UpdateCourse(_ context.Context, courseID, ownerID string, upd store.CourseUpdate) (*types.Course, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.courses[courseID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if c.OwnerID != ownerID {
		return nil, store.ErrConflict
	}
	if upd.Title != nil {
		c.Title = *upd.Title
	}
	if upd.Description != nil {
		c.Description = *upd.Description
	}
	if upd.Language != nil {
		c.Language = *upd.Language
	}
	if upd.Country != nil {
		c.Country = *upd.Country
	}
	cp := *c
	return &cp, nil
}

// --- store.QuizStore ---

func (f *fakeStore) CreateQuiz(_ context.Context, q *types.Quiz) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *q
	f.quizzes[q.ID] = &cp
	return nil
}

func (f *fakeStore) GetQuiz(_ context.Context, quizID string) (*types.Quiz, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, ok := f.quizzes[quizID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *q
	return &cp, nil
}

func (f *fakeStore) ListQuizzes(_ context.Context, courseID string) ([]types.Quiz, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.Quiz
	for _, q := range f.quizzes {
		if q.CourseID == courseID {
			out = append(out, *q)
		}
	}
	return out, nil
}

func (f *fakeStore) SaveResponse(_ context.Context, resp *types.QuizResponse) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *resp
	f.responses[resp.QuizID+"/"+resp.UserID] = &cp
	return nil
}

func (f *fakeStore) GetResponse(_ context.Context, quizID, userID string) (*types.QuizResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.responses[quizID+"/"+userID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

// --- store.ChunkIndex ---

func (f *fakeStore) UpsertChunks(_ context.Context, chunks []types.Chunk) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunks = append(f.chunks, chunks...)
	return nil
}

func (f *fakeStore) Search(_ context.Context, _ []float32, topK int, _ types.ChunkFilter) ([]types.ScoredChunk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.ScoredChunk
	for _, c := range f.chunks {
		if len(out) == topK {
			break
		}
		out = append(out, types.ScoredChunk{Chunk: c, Score: 0.9})
	}
	return out, nil
}

func (f *fakeStore) ChunksForCourse(_ context.Context, _ string) ([]types.Chunk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]types.Chunk, len(f.chunks))
	copy(out, f.chunks)
	return out, nil
}

func (f *fakeStore) DeleteByCourse(_ context.Context, _ string) error { return nil }

// fakeQueue is an in-memory TaskQueue mirroring the broker's state machine.
type fakeQueue struct {
	mu    sync.Mutex
	tasks map[uuid.UUID]*broker.Task

	// EnqueueErr, if set, fails the next Enqueue.
	EnqueueErr error
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{tasks: make(map[uuid.UUID]*broker.Task)}
}

func (f *fakeQueue) Enqueue(_ context.Context, queue, taskType string, payload []byte, priority int) (uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.EnqueueErr != nil {
		err := f.EnqueueErr
		f.EnqueueErr = nil
		return uuid.Nil, err
	}
	id := uuid.New()
	f.tasks[id] = &broker.Task{
		ID:         id,
		Queue:      queue,
		Type:       taskType,
		Payload:    payload,
		Priority:   priority,
		State:      broker.StatePending,
		EnqueuedAt: time.Now(),
	}
	return id, nil
}

func (f *fakeQueue) Get(_ context.Context, taskID uuid.UUID) (*broker.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[taskID]
	if !ok {
		return nil, broker.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (f *fakeQueue) Cancel(_ context.Context, taskID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[taskID]
	if !ok {
		return broker.ErrNotFound
	}
	switch t.State {
	case broker.StatePending:
		t.State = broker.StateCancelled
	case broker.StateRunning:
		t.CancelRequested = true
	default:
		return broker.ErrNotFound
	}
	return nil
}

// fixture stands up the full HTTP surface on in-memory fakes.
type fixture struct {
	t      *testing.T
	ts     *httptest.Server
	store  *fakeStore
	queue  *fakeQueue
	llm    *llmmock.Provider
	tts    *ttsmock.Provider
	stt    *sttmock.Provider
	srv    *Server
	client *http.Client
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	st := newFakeStore()
	queue := newFakeQueue()
	llmP := llmmock.New()
	ttsP := &ttsmock.Provider{}
	sttP := &sttmock.Provider{}
	emb := &embmock.Provider{Dims: 32}

	intents, err := intent.New(ctx, emb)
	if err != nil {
		t.Fatalf("intent.New: %v", err)
	}
	sessions := session.New(nil, st, st, nil)
	retr := retrieval.New(emb, st, nil, retrieval.Config{}, nil)
	chatSvc := chat.New(sessions, intents, retr, llmP, ttsP, chat.Config{}, nil)
	quizSvc := quiz.New(llmP, st, st)
	ck := teach.NewCheckpointer(memory.NewCheckpointStore(), nil)
	orch := teach.New(llmP, sttP, ttsP, retr, st, ck, teach.DefaultConfig(), nil)

	srv := New(chatSvc, sessions, quizSvc, st, queue, orch, health.New(), Config{}, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &fixture{
		t:      t,
		ts:     ts,
		store:  st,
		queue:  queue,
		llm:    llmP,
		tts:    ttsP,
		stt:    sttP,
		srv:    srv,
		client: ts.Client(),
	}
}

// postJSON posts body and decodes the response into out (when non-nil).
func (f *fixture) postJSON(path string, body any, out any) *http.Response {
	f.t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		f.t.Fatalf("marshal request: %v", err)
	}
	resp, err := f.client.Post(f.ts.URL+path, "application/json", bytes.NewReader(raw))
	if err != nil {
		f.t.Fatalf("POST %s: %v", path, err)
	}
	f.decode(resp, out)
	return resp
}

// doJSON sends a request with the given method and decodes the response
// into out (when non-nil). Used for PATCH and DELETE.
func (f *fixture) doJSON(method, path string, body any, out any) *http.Response {
	f.t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			f.t.Fatalf("marshal request: %v", err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, f.ts.URL+path, rd)
	if err != nil {
		f.t.Fatalf("build %s %s: %v", method, path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := f.client.Do(req)
	if err != nil {
		f.t.Fatalf("%s %s: %v", method, path, err)
	}
	f.decode(resp, out)
	return resp
}

func (f *fixture) getJSON(path string, out any) *http.Response {
	f.t.Helper()
	resp, err := f.client.Get(f.ts.URL + path)
	if err != nil {
		f.t.Fatalf("GET %s: %v", path, err)
	}
	f.decode(resp, out)
	return resp
}

func (f *fixture) decode(resp *http.Response, out any) {
	f.t.Helper()
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		f.t.Fatalf("read body: %v", err)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			f.t.Fatalf("decode body %q: %v", raw, err)
		}
	}
}

func (f *fixture) seedCourse() *types.Course {
	f.t.Helper()
	course, err := f.store.CreateCourse(context.Background(), &types.Course{
		Title:    "Economics 101",
		Language: "en",
		OwnerID:  "u1",
		Modules: []types.Module{{
			Week:        1,
			Title:       "Markets",
			Description: "How markets form prices.",
			Topics: []types.Topic{{
				ID:         1,
				Title:      "Supply and demand",
				Content:    "Supply and demand determine prices in a market.",
				OrderIndex: 1,
			}},
		}},
	})
	if err != nil {
		f.t.Fatalf("seed course: %v", err)
	}
	return course
}

func TestSessionLifecycle(t *testing.T) {
	f := newFixture(t)

	var created sessionCreateResponse
	resp := f.postJSON("/session/create", map[string]any{"user_id": "u1"}, &created)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	if created.SessionID == "" || created.StartedAt.IsZero() {
		t.Fatalf("create response = %+v", created)
	}

	var check sessionCheckResponse
	f.postJSON("/session/check", map[string]any{"user_id": "u1"}, &check)
	if !check.HasSession || check.SessionID != created.SessionID {
		t.Fatalf("check = %+v, want session %s", check, created.SessionID)
	}

	var history struct {
		Messages []messageJSON `json:"messages"`
	}
	resp = f.getJSON("/session/history?session_id="+created.SessionID, &history)
	if resp.StatusCode != http.StatusOK || len(history.Messages) != 0 {
		t.Fatalf("history status=%d messages=%d", resp.StatusCode, len(history.Messages))
	}

	var ended map[string]string
	resp = f.postJSON("/session/end", map[string]any{"session_id": created.SessionID}, &ended)
	if resp.StatusCode != http.StatusOK || ended["session_id"] != created.SessionID {
		t.Fatalf("end status=%d body=%v", resp.StatusCode, ended)
	}

	var fail errorResponse
	resp = f.postJSON("/session/end", map[string]any{"session_id": created.SessionID}, &fail)
	if resp.StatusCode != http.StatusConflict || fail.ErrorKind != "conflict" {
		t.Fatalf("double end status=%d kind=%q", resp.StatusCode, fail.ErrorKind)
	}

	f.postJSON("/session/check", map[string]any{"user_id": "u1"}, &check)
	if check.HasSession {
		t.Fatalf("check after end still has session: %+v", check)
	}
}

func TestSessionEndUnknownIsNotFound(t *testing.T) {
	f := newFixture(t)
	var fail errorResponse
	resp := f.postJSON("/session/end", map[string]any{"session_id": uuid.NewString()}, &fail)
	if resp.StatusCode != http.StatusNotFound || fail.ErrorKind != "not_found" {
		t.Fatalf("status=%d kind=%q", resp.StatusCode, fail.ErrorKind)
	}
}

func TestChatTurn(t *testing.T) {
	f := newFixture(t)
	f.llm.Default = "Prices fall when supply outpaces demand."

	var got chatResponse
	resp := f.postJSON("/chat", map[string]any{
		"user_id": "u1",
		"message": "Why do prices fall when supply increases?",
	}, &got)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("chat status = %d", resp.StatusCode)
	}
	if got.Answer == "" || got.SessionID == "" || got.RouteLabel == "" {
		t.Fatalf("chat response = %+v", got)
	}
	if len(got.AudioBase64) != 0 {
		t.Fatalf("text chat returned audio")
	}

	var history struct {
		Messages []messageJSON `json:"messages"`
	}
	f.getJSON("/session/history?session_id="+got.SessionID, &history)
	if len(history.Messages) != 2 {
		t.Fatalf("history after one turn = %d messages, want 2", len(history.Messages))
	}
	if history.Messages[0].Role != "user" || history.Messages[1].Role != "assistant" {
		t.Fatalf("history roles = %s, %s", history.Messages[0].Role, history.Messages[1].Role)
	}
}

func TestChatWithAudio(t *testing.T) {
	f := newFixture(t)

	var got chatResponse
	resp := f.postJSON("/chat+audio", map[string]any{
		"user_id": "u1",
		"message": "Why do prices fall when supply increases?",
	}, &got)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("chat+audio status = %d", resp.StatusCode)
	}
	if len(got.AudioBase64) == 0 {
		t.Fatalf("chat+audio returned no audio")
	}
}

func TestChatEmptyMessage(t *testing.T) {
	f := newFixture(t)
	var fail errorResponse
	resp := f.postJSON("/chat", map[string]any{"user_id": "u1", "message": "  "}, &fail)
	if resp.StatusCode != http.StatusBadRequest || fail.ErrorKind != "invalid_input" {
		t.Fatalf("status=%d kind=%q", resp.StatusCode, fail.ErrorKind)
	}
}

func TestCourseListAndGet(t *testing.T) {
	f := newFixture(t)
	course := f.seedCourse()

	var list []courseSummary
	resp := f.getJSON("/courses", &list)
	if resp.StatusCode != http.StatusOK || len(list) != 1 {
		t.Fatalf("list status=%d len=%d", resp.StatusCode, len(list))
	}
	if list[0].CourseID != course.ID || list[0].CourseNumber != 1 {
		t.Fatalf("list[0] = %+v", list[0])
	}

	var byID courseJSON
	f.getJSON("/courses/"+course.ID, &byID)
	if byID.CourseID != course.ID || len(byID.Modules) != 1 || len(byID.Modules[0].Topics) != 1 {
		t.Fatalf("get by id = %+v", byID)
	}

	// The human-facing course number resolves to the same course.
	var byNumber courseJSON
	f.getJSON("/courses/1", &byNumber)
	if byNumber.CourseID != course.ID {
		t.Fatalf("get by number = %+v", byNumber)
	}

	var fail errorResponse
	resp = f.getJSON("/courses/"+uuid.NewString(), &fail)
	if resp.StatusCode != http.StatusNotFound || fail.ErrorKind != "not_found" {
		t.Fatalf("unknown course status=%d kind=%q", resp.StatusCode, fail.ErrorKind)
	}
}

func TestCourseUpdateOwnerGated(t *testing.T) {
	f := newFixture(t)
	course := f.seedCourse()

	var updated courseSummary
	resp := f.doJSON(http.MethodPatch, "/courses/"+course.ID,
		map[string]any{"user_id": "u1", "title": "Economics 102"}, &updated)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update status = %d", resp.StatusCode)
	}
	if updated.Title != "Economics 102" {
		t.Fatalf("updated title = %q", updated.Title)
	}

	// A non-owner cannot change the course.
	var fail errorResponse
	resp = f.doJSON(http.MethodPatch, "/courses/"+course.ID,
		map[string]any{"user_id": "intruder", "title": "hijacked"}, &fail)
	if resp.StatusCode != http.StatusConflict || fail.ErrorKind != "conflict" {
		t.Fatalf("intruder update status=%d kind=%q", resp.StatusCode, fail.ErrorKind)
	}

	// An update with no fields is rejected.
	resp = f.doJSON(http.MethodPatch, "/courses/"+course.ID,
		map[string]any{"user_id": "u1"}, &fail)
	if resp.StatusCode != http.StatusBadRequest || fail.ErrorKind != "invalid_input" {
		t.Fatalf("empty update status=%d kind=%q", resp.StatusCode, fail.ErrorKind)
	}
}

func TestCourseDelete(t *testing.T) {
	f := newFixture(t)
	course := f.seedCourse()

	var out map[string]string
	resp := f.doJSON(http.MethodDelete, "/courses/"+course.ID, nil, &out)
	if resp.StatusCode != http.StatusOK || out["course_id"] != course.ID {
		t.Fatalf("delete status=%d out=%v", resp.StatusCode, out)
	}

	var fail errorResponse
	resp = f.getJSON("/courses/"+course.ID, &fail)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get after delete status = %d", resp.StatusCode)
	}
}

// invalidatorFunc adapts a function to the CourseInvalidator interface.
type invalidatorFunc func(courseID string)

func (fn invalidatorFunc) Invalidate(courseID string) { fn(courseID) }

// Deleting a course must drop cached retrieval state for it, so a later
// course under the same ID never serves stale lexical results.
func TestCourseDeleteInvalidatesRetrieval(t *testing.T) {
	f := newFixture(t)
	course := f.seedCourse()

	var invalidated []string
	f.srv.SetCourseInvalidator(invalidatorFunc(func(id string) {
		invalidated = append(invalidated, id)
	}))

	resp := f.doJSON(http.MethodDelete, "/courses/"+course.ID, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	if len(invalidated) != 1 || invalidated[0] != course.ID {
		t.Fatalf("invalidated = %v, want [%s]", invalidated, course.ID)
	}
}

const quizFixtureJSON = `{
  "title": "Markets check",
  "questions": [
    {"number": 1, "text": "What lowers prices?", "options": ["Rising supply", "Rising demand"], "correct_answer": "A", "explanation": "More supply, lower prices.", "difficulty": "easy"},
    {"number": 2, "text": "What raises prices?", "options": ["Rising demand", "Rising supply"], "correct_answer": "A", "explanation": "", "difficulty": "easy"}
  ]
}`

func TestQuizGenerateAndSubmit(t *testing.T) {
	f := newFixture(t)
	f.seedCourse()
	f.llm.Queue(quizFixtureJSON)

	req, err := http.NewRequest(http.MethodPost, f.ts.URL+"/quiz/generate/course",
		strings.NewReader(`{"course_ref": "1"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	raw, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("generate status = %d body=%s", resp.StatusCode, raw)
	}
	// Answer keys stay server-side until submission.
	if bytes.Contains(raw, []byte("correct_answer")) {
		t.Fatalf("generate response leaks answer keys: %s", raw)
	}
	var generated quizJSON
	if err := json.Unmarshal(raw, &generated); err != nil {
		t.Fatalf("decode quiz: %v", err)
	}
	if generated.QuizID == "" || len(generated.Questions) != 2 {
		t.Fatalf("generated = %+v", generated)
	}

	var result quizSubmitResponse
	sresp := f.postJSON("/quiz/submit", map[string]any{
		"quiz_id": generated.QuizID,
		"user_id": "u1",
		"answers": map[string]string{"1": "A", "2": "B"},
	}, &result)
	if sresp.StatusCode != http.StatusOK {
		t.Fatalf("submit status = %d", sresp.StatusCode)
	}
	if result.Score != 1 || result.Total != 2 {
		t.Fatalf("score = %d/%d, want 1/2", result.Score, result.Total)
	}
	if len(result.Correct) != 2 {
		t.Fatalf("correct[] = %d entries, want 2", len(result.Correct))
	}
	if !result.Correct[0].Correct || result.Correct[1].Correct {
		t.Fatalf("per-question results = %+v", result.Correct)
	}
	if result.Correct[1].CorrectAnswer != "A" {
		t.Fatalf("correct answer for q2 = %q", result.Correct[1].CorrectAnswer)
	}
}

func TestQuizGenerateModuleNeedsWeek(t *testing.T) {
	f := newFixture(t)
	f.seedCourse()

	var fail errorResponse
	resp := f.postJSON("/quiz/generate/module", map[string]any{"course_ref": "1"}, &fail)
	if resp.StatusCode != http.StatusBadRequest || fail.ErrorKind != "invalid_input" {
		t.Fatalf("status=%d kind=%q", resp.StatusCode, fail.ErrorKind)
	}
}

func TestQuizSubmitRejectsBadAnswerKey(t *testing.T) {
	f := newFixture(t)

	var fail errorResponse
	resp := f.postJSON("/quiz/submit", map[string]any{
		"quiz_id": "q1",
		"user_id": "u1",
		"answers": map[string]string{"one": "A"},
	}, &fail)
	if resp.StatusCode != http.StatusBadRequest || fail.ErrorKind != "invalid_input" {
		t.Fatalf("status=%d kind=%q", resp.StatusCode, fail.ErrorKind)
	}
}

func uploadRequest(t *testing.T, url string, files map[string]string, fields map[string]string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for name, content := range files {
		part, err := mw.CreateFormFile("documents", name)
		if err != nil {
			t.Fatal(err)
		}
		fmt.Fprint(part, content)
	}
	for key, value := range fields {
		mw.WriteField(key, value)
	}
	mw.Close()

	req, err := http.NewRequest(http.MethodPost, url+"/ingest/upload", &buf)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestIngestUploadAndTaskPoll(t *testing.T) {
	f := newFixture(t)

	req := uploadRequest(t, f.ts.URL,
		map[string]string{"lecture.txt": "Supply and demand determine prices."},
		map[string]string{"course_title": "Economics 101", "language": "en", "user_id": "u1"})
	resp, err := f.client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	var accepted uploadResponse
	f.decode(resp, &accepted)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("upload status = %d", resp.StatusCode)
	}
	if accepted.TaskID == "" || accepted.TaskID != accepted.JobID {
		t.Fatalf("upload response = %+v", accepted)
	}

	// The enqueued payload carries the documents and metadata verbatim.
	id := uuid.MustParse(accepted.TaskID)
	task, err := f.queue.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("queued task: %v", err)
	}
	if task.Queue != "ingest" || task.Type != TaskTypeIngest {
		t.Fatalf("task queue/type = %s/%s", task.Queue, task.Type)
	}
	var ingestReq types.IngestRequest
	if err := json.Unmarshal(task.Payload, &ingestReq); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if len(ingestReq.Documents) != 1 || ingestReq.Documents[0].Name != "lecture.txt" {
		t.Fatalf("payload documents = %+v", ingestReq.Documents)
	}
	if ingestReq.CourseTitle != "Economics 101" || ingestReq.OwnerID != "u1" {
		t.Fatalf("payload metadata = %+v", ingestReq)
	}
	// The course ID is minted at enqueue time so a redelivered task converges
	// on one course row.
	if _, err := uuid.Parse(ingestReq.CourseID); err != nil {
		t.Fatalf("payload course id %q: %v", ingestReq.CourseID, err)
	}

	var polled taskResponse
	f.getJSON("/tasks/"+accepted.TaskID, &polled)
	if polled.State != string(types.TaskPending) || polled.ProgressPercent != 0 {
		t.Fatalf("polled = %+v", polled)
	}

	var cancelled map[string]string
	cresp := f.postJSON("/tasks/"+accepted.TaskID+"/cancel", nil, &cancelled)
	if cresp.StatusCode != http.StatusOK || cancelled["state"] != string(types.TaskCancelRequested) {
		t.Fatalf("cancel status=%d body=%v", cresp.StatusCode, cancelled)
	}
	f.getJSON("/tasks/"+accepted.TaskID, &polled)
	if polled.State != broker.StateCancelled {
		t.Fatalf("state after cancel = %q", polled.State)
	}
}

func TestIngestUploadWithoutDocuments(t *testing.T) {
	f := newFixture(t)
	req := uploadRequest(t, f.ts.URL, nil, map[string]string{"course_title": "Empty"})
	resp, err := f.client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	var fail errorResponse
	f.decode(resp, &fail)
	if resp.StatusCode != http.StatusBadRequest || fail.ErrorKind != "invalid_input" {
		t.Fatalf("status=%d kind=%q", resp.StatusCode, fail.ErrorKind)
	}
}

func TestTaskEndpointsRejectBadIDs(t *testing.T) {
	f := newFixture(t)

	var fail errorResponse
	resp := f.getJSON("/tasks/not-a-uuid", &fail)
	if resp.StatusCode != http.StatusBadRequest || fail.ErrorKind != "invalid_input" {
		t.Fatalf("bad id status=%d kind=%q", resp.StatusCode, fail.ErrorKind)
	}

	resp = f.getJSON("/tasks/"+uuid.NewString(), &fail)
	if resp.StatusCode != http.StatusNotFound || fail.ErrorKind != "not_found" {
		t.Fatalf("unknown id status=%d kind=%q", resp.StatusCode, fail.ErrorKind)
	}
}

func TestMalformedJSONBody(t *testing.T) {
	f := newFixture(t)
	resp, err := f.client.Post(f.ts.URL+"/chat", "application/json", strings.NewReader("{not json"))
	if err != nil {
		t.Fatal(err)
	}
	var fail errorResponse
	f.decode(resp, &fail)
	if resp.StatusCode != http.StatusBadRequest || fail.ErrorKind != "invalid_input" {
		t.Fatalf("status=%d kind=%q", resp.StatusCode, fail.ErrorKind)
	}
}

func TestHealthProbes(t *testing.T) {
	f := newFixture(t)

	var live map[string]any
	resp := f.getJSON("/healthz", &live)
	if resp.StatusCode != http.StatusOK || live["status"] != "ok" {
		t.Fatalf("healthz status=%d body=%v", resp.StatusCode, live)
	}
	var ready map[string]any
	resp = f.getJSON("/readyz", &ready)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("readyz status = %d", resp.StatusCode)
	}
}
