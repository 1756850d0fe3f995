package chat

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lumora-ai/lumora/internal/fault"
	"github.com/lumora-ai/lumora/internal/intent"
	"github.com/lumora-ai/lumora/internal/retrieval"
	"github.com/lumora-ai/lumora/internal/session"
	"github.com/lumora-ai/lumora/pkg/cache/memory"
	embedmock "github.com/lumora-ai/lumora/pkg/provider/embeddings/mock"
	llmmock "github.com/lumora-ai/lumora/pkg/provider/llm/mock"
	ttsmock "github.com/lumora-ai/lumora/pkg/provider/tts/mock"
	"github.com/lumora-ai/lumora/pkg/store"
	"github.com/lumora-ai/lumora/pkg/types"
)

// courseExemplar is an utterance the intent router classifies as a course
// query with similarity 1 under the deterministic mock embedder.
const courseExemplar = "what does the course say about supply and demand?"

type memSessions struct {
	mu   sync.Mutex
	byID map[string]*types.Session
}

var _ store.SessionStore = (*memSessions)(nil)

func (f *memSessions) CreateSession(ctx context.Context, sess *types.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.byID {
		if s.UserID == sess.UserID && s.Active {
			s.Active = false
		}
	}
	cp := *sess
	f.byID[sess.ID] = &cp
	return nil
}

func (f *memSessions) GetSession(ctx context.Context, id string) (*types.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.byID[id]; ok {
		cp := *s
		return &cp, nil
	}
	return nil, store.ErrNotFound
}

func (f *memSessions) ActiveSession(ctx context.Context, userID string) (*types.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.byID {
		if s.UserID == userID && s.Active {
			cp := *s
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *memSessions) TouchSession(ctx context.Context, id string, now time.Time) error { return nil }

func (f *memSessions) SetCurrentCourse(ctx context.Context, id, courseID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.byID[id]; ok {
		s.CurrentCourseID = courseID
	}
	return nil
}

func (f *memSessions) EndSession(ctx context.Context, id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.byID[id]
	if !ok {
		return store.ErrNotFound
	}
	if !s.Active {
		return store.ErrConflict
	}
	s.Active = false
	return nil
}

type memMessages struct {
	mu        sync.Mutex
	bySession map[string][]types.StoredMessage
	nextID    int64
}

var _ store.MessageStore = (*memMessages)(nil)

func (f *memMessages) AppendMessage(ctx context.Context, msg *types.StoredMessage) (*types.StoredMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	cp := *msg
	cp.ID = f.nextID
	cp.CreatedAt = time.Now()
	f.bySession[msg.SessionID] = append(f.bySession[msg.SessionID], cp)
	return &cp, nil
}

func (f *memMessages) RecentMessages(ctx context.Context, sessionID string, limit int) ([]types.StoredMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.bySession[sessionID]
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]types.StoredMessage, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (f *memMessages) ListMessages(ctx context.Context, sessionID string, beforeID int64, limit int) ([]types.StoredMessage, error) {
	return nil, nil
}

// chunkIndexStub serves scripted dense hits to the retriever.
type chunkIndexStub struct {
	hits []types.ScoredChunk
}

var _ store.ChunkIndex = (*chunkIndexStub)(nil)

func (s *chunkIndexStub) Search(ctx context.Context, embedding []float32, topK int, filter types.ChunkFilter) ([]types.ScoredChunk, error) {
	return s.hits, nil
}

func (s *chunkIndexStub) ChunksForCourse(ctx context.Context, courseID string) ([]types.Chunk, error) {
	chunks := make([]types.Chunk, len(s.hits))
	for i, h := range s.hits {
		chunks[i] = h.Chunk
	}
	return chunks, nil
}

func (s *chunkIndexStub) UpsertChunks(ctx context.Context, chunks []types.Chunk) error { return nil }
func (s *chunkIndexStub) DeleteByCourse(ctx context.Context, courseID string) error    { return nil }

type fixture struct {
	svc      *Service
	llm      *llmmock.Provider
	tts      *ttsmock.Provider
	messages *memMessages
}

func newFixture(t *testing.T, hits []types.ScoredChunk) *fixture {
	t.Helper()
	embedder := &embedmock.Provider{Dims: 256}
	router, err := intent.New(context.Background(), embedder)
	if err != nil {
		t.Fatal(err)
	}

	messages := &memMessages{bySession: make(map[string][]types.StoredMessage)}
	sessions := session.New(
		memory.New(time.Hour, 50),
		&memSessions{byID: make(map[string]*types.Session)},
		messages,
		nil,
	)
	retr := retrieval.New(embedder, &chunkIndexStub{hits: hits}, nil, retrieval.DefaultConfig(), nil)

	llmP := llmmock.New()
	ttsP := &ttsmock.Provider{}
	svc := New(sessions, router, retr, llmP, ttsP, Config{}, nil)
	return &fixture{svc: svc, llm: llmP, tts: ttsP, messages: messages}
}

func courseHits() []types.ScoredChunk {
	return []types.ScoredChunk{
		{Chunk: types.Chunk{ID: "c1", SourceID: "econ.pdf", Page: 3, Text: "Supply and demand set market prices."}, Score: 0.9},
		{Chunk: types.Chunk{ID: "c2", SourceID: "econ.pdf", Page: 4, Text: "Elasticity measures responsiveness of demand."}, Score: 0.8},
	}
}

func TestTurn_Greeting(t *testing.T) {
	f := newFixture(t, nil)

	resp, err := f.svc.Turn(context.Background(), Request{UserID: "u1", Message: "Hi", Language: "en"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Route != string(intent.LabelGreeting) {
		t.Errorf("route = %s, want greeting", resp.Route)
	}
	if resp.Answer == "" {
		t.Error("empty greeting answer")
	}
	if f.llm.Calls() != 0 {
		t.Errorf("llm calls = %d, want 0 for greeting", f.llm.Calls())
	}
	if resp.SessionID == "" {
		t.Error("no session created")
	}

	stored, _ := f.messages.RecentMessages(context.Background(), resp.SessionID, 10)
	if len(stored) != 2 {
		t.Errorf("persisted messages = %d, want user + assistant", len(stored))
	}
}

func TestTurn_GreetingLocalized(t *testing.T) {
	f := newFixture(t, nil)

	resp, err := f.svc.Turn(context.Background(), Request{UserID: "u1", Message: "hallo", Language: "de-AT"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(resp.Answer, "Lernassistent") {
		t.Errorf("answer %q not localized to German", resp.Answer)
	}
}

func TestTurn_CourseQueryGrounded(t *testing.T) {
	f := newFixture(t, courseHits())
	f.llm.Queue("Prices emerge from supply and demand [1].")

	resp, err := f.svc.Turn(context.Background(), Request{
		UserID: "u1", Message: courseExemplar, Language: "en", CourseID: "course-1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Route != string(intent.LabelCourseQuery) {
		t.Errorf("route = %s, want course_query", resp.Route)
	}
	if len(resp.Sources) != 2 {
		t.Fatalf("sources = %d, want 2", len(resp.Sources))
	}
	if resp.Sources[0].SourceID != "econ.pdf" || resp.Sources[0].Page != 3 {
		t.Errorf("source = %+v, metadata lost", resp.Sources[0])
	}

	reqs := f.llm.Requests()
	if len(reqs) != 1 {
		t.Fatalf("llm calls = %d, want 1", len(reqs))
	}
	sys := reqs[0].SystemPrompt
	if !strings.Contains(sys, "[1]") || !strings.Contains(sys, "Supply and demand set market prices.") {
		t.Errorf("system prompt lacks numbered excerpts:\n%s", sys)
	}
}

func TestTurn_EmptyCorpusDowngrades(t *testing.T) {
	f := newFixture(t, nil)

	resp, err := f.svc.Turn(context.Background(), Request{
		UserID: "u2", Message: courseExemplar, Language: "en",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Route != string(intent.LabelGeneralQuestion) {
		t.Errorf("route = %s, want general_question downgrade", resp.Route)
	}
	if len(resp.Sources) != 0 {
		t.Errorf("sources = %v, want empty", resp.Sources)
	}
	if resp.Answer != "mock answer" {
		t.Errorf("answer = %q, want the general LLM response", resp.Answer)
	}
}

func TestTurn_ConversationContinuity(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if _, err := f.svc.Turn(ctx, Request{UserID: "u3", Message: "My name is Alice"}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Turn(ctx, Request{UserID: "u3", Message: "What is my name?"}); err != nil {
		t.Fatal(err)
	}

	reqs := f.llm.Requests()
	last := reqs[len(reqs)-1]
	var sawIntro bool
	for _, m := range last.Messages {
		if strings.Contains(m.Content, "My name is Alice") {
			sawIntro = true
		}
	}
	if !sawIntro {
		t.Error("second turn's transcript is missing the first turn")
	}
}

func TestTurn_GarbageGuardRetriesOnce(t *testing.T) {
	f := newFixture(t, courseHits())
	f.llm.Queue(strings.Repeat("the same thing ", 25), "A clean second answer.")

	resp, err := f.svc.Turn(context.Background(), Request{
		UserID: "u1", Message: courseExemplar, CourseID: "course-1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Answer != "A clean second answer." {
		t.Errorf("answer = %q, want retried answer", resp.Answer)
	}
	if resp.Route != string(intent.LabelGeneralQuestion) {
		t.Errorf("route = %s, want downgrade after garbage", resp.Route)
	}
	if !resp.Degraded {
		t.Error("garbage retry not flagged degraded")
	}
	if len(resp.Sources) != 0 {
		t.Errorf("sources = %v, want cleared on downgrade", resp.Sources)
	}
	if f.llm.Calls() != 2 {
		t.Errorf("llm calls = %d, want 2", f.llm.Calls())
	}
}

func TestTurn_GarbageTwiceReturnsFallback(t *testing.T) {
	f := newFixture(t, nil)
	garbage := strings.Repeat("the same thing ", 25)
	f.llm.Queue(garbage, garbage)

	resp, err := f.svc.Turn(context.Background(), Request{
		UserID: "u1", Message: "explain photosynthesis to me", Language: "en",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Answer != fallbackAnswers["en"] {
		t.Errorf("answer = %q, want canned fallback", resp.Answer)
	}
	if !resp.Degraded {
		t.Error("fallback answer not flagged degraded")
	}
}

func TestTurn_WithAudio(t *testing.T) {
	f := newFixture(t, nil)

	resp, err := f.svc.Turn(context.Background(), Request{
		UserID: "u1", Message: "Hi", WithAudio: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Audio) == 0 {
		t.Error("no audio returned")
	}
	if texts := f.tts.SynthesisedTexts(); len(texts) == 0 || texts[0] != resp.Answer {
		t.Errorf("synthesised %v, want the answer text", texts)
	}
}

func TestTurn_TTSOutageDegradesToText(t *testing.T) {
	f := newFixture(t, nil)
	f.tts.Err = context.DeadlineExceeded

	resp, err := f.svc.Turn(context.Background(), Request{
		UserID: "u1", Message: "Hi", WithAudio: true,
	})
	if err != nil {
		t.Fatalf("tts outage must not fail the turn: %v", err)
	}
	if len(resp.Audio) != 0 {
		t.Error("audio present despite outage")
	}
	if !resp.Degraded {
		t.Error("tts outage not flagged degraded")
	}
	if resp.Answer == "" {
		t.Error("text answer lost")
	}
}

func TestTurn_EmptyMessageRejected(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.svc.Turn(context.Background(), Request{UserID: "u1", Message: "   "})
	if fault.KindOf(err) != fault.InvalidInput {
		t.Fatalf("kind = %v, want invalid_input", fault.KindOf(err))
	}
}
