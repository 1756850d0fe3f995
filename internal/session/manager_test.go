package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/lumora-ai/lumora/internal/fault"
	"github.com/lumora-ai/lumora/pkg/cache/memory"
	"github.com/lumora-ai/lumora/pkg/store"
	"github.com/lumora-ai/lumora/pkg/types"
)

// fakeSessions is an in-memory store.SessionStore.
type fakeSessions struct {
	mu       sync.Mutex
	byID     map[string]*types.Session
	touchErr error
}

var _ store.SessionStore = (*fakeSessions)(nil)

func newFakeSessions() *fakeSessions {
	return &fakeSessions{byID: make(map[string]*types.Session)}
}

func (f *fakeSessions) CreateSession(ctx context.Context, sess *types.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.byID {
		if s.UserID == sess.UserID && s.Active {
			s.Active = false
			s.EndedAt = time.Now()
		}
	}
	cp := *sess
	f.byID[sess.ID] = &cp
	return nil
}

func (f *fakeSessions) GetSession(ctx context.Context, sessionID string) (*types.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.byID[sessionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (f *fakeSessions) ActiveSession(ctx context.Context, userID string) (*types.Session, error) {
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

func (f *fakeSessions) TouchSession(ctx context.Context, sessionID string, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.touchErr != nil {
		return f.touchErr
	}
	if s, ok := f.byID[sessionID]; ok {
		s.LastActivityAt = now
	}
	return nil
}

func (f *fakeSessions) SetCurrentCourse(ctx context.Context, sessionID, courseID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.byID[sessionID]
	if !ok {
		return store.ErrNotFound
	}
	s.CurrentCourseID = courseID
	return nil
}

func (f *fakeSessions) EndSession(ctx context.Context, sessionID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.byID[sessionID]
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

// fakeMessages is an in-memory store.MessageStore with auto-increment ids.
type fakeMessages struct {
	mu        sync.Mutex
	bySession map[string][]types.StoredMessage
	nextID    int64
	appendErr error
	reads     int
}

var _ store.MessageStore = (*fakeMessages)(nil)

func newFakeMessages() *fakeMessages {
	return &fakeMessages{bySession: make(map[string][]types.StoredMessage)}
}

func (f *fakeMessages) AppendMessage(ctx context.Context, msg *types.StoredMessage) (*types.StoredMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.appendErr != nil {
		return nil, f.appendErr
	}
	f.nextID++
	cp := *msg
	cp.ID = f.nextID
	cp.CreatedAt = time.Now()
	f.bySession[msg.SessionID] = append(f.bySession[msg.SessionID], cp)
	return &cp, nil
}

func (f *fakeMessages) RecentMessages(ctx context.Context, sessionID string, limit int) ([]types.StoredMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	msgs := f.bySession[sessionID]
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]types.StoredMessage, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (f *fakeMessages) ListMessages(ctx context.Context, sessionID string, beforeID int64, limit int) ([]types.StoredMessage, error) {
	return nil, nil
}

func testManager(t *testing.T) (*Manager, *fakeSessions, *fakeMessages, *memory.Cache) {
	t.Helper()
	sessions := newFakeSessions()
	messages := newFakeMessages()
	hot := memory.New(time.Hour, maxCachedMessages)
	return New(hot, sessions, messages, nil), sessions, messages, hot
}

func userMsg(sessionID, content string) *types.StoredMessage {
	return &types.StoredMessage{
		UserID:    "u1",
		SessionID: sessionID,
		Role:      types.RoleUser,
		Content:   content,
		Type:      types.MessageText,
	}
}

func TestGetOrCreate_ReusesActiveSession(t *testing.T) {
	m, _, _, _ := testManager(t)
	ctx := context.Background()

	first, err := m.GetOrCreate(ctx, "u1", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := m.GetOrCreate(ctx, "u1", nil)
	if err != nil {
		t.Fatalf("reuse: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("new session %s created while %s was active", second.ID, first.ID)
	}
}

func TestGetOrCreate_EndsPreviousSession(t *testing.T) {
	m, sessions, _, _ := testManager(t)
	ctx := context.Background()

	first, _ := m.GetOrCreate(ctx, "u1", nil)
	if err := m.End(ctx, first.ID); err != nil {
		t.Fatalf("end: %v", err)
	}
	second, err := m.GetOrCreate(ctx, "u1", nil)
	if err != nil {
		t.Fatalf("recreate: %v", err)
	}
	if second.ID == first.ID {
		t.Fatal("ended session returned as active")
	}

	stored, _ := sessions.GetSession(ctx, first.ID)
	if stored.Active {
		t.Error("previous session still active")
	}
}

func TestGetOrCreate_RequiresUser(t *testing.T) {
	m, _, _, _ := testManager(t)
	_, err := m.GetOrCreate(context.Background(), "", nil)
	if fault.KindOf(err) != fault.InvalidInput {
		t.Fatalf("kind = %v, want invalid_input", fault.KindOf(err))
	}
}

func TestAppendAndHistory(t *testing.T) {
	m, _, messages, _ := testManager(t)
	ctx := context.Background()
	sess, _ := m.GetOrCreate(ctx, "u1", nil)

	for i := 0; i < 5; i++ {
		if _, err := m.Append(ctx, userMsg(sess.ID, fmt.Sprintf("turn %d", i))); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	history, err := m.History(ctx, sess.ID, 3)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("history = %d messages, want 3", len(history))
	}
	if history[0].Content != "turn 2" || history[2].Content != "turn 4" {
		t.Errorf("history out of order: %q .. %q", history[0].Content, history[2].Content)
	}
	if history[0].ID >= history[1].ID {
		t.Error("ids not monotonic within session")
	}
	// All five reads after the appends should have come from cache.
	if messages.reads != 0 {
		t.Errorf("store reads = %d, want 0 (cache hit)", messages.reads)
	}
}

func TestHistory_CacheMissRepopulates(t *testing.T) {
	m, _, messages, hot := testManager(t)
	ctx := context.Background()
	sess, _ := m.GetOrCreate(ctx, "u1", nil)

	for i := 0; i < 4; i++ {
		if _, err := m.Append(ctx, userMsg(sess.ID, fmt.Sprintf("turn %d", i))); err != nil {
			t.Fatal(err)
		}
	}
	if err := hot.Delete(ctx, sess.ID); err != nil {
		t.Fatal(err)
	}

	history, err := m.History(ctx, sess.ID, 10)
	if err != nil {
		t.Fatalf("history after miss: %v", err)
	}
	if len(history) != 4 {
		t.Fatalf("history = %d, want 4 from store", len(history))
	}
	if messages.reads != 1 {
		t.Errorf("store reads = %d, want 1", messages.reads)
	}

	// Second read is served by the repopulated cache.
	if _, err := m.History(ctx, sess.ID, 10); err != nil {
		t.Fatal(err)
	}
	if messages.reads != 1 {
		t.Errorf("store reads = %d after repopulation, want 1", messages.reads)
	}
}

func TestAppend_CacheOutageIsNotFatal(t *testing.T) {
	m, _, messages, hot := testManager(t)
	ctx := context.Background()
	sess, _ := m.GetOrCreate(ctx, "u1", nil)

	hot.Err = errors.New("redis down")
	if _, err := m.Append(ctx, userMsg(sess.ID, "hello")); err != nil {
		t.Fatalf("append with cache outage: %v", err)
	}

	history, err := m.History(ctx, sess.ID, 10)
	if err != nil {
		t.Fatalf("history with cache outage: %v", err)
	}
	if len(history) != 1 || history[0].Content != "hello" {
		t.Errorf("history = %v, want the stored turn", history)
	}
	if messages.reads != 1 {
		t.Errorf("store reads = %d, want 1 (store-only mode)", messages.reads)
	}
}

func TestAppend_StoreFailureSurfaces(t *testing.T) {
	m, _, messages, _ := testManager(t)
	ctx := context.Background()
	sess, _ := m.GetOrCreate(ctx, "u1", nil)

	messages.appendErr = errors.New("connection refused")
	if _, err := m.Append(ctx, userMsg(sess.ID, "lost")); err == nil {
		t.Fatal("store failure swallowed")
	}
}

func TestAppend_ValidatesRole(t *testing.T) {
	m, _, _, _ := testManager(t)
	ctx := context.Background()
	sess, _ := m.GetOrCreate(ctx, "u1", nil)

	msg := userMsg(sess.ID, "x")
	msg.Role = "moderator"
	if _, err := m.Append(ctx, msg); fault.KindOf(err) != fault.InvalidInput {
		t.Fatalf("kind = %v, want invalid_input", fault.KindOf(err))
	}
}

func TestEnd_AlreadyEndedIsConflict(t *testing.T) {
	m, _, _, _ := testManager(t)
	ctx := context.Background()
	sess, _ := m.GetOrCreate(ctx, "u1", nil)

	if err := m.End(ctx, sess.ID); err != nil {
		t.Fatalf("first end: %v", err)
	}
	if err := m.End(ctx, sess.ID); fault.KindOf(err) != fault.Conflict {
		t.Fatalf("kind = %v, want conflict", fault.KindOf(err))
	}
}

func TestAppend_ConcurrentWritesStayOrdered(t *testing.T) {
	m, _, _, _ := testManager(t)
	ctx := context.Background()
	sess, _ := m.GetOrCreate(ctx, "u1", nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := m.Append(ctx, userMsg(sess.ID, fmt.Sprintf("c%d", i))); err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()

	history, err := m.History(ctx, sess.ID, maxCachedMessages)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 20 {
		t.Fatalf("history = %d, want 20", len(history))
	}
	for i := 1; i < len(history); i++ {
		if history[i].ID <= history[i-1].ID {
			t.Fatalf("ids not monotonic: %d after %d", history[i].ID, history[i-1].ID)
		}
	}
}

func TestActive_FindsWithoutCreating(t *testing.T) {
	m, _, _, _ := testManager(t)
	ctx := context.Background()

	if _, err := m.Active(ctx, "u1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("active with no session: %v, want ErrNotFound", err)
	}

	sess, _ := m.GetOrCreate(ctx, "u1", nil)
	found, err := m.Active(ctx, "u1")
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if found.ID != sess.ID {
		t.Errorf("active session = %s, want %s", found.ID, sess.ID)
	}

	if err := m.End(ctx, sess.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Active(ctx, "u1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("active after end: %v, want ErrNotFound", err)
	}
}

func TestActive_IgnoresExpiredSession(t *testing.T) {
	m, sessions, _, _ := testManager(t)
	ctx := context.Background()

	expired := &types.Session{
		ID:        "expired-1",
		UserID:    "u1",
		Active:    true,
		StartedAt: time.Now().Add(-2 * time.Hour),
		ExpiresAt: time.Now().Add(-time.Hour),
	}
	if err := sessions.CreateSession(ctx, expired); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Active(ctx, "u1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expired session reported active: %v", err)
	}
}
