// Package session manages conversation sessions over a two-tier store: a
// hot cache for recent history and Postgres as the source of truth.
//
// The cache is strictly optional. Every cache failure logs once per outage
// and the manager continues store-only; a later cache miss reconciles the
// tiers. Store failures always surface to the caller.
package session

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lumora-ai/lumora/internal/fault"
	"github.com/lumora-ai/lumora/internal/observe"
	"github.com/lumora-ai/lumora/pkg/cache"
	"github.com/lumora-ai/lumora/pkg/store"
	"github.com/lumora-ai/lumora/pkg/types"
)

// maxCachedMessages caps the per-session history kept in the cache tier.
const maxCachedMessages = 50

// lockStripes sizes the per-session write lock table.
const lockStripes = 64

// Manager owns session lifecycle and ordered message append.
type Manager struct {
	cache    cache.SessionCache // nil disables the hot tier
	sessions store.SessionStore
	messages store.MessageStore
	metrics  *observe.Metrics
	log      *slog.Logger

	// locks serialise writes per session. Striped by session id hash; a
	// collision only costs unnecessary serialisation, never corruption.
	locks [lockStripes]sync.Mutex

	outageMu sync.Mutex
	cacheUp  bool
}

// New creates a Manager. hot may be nil to run store-only.
func New(hot cache.SessionCache, sessions store.SessionStore, messages store.MessageStore, metrics *observe.Metrics) *Manager {
	return &Manager{
		cache:    hot,
		sessions: sessions,
		messages: messages,
		metrics:  metrics,
		log:      slog.Default().With("component", "session"),
		cacheUp:  true,
	}
}

// GetOrCreate returns the user's active, unexpired session, creating one if
// needed. Creation atomically ends any previous active session of the user.
func (m *Manager) GetOrCreate(ctx context.Context, userID string, clientInfo map[string]string) (*types.Session, error) {
	if userID == "" {
		return nil, fault.E(fault.InvalidInput, "user id is required", nil)
	}
	now := time.Now()

	existing, err := m.sessions.ActiveSession(ctx, userID)
	switch {
	case err == nil:
		if !existing.Expired(now) {
			if err := m.sessions.TouchSession(ctx, existing.ID, now); err != nil {
				return nil, fmt.Errorf("session: touch: %w", err)
			}
			existing.LastActivityAt = now
			m.cachePutSession(ctx, existing)
			return existing, nil
		}
		// Expired sessions fall through; CreateSession ends them.
	case err != store.ErrNotFound:
		return nil, fmt.Errorf("session: lookup active: %w", err)
	}

	sess := &types.Session{
		ID:             uuid.NewString(),
		UserID:         userID,
		ClientInfo:     clientInfo,
		StartedAt:      now,
		LastActivityAt: now,
		Active:         true,
	}
	if err := m.sessions.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("session: create: %w", err)
	}
	if m.metrics != nil {
		m.metrics.ActiveSessions.Add(ctx, 1)
	}
	m.cachePutSession(ctx, sess)
	m.log.Info("session created", "session_id", sess.ID, "user_id", userID)
	return sess, nil
}

// Active returns the user's active, unexpired session without creating one.
// Returns [store.ErrNotFound] when the user has none.
func (m *Manager) Active(ctx context.Context, userID string) (*types.Session, error) {
	if userID == "" {
		return nil, fault.E(fault.InvalidInput, "user id is required", nil)
	}
	sess, err := m.sessions.ActiveSession(ctx, userID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, err
		}
		return nil, fmt.Errorf("session: lookup active: %w", err)
	}
	if sess.Expired(time.Now()) {
		return nil, store.ErrNotFound
	}
	return sess, nil
}

// Get returns the session by id, preferring the cache tier.
func (m *Manager) Get(ctx context.Context, sessionID string) (*types.Session, error) {
	if m.cache != nil {
		if sess, err := m.cache.GetSession(ctx, sessionID); err == nil {
			m.cacheRecovered()
			return sess, nil
		} else if err != cache.ErrMiss {
			m.cacheFailed(err)
		}
	}
	sess, err := m.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("session: get: %w", err)
	}
	m.cachePutSession(ctx, sess)
	return sess, nil
}

// Append durably appends one turn to the session and refreshes the cached
// history. Writes to the same session are serialised; past messages are
// never mutated.
func (m *Manager) Append(ctx context.Context, msg *types.StoredMessage) (*types.StoredMessage, error) {
	if msg.SessionID == "" || msg.UserID == "" {
		return nil, fault.E(fault.InvalidInput, "message needs session and user ids", nil)
	}
	if !msg.Role.IsValid() {
		return nil, fault.Errorf(fault.InvalidInput, "invalid role %q", msg.Role)
	}

	lock := m.lockFor(msg.SessionID)
	lock.Lock()
	defer lock.Unlock()

	stored, err := m.messages.AppendMessage(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("session: append: %w", err)
	}

	if m.cache != nil {
		if err := m.cache.AppendMessage(ctx, stored.SessionID, *stored); err != nil {
			m.cacheFailed(err)
		} else {
			m.cacheRecovered()
		}
	}
	return stored, nil
}

// History returns the session's most recent limit messages in chronological
// order. A cache hit serves the slice directly; a miss reads the store and
// repopulates the cache.
func (m *Manager) History(ctx context.Context, sessionID string, limit int) ([]types.StoredMessage, error) {
	if limit <= 0 || limit > maxCachedMessages {
		limit = maxCachedMessages
	}

	if m.cache != nil {
		msgs, err := m.cache.Messages(ctx, sessionID)
		switch {
		case err == nil:
			m.cacheRecovered()
			return tail(msgs, limit), nil
		case err != cache.ErrMiss:
			m.cacheFailed(err)
		}
	}

	msgs, err := m.messages.RecentMessages(ctx, sessionID, maxCachedMessages)
	if err != nil {
		return nil, fmt.Errorf("session: history: %w", err)
	}

	if m.cache != nil {
		repopulated := true
		for _, msg := range msgs {
			if err := m.cache.AppendMessage(ctx, sessionID, msg); err != nil {
				m.cacheFailed(err)
				repopulated = false
				break
			}
		}
		if repopulated {
			m.cacheRecovered()
		}
	}
	return tail(msgs, limit), nil
}

// SetCurrentCourse points the session at a course and refreshes the cache.
func (m *Manager) SetCurrentCourse(ctx context.Context, sessionID, courseID string) error {
	if err := m.sessions.SetCurrentCourse(ctx, sessionID, courseID); err != nil {
		return fmt.Errorf("session: set course: %w", err)
	}
	if m.cache != nil {
		// Drop the stale record; the next Get repopulates from the store.
		if err := m.cache.Delete(ctx, sessionID); err != nil {
			m.cacheFailed(err)
		}
	}
	return nil
}

// End marks the session inactive. Messages are retained.
func (m *Manager) End(ctx context.Context, sessionID string) error {
	if err := m.sessions.EndSession(ctx, sessionID, time.Now()); err != nil {
		if err == store.ErrConflict {
			return fault.E(fault.Conflict, "session already ended", err)
		}
		return fmt.Errorf("session: end: %w", err)
	}
	if m.metrics != nil {
		m.metrics.ActiveSessions.Add(ctx, -1)
	}
	if m.cache != nil {
		if err := m.cache.Delete(ctx, sessionID); err != nil {
			m.cacheFailed(err)
		}
	}
	m.log.Info("session ended", "session_id", sessionID)
	return nil
}

func (m *Manager) lockFor(sessionID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(sessionID))
	return &m.locks[h.Sum32()%lockStripes]
}

func (m *Manager) cachePutSession(ctx context.Context, sess *types.Session) {
	if m.cache == nil {
		return
	}
	if err := m.cache.PutSession(ctx, sess); err != nil {
		m.cacheFailed(err)
	} else {
		m.cacheRecovered()
	}
}

// cacheFailed logs the first failure of an outage; repeats stay silent until
// the cache answers again.
func (m *Manager) cacheFailed(err error) {
	m.outageMu.Lock()
	defer m.outageMu.Unlock()
	if m.cacheUp {
		m.log.Warn("session cache unavailable, continuing store-only", "error", err)
		m.cacheUp = false
	}
}

func (m *Manager) cacheRecovered() {
	m.outageMu.Lock()
	defer m.outageMu.Unlock()
	if !m.cacheUp {
		m.log.Info("session cache recovered")
		m.cacheUp = true
	}
}

func tail(msgs []types.StoredMessage, limit int) []types.StoredMessage {
	if len(msgs) <= limit {
		return msgs
	}
	return msgs[len(msgs)-limit:]
}
