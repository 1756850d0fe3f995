package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lumora-ai/lumora/pkg/store"
	"github.com/lumora-ai/lumora/pkg/types"
)

// SessionStoreImpl persists session envelopes in the sessions table.
//
// Obtain one via [Store.Sessions] rather than constructing directly.
// All methods are safe for concurrent use.
type SessionStoreImpl struct {
	pool *pgxpool.Pool
}

// userLockKey derives a stable advisory lock key from a user ID so that
// concurrent CreateSession calls for the same user serialise.
func userLockKey(userID string) int64 {
	h := fnv.New64a()
	h.Write([]byte("session:"))
	h.Write([]byte(userID))
	return int64(h.Sum64())
}

// CreateSession implements [store.SessionStore]. It takes a per-user advisory
// lock, ends any previous active session, and inserts the new one, so a user
// can never hold two active sessions even under concurrent creates. The
// partial unique index on (user_id) WHERE active backstops the invariant.
func (s *SessionStoreImpl) CreateSession(ctx context.Context, sess *types.Session) error {
	clientInfo, err := json.Marshal(orEmptyMap(sess.ClientInfo))
	if err != nil {
		return fmt.Errorf("session store: encode client info: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("session store: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, userLockKey(sess.UserID)); err != nil {
		return fmt.Errorf("session store: advisory lock: %w", err)
	}

	const endPrevious = `
		UPDATE sessions
		SET    active = FALSE, ended_at = $2
		WHERE  user_id = $1 AND active`
	if _, err := tx.Exec(ctx, endPrevious, sess.UserID, sess.StartedAt); err != nil {
		return fmt.Errorf("session store: end previous: %w", err)
	}

	const insert = `
		INSERT INTO sessions
		    (id, user_id, current_course_id, client_info, started_at, last_activity_at, expires_at, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE)`
	if _, err := tx.Exec(ctx, insert,
		sess.ID,
		sess.UserID,
		sess.CurrentCourseID,
		clientInfo,
		sess.StartedAt,
		sess.LastActivityAt,
		nullTime(sess.ExpiresAt),
	); err != nil {
		return fmt.Errorf("session store: insert: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("session store: commit: %w", err)
	}
	return nil
}

// GetSession implements [store.SessionStore].
func (s *SessionStoreImpl) GetSession(ctx context.Context, sessionID string) (*types.Session, error) {
	const q = `
		SELECT id, user_id, current_course_id, client_info, message_count,
		       started_at, last_activity_at, expires_at, ended_at, active
		FROM   sessions
		WHERE  id = $1`
	return s.scanOne(s.pool.QueryRow(ctx, q, sessionID))
}

// ActiveSession implements [store.SessionStore].
func (s *SessionStoreImpl) ActiveSession(ctx context.Context, userID string) (*types.Session, error) {
	const q = `
		SELECT id, user_id, current_course_id, client_info, message_count,
		       started_at, last_activity_at, expires_at, ended_at, active
		FROM   sessions
		WHERE  user_id = $1 AND active`
	return s.scanOne(s.pool.QueryRow(ctx, q, userID))
}

func (s *SessionStoreImpl) scanOne(row pgx.Row) (*types.Session, error) {
	var (
		sess       types.Session
		clientInfo []byte
		expiresAt  *time.Time
		endedAt    *time.Time
	)
	err := row.Scan(
		&sess.ID, &sess.UserID, &sess.CurrentCourseID, &clientInfo, &sess.MessageCount,
		&sess.StartedAt, &sess.LastActivityAt, &expiresAt, &endedAt, &sess.Active,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("session store: scan: %w", err)
	}
	if err := json.Unmarshal(clientInfo, &sess.ClientInfo); err != nil {
		return nil, fmt.Errorf("session store: decode client info: %w", err)
	}
	if expiresAt != nil {
		sess.ExpiresAt = *expiresAt
	}
	if endedAt != nil {
		sess.EndedAt = *endedAt
	}
	return &sess, nil
}

// TouchSession implements [store.SessionStore].
func (s *SessionStoreImpl) TouchSession(ctx context.Context, sessionID string, now time.Time) error {
	const q = `UPDATE sessions SET last_activity_at = $2 WHERE id = $1`
	tag, err := s.pool.Exec(ctx, q, sessionID, now)
	if err != nil {
		return fmt.Errorf("session store: touch: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// SetCurrentCourse implements [store.SessionStore].
func (s *SessionStoreImpl) SetCurrentCourse(ctx context.Context, sessionID, courseID string) error {
	const q = `UPDATE sessions SET current_course_id = $2 WHERE id = $1`
	tag, err := s.pool.Exec(ctx, q, sessionID, courseID)
	if err != nil {
		return fmt.Errorf("session store: set current course: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// EndSession implements [store.SessionStore]. Ending an already-ended session
// reports [store.ErrConflict]; an unknown session reports [store.ErrNotFound].
func (s *SessionStoreImpl) EndSession(ctx context.Context, sessionID string, at time.Time) error {
	const q = `
		UPDATE sessions
		SET    active = FALSE, ended_at = $2
		WHERE  id = $1 AND active`
	tag, err := s.pool.Exec(ctx, q, sessionID, at)
	if err != nil {
		return fmt.Errorf("session store: end: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish missing from already ended.
		var exists bool
		if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM sessions WHERE id = $1)`, sessionID).Scan(&exists); err != nil {
			return fmt.Errorf("session store: end lookup: %w", err)
		}
		if !exists {
			return store.ErrNotFound
		}
		return store.ErrConflict
	}
	return nil
}

// nullTime maps a zero time to SQL NULL.
func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// orEmptyMap keeps JSON encoding of a nil map as {} instead of null.
func orEmptyMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
