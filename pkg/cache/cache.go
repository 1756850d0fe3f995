// Package cache defines the hot-path session cache abstraction.
//
// The cache keeps active session records and their recent message history
// close to the serving process so that a chat turn does not pay a database
// round-trip for context assembly. It is strictly an accelerator: Postgres
// remains the source of truth, and every cache operation may fail without
// affecting correctness. Callers treat cache errors as a degraded-mode
// signal and fall through to the store.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/lumora-ai/lumora/pkg/types"
)

// ErrMiss is returned when a key is absent from the cache.
var ErrMiss = errors.New("cache: miss")

// SessionCache holds active sessions and their recent messages.
//
// Implementations must be safe for concurrent use. All entries carry a TTL
// refreshed on write, so abandoned sessions age out on their own.
type SessionCache interface {
	// GetSession returns the cached session record, or ErrMiss.
	GetSession(ctx context.Context, sessionID string) (*types.Session, error)

	// PutSession stores the session record and refreshes its TTL.
	PutSession(ctx context.Context, sess *types.Session) error

	// Messages returns the cached recent messages for the session, oldest
	// first, or ErrMiss if the session has no cached history.
	Messages(ctx context.Context, sessionID string) ([]types.StoredMessage, error)

	// AppendMessage adds msg to the session's cached history, trimming the
	// history to the configured cap and refreshing the TTL.
	AppendMessage(ctx context.Context, sessionID string, msg types.StoredMessage) error

	// Delete removes the session record and its message history.
	Delete(ctx context.Context, sessionID string) error

	// TTL returns the entry lifetime the cache applies on writes.
	TTL() time.Duration
}
