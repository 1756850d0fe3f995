package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lumora-ai/lumora/pkg/types"
)

// MessageStoreImpl persists conversation turns in the messages table.
//
// Obtain one via [Store.Messages] rather than constructing directly.
// All methods are safe for concurrent use.
type MessageStoreImpl struct {
	pool *pgxpool.Pool
}

// AppendMessage implements [store.MessageStore]. The insert and the session
// message_count bump run in one transaction so the counter never drifts.
func (s *MessageStoreImpl) AppendMessage(ctx context.Context, msg *types.StoredMessage) (*types.StoredMessage, error) {
	metadata, err := json.Marshal(orEmptyMap(msg.Metadata))
	if err != nil {
		return nil, fmt.Errorf("message store: encode metadata: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("message store: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	const insert = `
		INSERT INTO messages
		    (user_id, session_id, role, content, type, course_id, module_week, topic_id, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at`

	out := *msg
	err = tx.QueryRow(ctx, insert,
		msg.UserID,
		msg.SessionID,
		string(msg.Role),
		msg.Content,
		string(msg.Type),
		msg.CourseID,
		msg.ModuleWeek,
		msg.TopicID,
		metadata,
	).Scan(&out.ID, &out.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("message store: insert: %w", err)
	}

	const bump = `
		UPDATE sessions
		SET    message_count = message_count + 1, last_activity_at = now()
		WHERE  id = $1`
	if _, err := tx.Exec(ctx, bump, msg.SessionID); err != nil {
		return nil, fmt.Errorf("message store: bump count: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("message store: commit: %w", err)
	}
	return &out, nil
}

// RecentMessages implements [store.MessageStore].
func (s *MessageStoreImpl) RecentMessages(ctx context.Context, sessionID string, limit int) ([]types.StoredMessage, error) {
	const q = `
		SELECT id, user_id, session_id, role, content, type,
		       course_id, module_week, topic_id, metadata, created_at
		FROM (
		    SELECT * FROM messages
		    WHERE  session_id = $1
		    ORDER  BY id DESC
		    LIMIT  $2
		) tail
		ORDER BY id`

	rows, err := s.pool.Query(ctx, q, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("message store: recent: %w", err)
	}
	return collectMessages(rows)
}

// ListMessages implements [store.MessageStore]. beforeID = 0 pages from the
// newest message.
func (s *MessageStoreImpl) ListMessages(ctx context.Context, sessionID string, beforeID int64, limit int) ([]types.StoredMessage, error) {
	args := []any{sessionID}
	q := `
		SELECT id, user_id, session_id, role, content, type,
		       course_id, module_week, topic_id, metadata, created_at
		FROM   messages
		WHERE  session_id = $1`
	if beforeID > 0 {
		args = append(args, beforeID)
		q += fmt.Sprintf("\n  AND  id < $%d", len(args))
	}
	args = append(args, limit)
	q += fmt.Sprintf("\nORDER  BY id DESC\nLIMIT  $%d", len(args))

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("message store: list: %w", err)
	}
	return collectMessages(rows)
}

// collectMessages scans pgx rows into a slice of StoredMessage values.
func collectMessages(rows pgx.Rows) ([]types.StoredMessage, error) {
	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.StoredMessage, error) {
		var (
			m        types.StoredMessage
			role     string
			msgType  string
			metadata []byte
		)
		if err := row.Scan(
			&m.ID, &m.UserID, &m.SessionID, &role, &m.Content, &msgType,
			&m.CourseID, &m.ModuleWeek, &m.TopicID, &metadata, &m.CreatedAt,
		); err != nil {
			return types.StoredMessage{}, err
		}
		m.Role = types.Role(role)
		m.Type = types.MessageType(msgType)
		if err := json.Unmarshal(metadata, &m.Metadata); err != nil {
			return types.StoredMessage{}, err
		}
		return m, nil
	})
	if err != nil {
		return nil, fmt.Errorf("message store: scan rows: %w", err)
	}
	if msgs == nil {
		msgs = []types.StoredMessage{}
	}
	return msgs, nil
}
