// Package broker implements the durable task queue on Postgres.
//
// Tasks live in a single table claimed with FOR UPDATE SKIP LOCKED, so any
// number of workers can poll concurrently without double-delivery. Delivery
// is at-least-once: a worker that stops heartbeating loses its lease and the
// task is redelivered, so task effects must be idempotent (ingest chunk ids
// are deterministic for exactly this reason).
//
// Ordering is priority DESC, then enqueue order within a priority. There is
// no cross-priority guarantee beyond "higher priority is delivered first if
// ready when a worker polls".
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lumora-ai/lumora/internal/fault"
)

// Task states persisted in the tasks table.
const (
	StatePending   = "pending"
	StateRunning   = "running"
	StateSucceeded = "succeeded"
	StateCancelled = "cancelled"
	StateDead      = "dead"
)

var (
	// ErrNoTask is returned by Claim when no claimable task exists.
	ErrNoTask = errors.New("broker: no task available")

	// ErrNotOwner is returned by Heartbeat, Ack, and Nack when the task is
	// not currently leased by the given worker. The usual cause is a lease
	// that expired and was redelivered elsewhere.
	ErrNotOwner = errors.New("broker: task not owned by worker")

	// ErrNotFound is returned when the referenced task does not exist.
	ErrNotFound = errors.New("broker: task not found")

	// ErrQueueFull is returned by Enqueue when the pending depth exceeds the
	// configured threshold. Callers should surface a retry-after signal.
	ErrQueueFull = errors.New("broker: queue depth limit exceeded")
)

// Task is a queued unit of work.
type Task struct {
	ID              uuid.UUID
	Queue           string
	Type            string
	Payload         []byte
	Priority        int
	State           string
	Attempts        int
	WorkerID        string
	ProgressPercent int
	ProgressMessage string
	LastError       string
	CancelRequested bool
	EnqueuedAt      time.Time
	StartedAt       *time.Time
	FinishedAt      *time.Time
}

const ddlTasks = `
CREATE TABLE IF NOT EXISTS tasks (
	id               UUID PRIMARY KEY,
	queue            TEXT NOT NULL,
	task_type        TEXT NOT NULL,
	payload          JSONB NOT NULL,
	priority         INT NOT NULL DEFAULT 0,
	state            TEXT NOT NULL DEFAULT 'pending',
	attempts         INT NOT NULL DEFAULT 0,
	worker_id        TEXT NOT NULL DEFAULT '',
	not_before       TIMESTAMPTZ NOT NULL DEFAULT now(),
	lease_expires    TIMESTAMPTZ,
	progress_percent INT NOT NULL DEFAULT 0,
	progress_message TEXT NOT NULL DEFAULT '',
	last_error       TEXT NOT NULL DEFAULT '',
	cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
	enqueued_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	started_at       TIMESTAMPTZ,
	finished_at      TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_tasks_claim
	ON tasks (queue, priority DESC, enqueued_at, id)
	WHERE state = 'pending';

CREATE INDEX IF NOT EXISTS idx_tasks_lease
	ON tasks (lease_expires)
	WHERE state = 'running';

CREATE TABLE IF NOT EXISTS dead_tasks (
	id          UUID PRIMARY KEY,
	queue       TEXT NOT NULL,
	task_type   TEXT NOT NULL,
	payload     JSONB NOT NULL,
	attempts    INT NOT NULL,
	last_error  TEXT NOT NULL,
	enqueued_at TIMESTAMPTZ NOT NULL,
	dead_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Broker is the Postgres-backed task queue. It shares the connection pool
// with the relational store.
type Broker struct {
	pool        *pgxpool.Pool
	maxAttempts int
	maxDepth    int
}

// Option configures a [Broker].
type Option func(*Broker)

// WithMaxAttempts sets the retry budget before a task is dead-lettered.
// Default: 3.
func WithMaxAttempts(n int) Option {
	return func(b *Broker) { b.maxAttempts = n }
}

// WithMaxDepth enables backpressure: Enqueue fails with [ErrQueueFull] when
// the queue's pending count is at or above n. Zero disables the check.
func WithMaxDepth(n int) Option {
	return func(b *Broker) { b.maxDepth = n }
}

// New creates a [Broker] on the given pool and ensures the queue tables
// exist.
func New(ctx context.Context, pool *pgxpool.Pool, opts ...Option) (*Broker, error) {
	b := &Broker{pool: pool, maxAttempts: 3}
	for _, opt := range opts {
		opt(b)
	}
	if _, err := pool.Exec(ctx, ddlTasks); err != nil {
		return nil, fmt.Errorf("broker: migrate: %w", err)
	}
	return b, nil
}

// Enqueue persists a new task and returns its id once the insert has been
// acknowledged. payload must be valid JSON.
func (b *Broker) Enqueue(ctx context.Context, queue, taskType string, payload []byte, priority int) (uuid.UUID, error) {
	if b.maxDepth > 0 {
		depth, err := b.Depth(ctx, queue)
		if err != nil {
			return uuid.Nil, err
		}
		if depth >= b.maxDepth {
			return uuid.Nil, fault.E(fault.ResourceExhausted, "queue is full", ErrQueueFull)
		}
	}

	id := uuid.New()
	_, err := b.pool.Exec(ctx, `
		INSERT INTO tasks (id, queue, task_type, payload, priority)
		VALUES ($1, $2, $3, $4, $5)`,
		id, queue, taskType, payload, priority)
	if err != nil {
		return uuid.Nil, fault.E(fault.Transient, "broker unavailable", fmt.Errorf("broker: enqueue: %w", err))
	}
	return id, nil
}

// Claim leases the highest-priority ready task for workerID, making it
// invisible to other workers for the visibility window. Returns [ErrNoTask]
// when nothing is claimable; callers poll.
func (b *Broker) Claim(ctx context.Context, queue, workerID string, visibility time.Duration) (*Task, error) {
	row := b.pool.QueryRow(ctx, `
		UPDATE tasks SET
			state = 'running',
			worker_id = $2,
			attempts = attempts + 1,
			lease_expires = now() + $3,
			started_at = now()
		WHERE id = (
			SELECT id FROM tasks
			WHERE queue = $1 AND state = 'pending' AND not_before <= now()
			ORDER BY priority DESC, enqueued_at, id
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING id, queue, task_type, payload, priority, state, attempts,
			worker_id, progress_percent, progress_message, last_error,
			cancel_requested, enqueued_at, started_at, finished_at`,
		queue, workerID, visibility)

	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoTask
		}
		return nil, fmt.Errorf("broker: claim: %w", err)
	}
	return t, nil
}

// Heartbeat extends the lease and records progress. It returns whether
// cancellation has been requested, so workers learn of cancels without an
// extra query. Fails with [ErrNotOwner] when the lease has moved.
func (b *Broker) Heartbeat(ctx context.Context, taskID uuid.UUID, workerID string, visibility time.Duration, percent int, message string) (cancelRequested bool, err error) {
	row := b.pool.QueryRow(ctx, `
		UPDATE tasks SET
			lease_expires = now() + $3,
			progress_percent = $4,
			progress_message = $5
		WHERE id = $1 AND worker_id = $2 AND state = 'running'
		RETURNING cancel_requested`,
		taskID, workerID, visibility, percent, message)

	if err := row.Scan(&cancelRequested); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, b.ownershipError(ctx, taskID)
		}
		return false, fmt.Errorf("broker: heartbeat: %w", err)
	}
	return cancelRequested, nil
}

// Ack marks the task as succeeded and releases the lease.
func (b *Broker) Ack(ctx context.Context, taskID uuid.UUID, workerID string) error {
	tag, err := b.pool.Exec(ctx, `
		UPDATE tasks SET
			state = 'succeeded',
			progress_percent = 100,
			lease_expires = NULL,
			finished_at = now()
		WHERE id = $1 AND worker_id = $2 AND state = 'running'`,
		taskID, workerID)
	if err != nil {
		return fmt.Errorf("broker: ack: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return b.ownershipError(ctx, taskID)
	}
	return nil
}

// Nack releases the task after a failed attempt. Retryable failures within
// the attempt budget return to the queue with exponential backoff; anything
// else is dead-lettered.
func (b *Broker) Nack(ctx context.Context, taskID uuid.UUID, workerID string, retryable bool, taskErr error) error {
	msg := ""
	if taskErr != nil {
		msg = taskErr.Error()
	}

	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("broker: nack: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var t Task
	row := tx.QueryRow(ctx, `
		SELECT attempts, cancel_requested FROM tasks
		WHERE id = $1 AND worker_id = $2 AND state = 'running'
		FOR UPDATE`,
		taskID, workerID)
	if err := row.Scan(&t.Attempts, &t.CancelRequested); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return b.ownershipError(ctx, taskID)
		}
		return fmt.Errorf("broker: nack: %w", err)
	}

	switch {
	case t.CancelRequested:
		_, err = tx.Exec(ctx, `
			UPDATE tasks SET state = 'cancelled', last_error = $2,
				lease_expires = NULL, finished_at = now()
			WHERE id = $1`,
			taskID, msg)
	case retryable && t.Attempts < b.maxAttempts:
		_, err = tx.Exec(ctx, `
			UPDATE tasks SET state = 'pending', worker_id = '',
				last_error = $2, lease_expires = NULL,
				not_before = now() + $3
			WHERE id = $1`,
			taskID, msg, Backoff(t.Attempts))
	default:
		if err = b.deadLetter(ctx, tx, taskID, msg); err != nil {
			return err
		}
	}
	if err != nil {
		return fmt.Errorf("broker: nack: %w", err)
	}
	return tx.Commit(ctx)
}

// Cancel requests cancellation. Pending tasks are cancelled immediately;
// running tasks get cancel_requested set, which the worker observes on its
// next heartbeat or phase boundary.
func (b *Broker) Cancel(ctx context.Context, taskID uuid.UUID) error {
	tag, err := b.pool.Exec(ctx, `
		UPDATE tasks SET
			cancel_requested = TRUE,
			state = CASE WHEN state = 'pending' THEN 'cancelled' ELSE state END,
			finished_at = CASE WHEN state = 'pending' THEN now() ELSE finished_at END
		WHERE id = $1 AND state IN ('pending', 'running')`,
		taskID)
	if err != nil {
		return fmt.Errorf("broker: cancel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RequeueAbandoned returns expired-lease tasks to the queue and dead-letters
// those already out of attempts. Run periodically (e.g. once per visibility
// window) by the API server.
func (b *Broker) RequeueAbandoned(ctx context.Context) (int, error) {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("broker: requeue: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id, attempts FROM tasks
		WHERE state = 'running' AND lease_expires < now()
		FOR UPDATE SKIP LOCKED`)
	if err != nil {
		return 0, fmt.Errorf("broker: requeue: %w", err)
	}
	type expired struct {
		id       uuid.UUID
		attempts int
	}
	var found []expired
	for rows.Next() {
		var e expired
		if err := rows.Scan(&e.id, &e.attempts); err != nil {
			rows.Close()
			return 0, fmt.Errorf("broker: requeue: scan: %w", err)
		}
		found = append(found, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("broker: requeue: %w", err)
	}

	for _, e := range found {
		if e.attempts >= b.maxAttempts {
			if err := b.deadLetter(ctx, tx, e.id, "lease expired, attempts exhausted"); err != nil {
				return 0, err
			}
			continue
		}
		_, err := tx.Exec(ctx, `
			UPDATE tasks SET state = 'pending', worker_id = '',
				lease_expires = NULL, not_before = now() + $2
			WHERE id = $1`,
			e.id, Backoff(e.attempts))
		if err != nil {
			return 0, fmt.Errorf("broker: requeue: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("broker: requeue: commit: %w", err)
	}
	return len(found), nil
}

// Depth returns the number of pending tasks on queue. Used for backpressure
// and for the readiness probe.
func (b *Broker) Depth(ctx context.Context, queue string) (int, error) {
	var n int
	err := b.pool.QueryRow(ctx,
		`SELECT count(*) FROM tasks WHERE queue = $1 AND state = 'pending'`,
		queue).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("broker: depth: %w", err)
	}
	return n, nil
}

// Get returns the current task record, for the task polling endpoint.
func (b *Broker) Get(ctx context.Context, taskID uuid.UUID) (*Task, error) {
	row := b.pool.QueryRow(ctx, `
		SELECT id, queue, task_type, payload, priority, state, attempts,
			worker_id, progress_percent, progress_message, last_error,
			cancel_requested, enqueued_at, started_at, finished_at
		FROM tasks WHERE id = $1`,
		taskID)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("broker: get: %w", err)
	}
	return t, nil
}

// deadLetter moves a task to the dead_tasks table inside tx and marks the
// source row dead. The tasks row stays for the polling endpoint.
func (b *Broker) deadLetter(ctx context.Context, tx pgx.Tx, taskID uuid.UUID, msg string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO dead_tasks (id, queue, task_type, payload, attempts, last_error, enqueued_at)
		SELECT id, queue, task_type, payload, attempts, $2, enqueued_at
		FROM tasks WHERE id = $1
		ON CONFLICT (id) DO NOTHING`,
		taskID, msg)
	if err != nil {
		return fmt.Errorf("broker: dead-letter: %w", err)
	}
	_, err = tx.Exec(ctx, `
		UPDATE tasks SET state = 'dead', last_error = $2,
			lease_expires = NULL, finished_at = now()
		WHERE id = $1`,
		taskID, msg)
	if err != nil {
		return fmt.Errorf("broker: dead-letter: %w", err)
	}
	return nil
}

// ownershipError distinguishes "task gone" from "lease moved elsewhere" for
// clearer worker logs.
func (b *Broker) ownershipError(ctx context.Context, taskID uuid.UUID) error {
	var exists bool
	if err := b.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM tasks WHERE id = $1)`, taskID).Scan(&exists); err != nil {
		return fmt.Errorf("broker: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrNotOwner
}

// scanTask reads a full task row.
func scanTask(row pgx.Row) (*Task, error) {
	var t Task
	err := row.Scan(&t.ID, &t.Queue, &t.Type, &t.Payload, &t.Priority,
		&t.State, &t.Attempts, &t.WorkerID, &t.ProgressPercent,
		&t.ProgressMessage, &t.LastError, &t.CancelRequested,
		&t.EnqueuedAt, &t.StartedAt, &t.FinishedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
