// Package worker implements the lumora-worker task runner.
//
// A worker process runs exactly one task at a time. After a configured
// number of completed tasks it exits cleanly so the supervisor can restart
// it, bounding accumulated heap growth from the memory-heavy ingest
// pipeline. A soft RSS cap fails the in-flight task as retryable and exits
// early for the same reason.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lumora-ai/lumora/internal/broker"
	"github.com/lumora-ai/lumora/internal/fault"
	"github.com/lumora-ai/lumora/internal/observe"
)

// Exit codes returned by [Worker.Run]. The supervisor restarts on 0 and 2,
// and stops the fleet on 1 and 3.
const (
	ExitRecycle       = 0 // task budget reached, RSS cap, or clean shutdown
	ExitConfig        = 1 // misconfiguration, do not restart
	ExitTransient     = 2 // broker unreachable, restart with delay
	ExitUnrecoverable = 3 // invariant violation
)

// ErrRSSExceeded fails the in-flight task when the soft memory cap is hit.
var ErrRSSExceeded = errors.New("worker: soft RSS limit exceeded")

// ProgressFunc reports task progress. Safe to call from the handler
// goroutine; the latest value is carried on the next heartbeat.
type ProgressFunc func(percent int, message string)

// Handler executes one task type. Execute must respect ctx cancellation,
// which fires on task cancel requests, lease loss, and worker shutdown.
type Handler interface {
	Execute(ctx context.Context, task *broker.Task, progress ProgressFunc) error
}

// HandlerFunc adapts a function to the [Handler] interface.
type HandlerFunc func(ctx context.Context, task *broker.Task, progress ProgressFunc) error

// Execute implements [Handler].
func (f HandlerFunc) Execute(ctx context.Context, task *broker.Task, progress ProgressFunc) error {
	return f(ctx, task, progress)
}

// TaskQueue is the broker surface the worker depends on.
// *broker.Broker satisfies it.
type TaskQueue interface {
	Claim(ctx context.Context, queue, workerID string, visibility time.Duration) (*broker.Task, error)
	Heartbeat(ctx context.Context, taskID uuid.UUID, workerID string, visibility time.Duration, percent int, message string) (bool, error)
	Ack(ctx context.Context, taskID uuid.UUID, workerID string) error
	Nack(ctx context.Context, taskID uuid.UUID, workerID string, retryable bool, taskErr error) error
}

// Config tunes a [Worker].
type Config struct {
	// Queue is the broker queue to consume.
	Queue string

	// WorkerID identifies this process to the broker. Defaults to a random
	// UUID.
	WorkerID string

	// TasksPerProcess is the recycle budget M. After this many completed
	// tasks Run returns [ExitRecycle]. Default: 50.
	TasksPerProcess int

	// RSSLimitBytes is the soft memory cap checked on each heartbeat tick.
	// Zero disables the check.
	RSSLimitBytes uint64

	// HeartbeatInterval is the progress reporting period. Default: 15s.
	HeartbeatInterval time.Duration

	// Visibility is the lease window requested on claim and extended on each
	// heartbeat. Default: 90s.
	Visibility time.Duration

	// PollInterval is the sleep between empty claims. Default: 5s.
	PollInterval time.Duration
}

// Worker consumes tasks one at a time from a [TaskQueue].
type Worker struct {
	queue    TaskQueue
	cfg      Config
	handlers map[string]Handler
	metrics  *observe.Metrics
	log      *slog.Logger

	// rss is swappable in tests.
	rss func() uint64
}

// New creates a [Worker]. Register handlers before calling Run.
func New(queue TaskQueue, cfg Config, metrics *observe.Metrics) *Worker {
	if cfg.WorkerID == "" {
		cfg.WorkerID = uuid.NewString()
	}
	if cfg.TasksPerProcess == 0 {
		cfg.TasksPerProcess = 50
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	if cfg.Visibility == 0 {
		cfg.Visibility = 90 * time.Second
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Second
	}
	return &Worker{
		queue:    queue,
		cfg:      cfg,
		handlers: make(map[string]Handler),
		metrics:  metrics,
		log:      slog.Default().With("worker_id", cfg.WorkerID),
		rss:      currentRSSBytes,
	}
}

// Register binds a handler to a task type. Claiming a task with no handler
// is a deployment mistake; such tasks are nacked non-retryable.
func (w *Worker) Register(taskType string, h Handler) {
	w.handlers[taskType] = h
}

// Run consumes tasks until ctx is cancelled, the task budget is reached, or
// the RSS cap trips. The return value is the process exit code.
func (w *Worker) Run(ctx context.Context) int {
	if len(w.handlers) == 0 {
		w.log.Error("no task handlers registered")
		return ExitConfig
	}

	completed := 0
	for {
		select {
		case <-ctx.Done():
			return ExitRecycle
		default:
		}

		task, err := w.queue.Claim(ctx, w.cfg.Queue, w.cfg.WorkerID, w.cfg.Visibility)
		if errors.Is(err, broker.ErrNoTask) {
			select {
			case <-ctx.Done():
				return ExitRecycle
			case <-time.After(w.cfg.PollInterval):
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ExitRecycle
			}
			w.log.Error("claim failed", "error", err)
			return ExitTransient
		}

		recycle := w.runTask(ctx, task)
		completed++
		if recycle {
			w.log.Warn("memory cap reached, recycling", "tasks_completed", completed)
			return ExitRecycle
		}
		if completed >= w.cfg.TasksPerProcess {
			w.log.Info("task budget reached, recycling", "tasks_completed", completed)
			return ExitRecycle
		}
	}
}

// runTask executes one claimed task with heartbeats. The returned flag
// requests a process recycle (RSS cap hit).
func (w *Worker) runTask(ctx context.Context, task *broker.Task) (recycle bool) {
	log := w.log.With("task_id", task.ID, "task_type", task.Type, "attempt", task.Attempts)
	start := time.Now()

	if w.metrics != nil {
		w.metrics.RunningTasks.Add(ctx, 1)
		defer w.metrics.RunningTasks.Add(ctx, -1)
	}

	handler, ok := w.handlers[task.Type]
	if !ok {
		log.Error("no handler for task type")
		w.finish(ctx, task, fault.E(fault.InvalidInput, "unknown task type "+task.Type, nil))
		return false
	}

	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var mu sync.Mutex
	percent, message := 0, "starting"
	progress := func(p int, msg string) {
		mu.Lock()
		percent, message = p, msg
		mu.Unlock()
	}

	// Heartbeat loop. Carries progress, observes cancel requests, and
	// enforces the RSS cap. Cancelling taskCtx stops the handler.
	var rssTripped bool
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		ticker := time.NewTicker(w.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-taskCtx.Done():
				return
			case <-ticker.C:
			}

			if w.cfg.RSSLimitBytes > 0 && w.rss() > w.cfg.RSSLimitBytes {
				mu.Lock()
				rssTripped = true
				mu.Unlock()
				cancel()
				return
			}

			mu.Lock()
			p, msg := percent, message
			mu.Unlock()
			cancelReq, err := w.queue.Heartbeat(taskCtx, task.ID, w.cfg.WorkerID, w.cfg.Visibility, p, msg)
			if err != nil {
				if taskCtx.Err() == nil {
					log.Warn("heartbeat failed, abandoning task", "error", err)
					cancel()
				}
				return
			}
			if cancelReq {
				log.Info("cancel requested")
				cancel()
				return
			}
		}
	}()

	err := handler.Execute(taskCtx, task, progress)
	cancel()
	<-hbDone

	mu.Lock()
	tripped := rssTripped
	mu.Unlock()
	if tripped {
		err = fault.E(fault.ResourceExhausted, "worker memory cap", ErrRSSExceeded)
	}

	w.finish(ctx, task, err)

	status := "succeeded"
	if err != nil {
		status = "failed"
	}
	log.Info("task finished", "status", status, "duration", time.Since(start))
	if w.metrics != nil {
		w.metrics.RecordTask(ctx, task.Type, status, time.Since(start).Seconds())
	}
	return tripped
}

// finish acks or nacks according to the task outcome. Uses the parent ctx so
// the final broker call survives task-level cancellation.
func (w *Worker) finish(ctx context.Context, task *broker.Task, taskErr error) {
	var err error
	if taskErr == nil {
		err = w.queue.Ack(ctx, task.ID, w.cfg.WorkerID)
	} else {
		err = w.queue.Nack(ctx, task.ID, w.cfg.WorkerID, fault.Retryable(taskErr), taskErr)
	}
	if err != nil && !errors.Is(err, broker.ErrNotOwner) {
		w.log.Error("failed to finish task", "task_id", task.ID, "error", fmt.Errorf("worker: finish: %w", err))
	}
}
