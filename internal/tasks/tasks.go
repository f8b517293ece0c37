// Package tasks implements the optional durable task/retry substrate: an
// at-least-once side-effect dispatch queue for follow-up work the
// reconciliation core itself doesn't need (e.g. notifying a merchant
// webhook once an invoice is paid), polled by workers that claim a
// bounded batch atomically and apply one of a closed set of retry
// policies on failure.
package tasks

import (
	"context"
	"encoding/json"
	"time"

	"gitlab.com/arcanecrypto/payday/build/teslalog"
)

var log = teslalog.New("TASK")

// UseLogger rebinds the package logger. Called once by build.init().
func UseLogger(logger *teslalog.Logger) {
	log = logger
}

// Status is the closed set of lifecycle states a Task passes through.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Outcome is what a Handler reports after attempting a task.
type Outcome int

const (
	// Success marks the task StatusCompleted.
	Success Outcome = iota
	// Failed marks the task StatusFailed with no further retries,
	// regardless of its RetryPolicy.
	Failed
	// Retry asks the queue to reschedule the task per its RetryPolicy,
	// or mark it StatusFailed if the policy's retry budget is spent.
	Retry
)

// RetryKind is the closed set of backoff strategies a Task may declare.
type RetryKind string

const (
	// Ignore: a Retry outcome is treated as Success. Used for
	// best-effort side effects where redelivery isn't worth it.
	Ignore RetryKind = "ignore"
	// Never: a Retry outcome is treated as Failed immediately.
	Never RetryKind = "never"
	// Fixed: retry up to Max times with a constant Delay between
	// attempts.
	Fixed RetryKind = "fixed"
	// Exponential: retry up to Max times with delay_n = BaseDelay * 2^n.
	Exponential RetryKind = "exponential"
)

// RetryPolicy configures how a Task's Retry outcome is handled.
type RetryPolicy struct {
	Kind      RetryKind     `json:"kind"`
	Max       int           `json:"max,omitempty"`
	Delay     time.Duration `json:"delay,omitempty"`
	BaseDelay time.Duration `json:"base_delay,omitempty"`
}

// NextDelay returns the backoff before the (numRetry+1)th attempt. ok is
// false if the policy has exhausted its retry budget.
func (p RetryPolicy) NextDelay(numRetry int) (delay time.Duration, ok bool) {
	switch p.Kind {
	case Ignore:
		return 0, true
	case Never:
		return 0, false
	case Fixed:
		if numRetry >= p.Max {
			return 0, false
		}
		return p.Delay, true
	case Exponential:
		if numRetry >= p.Max {
			return 0, false
		}
		return p.BaseDelay * time.Duration(1<<uint(numRetry)), true
	default:
		return 0, false
	}
}

// Task is a single unit of durable, at-least-once side-effect work.
type Task struct {
	ID          int64           `db:"id" json:"id"`
	TaskType    string          `db:"task_type" json:"task_type"`
	Payload     json.RawMessage `db:"payload" json:"payload"`
	Status      Status          `db:"status" json:"status"`
	RetryPolicy RetryPolicy     `db:"-" json:"-"`
	RawPolicy   json.RawMessage `db:"retry_policy" json:"retry_policy"`
	NumRetry    int             `db:"num_retry" json:"num_retry"`
	NextRetry   *time.Time      `db:"next_retry" json:"next_retry,omitempty"`
	ReceivedAt  time.Time       `db:"received_at" json:"received_at"`
	StartedAt   *time.Time      `db:"started_at" json:"started_at,omitempty"`
	CompletedAt *time.Time      `db:"completed_at" json:"completed_at,omitempty"`
}

// Queue is the durable persistence contract the worker pool runs against.
// Concrete backends live in internal/storage/postgres.
type Queue interface {
	// Enqueue inserts a new StatusPending task.
	Enqueue(ctx context.Context, taskType string, payload json.RawMessage, policy RetryPolicy) (int64, error)
	// ClaimBatch atomically transitions up to n StatusPending (or
	// due-for-retry) tasks to StatusProcessing and returns them. Must be
	// safe for concurrent callers: no two callers may claim the same
	// task.
	ClaimBatch(ctx context.Context, n int, now time.Time) ([]Task, error)
	// Complete marks a claimed task StatusCompleted.
	Complete(ctx context.Context, id int64, now time.Time) error
	// Fail marks a claimed task StatusFailed.
	Fail(ctx context.Context, id int64, now time.Time) error
	// Reschedule returns a claimed task to StatusPending with an
	// incremented retry count and the given next-attempt time.
	Reschedule(ctx context.Context, id int64, numRetry int, nextRetry time.Time) error
	// ReclaimStuck marks tasks still StatusProcessing past deadline
	// StatusFailed and returns how many it reclaimed. Used by the janitor.
	ReclaimStuck(ctx context.Context, deadline time.Time, now time.Time) (reclaimed int, err error)
}

// Handler processes one task's payload and reports the outcome.
type Handler func(ctx context.Context, task Task) Outcome

// Worker polls a Queue on a fixed interval, claiming a bounded batch of
// tasks per poll and dispatching each to Handler.
type Worker struct {
	queue        Queue
	handler      Handler
	pollInterval time.Duration
	batchSize    int
}

// defaultPollInterval and defaultBatchSize set the default worker poll
// cadence and claim size.
const (
	defaultPollInterval = time.Second
	defaultBatchSize    = 5
)

// NewWorker constructs a Worker with a default poll interval (1s) and
// batch size (5).
func NewWorker(queue Queue, handler Handler) *Worker {
	return &Worker{queue: queue, handler: handler, pollInterval: defaultPollInterval, batchSize: defaultBatchSize}
}

// WithPollInterval overrides the fixed poll interval.
func (w *Worker) WithPollInterval(d time.Duration) *Worker {
	w.pollInterval = d
	return w
}

// WithBatchSize overrides the per-poll claim size.
func (w *Worker) WithBatchSize(n int) *Worker {
	w.batchSize = n
	return w
}

// Run polls until ctx is canceled. Each poll claims up to batchSize tasks
// and dispatches them sequentially to handler; a Worker is meant to be run
// as one goroutine among several for parallelism.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.pollOnce(ctx)
		}
	}
}

func (w *Worker) pollOnce(ctx context.Context) {
	batch, err := w.queue.ClaimBatch(ctx, w.batchSize, time.Now().UTC())
	if err != nil {
		log.WithError(err).Error("claiming task batch")
		return
	}

	for _, task := range batch {
		w.dispatch(ctx, task)
	}
}

func (w *Worker) dispatch(ctx context.Context, task Task) {
	now := time.Now().UTC()
	switch w.handler(ctx, task) {
	case Success:
		if err := w.queue.Complete(ctx, task.ID, now); err != nil {
			log.WithField("task_id", task.ID).WithError(err).Error("completing task")
		}
	case Failed:
		if err := w.queue.Fail(ctx, task.ID, now); err != nil {
			log.WithField("task_id", task.ID).WithError(err).Error("failing task")
		}
	case Retry:
		w.handleRetry(ctx, task, now)
	}
}

func (w *Worker) handleRetry(ctx context.Context, task Task, now time.Time) {
	delay, ok := task.RetryPolicy.NextDelay(task.NumRetry)
	if !ok {
		if err := w.queue.Fail(ctx, task.ID, now); err != nil {
			log.WithField("task_id", task.ID).WithError(err).Error("failing exhausted task")
		}
		return
	}
	if task.RetryPolicy.Kind == Ignore {
		if err := w.queue.Complete(ctx, task.ID, now); err != nil {
			log.WithField("task_id", task.ID).WithError(err).Error("completing ignored-retry task")
		}
		return
	}
	if err := w.queue.Reschedule(ctx, task.ID, task.NumRetry+1, now.Add(delay)); err != nil {
		log.WithField("task_id", task.ID).WithError(err).Error("rescheduling task")
	}
}

// Janitor periodically reclaims tasks stuck StatusProcessing past a
// deadline, guarding against a worker that crashed mid-handler.
type Janitor struct {
	queue    Queue
	deadline time.Duration
	interval time.Duration
}

// NewJanitor constructs a Janitor that reclaims tasks StatusProcessing for
// longer than deadline, checking every interval.
func NewJanitor(queue Queue, deadline, interval time.Duration) *Janitor {
	return &Janitor{queue: queue, deadline: deadline, interval: interval}
}

// Run sweeps until ctx is canceled.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now().UTC()
			reclaimed, err := j.queue.ReclaimStuck(ctx, now.Add(-j.deadline), now)
			if err != nil {
				log.WithError(err).Error("reclaiming stuck tasks")
				continue
			}
			if reclaimed > 0 {
				log.WithField("count", reclaimed).Warn("reclaimed stuck tasks")
			}
		}
	}
}
