package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"gitlab.com/arcanecrypto/payday/internal/tasks"
)

// TaskQueue is the Postgres implementation of tasks.Queue, backing the
// `tasks` table. ClaimBatch uses SELECT ... FOR UPDATE SKIP LOCKED inside a
// transaction so concurrent workers never claim the same row.
type TaskQueue struct {
	db *sqlx.DB
}

// NewTaskQueue wraps an already-open connection pool.
func NewTaskQueue(db *sqlx.DB) *TaskQueue {
	return &TaskQueue{db: db}
}

var _ tasks.Queue = (*TaskQueue)(nil)

// Enqueue inserts a new pending task.
func (q *TaskQueue) Enqueue(ctx context.Context, taskType string, payload json.RawMessage, policy tasks.RetryPolicy) (int64, error) {
	rawPolicy, err := json.Marshal(policy)
	if err != nil {
		return 0, errors.Wrap(err, "marshaling retry policy")
	}

	var id int64
	err = q.db.QueryRowxContext(ctx, `
		INSERT INTO tasks (task_type, payload, status, retry_policy, received_at)
		VALUES ($1, $2, $3, $4, now())
		RETURNING id`,
		taskType, payload, tasks.StatusPending, rawPolicy,
	).Scan(&id)
	if err != nil {
		return 0, errors.Wrap(err, "enqueuing task")
	}
	return id, nil
}

const claimBatchQuery = `
WITH claimed AS (
	SELECT id FROM tasks
	WHERE status = $1 AND (next_retry IS NULL OR next_retry <= $3)
	ORDER BY received_at ASC
	LIMIT $2
	FOR UPDATE SKIP LOCKED
)
UPDATE tasks SET status = $4, started_at = $3
FROM claimed
WHERE tasks.id = claimed.id
RETURNING tasks.id, tasks.task_type, tasks.payload, tasks.status, tasks.retry_policy,
          tasks.num_retry, tasks.next_retry, tasks.received_at, tasks.started_at, tasks.completed_at`

// ClaimBatch atomically transitions up to n due tasks to processing.
func (q *TaskQueue) ClaimBatch(ctx context.Context, n int, now time.Time) ([]tasks.Task, error) {
	rows, err := q.db.QueryxContext(ctx, claimBatchQuery, tasks.StatusPending, n, now, tasks.StatusProcessing)
	if err != nil {
		return nil, errors.Wrap(err, "claiming task batch")
	}
	defer rows.Close()

	var claimed []tasks.Task
	for rows.Next() {
		var t tasks.Task
		if err := rows.StructScan(&t); err != nil {
			return nil, errors.Wrap(err, "scanning claimed task")
		}
		if err := json.Unmarshal(t.RawPolicy, &t.RetryPolicy); err != nil {
			return nil, errors.Wrapf(err, "decoding retry policy for task %d", t.ID)
		}
		claimed = append(claimed, t)
	}
	return claimed, rows.Err()
}

// Complete marks a claimed task completed.
func (q *TaskQueue) Complete(ctx context.Context, id int64, now time.Time) error {
	_, err := q.db.ExecContext(ctx, `UPDATE tasks SET status = $1, completed_at = $2 WHERE id = $3`,
		tasks.StatusCompleted, now, id)
	return errors.Wrapf(err, "completing task %d", id)
}

// Fail marks a claimed task failed.
func (q *TaskQueue) Fail(ctx context.Context, id int64, now time.Time) error {
	_, err := q.db.ExecContext(ctx, `UPDATE tasks SET status = $1, completed_at = $2 WHERE id = $3`,
		tasks.StatusFailed, now, id)
	return errors.Wrapf(err, "failing task %d", id)
}

// Reschedule returns a claimed task to pending for a later retry.
func (q *TaskQueue) Reschedule(ctx context.Context, id int64, numRetry int, nextRetry time.Time) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE tasks SET status = $1, num_retry = $2, next_retry = $3, started_at = NULL
		WHERE id = $4`,
		tasks.StatusPending, numRetry, nextRetry, id)
	return errors.Wrapf(err, "rescheduling task %d", id)
}

// ReclaimStuck marks processing tasks started before deadline as failed,
// since a stuck handler can't be distinguished from a crashed one and the
// retry policy has no way to resume partial progress.
func (q *TaskQueue) ReclaimStuck(ctx context.Context, deadline, now time.Time) (int, error) {
	result, err := q.db.ExecContext(ctx, `
		UPDATE tasks SET status = $1, completed_at = $2
		WHERE status = $3 AND started_at < $4`,
		tasks.StatusFailed, now, tasks.StatusProcessing, deadline)
	if err != nil {
		return 0, errors.Wrap(err, "reclaiming stuck tasks")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "reading reclaimed row count")
	}
	return int(affected), nil
}
