// Package task implements the durable priority task queue: dependency-gated
// dequeue, retries with backoff, batch processing and queue analytics.
package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/learnstack/fabric/pkg/store"
)

// Priority levels; lower numbers dequeue first.
const (
	PriorityCritical   = 1
	PriorityHigh       = 2
	PriorityNormal     = 5
	PriorityLow        = 8
	PriorityBackground = 10
)

// Status is the task lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusRetrying   Status = "retrying"
)

// DefaultMaxRetries applies when EnqueueOptions leaves MaxRetries unset.
const DefaultMaxRetries = 3

// defaultRetryDelays is the backoff schedule indexed by retry count; the
// last entry repeats for further attempts.
var defaultRetryDelays = []time.Duration{
	1 * time.Second,
	5 * time.Second,
	15 * time.Second,
	60 * time.Second,
	300 * time.Second,
}

// Task is one queue row.
type Task struct {
	TaskID      string          `json:"task_id"`
	Agent       string          `json:"agent"`
	Kind        string          `json:"kind"`
	Params      json.RawMessage `json:"params"`
	Priority    int             `json:"priority"`
	Status      Status          `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	RetryCount  int             `json:"retry_count"`
	MaxRetries  int             `json:"max_retries"`
	DependsOn   []string        `json:"depends_on,omitempty"`
	NotBefore   *time.Time      `json:"not_before,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// EnqueueOptions carries the optional enqueue parameters.
type EnqueueOptions struct {
	// Priority 1–10, lower dequeues first. Zero means PriorityNormal.
	Priority int
	// MaxRetries caps retry attempts. Zero means DefaultMaxRetries.
	MaxRetries int
	// Delay keeps the task ineligible for dequeue until it has elapsed.
	Delay time.Duration
	// DependsOn lists task ids that must complete before this task is
	// eligible for dequeue.
	DependsOn []string
}

// Handler processes one task's parameters and returns its result.
type Handler func(ctx context.Context, params json.RawMessage) (any, error)

// Queue coordinates durable tasks through the store gateway. Concurrent
// dequeuers never receive the same task.
type Queue struct {
	gw *store.Gateway

	mu       sync.RWMutex
	handlers map[string]Handler

	retryDelays []time.Duration
	batchSize   int
}

// NewQueue creates a task queue on the shared gateway.
func NewQueue(gw *store.Gateway) *Queue {
	return &Queue{
		gw:          gw,
		handlers:    make(map[string]Handler),
		retryDelays: defaultRetryDelays,
		batchSize:   100,
	}
}

// SetRetryDelays replaces the backoff schedule. Empty input is ignored.
func (q *Queue) SetRetryDelays(delays []time.Duration) {
	if len(delays) > 0 {
		q.retryDelays = delays
	}
}

// Enqueue adds one task and returns its generated id.
func (q *Queue) Enqueue(ctx context.Context, agent, kind string, params json.RawMessage, opts EnqueueOptions) (string, error) {
	taskID := uuid.NewString()
	if err := q.insert(ctx, nil, taskID, agent, kind, params, opts); err != nil {
		return "", err
	}
	slog.Debug("Task enqueued", "task_id", taskID, "agent", agent, "kind", kind, "priority", normalizePriority(opts.Priority))
	return taskID, nil
}

// BatchTask is one task definition for EnqueueBatch.
type BatchTask struct {
	Agent   string
	Kind    string
	Params  json.RawMessage
	Options EnqueueOptions
}

/// EnqueueBatch inserts the tasks in a single transaction: either every
// task is enqueued or none are.
func (q *Queue) EnqueueBatch(ctx context.Context, tasks []BatchTask) ([]string, error) {
	start := time.Now()
	tx, err := q.gw.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	taskIDs := make([]string, 0, len(tasks))
	for _, t := range tasks {
		taskID := uuid.NewString()
		if err := q.insert(ctx, tx, taskID, t.Agent, t.Kind, t.Params, t.Options); err != nil {
			q.logBatchEnqueue(ctx, len(tasks), nil, start, err)
			return nil, err
		}
		taskIDs = append(taskIDs, taskID)
	}
	if err := tx.Commit(); err != nil {
		err = store.NewError(store.KindOf(err), "task.enqueue_batch", err)
		q.logBatchEnqueue(ctx, len(tasks), nil, start, err)
		return nil, err
	}

	q.logBatchEnqueue(ctx, len(tasks), taskIDs, start, nil)
	slog.Info("Batch enqueued", "count", len(tasks))
	return taskIDs, nil
}

func (q *Queue) logBatchEnqueue(ctx context.Context, count int, taskIDs []string, start time.Time, err error) {
	logged := taskIDs
	if len(logged) > 10 {
		logged = logged[:10]
	}
	q.gw.Ops().Record(ctx, store.OpEntry{
		Agent:  "system",
		OpType: "batch_enqueue_tasks",
		OpData: map[string]any{
			"task_count": count,
			"task_ids":   logged,
		},
		Duration: time.Since(start),
		Success:  err == nil,
		Err:      err,
	})
}

func (q *Queue) insert(ctx context.Context, tx *sql.Tx, taskID, agent, kind string, params json.RawMessage, opts EnqueueOptions) error {
	priority := normalizePriority(opts.Priority)
	if priority < 1 || priority > 10 {
		return store.NewError(store.KindFatal, "task.enqueue",
			fmt.Errorf("priority %d out of range 1..10", priority))
	}
	maxRetries := opts.MaxRetries
	if maxRetries == 0 {
		maxRetries = DefaultMaxRetries
	}
	if params == nil {
		params = json.RawMessage("{}")
	}
	dependsOn := opts.DependsOn
	if dependsOn == nil {
		dependsOn = []string{}
	}
	var notBefore *time.Time
	if opts.Delay > 0 {
		t := time.Now().Add(opts.Delay)
		notBefore = &t
	}

	const query = `INSERT INTO tasks
		(task_id, agent, kind, params, priority, max_retries, depends_on, not_before)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	args := []any{taskID, agent, kind, []byte(params), priority, maxRetries, dependsOn, notBefore}

	if tx != nil {
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return store.NewError(store.KindOf(err), "task.enqueue", err)
		}
		return nil
	}
	_, err := q.gw.Exec(ctx, "task.enqueue", query, args...)
	return err
}

func normalizePriority(p int) int {
	if p == 0 {
		return PriorityNormal
	}
	return p
}

// Dequeue atomically claims the most urgent eligible task for agent, or
// returns nil when none is eligible. Eligibility requires pending status,
// an elapsed-or-absent delay, and every dependency completed; a dependency
// id with no matching row also gates. The claim uses a row lock with
// skip-locked semantics so concurrent dequeuers cannot win the same task.
func (q *Queue) Dequeue(ctx context.Context, agent string, kinds []string) (*Task, error) {
	tx, err := q.gw.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	query := `SELECT task_id, agent, kind, params, priority, status, result, error,
	                 retry_count, max_retries, to_jsonb(depends_on), not_before,
	                 created_at, started_at, completed_at
	          FROM tasks t
	          WHERE agent = $1
	            AND status = 'pending'
	            AND (not_before IS NULL OR not_before <= now())
	            AND NOT EXISTS (
	              SELECT 1
	              FROM unnest(t.depends_on) AS d(dep_id)
	              LEFT JOIN tasks dep ON dep.task_id = d.dep_id
	              WHERE dep.status IS DISTINCT FROM 'completed')`
	args := []any{agent}
	if len(kinds) > 0 {
		args = append(args, kinds)
		query += fmt.Sprintf(` AND kind = ANY($%d)`, len(args))
	}
	query += ` ORDER BY priority ASC, created_at ASC, seq ASC
	           LIMIT 1
	           FOR UPDATE OF t SKIP LOCKED`

	t, err := scanTask(tx.QueryRowContext(ctx, query, args...))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, store.NewError(store.KindOf(err), "task.dequeue", err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status = 'processing', started_at = now()
		 WHERE task_id = $1 AND status = 'pending'`, t.TaskID)
	if err != nil {
		return nil, store.NewError(store.KindOf(err), "task.dequeue", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, store.NewError(store.KindFatal, "task.dequeue", err)
	}
	if affected != 1 {
		// The locked row changed state underneath us; treat as empty queue.
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, store.NewError(store.KindOf(err), "task.dequeue", err)
	}

	t.Status = StatusProcessing
	now := time.Now()
	t.StartedAt = &now
	slog.Debug("Task dequeued", "task_id", t.TaskID, "agent", agent, "kind", t.Kind)
	return t, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var t Task
	var params, result, dependsOn []byte
	var errMsg sql.NullString
	if err := row.Scan(&t.TaskID, &t.Agent, &t.Kind, &params, &t.Priority, &t.Status,
		&result, &errMsg, &t.RetryCount, &t.MaxRetries, &dependsOn, &t.NotBefore,
		&t.CreatedAt, &t.StartedAt, &t.CompletedAt); err != nil {
		return nil, err
	}
	t.Params = params
	t.Result = result
	t.Error = errMsg.String
	if len(dependsOn) > 0 {
		if err := json.Unmarshal(dependsOn, &t.DependsOn); err != nil {
			return nil, err
		}
	}
	return &t, nil
}

// GetTask returns the full task row.
func (q *Queue) GetTask(ctx context.Context, taskID string) (*Task, error) {
	t, err := scanTask(q.gw.QueryRow(ctx,
		`SELECT task_id, agent, kind, params, priority, status, result, error,
		        retry_count, max_retries, to_jsonb(depends_on), not_before,
		        created_at, started_at, completed_at
		 FROM tasks WHERE task_id = $1`, taskID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, store.NewError(store.KindNotFound, "task.get",
				fmt.Errorf("task %q: %w", taskID, store.ErrNotFound))
		}
		return nil, store.NewError(store.KindOf(err), "task.get", err)
	}
	return t, nil
}

// Complete records a processing task's result and marks it completed.
func (q *Queue) Complete(ctx context.Context, taskID string, result any, processingTime time.Duration) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return store.NewError(store.KindFatal, "task.complete", err)
	}

	affected, err := q.gw.Exec(ctx, "task.complete",
		`UPDATE tasks
		 SET status = 'completed', result = $2, completed_at = now()
		 WHERE task_id = $1 AND status = 'processing'`,
		taskID, payload)
	if err != nil {
		return err
	}
	if affected == 0 {
		return q.conflict(ctx, "task.complete", taskID)
	}

	if processingTime > 0 {
		q.gw.Ops().Record(ctx, store.OpEntry{
			Agent:  "system",
			OpType: "task_completed",
			OpData: map[string]any{
				"task_id":            taskID,
				"processing_time_ms": processingTime.Milliseconds(),
			},
			Duration: processingTime,
			Success:  true,
		})
	}
	slog.Debug("Task completed", "task_id", taskID)
	return nil
}

// Fail records a task failure. With retry true and attempts remaining the
// task returns to pending with a backoff delay and reports true; otherwise
// the task is permanently failed and Fail reports false.
func (q *Queue) Fail(ctx context.Context, taskID, errorMessage string, retry bool) (bool, error) {
	if retry {
		var retryCount, maxRetries int
		err := q.gw.QueryRow(ctx,
			`SELECT retry_count, max_retries FROM tasks WHERE task_id = $1`,
			taskID).Scan(&retryCount, &maxRetries)
		if err != nil && err != sql.ErrNoRows {
			return false, store.NewError(store.KindOf(err), "task.fail", err)
		}
		if err == nil && retryCount < maxRetries {
			delay := q.retryDelays[min(retryCount, len(q.retryDelays)-1)]
			affected, err := q.gw.Exec(ctx, "task.fail",
				`UPDATE tasks
				 SET status = 'pending', retry_count = retry_count + 1, error = $2,
				     not_before = now() + $3 * interval '1 second'
				 WHERE task_id = $1 AND retry_count = $4
				   AND status NOT IN ('completed', 'failed')`,
				taskID, errorMessage, delay.Seconds(), retryCount)
			if err != nil {
				return false, err
			}
			if affected == 1 {
				slog.Info("Task scheduled for retry",
					"task_id", taskID, "attempt", retryCount+1, "delay", delay)
				return true, nil
			}
		}
	}

	affected, err := q.gw.Exec(ctx, "task.fail",
		`UPDATE tasks
		 SET status = 'failed', error = $2, completed_at = now()
		 WHERE task_id = $1 AND status NOT IN ('completed', 'failed')`,
		taskID, errorMessage)
	if err != nil {
		return false, err
	}
	if affected == 0 {
		return false, q.conflict(ctx, "task.fail", taskID)
	}
	slog.Warn("Task permanently failed", "task_id", taskID, "error", errorMessage)
	return false, nil
}

// Cancel fails a still-pending task. Returns false when the task is
// missing or already left pending.
func (q *Queue) Cancel(ctx context.Context, taskID, reason string) (bool, error) {
	errorMessage := "Cancelled"
	if reason != "" {
		errorMessage = "Cancelled: " + reason
	}
	affected, err := q.gw.Exec(ctx, "task.cancel",
		`UPDATE tasks
		 SET status = 'failed', error = $2, completed_at = now()
		 WHERE task_id = $1 AND status = 'pending'`,
		taskID, errorMessage)
	if err != nil {
		return false, err
	}
	if affected == 1 {
		slog.Info("Task cancelled", "task_id", taskID, "reason", reason)
	}
	return affected == 1, nil
}

// RetryFailed resets a permanently failed task back to pending with a
// fresh retry budget. Returns false when the task is not in failed state.
func (q *Queue) RetryFailed(ctx context.Context, taskID string) (bool, error) {
	affected, err := q.gw.Exec(ctx, "task.retry_failed",
		`UPDATE tasks
		 SET status = 'pending', retry_count = 0, error = NULL,
		     not_before = NULL, started_at = NULL, completed_at = NULL
		 WHERE task_id = $1 AND status = 'failed'`,
		taskID)
	return affected == 1, err
}

// conflict resolves a zero-affected-rows outcome into not-found or
// invalid-state.
func (q *Queue) conflict(ctx context.Context, op, taskID string) error {
	var status Status
	err := q.gw.QueryRow(ctx,
		`SELECT status FROM tasks WHERE task_id = $1`, taskID).Scan(&status)
	if err == sql.ErrNoRows {
		return store.NewError(store.KindNotFound, op,
			fmt.Errorf("task %q: %w", taskID, store.ErrNotFound))
	}
	if err != nil {
		return store.NewError(store.KindOf(err), op, err)
	}
	return store.NewError(store.KindInvalidState, op,
		fmt.Errorf("task %q in status %q: %w", taskID, status, store.ErrInvalidState))
}
