package task

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/learnstack/fabric/pkg/store"
)

// DefaultBatchTimeout bounds one ProcessBatch run.
const DefaultBatchTimeout = 5 * time.Minute

// BatchResult is the outcome of processing one task in a batch.
type BatchResult struct {
	TaskID         string        `json:"task_id"`
	Success        bool          `json:"success"`
	Result         any           `json:"result,omitempty"`
	Error          string        `json:"error,omitempty"`
	ProcessingTime time.Duration `json:"processing_time_ms,omitempty"`
}

// RegisterHandler binds a handler to a task kind. A later registration
// for the same kind replaces the earlier one.
func (q *Queue) RegisterHandler(kind string, handler Handler) {
	q.mu.Lock()
	q.handlers[kind] = handler
	q.mu.Unlock()
	slog.Info("Task handler registered", "kind", kind)
}

func (q *Queue) handler(kind string) (Handler, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	h, ok := q.handlers[kind]
	return h, ok
}

// ProcessBatch dequeues and processes up to batchSize tasks for agent,
// stopping early when the queue drains or timeout elapses. A task with no
// registered handler is permanently failed without retry. Handler panics
// are contained and count as task failures, not batch failures.
func (q *Queue) ProcessBatch(ctx context.Context, agent string, batchSize int, kinds []string, timeout time.Duration) ([]BatchResult, error) {
	if batchSize <= 0 {
		batchSize = q.batchSize
	}
	if timeout <= 0 {
		timeout = DefaultBatchTimeout
	}
	start := time.Now()
	deadline := start.Add(timeout)

	var results []BatchResult
	for len(results) < batchSize {
		if time.Now().After(deadline) {
			slog.Warn("Batch processing timeout reached", "agent", agent, "processed", len(results))
			break
		}

		t, err := q.Dequeue(ctx, agent, kinds)
		if err != nil {
			q.logBatchProcess(ctx, agent, batchSize, results, start, err)
			return results, err
		}
		if t == nil {
			break
		}

		results = append(results, q.processOne(ctx, t))
	}

	q.logBatchProcess(ctx, agent, batchSize, results, start, nil)

	successful := 0
	for _, r := range results {
		if r.Success {
			successful++
		}
	}
	slog.Info("Batch processed",
		"agent", agent, "count", len(results),
		"successful", successful, "failed", len(results)-successful)
	return results, nil
}

func (q *Queue) processOne(ctx context.Context, t *Task) BatchResult {
	handler, ok := q.handler(t.Kind)
	if !ok {
		errMsg := fmt.Sprintf("no handler registered for task kind: %s", t.Kind)
		if _, err := q.Fail(ctx, t.TaskID, errMsg, false); err != nil {
			slog.Error("Failed to record missing-handler failure", "task_id", t.TaskID, "error", err)
		}
		return BatchResult{TaskID: t.TaskID, Success: false, Error: errMsg}
	}

	taskStart := time.Now()
	result, err := runHandler(ctx, handler, t)
	elapsed := time.Since(taskStart)

	if err != nil {
		errMsg := fmt.Sprintf("task processing error: %v", err)
		if _, failErr := q.Fail(ctx, t.TaskID, errMsg, true); failErr != nil {
			slog.Error("Failed to record task failure", "task_id", t.TaskID, "error", failErr)
		}
		return BatchResult{TaskID: t.TaskID, Success: false, Error: errMsg, ProcessingTime: elapsed}
	}

	if err := q.Complete(ctx, t.TaskID, result, elapsed); err != nil {
		return BatchResult{TaskID: t.TaskID, Success: false, Error: err.Error(), ProcessingTime: elapsed}
	}
	return BatchResult{TaskID: t.TaskID, Success: true, Result: result, ProcessingTime: elapsed}
}

func runHandler(ctx context.Context, handler Handler, t *Task) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, t.Params)
}

func (q *Queue) logBatchProcess(ctx context.Context, agent string, batchSize int, results []BatchResult, start time.Time, err error) {
	successful := 0
	for _, r := range results {
		if r.Success {
			successful++
		}
	}
	q.gw.Ops().Record(ctx, store.OpEntry{
		Agent:  agent,
		OpType: "batch_process_tasks",
		OpData: map[string]any{
			"processed_count": len(results),
			"successful":      successful,
			"failed":          len(results) - successful,
			"batch_size":      batchSize,
		},
		Duration: time.Since(start),
		Success:  err == nil,
		Err:      err,
	})
}
