package task

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/learnstack/fabric/pkg/store"
)

// Stats aggregates the tasks table, optionally filtered.
type Stats struct {
	TotalTasks          int            `json:"total_tasks"`
	PendingTasks        int            `json:"pending_tasks"`
	ProcessingTasks     int            `json:"processing_tasks"`
	CompletedTasks      int            `json:"completed_tasks"`
	FailedTasks         int            `json:"failed_tasks"`
	AvgProcessingTimeMS float64        `json:"avg_processing_time_ms"`
	SuccessRate         float64        `json:"success_rate"`
	Agents              map[string]int `json:"agents"`
	Kinds               map[string]int `json:"kinds"`
}

// Filter narrows Queue.Stats. Zero values mean no filter.
type Filter struct {
	Agent         string
	Kind          string
	Status        Status
	PriorityMin   int
	PriorityMax   int
	CreatedAfter  time.Time
	CreatedBefore time.Time
}

func (f Filter) clauses() ([]string, []any) {
	var where []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.Agent != "" {
		add("agent = $%d", f.Agent)
	}
	if f.Kind != "" {
		add("kind = $%d", f.Kind)
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.PriorityMin > 0 {
		add("priority >= $%d", f.PriorityMin)
	}
	if f.PriorityMax > 0 {
		add("priority <= $%d", f.PriorityMax)
	}
	if !f.CreatedAfter.IsZero() {
		add("created_at >= $%d", f.CreatedAfter)
	}
	if !f.CreatedBefore.IsZero() {
		add("created_at <= $%d", f.CreatedBefore)
	}
	return where, args
}

// Stats returns aggregate counts, per-agent and per-kind totals, the mean
// completed-task processing time, and a completed/(completed+failed)
// success rate. With no finished tasks the success rate is 1.
func (q *Queue) Stats(ctx context.Context, filter Filter) (*Stats, error) {
	where, args := filter.clauses()
	clause := ""
	if len(where) > 0 {
		clause = "WHERE " + strings.Join(where, " AND ")
	}

	query := fmt.Sprintf(`
		SELECT agent, kind,
		       COUNT(*) AS total,
		       COUNT(*) FILTER (WHERE status = 'pending') AS pending,
		       COUNT(*) FILTER (WHERE status = 'processing') AS processing,
		       COUNT(*) FILTER (WHERE status = 'completed') AS completed,
		       COUNT(*) FILTER (WHERE status = 'failed') AS failed,
		       AVG(EXTRACT(EPOCH FROM (completed_at - started_at)) * 1000)
		         FILTER (WHERE status = 'completed' AND started_at IS NOT NULL) AS avg_ms
		FROM tasks
		%s
		GROUP BY agent, kind`, clause)

	rows, err := q.gw.Query(ctx, "task.stats", query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := &Stats{
		Agents:      map[string]int{},
		Kinds:       map[string]int{},
		SuccessRate: 1.0,
	}
	var weightedTime float64
	var weightedCount int
	for rows.Next() {
		var agent, kind string
		var total, pending, processing, completed, failed int
		var avgMS sql.NullFloat64
		if err := rows.Scan(&agent, &kind, &total, &pending, &processing,
			&completed, &failed, &avgMS); err != nil {
			return nil, store.NewError(store.KindFatal, "task.stats", err)
		}
		stats.TotalTasks += total
		stats.PendingTasks += pending
		stats.ProcessingTasks += processing
		stats.CompletedTasks += completed
		stats.FailedTasks += failed
		stats.Agents[agent] += total
		stats.Kinds[kind] += total
		if avgMS.Valid {
			weightedTime += avgMS.Float64 * float64(completed)
			weightedCount += completed
		}
	}
	if err := rows.Err(); err != nil {
		return nil, store.NewError(store.KindOf(err), "task.stats", err)
	}

	if weightedCount > 0 {
		stats.AvgProcessingTimeMS = weightedTime / float64(weightedCount)
	}
	if finished := stats.CompletedTasks + stats.FailedTasks; finished > 0 {
		stats.SuccessRate = float64(stats.CompletedTasks) / float64(finished)
	}
	return stats, nil
}

// PendingCount returns the number of pending tasks for agent.
func (q *Queue) PendingCount(ctx context.Context, agent string) (int, error) {
	var count int
	err := q.gw.QueryRow(ctx,
		`SELECT COUNT(*) FROM tasks WHERE agent = $1 AND status = 'pending'`,
		agent).Scan(&count)
	if err != nil {
		return 0, store.NewError(store.KindOf(err), "task.pending_count", err)
	}
	return count, nil
}

// CleanupCompleted deletes completed and failed tasks whose completion is
// older than the retention window.
func (q *Queue) CleanupCompleted(ctx context.Context, retention time.Duration) (int64, error) {
	affected, err := q.gw.Exec(ctx, "task.cleanup",
		`DELETE FROM tasks
		 WHERE status IN ('completed', 'failed')
		   AND completed_at < now() - $1 * interval '1 second'`,
		retention.Seconds())
	if err != nil {
		return 0, err
	}
	if affected > 0 {
		slog.Info("Old tasks removed", "count", affected, "retention", retention)
	}
	return affected, nil
}

// Dependencies returns the ids the task depends on.
func (q *Queue) Dependencies(ctx context.Context, taskID string) ([]string, error) {
	t, err := q.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return t.DependsOn, nil
}

// Dependents returns the ids of tasks that depend on the given task.
func (q *Queue) Dependents(ctx context.Context, taskID string) ([]string, error) {
	rows, err := q.gw.Query(ctx, "task.dependents",
		`SELECT task_id FROM tasks WHERE $1 = ANY(depends_on)`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, store.NewError(store.KindFatal, "task.dependents", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
