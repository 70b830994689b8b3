package store

import (
	"context"
	stdsql "database/sql"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// opLogBuffer bounds the in-flight audit queue; when full, entries are
// dropped rather than blocking the caller's critical path.
const opLogBuffer = 256

// OpEntry is one best-effort audit record. Never read by the fabric.
type OpEntry struct {
	Agent    string
	OpType   string
	OpData   map[string]any
	Duration time.Duration
	Success  bool
	Err      error
}

// OpLogger persists operation log entries asynchronously: Record enqueues
// without blocking, a dedicated goroutine drains to ops_log. Write failures
// are logged and swallowed so audit trouble never replaces a caller's error.
type OpLogger struct {
	db       *stdsql.DB
	entries  chan OpEntry
	stopping chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func newOpLogger(db *stdsql.DB) *OpLogger {
	return &OpLogger{
		db:       db,
		entries:  make(chan OpEntry, opLogBuffer),
		stopping: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (l *OpLogger) start() {
	go l.drain()
}

// stop signals the drainer and waits for it to flush what is buffered. The
// entries channel is never closed, so a Record racing stop drops its entry
// instead of panicking.
func (l *OpLogger) stop() {
	l.stopOnce.Do(func() { close(l.stopping) })
	<-l.done
}

// Record enqueues an entry. Non-blocking: a full buffer or a stopped logger
// drops the entry with a warning.
func (l *OpLogger) Record(_ context.Context, e OpEntry) {
	select {
	case <-l.stopping:
		slog.Warn("Operation log stopped, dropping entry",
			"agent", e.Agent, "op_type", e.OpType)
		return
	default:
	}
	select {
	case l.entries <- e:
	default:
		slog.Warn("Operation log buffer full, dropping entry",
			"agent", e.Agent, "op_type", e.OpType)
	}
}

func (l *OpLogger) drain() {
	defer close(l.done)
	for {
		select {
		case e := <-l.entries:
			l.write(e)
		case <-l.stopping:
			for {
				select {
				case e := <-l.entries:
					l.write(e)
				default:
					return
				}
			}
		}
	}
}

func (l *OpLogger) write(e OpEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data, err := json.Marshal(e.OpData)
	if err != nil {
		data = []byte("{}")
	}

	var durationMS *int64
	if e.Duration > 0 {
		ms := e.Duration.Milliseconds()
		durationMS = &ms
	}
	var errMsg *string
	if e.Err != nil {
		msg := e.Err.Error()
		errMsg = &msg
	}

	_, err = l.db.ExecContext(ctx,
		`INSERT INTO ops_log (agent, op_type, op_data, duration_ms, success, error)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		e.Agent, e.OpType, data, durationMS, e.Success, errMsg)
	if err != nil {
		slog.Warn("Failed to write operation log entry",
			"agent", e.Agent, "op_type", e.OpType, "error", err)
	}
}
