// Package session manages multi-agent session lifecycle, conversation
// history and analytics on top of the sessions table.
package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/learnstack/fabric/pkg/store"
)

// Status is the session lifecycle state. Legal transitions are
// active<->paused and active|paused -> completed|failed; completed and
// failed are terminal.
type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Turn is one conversation entry. History is append-only; turns are never
// edited or removed.
type Turn struct {
	AgentName        string         `json:"agent_name"`
	MessageType      string         `json:"message_type"`
	Content          map[string]any `json:"content"`
	Timestamp        time.Time      `json:"timestamp"`
	ProcessingTimeMS *int64         `json:"processing_time_ms,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// Session is a full session row. Callers must treat returned sessions as
// read-only; all mutation goes through Manager methods.
type Session struct {
	SessionID   string         `json:"session_id"`
	UserID      string         `json:"user_id"`
	Agents      []string       `json:"agents"`
	State       map[string]any `json:"state"`
	History     []Turn         `json:"history"`
	Metadata    map[string]any `json:"metadata"`
	Status      Status         `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// Summary is the analytics view of one session.
type Summary struct {
	SessionID       string     `json:"session_id"`
	UserID          string     `json:"user_id"`
	Status          Status     `json:"status"`
	CreatedAt       time.Time  `json:"created_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	DurationSeconds float64    `json:"duration_seconds"`
	Agents          []string   `json:"agents"`
	TotalMessages   int        `json:"total_messages"`
	Outcome         string     `json:"outcome,omitempty"`
}

// Metrics aggregates a session's conversation history.
type Metrics struct {
	TotalTurns           int            `json:"total_turns"`
	AgentsInvolved       []string       `json:"agents_involved"`
	AvgResponseTimeMS    float64        `json:"avg_response_time_ms"`
	TotalDurationSeconds float64        `json:"total_duration_seconds"`
	MessageTypes         map[string]int `json:"message_types"`
	ErrorCount           int            `json:"error_count"`
	SuccessRate          float64        `json:"success_rate"`
}

// SummaryFilter narrows Summaries. Zero values mean no filter; a zero
// Limit defaults to 100.
type SummaryFilter struct {
	UserID        string
	Status        Status
	CreatedAfter  time.Time
	CreatedBefore time.Time
	Limit         int
	Offset        int
}

// HistoryFilter narrows History. Limit keeps the most recent N turns
// after the other filters apply.
type HistoryFilter struct {
	Limit       int
	Agent       string
	MessageType string
}

// Manager provides session lifecycle operations. Active sessions are kept
// in a process-local read-through cache; the database stays the source of
// truth and every mutation evicts the cached copy.
type Manager struct {
	gw *store.Gateway

	mu     sync.RWMutex
	active map[string]*Session
}

// NewManager creates a session manager on the shared gateway.
func NewManager(gw *store.Gateway) *Manager {
	return &Manager{
		gw:     gw,
		active: make(map[string]*Session),
	}
}

// Create persists a new active session and returns its id. An empty
// sessionID gets a generated UUID.
func (m *Manager) Create(ctx context.Context, userID string, agents []string, initialState, metadata map[string]any, sessionID string) (string, error) {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	if initialState == nil {
		initialState = map[string]any{}
	}
	if metadata == nil {
		metadata = map[string]any{}
	}

	agentsJSON, err := json.Marshal(agents)
	if err != nil {
		return "", store.NewError(store.KindFatal, "session.create", err)
	}
	stateJSON, err := json.Marshal(initialState)
	if err != nil {
		return "", store.NewError(store.KindFatal, "session.create", err)
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return "", store.NewError(store.KindFatal, "session.create", err)
	}

	if _, err := m.gw.Exec(ctx, "session.create",
		`INSERT INTO sessions (session_id, user_id, agents, state, history, metadata, status)
		 VALUES ($1, $2, $3, $4, '[]'::jsonb, $5, 'active')`,
		sessionID, userID, agentsJSON, stateJSON, metaJSON); err != nil {
		return "", err
	}

	slog.Info("Session created", "session_id", sessionID, "user_id", userID, "agents", agents)
	return sessionID, nil
}

// Get returns the session, reading through the active-session cache. Only
// active sessions are cached.
func (m *Manager) Get(ctx context.Context, sessionID string) (*Session, error) {
	m.mu.RLock()
	cached, ok := m.active[sessionID]
	m.mu.RUnlock()
	if ok {
		return cached, nil
	}

	s, err := m.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.Status == StatusActive {
		m.mu.Lock()
		m.active[sessionID] = s
		m.mu.Unlock()
	}
	return s, nil
}

func (m *Manager) load(ctx context.Context, sessionID string) (*Session, error) {
	var s Session
	var agents, state, history, metadata []byte
	err := m.gw.QueryRow(ctx,
		`SELECT session_id, user_id, agents, state, history, metadata,
		        status, created_at, updated_at, completed_at
		 FROM sessions WHERE session_id = $1`,
		sessionID).Scan(&s.SessionID, &s.UserID, &agents, &state, &history,
		&metadata, &s.Status, &s.CreatedAt, &s.UpdatedAt, &s.CompletedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, store.NewError(store.KindNotFound, "session.get",
				fmt.Errorf("session %q: %w", sessionID, store.ErrNotFound))
		}
		return nil, store.NewError(store.KindOf(err), "session.get", err)
	}
	if err := decodeInto(agents, &s.Agents); err != nil {
		return nil, store.NewError(store.KindFatal, "session.get", err)
	}
	if err := decodeInto(state, &s.State); err != nil {
		return nil, store.NewError(store.KindFatal, "session.get", err)
	}
	if err := decodeInto(history, &s.History); err != nil {
		return nil, store.NewError(store.KindFatal, "session.get", err)
	}
	if err := decodeInto(metadata, &s.Metadata); err != nil {
		return nil, store.NewError(store.KindFatal, "session.get", err)
	}
	return &s, nil
}

func decodeInto(raw []byte, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

func (m *Manager) evict(sessionID string) {
	m.mu.Lock()
	delete(m.active, sessionID)
	m.mu.Unlock()
}

// UpdateState applies updates to a non-terminal session's state. With
// merge true the updates are shallow-merged over the existing state;
// otherwise the state is replaced wholesale.
func (m *Manager) UpdateState(ctx context.Context, sessionID string, updates map[string]any, merge bool) error {
	payload, err := json.Marshal(updates)
	if err != nil {
		return store.NewError(store.KindFatal, "session.update_state", err)
	}

	expr := `$2::jsonb`
	if merge {
		expr = `state || $2::jsonb`
	}
	affected, err := m.gw.Exec(ctx, "session.update_state",
		`UPDATE sessions
		 SET state = `+expr+`, updated_at = now()
		 WHERE session_id = $1 AND status IN ('active', 'paused')`,
		sessionID, payload)
	if err != nil {
		return err
	}
	if affected == 0 {
		return m.conflict(ctx, "session.update_state", sessionID)
	}
	m.evict(sessionID)
	return nil
}

// AppendTurn appends one turn to an active session's history. The append
// happens in a single statement so concurrent turns interleave without
// loss. Paused and terminal sessions reject the append.
func (m *Manager) AppendTurn(ctx context.Context, sessionID string, turn Turn) error {
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now().UTC()
	}
	if turn.Metadata == nil {
		turn.Metadata = map[string]any{}
	}
	payload, err := json.Marshal([]Turn{turn})
	if err != nil {
		return store.NewError(store.KindFatal, "session.append_turn", err)
	}

	affected, err := m.gw.Exec(ctx, "session.append_turn",
		`UPDATE sessions
		 SET history = history || $2::jsonb, updated_at = now()
		 WHERE session_id = $1 AND status = 'active'`,
		sessionID, payload)
	if err != nil {
		return err
	}
	if affected == 0 {
		return m.conflict(ctx, "session.append_turn", sessionID)
	}
	m.evict(sessionID)

	slog.Debug("Turn appended", "session_id", sessionID, "agent", turn.AgentName, "message_type", turn.MessageType)
	return nil
}

// History returns the session's turns, optionally filtered by agent and
// message type, keeping the most recent Limit turns.
func (m *Manager) History(ctx context.Context, sessionID string, filter HistoryFilter) ([]Turn, error) {
	s, err := m.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	var turns []Turn
	for _, t := range s.History {
		if filter.Agent != "" && t.AgentName != filter.Agent {
			continue
		}
		if filter.MessageType != "" && t.MessageType != filter.MessageType {
			continue
		}
		turns = append(turns, t)
	}
	if filter.Limit > 0 && len(turns) > filter.Limit {
		turns = turns[len(turns)-filter.Limit:]
	}
	return turns, nil
}

// Pause moves an active session to paused, recording the reason in
// metadata when given.
func (m *Manager) Pause(ctx context.Context, sessionID, reason string) error {
	meta := map[string]any{}
	if reason != "" {
		meta["pause_reason"] = reason
	}
	return m.transition(ctx, "session.pause", sessionID, StatusPaused,
		[]Status{StatusActive}, meta, false, nil)
}

// Resume moves a paused session back to active.
func (m *Manager) Resume(ctx context.Context, sessionID string) error {
	return m.transition(ctx, "session.resume", sessionID, StatusActive,
		[]Status{StatusPaused}, nil, false, nil)
}

// Complete finishes a session, optionally recording an outcome in
// metadata and replacing the final state.
func (m *Manager) Complete(ctx context.Context, sessionID, outcome string, finalState map[string]any) error {
	meta := map[string]any{}
	if outcome != "" {
		meta["outcome"] = outcome
	}
	return m.transition(ctx, "session.complete", sessionID, StatusCompleted,
		[]Status{StatusActive, StatusPaused}, meta, true, finalState)
}

// Fail marks a session failed, recording the error in metadata.
func (m *Manager) Fail(ctx context.Context, sessionID, errorMessage string, errorDetails map[string]any) error {
	meta := map[string]any{
		"error_message": errorMessage,
		"failed_at":     time.Now().UTC().Format(time.RFC3339),
	}
	if errorDetails != nil {
		meta["error_details"] = errorDetails
	}
	return m.transition(ctx, "session.fail", sessionID, StatusFailed,
		[]Status{StatusActive, StatusPaused}, meta, true, nil)
}

// transition conditionally moves a session between states. The WHERE
// clause carries the allowed source states so an illegal transition
// mutates nothing and reports zero affected rows.
func (m *Manager) transition(ctx context.Context, op, sessionID string, to Status, from []Status, meta map[string]any, setCompleted bool, finalState map[string]any) error {
	fromList := make([]string, len(from))
	for i, s := range from {
		fromList[i] = "'" + string(s) + "'"
	}

	set := `status = $2, updated_at = now()`
	args := []any{sessionID, string(to)}
	if len(meta) > 0 {
		payload, err := json.Marshal(meta)
		if err != nil {
			return store.NewError(store.KindFatal, op, err)
		}
		args = append(args, payload)
		set += fmt.Sprintf(`, metadata = metadata || $%d::jsonb`, len(args))
	}
	if finalState != nil {
		payload, err := json.Marshal(finalState)
		if err != nil {
			return store.NewError(store.KindFatal, op, err)
		}
		args = append(args, payload)
		set += fmt.Sprintf(`, state = $%d::jsonb`, len(args))
	}
	if setCompleted {
		set += `, completed_at = now()`
	}

	affected, err := m.gw.Exec(ctx, op,
		`UPDATE sessions SET `+set+`
		 WHERE session_id = $1 AND status IN (`+strings.Join(fromList, ", ")+`)`,
		args...)
	if err != nil {
		return err
	}
	if affected == 0 {
		return m.conflict(ctx, op, sessionID)
	}
	m.evict(sessionID)

	slog.Info("Session transitioned", "session_id", sessionID, "status", to)
	return nil
}

// conflict turns a zero-affected-rows outcome into the precise error: the
// session is either missing or in a state that forbids the operation.
func (m *Manager) conflict(ctx context.Context, op, sessionID string) error {
	var status Status
	err := m.gw.QueryRow(ctx,
		`SELECT status FROM sessions WHERE session_id = $1`, sessionID).Scan(&status)
	if err == sql.ErrNoRows {
		return store.NewError(store.KindNotFound, op,
			fmt.Errorf("session %q: %w", sessionID, store.ErrNotFound))
	}
	if err != nil {
		return store.NewError(store.KindOf(err), op, err)
	}
	return store.NewError(store.KindInvalidState, op,
		fmt.Errorf("session %q in status %q: %w", sessionID, status, store.ErrInvalidState))
}

// ActiveForUser returns the user's active sessions, newest first.
func (m *Manager) ActiveForUser(ctx context.Context, userID string) ([]*Session, error) {
	rows, err := m.gw.Query(ctx, "session.active_for_user",
		`SELECT session_id FROM sessions
		 WHERE user_id = $1 AND status = 'active'
		 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, store.NewError(store.KindFatal, "session.active_for_user", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, store.NewError(store.KindOf(err), "session.active_for_user", err)
	}

	sessions := make([]*Session, 0, len(ids))
	for _, id := range ids {
		s, err := m.Get(ctx, id)
		if err != nil {
			if store.KindOf(err) == store.KindNotFound {
				continue
			}
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, nil
}

// Summaries returns analytics rows for sessions matching the filter,
// newest first.
func (m *Manager) Summaries(ctx context.Context, filter SummaryFilter) ([]Summary, error) {
	if filter.Limit <= 0 {
		filter.Limit = 100
	}

	where := []string{}
	args := []any{}
	if filter.UserID != "" {
		args = append(args, filter.UserID)
		where = append(where, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if !filter.CreatedAfter.IsZero() {
		args = append(args, filter.CreatedAfter)
		where = append(where, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if !filter.CreatedBefore.IsZero() {
		args = append(args, filter.CreatedBefore)
		where = append(where, fmt.Sprintf("created_at < $%d", len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = "WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, filter.Limit, filter.Offset)

	query := fmt.Sprintf(`
		SELECT session_id, user_id, status, created_at, completed_at,
		       agents, metadata,
		       jsonb_array_length(history) AS total_messages,
		       EXTRACT(EPOCH FROM (COALESCE(completed_at, now()) - created_at)) AS duration_seconds
		FROM sessions
		%s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d`, clause, len(args)-1, len(args))

	rows, err := m.gw.Query(ctx, "session.summaries", query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var summaries []Summary
	for rows.Next() {
		var s Summary
		var agents, metadata []byte
		if err := rows.Scan(&s.SessionID, &s.UserID, &s.Status, &s.CreatedAt,
			&s.CompletedAt, &agents, &metadata, &s.TotalMessages, &s.DurationSeconds); err != nil {
			return nil, store.NewError(store.KindFatal, "session.summaries", err)
		}
		if err := decodeInto(agents, &s.Agents); err != nil {
			return nil, store.NewError(store.KindFatal, "session.summaries", err)
		}
		var meta map[string]any
		if err := decodeInto(metadata, &meta); err == nil {
			if outcome, ok := meta["outcome"].(string); ok {
				s.Outcome = outcome
			}
		}
		summaries = append(summaries, s)
	}
	if err := rows.Err(); err != nil {
		return nil, store.NewError(store.KindOf(err), "session.summaries", err)
	}
	return summaries, nil
}

// SearchContent returns ids of sessions whose conversation history
// contains the term, newest first.
func (m *Manager) SearchContent(ctx context.Context, term, userID string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT session_id FROM sessions WHERE history::text ILIKE $1`
	args := []any{"%" + term + "%"}
	if userID != "" {
		args = append(args, userID)
		query += fmt.Sprintf(" AND user_id = $%d", len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := m.gw.Query(ctx, "session.search_content", query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, store.NewError(store.KindFatal, "session.search_content", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Metrics computes performance aggregates from the session's history. A
// turn counts as an error when its message type contains "error" or its
// content carries a truthy "error" value.
func (m *Manager) Metrics(ctx context.Context, sessionID string) (*Metrics, error) {
	s, err := m.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	metrics := &Metrics{
		AgentsInvolved: s.Agents,
		MessageTypes:   map[string]int{},
		SuccessRate:    1.0,
	}
	if len(s.History) == 0 {
		return metrics, nil
	}

	metrics.TotalTurns = len(s.History)

	agentSet := map[string]struct{}{}
	var responseTotal, responseCount int64
	for _, t := range s.History {
		agentSet[t.AgentName] = struct{}{}
		if t.ProcessingTimeMS != nil {
			responseTotal += *t.ProcessingTimeMS
			responseCount++
		}
		kind := t.MessageType
		if kind == "" {
			kind = "unknown"
		}
		metrics.MessageTypes[kind]++
		if strings.Contains(strings.ToLower(kind), "error") || truthy(t.Content["error"]) {
			metrics.ErrorCount++
		}
	}

	agents := make([]string, 0, len(agentSet))
	for a := range agentSet {
		agents = append(agents, a)
	}
	metrics.AgentsInvolved = agents

	if responseCount > 0 {
		metrics.AvgResponseTimeMS = float64(responseTotal) / float64(responseCount)
	}
	first := s.History[0].Timestamp
	last := s.History[len(s.History)-1].Timestamp
	metrics.TotalDurationSeconds = last.Sub(first).Seconds()
	metrics.SuccessRate = float64(metrics.TotalTurns-metrics.ErrorCount) / float64(metrics.TotalTurns)
	return metrics, nil
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	default:
		return true
	}
}

// CleanupExpired force-fails every non-terminal session older than maxAge,
// stamping cleanup_reason=expired in metadata, and returns the count.
func (m *Manager) CleanupExpired(ctx context.Context, maxAge time.Duration) (int64, error) {
	affected, err := m.gw.Exec(ctx, "session.cleanup_expired",
		`UPDATE sessions
		 SET status = 'failed', completed_at = now(), updated_at = now(),
		     metadata = metadata || '{"cleanup_reason": "expired"}'::jsonb
		 WHERE status IN ('active', 'paused')
		   AND created_at < now() - $1 * interval '1 second'`,
		maxAge.Seconds())
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge)
	m.mu.Lock()
	for id, s := range m.active {
		if s.CreatedAt.Before(cutoff) {
			delete(m.active, id)
		}
	}
	m.mu.Unlock()

	if affected > 0 {
		slog.Info("Expired sessions failed", "count", affected, "max_age", maxAge)
	}
	return affected, nil
}
