package session_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/learnstack/fabric/pkg/session"
	"github.com/learnstack/fabric/pkg/store"
	"github.com/learnstack/fabric/test/util"
)

func setupManager(t *testing.T) *session.Manager {
	t.Helper()
	return session.NewManager(util.SetupTestGateway(t))
}

func createSession(t *testing.T, m *session.Manager, userID string) string {
	t.Helper()
	id, err := m.Create(context.Background(), userID, []string{"planner", "researcher"}, nil, nil, "")
	require.NoError(t, err)
	return id
}

func TestCreateAndGet(t *testing.T) {
	ctx := context.Background()
	m := setupManager(t)

	id, err := m.Create(ctx, "user-1", []string{"planner"},
		map[string]any{"phase": "start"}, map[string]any{"origin": "test"}, "")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	s, err := m.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "user-1", s.UserID)
	assert.Equal(t, []string{"planner"}, s.Agents)
	assert.Equal(t, session.StatusActive, s.Status)
	assert.Equal(t, "start", s.State["phase"])
	assert.Equal(t, "test", s.Metadata["origin"])
	assert.Empty(t, s.History)
}

func TestCreateWithExplicitID(t *testing.T) {
	ctx := context.Background()
	m := setupManager(t)

	id, err := m.Create(ctx, "u", nil, nil, nil, "custom-id")
	require.NoError(t, err)
	assert.Equal(t, "custom-id", id)

	// A duplicate id violates the primary key.
	_, err = m.Create(ctx, "u", nil, nil, nil, "custom-id")
	require.Error(t, err)
	assert.Equal(t, store.KindIntegrity, store.KindOf(err))
}

func TestGetUnknown(t *testing.T) {
	m := setupManager(t)

	_, err := m.Get(context.Background(), "nope")
	require.Error(t, err)
	assert.Equal(t, store.KindNotFound, store.KindOf(err))
}

func TestUpdateStateMergeAndReplace(t *testing.T) {
	ctx := context.Background()
	m := setupManager(t)
	id := createSession(t, m, "u")

	require.NoError(t, m.UpdateState(ctx, id, map[string]any{"a": float64(1)}, true))
	require.NoError(t, m.UpdateState(ctx, id, map[string]any{"b": float64(2)}, true))

	s, err := m.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, float64(1), s.State["a"])
	assert.Equal(t, float64(2), s.State["b"])

	require.NoError(t, m.UpdateState(ctx, id, map[string]any{"only": float64(3)}, false))

	s, err = m.Get(ctx, id)
	require.NoError(t, err)
	assert.NotContains(t, s.State, "a")
	assert.Equal(t, float64(3), s.State["only"])
}

func TestAppendTurn(t *testing.T) {
	ctx := context.Background()
	m := setupManager(t)
	id := createSession(t, m, "u")

	ms := int64(120)
	require.NoError(t, m.AppendTurn(ctx, id, session.Turn{
		AgentName:        "planner",
		MessageType:      "plan",
		Content:          map[string]any{"steps": float64(3)},
		ProcessingTimeMS: &ms,
	}))
	require.NoError(t, m.AppendTurn(ctx, id, session.Turn{
		AgentName:   "researcher",
		MessageType: "result",
		Content:     map[string]any{"found": true},
	}))

	s, err := m.Get(ctx, id)
	require.NoError(t, err)
	require.Len(t, s.History, 2)
	assert.Equal(t, "planner", s.History[0].AgentName)
	assert.Equal(t, "researcher", s.History[1].AgentName)
	assert.False(t, s.History[0].Timestamp.IsZero())
}

func TestAppendTurnRejectedWhenNotActive(t *testing.T) {
	ctx := context.Background()
	m := setupManager(t)
	id := createSession(t, m, "u")

	require.NoError(t, m.Pause(ctx, id, "waiting"))

	err := m.AppendTurn(ctx, id, session.Turn{AgentName: "a", MessageType: "t"})
	require.Error(t, err)
	assert.Equal(t, store.KindInvalidState, store.KindOf(err))

	err = m.AppendTurn(ctx, "missing", session.Turn{AgentName: "a", MessageType: "t"})
	require.Error(t, err)
	assert.Equal(t, store.KindNotFound, store.KindOf(err))
}

func TestLifecycleTransitions(t *testing.T) {
	ctx := context.Background()
	m := setupManager(t)
	id := createSession(t, m, "u")

	require.NoError(t, m.Pause(ctx, id, "rate limited"))
	s, err := m.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, session.StatusPaused, s.Status)
	assert.Equal(t, "rate limited", s.Metadata["pause_reason"])

	require.NoError(t, m.Resume(ctx, id))
	s, err = m.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, session.StatusActive, s.Status)

	require.NoError(t, m.Complete(ctx, id, "done", map[string]any{"final": true}))
	s, err = m.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, s.Status)
	assert.Equal(t, "done", s.Metadata["outcome"])
	assert.Equal(t, true, s.State["final"])
	assert.NotNil(t, s.CompletedAt)
}

func TestTerminalStatesAreImmutable(t *testing.T) {
	ctx := context.Background()
	m := setupManager(t)
	id := createSession(t, m, "u")

	require.NoError(t, m.Complete(ctx, id, "", nil))

	for _, op := range []func() error{
		func() error { return m.Pause(ctx, id, "") },
		func() error { return m.Resume(ctx, id) },
		func() error { return m.Complete(ctx, id, "", nil) },
		func() error { return m.Fail(ctx, id, "late", nil) },
		func() error { return m.UpdateState(ctx, id, map[string]any{"x": 1}, true) },
	} {
		err := op()
		require.Error(t, err)
		assert.Equal(t, store.KindInvalidState, store.KindOf(err))
	}
}

func TestResumeRequiresPaused(t *testing.T) {
	ctx := context.Background()
	m := setupManager(t)
	id := createSession(t, m, "u")

	err := m.Resume(ctx, id)
	require.Error(t, err)
	assert.Equal(t, store.KindInvalidState, store.KindOf(err))
}

func TestFailRecordsErrorMetadata(t *testing.T) {
	ctx := context.Background()
	m := setupManager(t)
	id := createSession(t, m, "u")

	require.NoError(t, m.Fail(ctx, id, "agent crashed", map[string]any{"code": float64(42)}))

	s, err := m.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, session.StatusFailed, s.Status)
	assert.Equal(t, "agent crashed", s.Metadata["error_message"])
	assert.NotNil(t, s.CompletedAt)
	details, ok := s.Metadata["error_details"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(42), details["code"])
}

func TestHistoryFilters(t *testing.T) {
	ctx := context.Background()
	m := setupManager(t)
	id := createSession(t, m, "u")

	for i := 0; i < 3; i++ {
		require.NoError(t, m.AppendTurn(ctx, id, session.Turn{AgentName: "planner", MessageType: "plan"}))
	}
	require.NoError(t, m.AppendTurn(ctx, id, session.Turn{AgentName: "researcher", MessageType: "result"}))

	turns, err := m.History(ctx, id, session.HistoryFilter{Agent: "planner"})
	require.NoError(t, err)
	assert.Len(t, turns, 3)

	turns, err = m.History(ctx, id, session.HistoryFilter{MessageType: "result"})
	require.NoError(t, err)
	assert.Len(t, turns, 1)

	turns, err = m.History(ctx, id, session.HistoryFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "researcher", turns[1].AgentName)
}

func TestMetrics(t *testing.T) {
	ctx := context.Background()
	m := setupManager(t)
	id := createSession(t, m, "u")

	fast, slow := int64(100), int64(300)
	require.NoError(t, m.AppendTurn(ctx, id, session.Turn{
		AgentName: "planner", MessageType: "plan", ProcessingTimeMS: &fast,
	}))
	require.NoError(t, m.AppendTurn(ctx, id, session.Turn{
		AgentName: "researcher", MessageType: "tool_error", ProcessingTimeMS: &slow,
	}))

	metrics, err := m.Metrics(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, metrics.TotalTurns)
	assert.ElementsMatch(t, []string{"planner", "researcher"}, metrics.AgentsInvolved)
	assert.InDelta(t, 200.0, metrics.AvgResponseTimeMS, 0.001)
	assert.Equal(t, 1, metrics.ErrorCount)
	assert.InDelta(t, 0.5, metrics.SuccessRate, 0.001)
	assert.Equal(t, 1, metrics.MessageTypes["plan"])
}

func TestMetricsEmptyHistory(t *testing.T) {
	ctx := context.Background()
	m := setupManager(t)
	id := createSession(t, m, "u")

	metrics, err := m.Metrics(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 0, metrics.TotalTurns)
	assert.Equal(t, 1.0, metrics.SuccessRate)
}

func TestActiveForUser(t *testing.T) {
	ctx := context.Background()
	m := setupManager(t)

	a := createSession(t, m, "alice")
	createSession(t, m, "bob")
	done := createSession(t, m, "alice")
	require.NoError(t, m.Complete(ctx, done, "", nil))

	sessions, err := m.ActiveForUser(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, a, sessions[0].SessionID)
}

func TestSummaries(t *testing.T) {
	ctx := context.Background()
	m := setupManager(t)

	id := createSession(t, m, "alice")
	require.NoError(t, m.AppendTurn(ctx, id, session.Turn{AgentName: "a", MessageType: "t"}))
	require.NoError(t, m.Complete(ctx, id, "solved", nil))
	createSession(t, m, "bob")

	summaries, err := m.Summaries(ctx, session.SummaryFilter{UserID: "alice"})
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, id, summaries[0].SessionID)
	assert.Equal(t, session.StatusCompleted, summaries[0].Status)
	assert.Equal(t, 1, summaries[0].TotalMessages)
	assert.Equal(t, "solved", summaries[0].Outcome)

	summaries, err = m.Summaries(ctx, session.SummaryFilter{Status: session.StatusActive})
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, "bob", summaries[0].UserID)

	summaries, err = m.Summaries(ctx, session.SummaryFilter{CreatedBefore: time.Now().Add(-time.Hour)})
	require.NoError(t, err)
	assert.Empty(t, summaries)

	summaries, err = m.Summaries(ctx, session.SummaryFilter{CreatedAfter: time.Now().Add(-time.Hour)})
	require.NoError(t, err)
	assert.Len(t, summaries, 2)
}

func TestSearchContent(t *testing.T) {
	ctx := context.Background()
	m := setupManager(t)

	id := createSession(t, m, "alice")
	require.NoError(t, m.AppendTurn(ctx, id, session.Turn{
		AgentName: "a", MessageType: "t",
		Content: map[string]any{"text": "the quick brown fox"},
	}))
	createSession(t, m, "alice")

	ids, err := m.SearchContent(ctx, "quick brown", "", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{id}, ids)

	ids, err = m.SearchContent(ctx, "quick brown", "bob", 10)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestCleanupExpired(t *testing.T) {
	ctx := context.Background()
	m := setupManager(t)

	active := createSession(t, m, "u")
	paused := createSession(t, m, "u")
	require.NoError(t, m.Pause(ctx, paused, ""))
	finished := createSession(t, m, "u")
	require.NoError(t, m.Complete(ctx, finished, "", nil))

	time.Sleep(100 * time.Millisecond)
	count, err := m.CleanupExpired(ctx, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	for _, id := range []string{active, paused} {
		s, err := m.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, session.StatusFailed, s.Status)
		assert.Equal(t, "expired", s.Metadata["cleanup_reason"])
	}

	// The completed session is untouched.
	s, err := m.Get(ctx, finished)
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, s.Status)
}
