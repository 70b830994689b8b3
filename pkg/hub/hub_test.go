package hub_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/learnstack/fabric/pkg/bus"
	"github.com/learnstack/fabric/pkg/hub"
	"github.com/learnstack/fabric/pkg/notify"
	"github.com/learnstack/fabric/pkg/task"
	"github.com/learnstack/fabric/test/util"
)

func setupHub(t *testing.T) *hub.Hub {
	t.Helper()
	cfg, err := hub.LoadConfig()
	require.NoError(t, err)

	h := hub.NewWithGateway(cfg, util.SetupTestGateway(t))
	t.Cleanup(h.Stop)
	return h
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := hub.LoadConfig()
	require.NoError(t, err)

	assert.False(t, cfg.DBTLSDisabled)
	assert.Equal(t, time.Hour, cfg.CleanupInterval)
	assert.Equal(t, 5*time.Second, cfg.PollBaseInterval)
	assert.Equal(t, 60*time.Second, cfg.PollMaxInterval)
	assert.Equal(t, 1.5, cfg.PollBackoffFactor)
	assert.Equal(t, []time.Duration{
		time.Second, 5 * time.Second, 15 * time.Second, 60 * time.Second, 300 * time.Second,
	}, cfg.TaskRetryDelays)
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("DB_NAME", "override")
	t.Setenv("CLEANUP_INTERVAL", "10m")
	t.Setenv("TASK_RETRY_DELAYS", "2s,4s")
	t.Setenv("POLL_BACKOFF_FACTOR", "2.5")

	cfg, err := hub.LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "override", cfg.DBName)
	assert.Equal(t, 10*time.Minute, cfg.CleanupInterval)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, cfg.TaskRetryDelays)
	assert.Equal(t, 2.5, cfg.PollBackoffFactor)
}

func TestStartStopLifecycle(t *testing.T) {
	ctx := context.Background()
	h := setupHub(t)

	require.NoError(t, h.Start(ctx))
	// Repeat start is a no-op.
	require.NoError(t, h.Start(ctx))

	health := h.HealthCheck(ctx)
	assert.True(t, health.Started)
	assert.False(t, health.Degraded)
	assert.Equal(t, "healthy", health.Store.Status)
	assert.Equal(t, 0, health.Pollers)
}

func TestComponentsShareOneStore(t *testing.T) {
	ctx := context.Background()
	h := setupHub(t)
	require.NoError(t, h.Start(ctx))

	_, err := h.Bus.Publish(ctx, "work", "planner", nil, bus.PublishOptions{})
	require.NoError(t, err)

	sessionID, err := h.Sessions.Create(ctx, "user-1", []string{"planner"}, nil, nil, "")
	require.NoError(t, err)

	_, err = h.Tasks.Enqueue(ctx, "planner", "plan", nil, task.EnqueueOptions{})
	require.NoError(t, err)

	s, err := h.Sessions.Get(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, "user-1", s.UserID)

	count, err := h.Tasks.PendingCount(ctx, "planner")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestHubNotifierRehydratesOnStart(t *testing.T) {
	ctx := context.Background()
	h := setupHub(t)

	require.NoError(t, h.Notifier.Subscribe(ctx, "alice", "events", notify.ModeAll, "", nil))
	require.NoError(t, h.Start(ctx))

	assert.Equal(t, 1, h.Notifier.Notify("events", "k", nil, ""))
}

func TestPollOptionsFollowConfig(t *testing.T) {
	t.Setenv("POLL_BASE_INTERVAL", "2s")
	t.Setenv("POLL_BATCH_SIZE", "25")

	cfg, err := hub.LoadConfig()
	require.NoError(t, err)

	h := hub.NewWithGateway(cfg, util.SetupTestGateway(t))
	t.Cleanup(h.Stop)

	opts := h.PollOptions()
	assert.Equal(t, 2*time.Second, opts.BaseInterval)
	assert.Equal(t, 25, opts.BatchSize)
}
