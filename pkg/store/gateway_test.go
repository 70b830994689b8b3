package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/learnstack/fabric/pkg/store"
	"github.com/learnstack/fabric/test/util"
)

func TestMigrationsCreateSchema(t *testing.T) {
	ctx := context.Background()
	gw := util.SetupTestGateway(t)

	for _, table := range []string{"messages", "cache_entries", "sessions", "tasks", "subscriptions", "ops_log"} {
		var one int
		err := gw.QueryRow(ctx, "SELECT 1 FROM "+table+" LIMIT 1").Scan(&one)
		// Empty tables return no rows; what matters is that the relation exists.
		if err != nil {
			assert.Equal(t, store.KindNotFound, store.KindOf(err), "table %s", table)
		}
	}
}

func TestExecReportsAffectedRows(t *testing.T) {
	ctx := context.Background()
	gw := util.SetupTestGateway(t)

	affected, err := gw.Exec(ctx, "test.insert",
		`INSERT INTO messages (channel, sender, payload) VALUES ($1, $2, '{}'::jsonb)`,
		"ch", "s")
	require.NoError(t, err)
	assert.Equal(t, int64(1), affected)

	affected, err = gw.Exec(ctx, "test.update",
		`UPDATE messages SET processed = TRUE WHERE channel = $1`, "nope")
	require.NoError(t, err)
	assert.Equal(t, int64(0), affected)
}

func TestExecSurfacesIntegrityFaults(t *testing.T) {
	ctx := context.Background()
	gw := util.SetupTestGateway(t)

	_, err := gw.Exec(ctx, "test.bad_priority",
		`INSERT INTO messages (channel, sender, payload, priority) VALUES ('c', 's', '{}'::jsonb, 99)`)
	require.Error(t, err)
	assert.Equal(t, store.KindIntegrity, store.KindOf(err))
}

func TestProbeAndHealth(t *testing.T) {
	ctx := context.Background()
	gw := util.SetupTestGateway(t)

	rtt, err := gw.Probe(ctx)
	require.NoError(t, err)
	assert.Greater(t, rtt, time.Duration(0))

	health, err := gw.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, 10, health.PoolSize)
	assert.NotZero(t, health.Timestamp)
}

func TestExecAfterCloseReturnsError(t *testing.T) {
	ctx := context.Background()
	db := util.SetupTestDatabase(t)
	gw := store.NewGatewayFromDB(db, store.Config{Database: "test", PoolSize: 10})
	require.NoError(t, gw.Close())

	// A straggling operation after shutdown must surface the pool error,
	// not crash on the stopped operation log.
	assert.NotPanics(t, func() {
		_, err := gw.Exec(ctx, "test.after_close",
			`INSERT INTO messages (channel, sender, payload) VALUES ('c', 's', '{}'::jsonb)`)
		assert.Error(t, err)
	})
}

func TestOpLoggerPersistsEntries(t *testing.T) {
	ctx := context.Background()
	gw := util.SetupTestGateway(t)

	gw.Ops().Record(ctx, store.OpEntry{
		Agent:    "tester",
		OpType:   "custom_op",
		OpData:   map[string]any{"key": "value"},
		Duration: 12 * time.Millisecond,
		Success:  true,
	})

	// The logger drains asynchronously.
	assert.Eventually(t, func() bool {
		var count int
		err := gw.QueryRow(ctx,
			`SELECT COUNT(*) FROM ops_log WHERE agent = 'tester' AND op_type = 'custom_op' AND success`).Scan(&count)
		return err == nil && count == 1
	}, 5*time.Second, 50*time.Millisecond)
}
