package tasks

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/edgard/relaybot/internal/config"
	"github.com/edgard/relaybot/internal/database"
	"github.com/edgard/relaybot/internal/logger"
)

type fakePurger struct {
	completed, failed time.Duration
	n                 int64
	err               error
}

func (f *fakePurger) Purge(_ context.Context, retainCompleted, retainFailed time.Duration) (int64, error) {
	f.completed, f.failed = retainCompleted, retainFailed
	return f.n, f.err
}

func newTaskDeps(t *testing.T, purger *fakePurger) TaskDeps {
	t.Helper()
	db, err := database.NewDB(filepath.Join(t.TempDir(), "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.CloseDB(db) })

	return TaskDeps{
		Logger: logger.Discard(),
		Store:  database.NewStore(db, nil),
		Queue:  purger,
		Config: &config.Config{
			Relay:     config.RelayConfig{RetainCompleted: 24 * time.Hour, RetainFailed: 72 * time.Hour},
			RateLimit: config.RateLimitConfig{Window: time.Second, Capacity: 1},
		},
	}
}

func TestRegisterAllTasks(t *testing.T) {
	t.Parallel()
	tasks := RegisterAllTasks(newTaskDeps(t, &fakePurger{}))
	for _, name := range []string{"sql_maintenance", "relay_job_retention"} {
		if _, ok := tasks[name]; !ok {
			t.Errorf("task %q not registered", name)
		}
	}
}

func TestSQLMaintenanceTask(t *testing.T) {
	t.Parallel()
	require.NoError(t, newSQLMaintenanceTask(newTaskDeps(t, &fakePurger{}))(context.Background()))
}

func TestRelayRetentionTask(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("purges jobs and stale rate entries", func(t *testing.T) {
		t.Parallel()
		purger := &fakePurger{n: 3}
		deps := newTaskDeps(t, purger)

		now := time.Now()
		require.NoError(t, deps.Store.AddRateEntry(ctx, "gone", now.Add(-2*time.Hour).UnixMilli()))
		require.NoError(t, deps.Store.AddRateEntry(ctx, "live", now.UnixMilli()))

		require.NoError(t, newRelayRetentionTask(deps)(ctx))
		require.Equal(t, 24*time.Hour, purger.completed)
		require.Equal(t, 72*time.Hour, purger.failed)

		gone, err := deps.Store.ListRateEntries(ctx, "gone")
		require.NoError(t, err)
		require.Empty(t, gone)
		live, err := deps.Store.ListRateEntries(ctx, "live")
		require.NoError(t, err)
		require.Len(t, live, 1)
	})

	t.Run("purge failure is reported", func(t *testing.T) {
		t.Parallel()
		deps := newTaskDeps(t, &fakePurger{err: errors.New("locked")})
		require.Error(t, newRelayRetentionTask(deps)(ctx))
	})
}
