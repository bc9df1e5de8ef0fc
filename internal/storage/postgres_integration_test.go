//go:build integration

package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"whale-alerts/internal/config"
)

func startPostgres(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("whalewatch"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := NewPool(ctx, config.DatabaseConfig{DSN: dsn, MaxOpenConns: 4})
	require.NoError(t, err)
	store := NewStore(pool)
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.Migrate(ctx))
	// migrations are idempotent
	require.NoError(t, store.Migrate(ctx))
	return store
}

func TestPostgresStore(t *testing.T) {
	ctx := context.Background()
	store := startPostgres(t)

	_, found, err := store.MaxTimestamp(ctx, "additions")
	require.NoError(t, err)
	assert.False(t, found)

	inserted, err := store.AppendRecord(ctx, sampleRecord("additions", "a", 1700000100, "12345.67"))
	require.NoError(t, err)
	assert.True(t, inserted)
	inserted, err = store.AppendRecord(ctx, sampleRecord("additions", "a", 1700000100, "12345.67"))
	require.NoError(t, err)
	assert.False(t, inserted)
	_, err = store.AppendRecord(ctx, sampleRecord("additions", "b", 1700000500, "50000"))
	require.NoError(t, err)

	max, found, err := store.MaxTimestamp(ctx, "additions")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(1700000500), max)

	recent, err := store.ListRecentRecords(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "b", recent[0].EventID)
	assert.Equal(t, "50000", recent[0].AmountUSD.String())

	all, err := store.ListRecentRecords(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	count, err := store.CountRecords(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestPostgresAdvisoryLock(t *testing.T) {
	ctx := context.Background()
	store := startPostgres(t)

	unlock, acquired, err := store.TryAdvisoryLock(ctx, 42)
	require.NoError(t, err)
	require.True(t, acquired)

	_, again, err := store.TryAdvisoryLock(ctx, 42)
	require.NoError(t, err)
	assert.False(t, again, "lock is held by another session")

	unlock()
	unlock2, acquired, err := store.TryAdvisoryLock(ctx, 42)
	require.NoError(t, err)
	assert.True(t, acquired)
	unlock2()
}
