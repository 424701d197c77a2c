//go:build integration

package operation

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

func TestPostgresStore_Integration(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("aix"),
		tcpostgres.WithUsername("postgres"),
		tcpostgres.WithPassword("postgres"),
		tcpostgres.BasicWaitStrategies(),
	)
	require.NoError(t, err, "failed to start postgres container")
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	store, err := OpenPostgres(ctx, PostgresConfig{URL: dsn, MaxConns: 8})
	require.NoError(t, err)
	t.Cleanup(store.Close)

	runStoreSuite(t, func(t *testing.T) Store {
		truncate(t, store.pool)
		return store
	})
}

func truncate(t *testing.T, pool *pgxpool.Pool) {
	t.Helper()
	_, err := pool.Exec(context.Background(), `TRUNCATE crypto_operation`)
	require.NoError(t, err)
}

func TestRedisStore_Integration(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err, "failed to start redis container")
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	url, err := container.ConnectionString(ctx)
	require.NoError(t, err)

	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	client := redis.NewClient(opts)
	t.Cleanup(func() { _ = client.Close() })

	// each subtest gets its own key space
	var n atomic.Int32
	runStoreSuite(t, func(t *testing.T) Store {
		return NewRedisStore(client, fmt.Sprintf("aix:test:%d:", n.Add(1)))
	})

	t.Run("create writes hash and index together", func(t *testing.T) {
		prefix := fmt.Sprintf("aix:test:%d:", n.Add(1))
		s := NewRedisStore(client, prefix)
		op, err := s.Create(ctx, "atomic", KindEncrypt, "F")
		require.NoError(t, err)

		fields, err := client.HGetAll(ctx, prefix+"atomic").Result()
		require.NoError(t, err)
		assert.Equal(t, map[string]string{
			"kind":      "ENCRYPT",
			"fileName":  "F",
			"createdAt": fmt.Sprint(op.CreatedAt.UnixMilli()),
		}, fields)

		score, err := client.ZScore(ctx, prefix+"index", "atomic").Result()
		require.NoError(t, err)
		assert.Equal(t, float64(op.CreatedAt.UnixMilli()), score)
	})
}
