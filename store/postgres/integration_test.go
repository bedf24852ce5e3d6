//go:build integration
// +build integration

package postgres_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"golang.org/x/sync/errgroup"

	"github.com/smallnest/threadstore/store"
	"github.com/smallnest/threadstore/store/postgres"
	"github.com/smallnest/threadstore/store/storetest"
)

func startPostgresContainer(ctx context.Context, t *testing.T) string {
	t.Helper()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "threads",
			"POSTGRES_PASSWORD": "threads",
			"POSTGRES_DB":       "threads",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(time.Minute),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)

	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	return fmt.Sprintf("postgres://threads:threads@%s:%s/threads?sslmode=disable", host, port.Port())
}

func TestIntegration_PostgresCheckpointStore(t *testing.T) {
	ctx := context.Background()
	conn := startPostgresContainer(ctx, t)

	var n atomic.Int64
	open := func(pipeline bool) storetest.Factory {
		return func(t *testing.T) store.CheckpointStore {
			s, err := postgres.NewPostgresCheckpointStore(ctx, postgres.PostgresOptions{
				ConnString: conn,
				TableName:  fmt.Sprintf("checkpoints_%d", n.Add(1)),
				Pipeline:   pipeline,
			})
			require.NoError(t, err)
			require.NoError(t, s.Setup(ctx))
			t.Cleanup(func() { _ = s.Close() })
			return s
		}
	}

	t.Run("transaction", func(t *testing.T) { storetest.Run(t, open(false)) })
	t.Run("pipeline", func(t *testing.T) { storetest.Run(t, open(true)) })
}

func TestIntegration_PostgresSetupIsIdempotent(t *testing.T) {
	ctx := context.Background()
	conn := startPostgresContainer(ctx, t)

	s, err := postgres.NewPostgresCheckpointStore(ctx, postgres.PostgresOptions{
		ConnString: conn,
		Params:     map[string]string{"application_name": "threadstore-it"},
		Pool:       postgres.PoolOptions{MaxConns: 2},
	})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Ping(ctx))
	require.NoError(t, s.Setup(ctx))
	require.NoError(t, s.Setup(ctx))

	cp := &store.Checkpoint{ThreadID: "thread-1", State: map[string]any{"n": 1}}
	require.NoError(t, s.Put(ctx, cp))
	got, err := s.Get(ctx, "thread-1", "")
	require.NoError(t, err)
	assert.Equal(t, cp.ID, got.ID)

	require.NoError(t, s.DeleteThread(ctx, "thread-1"))
	_, err = s.Get(ctx, "thread-1", "")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestIntegration_PostgresConcurrentSetup(t *testing.T) {
	ctx := context.Background()
	conn := startPostgresContainer(ctx, t)

	var g errgroup.Group
	for i := 0; i < 4; i++ {
		g.Go(func() error {
			s, err := postgres.NewPostgresCheckpointStore(ctx, postgres.PostgresOptions{ConnString: conn, TableName: "shared"})
			if err != nil {
				return err
			}
			defer s.Close()
			return s.Setup(ctx)
		})
	}
	require.NoError(t, g.Wait())
}
