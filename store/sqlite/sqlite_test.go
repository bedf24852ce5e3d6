package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smallnest/threadstore/store"
	"github.com/smallnest/threadstore/store/storetest"
)

func newTestStore(t *testing.T, opts SqliteOptions) *SqliteCheckpointStore {
	t.Helper()
	if opts.Path == "" {
		opts.Path = filepath.Join(t.TempDir(), "checkpoints.db")
	}
	s, err := NewSqliteCheckpointStore(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSqliteCheckpointStore_Conformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.CheckpointStore {
		return newTestStore(t, SqliteOptions{})
	})
}

func TestSqliteCheckpointStore_InMemory(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.CheckpointStore {
		return newTestStore(t, SqliteOptions{Path: ":memory:"})
	})
}

func TestSqliteCheckpointStore_SetupIsIdempotent(t *testing.T) {
	s := newTestStore(t, SqliteOptions{TableName: "agent_checkpoints"})
	ctx := context.Background()

	version, err := s.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(migrations), version)

	require.NoError(t, s.Setup(ctx))
	require.NoError(t, s.Setup(ctx))

	version, err = s.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(migrations), version)
}

func TestSqliteCheckpointStore_Persists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "threads.db")
	ctx := context.Background()

	first, err := NewSqliteCheckpointStore(SqliteOptions{Path: path})
	require.NoError(t, err)
	require.NoError(t, first.Put(ctx, &store.Checkpoint{ThreadID: "t", ID: "c", State: "kept"}))
	require.NoError(t, first.Close())

	second, err := NewSqliteCheckpointStore(SqliteOptions{Path: path})
	require.NoError(t, err)
	defer second.Close()

	got, err := second.Get(ctx, "t", "c")
	require.NoError(t, err)
	assert.Equal(t, "kept", got.State)
}

func TestSqliteCheckpointStore_Ping(t *testing.T) {
	s := newTestStore(t, SqliteOptions{})
	require.NoError(t, s.Ping(context.Background()))
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Ping(context.Background()), store.ErrClosed)
}

func TestNewSqliteCheckpointStore_Errors(t *testing.T) {
	_, err := NewSqliteCheckpointStore(SqliteOptions{})
	assert.Error(t, err)

	_, err = NewSqliteCheckpointStore(SqliteOptions{Path: filepath.Join(t.TempDir(), "x.db"), TableName: "drop table"})
	assert.Error(t, err)

	_, err = NewSqliteCheckpointStore(SqliteOptions{Path: filepath.Join(t.TempDir(), "missing", "dir", "x.db")})
	assert.Error(t, err)
}
