// Package storetest holds the behaviour every store.CheckpointStore backend
// must share. Backend packages call Run from their own tests.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smallnest/threadstore/store"
)

// Factory opens a fresh, empty, schema-ready store for one subtest.
type Factory func(t *testing.T) store.CheckpointStore

var base = time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)

func checkpointAt(threadID, id string, offset time.Duration) *store.Checkpoint {
	return &store.Checkpoint{
		ThreadID:  threadID,
		ID:        id,
		NodeName:  "agent",
		State:     map[string]any{"messages": []any{"hi"}, "step": id},
		Metadata:  map[string]any{"source": "loop"},
		CreatedAt: base.Add(offset),
		Version:   1,
	}
}

// Run executes the shared suite against stores produced by open.
func Run(t *testing.T, open Factory) {
	t.Run("put and get", func(t *testing.T) { testPutGet(t, open(t)) })
	t.Run("get latest", func(t *testing.T) { testGetLatest(t, open(t)) })
	t.Run("get missing", func(t *testing.T) { testGetMissing(t, open(t)) })
	t.Run("put replaces", func(t *testing.T) { testPutReplaces(t, open(t)) })
	t.Run("list ordered", func(t *testing.T) { testList(t, open(t)) })
	t.Run("pending writes", func(t *testing.T) { testPendingWrites(t, open(t)) })
	t.Run("delete thread", func(t *testing.T) { testDeleteThread(t, open(t)) })
	t.Run("delete thread twice", func(t *testing.T) { testDeleteThreadIdempotent(t, open(t)) })
	t.Run("invalid thread id", func(t *testing.T) { testInvalidThreadID(t, open(t)) })
	t.Run("closed store", func(t *testing.T) { testClosed(t, open(t)) })
	t.Run("separator in ids", func(t *testing.T) { testSeparatorInIDs(t, open(t)) })
	t.Run("concurrent threads", func(t *testing.T) { testConcurrentThreads(t, open(t)) })
}

func testPutGet(t *testing.T, s store.CheckpointStore) {
	ctx := context.Background()
	cp := checkpointAt("thread-1", "cp-1", 0)
	cp.ParentID = "cp-0"
	require.NoError(t, s.Put(ctx, cp))

	got, err := s.Get(ctx, "thread-1", "cp-1")
	require.NoError(t, err)

	assert.Equal(t, "thread-1", got.ThreadID)
	assert.Equal(t, "cp-1", got.ID)
	assert.Equal(t, "cp-0", got.ParentID)
	assert.Equal(t, "agent", got.NodeName)
	assert.Equal(t, 1, got.Version)
	assert.True(t, cp.CreatedAt.Equal(got.CreatedAt), "created_at %v != %v", cp.CreatedAt, got.CreatedAt)
	assert.Equal(t, map[string]any{"messages": []any{"hi"}, "step": "cp-1"}, got.State)
	assert.Equal(t, "loop", got.Metadata["source"])
	assert.Empty(t, got.PendingWrites)

	generated := &store.Checkpoint{ThreadID: "thread-1", State: "x"}
	require.NoError(t, s.Put(ctx, generated))
	assert.NotEmpty(t, generated.ID)

	again, err := s.Get(ctx, "thread-1", generated.ID)
	require.NoError(t, err)
	assert.Equal(t, "x", again.State)
}

func testGetLatest(t *testing.T, s store.CheckpointStore) {
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, checkpointAt("thread-1", "cp-2", 2*time.Second)))
	require.NoError(t, s.Put(ctx, checkpointAt("thread-1", "cp-3", 3*time.Second)))
	require.NoError(t, s.Put(ctx, checkpointAt("thread-1", "cp-1", time.Second)))
	require.NoError(t, s.Put(ctx, checkpointAt("thread-2", "cp-9", time.Hour)))

	got, err := s.Get(ctx, "thread-1", "")
	require.NoError(t, err)
	assert.Equal(t, "cp-3", got.ID)
}

func testGetMissing(t *testing.T, s store.CheckpointStore) {
	ctx := context.Background()

	_, err := s.Get(ctx, "thread-1", "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.Get(ctx, "thread-1", "")
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.Put(ctx, checkpointAt("thread-1", "cp-1", 0)))
	_, err = s.Get(ctx, "thread-2", "cp-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testPutReplaces(t *testing.T, s store.CheckpointStore) {
	ctx := context.Background()
	cp := checkpointAt("thread-1", "cp-1", 0)
	require.NoError(t, s.Put(ctx, cp))

	cp.NodeName = "tools"
	cp.Version = 2
	require.NoError(t, s.Put(ctx, cp))

	list, err := s.List(ctx, "thread-1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "tools", list[0].NodeName)
	assert.Equal(t, 2, list[0].Version)
}

func testList(t *testing.T, s store.CheckpointStore) {
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, checkpointAt("thread-1", "b", 2*time.Second)))
	require.NoError(t, s.Put(ctx, checkpointAt("thread-1", "a", time.Second)))
	require.NoError(t, s.Put(ctx, checkpointAt("thread-1", "c", 3*time.Second)))
	require.NoError(t, s.Put(ctx, checkpointAt("thread-2", "z", 0)))

	list, err := s.List(ctx, "thread-1")
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{list[0].ID, list[1].ID, list[2].ID})

	empty, err := s.List(ctx, "thread-unknown")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func testPendingWrites(t *testing.T, s store.CheckpointStore) {
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, checkpointAt("thread-1", "cp-1", 0)))

	require.NoError(t, s.PutWrites(ctx, "thread-1", "cp-1", []store.PendingWrite{
		{TaskID: "task-a", Channel: "messages", Value: "draft"},
		{TaskID: "task-a", Channel: "tools", Value: map[string]any{"name": "search"}},
	}))
	require.NoError(t, s.PutWrites(ctx, "thread-1", "cp-1", []store.PendingWrite{
		{TaskID: "task-b", Channel: "messages", Value: "final"},
	}))
	require.NoError(t, s.PutWrites(ctx, "thread-1", "cp-1", nil))

	got, err := s.Get(ctx, "thread-1", "cp-1")
	require.NoError(t, err)
	require.Len(t, got.PendingWrites, 3)
	assert.Equal(t, store.PendingWrite{TaskID: "task-a", Channel: "messages", Value: "draft"}, got.PendingWrites[0])
	assert.Equal(t, map[string]any{"name": "search"}, got.PendingWrites[1].Value)
	assert.Equal(t, "final", got.PendingWrites[2].Value)

	err = s.PutWrites(ctx, "thread-1", "missing", []store.PendingWrite{{TaskID: "t", Channel: "c", Value: 1}})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testDeleteThread(t *testing.T, s store.CheckpointStore) {
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Put(ctx, checkpointAt("thread-1", fmt.Sprintf("cp-%d", i), time.Duration(i)*time.Second)))
	}
	require.NoError(t, s.PutWrites(ctx, "thread-1", "cp-2", []store.PendingWrite{{TaskID: "t", Channel: "c", Value: "v"}}))
	require.NoError(t, s.Put(ctx, checkpointAt("thread-2", "keep", 0)))

	require.NoError(t, s.DeleteThread(ctx, "thread-1"))

	list, err := s.List(ctx, "thread-1")
	require.NoError(t, err)
	assert.Empty(t, list)

	_, err = s.Get(ctx, "thread-1", "cp-2")
	assert.ErrorIs(t, err, store.ErrNotFound)

	kept, err := s.Get(ctx, "thread-2", "keep")
	require.NoError(t, err)
	assert.Equal(t, "keep", kept.ID)

	// A thread re-created after deletion must not see the old writes.
	require.NoError(t, s.Put(ctx, checkpointAt("thread-1", "cp-2", 0)))
	fresh, err := s.Get(ctx, "thread-1", "cp-2")
	require.NoError(t, err)
	assert.Empty(t, fresh.PendingWrites)
}

func testDeleteThreadIdempotent(t *testing.T, s store.CheckpointStore) {
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, checkpointAt("thread-1", "cp-1", 0)))

	require.NoError(t, s.DeleteThread(ctx, "thread-1"))
	require.NoError(t, s.DeleteThread(ctx, "thread-1"))
	require.NoError(t, s.DeleteThread(ctx, "never-existed"))

	list, err := s.List(ctx, "thread-1")
	require.NoError(t, err)
	assert.Empty(t, list)
}

// Ids that contain ':' or '%' must not alias another thread's checkpoints.
func testSeparatorInIDs(t *testing.T, s store.CheckpointStore) {
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, checkpointAt("a:b", "c", 0)))
	require.NoError(t, s.PutWrites(ctx, "a:b", "c", []store.PendingWrite{{TaskID: "t", Channel: "c", Value: "ab"}}))
	require.NoError(t, s.Put(ctx, checkpointAt("a", "b:c", time.Second)))
	require.NoError(t, s.Put(ctx, checkpointAt("a", "b%3Ac", 2*time.Second)))

	got, err := s.Get(ctx, "a:b", "c")
	require.NoError(t, err)
	assert.Equal(t, "a:b", got.ThreadID)
	assert.Equal(t, "c", got.State.(map[string]any)["step"])
	require.Len(t, got.PendingWrites, 1)

	got, err = s.Get(ctx, "a", "b:c")
	require.NoError(t, err)
	assert.Equal(t, "a", got.ThreadID)
	assert.Equal(t, "b:c", got.State.(map[string]any)["step"])
	assert.Empty(t, got.PendingWrites)

	got, err = s.Get(ctx, "a", "b%3Ac")
	require.NoError(t, err)
	assert.Equal(t, "b%3Ac", got.State.(map[string]any)["step"])

	list, err := s.List(ctx, "a:b")
	require.NoError(t, err)
	assert.Len(t, list, 1)
	list, err = s.List(ctx, "a")
	require.NoError(t, err)
	assert.Len(t, list, 2)

	require.NoError(t, s.DeleteThread(ctx, "a"))

	kept, err := s.Get(ctx, "a:b", "c")
	require.NoError(t, err)
	assert.Equal(t, "a:b", kept.ThreadID)
	assert.Len(t, kept.PendingWrites, 1)
	list, err = s.List(ctx, "a:b")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func testInvalidThreadID(t *testing.T, s store.CheckpointStore) {
	ctx := context.Background()

	assert.ErrorIs(t, s.Put(ctx, &store.Checkpoint{ID: "cp-1"}), store.ErrInvalidThreadID)
	assert.ErrorIs(t, s.DeleteThread(ctx, ""), store.ErrInvalidThreadID)
	_, err := s.Get(ctx, " ", "cp-1")
	assert.ErrorIs(t, err, store.ErrInvalidThreadID)
	_, err = s.List(ctx, "")
	assert.ErrorIs(t, err, store.ErrInvalidThreadID)
}

func testClosed(t *testing.T, s store.CheckpointStore) {
	ctx := context.Background()
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	assert.ErrorIs(t, s.DeleteThread(ctx, "thread-1"), store.ErrClosed)
	assert.ErrorIs(t, s.Put(ctx, checkpointAt("thread-1", "cp-1", 0)), store.ErrClosed)
	_, err := s.Get(ctx, "thread-1", "")
	assert.ErrorIs(t, err, store.ErrClosed)
	_, err = s.List(ctx, "thread-1")
	assert.ErrorIs(t, err, store.ErrClosed)
	assert.ErrorIs(t, s.PutWrites(ctx, "thread-1", "cp-1", nil), store.ErrClosed)
}

func testConcurrentThreads(t *testing.T, s store.CheckpointStore) {
	ctx := context.Background()
	var wg sync.WaitGroup
	errs := make(chan error, 40)

	for i := 0; i < 8; i++ {
		threadID := fmt.Sprintf("thread-%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 4; j++ {
				if err := s.Put(ctx, checkpointAt(threadID, fmt.Sprintf("cp-%d", j), time.Duration(j)*time.Second)); err != nil {
					errs <- err
				}
			}
			if i%2 == 0 {
				if err := s.DeleteThread(ctx, threadID); err != nil {
					errs <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errs)

	var all []error
	for err := range errs {
		all = append(all, err)
	}
	require.NoError(t, errors.Join(all...))

	for i := 0; i < 8; i++ {
		list, err := s.List(ctx, fmt.Sprintf("thread-%d", i))
		require.NoError(t, err)
		if i%2 == 0 {
			assert.Empty(t, list)
		} else {
			assert.Len(t, list, 4)
		}
	}
}
