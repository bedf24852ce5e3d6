package datalayer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/smallnest/threadstore/log"
	"github.com/smallnest/threadstore/metrics"
	"github.com/smallnest/threadstore/storage"
	storagememory "github.com/smallnest/threadstore/storage/memory"
	"github.com/smallnest/threadstore/store"
	"github.com/smallnest/threadstore/store/memory"
)

type mockRecords struct {
	mock.Mock
}

func (m *mockRecords) DeleteThread(ctx context.Context, threadID string) error {
	return m.Called(ctx, threadID).Error(0)
}

func (m *mockRecords) Close() error {
	return m.Called().Error(0)
}

// failingStore fails DeleteThread and Close, delegating everything else.
type failingStore struct {
	store.CheckpointStore
	deleteErr error
	closeErr  error
}

func (f *failingStore) DeleteThread(ctx context.Context, threadID string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	return f.CheckpointStore.DeleteThread(ctx, threadID)
}

func (f *failingStore) Close() error {
	_ = f.CheckpointStore.Close()
	return f.closeErr
}

type captureLogger struct {
	log.NoOpLogger
	mu     sync.Mutex
	errors []string
}

func (c *captureLogger) Error(format string, v ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errors = append(c.errors, fmt.Sprintf(format, v...))
}

func seed(t *testing.T, s store.CheckpointStore, threadID string) {
	t.Helper()
	require.NoError(t, s.Put(context.Background(), &store.Checkpoint{ThreadID: threadID, ID: "cp-1"}))
}

func TestNew_RequiresCheckpointStore(t *testing.T) {
	_, err := New(nil, nil)
	assert.Error(t, err)
}

func TestDeleteThread_RecordsThenCheckpoints(t *testing.T) {
	ctx := context.Background()
	checkpoints := memory.NewMemoryCheckpointStore(nil)
	seed(t, checkpoints, "thread-1")

	records := &mockRecords{}
	records.On("DeleteThread", mock.Anything, "thread-1").Return(nil).Run(func(mock.Arguments) {
		// Checkpoints must still be present while records are deleted.
		_, err := checkpoints.Get(ctx, "thread-1", "cp-1")
		assert.NoError(t, err)
	})

	d, err := New(records, checkpoints)
	require.NoError(t, err)

	require.NoError(t, d.DeleteThread(ctx, "thread-1"))
	records.AssertExpectations(t)

	_, err = checkpoints.Get(ctx, "thread-1", "cp-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDeleteThread_RecordsFailureKeepsCheckpoints(t *testing.T) {
	ctx := context.Background()
	checkpoints := memory.NewMemoryCheckpointStore(nil)
	seed(t, checkpoints, "thread-1")

	boom := errors.New("records db down")
	records := &mockRecords{}
	records.On("DeleteThread", mock.Anything, "thread-1").Return(boom)

	d, err := New(records, checkpoints)
	require.NoError(t, err)

	err = d.DeleteThread(ctx, "thread-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, StageRecords, stageErr.Stage)

	_, err = checkpoints.Get(ctx, "thread-1", "cp-1")
	assert.NoError(t, err)
}

func TestDeleteThread_CheckpointFailureIsReportedAndLogged(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)

	boom := errors.New("pool exhausted")
	checkpoints := &failingStore{CheckpointStore: memory.NewMemoryCheckpointStore(nil), deleteErr: boom}
	records := &mockRecords{}
	records.On("DeleteThread", mock.Anything, "thread-1").Return(nil)
	logger := &captureLogger{}

	d, err := New(records, checkpoints, WithLogger(logger), WithMetrics(m))
	require.NoError(t, err)

	err = d.DeleteThread(context.Background(), "thread-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, StageCheckpoints, stageErr.Stage)
	assert.Equal(t, "thread-1", stageErr.ThreadID)

	require.Len(t, logger.errors, 1)
	assert.Contains(t, logger.errors[0], "thread-1 records deleted but checkpoints remain")

	expected := `
# HELP threadstore_datalayer_thread_deletes_total Thread deletions by stage (records, checkpoints) and outcome
# TYPE threadstore_datalayer_thread_deletes_total counter
threadstore_datalayer_thread_deletes_total{outcome="error",stage="checkpoints"} 1
threadstore_datalayer_thread_deletes_total{outcome="ok",stage="records"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "threadstore_datalayer_thread_deletes_total"))
}

func TestDeleteThread_WithoutRecords(t *testing.T) {
	checkpoints := memory.NewMemoryCheckpointStore(nil)
	seed(t, checkpoints, "thread-1")

	d, err := New(nil, checkpoints)
	require.NoError(t, err)
	require.NoError(t, d.DeleteThread(context.Background(), "thread-1"))
	assert.Equal(t, 0, checkpoints.Threads())
}

func TestDeleteThread_UnknownThreadSucceeds(t *testing.T) {
	records := &mockRecords{}
	records.On("DeleteThread", mock.Anything, "ghost").Return(nil)

	d, err := New(records, memory.NewMemoryCheckpointStore(nil))
	require.NoError(t, err)
	assert.NoError(t, d.DeleteThread(context.Background(), "ghost"))
}

func TestDeleteThread_InvalidID(t *testing.T) {
	records := &mockRecords{}
	d, err := New(records, memory.NewMemoryCheckpointStore(nil))
	require.NoError(t, err)

	assert.ErrorIs(t, d.DeleteThread(context.Background(), ""), store.ErrInvalidThreadID)
	records.AssertNotCalled(t, "DeleteThread", mock.Anything, mock.Anything)
}

func TestClose(t *testing.T) {
	records := &mockRecords{}
	records.On("Close").Return(nil).Once()
	checkpoints := memory.NewMemoryCheckpointStore(nil)

	d, err := New(records, checkpoints)
	require.NoError(t, err)

	require.NoError(t, d.Close())
	require.NoError(t, d.Close())
	records.AssertExpectations(t)

	assert.ErrorIs(t, d.DeleteThread(context.Background(), "thread-1"), store.ErrClosed)
	assert.ErrorIs(t, checkpoints.DeleteThread(context.Background(), "thread-1"), store.ErrClosed)
}

func TestClose_JoinsErrors(t *testing.T) {
	recordsErr := errors.New("records close")
	checkpointErr := errors.New("pool close")

	records := &mockRecords{}
	records.On("Close").Return(recordsErr)
	checkpoints := &failingStore{CheckpointStore: memory.NewMemoryCheckpointStore(nil), closeErr: checkpointErr}

	d, err := New(records, checkpoints)
	require.NoError(t, err)

	err = d.Close()
	assert.ErrorIs(t, err, recordsErr)
	assert.ErrorIs(t, err, checkpointErr)
}

func TestObjectForwarding(t *testing.T) {
	ctx := context.Background()
	objects := storagememory.New("uploads")
	d, err := New(nil, memory.NewMemoryCheckpointStore(nil), WithStorage(objects))
	require.NoError(t, err)
	assert.Same(t, objects, d.Storage())

	up := d.UploadObject(ctx, "a/b.png", []byte("png"), "image/png", false)
	require.True(t, up.OK())
	assert.NotEmpty(t, up.ETag)

	again := d.UploadObject(ctx, "a/b.png", []byte("other"), "image/png", false)
	assert.False(t, again.OK())
	assert.Equal(t, storage.KindConflict, again.Kind)

	url := d.GetReadURL(ctx, "a/b.png")
	assert.True(t, url.Signed())

	res := <-d.Async().DeleteObject(ctx, "a/b.png")
	assert.True(t, res.OK())

	results := d.DeleteObjects(ctx, []string{"x", "y"}, 2)
	require.Len(t, results, 2)
	assert.Equal(t, storage.KindNotFound, results["x"].Kind)
}

func TestObjectForwarding_NoStorage(t *testing.T) {
	ctx := context.Background()
	d, err := New(nil, memory.NewMemoryCheckpointStore(nil))
	require.NoError(t, err)

	up := d.UploadObject(ctx, "k", []byte("v"), "", true)
	assert.False(t, up.OK())
	assert.Equal(t, storage.KindUnavailable, up.Kind)
	assert.ErrorIs(t, up.Err, storage.ErrNoBackend)

	url := d.GetReadURL(ctx, "k")
	assert.False(t, url.Signed())
	assert.Equal(t, "k", url.URL)

	del := d.DeleteObject(ctx, "k")
	assert.False(t, del.OK())

	results := d.DeleteObjects(ctx, []string{"a", "b"}, 0)
	assert.Equal(t, storage.KindUnavailable, results["b"].Kind)
}
