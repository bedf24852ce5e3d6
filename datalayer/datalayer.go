// Package datalayer composes the thread record store, the checkpoint store
// and the object storage client behind one façade.
//
// Thread deletion touches two stores: the records the application keeps
// about a thread and the checkpoints the graph runtime wrote for it. There
// is no transaction spanning both, so deletion is ordered records first,
// then checkpoints, and a failure in the second step leaves orphaned
// checkpoints that are logged for later cleanup. Object operations are
// forwarded to the storage client unchanged.
package datalayer

import (
	"context"
	"errors"
	"fmt"

	"github.com/smallnest/threadstore/log"
	"github.com/smallnest/threadstore/metrics"
	"github.com/smallnest/threadstore/storage"
	"github.com/smallnest/threadstore/store"
)

// Stages of a thread deletion.
const (
	StageRecords     = "records"
	StageCheckpoints = "checkpoints"
)

// ThreadRecords is the application's own record store for threads
// (messages, steps, feedback). It is owned outside this module.
type ThreadRecords interface {
	DeleteThread(ctx context.Context, threadID string) error
	Close() error
}

// StageError reports which step of a thread deletion failed.
type StageError struct {
	Stage    string
	ThreadID string
	Err      error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("failed to delete %s of thread %s: %v", e.Stage, e.ThreadID, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// DataLayer is the persistence façade.
type DataLayer struct {
	lc          store.Lifecycle
	records     ThreadRecords
	checkpoints store.CheckpointStore
	storage     storage.Client
	logger      log.Logger
	metrics     *metrics.Metrics
}

var _ storage.Client = (*DataLayer)(nil)

// Option configures a DataLayer.
type Option func(*DataLayer)

// WithStorage sets the object storage client. Without one every object
// operation fails with storage.KindUnavailable.
func WithStorage(c storage.Client) Option {
	return func(d *DataLayer) { d.storage = c }
}

// WithLogger sets the logger. Default is the package-level logger.
func WithLogger(l log.Logger) Option {
	return func(d *DataLayer) { d.logger = l }
}

// WithMetrics records thread deletion outcomes in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *DataLayer) { d.metrics = m }
}

// New builds an open DataLayer. records may be nil when the application keeps
// no thread records of its own; checkpoints is required.
func New(records ThreadRecords, checkpoints store.CheckpointStore, opts ...Option) (*DataLayer, error) {
	if checkpoints == nil {
		return nil, errors.New("checkpoint store is required")
	}
	d := &DataLayer{
		records:     records,
		checkpoints: checkpoints,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = log.OrDefault(d.logger)
	d.lc.MarkOpen()
	return d, nil
}

// Checkpoints returns the checkpoint store, for the graph runtime.
func (d *DataLayer) Checkpoints() store.CheckpointStore { return d.checkpoints }

// Storage returns the object storage client, or nil.
func (d *DataLayer) Storage() storage.Client { return d.storage }

// DeleteThread removes the thread's records, then its checkpoints. The
// first failure stops the sequence and is returned as a *StageError.
func (d *DataLayer) DeleteThread(ctx context.Context, threadID string) error {
	if err := d.lc.Check(); err != nil {
		return err
	}
	if err := store.ValidateThreadID(threadID); err != nil {
		return err
	}

	if d.records != nil {
		err := d.records.DeleteThread(ctx, threadID)
		d.metrics.ThreadDelete(StageRecords, err)
		if err != nil {
			return &StageError{Stage: StageRecords, ThreadID: threadID, Err: err}
		}
	}

	err := d.checkpoints.DeleteThread(ctx, threadID)
	d.metrics.ThreadDelete(StageCheckpoints, err)
	if err != nil {
		if d.records != nil {
			d.logger.Error("thread %s records deleted but checkpoints remain: %v", threadID, err)
		}
		return &StageError{Stage: StageCheckpoints, ThreadID: threadID, Err: err}
	}

	d.logger.Debug("deleted thread %s", threadID)
	return nil
}

// Close closes the records store, then the checkpoint store. Both are
// attempted and their errors joined. Later calls return nil.
func (d *DataLayer) Close() error {
	return d.lc.Close(func() error {
		var errs []error
		if d.records != nil {
			if err := d.records.Close(); err != nil {
				errs = append(errs, fmt.Errorf("failed to close thread records: %w", err))
			}
		}
		if err := d.checkpoints.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close checkpoint store: %w", err))
		}
		return errors.Join(errs...)
	})
}

// unavailable returns the reason object calls cannot be forwarded, or nil.
func (d *DataLayer) unavailable() error {
	if err := d.lc.Check(); err != nil {
		return err
	}
	if d.storage == nil {
		return storage.ErrNoBackend
	}
	return nil
}

func (d *DataLayer) UploadObject(ctx context.Context, key string, data []byte, mime string, overwrite bool) storage.UploadResult {
	if err := d.unavailable(); err != nil {
		return storage.UploadFailed(key, err, storage.KindUnavailable)
	}
	return d.storage.UploadObject(ctx, key, data, mime, overwrite)
}

func (d *DataLayer) DeleteObject(ctx context.Context, key string) storage.DeleteResult {
	if err := d.unavailable(); err != nil {
		return storage.DeleteFailed(key, err, storage.KindUnavailable)
	}
	return d.storage.DeleteObject(ctx, key)
}

func (d *DataLayer) GetReadURL(ctx context.Context, key string) storage.URLResult {
	if err := d.unavailable(); err != nil {
		return storage.URLFailed(key, err, storage.KindUnavailable)
	}
	return d.storage.GetReadURL(ctx, key)
}

// DeleteObjects deletes keys concurrently, at most limit at a time.
func (d *DataLayer) DeleteObjects(ctx context.Context, keys []string, limit int) map[string]storage.DeleteResult {
	if err := d.unavailable(); err != nil {
		out := make(map[string]storage.DeleteResult, len(keys))
		for _, key := range keys {
			out[key] = storage.DeleteFailed(key, err, storage.KindUnavailable)
		}
		return out
	}
	return storage.DeleteMany(ctx, d.storage, keys, limit)
}

// Async returns the non-blocking form of the object operations.
func (d *DataLayer) Async() *storage.Async { return storage.NewAsync(d) }
