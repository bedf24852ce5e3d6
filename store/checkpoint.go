package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Checkpoint is a serialized snapshot of graph execution state for a thread.
type Checkpoint struct {
	ThreadID      string         `json:"thread_id"`
	ID            string         `json:"id"`
	ParentID      string         `json:"parent_id,omitempty"`
	NodeName      string         `json:"node_name"`
	State         any            `json:"state"`
	Metadata      map[string]any `json:"metadata"`
	CreatedAt     time.Time      `json:"created_at"`
	Version       int            `json:"version"`
	PendingWrites []PendingWrite `json:"pending_writes,omitempty"`
}

// PendingWrite is an intermediate channel write produced by a task while the
// checkpoint it belongs to was being computed.
type PendingWrite struct {
	TaskID  string `json:"task_id"`
	Channel string `json:"channel"`
	Value   any    `json:"value"`
}

// CheckpointStore persists thread checkpoints. Unlike storage.Client every
// backend failure is returned to the caller.
type CheckpointStore interface {
	// Put inserts or replaces a checkpoint. An empty ID is filled with a UUID
	// and a zero CreatedAt with the current time.
	Put(ctx context.Context, cp *Checkpoint) error

	// PutWrites appends pending writes to an existing checkpoint.
	PutWrites(ctx context.Context, threadID, checkpointID string, writes []PendingWrite) error

	// Get returns a checkpoint with its pending writes. An empty checkpointID
	// selects the most recent one of the thread.
	Get(ctx context.Context, threadID, checkpointID string) (*Checkpoint, error)

	// List returns every checkpoint of a thread, oldest first. Pending writes
	// are only loaded by Get.
	List(ctx context.Context, threadID string) ([]*Checkpoint, error)

	// DeleteThread removes all checkpoint state for a thread. Deleting a
	// thread without checkpoints succeeds.
	DeleteThread(ctx context.Context, threadID string) error

	// Close releases the backend connection. Later calls are no-ops.
	Close() error
}

// SchemaInitializer is implemented by stores whose backend needs tables or
// indices created before use. Setup must be safe to run repeatedly.
type SchemaInitializer interface {
	Setup(ctx context.Context) error
}

// Pinger is implemented by stores that can verify backend reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

var (
	ErrNotFound          = errors.New("checkpoint not found")
	ErrClosed            = errors.New("checkpoint store is closed")
	ErrNotOpen           = errors.New("checkpoint store is not open")
	ErrInvalidThreadID   = errors.New("thread id is required")
	ErrInvalidCheckpoint = errors.New("invalid checkpoint")
)

// ValidateThreadID rejects blank thread identifiers.
func ValidateThreadID(threadID string) error {
	if strings.TrimSpace(threadID) == "" {
		return ErrInvalidThreadID
	}
	return nil
}

// Prepare validates cp and fills in a generated ID and creation time.
func Prepare(cp *Checkpoint) error {
	if cp == nil {
		return fmt.Errorf("%w: nil checkpoint", ErrInvalidCheckpoint)
	}
	if err := ValidateThreadID(cp.ThreadID); err != nil {
		return err
	}
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	if cp.Metadata == nil {
		cp.Metadata = map[string]any{}
	}
	return nil
}

// NotFound builds the error returned when a checkpoint lookup misses.
func NotFound(threadID, checkpointID string) error {
	if checkpointID == "" {
		return fmt.Errorf("%w: thread %s has no checkpoints", ErrNotFound, threadID)
	}
	return fmt.Errorf("%w: %s/%s", ErrNotFound, threadID, checkpointID)
}
