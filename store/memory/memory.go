// Package memory is an in-process store.CheckpointStore. State is kept in
// encoded form so values read back have the same shape a database backend
// would return.
package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/smallnest/threadstore/store"
)

type entry struct {
	rec    store.Record
	seq    int64
	writes []store.WriteRecord
}

// MemoryCheckpointStore keeps checkpoints in a nested map: thread -> checkpoint id -> entry.
type MemoryCheckpointStore struct {
	lc         store.Lifecycle
	serializer store.Serializer

	mu      sync.RWMutex
	threads map[string]map[string]*entry
	seq     int64
}

var (
	_ store.CheckpointStore   = (*MemoryCheckpointStore)(nil)
	_ store.SchemaInitializer = (*MemoryCheckpointStore)(nil)
	_ store.Pinger            = (*MemoryCheckpointStore)(nil)
)

// NewMemoryCheckpointStore returns an open, empty store. A nil serializer means the JSON default.
func NewMemoryCheckpointStore(serializer store.Serializer) *MemoryCheckpointStore {
	s := &MemoryCheckpointStore{
		serializer: store.SerializerOrDefault(serializer),
		threads:    make(map[string]map[string]*entry),
	}
	s.lc.MarkOpen()
	return s
}

// Setup has nothing to create.
func (s *MemoryCheckpointStore) Setup(ctx context.Context) error { return s.lc.Check() }

// Ping reports whether the store is open.
func (s *MemoryCheckpointStore) Ping(ctx context.Context) error { return s.lc.Check() }

func (s *MemoryCheckpointStore) Put(ctx context.Context, cp *store.Checkpoint) error {
	if err := s.lc.Check(); err != nil {
		return err
	}
	if err := store.Prepare(cp); err != nil {
		return err
	}
	rec, err := store.Encode(s.serializer, cp)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	thread, ok := s.threads[cp.ThreadID]
	if !ok {
		thread = make(map[string]*entry)
		s.threads[cp.ThreadID] = thread
	}
	s.seq++
	if old, ok := thread[cp.ID]; ok {
		old.rec = *rec
		return nil
	}
	thread[cp.ID] = &entry{rec: *rec, seq: s.seq}
	return nil
}

func (s *MemoryCheckpointStore) PutWrites(ctx context.Context, threadID, checkpointID string, writes []store.PendingWrite) error {
	if err := s.lc.Check(); err != nil {
		return err
	}
	if err := store.ValidateThreadID(threadID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.threads[threadID][checkpointID]
	if !ok {
		return store.NotFound(threadID, checkpointID)
	}
	recs, err := store.EncodeWrites(s.serializer, writes, len(e.writes))
	if err != nil {
		return err
	}
	e.writes = append(e.writes, recs...)
	return nil
}

func (s *MemoryCheckpointStore) Get(ctx context.Context, threadID, checkpointID string) (*store.Checkpoint, error) {
	if err := s.lc.Check(); err != nil {
		return nil, err
	}
	if err := store.ValidateThreadID(threadID); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	var e *entry
	if checkpointID == "" {
		ordered := sorted(s.threads[threadID])
		if len(ordered) > 0 {
			e = ordered[len(ordered)-1]
		}
	} else {
		e = s.threads[threadID][checkpointID]
	}
	if e == nil {
		return nil, store.NotFound(threadID, checkpointID)
	}
	return s.decode(e)
}

func (s *MemoryCheckpointStore) List(ctx context.Context, threadID string) ([]*store.Checkpoint, error) {
	if err := s.lc.Check(); err != nil {
		return nil, err
	}
	if err := store.ValidateThreadID(threadID); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	ordered := sorted(s.threads[threadID])
	out := make([]*store.Checkpoint, 0, len(ordered))
	for _, e := range ordered {
		cp, err := e.rec.Decode(s.serializer)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

func (s *MemoryCheckpointStore) DeleteThread(ctx context.Context, threadID string) error {
	if err := s.lc.Check(); err != nil {
		return err
	}
	if err := store.ValidateThreadID(threadID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.threads, threadID)
	return nil
}

// Close drops every checkpoint.
func (s *MemoryCheckpointStore) Close() error {
	return s.lc.Close(func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.threads = make(map[string]map[string]*entry)
		return nil
	})
}

// Threads returns the number of threads holding at least one checkpoint.
func (s *MemoryCheckpointStore) Threads() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.threads)
}

func (s *MemoryCheckpointStore) decode(e *entry) (*store.Checkpoint, error) {
	cp, err := e.rec.Decode(s.serializer)
	if err != nil {
		return nil, err
	}
	cp.PendingWrites, err = store.DecodeWrites(s.serializer, e.writes)
	if err != nil {
		return nil, err
	}
	return cp, nil
}

// sorted orders a thread's entries by creation time, then insertion order.
func sorted(thread map[string]*entry) []*entry {
	out := make([]*entry, 0, len(thread))
	for _, e := range thread {
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b *entry) int {
		if c := a.rec.CreatedAt.Compare(b.rec.CreatedAt); c != 0 {
			return c
		}
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		}
		return 0
	})
	return out
}
