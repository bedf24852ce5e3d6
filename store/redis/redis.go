package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/smallnest/threadstore/log"
	"github.com/smallnest/threadstore/store"
)

const maxWatchRetries = 5

// keyPart escapes ':' so thread and checkpoint ids cannot bleed into each
// other's key segments. '%' is escaped first to keep the mapping reversible.
var keyPart = strings.NewReplacer("%", "%25", ":", "%3A")

// RedisOptions configuration for Redis connection
type RedisOptions struct {
	Addr       string
	Password   string
	DB         int
	Prefix     string        // Key prefix, default "threadstore:"
	TTL        time.Duration // Expiration for checkpoints, default 0 (no expiration)
	Serializer store.Serializer
	Logger     log.Logger
}

// RedisCheckpointStore implements store.CheckpointStore using Redis.
//
// Keys:
//
//	<prefix>checkpoint:<thread>:<id>    checkpoint document
//	<prefix>thread:<thread>:checkpoints sorted set of ids scored by creation time
//	<prefix>writes:<thread>:<id>        list of pending writes
type RedisCheckpointStore struct {
	lc         store.Lifecycle
	client     *redis.Client
	prefix     string
	ttl        time.Duration
	serializer store.Serializer
	logger     log.Logger
}

var (
	_ store.CheckpointStore   = (*RedisCheckpointStore)(nil)
	_ store.SchemaInitializer = (*RedisCheckpointStore)(nil)
	_ store.Pinger            = (*RedisCheckpointStore)(nil)
)

// NewRedisCheckpointStore creates a new Redis checkpoint store
func NewRedisCheckpointStore(opts RedisOptions) *RedisCheckpointStore {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return NewRedisCheckpointStoreWithClient(client, opts)
}

// NewRedisCheckpointStoreWithClient wraps an existing client. The store owns
// the client from then on and closes it in Close.
func NewRedisCheckpointStoreWithClient(client *redis.Client, opts RedisOptions) *RedisCheckpointStore {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "threadstore:"
	}

	s := &RedisCheckpointStore{
		client:     client,
		prefix:     prefix,
		ttl:        opts.TTL,
		serializer: store.SerializerOrDefault(opts.Serializer),
		logger:     log.OrDefault(opts.Logger),
	}
	s.lc.MarkOpen()
	return s
}

func (s *RedisCheckpointStore) checkpointKey(threadID, id string) string {
	return fmt.Sprintf("%scheckpoint:%s:%s", s.prefix, keyPart.Replace(threadID), keyPart.Replace(id))
}

func (s *RedisCheckpointStore) threadKey(threadID string) string {
	return fmt.Sprintf("%sthread:%s:checkpoints", s.prefix, keyPart.Replace(threadID))
}

func (s *RedisCheckpointStore) writesKey(threadID, id string) string {
	return fmt.Sprintf("%swrites:%s:%s", s.prefix, keyPart.Replace(threadID), keyPart.Replace(id))
}

type document struct {
	ThreadID  string          `json:"thread_id"`
	ID        string          `json:"id"`
	ParentID  string          `json:"parent_id,omitempty"`
	NodeName  string          `json:"node_name"`
	State     []byte          `json:"state"`
	Metadata  json.RawMessage `json:"metadata"`
	CreatedAt time.Time       `json:"created_at"`
	Version   int             `json:"version"`
}

type writeDocument struct {
	TaskID  string `json:"task_id"`
	Channel string `json:"channel"`
	Value   []byte `json:"value"`
}

// Setup only checks connectivity; Redis needs no schema.
func (s *RedisCheckpointStore) Setup(ctx context.Context) error {
	return s.Ping(ctx)
}

// Ping checks the server is reachable.
func (s *RedisCheckpointStore) Ping(ctx context.Context) error {
	if err := s.lc.Check(); err != nil {
		return err
	}
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to ping redis: %w", err)
	}
	return nil
}

// Close closes the client.
func (s *RedisCheckpointStore) Close() error {
	return s.lc.Close(s.client.Close)
}

// Put stores a checkpoint and indexes it under its thread
func (s *RedisCheckpointStore) Put(ctx context.Context, cp *store.Checkpoint) error {
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

	data, err := json.Marshal(document{
		ThreadID:  rec.ThreadID,
		ID:        rec.ID,
		ParentID:  rec.ParentID,
		NodeName:  rec.NodeName,
		State:     rec.State,
		Metadata:  rec.Metadata,
		CreatedAt: rec.CreatedAt,
		Version:   rec.Version,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	threadKey := s.threadKey(cp.ThreadID)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.checkpointKey(cp.ThreadID, cp.ID), data, s.ttl)
		pipe.ZAdd(ctx, threadKey, redis.Z{Score: float64(rec.CreatedAt.UnixMicro()), Member: cp.ID})
		if s.ttl > 0 {
			pipe.Expire(ctx, threadKey, s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save checkpoint to redis: %w", err)
	}
	return nil
}

// PutWrites appends pending writes to a checkpoint
func (s *RedisCheckpointStore) PutWrites(ctx context.Context, threadID, checkpointID string, writes []store.PendingWrite) error {
	if err := s.lc.Check(); err != nil {
		return err
	}
	if err := store.ValidateThreadID(threadID); err != nil {
		return err
	}
	if len(writes) == 0 {
		return nil
	}

	n, err := s.client.Exists(ctx, s.checkpointKey(threadID, checkpointID)).Result()
	if err != nil {
		return fmt.Errorf("failed to look up checkpoint: %w", err)
	}
	if n == 0 {
		return store.NotFound(threadID, checkpointID)
	}

	recs, err := store.EncodeWrites(s.serializer, writes, 0)
	if err != nil {
		return err
	}
	values := make([]any, 0, len(recs))
	for _, rec := range recs {
		data, err := json.Marshal(writeDocument{TaskID: rec.TaskID, Channel: rec.Channel, Value: rec.Value})
		if err != nil {
			return fmt.Errorf("failed to marshal pending write: %w", err)
		}
		values = append(values, data)
	}

	key := s.writesKey(threadID, checkpointID)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, values...)
		if s.ttl > 0 {
			pipe.Expire(ctx, key, s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save pending writes to redis: %w", err)
	}
	return nil
}

// Get retrieves a checkpoint and its pending writes
func (s *RedisCheckpointStore) Get(ctx context.Context, threadID, checkpointID string) (*store.Checkpoint, error) {
	if err := s.lc.Check(); err != nil {
		return nil, err
	}
	if err := store.ValidateThreadID(threadID); err != nil {
		return nil, err
	}

	id := checkpointID
	if id == "" {
		ids, err := s.client.ZRevRange(ctx, s.threadKey(threadID), 0, 0).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to find latest checkpoint: %w", err)
		}
		if len(ids) == 0 {
			return nil, store.NotFound(threadID, "")
		}
		id = ids[0]
	}

	data, err := s.client.Get(ctx, s.checkpointKey(threadID, id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, store.NotFound(threadID, checkpointID)
		}
		return nil, fmt.Errorf("failed to load checkpoint from redis: %w", err)
	}
	cp, err := s.decode(data)
	if err != nil {
		return nil, err
	}

	raw, err := s.client.LRange(ctx, s.writesKey(threadID, id), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load pending writes from redis: %w", err)
	}
	recs := make([]store.WriteRecord, 0, len(raw))
	for i, item := range raw {
		var w writeDocument
		if err := json.Unmarshal([]byte(item), &w); err != nil {
			return nil, fmt.Errorf("failed to unmarshal pending write: %w", err)
		}
		recs = append(recs, store.WriteRecord{TaskID: w.TaskID, Channel: w.Channel, Seq: i, Value: w.Value})
	}
	cp.PendingWrites, err = store.DecodeWrites(s.serializer, recs)
	if err != nil {
		return nil, err
	}
	return cp, nil
}

// List returns all checkpoints for a given thread. Checkpoints whose keys
// have expired are skipped.
func (s *RedisCheckpointStore) List(ctx context.Context, threadID string) ([]*store.Checkpoint, error) {
	if err := s.lc.Check(); err != nil {
		return nil, err
	}
	if err := store.ValidateThreadID(threadID); err != nil {
		return nil, err
	}

	ids, err := s.client.ZRange(ctx, s.threadKey(threadID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints for thread %s: %w", threadID, err)
	}
	if len(ids) == 0 {
		return []*store.Checkpoint{}, nil
	}

	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, s.checkpointKey(threadID, id))
	}

	results, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch checkpoints: %w", err)
	}

	checkpoints := make([]*store.Checkpoint, 0, len(results))
	for _, result := range results {
		str, ok := result.(string)
		if !ok {
			continue
		}
		cp, err := s.decode([]byte(str))
		if err != nil {
			return nil, err
		}
		checkpoints = append(checkpoints, cp)
	}
	return checkpoints, nil
}

// DeleteThread removes every key of a thread in one MULTI/EXEC. The thread
// index is watched, so a concurrent Put makes the delete retry instead of
// leaving an unindexed checkpoint behind.
func (s *RedisCheckpointStore) DeleteThread(ctx context.Context, threadID string) error {
	if err := s.lc.Check(); err != nil {
		return err
	}
	if err := store.ValidateThreadID(threadID); err != nil {
		return err
	}

	threadKey := s.threadKey(threadID)
	deleteAll := func(tx *redis.Tx) error {
		ids, err := tx.ZRange(ctx, threadKey, 0, -1).Result()
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		keys := make([]string, 0, 2*len(ids)+1)
		for _, id := range ids {
			keys = append(keys, s.checkpointKey(threadID, id), s.writesKey(threadID, id))
		}
		keys = append(keys, threadKey)

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, keys...)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxWatchRetries; attempt++ {
		err := s.client.Watch(ctx, deleteAll, threadKey)
		if err == nil {
			return nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return fmt.Errorf("failed to delete thread %s: %w", threadID, err)
		}
		s.logger.Debug("thread %s changed during delete, retrying", threadID)
	}
	return fmt.Errorf("failed to delete thread %s: %w", threadID, redis.TxFailedErr)
}

func (s *RedisCheckpointStore) decode(data []byte) (*store.Checkpoint, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	rec := store.Record{
		ThreadID:  doc.ThreadID,
		ID:        doc.ID,
		ParentID:  doc.ParentID,
		NodeName:  doc.NodeName,
		State:     doc.State,
		Metadata:  doc.Metadata,
		CreatedAt: doc.CreatedAt,
		Version:   doc.Version,
	}
	return rec.Decode(s.serializer)
}
