package postgres

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/smallnest/threadstore/log"
	"github.com/smallnest/threadstore/store"
)

// DBPool defines the interface for database connection pool
type DBPool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
	Ping(ctx context.Context) error
	Close()
}

// PoolOptions tunes the connection pool. Zero fields keep the pgxpool
// defaults or whatever the connection string says.
type PoolOptions struct {
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
	ConnectTimeout    time.Duration
}

// PostgresOptions configuration for Postgres connection
type PostgresOptions struct {
	ConnString string
	TableName  string // Default "checkpoints"
	Pool       PoolOptions

	// Params are merged into the connection string before it is parsed, so
	// both pgxpool keys (pool_max_conns) and runtime parameters
	// (application_name, statement_timeout) can be passed here.
	Params map[string]string

	// Pipeline sends the statements of DeleteThread as one batch instead of
	// an explicit transaction.
	Pipeline bool

	Serializer store.Serializer
	Logger     log.Logger
}

// PostgresCheckpointStore implements store.CheckpointStore using PostgreSQL
type PostgresCheckpointStore struct {
	lc         store.Lifecycle
	pool       DBPool
	tableName  string
	pipeline   bool
	serializer store.Serializer
	logger     log.Logger
}

var (
	_ store.CheckpointStore   = (*PostgresCheckpointStore)(nil)
	_ store.SchemaInitializer = (*PostgresCheckpointStore)(nil)
	_ store.Pinger            = (*PostgresCheckpointStore)(nil)
)

// PoolConfig builds the pgxpool configuration described by opts.
func PoolConfig(opts PostgresOptions) (*pgxpool.Config, error) {
	if strings.TrimSpace(opts.ConnString) == "" {
		return nil, errors.New("connection string is required")
	}

	cfg, err := pgxpool.ParseConfig(MergeParams(opts.ConnString, opts.Params))
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	p := opts.Pool
	if p.MaxConns > 0 {
		cfg.MaxConns = p.MaxConns
	}
	if p.MinConns > 0 {
		cfg.MinConns = p.MinConns
	}
	if p.MaxConnLifetime > 0 {
		cfg.MaxConnLifetime = p.MaxConnLifetime
	}
	if p.MaxConnIdleTime > 0 {
		cfg.MaxConnIdleTime = p.MaxConnIdleTime
	}
	if p.HealthCheckPeriod > 0 {
		cfg.HealthCheckPeriod = p.HealthCheckPeriod
	}
	if p.ConnectTimeout > 0 {
		cfg.ConnConfig.ConnectTimeout = p.ConnectTimeout
	}
	if cfg.MinConns > cfg.MaxConns {
		return nil, fmt.Errorf("min conns %d exceeds max conns %d", cfg.MinConns, cfg.MaxConns)
	}
	return cfg, nil
}

// MergeParams adds params to a URL or keyword/value connection string.
// Keys already present in a URL are overwritten.
func MergeParams(connString string, params map[string]string) string {
	if len(params) == 0 {
		return connString
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	if strings.HasPrefix(connString, "postgres://") || strings.HasPrefix(connString, "postgresql://") {
		u, err := url.Parse(connString)
		if err == nil {
			q := u.Query()
			for _, k := range keys {
				q.Set(k, params[k])
			}
			u.RawQuery = q.Encode()
			return u.String()
		}
	}

	var b strings.Builder
	b.WriteString(strings.TrimSpace(connString))
	for _, k := range keys {
		v := strings.ReplaceAll(params[k], `\`, `\\`)
		v = strings.ReplaceAll(v, `'`, `\'`)
		fmt.Fprintf(&b, " %s='%s'", k, v)
	}
	return strings.TrimSpace(b.String())
}

// NewPostgresCheckpointStore creates a new Postgres checkpoint store. The
// pool connects lazily; call Ping to verify the server is reachable.
func NewPostgresCheckpointStore(ctx context.Context, opts PostgresOptions) (*PostgresCheckpointStore, error) {
	cfg, err := PoolConfig(opts)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	s, err := NewPostgresCheckpointStoreWithPool(pool, opts)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresCheckpointStoreWithPool creates a new Postgres checkpoint store with an existing pool
// Useful for testing with mocks
func NewPostgresCheckpointStoreWithPool(pool DBPool, opts PostgresOptions) (*PostgresCheckpointStore, error) {
	tableName, err := store.TableName(opts.TableName)
	if err != nil {
		return nil, err
	}

	s := &PostgresCheckpointStore{
		pool:       pool,
		tableName:  tableName,
		pipeline:   opts.Pipeline,
		serializer: store.SerializerOrDefault(opts.Serializer),
		logger:     log.OrDefault(opts.Logger),
	}
	s.lc.MarkOpen()
	return s, nil
}

// TableName returns the checkpoint table name.
func (s *PostgresCheckpointStore) TableName() string { return s.tableName }

func (s *PostgresCheckpointStore) writesTable() string     { return s.tableName + "_writes" }
func (s *PostgresCheckpointStore) migrationsTable() string { return s.tableName + "_migrations" }

// Ping checks that a connection can be acquired and used.
func (s *PostgresCheckpointStore) Ping(ctx context.Context) error {
	if err := s.lc.Check(); err != nil {
		return err
	}
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}
	return nil
}

// Close closes the connection pool
func (s *PostgresCheckpointStore) Close() error {
	return s.lc.Close(func() error {
		s.pool.Close()
		return nil
	})
}

// Put stores a checkpoint
func (s *PostgresCheckpointStore) Put(ctx context.Context, cp *store.Checkpoint) error {
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

	query := fmt.Sprintf(`
		INSERT INTO %s (thread_id, checkpoint_id, parent_checkpoint_id, node_name, state, metadata, created_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (thread_id, checkpoint_id) DO UPDATE SET
			parent_checkpoint_id = EXCLUDED.parent_checkpoint_id,
			node_name = EXCLUDED.node_name,
			state = EXCLUDED.state,
			metadata = EXCLUDED.metadata,
			created_at = EXCLUDED.created_at,
			version = EXCLUDED.version
	`, s.tableName)

	_, err = s.pool.Exec(ctx, query,
		rec.ThreadID,
		rec.ID,
		rec.ParentID,
		rec.NodeName,
		rec.State,
		rec.Metadata,
		rec.CreatedAt,
		rec.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// PutWrites appends pending writes to a checkpoint. The checkpoint row is
// locked so concurrent appends get consecutive sequence numbers.
func (s *PostgresCheckpointStore) PutWrites(ctx context.Context, threadID, checkpointID string, writes []store.PendingWrite) error {
	if err := s.lc.Check(); err != nil {
		return err
	}
	if err := store.ValidateThreadID(threadID); err != nil {
		return err
	}
	if len(writes) == 0 {
		return nil
	}

	return s.inTx(ctx, func(tx pgx.Tx) error {
		lock := fmt.Sprintf(`SELECT 1 FROM %s WHERE thread_id = $1 AND checkpoint_id = $2 FOR UPDATE`, s.tableName)
		var one int
		if err := tx.QueryRow(ctx, lock, threadID, checkpointID).Scan(&one); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return store.NotFound(threadID, checkpointID)
			}
			return fmt.Errorf("failed to lock checkpoint: %w", err)
		}

		next := fmt.Sprintf(`SELECT COALESCE(MAX(seq), -1) + 1 FROM %s WHERE thread_id = $1 AND checkpoint_id = $2`, s.writesTable())
		var start int
		if err := tx.QueryRow(ctx, next, threadID, checkpointID).Scan(&start); err != nil {
			return fmt.Errorf("failed to read write sequence: %w", err)
		}

		recs, err := store.EncodeWrites(s.serializer, writes, start)
		if err != nil {
			return err
		}

		insert := fmt.Sprintf(`
			INSERT INTO %s (thread_id, checkpoint_id, seq, task_id, channel, value)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, s.writesTable())
		for _, rec := range recs {
			if _, err := tx.Exec(ctx, insert, threadID, checkpointID, rec.Seq, rec.TaskID, rec.Channel, rec.Value); err != nil {
				return fmt.Errorf("failed to save pending write: %w", err)
			}
		}
		return nil
	})
}

// Get retrieves a checkpoint and its pending writes. An empty checkpointID
// loads the latest checkpoint of the thread.
func (s *PostgresCheckpointStore) Get(ctx context.Context, threadID, checkpointID string) (*store.Checkpoint, error) {
	if err := s.lc.Check(); err != nil {
		return nil, err
	}
	if err := store.ValidateThreadID(threadID); err != nil {
		return nil, err
	}

	var row pgx.Row
	if checkpointID == "" {
		query := fmt.Sprintf(`
			SELECT thread_id, checkpoint_id, parent_checkpoint_id, node_name, state, metadata, created_at, version
			FROM %s
			WHERE thread_id = $1
			ORDER BY created_at DESC, checkpoint_id DESC
			LIMIT 1
		`, s.tableName)
		row = s.pool.QueryRow(ctx, query, threadID)
	} else {
		query := fmt.Sprintf(`
			SELECT thread_id, checkpoint_id, parent_checkpoint_id, node_name, state, metadata, created_at, version
			FROM %s
			WHERE thread_id = $1 AND checkpoint_id = $2
		`, s.tableName)
		row = s.pool.QueryRow(ctx, query, threadID, checkpointID)
	}

	var rec store.Record
	if err := scanRecord(row, &rec); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.NotFound(threadID, checkpointID)
		}
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	cp, err := rec.Decode(s.serializer)
	if err != nil {
		return nil, err
	}

	writes, err := s.loadWrites(ctx, rec.ThreadID, rec.ID)
	if err != nil {
		return nil, err
	}
	cp.PendingWrites, err = store.DecodeWrites(s.serializer, writes)
	if err != nil {
		return nil, err
	}
	return cp, nil
}

func (s *PostgresCheckpointStore) loadWrites(ctx context.Context, threadID, checkpointID string) ([]store.WriteRecord, error) {
	query := fmt.Sprintf(`
		SELECT task_id, channel, seq, value
		FROM %s
		WHERE thread_id = $1 AND checkpoint_id = $2
		ORDER BY seq ASC
	`, s.writesTable())

	rows, err := s.pool.Query(ctx, query, threadID, checkpointID)
	if err != nil {
		return nil, fmt.Errorf("failed to load pending writes: %w", err)
	}
	defer rows.Close()

	var out []store.WriteRecord
	for rows.Next() {
		var w store.WriteRecord
		if err := rows.Scan(&w.TaskID, &w.Channel, &w.Seq, &w.Value); err != nil {
			return nil, fmt.Errorf("failed to scan pending write row: %w", err)
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending write rows: %w", err)
	}
	return out, nil
}

// List returns all checkpoints for a given thread
func (s *PostgresCheckpointStore) List(ctx context.Context, threadID string) ([]*store.Checkpoint, error) {
	if err := s.lc.Check(); err != nil {
		return nil, err
	}
	if err := store.ValidateThreadID(threadID); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT thread_id, checkpoint_id, parent_checkpoint_id, node_name, state, metadata, created_at, version
		FROM %s
		WHERE thread_id = $1
		ORDER BY created_at ASC, checkpoint_id ASC
	`, s.tableName)

	rows, err := s.pool.Query(ctx, query, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	checkpoints := []*store.Checkpoint{}
	for rows.Next() {
		var rec store.Record
		if err := scanRecord(rows, &rec); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint row: %w", err)
		}
		cp, err := rec.Decode(s.serializer)
		if err != nil {
			return nil, err
		}
		checkpoints = append(checkpoints, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating checkpoint rows: %w", err)
	}
	return checkpoints, nil
}

// DeleteThread removes the pending writes and then the checkpoints of a
// thread. Both statements commit together or not at all.
func (s *PostgresCheckpointStore) DeleteThread(ctx context.Context, threadID string) error {
	if err := s.lc.Check(); err != nil {
		return err
	}
	if err := store.ValidateThreadID(threadID); err != nil {
		return err
	}

	deleteWrites := fmt.Sprintf("DELETE FROM %s WHERE thread_id = $1", s.writesTable())
	deleteCheckpoints := fmt.Sprintf("DELETE FROM %s WHERE thread_id = $1", s.tableName)

	if s.pipeline {
		return s.deleteThreadBatch(ctx, threadID, deleteWrites, deleteCheckpoints)
	}

	return s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, deleteWrites, threadID); err != nil {
			return fmt.Errorf("failed to delete pending writes: %w", err)
		}
		tag, err := tx.Exec(ctx, deleteCheckpoints, threadID)
		if err != nil {
			return fmt.Errorf("failed to delete checkpoints: %w", err)
		}
		s.logger.Debug("deleted %d checkpoints of thread %s", tag.RowsAffected(), threadID)
		return nil
	})
}

// deleteThreadBatch runs both deletes in one round trip. Postgres executes a
// pipelined batch in an implicit transaction.
func (s *PostgresCheckpointStore) deleteThreadBatch(ctx context.Context, threadID string, statements ...string) error {
	batch := &pgx.Batch{}
	for _, stmt := range statements {
		batch.Queue(stmt, threadID)
	}

	br := s.pool.SendBatch(ctx, batch)
	for range statements {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("failed to delete thread %s: %w", threadID, err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("failed to delete thread %s: %w", threadID, err)
	}
	return nil
}

func (s *PostgresCheckpointStore) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			s.logger.Warn("rollback failed: %v", rbErr)
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func scanRecord(row pgx.Row, rec *store.Record) error {
	return row.Scan(
		&rec.ThreadID,
		&rec.ID,
		&rec.ParentID,
		&rec.NodeName,
		&rec.State,
		&rec.Metadata,
		&rec.CreatedAt,
		&rec.Version,
	)
}
