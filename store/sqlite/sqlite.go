package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/smallnest/threadstore/log"
	"github.com/smallnest/threadstore/store"
)

// SqliteOptions configuration for SQLite connection
type SqliteOptions struct {
	Path        string        // File path or ":memory:"
	TableName   string        // Default "checkpoints"
	BusyTimeout time.Duration // Default 5s
	Serializer  store.Serializer
	Logger      log.Logger
}

// SqliteCheckpointStore implements store.CheckpointStore using SQLite
type SqliteCheckpointStore struct {
	lc         store.Lifecycle
	db         *sql.DB
	tableName  string
	serializer store.Serializer
	logger     log.Logger
}

var (
	_ store.CheckpointStore   = (*SqliteCheckpointStore)(nil)
	_ store.SchemaInitializer = (*SqliteCheckpointStore)(nil)
	_ store.Pinger            = (*SqliteCheckpointStore)(nil)
)

// NewSqliteCheckpointStore opens the database and brings its schema up to
// date.
func NewSqliteCheckpointStore(opts SqliteOptions) (*SqliteCheckpointStore, error) {
	if strings.TrimSpace(opts.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	tableName, err := store.TableName(opts.TableName)
	if err != nil {
		return nil, err
	}

	busy := opts.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d", opts.Path, busy.Milliseconds())

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to open database: %w", err)
	}
	// One connection keeps ":memory:" databases alive and serializes writers.
	db.SetMaxOpenConns(1)

	s := &SqliteCheckpointStore{
		db:         db,
		tableName:  tableName,
		serializer: store.SerializerOrDefault(opts.Serializer),
		logger:     log.OrDefault(opts.Logger),
	}
	s.lc.MarkOpen()

	if err := s.Setup(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SqliteCheckpointStore) writesTable() string     { return s.tableName + "_writes" }
func (s *SqliteCheckpointStore) migrationsTable() string { return s.tableName + "_migrations" }

// Ping verifies the database file is usable.
func (s *SqliteCheckpointStore) Ping(ctx context.Context) error {
	if err := s.lc.Check(); err != nil {
		return err
	}
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *SqliteCheckpointStore) Close() error {
	return s.lc.Close(s.db.Close)
}

// Put stores a checkpoint
func (s *SqliteCheckpointStore) Put(ctx context.Context, cp *store.Checkpoint) error {
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
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(thread_id, checkpoint_id) DO UPDATE SET
			parent_checkpoint_id = excluded.parent_checkpoint_id,
			node_name = excluded.node_name,
			state = excluded.state,
			metadata = excluded.metadata,
			created_at = excluded.created_at,
			version = excluded.version
	`, s.tableName)

	_, err = s.db.ExecContext(ctx, query,
		rec.ThreadID,
		rec.ID,
		rec.ParentID,
		rec.NodeName,
		rec.State,
		string(rec.Metadata),
		rec.CreatedAt.UnixNano(),
		rec.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// PutWrites appends pending writes to a checkpoint
func (s *SqliteCheckpointStore) PutWrites(ctx context.Context, threadID, checkpointID string, writes []store.PendingWrite) error {
	if err := s.lc.Check(); err != nil {
		return err
	}
	if err := store.ValidateThreadID(threadID); err != nil {
		return err
	}
	if len(writes) == 0 {
		return nil
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		var one int
		exists := fmt.Sprintf("SELECT 1 FROM %s WHERE thread_id = ? AND checkpoint_id = ?", s.tableName)
		if err := tx.QueryRowContext(ctx, exists, threadID, checkpointID).Scan(&one); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return store.NotFound(threadID, checkpointID)
			}
			return fmt.Errorf("failed to look up checkpoint: %w", err)
		}

		var start int
		next := fmt.Sprintf("SELECT COALESCE(MAX(seq), -1) + 1 FROM %s WHERE thread_id = ? AND checkpoint_id = ?", s.writesTable())
		if err := tx.QueryRowContext(ctx, next, threadID, checkpointID).Scan(&start); err != nil {
			return fmt.Errorf("failed to read write sequence: %w", err)
		}

		recs, err := store.EncodeWrites(s.serializer, writes, start)
		if err != nil {
			return err
		}

		insert := fmt.Sprintf(`
			INSERT INTO %s (thread_id, checkpoint_id, seq, task_id, channel, value)
			VALUES (?, ?, ?, ?, ?, ?)
		`, s.writesTable())
		for _, rec := range recs {
			if _, err := tx.ExecContext(ctx, insert, threadID, checkpointID, rec.Seq, rec.TaskID, rec.Channel, rec.Value); err != nil {
				return fmt.Errorf("failed to save pending write: %w", err)
			}
		}
		return nil
	})
}

const selectColumns = "thread_id, checkpoint_id, parent_checkpoint_id, node_name, state, metadata, created_at, version"

// Get retrieves a checkpoint and its pending writes
func (s *SqliteCheckpointStore) Get(ctx context.Context, threadID, checkpointID string) (*store.Checkpoint, error) {
	if err := s.lc.Check(); err != nil {
		return nil, err
	}
	if err := store.ValidateThreadID(threadID); err != nil {
		return nil, err
	}

	var row *sql.Row
	if checkpointID == "" {
		query := fmt.Sprintf(`
			SELECT %s FROM %s
			WHERE thread_id = ?
			ORDER BY created_at DESC, rowid DESC
			LIMIT 1
		`, selectColumns, s.tableName)
		row = s.db.QueryRowContext(ctx, query, threadID)
	} else {
		query := fmt.Sprintf("SELECT %s FROM %s WHERE thread_id = ? AND checkpoint_id = ?", selectColumns, s.tableName)
		row = s.db.QueryRowContext(ctx, query, threadID, checkpointID)
	}

	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
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

func (s *SqliteCheckpointStore) loadWrites(ctx context.Context, threadID, checkpointID string) ([]store.WriteRecord, error) {
	query := fmt.Sprintf(`
		SELECT task_id, channel, seq, value FROM %s
		WHERE thread_id = ? AND checkpoint_id = ?
		ORDER BY seq ASC
	`, s.writesTable())

	rows, err := s.db.QueryContext(ctx, query, threadID, checkpointID)
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
func (s *SqliteCheckpointStore) List(ctx context.Context, threadID string) ([]*store.Checkpoint, error) {
	if err := s.lc.Check(); err != nil {
		return nil, err
	}
	if err := store.ValidateThreadID(threadID); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE thread_id = ?
		ORDER BY created_at ASC, rowid ASC
	`, selectColumns, s.tableName)

	rows, err := s.db.QueryContext(ctx, query, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	checkpoints := []*store.Checkpoint{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
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

// DeleteThread removes the pending writes and checkpoints of a thread in one
// transaction.
func (s *SqliteCheckpointStore) DeleteThread(ctx context.Context, threadID string) error {
	if err := s.lc.Check(); err != nil {
		return err
	}
	if err := store.ValidateThreadID(threadID); err != nil {
		return err
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE thread_id = ?", s.writesTable()), threadID); err != nil {
			return fmt.Errorf("failed to delete pending writes: %w", err)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE thread_id = ?", s.tableName), threadID); err != nil {
			return fmt.Errorf("failed to delete checkpoints: %w", err)
		}
		return nil
	})
}

func (s *SqliteCheckpointStore) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Warn("rollback failed: %v", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*store.Record, error) {
	var (
		rec       store.Record
		metadata  string
		createdAt int64
	)
	err := row.Scan(
		&rec.ThreadID,
		&rec.ID,
		&rec.ParentID,
		&rec.NodeName,
		&rec.State,
		&metadata,
		&createdAt,
		&rec.Version,
	)
	if err != nil {
		return nil, err
	}
	rec.Metadata = []byte(metadata)
	rec.CreatedAt = time.Unix(0, createdAt).UTC()
	return &rec, nil
}
