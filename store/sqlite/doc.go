// Package sqlite provides SQLite-backed checkpoint storage.
//
// It uses the same table layout as the postgres backend, with created_at
// stored as Unix nanoseconds, and is meant for development machines and
// single-node installs where running a database server is not worth it.
//
// # Basic Usage
//
//	s, err := sqlite.NewSqliteCheckpointStore(sqlite.SqliteOptions{
//		Path: "./threads.db",
//	})
//	if err != nil {
//		return err
//	}
//	defer s.Close()
//
// NewSqliteCheckpointStore runs Setup itself, so a fresh file is ready to
// use. ":memory:" gives a database that lives as long as the store.
//
// # Concurrency
//
// The store holds a single connection. Operations are serialized by
// database/sql, and BusyTimeout bounds how long a writer waits on another
// process holding the file lock.
package sqlite
