// Package store defines how thread checkpoints are persisted.
//
// A checkpoint is a serialized snapshot of agent or graph execution state tied
// to a thread, the identifier of one conversation. The graph runtime creates
// and reads checkpoints as it executes; the data layer only ever needs to
// remove all of them when a thread is deleted. Both sides talk to a backend
// through the CheckpointStore interface.
//
// # Available Implementations
//
//   - store/postgres: pooled PostgreSQL, the production backend
//   - store/sqlite: single-file SQLite for development and single-node installs
//   - store/redis: Redis with optional TTL
//   - store/memory: process memory, for tests
//
// # Lifecycle
//
// Every backend embeds a Lifecycle:
//
//	Uninitialized --open--> Open --Close()--> Closed
//
// Constructors return stores that are already Open. Any operation on a Closed
// store returns ErrClosed; Close itself may be called any number of times and
// only releases the connection once.
//
// # Errors
//
// Checkpoint stores return every backend failure, wrapped with the operation
// that failed. Callers can test for ErrNotFound, ErrClosed and
// ErrInvalidThreadID with errors.Is. This is deliberately different from the
// object storage clients in package storage, which swallow failures into
// result values.
//
// # Schema Setup
//
// Stores backed by a database with a schema implement SchemaInitializer.
// Setup is a one-shot administrative step, run by the checkpoint-setup
// command before the service starts, and is safe to run again on an already
// initialised database.
//
// # Serialization
//
// State and pending write values pass through a Serializer. The default
// JSONSerializer consults a TypeRegistry so registered struct types come back
// as themselves rather than as map[string]any:
//
//	type ChatState struct {
//		Messages []string `json:"messages"`
//	}
//
//	func init() {
//		store.RegisterTypeWithValue(ChatState{}, "ChatState")
//	}
package store
