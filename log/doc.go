// Package log provides the leveled logging interface used by the threadstore
// persistence adapters.
//
// Storage clients swallow backend errors by contract, so the log line is the
// only place an operator can tell a missing object from a network failure.
// Every adapter therefore takes a Logger and falls back to the package-level
// default when none is given.
//
// # Log Levels
//
//   - LogLevelDebug: per-call tracing (keys, thread ids, timings)
//   - LogLevelInfo: lifecycle events such as pool open/close and schema setup
//   - LogLevelWarn: swallowed backend failures in the storage clients
//   - LogLevelError: failures that are returned to the caller
//   - LogLevelNone: disables all output
//
// # Example Usage
//
//	logger := log.New(log.LogLevelDebug)
//	logger.Warn("upload of %s failed: %v", key, err)
//
//	// Route everything through an existing golog instance
//	g := golog.New()
//	g.SetPrefix("[api] ")
//	log.SetDefaultLogger(log.NewGologLogger(g))
//
//	// Silence the adapters in tests
//	log.SetDefaultLogger(&log.NoOpLogger{})
package log
