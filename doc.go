// Package threadstore persists agent conversation threads.
//
// Two kinds of state live outside the running process: checkpoints of a
// thread's graph state and the binary elements (files, images) a thread
// refers to. threadstore provides adapters for both and a data layer that
// deletes a thread across them.
//
// # Packages
//
//   - store: the CheckpointStore interface, its lifecycle and record codec
//   - store/postgres, store/sqlite, store/redis, store/memory: backends
//   - storage: the object storage Client and its result types
//   - storage/minio, storage/memory: object storage backends
//   - datalayer: thread deletion across records and checkpoints
//   - backends: build stores and clients from config
//   - setup, cmd/checkpoint-setup: one-shot schema creation
//   - config, log, metrics: ambient configuration, logging and counters
//
// # Quick Start
//
//	cfg, _ := config.Load("threadstore.toml")
//	_ = cfg.ApplyEnv()
//
//	cps, err := backends.OpenCheckpointStore(ctx, cfg.Checkpoint, nil)
//	if err != nil {
//		return err
//	}
//	objects, err := backends.OpenStorage(ctx, cfg.Storage, nil, nil)
//	if err != nil {
//		return err
//	}
//
//	dl, err := datalayer.New(nil, cps, datalayer.WithStorage(objects))
//	if err != nil {
//		return err
//	}
//	defer dl.Close()
//
//	if err := dl.DeleteThread(ctx, "thread-42"); err != nil {
//		var se *datalayer.StageError
//		if errors.As(err, &se) {
//			log.Printf("delete stopped at %s", se.Stage)
//		}
//	}
package threadstore
