// Package redis provides Redis-backed checkpoint storage.
//
// Each checkpoint is a JSON document under its own key. A sorted set per
// thread, scored by creation time in microseconds, indexes the thread's
// checkpoints, and a list per checkpoint holds its pending writes:
//
//	threadstore:checkpoint:<thread>:<id>
//	threadstore:thread:<thread>:checkpoints
//	threadstore:writes:<thread>:<id>
//
// Thread and checkpoint ids are escaped in keys ('%' as %25, ':' as %3A), so
// thread "user:42" lives under threadstore:thread:user%3A42:checkpoints.
//
// # Basic Usage
//
//	s := redis.NewRedisCheckpointStore(redis.RedisOptions{
//		Addr:   "localhost:6379",
//		Prefix: "myapp:",
//		TTL:    24 * time.Hour,
//	})
//	defer s.Close()
//
// # Expiration
//
// With a TTL every key written by Put or PutWrites gets that expiry, and the
// thread index is refreshed on each Put. List skips index entries whose
// checkpoint has already expired.
//
// # Deleting Threads
//
// DeleteThread reads the thread index under WATCH and deletes every key in
// one MULTI/EXEC. If another client changes the index in between, the
// transaction is retried a few times before giving up.
package redis
