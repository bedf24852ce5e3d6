// Package storage defines the object storage contract used by the data layer.
//
// A Client uploads, deletes and signs read URLs for opaque binary objects
// identified by a key. Backend failures never escape as Go errors: every
// operation returns a result value whose Err and Kind fields describe what went
// wrong, and whose OK method is the only success indicator callers should
// trust. This keeps the lossy error policy of object storage visible in the
// type signatures instead of hidden in control flow, in contrast to the
// checkpoint stores in package store which return errors directly.
//
// # Implementations
//
//   - storage/minio: any S3-compatible provider through minio-go
//   - storage/memory: in-process map, for tests and single-process setups
//
// # Calling Conventions
//
// The Client methods block until the backend answers. NewAsync wraps a Client
// so each call returns a channel that yields exactly one result produced by the
// same blocking call:
//
//	async := storage.NewAsync(client)
//	pending := async.UploadObject(ctx, "thread-42/attachment.png", data, "image/png", true)
//	// ... do other work ...
//	if res := <-pending; !res.OK() {
//		// res.Kind says why
//	}
//
// No ordering is promised between concurrent calls, and calls on the same key
// are not serialized by this package.
//
// # Read URLs
//
// GetReadURL returns a signed URL valid for the client's fixed expiry window.
// On failure the URL field falls back to the raw key, so callers must check
// Signed before handing the string to a browser.
package storage
