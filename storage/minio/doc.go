// Package minio implements storage.Client for S3-compatible providers
// (MinIO, AWS S3, Ceph RGW, R2 and friends) using minio-go.
//
// # Basic Usage
//
//	client, err := minio.New(ctx, minio.Options{
//		Endpoint:  "localhost:9000",
//		Bucket:    "attachments",
//		AccessKey: "minioadmin",
//		SecretKey: "minioadmin",
//		Secure:    false,
//		Region:    "us-east-1",
//	}, logger)
//	if err != nil {
//		return err // bad endpoint or credentials config, nothing was dialled
//	}
//
//	res := client.UploadObject(ctx, "thread-42/attachment.png", data, "image/png", true)
//	if !res.OK() {
//		// already logged at warn; res.Kind says why
//	}
//
// # Construction
//
// New checks that the bucket exists and creates it otherwise. That step talks
// to the server; if it fails the failure is logged and the client is still
// returned, so a provider that is down at boot only breaks the calls made
// while it stays down.
//
// # Semantics
//
//   - UploadObject with overwrite=false stats the key first and refuses to
//     write over an existing object. The check and the write are two requests,
//     so two racing writers can still both succeed.
//   - DeleteObject stats the key first so a missing object reports
//     KindNotFound instead of the silent success S3 gives for it.
//   - GetReadURL stats the key before signing; a missing object yields the raw
//     key as fallback. Signing itself is local and needs no round trip when a
//     Region is configured.
package minio
