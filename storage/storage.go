package storage

import (
	"context"
	"time"
)

const (
	// DefaultMimeType is used when an upload does not name one.
	DefaultMimeType = "application/octet-stream"

	// DefaultReadURLExpiry is how long signed read URLs stay valid unless a
	// backend is configured otherwise.
	DefaultReadURLExpiry = time.Hour
)

// Client is the capability interface over an object store.
type Client interface {
	// UploadObject stores data under key. With overwrite=false an existing
	// object is left untouched and the result carries KindConflict.
	UploadObject(ctx context.Context, key string, data []byte, mime string, overwrite bool) UploadResult

	// DeleteObject removes the object at key.
	DeleteObject(ctx context.Context, key string) DeleteResult

	// GetReadURL returns a time-limited signed URL for key.
	GetReadURL(ctx context.Context, key string) URLResult
}

// UploadResult is the outcome of UploadObject. A failed upload carries no
// ETag, version or size.
type UploadResult struct {
	Key       string
	ETag      string
	VersionID string
	Size      int64
	Err       error
	Kind      ErrorKind
}

// OK reports whether the object was stored.
func (r UploadResult) OK() bool { return r.Err == nil }

// DeleteResult is the outcome of DeleteObject.
type DeleteResult struct {
	Key  string
	Err  error
	Kind ErrorKind
}

// OK reports whether the object was removed.
func (r DeleteResult) OK() bool { return r.Err == nil }

// URLResult is the outcome of GetReadURL. When signing fails URL holds the raw
// key as a degraded placeholder.
type URLResult struct {
	Key       string
	URL       string
	ExpiresAt time.Time
	Err       error
	Kind      ErrorKind
}

// Signed reports whether URL is a real signed URL rather than the fallback.
func (r URLResult) Signed() bool { return r.Err == nil }

// UploadFailed builds the failure outcome for an upload.
func UploadFailed(key string, err error, kind ErrorKind) UploadResult {
	return UploadResult{Key: key, Err: err, Kind: kind}
}

// DeleteFailed builds the failure outcome for a delete.
func DeleteFailed(key string, err error, kind ErrorKind) DeleteResult {
	return DeleteResult{Key: key, Err: err, Kind: kind}
}

// URLFailed builds the fallback outcome for a read URL request.
func URLFailed(key string, err error, kind ErrorKind) URLResult {
	return URLResult{Key: key, URL: key, Err: err, Kind: kind}
}

// MimeOrDefault returns mime, or DefaultMimeType when it is empty.
func MimeOrDefault(mime string) string {
	if mime == "" {
		return DefaultMimeType
	}
	return mime
}
