package storage

import (
	"context"
	"errors"
	"net"
)

// ErrorKind classifies why an object operation failed.
type ErrorKind int

const (
	// KindNone means the operation succeeded.
	KindNone ErrorKind = iota
	// KindInvalid means the request was rejected before reaching the backend.
	KindInvalid
	// KindNotFound means the object or bucket does not exist.
	KindNotFound
	// KindConflict means the object exists and overwrite was not allowed.
	KindConflict
	// KindPermission means the backend refused the credentials.
	KindPermission
	// KindTransient covers timeouts, cancellation and network failures.
	KindTransient
	// KindUnavailable means no storage backend is configured.
	KindUnavailable
	// KindUnknown is anything the backend did not let us classify.
	KindUnknown
)

// String returns the label used in logs and metrics.
func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "ok"
	case KindInvalid:
		return "invalid"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindPermission:
		return "permission"
	case KindTransient:
		return "transient"
	case KindUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

var (
	ErrEmptyKey      = errors.New("object key is required")
	ErrObjectExists  = errors.New("object already exists")
	ErrObjectMissing = errors.New("object not found")
	ErrNoBackend     = errors.New("no storage client configured")
)

// Classify maps backend-agnostic errors to a kind. Backends refine the result
// with their own error codes before falling back to it.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindNone
	}

	switch {
	case errors.Is(err, ErrEmptyKey):
		return KindInvalid
	case errors.Is(err, ErrObjectExists):
		return KindConflict
	case errors.Is(err, ErrObjectMissing):
		return KindNotFound
	case errors.Is(err, ErrNoBackend):
		return KindUnavailable
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return KindTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}

	return KindUnknown
}
