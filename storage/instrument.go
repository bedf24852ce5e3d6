package storage

import (
	"context"
	"time"

	"github.com/smallnest/threadstore/metrics"
)

type instrumented struct {
	next    Client
	backend string
	m       *metrics.Metrics
}

// Instrument wraps c so every call is counted and timed in m under backend.
// A nil m returns c unchanged.
func Instrument(c Client, backend string, m *metrics.Metrics) Client {
	if m == nil {
		return c
	}
	return &instrumented{next: c, backend: backend, m: m}
}

func (i *instrumented) UploadObject(ctx context.Context, key string, data []byte, mime string, overwrite bool) UploadResult {
	start := time.Now()
	res := i.next.UploadObject(ctx, key, data, mime, overwrite)
	i.m.ObserveObjectOp(i.backend, "upload", res.Kind.String(), time.Since(start))
	return res
}

func (i *instrumented) DeleteObject(ctx context.Context, key string) DeleteResult {
	start := time.Now()
	res := i.next.DeleteObject(ctx, key)
	i.m.ObserveObjectOp(i.backend, "delete", res.Kind.String(), time.Since(start))
	return res
}

func (i *instrumented) GetReadURL(ctx context.Context, key string) URLResult {
	start := time.Now()
	res := i.next.GetReadURL(ctx, key)
	i.m.ObserveObjectOp(i.backend, "read_url", res.Kind.String(), time.Since(start))
	return res
}
