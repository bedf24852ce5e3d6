package storage

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// DefaultDeleteConcurrency bounds DeleteMany when limit <= 0.
const DefaultDeleteConcurrency = 8

// DeleteMany deletes keys with at most limit calls in flight and returns one
// result per distinct key. Failures of individual keys do not stop the rest.
func DeleteMany(ctx context.Context, c Client, keys []string, limit int) map[string]DeleteResult {
	if limit <= 0 {
		limit = DefaultDeleteConcurrency
	}

	results := make(map[string]DeleteResult, len(keys))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	seen := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		g.Go(func() error {
			res := c.DeleteObject(gctx, key)
			mu.Lock()
			results[key] = res
			mu.Unlock()
			return nil
		})
	}

	_ = g.Wait()
	return results
}
