package storage

import "context"

// Async exposes the non-blocking calling convention of a Client. Each call
// runs the blocking method on its own goroutine; the returned channel is
// buffered so an abandoned result never leaks the goroutine.
type Async struct {
	client Client
}

// NewAsync wraps c.
func NewAsync(c Client) *Async {
	return &Async{client: c}
}

// Client returns the wrapped blocking client.
func (a *Async) Client() Client { return a.client }

func (a *Async) UploadObject(ctx context.Context, key string, data []byte, mime string, overwrite bool) <-chan UploadResult {
	return dispatch(func() UploadResult {
		return a.client.UploadObject(ctx, key, data, mime, overwrite)
	})
}

func (a *Async) DeleteObject(ctx context.Context, key string) <-chan DeleteResult {
	return dispatch(func() DeleteResult {
		return a.client.DeleteObject(ctx, key)
	})
}

func (a *Async) GetReadURL(ctx context.Context, key string) <-chan URLResult {
	return dispatch(func() URLResult {
		return a.client.GetReadURL(ctx, key)
	})
}

func dispatch[T any](fn func() T) <-chan T {
	ch := make(chan T, 1)
	go func() {
		ch <- fn()
		close(ch)
	}()
	return ch
}
