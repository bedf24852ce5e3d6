// Package memory provides an in-process storage.Client.
//
// Objects live in a map guarded by an RWMutex and are copied on the way in and
// out, so callers cannot mutate stored bytes. Read URLs use the memory:// scheme
// and carry their expiry as a unix timestamp; they are only meaningful to code
// that calls Resolve. Nothing is persisted across restarts.
package memory

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/smallnest/threadstore/storage"
)

type object struct {
	data     []byte
	mime     string
	etag     string
	modified time.Time
}

// Client is an in-memory storage.Client.
type Client struct {
	mu      sync.RWMutex
	bucket  string
	objects map[string]object
	expiry  time.Duration
	now     func() time.Time
}

var _ storage.Client = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithReadURLExpiry sets the lifetime of signed read URLs.
func WithReadURLExpiry(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.expiry = d
		}
	}
}

// WithClock replaces time.Now, for expiry tests.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// New returns an empty store for bucket.
func New(bucket string, opts ...Option) *Client {
	c := &Client{
		bucket:  bucket,
		objects: make(map[string]object),
		expiry:  storage.DefaultReadURLExpiry,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) UploadObject(ctx context.Context, key string, data []byte, mime string, overwrite bool) storage.UploadResult {
	if key == "" {
		return storage.UploadFailed(key, storage.ErrEmptyKey, storage.KindInvalid)
	}
	if err := ctx.Err(); err != nil {
		return storage.UploadFailed(key, err, storage.KindTransient)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.objects[key]; exists && !overwrite {
		return storage.UploadFailed(key, fmt.Errorf("%w: %s", storage.ErrObjectExists, key), storage.KindConflict)
	}

	sum := md5.Sum(data)
	cp := make([]byte, len(data))
	copy(cp, data)
	obj := object{
		data:     cp,
		mime:     storage.MimeOrDefault(mime),
		etag:     hex.EncodeToString(sum[:]),
		modified: c.now(),
	}
	c.objects[key] = obj

	return storage.UploadResult{Key: key, ETag: obj.etag, Size: int64(len(cp))}
}

func (c *Client) DeleteObject(ctx context.Context, key string) storage.DeleteResult {
	if key == "" {
		return storage.DeleteFailed(key, storage.ErrEmptyKey, storage.KindInvalid)
	}
	if err := ctx.Err(); err != nil {
		return storage.DeleteFailed(key, err, storage.KindTransient)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.objects[key]; !ok {
		return storage.DeleteFailed(key, fmt.Errorf("%w: %s", storage.ErrObjectMissing, key), storage.KindNotFound)
	}
	delete(c.objects, key)
	return storage.DeleteResult{Key: key}
}

func (c *Client) GetReadURL(ctx context.Context, key string) storage.URLResult {
	if key == "" {
		return storage.URLFailed(key, storage.ErrEmptyKey, storage.KindInvalid)
	}
	if err := ctx.Err(); err != nil {
		return storage.URLFailed(key, err, storage.KindTransient)
	}

	c.mu.RLock()
	_, ok := c.objects[key]
	c.mu.RUnlock()
	if !ok {
		return storage.URLFailed(key, fmt.Errorf("%w: %s", storage.ErrObjectMissing, key), storage.KindNotFound)
	}

	expiresAt := c.now().Add(c.expiry)
	u := url.URL{
		Scheme:   "memory",
		Host:     c.bucket,
		Path:     "/" + key,
		RawQuery: url.Values{"expires": {fmt.Sprint(expiresAt.Unix())}}.Encode(),
	}
	return storage.URLResult{Key: key, URL: u.String(), ExpiresAt: expiresAt}
}

// Get returns a copy of the stored bytes and MIME type.
func (c *Client) Get(key string) ([]byte, string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	obj, ok := c.objects[key]
	if !ok {
		return nil, "", false
	}
	cp := make([]byte, len(obj.data))
	copy(cp, obj.data)
	return cp, obj.mime, true
}

// Resolve follows a URL issued by GetReadURL, failing once it has expired or
// the object is gone.
func (c *Client) Resolve(rawURL string) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "memory" || u.Host != c.bucket {
		return nil, fmt.Errorf("url %q does not belong to bucket %s", rawURL, c.bucket)
	}

	var expires int64
	if _, err := fmt.Sscan(u.Query().Get("expires"), &expires); err != nil {
		return nil, fmt.Errorf("url %q has no expiry", rawURL)
	}
	if !c.now().Before(time.Unix(expires, 0)) {
		return nil, fmt.Errorf("url %q expired", rawURL)
	}

	key := strings.TrimPrefix(u.Path, "/")
	if key == "" {
		return nil, fmt.Errorf("url %q: %w", rawURL, storage.ErrEmptyKey)
	}
	data, _, ok := c.Get(key)
	if !ok {
		return nil, storage.ErrObjectMissing
	}
	return data, nil
}

// Len returns the number of stored objects.
func (c *Client) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.objects)
}
