package minio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/smallnest/threadstore/log"
	"github.com/smallnest/threadstore/storage"
)

// API is the subset of *minio.Client the storage client calls.
type API interface {
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	StatObject(ctx context.Context, bucketName, objectName string, opts minio.StatObjectOptions) (minio.ObjectInfo, error)
	RemoveObject(ctx context.Context, bucketName, objectName string, opts minio.RemoveObjectOptions) error
	PresignedGetObject(ctx context.Context, bucketName, objectName string, expires time.Duration, reqParams url.Values) (*url.URL, error)
}

var _ API = (*minio.Client)(nil)

// Options configures the connection. None of it can change after New.
type Options struct {
	Endpoint     string
	Bucket       string
	AccessKey    string
	SecretKey    string
	SessionToken string
	Secure       bool
	Region       string

	// Transport overrides the HTTP transport, e.g. for a proxy or custom pool.
	Transport http.RoundTripper

	// Credentials replaces the static key/secret/token with a provider chain
	// (IAM, env, file...).
	Credentials *credentials.Credentials

	// InsecureSkipVerify disables TLS certificate validation. Ignored when
	// Transport is set.
	InsecureSkipVerify bool

	// ReadURLExpiry is the lifetime of signed read URLs.
	// Default storage.DefaultReadURLExpiry.
	ReadURLExpiry time.Duration
}

// Client implements storage.Client on an S3-compatible bucket.
type Client struct {
	api    API
	bucket string
	expiry time.Duration
	logger log.Logger
}

var _ storage.Client = (*Client)(nil)

// New builds the minio client and ensures the bucket exists.
func New(ctx context.Context, opts Options, logger log.Logger) (*Client, error) {
	if opts.Endpoint == "" {
		return nil, errors.New("minio endpoint is required")
	}
	if opts.Bucket == "" {
		return nil, errors.New("minio bucket is required")
	}

	creds := opts.Credentials
	if creds == nil {
		creds = credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, opts.SessionToken)
	}

	transport := opts.Transport
	if transport == nil && opts.InsecureSkipVerify {
		tr, err := minio.DefaultTransport(opts.Secure)
		if err != nil {
			return nil, fmt.Errorf("failed to build transport: %w", err)
		}
		if tr.TLSClientConfig != nil {
			tr.TLSClientConfig.InsecureSkipVerify = true
		}
		transport = tr
	}

	api, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:     creds,
		Secure:    opts.Secure,
		Region:    opts.Region,
		Transport: transport,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	return NewWithAPI(ctx, api, opts.Bucket, opts.ReadURLExpiry, logger), nil
}

// NewWithAPI wraps an existing API implementation and ensures the bucket
// exists. Useful for tests and for sharing one *minio.Client.
func NewWithAPI(ctx context.Context, api API, bucket string, expiry time.Duration, logger log.Logger) *Client {
	if expiry <= 0 {
		expiry = storage.DefaultReadURLExpiry
	}
	c := &Client{
		api:    api,
		bucket: bucket,
		expiry: expiry,
		logger: log.OrDefault(logger),
	}
	c.ensureBucket(ctx)
	return c
}

// Bucket returns the bucket the client writes to.
func (c *Client) Bucket() string { return c.bucket }

// ReadURLExpiry returns the fixed lifetime of signed URLs.
func (c *Client) ReadURLExpiry() time.Duration { return c.expiry }

func (c *Client) ensureBucket(ctx context.Context) {
	exists, err := c.api.BucketExists(ctx, c.bucket)
	if err != nil {
		c.logger.Warn("minio: bucket %s check failed: %v", c.bucket, err)
		return
	}
	if exists {
		return
	}
	if err := c.api.MakeBucket(ctx, c.bucket, minio.MakeBucketOptions{}); err != nil {
		// Another replica may have created it between the two calls.
		if code := minio.ToErrorResponse(err).Code; code == "BucketAlreadyOwnedByYou" || code == "BucketAlreadyExists" {
			return
		}
		c.logger.Warn("minio: failed to create bucket %s: %v", c.bucket, err)
		return
	}
	c.logger.Info("minio: created bucket %s", c.bucket)
}

func (c *Client) UploadObject(ctx context.Context, key string, data []byte, mime string, overwrite bool) storage.UploadResult {
	if key == "" {
		return storage.UploadFailed(key, storage.ErrEmptyKey, storage.KindInvalid)
	}

	if !overwrite {
		exists, err := c.exists(ctx, key)
		if err != nil {
			c.logger.Warn("minio: upload %s: existence check failed: %v", key, err)
			return storage.UploadFailed(key, err, classify(err))
		}
		if exists {
			err := fmt.Errorf("%w: %s", storage.ErrObjectExists, key)
			c.logger.Warn("minio: upload %s refused: %v", key, err)
			return storage.UploadFailed(key, err, storage.KindConflict)
		}
	}

	info, err := c.api.PutObject(ctx, c.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: storage.MimeOrDefault(mime),
	})
	if err != nil {
		c.logger.Warn("minio: upload %s failed: %v", key, err)
		return storage.UploadFailed(key, err, classify(err))
	}

	c.logger.Debug("minio: uploaded %s (%d bytes)", key, info.Size)
	return storage.UploadResult{
		Key:       key,
		ETag:      info.ETag,
		VersionID: info.VersionID,
		Size:      info.Size,
	}
}

func (c *Client) DeleteObject(ctx context.Context, key string) storage.DeleteResult {
	if key == "" {
		return storage.DeleteFailed(key, storage.ErrEmptyKey, storage.KindInvalid)
	}

	exists, err := c.exists(ctx, key)
	if err != nil {
		c.logger.Warn("minio: delete %s failed: %v", key, err)
		return storage.DeleteFailed(key, err, classify(err))
	}
	if !exists {
		err := fmt.Errorf("%w: %s", storage.ErrObjectMissing, key)
		c.logger.Warn("minio: delete %s failed: %v", key, err)
		return storage.DeleteFailed(key, err, storage.KindNotFound)
	}

	if err := c.api.RemoveObject(ctx, c.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		c.logger.Warn("minio: delete %s failed: %v", key, err)
		return storage.DeleteFailed(key, err, classify(err))
	}
	return storage.DeleteResult{Key: key}
}

func (c *Client) GetReadURL(ctx context.Context, key string) storage.URLResult {
	if key == "" {
		return storage.URLFailed(key, storage.ErrEmptyKey, storage.KindInvalid)
	}

	exists, err := c.exists(ctx, key)
	if err == nil && !exists {
		err = fmt.Errorf("%w: %s", storage.ErrObjectMissing, key)
	}
	if err != nil {
		c.logger.Warn("minio: read url for %s failed: %v", key, err)
		return storage.URLFailed(key, err, classify(err))
	}

	issued := time.Now()
	u, err := c.api.PresignedGetObject(ctx, c.bucket, key, c.expiry, nil)
	if err != nil {
		c.logger.Warn("minio: read url for %s failed: %v", key, err)
		return storage.URLFailed(key, err, classify(err))
	}
	return storage.URLResult{Key: key, URL: u.String(), ExpiresAt: issued.Add(c.expiry)}
}

// exists reports whether key is present. Only "no such key" counts as absent;
// every other stat failure is returned.
func (c *Client) exists(ctx context.Context, key string) (bool, error) {
	_, err := c.api.StatObject(ctx, c.bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return false, nil
	}
	return false, err
}

// classify refines storage.Classify with S3 error codes.
func classify(err error) storage.ErrorKind {
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey", "NoSuchBucket":
		return storage.KindNotFound
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken":
		return storage.KindPermission
	case "PreconditionFailed":
		return storage.KindConflict
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return storage.KindTransient
	}
	return storage.Classify(err)
}
