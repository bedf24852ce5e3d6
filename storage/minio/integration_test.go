//go:build integration
// +build integration

package minio_test

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/smallnest/threadstore/storage"
	"github.com/smallnest/threadstore/storage/minio"
)

func startMinioContainer(ctx context.Context, t *testing.T) string {
	t.Helper()

	req := testcontainers.ContainerRequest{
		Image:        "minio/minio:latest",
		ExposedPorts: []string{"9000/tcp"},
		Env: map[string]string{
			"MINIO_ROOT_USER":     "threadstore",
			"MINIO_ROOT_PASSWORD": "threadstore-secret",
		},
		Cmd:        []string{"server", "/data"},
		WaitingFor: wait.ForHTTP("/minio/health/live").WithPort("9000/tcp").WithStartupTimeout(time.Minute),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	endpoint, err := container.PortEndpoint(ctx, "9000/tcp", "")
	require.NoError(t, err)
	return endpoint
}

func TestIntegration_MinioClient(t *testing.T) {
	ctx := context.Background()
	endpoint := startMinioContainer(ctx, t)

	c, err := minio.New(ctx, minio.Options{
		Endpoint:      endpoint,
		Bucket:        "elements",
		AccessKey:     "threadstore",
		SecretKey:     "threadstore-secret",
		ReadURLExpiry: 5 * time.Minute,
	}, nil)
	require.NoError(t, err)

	up := c.UploadObject(ctx, "threads/t1/a.txt", []byte("hello"), "text/plain", true)
	require.True(t, up.OK(), "upload: %v", up.Err)
	assert.NotEmpty(t, up.ETag)
	assert.Equal(t, int64(5), up.Size)

	again := c.UploadObject(ctx, "threads/t1/a.txt", []byte("other"), "text/plain", false)
	assert.Equal(t, storage.KindConflict, again.Kind)

	url := c.GetReadURL(ctx, "threads/t1/a.txt")
	require.True(t, url.Signed(), "url: %v", url.Err)

	resp, err := http.Get(url.URL)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hello", string(body))

	del := c.DeleteObject(ctx, "threads/t1/a.txt")
	assert.True(t, del.OK())

	missing := c.GetReadURL(ctx, "threads/t1/a.txt")
	assert.Equal(t, storage.KindNotFound, missing.Kind)
	assert.Equal(t, "threads/t1/a.txt", missing.URL)

	results := storage.DeleteMany(ctx, c, []string{"nope-1", "nope-2"}, 2)
	for _, r := range results {
		assert.Equal(t, storage.KindNotFound, r.Kind)
	}
}
