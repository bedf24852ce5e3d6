package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, BackendPostgres, cfg.Checkpoint.Backend)
	assert.Equal(t, DefaultTableName, cfg.Checkpoint.TableName)
	assert.Equal(t, DefaultRedisPrefix, cfg.Checkpoint.Redis.Prefix)
	assert.Equal(t, time.Hour, cfg.Storage.ReadURLExpiry)
	assert.True(t, cfg.Storage.Secure)
	assert.False(t, cfg.Storage.Enabled())
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_TOML(t *testing.T) {
	path := writeFile(t, "threadstore.toml", `
status_file = "/run/checkpoint/status"

[log]
level = "debug"

[checkpoint]
backend = "postgres"
conn_string = "postgres://app@db/threads"
pipeline = true

[checkpoint.pool]
max_conns = 10
min_conns = 2
max_conn_idle_time = "5m"

[checkpoint.params]
application_name = "threads"

[storage]
backend = "minio"
endpoint = "minio:9000"
bucket = "uploads"
secure = false
read_url_expiry = "15m"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/run/checkpoint/status", cfg.StatusFile)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "postgres://app@db/threads", cfg.Checkpoint.ConnString)
	assert.True(t, cfg.Checkpoint.Pipeline)
	assert.Equal(t, int32(10), cfg.Checkpoint.Pool.MaxConns)
	assert.Equal(t, 5*time.Minute, cfg.Checkpoint.Pool.MaxConnIdleTime)
	assert.Equal(t, "threads", cfg.Checkpoint.Params["application_name"])
	assert.Equal(t, DefaultTableName, cfg.Checkpoint.TableName)
	assert.Equal(t, "uploads", cfg.Storage.Bucket)
	assert.False(t, cfg.Storage.Secure)
	assert.Equal(t, 15*time.Minute, cfg.Storage.ReadURLExpiry)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, "threadstore.yaml", `
checkpoint:
  backend: redis
  redis:
    addr: localhost:6379
    ttl: 24h
storage:
  backend: memory
  bucket: scratch
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, BackendRedis, cfg.Checkpoint.Backend)
	assert.Equal(t, "localhost:6379", cfg.Checkpoint.Redis.Addr)
	assert.Equal(t, 24*time.Hour, cfg.Checkpoint.Redis.TTL)
	assert.Equal(t, DefaultRedisPrefix, cfg.Checkpoint.Redis.Prefix)
	assert.Equal(t, StorageMemory, cfg.Storage.Backend)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "cfg.json", `{}`))
	assert.ErrorContains(t, err, "unsupported config format")

	_, err = Load(writeFile(t, "bad.toml", `checkpoint = [`))
	assert.ErrorContains(t, err, "failed to parse config")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestApplyEnv(t *testing.T) {
	t.Setenv(EnvCheckpointURL, "postgres://env@db/threads")
	t.Setenv(EnvStatusFile, "/tmp/status")
	t.Setenv(EnvStorageBackend, "s3")
	t.Setenv(EnvStorageEndpoint, "s3.amazonaws.com")
	t.Setenv(EnvStorageBucket, "prod-uploads")
	t.Setenv(EnvStorageSecure, "false")
	t.Setenv(EnvStorageExpiry, "300")
	t.Setenv(EnvLogLevel, "warn")

	cfg := Default()
	require.NoError(t, cfg.ApplyEnv())

	assert.Equal(t, "postgres://env@db/threads", cfg.Checkpoint.ConnString)
	assert.Equal(t, "/tmp/status", cfg.StatusFile)
	assert.Equal(t, StorageS3, cfg.Storage.Backend)
	assert.Equal(t, "prod-uploads", cfg.Storage.Bucket)
	assert.False(t, cfg.Storage.Secure)
	assert.Equal(t, 5*time.Minute, cfg.Storage.ReadURLExpiry)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.NoError(t, cfg.Validate())
}

func TestApplyEnv_Invalid(t *testing.T) {
	t.Setenv(EnvStorageExpiry, "soon")
	t.Setenv(EnvStorageSecure, "maybe")

	cfg := Default()
	err := cfg.ApplyEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), EnvStorageExpiry)
	assert.Contains(t, err.Error(), EnvStorageSecure)
	assert.Equal(t, time.Hour, cfg.Storage.ReadURLExpiry)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"postgres without conn string", func(c *Config) {}, EnvCheckpointURL},
		{"unknown checkpoint backend", func(c *Config) { c.Checkpoint.Backend = "mongo" }, "unknown checkpoint backend"},
		{"sqlite without path", func(c *Config) { c.Checkpoint.Backend = BackendSQLite }, "checkpoint.path"},
		{"redis without addr", func(c *Config) { c.Checkpoint.Backend = BackendRedis }, "checkpoint.redis.addr"},
		{"memory", func(c *Config) { c.Checkpoint.Backend = BackendMemory }, ""},
		{"pool bounds", func(c *Config) {
			c.Checkpoint.ConnString = "postgres://x"
			c.Checkpoint.Pool = PoolConfig{MaxConns: 2, MinConns: 5}
		}, "min_conns"},
		{"minio without bucket", func(c *Config) {
			c.Checkpoint.Backend = BackendMemory
			c.Storage = StorageConfig{Backend: StorageMinio, Endpoint: "localhost:9000"}
		}, "storage.bucket"},
		{"unknown storage", func(c *Config) {
			c.Checkpoint.Backend = BackendMemory
			c.Storage.Backend = "gcs"
		}, "unknown storage backend"},
		{"bad log level", func(c *Config) {
			c.Checkpoint.Backend = BackendMemory
			c.Log.Level = "loud"
		}, "unknown log level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
