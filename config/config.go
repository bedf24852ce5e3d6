// Package config holds the typed configuration shared by the data layer and
// the checkpoint-setup command. Values come from Default, then an optional
// TOML or YAML file, then environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/smallnest/threadstore/log"
)

// Checkpoint backends.
const (
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendRedis    = "redis"
	BackendMemory   = "memory"
)

// Object storage backends. An empty storage backend disables object storage.
const (
	StorageMinio  = "minio"
	StorageS3     = "s3"
	StorageMemory = "memory"
)

const (
	DefaultTableName     = "checkpoints"
	DefaultRedisPrefix   = "threadstore:"
	DefaultReadURLExpiry = time.Hour
	DefaultLogLevel      = "info"
)

// Environment variables read by ApplyEnv.
const (
	EnvCheckpointURL        = "CHECKPOINT_DATABASE_URL"
	EnvCheckpointBackend    = "CHECKPOINT_BACKEND"
	EnvCheckpointTable      = "CHECKPOINT_TABLE"
	EnvStatusFile           = "CHECKPOINT_STATUS_FILE"
	EnvStorageBackend       = "STORAGE_BACKEND"
	EnvStorageEndpoint      = "STORAGE_ENDPOINT"
	EnvStorageBucket        = "STORAGE_BUCKET"
	EnvStorageAccessKey     = "STORAGE_ACCESS_KEY"
	EnvStorageSecretKey     = "STORAGE_SECRET_KEY"
	EnvStorageSessionToken  = "STORAGE_SESSION_TOKEN"
	EnvStorageRegion        = "STORAGE_REGION"
	EnvStorageSecure        = "STORAGE_SECURE"
	EnvStorageSkipTLSVerify = "STORAGE_INSECURE_SKIP_VERIFY"
	EnvStorageExpiry        = "STORAGE_EXPIRY_TIME" // seconds
	EnvLogLevel             = "LOG_LEVEL"
)

// LogConfig selects the default logger level.
type LogConfig struct {
	Level string `toml:"level" yaml:"level"`
}

// PoolConfig sizes the postgres connection pool. Zero values keep the
// driver defaults.
type PoolConfig struct {
	MaxConns          int32         `toml:"max_conns" yaml:"max_conns"`
	MinConns          int32         `toml:"min_conns" yaml:"min_conns"`
	MaxConnLifetime   time.Duration `toml:"max_conn_lifetime" yaml:"max_conn_lifetime"`
	MaxConnIdleTime   time.Duration `toml:"max_conn_idle_time" yaml:"max_conn_idle_time"`
	HealthCheckPeriod time.Duration `toml:"health_check_period" yaml:"health_check_period"`
	ConnectTimeout    time.Duration `toml:"connect_timeout" yaml:"connect_timeout"`
}

// RedisConfig configures the redis checkpoint backend.
type RedisConfig struct {
	Addr     string        `toml:"addr" yaml:"addr"`
	Password string        `toml:"password" yaml:"password"`
	DB       int           `toml:"db" yaml:"db"`
	Prefix   string        `toml:"prefix" yaml:"prefix"`
	TTL      time.Duration `toml:"ttl" yaml:"ttl"`
}

// CheckpointConfig selects and configures the checkpoint store.
type CheckpointConfig struct {
	Backend    string            `toml:"backend" yaml:"backend"`
	ConnString string            `toml:"conn_string" yaml:"conn_string"`
	Path       string            `toml:"path" yaml:"path"`
	TableName  string            `toml:"table_name" yaml:"table_name"`
	Pipeline   bool              `toml:"pipeline" yaml:"pipeline"`
	Pool       PoolConfig        `toml:"pool" yaml:"pool"`
	Params     map[string]string `toml:"params" yaml:"params"`
	Redis      RedisConfig       `toml:"redis" yaml:"redis"`
}

// StorageConfig selects and configures the object storage client.
type StorageConfig struct {
	Backend            string        `toml:"backend" yaml:"backend"`
	Endpoint           string        `toml:"endpoint" yaml:"endpoint"`
	Bucket             string        `toml:"bucket" yaml:"bucket"`
	AccessKey          string        `toml:"access_key" yaml:"access_key"`
	SecretKey          string        `toml:"secret_key" yaml:"secret_key"`
	SessionToken       string        `toml:"session_token" yaml:"session_token"`
	Secure             bool          `toml:"secure" yaml:"secure"`
	Region             string        `toml:"region" yaml:"region"`
	InsecureSkipVerify bool          `toml:"insecure_skip_verify" yaml:"insecure_skip_verify"`
	ReadURLExpiry      time.Duration `toml:"read_url_expiry" yaml:"read_url_expiry"`
}

// Enabled reports whether an object storage backend is configured.
func (s StorageConfig) Enabled() bool { return s.Backend != "" }

// Config is the complete configuration.
type Config struct {
	Log        LogConfig        `toml:"log" yaml:"log"`
	Checkpoint CheckpointConfig `toml:"checkpoint" yaml:"checkpoint"`
	Storage    StorageConfig    `toml:"storage" yaml:"storage"`
	StatusFile string           `toml:"status_file" yaml:"status_file"`
}

// Default returns default configuration values.
func Default() Config {
	return Config{
		Log: LogConfig{Level: DefaultLogLevel},
		Checkpoint: CheckpointConfig{
			Backend:   BackendPostgres,
			TableName: DefaultTableName,
			Redis:     RedisConfig{Prefix: DefaultRedisPrefix},
		},
		Storage: StorageConfig{
			Secure:        true,
			ReadURLExpiry: DefaultReadURLExpiry,
		},
	}
}

// Load returns Default overlaid with the file at path. The format follows
// the extension: .toml, or .yaml/.yml. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	default:
		return cfg, fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
	return cfg, nil
}

// ApplyEnv overrides fields from the environment. Unset variables leave the
// current value alone; a set but unparsable value is an error.
func (c *Config) ApplyEnv() error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = strings.TrimSpace(v)
		}
	}

	str(EnvCheckpointURL, &c.Checkpoint.ConnString)
	str(EnvCheckpointBackend, &c.Checkpoint.Backend)
	str(EnvCheckpointTable, &c.Checkpoint.TableName)
	str(EnvStatusFile, &c.StatusFile)
	str(EnvStorageBackend, &c.Storage.Backend)
	str(EnvStorageEndpoint, &c.Storage.Endpoint)
	str(EnvStorageBucket, &c.Storage.Bucket)
	str(EnvStorageAccessKey, &c.Storage.AccessKey)
	str(EnvStorageSecretKey, &c.Storage.SecretKey)
	str(EnvStorageSessionToken, &c.Storage.SessionToken)
	str(EnvStorageRegion, &c.Storage.Region)
	str(EnvLogLevel, &c.Log.Level)

	var errs []error
	boolean := func(key string, dst *bool) {
		v, ok := os.LookupEnv(key)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = b
	}
	boolean(EnvStorageSecure, &c.Storage.Secure)
	boolean(EnvStorageSkipTLSVerify, &c.Storage.InsecureSkipVerify)

	if v, ok := os.LookupEnv(EnvStorageExpiry); ok && strings.TrimSpace(v) != "" {
		secs, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", EnvStorageExpiry, err))
		} else {
			c.Storage.ReadURLExpiry = time.Duration(secs) * time.Second
		}
	}

	return errors.Join(errs...)
}

// Validate checks the fields the selected backends need.
func (c *Config) Validate() error {
	var errs []error
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if err := c.Checkpoint.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Storage.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Validate checks the checkpoint section on its own.
func (c CheckpointConfig) Validate() error {
	switch c.Backend {
	case BackendPostgres:
		if strings.TrimSpace(c.ConnString) == "" {
			return fmt.Errorf("checkpoint.conn_string is required for %s (or set %s)", c.Backend, EnvCheckpointURL)
		}
		if c.Pool.MinConns < 0 || c.Pool.MaxConns < 0 {
			return errors.New("checkpoint.pool connection counts must not be negative")
		}
		if c.Pool.MaxConns > 0 && c.Pool.MinConns > c.Pool.MaxConns {
			return fmt.Errorf("checkpoint.pool.min_conns %d exceeds max_conns %d", c.Pool.MinConns, c.Pool.MaxConns)
		}
	case BackendSQLite:
		if strings.TrimSpace(c.Path) == "" && strings.TrimSpace(c.ConnString) == "" {
			return errors.New("checkpoint.path is required for sqlite")
		}
	case BackendRedis:
		if strings.TrimSpace(c.Redis.Addr) == "" && strings.TrimSpace(c.ConnString) == "" {
			return errors.New("checkpoint.redis.addr is required for redis")
		}
		if c.Redis.TTL < 0 {
			return errors.New("checkpoint.redis.ttl must not be negative")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unknown checkpoint backend %q", c.Backend)
	}
	return nil
}

// Validate checks the storage section on its own.
func (s StorageConfig) Validate() error {
	switch s.Backend {
	case "", StorageMemory:
	case StorageMinio, StorageS3:
		if strings.TrimSpace(s.Endpoint) == "" {
			return fmt.Errorf("storage.endpoint is required for %s", s.Backend)
		}
		if strings.TrimSpace(s.Bucket) == "" {
			return fmt.Errorf("storage.bucket is required for %s", s.Backend)
		}
	default:
		return fmt.Errorf("unknown storage backend %q", s.Backend)
	}
	if s.ReadURLExpiry < 0 {
		return errors.New("storage.read_url_expiry must not be negative")
	}
	return nil
}
