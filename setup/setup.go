// Package setup performs the one-shot checkpoint schema initialisation run
// before the service starts, typically from an init container.
//
// On success a status file containing "healthy" is written so orchestrators
// that poll for a file, rather than watch an exit code, can gate startup on
// it. The file is removed first, so a failed run never leaves a stale one
// behind from an earlier success.
package setup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/smallnest/threadstore/backends"
	"github.com/smallnest/threadstore/config"
	"github.com/smallnest/threadstore/log"
	"github.com/smallnest/threadstore/store"
)

// StatusHealthy is the content of the status file after a successful run.
const StatusHealthy = "healthy\n"

// Options configures Run.
type Options struct {
	Checkpoint config.CheckpointConfig
	StatusFile string // optional
	Logger     log.Logger
}

// Run opens the configured checkpoint store, checks it is reachable, applies
// its schema and closes it. The status file is written only when all of that
// succeeded.
func Run(ctx context.Context, opts Options) error {
	logger := log.OrDefault(opts.Logger)

	if opts.StatusFile != "" {
		if err := os.Remove(opts.StatusFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove stale status file: %w", err)
		}
	}

	s, err := backends.OpenCheckpointStore(ctx, opts.Checkpoint, logger)
	if err != nil {
		return fmt.Errorf("failed to open checkpoint store: %w", err)
	}

	err = initialise(ctx, s)
	if closeErr := s.Close(); closeErr != nil {
		err = errors.Join(err, fmt.Errorf("failed to close checkpoint store: %w", closeErr))
	}
	if err != nil {
		return err
	}
	logger.Info("checkpoint schema ready (backend %s)", opts.Checkpoint.Backend)

	if opts.StatusFile != "" {
		if err := writeStatus(opts.StatusFile); err != nil {
			return err
		}
		logger.Debug("wrote status file %s", opts.StatusFile)
	}
	return nil
}

func initialise(ctx context.Context, s store.CheckpointStore) error {
	if p, ok := s.(store.Pinger); ok {
		if err := p.Ping(ctx); err != nil {
			return err
		}
	}
	if si, ok := s.(store.SchemaInitializer); ok {
		if err := si.Setup(ctx); err != nil {
			return fmt.Errorf("failed to set up checkpoint schema: %w", err)
		}
	}
	return nil
}

// writeStatus writes through a temporary file so pollers never see a
// partially written status.
func writeStatus(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create status directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".status-*")
	if err != nil {
		return fmt.Errorf("failed to write status file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(StatusHealthy); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write status file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write status file: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("failed to write status file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to write status file: %w", err)
	}
	return nil
}
