// Command checkpoint-setup creates the checkpoint schema and exits 0 on
// success or 1 on failure, printing one line to stdout either way.
//
// The connection string comes from CHECKPOINT_DATABASE_URL and the optional
// status file from CHECKPOINT_STATUS_FILE; flags override both.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/smallnest/threadstore/config"
	"github.com/smallnest/threadstore/log"
	"github.com/smallnest/threadstore/setup"
)

func main() {
	os.Exit(execute(os.Args[1:], os.Stdout, os.Stderr))
}

func execute(args []string, stdout, stderr io.Writer) int {
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(stdout, "checkpoint setup failed: %v\n", err)
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		conn       string
		backend    string
		statusFile string
		logLevel   string
		timeout    time.Duration
	)

	cmd := &cobra.Command{
		Use:           "checkpoint-setup",
		Short:         "Create or migrate the checkpoint schema",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if err := cfg.ApplyEnv(); err != nil {
				return err
			}

			flags := cmd.Flags()
			if flags.Changed("conn") {
				cfg.Checkpoint.ConnString = conn
			}
			if flags.Changed("backend") {
				cfg.Checkpoint.Backend = backend
			}
			if flags.Changed("status-file") {
				cfg.StatusFile = statusFile
			}
			if flags.Changed("log-level") {
				cfg.Log.Level = logLevel
			}

			level, err := log.ParseLevel(cfg.Log.Level)
			if err != nil {
				return err
			}
			logger := log.NewWithOutput(cmd.ErrOrStderr(), level)

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			err = setup.Run(ctx, setup.Options{
				Checkpoint: cfg.Checkpoint,
				StatusFile: cfg.StatusFile,
				Logger:     logger,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "checkpoint setup succeeded")
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&configPath, "config", "", "TOML or YAML config file")
	f.StringVar(&conn, "conn", "", "checkpoint connection string (overrides "+config.EnvCheckpointURL+")")
	f.StringVar(&backend, "backend", "", "checkpoint backend: postgres, sqlite, redis or memory")
	f.StringVar(&statusFile, "status-file", "", "file to write on success (overrides "+config.EnvStatusFile+")")
	f.StringVar(&logLevel, "log-level", "", "debug, info, warn, error or none")
	f.DurationVar(&timeout, "timeout", time.Minute, "overall deadline")

	return cmd
}
