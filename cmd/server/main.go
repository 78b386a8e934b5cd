// Package main is the entry point for the issue registry server.
//
// The main package is kept minimal. Its job is to:
//  1. read configuration (config.Load: defaults, TOML file, environment)
//  2. build the logger
//  3. hand both to internal/server and block until shutdown
//
// Usage:
//
//	issue-registry --config /etc/issue-registry/config.toml
//
// REGISTRY_CONFIG may name the file instead of the flag.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ethcentivize/issue-registry/internal/config"
	"github.com/ethcentivize/issue-registry/internal/server"
	"github.com/google/uuid"
	"github.com/urfave/cli/v2"
)

var flagConfig = &cli.StringFlag{
	Name:    "config",
	Usage:   "path to a TOML config file; settings not in the file come from the environment",
	EnvVars: []string{"REGISTRY_CONFIG"},
}

func main() {
	app := &cli.App{
		Name:   "issue-registry",
		Usage:  "serve the issue registry HTTP API",
		Flags:  []cli.Flag{flagConfig},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cCtx *cli.Context) error {
	cfg, err := config.Load(cCtx.String(flagConfig.Name), os.LookupEnv)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Log)

	// sqlite creates the file but not its directory.
	if cfg.DBPath != "" {
		dbDir := filepath.Dir(cfg.DBPath)
		if err := os.MkdirAll(dbDir, 0o755); err != nil {
			return fmt.Errorf("creating database directory %s: %w", dbDir, err)
		}
	}

	srv, err := server.New(cCtx.Context, cfg, logger)
	if err != nil {
		logger.Error("failed to create server", slog.String("error", err.Error()))
		return err
	}

	// Start blocks until SIGINT or SIGTERM.
	if err := srv.Start(); err != nil {
		logger.Error("server error", slog.String("error", err.Error()))
		return err
	}
	return nil
}

// newLogger builds the process logger. With UID set every line carries a
// per-process uuid, which separates restarts in aggregated logs.
func newLogger(cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.Level}

	var h slog.Handler
	if cfg.JSON {
		h = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		h = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(h)
	if cfg.UID {
		logger = logger.With(slog.String("uid", uuid.NewString()))
	}
	return logger
}
