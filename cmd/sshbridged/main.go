package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/websoft9/sshbridge/internal/config"
	"github.com/websoft9/sshbridge/internal/daemon"
	"github.com/websoft9/sshbridge/internal/pool"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	root := newRootCommand(cfg)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sshbridged [configDir] [processTitle]",
		Short: "ssh-bridge connection broker daemon",
		Args:  cobra.RangeArgs(0, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) >= 1 {
				cfg.ConfigDir = args[0]
			}
			processTitle := ""
			if len(args) >= 2 {
				processTitle = args[1]
			}
			return run(cfg, processTitle)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (overrides SSHBRIDGE_LOG_LEVEL)")
	flags.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format: json or pretty (overrides SSHBRIDGE_LOG_FORMAT)")
	flags.DurationVar(&cfg.PoolTTL, "pool-ttl", cfg.PoolTTL, "idle kept-session TTL (overrides SSHBRIDGE_POOL_TTL)")
	flags.DurationVar(&cfg.ShareTTL, "share-ttl", cfg.ShareTTL, "idle shared-session TTL (overrides SSHBRIDGE_SHARE_TTL)")
	flags.IntVar(&cfg.MaxFrame, "max-frame", cfg.MaxFrame, "maximum frame payload size in bytes (overrides SSHBRIDGE_MAX_FRAME)")
	flags.DurationVar(&cfg.ReadyTimeout, "ready-timeout", cfg.ReadyTimeout, "SSH dial/auth timeout (overrides SSHBRIDGE_READY_TIMEOUT)")
	flags.DurationVar(&cfg.KeepaliveInterval, "keepalive-interval", cfg.KeepaliveInterval, "SSH keepalive interval (overrides SSHBRIDGE_KEEPALIVE_INTERVAL)")

	return cmd
}

func run(cfg *config.Config, processTitle string) error {
	if _, err := os.Stat(cfg.ConfigDir); err != nil {
		return fmt.Errorf("sshbridged: configuration directory %s does not exist: %w", cfg.ConfigDir, err)
	}

	logPath := filepath.Join(cfg.ConfigDir, "log")
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("sshbridged: open log file: %w", err)
	}
	defer logFile.Close()

	logger := setupLogger(cfg, logFile)
	if processTitle != "" {
		logger = logger.With().Str("process_title", processTitle).Logger()
	}

	lockPath := filepath.Join(cfg.ConfigDir, "lock")
	lock, err := daemon.AcquireLock(lockPath)
	if err != nil {
		if err == daemon.ErrAlreadyRunning {
			logger.Info().Msg("another daemon instance is already running, exiting")
			return nil
		}
		return fmt.Errorf("sshbridged: acquire lock: %w", err)
	}
	defer lock.Release()

	p := pool.New(logger)
	diag := daemon.StartDiagnostics(p, logger)
	defer diag.Stop()

	socketPath := filepath.Join(cfg.ConfigDir, "sock")
	srv := daemon.NewServer(socketPath, p, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	daemon.NotifyShutdownSignals(cancel)

	logger.Info().Str("socket", socketPath).Msg("sshbridged starting")
	if err := srv.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("sshbridged: serve: %w", err)
	}
	logger.Info().Msg("sshbridged exited")
	return nil
}

func setupLogger(cfg *config.Config, out *os.File) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var logger zerolog.Logger
	if cfg.LogFormat == "pretty" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: out, NoColor: true}).With().Timestamp().Logger()
	} else {
		logger = zerolog.New(out).With().Timestamp().Logger()
	}
	log.Logger = logger
	return logger
}
