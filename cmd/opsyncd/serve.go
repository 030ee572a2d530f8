package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/opsync/opsync/internal/api"
	"github.com/opsync/opsync/internal/store"
	syncengine "github.com/opsync/opsync/internal/sync"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync server",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func newLogger(cfg api.Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.ToLower(cfg.LogFormat) == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := api.LoadConfig()
	logger := newLogger(cfg)

	if cfg.JWTSecret == "" {
		logger.Error("OPSYNC_JWT_SECRET is required")
		os.Exit(1)
	}

	st, err := store.Open(context.Background(), cfg.DBPath)
	if err != nil {
		logger.Error("open store", "err", err, "path", cfg.DBPath)
		os.Exit(1)
	}
	defer st.Close()

	svc := syncengine.New(st, cfg.EngineConfig(), logger)
	srv := api.NewServer(cfg, st, svc)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(); err != nil {
		logger.Error("start server", "err", err)
		os.Exit(1)
	}
	logger.Info("server started", "addr", cfg.ListenAddr, "version", effectiveVersion(Version))

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "err", err)
	}
	return nil
}
