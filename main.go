package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/voxgate/backend/internal/api"
	"github.com/voxgate/backend/internal/auth"
	"github.com/voxgate/backend/internal/config"
	"github.com/voxgate/backend/internal/db"
	"github.com/voxgate/backend/internal/engine"
	"github.com/voxgate/backend/internal/gate"
	"github.com/voxgate/backend/internal/ledger"
	"github.com/voxgate/backend/internal/speech"
	"github.com/voxgate/backend/internal/storage"
	"github.com/voxgate/backend/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	// Ensure work directory exists and drop leftovers from a previous run
	if err := storage.EnsureDir(cfg.WorkDir); err != nil {
		return fmt.Errorf("work dir: %w", err)
	}
	storage.Sweep(cfg.WorkDir, logger)

	// Initialize database
	database, err := db.NewSQLite(cfg.DBDSN)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer database.Close()

	// Ensure admin user exists
	if err := database.EnsureAdmin(cfg.AdminUsername, cfg.AdminPassword); err != nil {
		return fmt.Errorf("admin user: %w", err)
	}
	logger.Info("admin user ensured", "username", cfg.AdminUsername, "auth_enabled", cfg.AuthEnabled)

	engines, err := engine.New(cfg, logger)
	if err != nil {
		return err
	}

	metrics := telemetry.NewMetrics()
	g := gate.New(engines.Transcriber, engines.Translator, engines.Synthesizer,
		gate.WithMetrics(metrics), gate.WithLogger(logger))
	svc := speech.NewService(g, engines.Detector, speech.OptionsFromConfig(cfg), metrics, logger)

	router := api.NewRouter(api.Deps{
		Config:  cfg,
		DB:      database,
		JWT:     auth.NewJWTService(cfg.JWTSecret, auth.DefaultTokenTTL),
		Speech:  svc,
		Gate:    g,
		Ledger:  ledger.New(database.DB(), ledger.DefaultRetain, logger),
		Metrics: metrics,
		Engines: engines,
		Logger:  logger,
	})

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", "addr", addr, "work_dir", cfg.WorkDir)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
