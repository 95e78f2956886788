package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cuesheet/internal/app"
	"cuesheet/internal/archive"
	"cuesheet/internal/config"
	"cuesheet/internal/logger"
	"cuesheet/internal/metrics"
	"cuesheet/internal/remote"
	"cuesheet/internal/rundown"
	"cuesheet/internal/store"

	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if addr != "" {
				cfg.Addr = addr
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to API_ADDR)")
	return cmd
}

func runServe(ctx context.Context, cfg config.Config) error {
	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(log)

	client, err := remote.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("redis connection failed: %w", err)
	}
	defer client.Close()

	deps := app.Deps{
		Redis:   client,
		Metrics: metrics.New(),
		Logger:  log,
		Catalog: rundown.DefaultCatalog(),
	}

	if cfg.DatabaseURL != "" {
		conn, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		defer conn.Close()
		applied, err := migrate(ctx, conn, cfg.MigrationsDir)
		if err != nil {
			return fmt.Errorf("migrations failed: %w", err)
		}
		if len(applied) > 0 {
			log.Info("migrations applied", "files", applied)
		}
		pg := store.NewPostgresStore(conn)
		deps.History = pg
		deps.Ping = pg.Ping
		log.Info("history stored in postgres")
	} else {
		log.Info("history stored in redis")
	}

	if cfg.ArchiveDir != "" {
		if err := os.MkdirAll(cfg.ArchiveDir, 0o755); err != nil {
			return fmt.Errorf("create archive dir: %w", err)
		}
		deps.Archive = archive.New(cfg.ArchiveDir)
	}

	service := app.New(cfg, deps)
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("cuesheet listening", "addr", cfg.Addr, "version", Version)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-sigCtx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", "err", err)
	}
	service.Shutdown(shutdownCtx)
	log.Info("cuesheet stopped")
	return nil
}
