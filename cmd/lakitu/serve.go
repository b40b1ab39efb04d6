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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/pacorain/homelab/lakitu/internal/api"
	"github.com/pacorain/homelab/lakitu/internal/config"
	"github.com/pacorain/homelab/lakitu/internal/dnsmasq"
	"github.com/pacorain/homelab/lakitu/internal/engine"
	"github.com/pacorain/homelab/lakitu/internal/journal"
	"github.com/pacorain/homelab/lakitu/internal/ledger"
	"github.com/pacorain/homelab/lakitu/internal/render"
	"github.com/pacorain/homelab/lakitu/internal/secrets"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the coordinator HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), *configPath)
		},
	}
}

func runServe(ctx context.Context, configPath string) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	store, err := ledger.Open(cfg.StatePath, cfg.Pool)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}

	tmpl, err := cfg.ReadTemplate()
	if err != nil {
		return fmt.Errorf("read template: %w", err)
	}
	renderer := render.New(tmpl, secrets.NewOpResolver(), cfg.Secrets)

	var events journal.Repository
	db, err := cfg.OpenJournal()
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	if db != nil {
		defer db.Close()
		events = journal.NewRepository(db)
	}

	writer := dnsmasq.NewWriter(cfg.Dnsmasq.WriterConfig(), logger)
	eng := engine.New(store, renderer, writer, events, logger, engine.SyncOptions{
		Retries:      cfg.Sync.Retries,
		InitialDelay: time.Duration(cfg.Sync.InitialDelay),
		MaxDelay:     time.Duration(cfg.Sync.MaxDelay),
	})

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Bring the projection in line with the ledger before answering
	// anything. A stale dnsmasq config is worse than a late start.
	if err := eng.Resync(ctx); err != nil {
		logger.Warn("initial projection sync failed, continuing degraded", "error", err)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	api.New(eng, events, logger).RegisterRoutes(r)

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
	}
	return nil
}
