package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"gitea.jw6.us/james/calsync/internal/config"
	"gitea.jw6.us/james/calsync/internal/fetch"
	"gitea.jw6.us/james/calsync/internal/health"
	httpserver "gitea.jw6.us/james/calsync/internal/http"
	"gitea.jw6.us/james/calsync/internal/integration"
	"gitea.jw6.us/james/calsync/internal/jobs"
	"gitea.jw6.us/james/calsync/internal/provider"
	"gitea.jw6.us/james/calsync/internal/provider/caldav"
	"gitea.jw6.us/james/calsync/internal/provider/google"
	"gitea.jw6.us/james/calsync/internal/provider/outlook"
	"gitea.jw6.us/james/calsync/internal/refreshlock"
	"gitea.jw6.us/james/calsync/internal/store"
	"gitea.jw6.us/james/calsync/internal/token"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DB.DSN)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := store.ApplyMigrations(ctx, pool); err != nil {
		return err
	}

	cipher, err := store.NewTokenCipher(cfg.TokenEncryptionKey)
	if err != nil {
		return err
	}
	st := store.New(pool, cipher)

	registry := provider.NewRegistry()
	apiClient := &http.Client{Timeout: cfg.Timeouts.ProviderAPI}
	davClient := &http.Client{Timeout: cfg.Timeouts.CalDAV}
	if cfg.GoogleEnabled() {
		registry.Register(integration.ProviderGoogle,
			google.New(cfg.Google.ClientID, cfg.Google.ClientSecret, apiClient, logger))
	}
	if cfg.OutlookEnabled() {
		registry.Register(integration.ProviderOutlook,
			outlook.New(cfg.Outlook.ClientID, cfg.Outlook.ClientSecret, apiClient, logger))
	}
	for _, p := range integration.Providers {
		if p.IsCalDAV() {
			registry.Register(p, caldav.New(p, davClient, logger))
		}
	}

	locks := refreshlock.New(logger)
	tokens := token.NewService(st.Integrations, registry, locks, logger)

	tracker := health.NewTracker()
	monitor := health.NewMonitor(tracker, registry, tokens, st.Integrations, logger)
	go monitor.Run(ctx)

	fetcher := fetch.New(registry, tokens, monitor, logger,
		fetch.WithConcurrency(cfg.FetchConcurrency))

	scheduler := jobs.NewScheduler(st.Integrations, tokens, logger)
	if err := scheduler.Start(); err != nil {
		return err
	}
	defer scheduler.Stop()

	flow, err := httpserver.NewOAuthFlow(ctx, cfg)
	if err != nil {
		return err
	}
	handler := httpserver.NewHandler(cfg, st.Integrations, registry, tokens, tracker, fetcher, flow, logger)

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      httpserver.NewRouter(cfg, st, handler),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", cfg.ListenAddr, "providers", registry.Providers())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
