package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"cardvault/internal/platform/config"
	"cardvault/internal/platform/httpserver"
	"cardvault/internal/platform/logger"
)

// main wires dependencies, serves the HTTP API and drains the event
// publisher on shutdown. Business logic lives in the internal service packages.
func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	log := logger.New(cfg.Log.Level, cfg.Log.Format)
	if cfg.UsesDevSigningKey() {
		log.Warn("using the development signing key; set IDENTITY_SIGNING_KEY in production")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	app, err := build(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer app.close()

	srv := httpserver.New(cfg.Server, app.router, log)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return app.publisher.Run(gctx)
	})
	g.Go(func() error {
		log.Info("starting cardvault", "addr", cfg.Server.Addr, "storage", app.storageKind)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Server.ShutdownTimeout)
		defer cancel()
		log.Info("shutting down", "pending_events", app.publisher.Pending())
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
