package main

import (
	"context"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"fincore/internal/cli"
	apphttp "fincore/internal/http"
	"fincore/internal/log"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cli.LoadEnvFile()
	boot := cli.SetupLogger(os.Getenv("LOG_LEVEL"))
	cfg := cli.LoadAndValidateConfig(boot)
	logger := cli.SetupLogger(cfg.LogLevel)

	logger.Info("Starting fincore",
		log.FieldOperation, log.OpStartup,
		"port", cfg.Port,
		"backend", cfg.StorageBackend,
		"events", cfg.EventsEnabled())

	app, closeApp, err := cli.OpenApp(context.Background(), logger, cfg)
	if err != nil {
		logger.Error("Failed to open backend", log.FieldError, err)
		os.Exit(1)
	}

	srv := apphttp.NewServer(":"+cfg.Port, apphttp.Deps{
		Store:          app.Store,
		Auditor:        app.Ledger,
		Parties:        app.Parties,
		MetricsEnabled: cfg.MetricsEnabled,
		Logger:         logger,
	})
	srv.ReadTimeout = 10 * time.Second
	srv.WriteTimeout = 10 * time.Second
	srv.IdleTimeout = 60 * time.Second

	ctx, done := cli.GracefulShutdown(logger, shutdownTimeout, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown error", log.FieldError, err)
		}
		if err := app.Reconciler.Stop(shutdownCtx); err != nil {
			logger.Error("Reconcile processor stop error", log.FieldError, err)
		}
		app.Caches.Stop()
		closeApp()
	})

	app.Caches.StartCleanup(time.Minute)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return app.Reconciler.Start(gctx)
	})
	g.Go(func() error {
		return app.Overdue.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("Ops server listening", "addr", srv.Addr)
		return srv.ListenAndServe()
	})

	if err := g.Wait(); err != nil {
		logger.Error("fincore stopped with error", log.FieldError, err)
		os.Exit(1)
	}
	cli.WaitForShutdown(ctx, done)
	logger.Info("fincore stopped gracefully")
}
