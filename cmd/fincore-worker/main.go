package main

import (
	"context"
	"errors"
	"os"
	"time"

	"fincore/internal/amqp"
	"fincore/internal/cli"
	"fincore/internal/log"
)

func main() {
	cli.LoadEnvFile()
	boot := cli.SetupLogger(os.Getenv("LOG_LEVEL"))
	cfg := cli.LoadAndValidateConfig(boot)
	logger := cli.SetupLogger(cfg.LogLevel).WithComponent(log.ComponentWorker)

	logger.Info("Starting fincore-worker", log.FieldOperation, log.OpStartup)

	if !cfg.EventsEnabled() {
		logger.Error("AMQP_URL is required for the worker")
		os.Exit(1)
	}

	store, closeStore, err := cli.OpenStore(context.Background(), logger, cfg)
	if err != nil {
		logger.Error("Failed to open backend", log.FieldError, err)
		os.Exit(1)
	}

	client, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue, logger)
	if err != nil {
		logger.Error("Failed to initialize AMQP client", log.FieldError, err)
		closeStore()
		os.Exit(1)
	}

	app := cli.NewApp(cfg, store, client, logger)

	ctx, done := cli.GracefulShutdown(logger, 30*time.Second, func() {
		if err := client.Close(); err != nil {
			logger.Warn("AMQP close failed", log.FieldError, err)
		}
		closeStore()
	})

	// Catch drift that happened while the worker was down.
	if err := app.Events.StartupAudit(ctx); err != nil {
		logger.Error("Startup audit failed", log.FieldError, err)
	}

	if err := client.ConsumeEvents(ctx, app.Events.HandleEvent); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Event consumption failed", log.FieldError, err)
		os.Exit(1)
	}

	cli.WaitForShutdown(ctx, done)
	logger.Info("fincore-worker stopped")
}
