// Package cli provides the initialization shared by cmd/fincore,
// cmd/fincore-worker and cmd/fincorectl, and the operator commands.
package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"fincore/internal/backend"
	"fincore/internal/config"
	"fincore/internal/log"
	"fincore/internal/services"
	"fincore/internal/storage"
)

// SetupLogger initializes structured logging at the given level.
// Returns the configured logger and sets it as the default logger.
func SetupLogger(level string) *log.Logger {
	cfg := log.DefaultConfig()
	cfg.Level = log.ParseLevel(level)
	logger := log.New(cfg)
	log.SetDefault(logger)
	return logger
}

// LoadEnvFile loads the .env file for local development.
// Errors are ignored silently as this is optional in production.
func LoadEnvFile() {
	_ = godotenv.Load()
}

// LoadAndValidateConfig loads configuration and validates it.
// Returns the config or exits the process on validation failure.
func LoadAndValidateConfig(logger *log.Logger) *config.Config {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.Error("Configuration validation failed", log.FieldError, err)
		os.Exit(1)
	}
	return cfg
}

// OpenStore opens the configured store. The returned cleanup is never nil.
func OpenStore(ctx context.Context, logger *log.Logger, cfg *config.Config) (storage.Store, func(), error) {
	opts, err := backend.OptionsFrom(cfg)
	if err != nil {
		return nil, nil, err
	}
	s, err := factory(logger).OpenStore(ctx, opts)
	if err != nil {
		return nil, nil, err
	}
	return s.Store, closer(logger, "store", s.Cleanup), nil
}

// OpenEvents connects the event sink. The returned cleanup is never nil.
func OpenEvents(ctx context.Context, logger *log.Logger, cfg *config.Config) (services.EventSink, func(), error) {
	opts, err := backend.OptionsFrom(cfg)
	if err != nil {
		return nil, nil, err
	}
	ev, err := factory(logger).OpenEvents(ctx, opts)
	if err != nil {
		return nil, nil, err
	}
	return ev.Sink, closer(logger, "events", ev.Cleanup), nil
}

func factory(logger *log.Logger) *backend.Factory {
	return backend.NewFactory(logger.With(log.FieldComponent, log.ComponentBackend).Logger)
}

func closer(logger *log.Logger, what string, fn backend.CleanupFunc) func() {
	return func() {
		if fn == nil {
			return
		}
		if err := fn(); err != nil {
			logger.Warn("Cleanup failed", "resource", what, log.FieldError, err)
		}
	}
}

// GracefulShutdown returns a context cancelled on SIGINT or SIGTERM. After
// the signal, cleanup runs with at most timeout to finish; done is closed
// when it returns or the timeout passes.
func GracefulShutdown(logger *log.Logger, timeout time.Duration, cleanup func()) (context.Context, <-chan struct{}) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})

	go func() {
		defer close(done)
		<-ctx.Done()
		stop()
		logger.Info("Shutdown signal received", log.FieldOperation, log.OpShutdown)

		finished := make(chan struct{})
		go func() {
			defer close(finished)
			if cleanup != nil {
				cleanup()
			}
		}()

		select {
		case <-finished:
			logger.Info("Shutdown complete")
		case <-time.After(timeout):
			logger.Warn("Shutdown timeout reached", "timeout", timeout)
		}
	}()

	return ctx, done
}

// WaitForShutdown blocks until the signal arrived and cleanup finished.
func WaitForShutdown(ctx context.Context, done <-chan struct{}) {
	<-ctx.Done()
	<-done
}
