// Package cli provides common CLI initialization utilities shared by
// cmd/moneta and cmd/recurring-worker.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"moneta/internal/backend"
	"moneta/internal/config"
	applog "moneta/internal/log"
	"moneta/internal/metrics"
	"moneta/internal/services"
)

// LoadEnvFile loads the .env file for local development.
// Errors are ignored silently as this is optional in production.
func LoadEnvFile() {
	_ = godotenv.Load()
}

// LoadConfig loads configuration and validates it.
func LoadConfig() (*config.Config, error) {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SetupLogger builds the application logger from cfg and installs it as the
// slog default.
func SetupLogger(cfg *config.Config, component string) (*applog.Logger, error) {
	level, err := applog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	logCfg := applog.DefaultConfig()
	logCfg.Level = level
	logCfg.Format = cfg.LogFormat
	logCfg.Component = component
	if component == applog.ComponentCLI {
		// Keep stdout for command output.
		logCfg.Output = os.Stderr
	}

	logger := applog.New(logCfg)
	applog.SetDefault(logger)
	return logger, nil
}

// MustBootstrap loads the env file, the configuration and the logger. It exits
// the process when the configuration is invalid.
func MustBootstrap(component string) (*config.Config, *applog.Logger) {
	LoadEnvFile()

	cfg, err := LoadConfig()
	if err != nil {
		slog.Error("Configuration validation failed", applog.FieldError, err)
		os.Exit(1)
	}

	logger, err := SetupLogger(cfg, component)
	if err != nil {
		slog.Error("Failed to set up logging", applog.FieldError, err)
		os.Exit(1)
	}
	return cfg, logger
}

// InitBackend creates the store and reporters selected by cfg.
func InitBackend(ctx context.Context, logger *applog.Logger, cfg *config.Config) (*backend.BackendResult, error) {
	backendCfg, err := backend.FromAppConfig(cfg)
	if err != nil {
		return nil, err
	}
	res, err := backend.NewFactory(logger.Logger).CreateBackend(ctx, backendCfg)
	if err != nil {
		return nil, fmt.Errorf("create %s backend: %w", backendCfg.Type, err)
	}
	return res, nil
}

// NewRecurringService wires the recurring service to a backend. recorder may
// be nil.
func NewRecurringService(cfg *config.Config, logger *applog.Logger, res *backend.BackendResult, recorder *metrics.Recorder) (*services.RecurringService, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, fmt.Errorf("load timezone: %w", err)
	}

	recurringLogger := logger.WithComponent(applog.ComponentRecurring).Logger
	return services.NewRecurringService(res.Store,
		services.WithMaterializer(services.Materializer{
			Location:       loc,
			MaxOccurrences: cfg.MaxBacklog,
			Logger:         recurringLogger,
		}),
		services.WithReporter(res.Reporter),
		services.WithMetrics(recorder),
		services.WithLogger(recurringLogger),
	), nil
}

// GracefulShutdown sets up signal handling for graceful shutdown.
// Returns a context that will be cancelled on SIGINT or SIGTERM,
// and a channel that closes once cleanup has run or timed out.
func GracefulShutdown(logger *slog.Logger, timeout time.Duration, cleanup func()) (context.Context, <-chan struct{}) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigChan
		logger.Info("Shutdown signal received", "signal", sig.String())

		cancel()

		finished := make(chan struct{})
		go func() {
			if cleanup != nil {
				cleanup()
			}
			close(finished)
		}()

		select {
		case <-finished:
			logger.Info("Shutdown complete")
		case <-time.After(timeout):
			logger.Warn("Shutdown timeout reached")
		}
		close(done)
	}()

	return ctx, done
}

// WaitForShutdown blocks until the context is cancelled and cleanup is done.
func WaitForShutdown(ctx context.Context, done <-chan struct{}) {
	<-ctx.Done()
	<-done
}
