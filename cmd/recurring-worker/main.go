package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"moneta/internal/cli"
	applog "moneta/internal/log"
	"moneta/internal/metrics"
	"moneta/internal/worker"
)

func main() {
	cfg, logger := cli.MustBootstrap(applog.ComponentWorker)

	logger.Info("Starting recurring-worker",
		applog.FieldOperation, applog.OpStartup,
		"backend", cfg.DataBackend,
		"interval", cfg.RecurringInterval,
		"timezone", cfg.Timezone,
		"metrics_addr", cfg.MetricsAddr)

	ctx, done := cli.GracefulShutdown(logger.Logger, 30*time.Second, nil)

	res, err := cli.InitBackend(ctx, logger, cfg)
	if err != nil {
		logger.Error("Failed to initialize backend", applog.FieldError, err)
		os.Exit(1)
	}

	var recorder *metrics.Recorder
	if cfg.MetricsAddr != "" {
		recorder = metrics.NewRecorder()
	}

	svc, err := cli.NewRecurringService(cfg, logger, res, recorder)
	if err != nil {
		res.Close()
		logger.Error("Failed to initialize recurring service", applog.FieldError, err)
		os.Exit(1)
	}

	w := worker.NewRecurringWorker(svc, worker.Config{Interval: cfg.RecurringInterval}, logger.Logger)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return w.Run(gctx)
	})

	// SIGHUP requests an immediate refresh
	g.Go(func() error {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-hup:
				logger.Info("Refresh requested by signal", applog.FieldTrigger, worker.TriggerNotify)
				w.Notify()
			}
		}
	})

	if recorder != nil {
		srv := newMetricsServer(cfg.MetricsAddr, recorder)
		metricsLogger := logger.WithComponent(applog.ComponentMetrics)

		g.Go(func() error {
			metricsLogger.Info("Metrics server listening", "addr", cfg.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	if cerr := res.Close(); cerr != nil {
		logger.Warn("Failed to close backend", applog.FieldError, cerr)
	}
	if err != nil {
		logger.Error("Recurring-worker stopped with error", applog.FieldError, err)
		os.Exit(1)
	}

	cli.WaitForShutdown(ctx, done)
	logger.Info("Recurring-worker shutdown complete", applog.FieldOperation, applog.OpShutdown)
}

func newMetricsServer(addr string, recorder *metrics.Recorder) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", recorder.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
