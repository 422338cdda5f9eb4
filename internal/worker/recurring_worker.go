package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	applog "moneta/internal/log"
	"moneta/internal/services"
)

// Refresh triggers
const (
	TriggerStartup  = "startup"
	TriggerInterval = "interval"
	TriggerNotify   = "notify"
)

// Refresher is the part of the recurring service the worker drives.
type Refresher interface {
	Refresh(ctx context.Context, now time.Time) (services.Summary, error)
}

// Config holds configuration for the recurring worker
type Config struct {
	// Interval between periodic refreshes. Zero disables the ticker: the
	// worker then refreshes at startup and on Notify only.
	Interval time.Duration

	// Clock supplies the reference time of each refresh (default: time.Now)
	Clock func() time.Time
}

// RecurringWorker keeps materialized transactions current for a long-running
// process.
type RecurringWorker struct {
	refresher Refresher
	config    Config
	logger    *slog.Logger
	notifyCh  chan struct{}

	// Lifecycle management
	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	doneCh  chan struct{}
}

func NewRecurringWorker(refresher Refresher, config Config, logger *slog.Logger) *RecurringWorker {
	if config.Clock == nil {
		config.Clock = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RecurringWorker{
		refresher: refresher,
		config:    config,
		logger:    logger.With(applog.FieldComponent, applog.ComponentWorker),
		notifyCh:  make(chan struct{}, 1),
	}
}

// Notify requests an immediate refresh. Requests made while one is already
// pending are merged into it.
func (w *RecurringWorker) Notify() {
	select {
	case w.notifyCh <- struct{}{}:
	default:
	}
}

// Run refreshes once and then on every tick or notification until ctx is
// done. Refresh failures are logged and do not stop the loop.
func (w *RecurringWorker) Run(ctx context.Context) error {
	var tick <-chan time.Time
	if w.config.Interval > 0 {
		ticker := time.NewTicker(w.config.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	w.logger.InfoContext(ctx, "Recurring worker started",
		"interval", w.config.Interval)

	w.refresh(ctx, TriggerStartup)

	for {
		select {
		case <-ctx.Done():
			w.logger.InfoContext(ctx, "Recurring worker stopped")
			return nil
		case <-tick:
			w.refresh(ctx, TriggerInterval)
		case <-w.notifyCh:
			w.refresh(ctx, TriggerNotify)
		}
	}
}

// Start runs the worker in the background. Returns an error if already running.
func (w *RecurringWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("recurring worker is already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.running = true
	w.cancel = cancel
	w.doneCh = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		w.Run(runCtx)
	}(w.doneCh)

	return nil
}

// Stop cancels the background loop and waits for the refresh in progress.
func (w *RecurringWorker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	cancel, done := w.cancel, w.doneCh
	w.mu.Unlock()

	cancel()

	select {
	case <-done:
	case <-ctx.Done():
		w.logger.WarnContext(ctx, "Recurring worker stop timed out")
		return ctx.Err()
	}

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()
	return nil
}

// IsRunning returns whether the worker loop is active
func (w *RecurringWorker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *RecurringWorker) refresh(ctx context.Context, trigger string) {
	summary, err := w.refresher.Refresh(ctx, w.config.Clock())
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		w.logger.ErrorContext(ctx, "Recurring refresh failed",
			applog.FieldTrigger, trigger,
			applog.FieldError, err)
		return
	}

	w.logger.DebugContext(ctx, "Recurring refresh finished",
		applog.FieldTrigger, trigger,
		applog.FieldRunID, summary.RunID,
		applog.FieldGenerated, summary.Generated)
}
