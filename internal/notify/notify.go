// Package notify holds reporters that surface materialization results.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	applog "moneta/internal/log"
	"moneta/internal/ports"
)

var (
	_ ports.Reporter = (*LogReporter)(nil)
	_ ports.Reporter = Multi(nil)
)

// LogReporter writes "N recurring transactions added" at info level.
type LogReporter struct {
	Logger *slog.Logger
}

func NewLogReporter(logger *slog.Logger) *LogReporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogReporter{Logger: logger}
}

func (r *LogReporter) Notify(ctx context.Context, count int) error {
	if count <= 0 {
		return nil
	}
	r.Logger.InfoContext(ctx, Message(count),
		applog.FieldGenerated, count,
		applog.FieldRunID, ports.RunIDFromContext(ctx))
	return nil
}

// Message is the user facing text for count materialized transactions.
func Message(count int) string {
	if count == 1 {
		return "1 recurring transaction added"
	}
	return fmt.Sprintf("%d recurring transactions added", count)
}

// Multi fans a notification out to every reporter and joins their errors.
type Multi []ports.Reporter

func (m Multi) Notify(ctx context.Context, count int) error {
	if count <= 0 {
		return nil
	}
	var errs []error
	for _, r := range m {
		if r == nil {
			continue
		}
		if err := r.Notify(ctx, count); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Func adapts a function to ports.Reporter.
type Func func(ctx context.Context, count int) error

func (f Func) Notify(ctx context.Context, count int) error {
	if count <= 0 {
		return nil
	}
	return f(ctx, count)
}
