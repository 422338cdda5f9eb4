package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"moneta/internal/calendar"
	"moneta/internal/core"
	applog "moneta/internal/log"
	"moneta/internal/metrics"
	"moneta/internal/ports"
	"moneta/internal/storage"
)

// ErrRuleNotFound is returned when a rule id does not match any stored rule.
var ErrRuleNotFound = errors.New("recurring rule not found")

// Summary describes one refresh run.
type Summary struct {
	RunID         string
	ReferenceDate string
	Generated     int
	Skipped       []RuleError
	ActiveRules   int
}

// RecurringService owns persistence around the materializer: it loads the
// rule set, materializes it, writes the result back and reports it.
type RecurringService struct {
	store        ports.Store
	reporter     ports.Reporter
	materializer Materializer
	metrics      *metrics.Recorder
	logger       *slog.Logger

	// mu serializes read-modify-write cycles on the rule set.
	mu    sync.Mutex
	group singleflight.Group
}

type Option func(*RecurringService)

func WithReporter(r ports.Reporter) Option {
	return func(s *RecurringService) { s.reporter = r }
}

func WithMaterializer(m Materializer) Option {
	return func(s *RecurringService) { s.materializer = m }
}

func WithMetrics(r *metrics.Recorder) Option {
	return func(s *RecurringService) { s.metrics = r }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *RecurringService) { s.logger = l }
}

func NewRecurringService(store ports.Store, opts ...Option) *RecurringService {
	s := &RecurringService{store: store}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default().With(applog.FieldComponent, applog.ComponentRecurring)
	}
	if s.materializer.Logger == nil {
		s.materializer.Logger = s.logger
	}
	return s
}

// Refresh materializes every due occurrence as of now and persists the
// result. Nothing is written when nothing is due. Calls that overlap an
// in-flight refresh share its result.
func (s *RecurringService) Refresh(ctx context.Context, now time.Time) (Summary, error) {
	v, err, shared := s.group.Do("refresh", func() (any, error) {
		return s.refresh(ctx, now)
	})
	if shared {
		s.logger.DebugContext(ctx, "Refresh coalesced with in-flight run")
	}
	summary, _ := v.(Summary)
	return summary, err
}

func (s *RecurringService) refresh(ctx context.Context, now time.Time) (Summary, error) {
	start := time.Now()
	runID := uuid.NewString()
	ctx = ports.WithRunID(ctx, runID)
	logger := s.logger.With(applog.FieldRunID, runID)

	summary, err := s.refreshLocked(ctx, logger, runID, now)

	outcome := metrics.OutcomeSuccess
	switch {
	case errors.Is(err, storage.ErrConcurrentModification):
		outcome = metrics.OutcomeConflict
	case err != nil:
		outcome = metrics.OutcomeError
	}
	s.metrics.ObserveRefresh(metrics.RefreshStats{
		Outcome:     outcome,
		Generated:   summary.Generated,
		Skipped:     len(summary.Skipped),
		ActiveRules: summary.ActiveRules,
		Duration:    time.Since(start),
		FinishedAt:  time.Now(),
	})

	if err != nil {
		logger.ErrorContext(ctx, "Recurring refresh failed",
			applog.FieldOperation, applog.OpRefresh,
			applog.FieldError, err)
		return Summary{}, err
	}

	logger.InfoContext(ctx, "Recurring refresh complete",
		applog.FieldOperation, applog.OpRefresh,
		applog.FieldReferenceDate, summary.ReferenceDate,
		applog.FieldGenerated, summary.Generated,
		applog.FieldSkipped, len(summary.Skipped),
		applog.FieldDuration, time.Since(start).Milliseconds())

	if s.reporter != nil && summary.Generated > 0 {
		if err := s.reporter.Notify(ctx, summary.Generated); err != nil {
			logger.WarnContext(ctx, "Failed to report recurring refresh",
				applog.FieldOperation, applog.OpNotify,
				applog.FieldError, err)
		}
	}

	return summary, nil
}

func (s *RecurringService) refreshLocked(ctx context.Context, logger *slog.Logger, runID string, now time.Time) (Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rules, err := s.store.LoadRules(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("load rules: %w", err)
	}

	res := s.materializer.Materialize(rules, now)

	summary := Summary{
		RunID:         runID,
		ReferenceDate: calendar.Today(now, s.materializer.Location).String(),
		Generated:     res.GeneratedCount,
		Skipped:       res.Skipped,
	}
	for _, r := range rules {
		if r.Active {
			summary.ActiveRules++
		}
	}

	if res.GeneratedCount == 0 {
		logger.DebugContext(ctx, "No recurring transactions due",
			applog.FieldRules, len(rules))
		return summary, nil
	}

	if err := s.persist(ctx, res.UpdatedRules, res.NewTransactions); err != nil {
		return Summary{}, err
	}
	return summary, nil
}

// persist writes transactions before rules so a crash in between leaves
// rules that will regenerate, never rules that skipped transactions.
func (s *RecurringService) persist(ctx context.Context, rules []core.RecurringRule, txs []core.Transaction) error {
	if c, ok := s.store.(ports.Committer); ok {
		if err := c.Commit(ctx, rules, txs); err != nil {
			return fmt.Errorf("commit recurring changes: %w", err)
		}
		return nil
	}

	if len(txs) > 0 {
		if err := s.store.AppendTransactions(ctx, txs); err != nil {
			return fmt.Errorf("append transactions: %w", err)
		}
	}
	if err := s.store.SaveRules(ctx, rules); err != nil {
		return fmt.Errorf("save rules: %w", err)
	}
	return nil
}

// RecordTransaction stores a hand-entered transaction. When repeat is set a
// rule is created from it, first due one period after the transaction date.
func (s *RecurringService) RecordTransaction(ctx context.Context, tx core.Transaction, repeat *core.Frequency) (core.Transaction, *core.RecurringRule, error) {
	if err := tx.Validate(); err != nil {
		return core.Transaction{}, nil, fmt.Errorf("validate transaction: %w", err)
	}
	if tx.ID == "" {
		tx.ID = s.materializer.newID()
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = s.materializer.now()
	}

	if repeat == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		if err := s.store.AppendTransactions(ctx, []core.Transaction{tx}); err != nil {
			return core.Transaction{}, nil, fmt.Errorf("append transaction: %w", err)
		}
		return tx, nil, nil
	}

	date, err := core.ParseDate(tx.Date)
	if err != nil {
		return core.Transaction{}, nil, err
	}
	next, err := calendar.Next(date, *repeat)
	if err != nil {
		return core.Transaction{}, nil, fmt.Errorf("validate frequency: %w", err)
	}
	rule := core.RecurringRule{
		ID:          s.materializer.newID(),
		Frequency:   *repeat,
		NextDueDate: next.String(),
		Active:      true,
		Template:    tx.Template,
	}
	if err := rule.Validate(); err != nil {
		return core.Transaction{}, nil, fmt.Errorf("validate rule: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rules, err := s.store.LoadRules(ctx)
	if err != nil {
		return core.Transaction{}, nil, fmt.Errorf("load rules: %w", err)
	}
	rules = append(rules, rule)

	if err := s.persist(ctx, rules, []core.Transaction{tx}); err != nil {
		return core.Transaction{}, nil, err
	}

	fields := applog.NewFields().
		WithOperation(applog.OpCreate).
		WithRule(rule.ID, string(rule.Frequency), rule.NextDueDate)
	fields[applog.FieldAmountCents] = rule.Template.Amount.Cents
	fields[applog.FieldCategory] = rule.Template.Category
	s.logger.InfoContext(ctx, "Recurring rule created", fields.ToSlice()...)

	return tx, &rule, nil
}

// Deactivate stops a rule from producing further transactions. The rule and
// its past transactions are kept.
func (s *RecurringService) Deactivate(ctx context.Context, ruleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rules, err := s.store.LoadRules(ctx)
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}

	idx := -1
	for i, r := range rules {
		if r.ID == ruleID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, ruleID)
	}
	if !rules[idx].Active {
		return nil
	}

	rules[idx].Active = false
	if err := s.store.SaveRules(ctx, rules); err != nil {
		return fmt.Errorf("save rules: %w", err)
	}

	s.logger.InfoContext(ctx, "Recurring rule deactivated",
		applog.FieldOperation, applog.OpDeactivate,
		applog.FieldRuleID, ruleID)
	return nil
}

func (s *RecurringService) Rules(ctx context.Context) ([]core.RecurringRule, error) {
	rules, err := s.store.LoadRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}
	return rules, nil
}

// Transactions returns up to limit stored transactions, newest first.
func (s *RecurringService) Transactions(ctx context.Context, limit int) ([]core.Transaction, error) {
	txs, err := s.store.ListTransactions(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	return txs, nil
}
