package services

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"moneta/internal/calendar"
	"moneta/internal/core"
	applog "moneta/internal/log"
)

// DefaultMaxOccurrences bounds the backlog generated for a single rule in one
// run. A rule whose backlog exceeds it is skipped rather than truncated.
const DefaultMaxOccurrences = 10000

// ErrBacklogTooLarge is returned for a rule whose due occurrences exceed the
// materializer's limit.
var ErrBacklogTooLarge = errors.New("backlog too large")

// RuleError describes a rule that was left unchanged because it could not be
// materialized.
type RuleError struct {
	RuleID string
	Err    error
}

func (e RuleError) Error() string {
	return fmt.Sprintf("rule %s: %v", e.RuleID, e.Err)
}

func (e RuleError) Unwrap() error {
	return e.Err
}

// Result is the outcome of one materialization pass.
type Result struct {
	// NewTransactions holds generated instances in rule order, oldest
	// occurrence first within a rule.
	NewTransactions []core.Transaction
	// UpdatedRules has one entry per input rule, in input order.
	UpdatedRules   []core.RecurringRule
	GeneratedCount int
	Skipped        []RuleError
}

// Materializer turns due occurrences of recurring rules into transactions.
// It does no I/O: callers persist the result. The zero value is ready to use.
type Materializer struct {
	// NewID generates transaction ids. Defaults to random UUIDs.
	NewID func() string
	// Clock supplies the creation timestamp. Defaults to time.Now.
	Clock func() time.Time
	// Location is used to find the reference date. Defaults to time.Local.
	Location *time.Location
	// MaxOccurrences bounds the backlog per rule. Defaults to DefaultMaxOccurrences.
	MaxOccurrences int
	Logger         *slog.Logger
}

// Materialize generates every instance due on or before referenceTime's
// calendar date and advances the cursors of the rules that produced them.
// Inactive rules and rules with nothing due are returned unchanged. Running it
// again on the returned rules with the same referenceTime generates nothing.
func (m Materializer) Materialize(rules []core.RecurringRule, referenceTime time.Time) Result {
	today := calendar.Today(referenceTime, m.Location)
	createdAt := m.now()
	logger := m.logger()

	res := Result{
		UpdatedRules: make([]core.RecurringRule, len(rules)),
	}

	for i, rule := range rules {
		res.UpdatedRules[i] = rule

		if !rule.Active {
			continue
		}

		dates, next, err := m.dueDates(rule, today)
		if err != nil {
			res.Skipped = append(res.Skipped, RuleError{RuleID: rule.ID, Err: err})
			logger.Warn("Skipping recurring rule",
				applog.NewFields().
					WithRule(rule.ID, string(rule.Frequency), rule.NextDueDate).
					WithOperation(applog.OpMaterialize).
					WithError(err).
					ToSlice()...)
			continue
		}
		if len(dates) == 0 {
			continue
		}

		for _, d := range dates {
			tx := rule.Template.Instantiate(m.newID(), d, createdAt)
			tx.RuleID = rule.ID
			res.NewTransactions = append(res.NewTransactions, tx)
		}

		updated := rule
		updated.NextDueDate = next.String()
		updated.LastRun = today.String()
		res.UpdatedRules[i] = updated

		logger.Debug("Materialized recurring rule",
			applog.FieldRuleID, rule.ID,
			applog.FieldFrequency, rule.Frequency,
			applog.FieldGenerated, len(dates),
			applog.FieldNextDueDate, updated.NextDueDate)
	}

	res.GeneratedCount = len(res.NewTransactions)
	return res
}

// dueDates walks the rule's cursor up to today. It returns the due dates and
// the first date strictly after today.
func (m Materializer) dueDates(rule core.RecurringRule, today core.Date) ([]core.Date, core.Date, error) {
	stepper, err := calendar.GetStepper(rule.Frequency)
	if err != nil {
		return nil, core.Date{}, err
	}

	cursor, err := core.ParseDate(rule.NextDueDate)
	if err != nil {
		return nil, core.Date{}, err
	}

	limit := m.MaxOccurrences
	if limit <= 0 {
		limit = DefaultMaxOccurrences
	}

	var dates []core.Date
	for !cursor.After(today.Time) {
		if len(dates) == limit {
			return nil, core.Date{}, fmt.Errorf("%w: more than %d occurrences due", ErrBacklogTooLarge, limit)
		}
		dates = append(dates, cursor)

		next := stepper.Next(cursor)
		if !next.After(cursor.Time) {
			return nil, core.Date{}, fmt.Errorf("stepper for %q does not advance", rule.Frequency)
		}
		cursor = next
	}

	return dates, cursor, nil
}

func (m Materializer) newID() string {
	if m.NewID != nil {
		return m.NewID()
	}
	return uuid.NewString()
}

func (m Materializer) now() time.Time {
	if m.Clock != nil {
		return m.Clock()
	}
	return time.Now()
}

func (m Materializer) logger() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}

// Materialize runs a zero-value Materializer.
func Materialize(rules []core.RecurringRule, referenceTime time.Time) Result {
	return Materializer{}.Materialize(rules, referenceTime)
}
