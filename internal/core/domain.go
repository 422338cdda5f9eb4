package core

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	Daily   Frequency = "daily"
	Weekly  Frequency = "weekly"
	Monthly Frequency = "monthly"
	Yearly  Frequency = "yearly"
)

const (
	Income  TransactionType = "income"
	Expense TransactionType = "expense"
)

// DateLayout is the persisted encoding of calendar dates.
const DateLayout = "2006-01-02"

type (
	Frequency string

	TransactionType string

	// Date is a calendar date with no time-of-day component. The wrapped
	// time is always midnight UTC.
	Date struct {
		time.Time
	}

	Money struct {
		Cents int64
	}

	// Template is the transaction payload copied into every instance of a
	// recurring rule.
	Template struct {
		Amount      Money
		Category    string
		PaymentMode string
		Note        string
		Type        TransactionType
	}

	Transaction struct {
		Template
		ID        string
		Date      string // YYYY-MM-DD
		CreatedAt time.Time
		RuleID    string // rule this instance was materialized from, empty if entered by hand
	}

	RecurringRule struct {
		ID          string
		Frequency   Frequency
		NextDueDate string // YYYY-MM-DD, first date not yet materialized
		Active      bool
		LastRun     string // YYYY-MM-DD, empty if never materialized
		Template    Template
	}
)

var (
	ErrInvalidDate      = errors.New("invalid date")
	ErrInvalidAmount    = errors.New("invalid amount")
	ErrEmptyCategory    = errors.New("empty category")
	ErrInvalidType      = errors.New("invalid transaction type")
	ErrUnknownFrequency = errors.New("unknown frequency")
)

// NewDate creates a new Date from year, month, day
func NewDate(year, month, day int) Date {
	return Date{Time: time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)}
}

// DateOf returns the calendar date of t as observed in t's location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return NewDate(y, int(m), d)
}

// ParseDate parses a YYYY-MM-DD string.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(DateLayout, strings.TrimSpace(s))
	if err != nil {
		return Date{}, fmt.Errorf("%w %q: %v", ErrInvalidDate, s, err)
	}
	return Date{Time: t}, nil
}

// String returns the YYYY-MM-DD encoding.
func (d Date) String() string {
	return d.Format(DateLayout)
}

// AddDays returns the date n days later.
func (d Date) AddDays(n int) Date {
	return Date{Time: d.AddDate(0, 0, n)}
}

func (d Date) Validate() error {
	if d.IsZero() {
		return fmt.Errorf("%w: zero date", ErrInvalidDate)
	}
	return nil
}

func (f Frequency) Validate() error {
	switch f {
	case Daily, Weekly, Monthly, Yearly:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownFrequency, string(f))
	}
}

// ParseFrequency normalizes user input into a Frequency.
func ParseFrequency(s string) (Frequency, error) {
	f := Frequency(strings.ToLower(strings.TrimSpace(s)))
	if err := f.Validate(); err != nil {
		return "", err
	}
	return f, nil
}

func (t TransactionType) Validate() error {
	switch t {
	case Income, Expense:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrInvalidType, string(t))
	}
}

func (m Money) Validate() error {
	if m.Cents <= 0 {
		return ErrInvalidAmount
	}
	return nil
}

func (t Template) Validate() error {
	if err := t.Amount.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(t.Category) == "" {
		return ErrEmptyCategory
	}
	if len(t.Note) > 200 {
		return errors.New("note too long (max 200 characters)")
	}
	return t.Type.Validate()
}

func (tx Transaction) Validate() error {
	if _, err := ParseDate(tx.Date); err != nil {
		return err
	}
	return tx.Template.Validate()
}

// Validate checks a rule at creation time. Materialization never calls it.
func (r RecurringRule) Validate() error {
	if err := r.Frequency.Validate(); err != nil {
		return err
	}
	if _, err := ParseDate(r.NextDueDate); err != nil {
		return fmt.Errorf("next due date: %w", err)
	}
	if r.LastRun != "" {
		if _, err := ParseDate(r.LastRun); err != nil {
			return fmt.Errorf("last run: %w", err)
		}
	}
	if err := r.Template.Validate(); err != nil {
		return fmt.Errorf("template: %w", err)
	}
	return nil
}

// Instantiate builds a transaction from the template for the given date.
func (t Template) Instantiate(id string, date Date, createdAt time.Time) Transaction {
	return Transaction{
		Template:  t,
		ID:        id,
		Date:      date.String(),
		CreatedAt: createdAt,
	}
}
