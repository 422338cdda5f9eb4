// Package calendar provides date comparison and frequency-based advancement.
//
// Each frequency has a Stepper strategy returning the next occurrence after a
// date. Months and years are fixed offsets of 30 and 365 days, not calendar
// months or years.
package calendar

import (
	"fmt"
	"time"

	"moneta/internal/core"
)

const (
	DaysPerWeek  = 7
	DaysPerMonth = 30
	DaysPerYear  = 365
)

// Stepper is the strategy interface for advancing a date by one cadence step.
type Stepper interface {
	// Next returns the date of the occurrence following d.
	Next(d core.Date) core.Date
}

// FixedStepper advances by a constant number of days.
type FixedStepper struct {
	Days int
}

// Next implements Stepper.
func (s FixedStepper) Next(d core.Date) core.Date {
	return d.AddDays(s.Days)
}

var steppers = map[core.Frequency]Stepper{
	core.Daily:   FixedStepper{Days: 1},
	core.Weekly:  FixedStepper{Days: DaysPerWeek},
	core.Monthly: FixedStepper{Days: DaysPerMonth},
	core.Yearly:  FixedStepper{Days: DaysPerYear},
}

// GetStepper returns the stepper for a frequency.
// Returns an error wrapping core.ErrUnknownFrequency if none is registered.
func GetStepper(frequency core.Frequency) (Stepper, error) {
	s, ok := steppers[frequency]
	if !ok {
		return nil, fmt.Errorf("%w: %q", core.ErrUnknownFrequency, string(frequency))
	}
	return s, nil
}

// RegisterStepper registers a stepper for an additional frequency tag.
// It is not safe to call concurrently with GetStepper.
func RegisterStepper(frequency core.Frequency, s Stepper) {
	steppers[frequency] = s
}

// Next returns the next date in the frequency's cadence.
func Next(d core.Date, frequency core.Frequency) (core.Date, error) {
	s, err := GetStepper(frequency)
	if err != nil {
		return core.Date{}, err
	}
	return s.Next(d), nil
}

// IsStrictlyBefore reports whether date falls on an earlier calendar day than
// reference. Time of day is ignored.
func IsStrictlyBefore(date, reference time.Time) bool {
	return core.DateOf(date).Before(core.DateOf(reference).Time)
}

// IsSameDay reports whether date and reference fall on the same calendar day.
func IsSameDay(date, reference time.Time) bool {
	dy, dm, dd := date.Date()
	ry, rm, rd := reference.Date()
	return dy == ry && dm == rm && dd == rd
}

// IsDue reports whether date is on or before reference's calendar day.
func IsDue(date, reference time.Time) bool {
	return IsStrictlyBefore(date, reference) || IsSameDay(date, reference)
}

// Today truncates reference to its calendar date in loc. A nil loc means
// time.Local.
func Today(reference time.Time, loc *time.Location) core.Date {
	if loc == nil {
		loc = time.Local
	}
	return core.DateOf(reference.In(loc))
}
