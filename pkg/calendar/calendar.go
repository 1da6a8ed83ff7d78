// Package calendar computes SLA due timestamps against a working-day
// calendar: weekends plus the holiday set of the application's authority.
// Day boundaries are UTC midnights; different authorities (PUDA, GMADA, ...)
// observe different holiday calendars.
package calendar

import (
	"context"
	"fmt"
	"time"
)

// DefaultLookahead bounds how far into the future holidays are loaded for a
// single computation.
const DefaultLookahead = 2 * 366 * 24 * time.Hour

// HolidaySource provides the holiday dates of one authority inside a window.
// Returned keys are UTC midnights.
type HolidaySource interface {
	Holidays(ctx context.Context, authorityID string, from, to time.Time) (map[time.Time]bool, error)
}

// StaticSource is a fixed in-memory holiday set, keyed by authority.
// Used in tests and in lite mode when no holiday table is configured.
type StaticSource map[string][]time.Time

// Holidays implements HolidaySource.
func (s StaticSource) Holidays(_ context.Context, authorityID string, from, to time.Time) (map[time.Time]bool, error) {
	out := make(map[time.Time]bool)
	for _, d := range s[authorityID] {
		day := Midnight(d)
		if !day.Before(from) && day.Before(to) {
			out[day] = true
		}
	}
	return out, nil
}

// Calendar adds working days on top of a HolidaySource.
type Calendar struct {
	src       HolidaySource
	lookahead time.Duration
}

// New creates a calendar with the default lookahead window.
func New(src HolidaySource) *Calendar {
	return &Calendar{src: src, lookahead: DefaultLookahead}
}

// Midnight truncates t to its UTC day boundary.
func Midnight(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// AddWorkingDays advances day-by-day from start until n working days have
// been counted, skipping Saturdays, Sundays and the authority's holidays.
// The returned timestamp keeps start's time of day. n == 0 returns start
// unchanged.
func (c *Calendar) AddWorkingDays(ctx context.Context, start time.Time, n int, authorityID string) (time.Time, error) {
	if n < 0 {
		return time.Time{}, fmt.Errorf("calendar: negative working days %d", n)
	}
	start = start.UTC()
	if n == 0 {
		return start, nil
	}

	windowFrom := Midnight(start)
	windowTo := windowFrom.Add(c.lookahead)
	holidays, err := c.src.Holidays(ctx, authorityID, windowFrom, windowTo)
	if err != nil {
		return time.Time{}, fmt.Errorf("calendar: load holidays for %s: %w", authorityID, err)
	}

	day := Midnight(start)
	counted := 0
	for counted < n {
		day = day.AddDate(0, 0, 1)
		if day.After(windowTo) {
			return time.Time{}, fmt.Errorf("calendar: exceeded %s lookahead window adding %d working days", c.lookahead, n)
		}
		if isWorkingDay(day, holidays) {
			counted++
		}
	}

	clock := start.Sub(Midnight(start))
	return day.Add(clock), nil
}

func isWorkingDay(day time.Time, holidays map[time.Time]bool) bool {
	switch day.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return !holidays[day]
}
