package calendar

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestAddWorkingDaysSkipsWeekends(t *testing.T) {
	cal := New(StaticSource{})
	// Friday 2026-03-06 + 1 working day lands on Monday.
	start := time.Date(2026, 3, 6, 11, 30, 0, 0, time.UTC)

	due, err := cal.AddWorkingDays(context.Background(), start, 1, "PUDA")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 9, 11, 30, 0, 0, time.UTC), due)
}

func TestAddWorkingDaysSkipsHolidays(t *testing.T) {
	src := StaticSource{
		"PUDA": {date(2026, 3, 9)}, // Monday holiday
	}
	cal := New(src)
	start := time.Date(2026, 3, 6, 9, 0, 0, 0, time.UTC) // Friday

	due, err := cal.AddWorkingDays(context.Background(), start, 1, "PUDA")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC), due)
}

func TestAddWorkingDaysIsAuthorityScoped(t *testing.T) {
	src := StaticSource{
		"PUDA": {date(2026, 3, 9)},
	}
	cal := New(src)
	start := time.Date(2026, 3, 6, 9, 0, 0, 0, time.UTC)

	puda, err := cal.AddWorkingDays(context.Background(), start, 1, "PUDA")
	require.NoError(t, err)
	gmada, err := cal.AddWorkingDays(context.Background(), start, 1, "GMADA")
	require.NoError(t, err)

	assert.Equal(t, date(2026, 3, 10).Day(), puda.Day())
	assert.Equal(t, date(2026, 3, 9).Day(), gmada.Day())
}

func TestAddWorkingDaysTable(t *testing.T) {
	cal := New(StaticSource{})
	start := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC) // Monday

	cases := []struct {
		name string
		n    int
		want time.Time
	}{
		{"zero returns start", 0, start},
		{"same week", 3, time.Date(2026, 3, 5, 10, 0, 0, 0, time.UTC)},
		{"spans one weekend", 5, time.Date(2026, 3, 9, 10, 0, 0, 0, time.UTC)},
		{"spans two weekends", 10, time.Date(2026, 3, 16, 10, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			due, err := cal.AddWorkingDays(context.Background(), start, tc.n, "PUDA")
			require.NoError(t, err)
			assert.Equal(t, tc.want, due)
		})
	}
}

func TestAddWorkingDaysRejectsNegative(t *testing.T) {
	cal := New(StaticSource{})
	_, err := cal.AddWorkingDays(context.Background(), time.Now(), -1, "PUDA")
	assert.Error(t, err)
}
