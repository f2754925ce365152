package cron

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_InvalidExpressions(t *testing.T) {
	tests := []struct {
		name string
		expr string
	}{
		{"empty", ""},
		{"too few fields", "* * * *"},
		{"too many fields", "* * * * * *"},
		{"minute out of range", "60 * * * *"},
		{"hour out of range", "* 24 * * *"},
		{"day zero", "* * 0 * *"},
		{"month out of range", "* * * 13 *"},
		{"weekday out of range", "* * * * 8"},
		{"zero step", "*/0 * * * *"},
		{"negative step", "*/-2 * * * *"},
		{"reversed range", "30-10 * * * *"},
		{"letters", "a * * * *"},
		{"empty list item", "1,,2 * * * *"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.expr)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidExpression)
		})
	}
}

func TestParse_ExpandsFields(t *testing.T) {
	schedule, err := Parse("0,30 9-17/4 1 */6 7")
	require.NoError(t, err)

	assert.Len(t, schedule.minutes, 2)
	assert.True(t, schedule.minutes.has(0))
	assert.True(t, schedule.minutes.has(30))

	assert.Len(t, schedule.hours, 3)
	assert.True(t, schedule.hours.has(9))
	assert.True(t, schedule.hours.has(13))
	assert.True(t, schedule.hours.has(17))

	assert.Len(t, schedule.months, 2)
	assert.True(t, schedule.months.has(1))
	assert.True(t, schedule.months.has(7))

	assert.True(t, schedule.dows.has(0), "7 folds to Sunday")
	assert.False(t, schedule.dows.has(7))
}

func TestParse_SingleValueWithStep(t *testing.T) {
	schedule, err := Parse("5/20 * * * *")
	require.NoError(t, err)

	assert.Len(t, schedule.minutes, 3)
	assert.True(t, schedule.minutes.has(5))
	assert.True(t, schedule.minutes.has(25))
	assert.True(t, schedule.minutes.has(45))
}

func TestNext_EveryFifteenMinutes(t *testing.T) {
	base := time.Date(2026, 3, 14, 10, 7, 42, 500, time.UTC)

	for offset := range 120 {
		after := base.Add(time.Duration(offset) * time.Minute)

		next, err := Next("*/15 * * * *", after)
		require.NoError(t, err)

		assert.True(t, next.After(after))
		assert.False(t, next.After(after.Add(15*time.Minute)))
		assert.Equal(t, 0, next.Minute()%15)
		assert.Equal(t, 0, next.Second())
	}
}

func TestNext_StrictlyAfterBoundary(t *testing.T) {
	after := time.Date(2026, 3, 14, 10, 15, 0, 0, time.UTC)

	next, err := Next("*/15 * * * *", after)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC), next)
}

func TestNext_MondayMidnight(t *testing.T) {
	tests := []struct {
		name  string
		after time.Time
		want  time.Time
	}{
		{
			name:  "from a wednesday",
			after: time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC),
			want:  time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC),
		},
		{
			name:  "exactly monday midnight moves a week",
			after: time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC),
			want:  time.Date(2026, 10, 26, 0, 0, 0, 0, time.UTC),
		},
		{
			name:  "sunday late evening",
			after: time.Date(2026, 10, 18, 23, 59, 59, 0, time.UTC),
			want:  time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, err := Next("0 0 * * 1", tt.after)
			require.NoError(t, err)
			assert.Equal(t, tt.want, next)
			assert.Equal(t, time.Monday, next.Weekday())
		})
	}
}

func TestNext_UsesUTC(t *testing.T) {
	loc := time.FixedZone("UTC+5", 5*60*60)
	after := time.Date(2026, 1, 1, 3, 0, 0, 0, loc) // 2025-12-31 22:00 UTC

	next, err := Next("0 0 * * *", after)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), next)
}

func TestNext_DayOfMonthAndWeekdayBothMatch(t *testing.T) {
	// Friday the 13th.
	next, err := Next("0 12 13 * 5", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	assert.Equal(t, 13, next.Day())
	assert.Equal(t, time.Friday, next.Weekday())
	assert.Equal(t, time.Date(2026, 2, 13, 12, 0, 0, 0, time.UTC), next)
}

func TestNext_LeapDay(t *testing.T) {
	next, err := Next("0 0 29 2 *", time.Date(2027, 6, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2028, 2, 29, 0, 0, 0, 0, time.UTC), next)
}

func TestNext_NoMatchWithinWindow(t *testing.T) {
	_, err := Next("0 0 31 2 *", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoMatch)

	// A leap day more than a year away is outside the window too.
	_, err = Next("0 0 29 2 *", time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC))
	assert.ErrorIs(t, err, ErrNoMatch)
}

func TestNext_InvalidExpression(t *testing.T) {
	_, err := Next("not a cron", time.Now())
	assert.ErrorIs(t, err, ErrInvalidExpression)
}

func TestSchedule_String(t *testing.T) {
	schedule, err := Parse("*/5 * * * *")
	require.NoError(t, err)
	assert.Equal(t, "*/5 * * * *", schedule.String())
}
