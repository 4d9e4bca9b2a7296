package recurrence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		want Descriptor
	}{
		{"daily 07:00", DailyAt(Clock{Hour: 7})},
		{"  Daily   23:05 ", DailyAt(Clock{Hour: 23, Minute: 5})},
		{"weekly mon,wed 07:30", WeeklyOn(Clock{Hour: 7, Minute: 30}, time.Monday, time.Wednesday)},
		{"weekly Friday,sun 18:00", WeeklyOn(Clock{Hour: 18}, time.Friday, time.Sunday)},
		{"weekdays 08:15", WeeklyOn(Clock{Hour: 8, Minute: 15}, time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday)},
		{"weekends 10:00", WeeklyOn(Clock{Hour: 10}, time.Saturday, time.Sunday)},
		{"weekly weekends 10:00", WeeklyOn(Clock{Hour: 10}, time.Saturday, time.Sunday)},
		{"RRULE:FREQ=DAILY;BYHOUR=6;BYMINUTE=45", DailyAt(Clock{Hour: 6, Minute: 45})},
		{"FREQ=WEEKLY;BYDAY=MO,TH;BYHOUR=21", WeeklyOn(Clock{Hour: 21}, time.Monday, time.Thursday)},
		{"rrule:FREQ=DAILY;BYDAY=SA;BYHOUR=9;INTERVAL=1", WeeklyOn(Clock{Hour: 9}, time.Saturday)},
	}
	for _, tc := range cases {
		got, err := Parse(tc.in)
		require.NoError(t, err, tc.in)
		require.Equal(t, tc.want, got, tc.in)
	}
}

func TestParseRejects(t *testing.T) {
	t.Parallel()
	bad := []string{
		"",
		"hourly 07:00",
		"daily",
		"daily 7",
		"daily 24:00",
		"daily 07:60",
		"daily 07:5",
		"weekly 07:00",
		"weekly xyz 07:00",
		"weekly , 07:00",
		"RRULE:FREQ=MONTHLY;BYHOUR=7",
		"RRULE:FREQ=WEEKLY;BYDAY=MO",
		"RRULE:BYHOUR=7",
		"RRULE:FREQ=DAILY;BYHOUR=7;INTERVAL=2",
		"RRULE:FREQ=DAILY;BYHOUR=7;COUNT=3",
	}
	for _, in := range bad {
		_, err := Parse(in)
		require.ErrorIs(t, err, ErrInvalidRecurrence, "%q", in)
	}
}

func TestDescriptorString(t *testing.T) {
	t.Parallel()
	require.Equal(t, "daily 07:00", MustParse("daily 7:00").String())
	require.Equal(t, "weekly mon,wed,sun 07:30", MustParse("weekly sun,wed,mon 07:30").String())
}

func TestOccurrenceKeyIsoWeekBoundary(t *testing.T) {
	t.Parallel()
	d := MustParse("weekly sun 09:00")
	// 2024-12-29 is a Sunday in ISO week 52 of 2024; 2025-01-05 is in week 1 of 2025.
	require.Equal(t, "2024-W52-7", OccurrenceKey(d, time.Date(2024, 12, 29, 0, 0, 0, 0, time.UTC)))
	require.Equal(t, "2025-W01-7", OccurrenceKey(d, time.Date(2025, 1, 5, 0, 0, 0, 0, time.UTC)))
	require.Equal(t, "2024-12-29", OccurrenceKey(MustParse("daily 09:00"), time.Date(2024, 12, 29, 0, 0, 0, 0, time.UTC)))
}
