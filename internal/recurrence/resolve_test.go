package recurrence

import (
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/require"
)

func mustLoc(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	require.NoError(t, err)
	return loc
}

func utc(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestNextOutsideQuietHours(t *testing.T) {
	t.Parallel()
	loc := time.FixedZone("UTC+3", 3*3600)
	q, err := NewQuietHours("23:00", "06:30")
	require.NoError(t, err)

	occ, err := Next(MustParse("daily 07:00"), loc, q, utc("2024-05-01T00:00:00Z"))
	require.NoError(t, err)
	require.Equal(t, utc("2024-05-01T04:00:00Z"), occ.At)
	require.Equal(t, "2024-05-01", occ.Key)
	require.False(t, occ.Deferred)
	require.Equal(t, 7, occ.Local.Hour())
}

func TestNextDeferredToQuietEnd(t *testing.T) {
	t.Parallel()
	loc := time.FixedZone("UTC+3", 3*3600)
	q, err := NewQuietHours("23:00", "06:30")
	require.NoError(t, err)

	occ, err := Next(MustParse("daily 06:00"), loc, q, utc("2024-05-01T00:00:00Z"))
	require.NoError(t, err)
	require.True(t, occ.Deferred)
	require.Equal(t, utc("2024-05-01T03:30:00Z"), occ.At)
	require.Equal(t, "06:30", occ.Local.Format("15:04"))
}

func TestNextEveningQuietWindowRollsToNextDay(t *testing.T) {
	t.Parallel()
	q, err := NewQuietHours("22:00", "07:00")
	require.NoError(t, err)

	// 23:30 on 2024-05-01 is deferred to 07:00 on 2024-05-02 but keeps the 05-01 key.
	occ, err := Next(MustParse("daily 23:30"), time.UTC, q, utc("2024-05-01T12:00:00Z"))
	require.NoError(t, err)
	require.Equal(t, utc("2024-05-02T07:00:00Z"), occ.At)
	require.Equal(t, "2024-05-01", occ.Key)

	// Asking again just after midnight still finds the same deferred slot.
	again, err := Next(MustParse("daily 23:30"), time.UTC, q, utc("2024-05-02T01:00:00Z"))
	require.NoError(t, err)
	require.Equal(t, occ.At, again.At)
	require.Equal(t, occ.Key, again.Key)
}

func TestNextIsStrictlyAfter(t *testing.T) {
	t.Parallel()
	d := MustParse("daily 07:00")
	occ, err := Next(d, time.UTC, QuietHours{}, utc("2024-05-01T07:00:00Z"))
	require.NoError(t, err)
	require.Equal(t, utc("2024-05-02T07:00:00Z"), occ.At)
}

func TestNextWeekly(t *testing.T) {
	t.Parallel()
	d := MustParse("weekly mon,wed 07:30")
	// 2024-03-06 is a Wednesday.
	occ, err := Next(d, time.UTC, QuietHours{}, utc("2024-03-06T08:00:00Z"))
	require.NoError(t, err)
	require.Equal(t, utc("2024-03-11T07:30:00Z"), occ.At)
	require.Equal(t, time.Monday, occ.Date.Weekday())
	require.Equal(t, "2024-W11-1", occ.Key)
}

func TestNextSpringForwardGap(t *testing.T) {
	t.Parallel()
	ny := mustLoc(t, "America/New_York")
	d := MustParse("daily 02:30")

	occ, err := Next(d, ny, QuietHours{}, utc("2024-03-09T17:00:00Z"))
	require.NoError(t, err)
	// 02:30 does not exist on 2024-03-10; the slot moves to 03:00 EDT.
	require.Equal(t, utc("2024-03-10T07:00:00Z"), occ.At)
	require.Equal(t, "03:00", occ.Local.Format("15:04"))

	next, err := Next(d, ny, QuietHours{}, occ.At)
	require.NoError(t, err)
	require.Equal(t, utc("2024-03-11T06:30:00Z"), next.At)
}

func TestNextSpringForwardBerlin(t *testing.T) {
	t.Parallel()
	berlin := mustLoc(t, "Europe/Berlin")
	occ, err := Next(MustParse("daily 02:15"), berlin, QuietHours{}, utc("2024-03-30T12:00:00Z"))
	require.NoError(t, err)
	require.Equal(t, utc("2024-03-31T01:00:00Z"), occ.At)
}

func TestNextFallBackFiresOnce(t *testing.T) {
	t.Parallel()
	ny := mustLoc(t, "America/New_York")
	d := MustParse("daily 01:30")

	occ, err := Next(d, ny, QuietHours{}, utc("2024-11-02T12:00:00Z"))
	require.NoError(t, err)
	// First of the two 01:30s (EDT).
	require.Equal(t, utc("2024-11-03T05:30:00Z"), occ.At)

	next, err := Next(d, ny, QuietHours{}, occ.At)
	require.NoError(t, err)
	require.Equal(t, utc("2024-11-04T06:30:00Z"), next.At)
	require.NotEqual(t, occ.Key, next.Key)
}

func TestNextSequenceStrictlyIncreasing(t *testing.T) {
	t.Parallel()
	zones := []string{"America/New_York", "Europe/Berlin", "Australia/Lord_Howe", "Asia/Kolkata"}
	rules := []string{"daily 00:30", "daily 02:30", "weekdays 07:00", "weekly sun 01:30"}
	q, err := NewQuietHours("22:30", "06:00")
	require.NoError(t, err)

	for _, z := range zones {
		loc := mustLoc(t, z)
		for _, r := range rules {
			d := MustParse(r)
			at := utc("2024-01-01T00:00:00Z")
			seen := map[string]bool{}
			for i := 0; i < 400; i++ {
				occ, err := Next(d, loc, q, at)
				require.NoError(t, err, "%s %s", z, r)
				require.True(t, occ.At.After(at), "%s %s: %s not after %s", z, r, occ.At, at)
				require.False(t, q.Contains(occ.At.In(loc)), "%s %s: %s inside quiet hours", z, r, occ.Local)
				require.False(t, seen[occ.Key], "%s %s: key %s repeated", z, r, occ.Key)
				seen[occ.Key] = true
				at = occ.At
			}
		}
	}
}

func TestNextSkippedDayStaysOutOfQuietHours(t *testing.T) {
	t.Parallel()
	// Apia jumped from the end of 2011-12-29 straight to 2011-12-31 00:00 +14.
	loc := mustLoc(t, "Pacific/Apia")
	q, err := NewQuietHours("23:00", "06:30")
	require.NoError(t, err)
	d := MustParse("daily 23:00")

	occ, err := Next(d, loc, q, utc("2011-12-29T22:00:00Z"))
	require.NoError(t, err)
	require.True(t, occ.Deferred)
	require.Equal(t, "2011-12-29", occ.Key)
	require.Equal(t, utc("2011-12-30T16:30:00Z"), occ.At)
	require.Equal(t, "2011-12-31 06:30", occ.Local.Format("2006-01-02 15:04"))

	at := utc("2011-12-25T00:00:00Z")
	for i := 0; i < 14; i++ {
		occ, err := Next(d, loc, q, at)
		require.NoError(t, err)
		require.True(t, occ.At.After(at), "%s not after %s", occ.At, at)
		require.False(t, q.Contains(occ.Local), "%s inside quiet hours", occ.Local)
		at = occ.At
	}
}

func TestNextInvalidDescriptor(t *testing.T) {
	t.Parallel()
	_, err := Next(Descriptor{Kind: Weekly, At: Clock{Hour: 7}}, time.UTC, QuietHours{}, time.Now())
	require.ErrorIs(t, err, ErrInvalidRecurrence)

	_, err = NextInstant(Descriptor{Kind: Daily, At: Clock{Hour: 25}}, time.UTC, QuietHours{}, time.Now())
	require.ErrorIs(t, err, ErrInvalidRecurrence)
}

func TestQuietHoursContains(t *testing.T) {
	t.Parallel()
	wrap, _ := NewQuietHours("23:00", "06:30")
	day, _ := NewQuietHours("12:00", "13:00")
	empty, _ := NewQuietHours("08:00", "08:00")

	at := func(hhmm string) time.Time {
		c := MustClock(hhmm)
		return time.Date(2024, 5, 1, c.Hour, c.Minute, 0, 0, time.UTC)
	}
	require.True(t, wrap.Contains(at("23:00")))
	require.True(t, wrap.Contains(at("03:00")))
	require.False(t, wrap.Contains(at("06:30")))
	require.False(t, wrap.Contains(at("22:59")))
	require.True(t, day.Contains(at("12:00")))
	require.False(t, day.Contains(at("13:00")))
	require.False(t, empty.Contains(at("08:00")))
	require.False(t, QuietHours{}.Contains(at("08:00")))
}
