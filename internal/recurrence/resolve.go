package recurrence

import (
	"fmt"
	"time"
)

// Occurrence is one concrete firing computed by Next.
type Occurrence struct {
	// At is the fire instant in UTC.
	At time.Time
	// Local is At in the user's zone.
	Local time.Time
	// Date is the nominal local calendar day of the slot (midnight, UTC location).
	// It can differ from Local's date when quiet hours pushed the slot past midnight.
	Date time.Time
	// Key identifies the recurrence cycle: the date for daily rules,
	// ISO week plus weekday for weekly rules.
	Key string
	// Deferred is set when quiet hours moved the slot.
	Deferred bool
}

// NextInstant returns the first fire instant strictly after after.
func NextInstant(d Descriptor, loc *time.Location, q QuietHours, after time.Time) (time.Time, error) {
	occ, err := Next(d, loc, q, after)
	if err != nil {
		return time.Time{}, err
	}
	return occ.At, nil
}

// Next resolves the first occurrence of d strictly after after.
//
// Each candidate day's wall-clock time is converted under that day's offset.
// A wall time skipped by a DST gap rolls forward to the end of the gap; a
// repeated wall time takes its first instance. A candidate inside quiet hours
// moves to the window end.
func Next(d Descriptor, loc *time.Location, q QuietHours, after time.Time) (Occurrence, error) {
	if err := d.Validate(); err != nil {
		return Occurrence{}, err
	}
	if loc == nil {
		loc = time.UTC
	}
	y, m, day := after.In(loc).Date()

	// Start one day early: a wrapping quiet window can push yesterday's slot past after.
	for i := -1; i <= 8; i++ {
		date := time.Date(y, m, day+i, 0, 0, 0, 0, time.UTC)
		if d.Kind == Weekly && !d.Days.Has(date.Weekday()) {
			continue
		}
		at := resolveWall(loc, date, d.At)
		deferred := false
		// A window end skipped by a zone shift can land back inside the window.
		for n := 0; n < 3 && q.Contains(at); n++ {
			at = deferToWindowEnd(loc, q, at)
			deferred = true
		}
		if at.After(after) {
			return Occurrence{
				At:       at.UTC(),
				Local:    at.In(loc),
				Date:     date,
				Key:      OccurrenceKey(d, date),
				Deferred: deferred,
			}, nil
		}
	}
	// Unreachable for a validated descriptor: every rule has a slot within a week.
	return Occurrence{}, fmt.Errorf("%w: no slot within a week after %s", ErrInvalidRecurrence, after.Format(time.RFC3339))
}

// OccurrenceKey derives the ledger key for the slot on the nominal local date.
func OccurrenceKey(d Descriptor, date time.Time) string {
	if d.Kind == Weekly {
		year, week := date.ISOWeek()
		return fmt.Sprintf("%04d-W%02d-%d", year, week, isoWeekday(date.Weekday()))
	}
	return date.Format("2006-01-02")
}

func isoWeekday(d time.Weekday) int {
	if d == time.Sunday {
		return 7
	}
	return int(d)
}

// deferToWindowEnd moves a local instant inside q to q.To. The evening part of
// a wrapping window ends on the next local day.
func deferToWindowEnd(loc *time.Location, q QuietHours, at time.Time) time.Time {
	local := at.In(loc)
	y, m, d := local.Date()
	if q.wraps() && local.Hour()*60+local.Minute() >= q.From.Minutes() {
		d++
	}
	return resolveWall(loc, time.Date(y, m, d, 0, 0, 0, 0, time.UTC), q.To)
}

// resolveWall converts the wall clock c on the civil date to an instant in loc.
func resolveWall(loc *time.Location, date time.Time, c Clock) time.Time {
	wall := time.Date(date.Year(), date.Month(), date.Day(), c.Hour, c.Minute, 0, 0, time.UTC)

	// Offsets a day either side bracket any transition that touches this wall time.
	_, before := wall.Add(-24 * time.Hour).In(loc).Zone()
	_, after := wall.Add(24 * time.Hour).In(loc).Zone()

	var best time.Time
	for _, off := range [2]int{before, after} {
		cand := wall.Add(-time.Duration(off) * time.Second)
		if !sameWall(cand.In(loc), wall) {
			continue
		}
		if best.IsZero() || cand.Before(best) {
			best = cand
		}
	}
	if !best.IsZero() {
		return best.In(loc)
	}

	// Gap: the zone that starts at the end of the gap begins at the first valid instant.
	late := wall.Add(-time.Duration(min(before, after)) * time.Second).In(loc)
	start, _ := late.ZoneBounds()
	if start.IsZero() {
		return late
	}
	return start.In(loc)
}

func sameWall(t, wall time.Time) bool {
	y1, m1, d1 := t.Date()
	y2, m2, d2 := wall.Date()
	return y1 == y2 && m1 == m2 && d1 == d2 && t.Hour() == wall.Hour() && t.Minute() == wall.Minute()
}
