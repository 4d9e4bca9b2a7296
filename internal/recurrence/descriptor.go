package recurrence

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidRecurrence is returned for malformed descriptors. Callers creating or
// editing an entity must surface it.
var ErrInvalidRecurrence = errors.New("invalid recurrence")

type Kind int

const (
	Daily Kind = iota + 1
	Weekly
)

func (k Kind) String() string {
	switch k {
	case Daily:
		return "daily"
	case Weekly:
		return "weekly"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Clock is a local wall-clock time of day.
type Clock struct {
	Hour   int
	Minute int
}

// ParseClock parses "HH:MM" (24h).
func ParseClock(s string) (Clock, error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return Clock{}, fmt.Errorf("%w: time %q, expected HH:MM", ErrInvalidRecurrence, s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return Clock{}, fmt.Errorf("%w: hour in %q", ErrInvalidRecurrence, s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 || len(parts[1]) != 2 {
		return Clock{}, fmt.Errorf("%w: minute in %q", ErrInvalidRecurrence, s)
	}
	return Clock{Hour: h, Minute: m}, nil
}

func MustClock(s string) Clock {
	c, err := ParseClock(s)
	if err != nil {
		panic(err)
	}
	return c
}

func (c Clock) String() string { return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute) }

// Minutes returns minutes since local midnight.
func (c Clock) Minutes() int { return c.Hour*60 + c.Minute }

func (c Clock) valid() bool {
	return c.Hour >= 0 && c.Hour <= 23 && c.Minute >= 0 && c.Minute <= 59
}

// Weekdays is a set of time.Weekday values.
type Weekdays uint8

const allDays Weekdays = 1<<7 - 1

func NewWeekdays(days ...time.Weekday) Weekdays {
	var w Weekdays
	for _, d := range days {
		if d >= time.Sunday && d <= time.Saturday {
			w |= 1 << uint(d)
		}
	}
	return w
}

func (w Weekdays) Has(d time.Weekday) bool { return w&(1<<uint(d)) != 0 }

func (w Weekdays) Len() int {
	n := 0
	for d := time.Sunday; d <= time.Saturday; d++ {
		if w.Has(d) {
			n++
		}
	}
	return n
}

// Days lists members Monday first.
func (w Weekdays) Days() []time.Weekday {
	out := make([]time.Weekday, 0, 7)
	for i := 1; i <= 7; i++ {
		d := time.Weekday(i % 7)
		if w.Has(d) {
			out = append(out, d)
		}
	}
	return out
}

func (w Weekdays) String() string {
	days := w.Days()
	names := make([]string, len(days))
	for i, d := range days {
		names[i] = strings.ToLower(d.String()[:3])
	}
	return strings.Join(names, ",")
}

// Descriptor is the recurrence rule of a schedulable entity.
// At is a wall-clock value; it is reinterpreted against the user's zone on every computation.
type Descriptor struct {
	Kind Kind
	Days Weekdays
	At   Clock
}

func DailyAt(at Clock) Descriptor { return Descriptor{Kind: Daily, At: at} }

func WeeklyOn(at Clock, days ...time.Weekday) Descriptor {
	return Descriptor{Kind: Weekly, Days: NewWeekdays(days...), At: at}
}

func (d Descriptor) Validate() error {
	if !d.At.valid() {
		return fmt.Errorf("%w: time of day %02d:%02d out of range", ErrInvalidRecurrence, d.At.Hour, d.At.Minute)
	}
	switch d.Kind {
	case Daily:
		return nil
	case Weekly:
		if d.Days&allDays == 0 {
			return fmt.Errorf("%w: weekly rule without weekdays", ErrInvalidRecurrence)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown kind %d", ErrInvalidRecurrence, int(d.Kind))
	}
}

func (d Descriptor) String() string {
	if d.Kind == Weekly {
		return "weekly " + d.Days.String() + " " + d.At.String()
	}
	return d.Kind.String() + " " + d.At.String()
}

// QuietHours is a per-user local window in which nothing is dispatched.
// From is inclusive, To exclusive; From > To wraps midnight; From == To is empty.
type QuietHours struct {
	From    Clock
	To      Clock
	Enabled bool
}

// NewQuietHours parses a "HH:MM" pair. Two empty strings disable the window.
func NewQuietHours(from, to string) (QuietHours, error) {
	from, to = strings.TrimSpace(from), strings.TrimSpace(to)
	if from == "" && to == "" {
		return QuietHours{}, nil
	}
	f, err := ParseClock(from)
	if err != nil {
		return QuietHours{}, fmt.Errorf("quiet hours from: %w", err)
	}
	t, err := ParseClock(to)
	if err != nil {
		return QuietHours{}, fmt.Errorf("quiet hours to: %w", err)
	}
	return QuietHours{From: f, To: t, Enabled: true}, nil
}

func (q QuietHours) Active() bool { return q.Enabled && q.From != q.To }

func (q QuietHours) wraps() bool { return q.From.Minutes() > q.To.Minutes() }

// Contains reports whether the local wall clock of t is inside the window.
func (q QuietHours) Contains(local time.Time) bool {
	if !q.Active() {
		return false
	}
	m := local.Hour()*60 + local.Minute()
	if q.wraps() {
		return m >= q.From.Minutes() || m < q.To.Minutes()
	}
	return m >= q.From.Minutes() && m < q.To.Minutes()
}

func (q QuietHours) String() string {
	if !q.Active() {
		return "none"
	}
	return q.From.String() + "-" + q.To.String()
}
