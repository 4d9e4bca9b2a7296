package recurrence

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

var dayNames = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday, "su": time.Sunday,
	"mon": time.Monday, "monday": time.Monday, "mo": time.Monday,
	"tue": time.Tuesday, "tuesday": time.Tuesday, "tu": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday, "we": time.Wednesday,
	"thu": time.Thursday, "thursday": time.Thursday, "th": time.Thursday,
	"fri": time.Friday, "friday": time.Friday, "fr": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday, "sa": time.Saturday,
}

var namedSets = map[string]Weekdays{
	"weekdays": NewWeekdays(time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday),
	"weekends": NewWeekdays(time.Saturday, time.Sunday),
}

// Parse accepts:
//   - "daily HH:MM"
//   - "weekly mon,wed,fri HH:MM"
//   - "weekdays HH:MM" / "weekends HH:MM", also as "weekly weekdays HH:MM"
//   - an RRULE subset: "RRULE:FREQ=WEEKLY;BYDAY=MO,WE;BYHOUR=7;BYMINUTE=30"
func Parse(spec string) (Descriptor, error) {
	s := strings.TrimSpace(spec)
	if s == "" {
		return Descriptor{}, fmt.Errorf("%w: empty", ErrInvalidRecurrence)
	}
	upper := strings.ToUpper(s)
	if strings.HasPrefix(upper, "RRULE:") || strings.HasPrefix(upper, "FREQ=") {
		return parseRRule(s)
	}

	fields := strings.Fields(strings.ToLower(s))
	var d Descriptor
	switch fields[0] {
	case "daily":
		if len(fields) != 2 {
			return Descriptor{}, fmt.Errorf("%w: %q, expected \"daily HH:MM\"", ErrInvalidRecurrence, s)
		}
		d.Kind = Daily
	case "weekly":
		if len(fields) != 3 {
			return Descriptor{}, fmt.Errorf("%w: %q, expected \"weekly mon,wed HH:MM\"", ErrInvalidRecurrence, s)
		}
		days, ok := namedSets[fields[1]]
		if !ok {
			var err error
			if days, err = parseDays(fields[1], ","); err != nil {
				return Descriptor{}, err
			}
		}
		d.Kind, d.Days = Weekly, days
		fields = fields[1:]
	case "weekdays", "weekends":
		if len(fields) != 2 {
			return Descriptor{}, fmt.Errorf("%w: %q, expected \"%s HH:MM\"", ErrInvalidRecurrence, s, fields[0])
		}
		d.Kind, d.Days = Weekly, namedSets[fields[0]]
	default:
		return Descriptor{}, fmt.Errorf("%w: unknown rule %q", ErrInvalidRecurrence, fields[0])
	}

	at, err := ParseClock(fields[1])
	if err != nil {
		return Descriptor{}, err
	}
	d.At = at
	return d, d.Validate()
}

// MustParse is Parse for static tables and tests.
func MustParse(spec string) Descriptor {
	d, err := Parse(spec)
	if err != nil {
		panic(err)
	}
	return d
}

func parseDays(s, sep string) (Weekdays, error) {
	var w Weekdays
	for _, part := range strings.Split(s, sep) {
		name := strings.ToLower(strings.TrimSpace(part))
		if name == "" {
			continue
		}
		day, ok := dayNames[name]
		if !ok {
			return 0, fmt.Errorf("%w: unknown weekday %q", ErrInvalidRecurrence, part)
		}
		w |= NewWeekdays(day)
	}
	if w == 0 {
		return 0, fmt.Errorf("%w: no weekdays in %q", ErrInvalidRecurrence, s)
	}
	return w, nil
}

// parseRRule handles the FREQ=DAILY|WEEKLY subset with a single BYHOUR/BYMINUTE.
func parseRRule(s string) (Descriptor, error) {
	body := s
	if i := strings.Index(body, ":"); i >= 0 && strings.EqualFold(body[:i], "RRULE") {
		body = body[i+1:]
	}

	var (
		d       Descriptor
		hourSet bool
	)
	for _, part := range strings.Split(body, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			return Descriptor{}, fmt.Errorf("%w: rrule part %q", ErrInvalidRecurrence, part)
		}
		switch strings.ToUpper(strings.TrimSpace(k)) {
		case "FREQ":
			switch strings.ToUpper(v) {
			case "DAILY":
				d.Kind = Daily
			case "WEEKLY":
				d.Kind = Weekly
			default:
				return Descriptor{}, fmt.Errorf("%w: unsupported FREQ %q", ErrInvalidRecurrence, v)
			}
		case "BYDAY":
			days, err := parseDays(v, ",")
			if err != nil {
				return Descriptor{}, err
			}
			d.Days = days
		case "BYHOUR":
			h, err := strconv.Atoi(v)
			if err != nil || h < 0 || h > 23 {
				return Descriptor{}, fmt.Errorf("%w: BYHOUR %q", ErrInvalidRecurrence, v)
			}
			d.At.Hour = h
			hourSet = true
		case "BYMINUTE":
			m, err := strconv.Atoi(v)
			if err != nil || m < 0 || m > 59 {
				return Descriptor{}, fmt.Errorf("%w: BYMINUTE %q", ErrInvalidRecurrence, v)
			}
			d.At.Minute = m
		case "INTERVAL":
			if v != "1" {
				return Descriptor{}, fmt.Errorf("%w: INTERVAL %q not supported", ErrInvalidRecurrence, v)
			}
		case "WKST":
		default:
			return Descriptor{}, fmt.Errorf("%w: rrule key %q not supported", ErrInvalidRecurrence, k)
		}
	}
	if d.Kind == 0 {
		return Descriptor{}, fmt.Errorf("%w: rrule without FREQ", ErrInvalidRecurrence)
	}
	if !hourSet {
		return Descriptor{}, fmt.Errorf("%w: rrule without BYHOUR", ErrInvalidRecurrence)
	}
	if d.Kind == Daily && d.Days != 0 {
		// FREQ=DAILY;BYDAY=... restricts days; treat it as weekly.
		d.Kind = Weekly
	}
	return d, d.Validate()
}
