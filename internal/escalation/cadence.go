package escalation

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Cadence decides when the sweep runs. It is always evaluated in UTC.
//
// Supported forms:
//   - "HH:MM": daily at that UTC time, e.g. "09:00"
//   - cron (robfig standard parser): "0 9 * * 1-5", "@daily", "@every 6h"
//
// A "cron:" prefix forces cron parsing.
type Cadence struct {
	source string
	sched  cron.Schedule
}

var reHHMM = regexp.MustCompile(`^\s*(\d{1,2}):(\d{2})\s*$`)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func ParseCadence(raw string) (Cadence, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Cadence{}, fmt.Errorf("escalation time required")
	}
	if low := strings.ToLower(s); strings.HasPrefix(low, "cron:") {
		return parseCron(raw, strings.TrimSpace(s[len("cron:"):]))
	}
	if m := reHHMM.FindStringSubmatch(s); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if hh > 23 || mm > 59 {
			return Cadence{}, fmt.Errorf("invalid escalation time %q (HH:MM, 24h UTC)", raw)
		}
		c, err := parseCron(raw, fmt.Sprintf("%d %d * * *", mm, hh))
		if err != nil {
			return Cadence{}, err
		}
		c.source = fmt.Sprintf("%02d:%02d UTC", hh, mm)
		return c, nil
	}
	if strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@") {
		return parseCron(raw, s)
	}
	return Cadence{}, fmt.Errorf("invalid escalation time %q (use HH:MM like '09:00' or cron like '0 9 * * *')", raw)
}

func parseCron(raw, expr string) (Cadence, error) {
	if expr == "" {
		return Cadence{}, fmt.Errorf("cron schedule required after 'cron:'")
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return Cadence{}, fmt.Errorf("invalid escalation cron %q: %w", raw, err)
	}
	if spec, ok := sched.(*cron.SpecSchedule); ok {
		spec.Location = time.UTC
	}
	return Cadence{source: expr, sched: sched}, nil
}

// Next returns the first run strictly after after, in UTC.
func (c Cadence) Next(after time.Time) time.Time {
	if c.sched == nil {
		return time.Time{}
	}
	return c.sched.Next(after.UTC()).UTC()
}

func (c Cadence) String() string { return c.source }
