package escalation

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"nudgebot/internal/storage"
)

// Overdue is the mark name of the notice sent once a deadline has passed.
const Overdue = "overdue"

// Threshold is a point before the deadline at which both parties are
// notified. It is either a fixed duration ("24h") or a share of the time
// between assignment and deadline ("50%").
type Threshold struct {
	Name     string
	Before   time.Duration
	Fraction float64
}

func ParseThresholds(raw []string) ([]Threshold, error) {
	out := make([]Threshold, 0, len(raw))
	seen := map[string]bool{}
	for _, r := range raw {
		name := strings.ToLower(strings.TrimSpace(r))
		if name == "" {
			continue
		}
		if seen[name] {
			return nil, fmt.Errorf("duplicate escalation threshold %q", r)
		}
		seen[name] = true

		if strings.HasSuffix(name, "%") {
			p, err := strconv.ParseFloat(strings.TrimSuffix(name, "%"), 64)
			if err != nil || p <= 0 || p >= 100 {
				return nil, fmt.Errorf("invalid escalation threshold %q (percent must be in (0,100))", r)
			}
			out = append(out, Threshold{Name: name, Fraction: p / 100})
			continue
		}
		d, err := time.ParseDuration(name)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("invalid escalation threshold %q (use a duration like '24h' or a percentage like '50%%')", r)
		}
		out = append(out, Threshold{Name: name, Before: d})
	}
	return out, nil
}

// Offset is the remaining time at which t triggers for d. ok is false for a
// percentage threshold on a delegation without an assignment time.
func (t Threshold) Offset(d storage.Delegation) (time.Duration, bool) {
	if t.Fraction == 0 {
		return t.Before, true
	}
	if d.AssignedAt.IsZero() || !d.Deadline.After(d.AssignedAt) {
		return 0, false
	}
	window := d.Deadline.Sub(d.AssignedAt)
	return time.Duration(float64(window) * t.Fraction), true
}

type dueThreshold struct {
	Threshold
	offset time.Duration
}

// crossed lists thresholds with remaining <= offset, largest offset first.
func crossed(ts []Threshold, d storage.Delegation, remaining time.Duration) []dueThreshold {
	var out []dueThreshold
	for _, t := range ts {
		off, ok := t.Offset(d)
		if !ok || remaining > off {
			continue
		}
		out = append(out, dueThreshold{Threshold: t, offset: off})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].offset > out[j].offset })
	return out
}
