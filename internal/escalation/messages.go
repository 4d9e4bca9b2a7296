package escalation

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"nudgebot/internal/storage"
)

const deadlineLayout = "Mon 2 Jan 15:04"

func displayName(u storage.User) string {
	if n := strings.TrimSpace(u.Name); n != "" {
		return n
	}
	return u.ID
}

func localDeadline(deadline time.Time, u storage.User) string {
	loc := time.UTC
	if u.Timezone != "" {
		if l, err := time.LoadLocation(u.Timezone); err == nil {
			loc = l
		}
	}
	return deadline.In(loc).Format(deadlineLayout) + " " + deadline.In(loc).Format("MST")
}

// span renders the distance between two instants without a direction label.
func span(a, b time.Time) string {
	return strings.TrimSpace(humanize.RelTime(a, b, "", ""))
}

func assigneeNotice(d storage.Delegation, delegator, assignee storage.User, now time.Time) string {
	return fmt.Sprintf("📋 Task from %s:\n\n«%s»\n\n⏰ Due in %s (%s)",
		displayName(delegator), d.Title, span(now, d.Deadline), localDeadline(d.Deadline, assignee))
}

func delegatorNotice(d storage.Delegation, delegator, assignee storage.User, now time.Time) string {
	return fmt.Sprintf("📋 Task delegated to %s:\n\n«%s»\n\n⏰ Due in %s (%s)",
		displayName(assignee), d.Title, span(now, d.Deadline), localDeadline(d.Deadline, delegator))
}

func assigneeOverdue(d storage.Delegation, delegator, assignee storage.User, now time.Time) string {
	return fmt.Sprintf("⚠️ Overdue task from %s:\n\n«%s»\n\n⏰ Deadline was %s\n⏱ Overdue by %s",
		displayName(delegator), d.Title, localDeadline(d.Deadline, assignee), span(d.Deadline, now))
}

func delegatorOverdue(d storage.Delegation, delegator, assignee storage.User, now time.Time) string {
	return fmt.Sprintf("⚠️ Task is overdue:\n\n«%s»\n\n👤 Assignee: %s\n⏰ Deadline was %s\n⏱ Overdue by %s",
		d.Title, displayName(assignee), localDeadline(d.Deadline, delegator), span(d.Deadline, now))
}
