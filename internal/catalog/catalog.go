// Package catalog imports users, habits, tasks and delegations from a YAML
// file into storage. The scheduler syncs it before every rescan; a watcher
// triggers an early rescan when the file changes.
package catalog

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

// Document is the catalog file layout.
type Document struct {
	Users       []User       `yaml:"users"`
	Habits      []Entry      `yaml:"habits"`
	Tasks       []Entry      `yaml:"tasks"`
	Delegations []Delegation `yaml:"delegations"`
}

type User struct {
	ID       string `yaml:"id"`
	ChatID   int64  `yaml:"chat_id"`
	ThreadID int    `yaml:"thread_id"`
	Name     string `yaml:"name"`
	Timezone string `yaml:"timezone"`
	// QuietHours is "HH:MM-HH:MM" in the user's zone.
	QuietHours string `yaml:"quiet_hours"`
	// MorningAt is the local "HH:MM" of the daily greeting.
	MorningAt string `yaml:"morning_at"`
}

// Entry is a habit or a task. Habits need a recurrence; tasks may carry
// one for reminders and a deadline for delegation.
type Entry struct {
	ID             string     `yaml:"id"`
	User           string     `yaml:"user"`
	Title          string     `yaml:"title"`
	Recurrence     string     `yaml:"recurrence"`
	Deadline       *time.Time `yaml:"deadline"`
	State          string     `yaml:"state"`
	IncludeContent bool       `yaml:"include_content"`
	ContentPrompt  string     `yaml:"content_prompt"`
}

type Delegation struct {
	ID         string    `yaml:"id"`
	Task       string    `yaml:"task"`
	Title      string    `yaml:"title"`
	Delegator  string    `yaml:"delegator"`
	Assignee   string    `yaml:"assignee"`
	Deadline   time.Time `yaml:"deadline"`
	AssignedAt time.Time `yaml:"assigned_at"`
	Status     string    `yaml:"status"`
}

// Decode strictly parses a catalog document. Unknown keys are errors.
func Decode(b []byte) (*Document, error) {
	var doc Document
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return &doc, nil
		}
		return nil, err
	}
	return &doc, nil
}

// splitQuiet turns "23:00-06:30" into its two ends.
func splitQuiet(s string) (string, string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", "", nil
	}
	from, to, ok := strings.Cut(s, "-")
	if !ok {
		return "", "", fmt.Errorf("quiet_hours %q: expected HH:MM-HH:MM", s)
	}
	return strings.TrimSpace(from), strings.TrimSpace(to), nil
}
