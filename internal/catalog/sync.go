package catalog

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"strings"
	"sync"
	"time"

	"nudgebot/internal/recurrence"
	"nudgebot/internal/storage"
	logx "nudgebot/pkg/logx"
)

// Store is the storage the importer writes to.
type Store interface {
	UpsertUser(ctx context.Context, u storage.User) error
	UpsertEntity(ctx context.Context, e storage.Entity) error
	ListActiveEntities(ctx context.Context) ([]storage.Entity, error)
	UpsertDelegation(ctx context.Context, d storage.Delegation) error
}

// Result counts what one sync wrote.
type Result struct {
	Users       int
	Entities    int
	Delegations int
	Archived    int
	Skipped     int
}

type Importer struct {
	path  string
	store Store
	log   logx.Logger
	now   func() time.Time

	mu       sync.Mutex
	lastHash uint64
	last     Result
}

func New(path string, store Store, log logx.Logger) *Importer {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Importer{
		path:  path,
		store: store,
		log:   log.With(logx.String("comp", "catalog"), logx.String("path", path)),
		now:   time.Now,
	}
}

func (im *Importer) Path() string { return im.path }

// Last returns the result of the last sync that wrote anything.
func (im *Importer) Last() Result {
	im.mu.Lock()
	defer im.mu.Unlock()
	return im.last
}

// Sync writes the catalog file into storage. An unchanged file is a no-op.
//
// Invalid rows (bad recurrence, unknown timezone, missing fields) are
// skipped and returned as a joined error, one entry per row, after every
// valid row was written. Active entities missing from the file are archived.
func (im *Importer) Sync(ctx context.Context) error {
	b, err := os.ReadFile(im.path)
	if err != nil {
		return fmt.Errorf("read catalog: %w", err)
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	sum := h.Sum64()

	im.mu.Lock()
	defer im.mu.Unlock()
	if sum == im.lastHash {
		return nil
	}

	doc, err := Decode(b)
	if err != nil {
		return fmt.Errorf("parse catalog %s: %w", im.path, err)
	}
	res, rowErrs, err := im.apply(ctx, doc)
	if err != nil {
		return err
	}
	im.lastHash = sum
	im.last = res
	im.log.Info("catalog synced",
		logx.Int("users", res.Users),
		logx.Int("entities", res.Entities),
		logx.Int("delegations", res.Delegations),
		logx.Int("archived", res.Archived),
		logx.Int("skipped", res.Skipped),
	)
	return errors.Join(rowErrs...)
}

// apply returns per-row errors separately from storage failures, which
// abort the sync.
func (im *Importer) apply(ctx context.Context, doc *Document) (Result, []error, error) {
	var (
		res    Result
		rowErr []error
	)
	now := im.now().UTC()
	skip := func(err error) {
		res.Skipped++
		rowErr = append(rowErr, err)
	}

	for _, u := range doc.Users {
		su, err := toUser(u)
		if err != nil {
			skip(err)
			continue
		}
		su.UpdatedAt = now
		if err := im.store.UpsertUser(ctx, su); err != nil {
			return res, nil, fmt.Errorf("upsert user %s: %w", su.ID, err)
		}
		res.Users++
	}

	seen := map[string]bool{}
	entries := func(kind storage.EntityKind, list []Entry) error {
		for _, e := range list {
			id := strings.TrimSpace(e.ID)
			if id != "" && seen[id] {
				skip(fmt.Errorf("entity %s: duplicate id", id))
				continue
			}
			seen[id] = true
			se, err := toEntity(kind, e)
			if err != nil {
				skip(err)
				continue
			}
			se.UpdatedAt = now
			if err := im.store.UpsertEntity(ctx, se); err != nil {
				return fmt.Errorf("upsert entity %s: %w", se.ID, err)
			}
			res.Entities++
		}
		return nil
	}
	if err := entries(storage.KindHabit, doc.Habits); err != nil {
		return res, nil, err
	}
	if err := entries(storage.KindTask, doc.Tasks); err != nil {
		return res, nil, err
	}

	active, err := im.store.ListActiveEntities(ctx)
	if err != nil {
		return res, nil, fmt.Errorf("list entities: %w", err)
	}
	for _, e := range active {
		if seen[e.ID] {
			continue
		}
		e.State = storage.EntityArchived
		e.UpdatedAt = now
		if err := im.store.UpsertEntity(ctx, e); err != nil {
			return res, nil, fmt.Errorf("archive entity %s: %w", e.ID, err)
		}
		res.Archived++
		im.log.Info("entity archived", logx.String("entity", e.ID))
	}

	for _, d := range doc.Delegations {
		sd, err := toDelegation(d)
		if err != nil {
			skip(err)
			continue
		}
		sd.UpdatedAt = now
		if err := im.store.UpsertDelegation(ctx, sd); err != nil {
			return res, nil, fmt.Errorf("upsert delegation %s: %w", sd.ID, err)
		}
		res.Delegations++
	}
	return res, rowErr, nil
}

func toUser(u User) (storage.User, error) {
	id := strings.TrimSpace(u.ID)
	if id == "" {
		return storage.User{}, errors.New("user without id")
	}
	if u.ChatID == 0 {
		return storage.User{}, fmt.Errorf("user %s: chat_id is required", id)
	}
	tz := strings.TrimSpace(u.Timezone)
	if tz == "" {
		tz = "UTC"
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return storage.User{}, fmt.Errorf("user %s: timezone: %w", id, err)
	}
	from, to, err := splitQuiet(u.QuietHours)
	if err != nil {
		return storage.User{}, fmt.Errorf("user %s: %w", id, err)
	}
	if _, err := recurrence.NewQuietHours(from, to); err != nil {
		return storage.User{}, fmt.Errorf("user %s: %w", id, err)
	}
	morning := strings.TrimSpace(u.MorningAt)
	if morning != "" {
		if _, err := recurrence.ParseClock(morning); err != nil {
			return storage.User{}, fmt.Errorf("user %s: morning_at: %w", id, err)
		}
	}
	return storage.User{
		ID:        id,
		ChatID:    u.ChatID,
		ThreadID:  u.ThreadID,
		Name:      strings.TrimSpace(u.Name),
		Timezone:  tz,
		QuietFrom: from,
		QuietTo:   to,
		MorningAt: morning,
	}, nil
}

func toEntity(kind storage.EntityKind, e Entry) (storage.Entity, error) {
	id := strings.TrimSpace(e.ID)
	if id == "" {
		return storage.Entity{}, fmt.Errorf("%s without id", kind)
	}
	if strings.TrimSpace(e.User) == "" || strings.TrimSpace(e.Title) == "" {
		return storage.Entity{}, fmt.Errorf("entity %s: user and title are required", id)
	}
	rule := strings.TrimSpace(e.Recurrence)
	switch {
	case rule != "":
		if _, err := recurrence.Parse(rule); err != nil {
			return storage.Entity{}, fmt.Errorf("entity %s: %w", id, err)
		}
	case kind == storage.KindHabit:
		return storage.Entity{}, fmt.Errorf("entity %s: %w: habit without recurrence", id, recurrence.ErrInvalidRecurrence)
	}
	state := storage.EntityState(strings.ToLower(strings.TrimSpace(e.State)))
	switch state {
	case "":
		state = storage.EntityActive
	case storage.EntityActive, storage.EntityPaused, storage.EntityArchived:
	default:
		return storage.Entity{}, fmt.Errorf("entity %s: unknown state %q", id, e.State)
	}
	var deadline *time.Time
	if e.Deadline != nil {
		d := e.Deadline.UTC()
		deadline = &d
	}
	return storage.Entity{
		ID:             id,
		UserID:         strings.TrimSpace(e.User),
		Kind:           kind,
		Title:          strings.TrimSpace(e.Title),
		Recurrence:     rule,
		Deadline:       deadline,
		State:          state,
		IncludeContent: e.IncludeContent,
		ContentPrompt:  strings.TrimSpace(e.ContentPrompt),
	}, nil
}

func toDelegation(d Delegation) (storage.Delegation, error) {
	id := strings.TrimSpace(d.ID)
	if id == "" {
		return storage.Delegation{}, errors.New("delegation without id")
	}
	if strings.TrimSpace(d.Delegator) == "" || strings.TrimSpace(d.Assignee) == "" {
		return storage.Delegation{}, fmt.Errorf("delegation %s: delegator and assignee are required", id)
	}
	if d.Deadline.IsZero() {
		return storage.Delegation{}, fmt.Errorf("delegation %s: deadline is required", id)
	}
	status := storage.DelegationStatus(strings.ToLower(strings.TrimSpace(d.Status)))
	switch status {
	case "":
		status = storage.DelegationActive
	case storage.DelegationActive, storage.DelegationCompleted, storage.DelegationCancelled, storage.DelegationOverdue:
	default:
		return storage.Delegation{}, fmt.Errorf("delegation %s: unknown status %q", id, d.Status)
	}
	title := strings.TrimSpace(d.Title)
	if title == "" {
		title = strings.TrimSpace(d.Task)
	}
	return storage.Delegation{
		ID:          id,
		TaskID:      strings.TrimSpace(d.Task),
		Title:       title,
		DelegatorID: strings.TrimSpace(d.Delegator),
		AssigneeID:  strings.TrimSpace(d.Assignee),
		Deadline:    d.Deadline.UTC(),
		AssignedAt:  d.AssignedAt.UTC(),
		Status:      status,
	}, nil
}
