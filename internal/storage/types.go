package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("not found")
)

// Config configures storage.
//
// Driver values:
//   - "memory": process-local maps (tests, -once runs)
//   - "file": jsonl journal + snapshot, no database needed
//   - "sqlite": SQLite database file
//   - "postgres": PostgreSQL via pgx; use it when several instances share a ledger
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

type EntityKind string

const (
	KindHabit EntityKind = "habit"
	KindTask  EntityKind = "task"
	// KindPing marks the per-user morning greeting. It is never stored as an
	// entity; the scheduler derives it from User.MorningAt.
	KindPing EntityKind = "ping"
)

type EntityState string

const (
	EntityActive   EntityState = "active"
	EntityPaused   EntityState = "paused"
	EntityArchived EntityState = "archived"
)

type OccurrenceState string

const (
	OccPending      OccurrenceState = "pending"
	OccContentReady OccurrenceState = "content_ready"
	OccFired        OccurrenceState = "fired"
	OccFailed       OccurrenceState = "failed"
)

type DeliveryStatus string

const (
	DeliveryNone      DeliveryStatus = ""
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "delivery_failed"
	DeliveryAborted   DeliveryStatus = "aborted"
)

type DelegationStatus string

const (
	DelegationActive    DelegationStatus = "active"
	DelegationCompleted DelegationStatus = "completed"
	DelegationCancelled DelegationStatus = "cancelled"
	DelegationOverdue   DelegationStatus = "overdue"
)

// User is the addressing and locale data the engine needs about a person.
// QuietFrom/QuietTo are local "HH:MM"; both empty means no quiet hours.
// MorningAt is the local "HH:MM" of the daily greeting; empty disables it.
type User struct {
	ID        string    `json:"id"`
	ChatID    int64     `json:"chat_id"`
	ThreadID  int       `json:"thread_id,omitempty"`
	Name      string    `json:"name,omitempty"`
	Timezone  string    `json:"timezone"`
	QuietFrom string    `json:"quiet_from,omitempty"`
	QuietTo   string    `json:"quiet_to,omitempty"`
	MorningAt string    `json:"morning_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Entity is a schedulable habit or task.
type Entity struct {
	ID             string      `json:"id"`
	UserID         string      `json:"user_id"`
	Kind           EntityKind  `json:"kind"`
	Title          string      `json:"title"`
	Recurrence     string      `json:"recurrence"`
	Deadline       *time.Time  `json:"deadline,omitempty"`
	State          EntityState `json:"state"`
	IncludeContent bool        `json:"include_content,omitempty"`
	ContentPrompt  string      `json:"content_prompt,omitempty"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// Occurrence is the ledger record of one recurrence cycle of an entity.
type Occurrence struct {
	EntityID   string          `json:"entity_id"`
	Key        string          `json:"key"`
	State      OccurrenceState `json:"state"`
	FireAt     time.Time       `json:"fire_at"`
	Content    string          `json:"content,omitempty"`
	FailReason string          `json:"fail_reason,omitempty"`
	FiredAt    *time.Time      `json:"fired_at,omitempty"`
	Delivery   DeliveryStatus  `json:"delivery,omitempty"`
	Attempts   int             `json:"attempts,omitempty"`
	LastError  string          `json:"last_error,omitempty"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// DeliveryOutcome is written back after the dispatcher is done with a fired occurrence.
type DeliveryOutcome struct {
	Status   DeliveryStatus
	Attempts int
	Err      string
	At       time.Time
}

type Delegation struct {
	ID          string           `json:"id"`
	TaskID      string           `json:"task_id"`
	Title       string           `json:"title"`
	DelegatorID string           `json:"delegator_id"`
	AssigneeID  string           `json:"assignee_id"`
	Deadline    time.Time        `json:"deadline"`
	AssignedAt  time.Time        `json:"assigned_at"`
	Status      DelegationStatus `json:"status"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// EscalationMark records that a delegation was notified for a threshold.
type EscalationMark struct {
	DelegationID string    `json:"delegation_id"`
	Threshold    string    `json:"threshold"`
	NotifiedAt   time.Time `json:"notified_at"`
}

// CatalogStore is the read side of the external data layer plus the
// write paths the catalog importer and the escalation sweep need.
type CatalogStore interface {
	UpsertUser(ctx context.Context, u User) error
	GetUser(ctx context.Context, id string) (User, error)
	ListUsers(ctx context.Context) ([]User, error)

	UpsertEntity(ctx context.Context, e Entity) error
	GetEntity(ctx context.Context, id string) (Entity, error)
	ListActiveEntities(ctx context.Context) ([]Entity, error)

	UpsertDelegation(ctx context.Context, d Delegation) error
	ListOpenDelegations(ctx context.Context) ([]Delegation, error)
	SetDelegationStatus(ctx context.Context, id string, status DelegationStatus, at time.Time) error
}

// LedgerStore persists occurrence state. Every mutation except EnsureOccurrence
// and RecordDelivery is a no-op on a fired record; the bool results report
// whether a row changed.
type LedgerStore interface {
	EnsureOccurrence(ctx context.Context, entityID, key string, fireAt, now time.Time) error
	ClaimOccurrence(ctx context.Context, entityID, key string, now time.Time) (bool, error)
	MarkContentReady(ctx context.Context, entityID, key, content string, now time.Time) (bool, error)
	MarkFailed(ctx context.Context, entityID, key, reason string, now time.Time) (bool, error)
	RecordDelivery(ctx context.Context, entityID, key string, out DeliveryOutcome) error
	GetOccurrence(ctx context.Context, entityID, key string) (Occurrence, error)
}

// EscalationStore persists delegation threshold marks. MarkEscalated is
// insert-if-absent and reports whether this call created the mark.
type EscalationStore interface {
	MarkEscalated(ctx context.Context, delegationID, threshold string, at time.Time) (bool, error)
	ListEscalated(ctx context.Context, delegationID string) ([]EscalationMark, error)
}

// CachedContent is generated habit text kept for reuse by later occurrences.
type CachedContent struct {
	ID          int64      `json:"id"`
	EntityID    string     `json:"entity_id"`
	Content     string     `json:"content"`
	GeneratedAt time.Time  `json:"generated_at"`
	UsedCount   int        `json:"used_count"`
	LastUsed    *time.Time `json:"last_used,omitempty"`
}

// ContentStore keeps generated content per entity.
//
// FreshContent returns the newest entry generated at or after since that was
// used fewer than maxUses times, or ErrNotFound. MarkContentUsed bumps the
// newest entry with exactly that text and reports whether one existed.
type ContentStore interface {
	SaveContent(ctx context.Context, entityID, content string, at time.Time) error
	FreshContent(ctx context.Context, entityID string, since time.Time, maxUses int) (CachedContent, error)
	MarkContentUsed(ctx context.Context, entityID, content string, at time.Time) (bool, error)
}

type Store interface {
	CatalogStore
	LedgerStore
	EscalationStore
	ContentStore
	Close() error
}
