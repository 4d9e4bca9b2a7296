package scheduler

import (
	"context"
	"time"

	"nudgebot/internal/dispatch"
	"nudgebot/internal/escalation"
	"nudgebot/internal/pregen"
	"nudgebot/internal/recurrence"
	"nudgebot/internal/storage"
	"nudgebot/internal/task/engine"
)

type Config struct {
	// RescanInterval bounds how stale the working set can get. Default 1m.
	RescanInterval time.Duration
	// MaxSleep caps a single wait so wall-clock jumps are noticed. Default 1m.
	MaxSleep time.Duration
	// FireTimeout bounds one fire including delivery retries. Default 2m.
	FireTimeout time.Duration
	// CatchUp is how late an occurrence may still fire after a stall, and
	// how far back RunOnce looks. Default 10m.
	CatchUp time.Duration
	// SweepOnStart runs an escalation sweep right after startup.
	SweepOnStart bool
}

func (c Config) withDefaults() Config {
	if c.RescanInterval <= 0 {
		c.RescanInterval = time.Minute
	}
	if c.MaxSleep <= 0 {
		c.MaxSleep = time.Minute
	}
	if c.FireTimeout <= 0 {
		c.FireTimeout = 2 * time.Minute
	}
	if c.CatchUp <= 0 {
		c.CatchUp = 10 * time.Minute
	}
	return c
}

// State is the loop's current phase.
type State int32

const (
	StateIdle State = iota
	StateComputingNext
	StateWaiting
	StateFiring
)

var stateNames = []string{"idle", "computing_next", "waiting", "firing"}

func (s State) String() string {
	if int(s) >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Catalog is the read side of storage the loop needs.
type Catalog interface {
	ListUsers(ctx context.Context) ([]storage.User, error)
	ListActiveEntities(ctx context.Context) ([]storage.Entity, error)
}

// Syncer refreshes storage from an external catalog before a rescan.
type Syncer interface {
	Sync(ctx context.Context) error
}

type Ensurer interface {
	Ensure(ctx context.Context, entityID, key string, fireAt time.Time) error
}

type Firer interface {
	Fire(ctx context.Context, due dispatch.Due) error
}

type Pregen interface {
	LeadInstant(fireAt time.Time) time.Time
	Request(ctx context.Context, j pregen.Job) error
}

type Sweeper interface {
	NextRun(after time.Time) time.Time
	Sweep(ctx context.Context, now time.Time) (escalation.Report, error)
}

// Runner is the part of the task engine the loop submits to.
type Runner interface {
	Submit(ctx context.Context, t engine.Task) error
	Enqueue(t engine.Task) error
}

// Deps wires the loop. Catalog, Ledger and Fire are required; the rest may
// be nil when the feature is disabled.
type Deps struct {
	Catalog Catalog
	Sync    Syncer
	Ledger  Ensurer
	Fire    Firer
	Pregen  Pregen
	Sweep   Sweeper
	Engine  Runner
}

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

type itemKind int

const (
	itemFire itemKind = iota
	itemPregen
	itemSweep
)

func (k itemKind) String() string {
	switch k {
	case itemFire:
		return "fire"
	case itemPregen:
		return "pregen"
	case itemSweep:
		return "sweep"
	default:
		return "unknown"
	}
}

// target is one schedulable entity with everything needed to resolve it.
type target struct {
	entity storage.Entity
	user   storage.User
	rule   recurrence.Descriptor
	loc    *time.Location
	quiet  recurrence.QuietHours
}

type item struct {
	at   time.Time
	kind itemKind
	tgt  *target
	occ  recurrence.Occurrence
	seq  uint64
}

// Snapshot is a diagnostic view of the loop.
type Snapshot struct {
	State      string
	Items      int
	Entities   int
	NextWake   time.Time
	NextSweep  time.Time
	LastRescan time.Time
	Fired      uint64
	Upcoming   []Upcoming
	Engine     *engine.Snapshot
}

type Upcoming struct {
	Kind     string
	EntityID string
	Key      string
	At       time.Time
}
