// Package ledger records the lifecycle of each occurrence and enforces
// at-most-once firing on top of storage.LedgerStore.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"nudgebot/internal/eventbus"
	"nudgebot/internal/observability/metrics"
	"nudgebot/internal/storage"
	logx "nudgebot/pkg/logx"
)

// ClaimResult is the outcome of a claim attempt. AlreadyFired is not an error.
type ClaimResult int

const (
	Claimed ClaimResult = iota + 1
	AlreadyFired
)

func (r ClaimResult) String() string {
	switch r {
	case Claimed:
		return "claimed"
	case AlreadyFired:
		return "already_fired"
	default:
		return "unknown"
	}
}

// Event is the payload published for every ledger transition.
type Event struct {
	EntityID string    `json:"entity_id"`
	Key      string    `json:"key"`
	At       time.Time `json:"at"`
	Reason   string    `json:"reason,omitempty"`
	Status   string    `json:"status,omitempty"`
}

type Ledger struct {
	store storage.LedgerStore
	log   logx.Logger
	bus   eventbus.Bus
	now   func() time.Time
}

type Option func(*Ledger)

func WithClock(now func() time.Time) Option { return func(l *Ledger) { l.now = now } }

func New(store storage.LedgerStore, log logx.Logger, bus eventbus.Bus, opts ...Option) *Ledger {
	if log.IsZero() {
		log = logx.Nop()
	}
	l := &Ledger{store: store, log: log.With(logx.String("comp", "ledger")), bus: bus, now: time.Now}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Ensure lazily creates a pending record for an occurrence computed as next due.
func (l *Ledger) Ensure(ctx context.Context, entityID, key string, fireAt time.Time) error {
	if err := l.store.EnsureOccurrence(ctx, entityID, key, fireAt, l.now()); err != nil {
		return fmt.Errorf("ensure %s/%s: %w", entityID, key, err)
	}
	metrics.Occurrences.WithLabelValues("ensured").Inc()
	eventbus.Publish(l.bus, eventbus.OccurrenceEnsured, Event{EntityID: entityID, Key: key, At: fireAt})
	return nil
}

// Claim atomically moves an occurrence to fired. Exactly one caller per
// (entity, key) ever gets Claimed.
func (l *Ledger) Claim(ctx context.Context, entityID, key string) (ClaimResult, error) {
	now := l.now()
	ok, err := l.store.ClaimOccurrence(ctx, entityID, key, now)
	if err != nil {
		return 0, fmt.Errorf("claim %s/%s: %w", entityID, key, err)
	}
	if !ok {
		metrics.Occurrences.WithLabelValues("duplicate").Inc()
		eventbus.Publish(l.bus, eventbus.OccurrenceDuplicate, Event{EntityID: entityID, Key: key, At: now})
		l.log.Debug("occurrence already fired", logx.String("entity", entityID), logx.String("key", key))
		return AlreadyFired, nil
	}
	metrics.Occurrences.WithLabelValues("claimed").Inc()
	eventbus.Publish(l.bus, eventbus.OccurrenceClaimed, Event{EntityID: entityID, Key: key, At: now})
	return Claimed, nil
}

// MarkContentReady stores generated text. It is a no-op once fired.
func (l *Ledger) MarkContentReady(ctx context.Context, entityID, key, content string) error {
	changed, err := l.store.MarkContentReady(ctx, entityID, key, content, l.now())
	if err != nil {
		return fmt.Errorf("content ready %s/%s: %w", entityID, key, err)
	}
	if !changed {
		l.log.Debug("content arrived after fire; dropped", logx.String("entity", entityID), logx.String("key", key))
		return nil
	}
	metrics.Occurrences.WithLabelValues("content_ready").Inc()
	eventbus.Publish(l.bus, eventbus.OccurrenceContentReady, Event{EntityID: entityID, Key: key, At: l.now()})
	return nil
}

// MarkFailed records a generation failure. It never demotes content_ready or fired.
func (l *Ledger) MarkFailed(ctx context.Context, entityID, key, reason string) error {
	changed, err := l.store.MarkFailed(ctx, entityID, key, reason, l.now())
	if err != nil {
		return fmt.Errorf("mark failed %s/%s: %w", entityID, key, err)
	}
	if !changed {
		return nil
	}
	metrics.Occurrences.WithLabelValues("failed").Inc()
	eventbus.Publish(l.bus, eventbus.OccurrenceFailed, Event{EntityID: entityID, Key: key, At: l.now(), Reason: reason})
	return nil
}

// Status returns the record and whether it exists.
func (l *Ledger) Status(ctx context.Context, entityID, key string) (storage.Occurrence, bool, error) {
	o, err := l.store.GetOccurrence(ctx, entityID, key)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Occurrence{}, false, nil
	}
	if err != nil {
		return storage.Occurrence{}, false, fmt.Errorf("status %s/%s: %w", entityID, key, err)
	}
	return o, true, nil
}

// RecordDelivery stores the dispatcher's final outcome for a fired occurrence.
func (l *Ledger) RecordDelivery(ctx context.Context, entityID, key string, out storage.DeliveryOutcome) error {
	if out.At.IsZero() {
		out.At = l.now()
	}
	if err := l.store.RecordDelivery(ctx, entityID, key, out); err != nil {
		return fmt.Errorf("record delivery %s/%s: %w", entityID, key, err)
	}
	metrics.Deliveries.WithLabelValues(string(out.Status)).Inc()
	typ := eventbus.OccurrenceDelivered
	if out.Status != storage.DeliveryDelivered {
		typ = eventbus.OccurrenceUndelivered
	}
	eventbus.Publish(l.bus, typ, Event{EntityID: entityID, Key: key, At: out.At, Status: string(out.Status), Reason: out.Err})
	return nil
}
