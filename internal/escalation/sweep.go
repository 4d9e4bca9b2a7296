package escalation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"nudgebot/internal/eventbus"
	"nudgebot/internal/notifier"
	"nudgebot/internal/observability/metrics"
	"nudgebot/internal/storage"
	"nudgebot/internal/transport"
	logx "nudgebot/pkg/logx"
)

type Config struct {
	At         string   // default "09:00" (UTC)
	Thresholds []string // default ["24h", "2h"]
}

func (c Config) withDefaults() Config {
	if c.At == "" {
		c.At = "09:00"
	}
	if len(c.Thresholds) == 0 {
		c.Thresholds = []string{"24h", "2h"}
	}
	return c
}

type Deliverer interface {
	Deliver(ctx context.Context, d notifier.Delivery) (notifier.Receipt, error)
}

// Store is the storage the sweep reads and marks.
type Store interface {
	GetUser(ctx context.Context, id string) (storage.User, error)
	ListOpenDelegations(ctx context.Context) ([]storage.Delegation, error)
	SetDelegationStatus(ctx context.Context, id string, status storage.DelegationStatus, at time.Time) error
	storage.EscalationStore
}

// Report summarizes one sweep.
type Report struct {
	Delegations int
	Notices     int // threshold marks created by this sweep
	Sent        int // messages accepted by the transport
	Failed      int
}

// Event is published on the bus for every created mark.
type Event struct {
	DelegationID string    `json:"delegation_id"`
	Threshold    string    `json:"threshold"`
	At           time.Time `json:"at"`
	Sent         int       `json:"sent"`
}

type Sweeper struct {
	mu         sync.Mutex
	cadence    Cadence
	thresholds []Threshold

	store Store
	out   Deliverer
	log   logx.Logger
	bus   eventbus.Bus
}

func New(cfg Config, store Store, out Deliverer, log logx.Logger, bus eventbus.Bus) (*Sweeper, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Sweeper{store: store, out: out, log: log.With(logx.String("comp", "escalation")), bus: bus}
	if err := s.Apply(cfg); err != nil {
		return nil, err
	}
	return s, nil
}

// Apply replaces the cadence and thresholds. On error nothing changes.
func (s *Sweeper) Apply(cfg Config) error {
	cfg = cfg.withDefaults()
	cad, err := ParseCadence(cfg.At)
	if err != nil {
		return err
	}
	ts, err := ParseThresholds(cfg.Thresholds)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.cadence, s.thresholds = cad, ts
	s.mu.Unlock()
	return nil
}

// NextRun is the first sweep instant strictly after after.
func (s *Sweeper) NextRun(after time.Time) time.Time {
	s.mu.Lock()
	cad := s.cadence
	s.mu.Unlock()
	return cad.Next(after)
}

// Sweep notifies every open delegation about thresholds crossed by now.
// Per-delegation failures are joined into the returned error; the other
// delegations are still processed.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) (Report, error) {
	s.mu.Lock()
	ts := append([]Threshold(nil), s.thresholds...)
	s.mu.Unlock()

	now = now.UTC()
	var rep Report
	ds, err := s.store.ListOpenDelegations(ctx)
	if err != nil {
		return rep, fmt.Errorf("list delegations: %w", err)
	}
	rep.Delegations = len(ds)

	var errs []error
	for _, d := range ds {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if err := s.sweepOne(ctx, d, ts, now, &rep); err != nil {
			s.log.Warn("escalation failed", logx.String("delegation", d.ID), logx.Err(err))
			errs = append(errs, fmt.Errorf("delegation %s: %w", d.ID, err))
		}
	}
	s.log.Info("escalation sweep done",
		logx.Int("delegations", rep.Delegations),
		logx.Int("notices", rep.Notices),
		logx.Int("sent", rep.Sent),
		logx.Int("failed", rep.Failed),
	)
	return rep, errors.Join(errs...)
}

func (s *Sweeper) sweepOne(ctx context.Context, d storage.Delegation, ts []Threshold, now time.Time, rep *Report) error {
	assignee, err := s.store.GetUser(ctx, d.AssigneeID)
	if err != nil {
		return fmt.Errorf("assignee %s: %w", d.AssigneeID, err)
	}
	delegator, err := s.store.GetUser(ctx, d.DelegatorID)
	if errors.Is(err, storage.ErrNotFound) {
		s.log.Warn("delegator not found; notifying assignee only", logx.String("delegation", d.ID), logx.String("delegator", d.DelegatorID))
		delegator = storage.User{ID: d.DelegatorID}
	} else if err != nil {
		return fmt.Errorf("delegator %s: %w", d.DelegatorID, err)
	}

	remaining := d.Deadline.Sub(now)
	if remaining <= 0 {
		created, err := s.store.MarkEscalated(ctx, d.ID, Overdue, now)
		if err != nil {
			return err
		}
		if created {
			s.notify(ctx, d, Overdue, now, rep,
				message{assignee, assigneeOverdue(d, delegator, assignee, now)},
				message{delegator, delegatorOverdue(d, delegator, assignee, now)},
			)
		}
		if err := s.store.SetDelegationStatus(ctx, d.ID, storage.DelegationOverdue, now); err != nil {
			return fmt.Errorf("set overdue: %w", err)
		}
		return nil
	}

	for _, t := range crossed(ts, d, remaining) {
		created, err := s.store.MarkEscalated(ctx, d.ID, t.Name, now)
		if err != nil {
			return err
		}
		if !created {
			continue
		}
		s.notify(ctx, d, t.Name, now, rep,
			message{assignee, assigneeNotice(d, delegator, assignee, now)},
			message{delegator, delegatorNotice(d, delegator, assignee, now)},
		)
	}
	return nil
}

type message struct {
	to   storage.User
	text string
}

// notify sends to each recipient with a chat. Send failures are logged and
// counted; the mark already exists, so they are not retried by later sweeps.
func (s *Sweeper) notify(ctx context.Context, d storage.Delegation, threshold string, now time.Time, rep *Report, msgs ...message) {
	rep.Notices++
	sent := 0
	for _, m := range msgs {
		if m.to.ChatID == 0 {
			continue
		}
		_, err := s.out.Deliver(ctx, notifier.Delivery{
			UserID: m.to.ID,
			Target: transport.ChatTarget{ChatID: m.to.ChatID, ThreadID: m.to.ThreadID},
			Text:   m.text,
			Kind:   "escalation",
			Key:    d.ID + "/" + threshold,
		})
		if err != nil {
			rep.Failed++
			continue
		}
		sent++
	}
	rep.Sent += sent
	metrics.Escalations.WithLabelValues(threshold).Inc()
	eventbus.Publish(s.bus, eventbus.EscalationSent, Event{DelegationID: d.ID, Threshold: threshold, At: now, Sent: sent})
	s.log.Info("escalation notice", logx.String("delegation", d.ID), logx.String("threshold", threshold), logx.Int("sent", sent))
}
