package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"nudgebot/internal/eventbus"
	"nudgebot/internal/observability/metrics"
	logx "nudgebot/pkg/logx"
)

var ErrRunning = errors.New("scheduler already running")

// Service is the scheduler loop. Run drives it; the other methods are safe
// to call from any goroutine.
type Service struct {
	mu    sync.Mutex
	cfg   Config
	deps  Deps
	log   logx.Logger
	bus   eventbus.Bus
	clock Clock

	running atomic.Bool
	state   atomic.Int32
	kick    chan struct{}
	fired   atomic.Uint64

	// Working set. Owned by the loop; mu guards it for Snapshot.
	h          itemHeap
	targets    map[string]*target
	ensured    map[string]ensureReq // entity -> pending ledger record
	requested  map[string]string    // entity -> key already sent to pre-generation
	handled    time.Time            // every item at or before this instant was popped
	seq        uint64
	nextSweep  time.Time
	resweep    bool
	nextRescan time.Time
	lastRescan time.Time
	nextWake   time.Time

	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
}

type Option func(*Service)

func WithClock(c Clock) Option { return func(s *Service) { s.clock = c } }

func New(cfg Config, deps Deps, log logx.Logger, bus eventbus.Bus, opts ...Option) (*Service, error) {
	if deps.Catalog == nil || deps.Ledger == nil || deps.Fire == nil {
		return nil, errors.New("scheduler: catalog, ledger and dispatcher are required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:         cfg.withDefaults(),
		deps:        deps,
		log:         log.With(logx.String("comp", "scheduler")),
		bus:         bus,
		clock:       realClock{},
		kick:        make(chan struct{}, 1),
		targets:     map[string]*target{},
		ensured:     map[string]ensureReq{},
		requested:   map[string]string{},
		lastEnqWarn: map[string]time.Time{},
	}
	for _, o := range opts {
		o(s)
	}
	s.publishState(StateIdle)
	return s, nil
}

// Apply swaps timing settings and forces a rescan. The next sweep instant is
// recomputed too, since the sweeper's cadence may have changed with it.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.resweep = true
	s.mu.Unlock()
	s.Rescan()
}

// Rescan asks the loop to rebuild its working set without waiting for the
// rescan interval.
func (s *Service) Rescan() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Service) State() State { return State(s.state.Load()) }

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *Service) setState(st State) {
	if State(s.state.Swap(int32(st))) == st {
		return
	}
	s.publishState(st)
}

func (s *Service) publishState(st State) {
	s.state.Store(int32(st))
	metrics.SetSchedulerState(st.String(), stateNames)
	eventbus.Publish(s.bus, eventbus.SchedulerState, st.String())
}

// Run drives the loop until ctx is cancelled.
//
// Each pass rebuilds the working set when a rescan is due, sleeps until the
// earliest item or the next rescan (never longer than MaxSleep), then pops
// and runs everything that became due.
func (s *Service) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer s.running.Store(false)
	defer s.setState(StateIdle)

	start := s.clock.Now()
	s.mu.Lock()
	// No backlog replay: only occurrences after startup are scheduled.
	s.handled = start
	if s.deps.Sweep != nil && s.nextSweep.IsZero() {
		if s.cfg.SweepOnStart {
			s.nextSweep = start
		} else {
			s.nextSweep = s.deps.Sweep.NextRun(start)
		}
	}
	s.resweep = false
	cfg := s.cfg
	nextSweep := s.nextSweep
	s.mu.Unlock()

	fields := []logx.Field{
		logx.Duration("rescan", cfg.RescanInterval),
		logx.Duration("max_sleep", cfg.MaxSleep),
	}
	if !nextSweep.IsZero() {
		fields = append(fields, logx.Time("next_sweep", nextSweep))
	}
	s.log.Info("scheduler started", fields...)

	rescan := true
	for {
		if ctx.Err() != nil {
			s.log.Info("scheduler stopped", logx.Uint64("fired", s.fired.Load()))
			return nil
		}
		now := s.clock.Now()
		if rescan || !now.Before(s.rescanDue()) {
			s.setState(StateComputingNext)
			s.rescan(ctx, now)
			rescan = false
		}

		wake := s.wakeAt(now)
		if d := wake.Sub(now); d > 0 {
			s.setState(StateWaiting)
			select {
			case <-ctx.Done():
				continue
			case <-s.kick:
				rescan = true
				continue
			case <-s.clock.After(d):
			}
		}

		s.setState(StateFiring)
		s.runDue(ctx, s.clock.Now())
	}
}

func (s *Service) rescanDue() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextRescan
}

// wakeAt is the earliest of the next item and the next rescan, capped at
// now+MaxSleep.
func (s *Service) wakeAt(now time.Time) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	wake := s.nextRescan
	if top := s.h.peek(); top != nil && top.at.Before(wake) {
		wake = top.at
	}
	if limit := now.Add(s.cfg.MaxSleep); wake.After(limit) {
		wake = limit
	}
	s.nextWake = wake
	return wake
}
