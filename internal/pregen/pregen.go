// Package pregen generates reminder content shortly before an occurrence
// fires. Generation runs on the task engine; callers never wait for it.
package pregen

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"nudgebot/internal/generator"
	"nudgebot/internal/ledger"
	"nudgebot/internal/observability/metrics"
	"nudgebot/internal/storage"
	"nudgebot/internal/task/engine"
	logx "nudgebot/pkg/logx"
)

var (
	ErrGenerationTimeout = errors.New("generation timeout")
	ErrGenerationError   = errors.New("generation error")
	ErrStopped           = errors.New("pregen stopped")
)

const (
	ReasonTimeout     = "generation_timeout"
	reasonErrorPrefix = "generation_error: "

	taskName  = "pregen"
	taskGroup = "generator"
)

type Config struct {
	Lead    time.Duration // default 5m
	Timeout time.Duration // default 60s, never beyond the fire instant
	// Concurrency bounds simultaneous generator calls; 0 means 2.
	Concurrency int
	// Cached content younger than CacheMaxAge and delivered fewer than
	// CacheMaxUses times is reused instead of calling the generator.
	// Defaults are 7 days and 5; a negative CacheMaxUses disables reuse.
	CacheMaxAge  time.Duration
	CacheMaxUses int
}

func (c Config) withDefaults() Config {
	if c.Lead <= 0 {
		c.Lead = 5 * time.Minute
	}
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 2
	}
	if c.CacheMaxAge <= 0 {
		c.CacheMaxAge = 7 * 24 * time.Hour
	}
	if c.CacheMaxUses == 0 {
		c.CacheMaxUses = 5
	}
	return c
}

// Job identifies one occurrence that wants generated content.
type Job struct {
	EntityID string
	Key      string
	Title    string
	Prompt   string
	FireAt   time.Time
}

// Submitter is the slice of the task engine the trigger needs.
type Submitter interface {
	Enqueue(t engine.Task) error
}

type Trigger struct {
	mu  sync.Mutex
	cfg Config

	eng    Submitter
	gen    generator.Generator
	ledger *ledger.Ledger
	cache  storage.ContentStore
	log    logx.Logger
	now    func() time.Time

	base    context.Context
	cancel  context.CancelFunc
	stopped bool
}

type Option func(*Trigger)

func WithClock(now func() time.Time) Option { return func(t *Trigger) { t.now = now } }

// WithContentCache reuses and records generated content in cs.
func WithContentCache(cs storage.ContentStore) Option { return func(t *Trigger) { t.cache = cs } }

func New(cfg Config, eng Submitter, gen generator.Generator, l *ledger.Ledger, log logx.Logger, opts ...Option) *Trigger {
	if log.IsZero() {
		log = logx.Nop()
	}
	base, cancel := context.WithCancel(context.Background())
	t := &Trigger{
		cfg:    cfg.withDefaults(),
		eng:    eng,
		gen:    gen,
		ledger: l,
		log:    log.With(logx.String("comp", "pregen")),
		now:    time.Now,
		base:   base,
		cancel: cancel,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

func (t *Trigger) Apply(cfg Config) {
	t.mu.Lock()
	t.cfg = cfg.withDefaults()
	t.mu.Unlock()
}

// LeadInstant is when generation for an occurrence firing at fireAt should start.
func (t *Trigger) LeadInstant(fireAt time.Time) time.Time {
	t.mu.Lock()
	lead := t.cfg.Lead
	t.mu.Unlock()
	return fireAt.Add(-lead)
}

// Request starts generation for j in the background. It returns nil when the
// work was queued or was not needed: content already ready, occurrence
// already fired, or a request for the same occurrence still in flight.
func (t *Trigger) Request(ctx context.Context, j Job) error {
	t.mu.Lock()
	cfg := t.cfg
	stopped := t.stopped
	base := t.base
	t.mu.Unlock()
	if stopped {
		return ErrStopped
	}

	now := t.now()
	budget := cfg.Timeout
	if untilFire := j.FireAt.Sub(now); untilFire < budget {
		budget = untilFire
	}
	if budget <= 0 {
		t.log.Debug("fire instant reached; skipping generation", logx.String("entity", j.EntityID), logx.String("key", j.Key))
		return nil
	}

	if err := t.ledger.Ensure(ctx, j.EntityID, j.Key, j.FireAt); err != nil {
		return err
	}
	occ, ok, err := t.ledger.Status(ctx, j.EntityID, j.Key)
	if err != nil {
		return err
	}
	if ok && (occ.State == storage.OccContentReady || occ.State == storage.OccFired) {
		return nil
	}

	err = t.eng.Enqueue(engine.Task{
		Name:    taskName,
		Key:     InFlightKey(j.EntityID, j.Key),
		Group:   taskGroup,
		Timeout: budget,
		Opt:     engine.TaskOptions{RetryMax: -1, GroupLimit: cfg.Concurrency},
		Run: func(runCtx context.Context) error {
			return t.run(base, runCtx, j, cfg)
		},
	})
	if errors.Is(err, engine.ErrOverlapSkip) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("queue generation %s/%s: %w", j.EntityID, j.Key, err)
	}
	return nil
}

// InFlightKey is the task engine key for an occurrence's generation.
func InFlightKey(entityID, key string) string { return "pregen:" + entityID + "/" + key }

func (t *Trigger) run(base, runCtx context.Context, j Job, cfg Config) error {
	ctx, cancel := context.WithCancel(runCtx)
	defer cancel()
	stop := context.AfterFunc(base, cancel)
	defer stop()

	start := time.Now()
	if content, ok := t.reuse(ctx, j, cfg); ok {
		metrics.Generation.WithLabelValues("cached").Observe(time.Since(start).Seconds())
		wctx, wcancel := writeCtx(runCtx)
		defer wcancel()
		return t.ledger.MarkContentReady(wctx, j.EntityID, j.Key, content)
	}
	content, err := t.gen.Generate(ctx, generator.Request{
		EntityID: j.EntityID,
		Key:      j.Key,
		Title:    j.Title,
		Prompt:   j.Prompt,
		FireAt:   j.FireAt,
	})
	if err == nil && strings.TrimSpace(content) == "" {
		err = generator.ErrEmptyContent
	}

	wctx, wcancel := writeCtx(runCtx)
	defer wcancel()

	switch {
	case err == nil:
		metrics.Generation.WithLabelValues("ok").Observe(time.Since(start).Seconds())
		if t.cache != nil && cfg.CacheMaxUses > 0 {
			if serr := t.cache.SaveContent(wctx, j.EntityID, content, t.now()); serr != nil {
				t.log.Warn("content cache save failed", logx.String("entity", j.EntityID), logx.Err(serr))
			}
		}
		return t.ledger.MarkContentReady(wctx, j.EntityID, j.Key, content)

	case base.Err() != nil:
		// Stopped: leave the record pending, the dispatcher falls back.
		metrics.Generation.WithLabelValues("cancelled").Observe(time.Since(start).Seconds())
		return ErrStopped

	case errors.Is(err, context.DeadlineExceeded) || errors.Is(runCtx.Err(), context.DeadlineExceeded):
		metrics.Generation.WithLabelValues("timeout").Observe(time.Since(start).Seconds())
		t.log.Warn("generation timed out", logx.String("entity", j.EntityID), logx.String("key", j.Key))
		if merr := t.ledger.MarkFailed(wctx, j.EntityID, j.Key, ReasonTimeout); merr != nil {
			return merr
		}
		return fmt.Errorf("%w: %s/%s", ErrGenerationTimeout, j.EntityID, j.Key)

	default:
		metrics.Generation.WithLabelValues("error").Observe(time.Since(start).Seconds())
		t.log.Warn("generation failed", logx.String("entity", j.EntityID), logx.String("key", j.Key), logx.Err(err))
		if merr := t.ledger.MarkFailed(wctx, j.EntityID, j.Key, reasonErrorPrefix+err.Error()); merr != nil {
			return merr
		}
		return fmt.Errorf("%w: %w", ErrGenerationError, err)
	}
}

// writeCtx outlives cancellation of the generation so outcomes still land.
func writeCtx(runCtx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(runCtx), 5*time.Second)
}

// reuse returns cached content for the entity when a fresh, not worn out
// entry exists. Cache errors fall through to generation.
func (t *Trigger) reuse(ctx context.Context, j Job, cfg Config) (string, bool) {
	if t.cache == nil || cfg.CacheMaxUses <= 0 {
		return "", false
	}
	c, err := t.cache.FreshContent(ctx, j.EntityID, t.now().Add(-cfg.CacheMaxAge), cfg.CacheMaxUses)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			t.log.Warn("content cache read failed", logx.String("entity", j.EntityID), logx.Err(err))
		}
		return "", false
	}
	if strings.TrimSpace(c.Content) == "" {
		return "", false
	}
	t.log.Debug("reusing cached content",
		logx.String("entity", j.EntityID), logx.String("key", j.Key), logx.Int("used", c.UsedCount))
	return c.Content, true
}

// Stop cancels outstanding generations. Further requests return ErrStopped.
func (t *Trigger) Stop() {
	t.mu.Lock()
	t.stopped = true
	cancel := t.cancel
	t.mu.Unlock()
	cancel()
}
