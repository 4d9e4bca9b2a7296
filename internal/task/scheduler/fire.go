package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"nudgebot/internal/dispatch"
	"nudgebot/internal/notifier"
	"nudgebot/internal/observability/metrics"
	"nudgebot/internal/pregen"
	"nudgebot/internal/task/engine"
	logx "nudgebot/pkg/logx"
)

// runDue pops everything due at now and moves the handled horizon there.
// Each popped fire advances its entity to the following occurrence before
// the batch runs.
func (s *Service) runDue(ctx context.Context, now time.Time) {
	var (
		fires   []dispatch.Due
		jobs    []pregen.Job
		sweep   bool
		ensures []ensureReq
	)

	s.mu.Lock()
	cfg := s.cfg
	floor := now.Add(-cfg.CatchUp)
	for top := s.h.peek(); top != nil && !top.at.After(now); top = s.h.peek() {
		it := s.h.pop()
		switch it.kind {
		case itemFire:
			id := it.tgt.entity.ID
			if it.at.Before(floor) {
				s.log.Warn("occurrence missed",
					logx.String("entity", id),
					logx.String("key", it.occ.Key),
					logx.Time("fire_at", it.at),
					logx.Duration("late", now.Sub(it.at)),
				)
			} else {
				fires = append(fires, dueOf(it))
			}
			after := it.at
			if after.Before(floor) {
				after = floor
			}
			ensures = s.scheduleLocked(it.tgt, after, now, ensures)
		case itemPregen:
			e := it.tgt.entity
			s.requested[e.ID] = it.occ.Key
			jobs = append(jobs, pregen.Job{EntityID: e.ID, Key: it.occ.Key, Title: e.Title, Prompt: e.ContentPrompt, FireAt: it.occ.At})
		case itemSweep:
			sweep = true
			s.nextSweep = s.deps.Sweep.NextRun(now)
			s.pushLocked(&item{at: s.nextSweep, kind: itemSweep})
		}
	}
	if now.After(s.handled) {
		s.handled = now
	}
	metrics.HeapItems.Set(float64(len(s.h)))
	s.mu.Unlock()

	s.ensure(ctx, ensures)
	for _, j := range jobs {
		if err := s.deps.Pregen.Request(ctx, j); err != nil {
			s.reportEnqueueError("pregen", err)
		}
	}
	if sweep {
		s.submitSweep(ctx, now)
	}
	if len(fires) > 0 {
		s.fireBatch(ctx, fires)
	}
}

func dueOf(it *item) dispatch.Due {
	return dispatch.Due{
		Entity: it.tgt.entity,
		User:   it.tgt.user,
		Key:    it.occ.Key,
		FireAt: it.occ.At,
		Local:  it.occ.Local,
	}
}

// fireBatch dispatches every due occurrence through the engine and waits
// for all of them. It returns how many fires ended with an error.
func (s *Service) fireBatch(ctx context.Context, batch []dispatch.Due) int {
	cfg := s.config()
	var (
		wg     sync.WaitGroup
		failed atomic.Int32
	)
	for _, due := range batch {
		due := due
		if ctx.Err() != nil {
			// Not claimed; the occurrence stays pending.
			break
		}
		log := s.log.With(logx.String("entity", due.Entity.ID), logx.String("key", due.Key))
		run := func(c context.Context) error { return s.deps.Fire.Fire(c, due) }
		done := func(err error) {
			defer wg.Done()
			s.fired.Add(1)
			if err == nil {
				return
			}
			failed.Add(1)
			// Delivery failures are already logged by the dispatcher.
			if !errors.Is(err, notifier.ErrDeliveryFailure) {
				log.Error("fire failed", logx.Err(err))
			}
		}

		wg.Add(1)
		if s.deps.Engine == nil {
			go s.fireInline(ctx, cfg.FireTimeout, run, done)
			continue
		}
		err := s.deps.Engine.Submit(ctx, engine.Task{
			Name:    "fire",
			Key:     "fire:" + due.Entity.ID + "/" + due.Key,
			Group:   "fire",
			Timeout: cfg.FireTimeout,
			Opt:     engine.TaskOptions{RetryMax: -1},
			Run:     run,
			Done:    done,
		})
		switch {
		case err == nil:
		case errors.Is(err, engine.ErrOverlapSkip):
			s.reportEnqueueError("fire", err)
			wg.Done()
		case ctx.Err() != nil:
			wg.Done()
		default:
			// Engine unavailable; the occurrence must not be lost.
			s.reportEnqueueError("fire", err)
			go s.fireInline(ctx, cfg.FireTimeout, run, done)
		}
	}
	wg.Wait()
	if s.log.Enabled(logx.LevelDebug) {
		s.log.Debug("batch fired", logx.Int("size", len(batch)), logx.Int("failed", int(failed.Load())))
	}
	return int(failed.Load())
}

func (s *Service) fireInline(ctx context.Context, timeout time.Duration, run func(context.Context) error, done func(error)) {
	c, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	done(run(c))
}

func (s *Service) submitSweep(ctx context.Context, now time.Time) {
	run := func(c context.Context) error {
		rep, err := s.deps.Sweep.Sweep(c, now)
		fields := []logx.Field{
			logx.Int("delegations", rep.Delegations),
			logx.Int("notices", rep.Notices),
			logx.Int("sent", rep.Sent),
			logx.Int("failed", rep.Failed),
		}
		if err != nil {
			s.log.Error("escalation sweep incomplete", append(fields, logx.Err(err))...)
			return err
		}
		s.log.Info("escalation sweep done", fields...)
		return nil
	}
	if s.deps.Engine == nil {
		_ = run(ctx)
		return
	}
	err := s.deps.Engine.Enqueue(engine.Task{
		Name: "sweep",
		Key:  "escalation.sweep",
		Opt:  engine.TaskOptions{RetryMax: -1},
		Run:  run,
	})
	s.reportEnqueueError("sweep", err)
}
