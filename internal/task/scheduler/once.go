package scheduler

import (
	"context"
	"sort"

	"nudgebot/internal/dispatch"
	"nudgebot/internal/recurrence"
	logx "nudgebot/pkg/logx"
)

// OnceReport summarises a RunOnce pass.
type OnceReport struct {
	Entities int
	Fired    int
	Failed   int
	Swept    bool
}

// RunOnce fires every occurrence due within the last CatchUp window and
// runs the escalation sweep if a sweep instant fell inside it. It is meant
// for cron-driven deployments; the ledger keeps overlapping windows from
// firing twice. Content is not pre-generated in this mode.
func (s *Service) RunOnce(ctx context.Context) (OnceReport, error) {
	if !s.running.CompareAndSwap(false, true) {
		return OnceReport{}, ErrRunning
	}
	defer s.running.Store(false)
	defer s.setState(StateIdle)

	s.setState(StateComputingNext)
	now := s.clock.Now()
	cfg := s.config()
	from := now.Add(-cfg.CatchUp)

	if s.deps.Sync != nil {
		if err := s.deps.Sync.Sync(ctx); err != nil {
			s.log.Warn("catalog sync failed", logx.Err(err))
		}
	}
	targets, err := s.loadTargets(ctx)
	if err != nil {
		return OnceReport{}, err
	}
	ids := make([]string, 0, len(targets))
	for id := range targets {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var fires []dispatch.Due
	for _, id := range ids {
		tgt := targets[id]
		after := from
		for {
			occ, err := recurrence.Next(tgt.rule, tgt.loc, tgt.quiet, after)
			if err != nil || occ.At.After(now) {
				break
			}
			fires = append(fires, dueOf(&item{tgt: tgt, occ: occ}))
			after = occ.At
		}
	}
	sort.SliceStable(fires, func(i, j int) bool { return fires[i].FireAt.Before(fires[j].FireAt) })

	rep := OnceReport{Entities: len(targets)}
	s.setState(StateFiring)
	if s.deps.Sweep != nil && !s.deps.Sweep.NextRun(from).After(now) {
		rep.Swept = true
		if _, err := s.deps.Sweep.Sweep(ctx, now); err != nil {
			s.log.Error("escalation sweep incomplete", logx.Err(err))
		}
	}
	if len(fires) > 0 {
		rep.Failed = s.fireBatch(ctx, fires)
		rep.Fired = len(fires)
	}
	s.log.Info("single pass done",
		logx.Int("entities", rep.Entities),
		logx.Int("fired", rep.Fired),
		logx.Int("failed", rep.Failed),
		logx.Bool("swept", rep.Swept),
	)
	return rep, nil
}
