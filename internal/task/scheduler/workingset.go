package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"nudgebot/internal/eventbus"
	"nudgebot/internal/observability/metrics"
	"nudgebot/internal/recurrence"
	"nudgebot/internal/storage"
	logx "nudgebot/pkg/logx"
)

// RescanEvent is published after every working-set rebuild.
type RescanEvent struct {
	Entities int       `json:"entities"`
	Items    int       `json:"items"`
	At       time.Time `json:"at"`
}

type ensureReq struct {
	entityID string
	key      string
	fireAt   time.Time
}

// rescan rebuilds the heap from storage. Occurrences are resolved from the
// handled horizon, so nothing popped is pushed again and nothing due since
// the last pass is lost. On a storage error the previous working set is kept.
func (s *Service) rescan(ctx context.Context, now time.Time) {
	if s.deps.Sync != nil {
		if err := s.deps.Sync.Sync(ctx); err != nil {
			s.warnThrottled("sync", "catalog sync failed", logx.Err(err))
		}
	}
	targets, err := s.loadTargets(ctx)

	s.mu.Lock()
	cfg := s.cfg
	s.nextRescan = now.Add(cfg.RescanInterval)
	if err != nil {
		s.mu.Unlock()
		s.log.Error("rescan failed, keeping previous working set", logx.Err(err))
		return
	}

	ids := make([]string, 0, len(targets))
	for id := range targets {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	if s.handled.IsZero() {
		s.handled = now
	}
	after := s.handled
	if floor := now.Add(-cfg.CatchUp); after.Before(floor) {
		after = floor
	}

	var ensures []ensureReq
	s.h = nil
	for _, id := range ids {
		ensures = s.scheduleLocked(targets[id], after, now, ensures)
	}
	for id := range s.ensured {
		if _, ok := targets[id]; !ok {
			delete(s.ensured, id)
			delete(s.requested, id)
		}
	}
	if s.resweep && s.deps.Sweep != nil && !s.nextSweep.IsZero() {
		s.nextSweep = s.deps.Sweep.NextRun(after)
	}
	s.resweep = false
	if s.deps.Sweep != nil && !s.nextSweep.IsZero() {
		s.pushLocked(&item{at: s.nextSweep, kind: itemSweep})
	}
	s.targets = targets
	s.lastRescan = now
	items := len(s.h)
	metrics.HeapItems.Set(float64(items))
	s.mu.Unlock()

	s.ensure(ctx, ensures)
	eventbus.Publish(s.bus, eventbus.SchedulerRescan, RescanEvent{Entities: len(targets), Items: items, At: now})
	if s.log.Enabled(logx.LevelDebug) {
		s.log.Debug("working set rebuilt", logx.Int("entities", len(targets)), logx.Int("items", items))
	}
}

// loadTargets reads users and active recurring entities, plus one morning
// ping per user with MorningAt set. Entities with a bad rule or missing
// owner are skipped with a throttled warning.
func (s *Service) loadTargets(ctx context.Context) (map[string]*target, error) {
	users, err := s.deps.Catalog.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	ents, err := s.deps.Catalog.ListActiveEntities(ctx)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}

	type zone struct {
		loc   *time.Location
		quiet recurrence.QuietHours
	}
	byID := make(map[string]int, len(users))
	zones := make(map[string]zone, len(users))
	for i, u := range users {
		byID[u.ID] = i
	}
	zoneOf := func(u storage.User) zone {
		if z, ok := zones[u.ID]; ok {
			return z
		}
		z := zone{loc: time.UTC}
		if tz := strings.TrimSpace(u.Timezone); tz != "" {
			loc, err := time.LoadLocation(tz)
			if err != nil {
				s.warnThrottled("user:"+u.ID, "unknown timezone, using UTC", logx.String("user", u.ID), logx.Err(err))
			} else {
				z.loc = loc
			}
		}
		q, err := recurrence.NewQuietHours(u.QuietFrom, u.QuietTo)
		if err != nil {
			s.warnThrottled("quiet:"+u.ID, "bad quiet hours ignored", logx.String("user", u.ID), logx.Err(err))
		}
		z.quiet = q
		zones[u.ID] = z
		return z
	}

	out := make(map[string]*target, len(ents)+len(users))
	for _, e := range ents {
		if strings.TrimSpace(e.Recurrence) == "" {
			continue
		}
		rule, err := recurrence.Parse(e.Recurrence)
		if err != nil {
			s.warnThrottled("entity:"+e.ID, "entity skipped", logx.String("entity", e.ID), logx.Err(err))
			continue
		}
		idx, ok := byID[e.UserID]
		if !ok {
			s.warnThrottled("entity:"+e.ID, "entity skipped", logx.String("entity", e.ID), logx.String("err", "unknown user "+e.UserID))
			continue
		}
		u := users[idx]
		z := zoneOf(u)
		out[e.ID] = &target{entity: e, user: u, rule: rule, loc: z.loc, quiet: z.quiet}
	}

	for _, u := range users {
		at := strings.TrimSpace(u.MorningAt)
		if at == "" {
			continue
		}
		spec := "daily " + at
		rule, err := recurrence.Parse(spec)
		if err != nil {
			s.warnThrottled("ping:"+u.ID, "morning ping skipped", logx.String("user", u.ID), logx.Err(err))
			continue
		}
		id := PingID(u.ID)
		z := zoneOf(u)
		out[id] = &target{
			entity: storage.Entity{
				ID:         id,
				UserID:     u.ID,
				Kind:       storage.KindPing,
				Title:      "Morning ping",
				Recurrence: spec,
				State:      storage.EntityActive,
			},
			user:  u,
			rule:  rule,
			loc:   z.loc,
			quiet: z.quiet,
		}
	}
	return out, nil
}

// PingID is the ledger entity id of a user's morning ping.
func PingID(userID string) string { return "ping:" + userID }

// scheduleLocked pushes the first occurrence of tgt strictly after after,
// plus its pre-generation trigger when the entity carries content.
func (s *Service) scheduleLocked(tgt *target, after, now time.Time, ensures []ensureReq) []ensureReq {
	occ, err := recurrence.Next(tgt.rule, tgt.loc, tgt.quiet, after)
	if err != nil {
		s.warnThrottled("entity:"+tgt.entity.ID, "next occurrence failed", logx.String("entity", tgt.entity.ID), logx.Err(err))
		return ensures
	}
	s.pushLocked(&item{at: occ.At, kind: itemFire, tgt: tgt, occ: occ})

	if s.deps.Pregen != nil && tgt.entity.IncludeContent && s.requested[tgt.entity.ID] != occ.Key {
		lead := s.deps.Pregen.LeadInstant(occ.At)
		if lead.Before(now) {
			lead = now
		}
		if lead.Before(occ.At) {
			s.pushLocked(&item{at: lead, kind: itemPregen, tgt: tgt, occ: occ})
		}
	}

	// A moved fire instant (timezone or quiet hours edit) is re-ensured too.
	req := ensureReq{entityID: tgt.entity.ID, key: occ.Key, fireAt: occ.At}
	if prev, ok := s.ensured[tgt.entity.ID]; !ok || prev.key != req.key || !prev.fireAt.Equal(req.fireAt) {
		s.ensured[tgt.entity.ID] = req
		ensures = append(ensures, req)
	}
	return ensures
}

func (s *Service) pushLocked(it *item) {
	s.seq++
	it.seq = s.seq
	s.h.push(it)
}

func (s *Service) ensure(ctx context.Context, reqs []ensureReq) {
	for _, r := range reqs {
		if err := s.deps.Ledger.Ensure(ctx, r.entityID, r.key, r.fireAt); err != nil {
			s.mu.Lock()
			// Retry on the next rescan.
			if s.ensured[r.entityID].key == r.key {
				delete(s.ensured, r.entityID)
			}
			s.mu.Unlock()
			s.warnThrottled("ensure:"+r.entityID, "ledger ensure failed", logx.String("entity", r.entityID), logx.String("key", r.key), logx.Err(err))
		}
	}
}
