package scheduler

import (
	"sort"

	"nudgebot/internal/task/engine"
)

const snapshotUpcoming = 20

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		State:      s.State().String(),
		Items:      len(s.h),
		Entities:   len(s.targets),
		NextWake:   s.nextWake,
		NextSweep:  s.nextSweep,
		LastRescan: s.lastRescan,
		Fired:      s.fired.Load(),
	}
	items := make([]*item, len(s.h))
	copy(items, s.h)
	eng := s.deps.Engine
	s.mu.Unlock()

	sort.Slice(items, func(i, j int) bool { return itemHeap(items).Less(i, j) })
	if len(items) > snapshotUpcoming {
		items = items[:snapshotUpcoming]
	}
	for _, it := range items {
		u := Upcoming{Kind: it.kind.String(), At: it.at}
		if it.tgt != nil {
			u.EntityID = it.tgt.entity.ID
			u.Key = it.occ.Key
		}
		snap.Upcoming = append(snap.Upcoming, u)
	}

	if es, ok := eng.(interface{ Snapshot() engine.Snapshot }); ok {
		v := es.Snapshot()
		snap.Engine = &v
	}
	return snap
}
