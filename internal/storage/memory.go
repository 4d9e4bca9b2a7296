package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

type occKey struct {
	entity string
	key    string
}

// memoryStore keeps everything in maps. The file driver layers a journal on top.
type memoryStore struct {
	mu sync.Mutex

	users       map[string]User
	entities    map[string]Entity
	delegations map[string]Delegation
	occurrences map[occKey]Occurrence
	escalations map[string]map[string]EscalationMark
	content     map[string][]CachedContent // oldest first
	contentSeq  int64
}

func NewMemory() Store { return newMemory() }

func newMemory() *memoryStore {
	return &memoryStore{
		users:       map[string]User{},
		entities:    map[string]Entity{},
		delegations: map[string]Delegation{},
		occurrences: map[occKey]Occurrence{},
		escalations: map[string]map[string]EscalationMark{},
		content:     map[string][]CachedContent{},
	}
}

func (s *memoryStore) Close() error { return nil }

func (s *memoryStore) UpsertUser(_ context.Context, u User) error {
	if strings.TrimSpace(u.ID) == "" {
		return errEmptyID("user")
	}
	s.mu.Lock()
	s.putUser(u)
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) putUser(u User) { s.users[u.ID] = u }

func (s *memoryStore) GetUser(_ context.Context, id string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (s *memoryStore) ListUsers(_ context.Context) ([]User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memoryStore) UpsertEntity(_ context.Context, e Entity) error {
	if strings.TrimSpace(e.ID) == "" {
		return errEmptyID("entity")
	}
	if e.State == "" {
		e.State = EntityActive
	}
	s.mu.Lock()
	s.putEntity(e)
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) putEntity(e Entity) { s.entities[e.ID] = e }

func (s *memoryStore) GetEntity(_ context.Context, id string) (Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[id]
	if !ok {
		return Entity{}, ErrNotFound
	}
	return e, nil
}

func (s *memoryStore) ListActiveEntities(_ context.Context) ([]Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entity, 0, len(s.entities))
	for _, e := range s.entities {
		if e.State == EntityActive {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memoryStore) UpsertDelegation(_ context.Context, d Delegation) error {
	if strings.TrimSpace(d.ID) == "" {
		return errEmptyID("delegation")
	}
	if d.Status == "" {
		d.Status = DelegationActive
	}
	s.mu.Lock()
	s.putDelegation(d)
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) putDelegation(d Delegation) { s.delegations[d.ID] = d }

func (s *memoryStore) ListOpenDelegations(_ context.Context) ([]Delegation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Delegation, 0, len(s.delegations))
	for _, d := range s.delegations {
		if d.Status == DelegationActive {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memoryStore) SetDelegationStatus(_ context.Context, id string, status DelegationStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.setDelegationStatusLocked(id, status, at)
	return err
}

func (s *memoryStore) setDelegationStatusLocked(id string, status DelegationStatus, at time.Time) (Delegation, error) {
	d, ok := s.delegations[id]
	if !ok {
		return Delegation{}, ErrNotFound
	}
	d.Status = status
	d.UpdatedAt = at.UTC()
	s.delegations[id] = d
	return d, nil
}

func (s *memoryStore) EnsureOccurrence(_ context.Context, entityID, key string, fireAt, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = s.ensureLocked(entityID, key, fireAt, now)
	return nil
}

// ensureLocked creates a pending record or refreshes fire_at on an unfired one.
func (s *memoryStore) ensureLocked(entityID, key string, fireAt, now time.Time) (Occurrence, bool) {
	k := occKey{entityID, key}
	o, ok := s.occurrences[k]
	switch {
	case !ok:
		o = Occurrence{EntityID: entityID, Key: key, State: OccPending, FireAt: fireAt.UTC(), UpdatedAt: now.UTC()}
	case o.State != OccFired && !o.FireAt.Equal(fireAt):
		o.FireAt = fireAt.UTC()
		o.UpdatedAt = now.UTC()
	default:
		return o, false
	}
	s.occurrences[k] = o
	return o, true
}

func (s *memoryStore) ClaimOccurrence(_ context.Context, entityID, key string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.claimLocked(entityID, key, now)
	return ok, nil
}

func (s *memoryStore) claimLocked(entityID, key string, now time.Time) (Occurrence, bool) {
	k := occKey{entityID, key}
	o, ok := s.occurrences[k]
	if ok && o.State == OccFired {
		return o, false
	}
	if !ok {
		o = Occurrence{EntityID: entityID, Key: key, FireAt: now.UTC()}
	}
	fired := now.UTC()
	o.State = OccFired
	o.FiredAt = &fired
	o.UpdatedAt = fired
	s.occurrences[k] = o
	return o, true
}

func (s *memoryStore) MarkContentReady(_ context.Context, entityID, key, content string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.markContentLocked(entityID, key, content, now)
	return ok, nil
}

func (s *memoryStore) markContentLocked(entityID, key, content string, now time.Time) (Occurrence, bool) {
	k := occKey{entityID, key}
	o, ok := s.occurrences[k]
	if ok && o.State == OccFired {
		return o, false
	}
	if !ok {
		o = Occurrence{EntityID: entityID, Key: key}
	}
	o.State = OccContentReady
	o.Content = content
	o.FailReason = ""
	o.UpdatedAt = now.UTC()
	s.occurrences[k] = o
	return o, true
}

func (s *memoryStore) MarkFailed(_ context.Context, entityID, key, reason string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.markFailedLocked(entityID, key, reason, now)
	return ok, nil
}

// markFailedLocked never demotes a fired or content_ready record.
func (s *memoryStore) markFailedLocked(entityID, key, reason string, now time.Time) (Occurrence, bool) {
	k := occKey{entityID, key}
	o, ok := s.occurrences[k]
	if ok && (o.State == OccFired || o.State == OccContentReady) {
		return o, false
	}
	if !ok {
		o = Occurrence{EntityID: entityID, Key: key}
	}
	o.State = OccFailed
	o.FailReason = reason
	o.UpdatedAt = now.UTC()
	s.occurrences[k] = o
	return o, true
}

func (s *memoryStore) RecordDelivery(_ context.Context, entityID, key string, out DeliveryOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.recordDeliveryLocked(entityID, key, out)
	return err
}

func (s *memoryStore) recordDeliveryLocked(entityID, key string, out DeliveryOutcome) (Occurrence, error) {
	k := occKey{entityID, key}
	o, ok := s.occurrences[k]
	if !ok {
		return Occurrence{}, ErrNotFound
	}
	o.Delivery = out.Status
	o.Attempts = out.Attempts
	o.LastError = out.Err
	o.UpdatedAt = out.At.UTC()
	s.occurrences[k] = o
	return o, nil
}

func (s *memoryStore) putOccurrence(o Occurrence) {
	s.occurrences[occKey{o.EntityID, o.Key}] = o
}

func (s *memoryStore) GetOccurrence(_ context.Context, entityID, key string) (Occurrence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.occurrences[occKey{entityID, key}]
	if !ok {
		return Occurrence{}, ErrNotFound
	}
	return o, nil
}

func (s *memoryStore) MarkEscalated(_ context.Context, delegationID, threshold string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.markEscalatedLocked(delegationID, threshold, at)
	return ok, nil
}

func (s *memoryStore) markEscalatedLocked(delegationID, threshold string, at time.Time) (EscalationMark, bool) {
	marks := s.escalations[delegationID]
	if m, ok := marks[threshold]; ok {
		return m, false
	}
	m := EscalationMark{DelegationID: delegationID, Threshold: threshold, NotifiedAt: at.UTC()}
	s.putEscalation(m)
	return m, true
}

func (s *memoryStore) putEscalation(m EscalationMark) {
	marks := s.escalations[m.DelegationID]
	if marks == nil {
		marks = map[string]EscalationMark{}
		s.escalations[m.DelegationID] = marks
	}
	marks[m.Threshold] = m
}

func (s *memoryStore) ListEscalated(_ context.Context, delegationID string) ([]EscalationMark, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	marks := s.escalations[delegationID]
	out := make([]EscalationMark, 0, len(marks))
	for _, m := range marks {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].NotifiedAt.Equal(out[j].NotifiedAt) {
			return out[i].NotifiedAt.Before(out[j].NotifiedAt)
		}
		return out[i].Threshold < out[j].Threshold
	})
	return out, nil
}

func (s *memoryStore) SaveContent(_ context.Context, entityID, content string, at time.Time) error {
	s.mu.Lock()
	s.saveContentLocked(entityID, content, at)
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) saveContentLocked(entityID, content string, at time.Time) CachedContent {
	s.contentSeq++
	c := CachedContent{ID: s.contentSeq, EntityID: entityID, Content: content, GeneratedAt: at.UTC()}
	s.putContent(c)
	return c
}

// putContent inserts or replaces c by ID, keeping the per-entity slice in ID order.
func (s *memoryStore) putContent(c CachedContent) {
	if c.ID > s.contentSeq {
		s.contentSeq = c.ID
	}
	list := s.content[c.EntityID]
	for i := range list {
		if list[i].ID == c.ID {
			list[i] = c
			return
		}
	}
	list = append(list, c)
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	s.content[c.EntityID] = list
}

func (s *memoryStore) FreshContent(_ context.Context, entityID string, since time.Time, maxUses int) (CachedContent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.content[entityID]
	for i := len(list) - 1; i >= 0; i-- {
		c := list[i]
		if c.UsedCount < maxUses && !c.GeneratedAt.Before(since) {
			return c, nil
		}
	}
	return CachedContent{}, ErrNotFound
}

func (s *memoryStore) MarkContentUsed(_ context.Context, entityID, content string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.markContentUsedLocked(entityID, content, at)
	return ok, nil
}

func (s *memoryStore) markContentUsedLocked(entityID, content string, at time.Time) (CachedContent, bool) {
	list := s.content[entityID]
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].Content != content {
			continue
		}
		used := at.UTC()
		list[i].UsedCount++
		list[i].LastUsed = &used
		return list[i], true
	}
	return CachedContent{}, false
}

func errEmptyID(kind string) error { return fmt.Errorf("%s: empty id", kind) }
