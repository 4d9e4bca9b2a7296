package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "nudgebot/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.snapshot.json (periodic snapshot of every record)
//   - <prefix>.journal.jsonl (append-only journal of changed records)
//
// State lives in an embedded memoryStore; every change appends the full
// resulting record to the journal under the same lock. Claims and escalation
// marks are fsynced before returning. The journal is compacted into the
// snapshot every compactEvery writes and on Close.
type fileStore struct {
	*memoryStore

	log logx.Logger

	fmu          sync.Mutex
	snapshotPath string
	journal      *os.File
	writes       int
	compactEvery int
}

type journalRecord struct {
	Op         string          `json:"op"`
	User       *User           `json:"user,omitempty"`
	Entity     *Entity         `json:"entity,omitempty"`
	Delegation *Delegation     `json:"delegation,omitempty"`
	Occurrence *Occurrence     `json:"occurrence,omitempty"`
	Escalation *EscalationMark `json:"escalation,omitempty"`
	Content    *CachedContent  `json:"content,omitempty"`
}

type snapshot struct {
	Users       []User           `json:"users"`
	Entities    []Entity         `json:"entities"`
	Delegations []Delegation     `json:"delegations"`
	Occurrences []Occurrence     `json:"occurrences"`
	Escalations []EscalationMark `json:"escalations"`
	Content     []CachedContent  `json:"content,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	prefix := filepath.Join(dir, strings.TrimSuffix(base, filepath.Ext(base)))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	mem := newMemory()
	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"
	if err := loadSnapshot(snapPath, mem); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	n, err := replayJournal(journalPath, mem, log)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	s := &fileStore{
		memoryStore:  mem,
		log:          log,
		snapshotPath: snapPath,
		journal:      jf,
		compactEvery: 1000,
	}
	if n > 0 {
		s.fmu.Lock()
		err := s.compactLocked()
		s.fmu.Unlock()
		if err != nil {
			log.Warn("journal compact failed", logx.Err(err))
		}
	}
	log.Debug("file store opened", logx.String("prefix", prefix), logx.Int("replayed", n))
	return s, nil
}

func (s *fileStore) Close() error {
	s.fmu.Lock()
	defer s.fmu.Unlock()
	if s.journal == nil {
		return nil
	}
	cerr := s.compactLocked()
	err := s.journal.Close()
	s.journal = nil
	if cerr != nil {
		return cerr
	}
	return err
}

// mutate runs fn under both locks and journals the record it returns.
// A nil record means nothing changed.
func (s *fileStore) mutate(durable bool, fn func() (*journalRecord, error)) error {
	s.fmu.Lock()
	defer s.fmu.Unlock()
	if s.journal == nil {
		return errors.New("file store closed")
	}
	s.memoryStore.mu.Lock()
	rec, err := fn()
	s.memoryStore.mu.Unlock()
	if err != nil || rec == nil {
		return err
	}
	if err := json.NewEncoder(s.journal).Encode(rec); err != nil {
		return err
	}
	if durable {
		if err := s.journal.Sync(); err != nil {
			return err
		}
	}
	s.writes++
	if s.writes%s.compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) UpsertUser(_ context.Context, u User) error {
	if strings.TrimSpace(u.ID) == "" {
		return errEmptyID("user")
	}
	return s.mutate(false, func() (*journalRecord, error) {
		s.putUser(u)
		return &journalRecord{Op: "user", User: &u}, nil
	})
}

func (s *fileStore) UpsertEntity(_ context.Context, e Entity) error {
	if strings.TrimSpace(e.ID) == "" {
		return errEmptyID("entity")
	}
	if e.State == "" {
		e.State = EntityActive
	}
	return s.mutate(false, func() (*journalRecord, error) {
		s.putEntity(e)
		return &journalRecord{Op: "entity", Entity: &e}, nil
	})
}

func (s *fileStore) UpsertDelegation(_ context.Context, d Delegation) error {
	if strings.TrimSpace(d.ID) == "" {
		return errEmptyID("delegation")
	}
	if d.Status == "" {
		d.Status = DelegationActive
	}
	return s.mutate(false, func() (*journalRecord, error) {
		s.putDelegation(d)
		return &journalRecord{Op: "delegation", Delegation: &d}, nil
	})
}

func (s *fileStore) SetDelegationStatus(_ context.Context, id string, status DelegationStatus, at time.Time) error {
	return s.mutate(false, func() (*journalRecord, error) {
		d, err := s.setDelegationStatusLocked(id, status, at)
		if err != nil {
			return nil, err
		}
		return &journalRecord{Op: "delegation", Delegation: &d}, nil
	})
}

func (s *fileStore) EnsureOccurrence(_ context.Context, entityID, key string, fireAt, now time.Time) error {
	return s.mutate(false, func() (*journalRecord, error) {
		o, changed := s.ensureLocked(entityID, key, fireAt, now)
		if !changed {
			return nil, nil
		}
		return &journalRecord{Op: "occurrence", Occurrence: &o}, nil
	})
}

func (s *fileStore) ClaimOccurrence(_ context.Context, entityID, key string, now time.Time) (bool, error) {
	var claimed bool
	err := s.mutate(true, func() (*journalRecord, error) {
		o, ok := s.claimLocked(entityID, key, now)
		if !ok {
			return nil, nil
		}
		claimed = true
		return &journalRecord{Op: "occurrence", Occurrence: &o}, nil
	})
	return claimed && err == nil, err
}

func (s *fileStore) MarkContentReady(_ context.Context, entityID, key, content string, now time.Time) (bool, error) {
	var changed bool
	err := s.mutate(false, func() (*journalRecord, error) {
		o, ok := s.markContentLocked(entityID, key, content, now)
		if !ok {
			return nil, nil
		}
		changed = true
		return &journalRecord{Op: "occurrence", Occurrence: &o}, nil
	})
	return changed && err == nil, err
}

func (s *fileStore) MarkFailed(_ context.Context, entityID, key, reason string, now time.Time) (bool, error) {
	var changed bool
	err := s.mutate(false, func() (*journalRecord, error) {
		o, ok := s.markFailedLocked(entityID, key, reason, now)
		if !ok {
			return nil, nil
		}
		changed = true
		return &journalRecord{Op: "occurrence", Occurrence: &o}, nil
	})
	return changed && err == nil, err
}

func (s *fileStore) RecordDelivery(_ context.Context, entityID, key string, out DeliveryOutcome) error {
	return s.mutate(false, func() (*journalRecord, error) {
		o, err := s.recordDeliveryLocked(entityID, key, out)
		if err != nil {
			return nil, err
		}
		return &journalRecord{Op: "occurrence", Occurrence: &o}, nil
	})
}

func (s *fileStore) MarkEscalated(_ context.Context, delegationID, threshold string, at time.Time) (bool, error) {
	var created bool
	err := s.mutate(true, func() (*journalRecord, error) {
		m, ok := s.markEscalatedLocked(delegationID, threshold, at)
		if !ok {
			return nil, nil
		}
		created = true
		return &journalRecord{Op: "escalation", Escalation: &m}, nil
	})
	return created && err == nil, err
}

func (s *fileStore) SaveContent(_ context.Context, entityID, content string, at time.Time) error {
	return s.mutate(false, func() (*journalRecord, error) {
		c := s.saveContentLocked(entityID, content, at)
		return &journalRecord{Op: "content", Content: &c}, nil
	})
}

func (s *fileStore) MarkContentUsed(_ context.Context, entityID, content string, at time.Time) (bool, error) {
	var found bool
	err := s.mutate(false, func() (*journalRecord, error) {
		c, ok := s.markContentUsedLocked(entityID, content, at)
		if !ok {
			return nil, nil
		}
		found = true
		return &journalRecord{Op: "content", Content: &c}, nil
	})
	return found && err == nil, err
}

func (s *fileStore) compactLocked() error {
	s.memoryStore.mu.Lock()
	snap := s.snapshotLocked()
	s.memoryStore.mu.Unlock()

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func (s *fileStore) snapshotLocked() snapshot {
	m := s.memoryStore
	snap := snapshot{
		Users:       make([]User, 0, len(m.users)),
		Entities:    make([]Entity, 0, len(m.entities)),
		Delegations: make([]Delegation, 0, len(m.delegations)),
		Occurrences: make([]Occurrence, 0, len(m.occurrences)),
	}
	for _, u := range m.users {
		snap.Users = append(snap.Users, u)
	}
	for _, e := range m.entities {
		snap.Entities = append(snap.Entities, e)
	}
	for _, d := range m.delegations {
		snap.Delegations = append(snap.Delegations, d)
	}
	for _, o := range m.occurrences {
		snap.Occurrences = append(snap.Occurrences, o)
	}
	for _, marks := range m.escalations {
		for _, e := range marks {
			snap.Escalations = append(snap.Escalations, e)
		}
	}
	for _, list := range m.content {
		snap.Content = append(snap.Content, list...)
	}
	return snap
}

func loadSnapshot(path string, mem *memoryStore) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap snapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for _, u := range snap.Users {
		mem.putUser(u)
	}
	for _, e := range snap.Entities {
		mem.putEntity(e)
	}
	for _, d := range snap.Delegations {
		mem.putDelegation(d)
	}
	for _, o := range snap.Occurrences {
		mem.putOccurrence(o)
	}
	for _, e := range snap.Escalations {
		mem.putEscalation(e)
	}
	for _, c := range snap.Content {
		mem.putContent(c)
	}
	return nil
}

// replayJournal applies records in order. A torn trailing line (crash mid-write)
// is skipped.
func replayJournal(path string, mem *memoryStore, log logx.Logger) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	n := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			log.Warn("journal record skipped", logx.Err(err))
			continue
		}
		switch {
		case r.User != nil:
			mem.putUser(*r.User)
		case r.Entity != nil:
			mem.putEntity(*r.Entity)
		case r.Delegation != nil:
			mem.putDelegation(*r.Delegation)
		case r.Occurrence != nil:
			mem.putOccurrence(*r.Occurrence)
		case r.Escalation != nil:
			mem.putEscalation(*r.Escalation)
		case r.Content != nil:
			mem.putContent(*r.Content)
		default:
			continue
		}
		n++
	}
	return n, sc.Err()
}
