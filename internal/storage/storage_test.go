package storage

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	logx "nudgebot/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 5, 1, 4, 0, 0, 0, time.UTC)

type driverCase struct {
	name string
	open func(t *testing.T) Store
}

func drivers() []driverCase {
	cs := []driverCase{
		{"memory", func(t *testing.T) Store { return NewMemory() }},
		{"file", func(t *testing.T) Store {
			st, err := Open(context.Background(), Config{Driver: "file", Path: filepath.Join(t.TempDir(), "ledger.json")}, logx.Nop())
			require.NoError(t, err)
			return st
		}},
		{"sqlite", func(t *testing.T) Store {
			st, err := Open(context.Background(), Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "ledger.db")}, logx.Nop())
			require.NoError(t, err)
			return st
		}},
	}
	if dsn := os.Getenv("NUDGEBOT_TEST_PG_DSN"); dsn != "" {
		cs = append(cs, driverCase{"postgres", func(t *testing.T) Store {
			st, err := Open(context.Background(), Config{Driver: "postgres", DSN: dsn}, logx.Nop())
			require.NoError(t, err)
			return st
		}})
	}
	return cs
}

func forEachDriver(t *testing.T, fn func(t *testing.T, st Store, prefix string)) {
	for _, d := range drivers() {
		t.Run(d.name, func(t *testing.T) {
			st := d.open(t)
			t.Cleanup(func() { _ = st.Close() })
			// postgres is shared between runs; keep ids unique
			fn(t, st, t.Name()+"-"+time.Now().Format("150405.000000000"))
		})
	}
}

func TestClaimIsSingleWinner(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store, p string) {
		ctx := context.Background()
		require.NoError(t, st.EnsureOccurrence(ctx, p, "2024-05-01", t0, t0.Add(-time.Hour)))

		ok, err := st.ClaimOccurrence(ctx, p, "2024-05-01", t0)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = st.ClaimOccurrence(ctx, p, "2024-05-01", t0.Add(time.Second))
		require.NoError(t, err)
		assert.False(t, ok)

		o, err := st.GetOccurrence(ctx, p, "2024-05-01")
		require.NoError(t, err)
		assert.Equal(t, OccFired, o.State)
		require.NotNil(t, o.FiredAt)
		assert.True(t, o.FiredAt.Equal(t0))
	})
}

func TestClaimWithoutEnsureCreatesFiredRecord(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store, p string) {
		ctx := context.Background()
		ok, err := st.ClaimOccurrence(ctx, p, "2024-W18-3", t0)
		require.NoError(t, err)
		assert.True(t, ok)
		o, err := st.GetOccurrence(ctx, p, "2024-W18-3")
		require.NoError(t, err)
		assert.Equal(t, OccFired, o.State)
	})
}

func TestConcurrentClaims(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store, p string) {
		ctx := context.Background()
		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := st.ClaimOccurrence(ctx, p, "k", t0)
				if err == nil && ok {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.EqualValues(t, 1, wins.Load())
	})
}

func TestFiredRecordIsFinal(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store, p string) {
		ctx := context.Background()
		_, err := st.ClaimOccurrence(ctx, p, "k", t0)
		require.NoError(t, err)

		changed, err := st.MarkContentReady(ctx, p, "k", "late text", t0.Add(time.Second))
		require.NoError(t, err)
		assert.False(t, changed)

		changed, err = st.MarkFailed(ctx, p, "k", "timeout", t0.Add(time.Second))
		require.NoError(t, err)
		assert.False(t, changed)

		require.NoError(t, st.EnsureOccurrence(ctx, p, "k", t0.Add(time.Hour), t0))

		o, err := st.GetOccurrence(ctx, p, "k")
		require.NoError(t, err)
		assert.Equal(t, OccFired, o.State)
		assert.Empty(t, o.Content)
		assert.True(t, o.FireAt.Equal(t0))
	})
}

func TestMarkFailedKeepsReadyContent(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store, p string) {
		ctx := context.Background()
		require.NoError(t, st.EnsureOccurrence(ctx, p, "k", t0, t0.Add(-time.Hour)))

		changed, err := st.MarkContentReady(ctx, p, "k", "hello", t0.Add(-time.Minute))
		require.NoError(t, err)
		assert.True(t, changed)

		changed, err = st.MarkFailed(ctx, p, "k", "timeout", t0.Add(-30*time.Second))
		require.NoError(t, err)
		assert.False(t, changed)

		o, err := st.GetOccurrence(ctx, p, "k")
		require.NoError(t, err)
		assert.Equal(t, OccContentReady, o.State)
		assert.Equal(t, "hello", o.Content)
	})
}

func TestEnsureRefreshesFireAt(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store, p string) {
		ctx := context.Background()
		require.NoError(t, st.EnsureOccurrence(ctx, p, "k", t0, t0.Add(-2*time.Hour)))
		require.NoError(t, st.EnsureOccurrence(ctx, p, "k", t0.Add(30*time.Minute), t0.Add(-time.Hour)))
		o, err := st.GetOccurrence(ctx, p, "k")
		require.NoError(t, err)
		assert.Equal(t, OccPending, o.State)
		assert.True(t, o.FireAt.Equal(t0.Add(30*time.Minute)))
	})
}

func TestRecordDelivery(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store, p string) {
		ctx := context.Background()
		err := st.RecordDelivery(ctx, p, "missing", DeliveryOutcome{Status: DeliveryDelivered, At: t0})
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = st.ClaimOccurrence(ctx, p, "k", t0)
		require.NoError(t, err)
		require.NoError(t, st.RecordDelivery(ctx, p, "k", DeliveryOutcome{
			Status: DeliveryFailed, Attempts: 3, Err: "chat not found", At: t0.Add(time.Second),
		}))
		o, err := st.GetOccurrence(ctx, p, "k")
		require.NoError(t, err)
		assert.Equal(t, OccFired, o.State)
		assert.Equal(t, DeliveryFailed, o.Delivery)
		assert.Equal(t, 3, o.Attempts)
		assert.Equal(t, "chat not found", o.LastError)

		_, err = st.GetOccurrence(ctx, p, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestEscalationMarksAreIdempotent(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store, p string) {
		ctx := context.Background()
		created, err := st.MarkEscalated(ctx, p, "24h", t0)
		require.NoError(t, err)
		assert.True(t, created)

		created, err = st.MarkEscalated(ctx, p, "24h", t0.Add(time.Hour))
		require.NoError(t, err)
		assert.False(t, created)

		created, err = st.MarkEscalated(ctx, p, "2h", t0.Add(time.Minute))
		require.NoError(t, err)
		assert.True(t, created)

		marks, err := st.ListEscalated(ctx, p)
		require.NoError(t, err)
		require.Len(t, marks, 2)
		assert.Equal(t, "24h", marks[0].Threshold)
		assert.True(t, marks[0].NotifiedAt.Equal(t0))
		assert.Equal(t, "2h", marks[1].Threshold)
	})
}

func TestCatalogRoundTrip(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store, p string) {
		ctx := context.Background()
		u := User{ID: p + "-u", ChatID: 42, Timezone: "Europe/Berlin", QuietFrom: "23:00", QuietTo: "07:00", MorningAt: "08:15", UpdatedAt: t0}
		require.NoError(t, st.UpsertUser(ctx, u))
		got, err := st.GetUser(ctx, u.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(42), got.ChatID)
		assert.Equal(t, "23:00", got.QuietFrom)
		assert.Equal(t, "08:15", got.MorningAt)

		deadline := t0.Add(48 * time.Hour)
		require.NoError(t, st.UpsertEntity(ctx, Entity{ID: p + "-a", UserID: u.ID, Kind: KindHabit, Title: "Stretch", Recurrence: "daily 07:00"}))
		require.NoError(t, st.UpsertEntity(ctx, Entity{ID: p + "-b", UserID: u.ID, Kind: KindTask, Title: "Report", Deadline: &deadline, State: EntityPaused}))

		e, err := st.GetEntity(ctx, p+"-a")
		require.NoError(t, err)
		assert.Equal(t, EntityActive, e.State)

		active, err := st.ListActiveEntities(ctx)
		require.NoError(t, err)
		ids := map[string]bool{}
		for _, e := range active {
			ids[e.ID] = true
		}
		assert.True(t, ids[p+"-a"])
		assert.False(t, ids[p+"-b"])

		_, err = st.GetEntity(ctx, p+"-zzz")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.Error(t, st.UpsertEntity(ctx, Entity{}))
	})
}

func TestDelegationStatus(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store, p string) {
		ctx := context.Background()
		d := Delegation{ID: p, Title: "Q2 report", DelegatorID: "alice", AssigneeID: "bob", Deadline: t0.Add(24 * time.Hour), AssignedAt: t0.Add(-24 * time.Hour)}
		require.NoError(t, st.UpsertDelegation(ctx, d))

		open, err := st.ListOpenDelegations(ctx)
		require.NoError(t, err)
		assert.True(t, containsDelegation(open, p))

		require.NoError(t, st.SetDelegationStatus(ctx, p, DelegationOverdue, t0))
		open, err = st.ListOpenDelegations(ctx)
		require.NoError(t, err)
		assert.False(t, containsDelegation(open, p))

		assert.ErrorIs(t, st.SetDelegationStatus(ctx, p+"-missing", DelegationCompleted, t0), ErrNotFound)
	})
}

func TestContentCache(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store, p string) {
		ctx := context.Background()
		weekAgo := t0.Add(-7 * 24 * time.Hour)

		_, err := st.FreshContent(ctx, p, weekAgo, 5)
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, st.SaveContent(ctx, p, "10 squats", t0))
		require.NoError(t, st.SaveContent(ctx, p, "20 squats", t0.Add(time.Hour)))
		require.NoError(t, st.SaveContent(ctx, p+"-other", "read", t0.Add(2*time.Hour)))

		c, err := st.FreshContent(ctx, p, weekAgo, 5)
		require.NoError(t, err)
		assert.Equal(t, "20 squats", c.Content)
		assert.Zero(t, c.UsedCount)
		assert.True(t, c.GeneratedAt.Equal(t0.Add(time.Hour)))

		// Used up entries are skipped in favour of older ones.
		for i := 0; i < 5; i++ {
			ok, err := st.MarkContentUsed(ctx, p, "20 squats", t0.Add(2*time.Hour))
			require.NoError(t, err)
			require.True(t, ok)
		}
		c, err = st.FreshContent(ctx, p, weekAgo, 5)
		require.NoError(t, err)
		assert.Equal(t, "10 squats", c.Content)

		// Entries older than since never qualify.
		_, err = st.FreshContent(ctx, p, t0.Add(30*time.Minute), 5)
		assert.ErrorIs(t, err, ErrNotFound)

		ok, err := st.MarkContentUsed(ctx, p, "never generated", t0)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = st.MarkContentUsed(ctx, p, "10 squats", t0.Add(3*time.Hour))
		require.NoError(t, err)
		require.True(t, ok)
		c, err = st.FreshContent(ctx, p, weekAgo, 5)
		require.NoError(t, err)
		assert.Equal(t, 1, c.UsedCount)
		require.NotNil(t, c.LastUsed)
		assert.True(t, c.LastUsed.Equal(t0.Add(3*time.Hour)))
	})
}

func TestLoadMigrationsAreSequential(t *testing.T) {
	t.Parallel()
	lite, err := loadMigrations("sqlite")
	require.NoError(t, err)
	pg, err := loadMigrations("postgres")
	require.NoError(t, err)
	require.NotEmpty(t, lite)
	assert.Len(t, pg, len(lite))
	for i, m := range lite {
		assert.Equal(t, i+1, m.version)
		assert.Equal(t, m.name, pg[i].name)
	}
}

func TestSQLiteMigrationsApplyOnce(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")
	want, err := loadMigrations("sqlite")
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		st, err := Open(ctx, Config{Driver: "sqlite", Path: path}, logx.Nop())
		require.NoError(t, err)
		ss := st.(*sqliteStore)
		v, err := ss.schemaVersion(ctx)
		require.NoError(t, err)
		assert.Equal(t, len(want), v)
		var rows int
		require.NoError(t, ss.db.GetContext(ctx, &rows, `SELECT COUNT(*) FROM schema_version`))
		assert.Equal(t, len(want), rows)
		require.NoError(t, st.Close())
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state", "ledger.json")

	st, err := Open(ctx, Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, st.UpsertUser(ctx, User{ID: "u1", ChatID: 7, Timezone: "UTC"}))
	_, err = st.ClaimOccurrence(ctx, "h1", "2024-05-01", t0)
	require.NoError(t, err)
	_, err = st.MarkEscalated(ctx, "d1", "24h", t0)
	require.NoError(t, err)
	require.NoError(t, st.SaveContent(ctx, "h1", "10 squats", t0))
	_, err = st.MarkContentUsed(ctx, "h1", "10 squats", t0)
	require.NoError(t, err)

	// Simulate a crash: drop the handle without compacting.
	fs := st.(*fileStore)
	require.NoError(t, fs.journal.Close())
	fs.journal = nil

	st, err = Open(ctx, Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	ok, err := st.ClaimOccurrence(ctx, "h1", "2024-05-01", t0.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)
	created, err := st.MarkEscalated(ctx, "d1", "24h", t0)
	require.NoError(t, err)
	assert.False(t, created)
	require.NoError(t, st.Close())

	// Clean close compacts into the snapshot.
	st, err = Open(ctx, Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	u, err := st.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), u.ChatID)
	o, err := st.GetOccurrence(ctx, "h1", "2024-05-01")
	require.NoError(t, err)
	assert.Equal(t, OccFired, o.State)
	c, err := st.FreshContent(ctx, "h1", t0.Add(-time.Hour), 5)
	require.NoError(t, err)
	assert.Equal(t, 1, c.UsedCount)

	// Ids keep counting after a reload.
	require.NoError(t, st.SaveContent(ctx, "h1", "20 squats", t0.Add(time.Minute)))
	c2, err := st.FreshContent(ctx, "h1", t0.Add(-time.Hour), 5)
	require.NoError(t, err)
	assert.Equal(t, "20 squats", c2.Content)
	assert.Greater(t, c2.ID, c.ID)
}

func TestFileStoreSkipsTornJournalLine(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	journal := filepath.Join(dir, "ledger.journal.jsonl")
	body := `{"op":"user","user":{"id":"u1","chat_id":1,"timezone":"UTC","updated_at":"2024-05-01T00:00:00Z"}}` + "\n" + `{"op":"occ`
	require.NoError(t, os.WriteFile(journal, []byte(body), 0o600))

	st, err := Open(ctx, Config{Driver: "file", Path: filepath.Join(dir, "ledger.json")}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	_, err = st.GetUser(ctx, "u1")
	assert.NoError(t, err)
}

func TestOpenDrivers(t *testing.T) {
	ctx := context.Background()
	_, err := Open(ctx, Config{Driver: "none"}, logx.Nop())
	assert.ErrorIs(t, err, ErrDisabled)

	_, err = Open(ctx, Config{Driver: "mongo"}, logx.Nop())
	assert.Error(t, err)

	_, err = Open(ctx, Config{Driver: "file"}, logx.Nop())
	assert.Error(t, err)

	st, err := Open(ctx, Config{}, logx.Nop())
	require.NoError(t, err)
	assert.NoError(t, st.Close())
}

func containsDelegation(ds []Delegation, id string) bool {
	for _, d := range ds {
		if d.ID == id {
			return true
		}
	}
	return false
}
