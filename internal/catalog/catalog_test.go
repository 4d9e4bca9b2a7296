package catalog

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
	_ "time/tzdata"

	"nudgebot/internal/recurrence"
	"nudgebot/internal/storage"
	logx "nudgebot/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
users:
  - id: anna
    chat_id: 1001
    name: Anna
    timezone: Europe/Moscow
    quiet_hours: "23:00-06:30"
    morning_at: "08:00"
  - id: ivan
    chat_id: 1002
    timezone: Europe/Berlin
habits:
  - id: workout
    user: anna
    title: Morning workout
    recurrence: daily 07:00
    include_content: true
    content_prompt: Suggest a 10 minute routine.
  - id: broken
    user: anna
    title: Broken
    recurrence: every tuesday-ish
tasks:
  - id: report
    user: ivan
    title: Quarterly report
    deadline: 2024-06-01T15:00:00Z
delegations:
  - id: d1
    task: report
    delegator: anna
    assignee: ivan
    deadline: 2024-06-01T15:00:00Z
    assigned_at: 2024-05-20T09:00:00Z
`

func writeCatalog(t *testing.T, dir, body string) string {
	t.Helper()
	p := filepath.Join(dir, "catalog.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestSyncWritesValidRows(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	im := New(writeCatalog(t, t.TempDir(), sample), st, logx.Nop())
	ctx := context.Background()

	err := im.Sync(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, recurrence.ErrInvalidRecurrence)
	assert.Contains(t, err.Error(), "entity broken")

	u, err := st.GetUser(ctx, "anna")
	require.NoError(t, err)
	assert.Equal(t, "23:00", u.QuietFrom)
	assert.Equal(t, "06:30", u.QuietTo)
	assert.Equal(t, "08:00", u.MorningAt)

	ents, err := st.ListActiveEntities(ctx)
	require.NoError(t, err)
	require.Len(t, ents, 2)
	assert.Equal(t, "report", ents[0].ID)
	assert.Equal(t, storage.KindTask, ents[0].Kind)
	require.NotNil(t, ents[0].Deadline)
	assert.Equal(t, "workout", ents[1].ID)
	assert.True(t, ents[1].IncludeContent)

	ds, err := st.ListOpenDelegations(ctx)
	require.NoError(t, err)
	require.Len(t, ds, 1)
	assert.Equal(t, "report", ds[0].Title)

	assert.Equal(t, Result{Users: 2, Entities: 2, Delegations: 1, Skipped: 1}, im.Last())

	// Unchanged file: nothing to do, errors are not repeated.
	require.NoError(t, im.Sync(ctx))
}

func TestSyncArchivesRemovedEntities(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	st := storage.NewMemory()
	im := New(writeCatalog(t, dir, sample), st, logx.Nop())
	ctx := context.Background()
	_ = im.Sync(ctx)

	writeCatalog(t, dir, `
users:
  - id: anna
    chat_id: 1001
habits:
  - id: workout
    user: anna
    title: Morning workout
    recurrence: daily 07:30
`)
	require.NoError(t, im.Sync(ctx))
	ents, err := st.ListActiveEntities(ctx)
	require.NoError(t, err)
	require.Len(t, ents, 1)
	assert.Equal(t, "daily 07:30", ents[0].Recurrence)
	assert.Equal(t, 1, im.Last().Archived)

	e, err := st.GetEntity(ctx, "report")
	require.NoError(t, err)
	assert.Equal(t, storage.EntityArchived, e.State)
}

func TestSyncRejectsBadRows(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	im := New(writeCatalog(t, t.TempDir(), `
users:
  - id: a
    chat_id: 1
    timezone: Mars/Olympus
  - id: b
    chat_id: 2
    quiet_hours: "23:00"
  - id: c
habits:
  - id: h
    user: a
    title: no rule
  - id: h
    user: a
    title: dup
    recurrence: daily 08:00
delegations:
  - id: d
    delegator: a
    assignee: b
`), st, logx.Nop())

	err := im.Sync(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, recurrence.ErrInvalidRecurrence)
	for _, want := range []string{"user a", "user b", "user c", "duplicate id", "delegation d"} {
		assert.Contains(t, err.Error(), want)
	}
	assert.Equal(t, 6, im.Last().Skipped)
}

func TestSyncRejectsBadMorningTime(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	im := New(writeCatalog(t, t.TempDir(), `
users:
  - id: a
    chat_id: 1
    morning_at: "8 am"
`), st, logx.Nop())

	err := im.Sync(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "morning_at")
	_, err = st.GetUser(context.Background(), "a")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDecodeIsStrict(t *testing.T) {
	t.Parallel()
	_, err := Decode([]byte("users:\n  - id: a\n    chat: 1\n"))
	assert.Error(t, err)

	doc, err := Decode(nil)
	require.NoError(t, err)
	assert.Empty(t, doc.Users)
}

func TestSyncMissingFile(t *testing.T) {
	t.Parallel()
	im := New(filepath.Join(t.TempDir(), "nope.yaml"), storage.NewMemory(), logx.Nop())
	assert.ErrorIs(t, im.Sync(context.Background()), os.ErrNotExist)
}

func TestWatchSignalsChanges(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	p := writeCatalog(t, dir, sample)
	im := New(p, storage.NewMemory(), logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var changes atomic.Int32
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = im.Watch(ctx, func() { changes.Add(1) })
	}()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	writeCatalog(t, dir, sample+"\n")
	require.Eventually(t, func() bool { return changes.Load() > 0 }, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop")
	}
}

func TestExampleCatalogSyncs(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	im := New(filepath.Join("..", "..", "catalog.example.yaml"), st, logx.Nop())
	require.NoError(t, im.Sync(context.Background()))
	res := im.Last()
	assert.Equal(t, 2, res.Users)
	assert.Equal(t, 4, res.Entities)
	assert.Equal(t, 1, res.Delegations)
	assert.Zero(t, res.Skipped)
}
