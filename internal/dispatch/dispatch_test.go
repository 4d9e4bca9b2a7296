package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"nudgebot/internal/generator"
	"nudgebot/internal/ledger"
	"nudgebot/internal/notifier"
	"nudgebot/internal/pregen"
	"nudgebot/internal/storage"
	"nudgebot/internal/task/engine"
	logx "nudgebot/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDeliverer struct {
	mu    sync.Mutex
	sent  []notifier.Delivery
	err   error
	block bool
}

func (f *fakeDeliverer) Deliver(ctx context.Context, d notifier.Delivery) (notifier.Receipt, error) {
	if f.block {
		<-ctx.Done()
		return notifier.Receipt{Attempts: 1}, &notifier.FailureError{Attempts: 1, Err: ctx.Err()}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return notifier.Receipt{Attempts: 3}, f.err
	}
	f.sent = append(f.sent, d)
	return notifier.Receipt{Attempts: 1}, nil
}

var (
	fireAt = time.Date(2024, 5, 1, 4, 0, 0, 0, time.UTC)
	msk    = time.FixedZone("UTC+3", 3*3600)
)

func due(include bool) Due {
	return Due{
		Entity: storage.Entity{ID: "h1", UserID: "u1", Kind: storage.KindHabit, Title: "Morning workout", IncludeContent: include},
		User:   storage.User{ID: "u1", ChatID: 1001, Timezone: "Europe/Moscow"},
		Key:    "2024-05-01",
		FireAt: fireAt,
		Local:  fireAt.In(msk),
	}
}

func newDispatcher(out Deliverer) (*Dispatcher, *ledger.Ledger) {
	l := ledger.New(storage.NewMemory(), logx.Nop(), nil)
	return New(l, out, logx.Nop(), WithClock(func() time.Time { return fireAt.Add(time.Second) })), l
}

func TestFireUsesReadyContent(t *testing.T) {
	t.Parallel()
	out := &fakeDeliverer{}
	d, l := newDispatcher(out)
	ctx := context.Background()
	require.NoError(t, l.Ensure(ctx, "h1", "2024-05-01", fireAt))
	require.NoError(t, l.MarkContentReady(ctx, "h1", "2024-05-01", "20 squats\n10 push-ups"))

	require.NoError(t, d.Fire(ctx, due(true)))
	require.Len(t, out.sent, 1)
	assert.Equal(t, "🔔 Morning workout (07:00)\n\n20 squats\n10 push-ups", out.sent[0].Text)
	assert.EqualValues(t, 1001, out.sent[0].Target.ChatID)
	assert.Equal(t, "reminder", out.sent[0].Kind)

	occ, ok, err := l.Status(ctx, "h1", "2024-05-01")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, storage.OccFired, occ.State)
	assert.Equal(t, storage.DeliveryDelivered, occ.Delivery)
}

func TestFireTwiceDeliversOnce(t *testing.T) {
	t.Parallel()
	out := &fakeDeliverer{}
	d, _ := newDispatcher(out)
	require.NoError(t, d.Fire(context.Background(), due(false)))
	require.NoError(t, d.Fire(context.Background(), due(false)))
	require.Len(t, out.sent, 1)
	assert.Equal(t, "🔔 Morning workout (07:00)", out.sent[0].Text)
}

func TestFireFallsBackWithoutContent(t *testing.T) {
	t.Parallel()
	out := &fakeDeliverer{}
	d, _ := newDispatcher(out)
	require.NoError(t, d.Fire(context.Background(), due(true)))
	require.Len(t, out.sent, 1)
	want := generator.Fallback("Morning workout", "2024-05-01")
	assert.True(t, strings.HasSuffix(out.sent[0].Text, "\n\n"+want), out.sent[0].Text)
}

func TestFireRecordsDeliveryFailure(t *testing.T) {
	t.Parallel()
	out := &fakeDeliverer{err: &notifier.FailureError{Attempts: 3, Err: errors.New("network down")}}
	d, l := newDispatcher(out)

	err := d.Fire(context.Background(), due(false))
	assert.ErrorIs(t, err, notifier.ErrDeliveryFailure)

	occ, _, serr := l.Status(context.Background(), "h1", "2024-05-01")
	require.NoError(t, serr)
	assert.Equal(t, storage.OccFired, occ.State)
	assert.Equal(t, storage.DeliveryFailed, occ.Delivery)
	assert.Equal(t, 3, occ.Attempts)

	// The occurrence is spent; a retry of the fire does nothing.
	out.err = nil
	require.NoError(t, d.Fire(context.Background(), due(false)))
	assert.Empty(t, out.sent)
}

func TestFireAbortedOnShutdown(t *testing.T) {
	t.Parallel()
	out := &fakeDeliverer{block: true}
	d, l := newDispatcher(out)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := d.Fire(ctx, due(false))
	assert.ErrorIs(t, err, notifier.ErrDeliveryFailure)

	occ, _, serr := l.Status(context.Background(), "h1", "2024-05-01")
	require.NoError(t, serr)
	assert.Equal(t, storage.OccFired, occ.State)
	assert.Equal(t, storage.DeliveryAborted, occ.Delivery)
}

// Generation that outlives its timeout still ends in a fired occurrence with
// fallback content and the timeout recorded.
func TestSlowGenerationFiresWithFallback(t *testing.T) {
	t.Parallel()
	eng := engine.New(engine.Config{Workers: 1}, logx.Nop(), nil)
	eng.Start(context.Background())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		eng.Stop(ctx)
	}()

	l := ledger.New(storage.NewMemory(), logx.Nop(), nil)
	slow := slowGenerator{}
	trig := pregen.New(pregen.Config{Timeout: 30 * time.Millisecond}, eng, slow, l, logx.Nop())
	defer trig.Stop()

	fire := time.Now().Add(time.Hour)
	require.NoError(t, trig.Request(context.Background(), pregen.Job{EntityID: "h1", Key: "2024-05-01", Title: "Morning workout", FireAt: fire}))
	require.Eventually(t, func() bool {
		occ, ok, err := l.Status(context.Background(), "h1", "2024-05-01")
		return err == nil && ok && occ.State == storage.OccFailed
	}, 3*time.Second, 5*time.Millisecond)

	out := &fakeDeliverer{}
	d := New(l, out, logx.Nop())
	dd := due(true)
	dd.FireAt = fire
	require.NoError(t, d.Fire(context.Background(), dd))

	require.Len(t, out.sent, 1)
	assert.Contains(t, out.sent[0].Text, generator.Fallback("Morning workout", "2024-05-01"))
	occ, _, err := l.Status(context.Background(), "h1", "2024-05-01")
	require.NoError(t, err)
	assert.Equal(t, storage.OccFired, occ.State)
	assert.Equal(t, pregen.ReasonTimeout, occ.FailReason)
}

type slowGenerator struct{}

func (slowGenerator) Generate(ctx context.Context, _ generator.Request) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func TestFormatReminder(t *testing.T) {
	t.Parallel()
	local := time.Date(2024, 5, 1, 6, 30, 0, 0, msk)
	assert.Equal(t, "🔔 Drink water (06:30)", FormatReminder(" Drink water ", local, "  "))
	assert.Equal(t, "🔔 Read (06:30)\n\nRead one chapter", FormatReminder("Read", local, "Read one chapter"))
}

func TestDeliveredGeneratedContentCountsAsUse(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	l := ledger.New(st, logx.Nop(), nil)
	out := &fakeDeliverer{}
	d := New(l, out, logx.Nop(), WithContentCache(st), WithClock(func() time.Time { return fireAt.Add(time.Second) }))
	ctx := context.Background()

	require.NoError(t, st.SaveContent(ctx, "h1", "20 squats", fireAt.Add(-time.Hour)))
	require.NoError(t, l.MarkContentReady(ctx, "h1", "2024-05-01", "20 squats"))
	require.NoError(t, d.Fire(ctx, due(true)))

	c, err := st.FreshContent(ctx, "h1", fireAt.Add(-24*time.Hour), 5)
	require.NoError(t, err)
	assert.Equal(t, 1, c.UsedCount)
	require.NotNil(t, c.LastUsed)
	assert.True(t, c.LastUsed.Equal(fireAt.Add(time.Second)))

	// Fallback text is not a cache entry and failed deliveries do not count.
	next := due(true)
	next.Key = "2024-05-02"
	require.NoError(t, d.Fire(ctx, next))
	out.err = &notifier.FailureError{Attempts: 3, Err: errors.New("chat not found")}
	failing := due(true)
	failing.Key = "2024-05-03"
	require.NoError(t, l.MarkContentReady(ctx, "h1", "2024-05-03", "20 squats"))
	require.Error(t, d.Fire(ctx, failing))

	c, err = st.FreshContent(ctx, "h1", fireAt.Add(-24*time.Hour), 5)
	require.NoError(t, err)
	assert.Equal(t, 1, c.UsedCount)
}

func TestFireMorningPing(t *testing.T) {
	t.Parallel()
	out := &fakeDeliverer{}
	d, l := newDispatcher(out)
	ctx := context.Background()
	ping := Due{
		Entity: storage.Entity{ID: "ping:u1", UserID: "u1", Kind: storage.KindPing, Title: "Morning ping"},
		User:   storage.User{ID: "u1", ChatID: 1001, Name: "Anna"},
		Key:    "2024-05-01",
		FireAt: fireAt,
	}
	require.NoError(t, d.Fire(ctx, ping))
	require.NoError(t, d.Fire(ctx, ping))

	require.Len(t, out.sent, 1)
	assert.Equal(t, "ping", out.sent[0].Kind)
	assert.Equal(t, FormatGreeting("Anna"), out.sent[0].Text)
	assert.Contains(t, out.sent[0].Text, "Good morning, Anna")

	occ, ok, err := l.Status(ctx, "ping:u1", "2024-05-01")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, storage.DeliveryDelivered, occ.Delivery)
}

func TestFormatGreetingWithoutName(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "☀️ Good morning! Have a look at what today holds.", FormatGreeting("  "))
}
