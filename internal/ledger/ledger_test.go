package ledger

import (
	"context"
	"testing"
	"time"

	"nudgebot/internal/eventbus"
	"nudgebot/internal/storage"
	logx "nudgebot/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLedger(t *testing.T) (*Ledger, eventbus.Bus, *time.Time) {
	t.Helper()
	now := time.Date(2024, 5, 1, 3, 55, 0, 0, time.UTC)
	bus := eventbus.New()
	l := New(storage.NewMemory(), logx.Nop(), bus, WithClock(func() time.Time { return now }))
	return l, bus, &now
}

func TestClaimTwice(t *testing.T) {
	t.Parallel()
	l, bus, _ := newLedger(t)
	events, unsub := bus.Subscribe(16)
	defer unsub()
	ctx := context.Background()

	r, err := l.Claim(ctx, "h1", "2024-05-01")
	require.NoError(t, err)
	assert.Equal(t, Claimed, r)

	r, err = l.Claim(ctx, "h1", "2024-05-01")
	require.NoError(t, err)
	assert.Equal(t, AlreadyFired, r)
	assert.Equal(t, "already_fired", r.String())

	assert.Equal(t, eventbus.OccurrenceClaimed, (<-events).Type)
	assert.Equal(t, eventbus.OccurrenceDuplicate, (<-events).Type)
}

func TestContentLifecycle(t *testing.T) {
	t.Parallel()
	l, _, now := newLedger(t)
	ctx := context.Background()
	fireAt := now.Add(5 * time.Minute)

	require.NoError(t, l.Ensure(ctx, "h1", "2024-05-01", fireAt))
	o, ok, err := l.Status(ctx, "h1", "2024-05-01")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, storage.OccPending, o.State)

	require.NoError(t, l.MarkContentReady(ctx, "h1", "2024-05-01", "Ten squats."))
	require.NoError(t, l.MarkFailed(ctx, "h1", "2024-05-01", "generation_timeout"))
	o, _, err = l.Status(ctx, "h1", "2024-05-01")
	require.NoError(t, err)
	assert.Equal(t, storage.OccContentReady, o.State)

	r, err := l.Claim(ctx, "h1", "2024-05-01")
	require.NoError(t, err)
	require.Equal(t, Claimed, r)

	// Late arrivals after fire change nothing.
	require.NoError(t, l.MarkContentReady(ctx, "h1", "2024-05-01", "late"))
	o, _, err = l.Status(ctx, "h1", "2024-05-01")
	require.NoError(t, err)
	assert.Equal(t, storage.OccFired, o.State)
	assert.Equal(t, "Ten squats.", o.Content)
}

func TestStatusMissing(t *testing.T) {
	t.Parallel()
	l, _, _ := newLedger(t)
	_, ok, err := l.Status(context.Background(), "nope", "2024-05-01")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRecordDelivery(t *testing.T) {
	t.Parallel()
	l, bus, now := newLedger(t)
	events, unsub := bus.Subscribe(16)
	defer unsub()
	ctx := context.Background()

	assert.ErrorIs(t, l.RecordDelivery(ctx, "h1", "k", storage.DeliveryOutcome{Status: storage.DeliveryDelivered}), storage.ErrNotFound)

	_, err := l.Claim(ctx, "h1", "k")
	require.NoError(t, err)
	require.NoError(t, l.RecordDelivery(ctx, "h1", "k", storage.DeliveryOutcome{Status: storage.DeliveryAborted, Attempts: 1, Err: "shutdown"}))

	o, _, err := l.Status(ctx, "h1", "k")
	require.NoError(t, err)
	assert.Equal(t, storage.DeliveryAborted, o.Delivery)
	assert.True(t, o.UpdatedAt.Equal(*now))

	var types []string
	for len(events) > 0 {
		types = append(types, (<-events).Type)
	}
	assert.Contains(t, types, eventbus.OccurrenceUndelivered)
}
