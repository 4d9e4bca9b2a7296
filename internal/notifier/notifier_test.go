package notifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"nudgebot/internal/eventbus"
	"nudgebot/internal/task/engine"
	"nudgebot/internal/transport"
	logx "nudgebot/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedSender struct {
	mu    sync.Mutex
	errs  []error
	calls int
	texts []string
}

func (s *scriptedSender) SendText(ctx context.Context, to transport.ChatTarget, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return transport.MessageRef{}, err
		}
	}
	s.texts = append(s.texts, text)
	return transport.MessageRef{ChatID: to.ChatID, MessageID: s.calls}, nil
}

func fastConfig(retries int) Config {
	return Config{RatePerSec: 1000, RetryMax: retries, RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond}
}

func TestDeliverFirstTry(t *testing.T) {
	t.Parallel()
	snd := &scriptedSender{}
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(4)
	defer unsub()

	n := New(fastConfig(2), snd, logx.Nop(), bus)
	rc, err := n.Deliver(context.Background(), Delivery{UserID: "u1", Target: transport.ChatTarget{ChatID: 42}, Text: "hello", Kind: "reminder", Key: "h1/2024-05-01"})
	require.NoError(t, err)
	assert.Equal(t, 1, rc.Attempts)
	assert.EqualValues(t, 42, rc.Ref.ChatID)
	assert.Equal(t, []string{"hello"}, snd.texts)

	ev := <-ch
	assert.Equal(t, eventbus.DeliverySent, ev.Type)
}

func TestDeliverRetriesTransientErrors(t *testing.T) {
	t.Parallel()
	snd := &scriptedSender{errs: []error{errors.New("timeout"), errors.New("502")}}
	n := New(fastConfig(3), snd, logx.Nop(), nil)
	rc, err := n.Deliver(context.Background(), Delivery{UserID: "u1", Target: transport.ChatTarget{ChatID: 1}, Text: "x"})
	require.NoError(t, err)
	assert.Equal(t, 3, rc.Attempts)
}

func TestDeliverExhaustion(t *testing.T) {
	t.Parallel()
	boom := errors.New("network down")
	snd := &scriptedSender{errs: []error{boom, boom, boom, boom}}
	n := New(fastConfig(2), snd, logx.Nop(), nil)
	rc, err := n.Deliver(context.Background(), Delivery{UserID: "u1", Target: transport.ChatTarget{ChatID: 1}, Text: "x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDeliveryFailure)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, rc.Attempts)
	assert.Equal(t, 3, snd.calls)

	var ferr *FailureError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, 3, ferr.Attempts)

	h := n.Snapshot()
	require.Len(t, h, 1)
	assert.NotEmpty(t, h[0].Error)
}

func TestDeliverStopsOnPermanentError(t *testing.T) {
	t.Parallel()
	blocked := engine.NoRetry(errors.New("bot was blocked by the user"))
	snd := &scriptedSender{errs: []error{blocked}}
	n := New(fastConfig(5), snd, logx.Nop(), nil)
	rc, err := n.Deliver(context.Background(), Delivery{UserID: "u1", Target: transport.ChatTarget{ChatID: 1}, Text: "x"})
	assert.ErrorIs(t, err, ErrDeliveryFailure)
	assert.Equal(t, 1, rc.Attempts)
	assert.Equal(t, 1, snd.calls)
}

func TestDeliverHonoursRetryAfterCap(t *testing.T) {
	t.Parallel()
	flood := engine.RetryAfter(errors.New("too many requests"), time.Hour)
	snd := &scriptedSender{errs: []error{flood}}
	n := New(fastConfig(1), snd, logx.Nop(), nil)

	start := time.Now()
	rc, err := n.Deliver(context.Background(), Delivery{UserID: "u1", Target: transport.ChatTarget{ChatID: 1}, Text: "x"})
	require.NoError(t, err)
	assert.Equal(t, 2, rc.Attempts)
	assert.Less(t, time.Since(start), time.Second)
}

func TestDeliverCancelled(t *testing.T) {
	t.Parallel()
	snd := &scriptedSender{errs: []error{errors.New("x")}}
	n := New(Config{RatePerSec: 1000, RetryMax: 3, RetryBase: time.Hour, RetryMaxDelay: time.Hour}, snd, logx.Nop(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := n.Deliver(ctx, Delivery{UserID: "u1", Target: transport.ChatTarget{ChatID: 1}, Text: "x"})
	assert.ErrorIs(t, err, ErrDeliveryFailure)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDeliverRejectsEmptyText(t *testing.T) {
	t.Parallel()
	snd := &scriptedSender{}
	n := New(fastConfig(0), snd, logx.Nop(), nil)
	_, err := n.Deliver(context.Background(), Delivery{UserID: "u1", Text: "  "})
	assert.ErrorIs(t, err, ErrDeliveryFailure)
	assert.Zero(t, snd.calls)
}

func TestRetryDelayBounds(t *testing.T) {
	t.Parallel()
	n := New(Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}, nil, logx.Nop(), nil)
	cfg := n.cfg
	for attempt := 1; attempt <= 6; attempt++ {
		d := n.retryDelay(cfg, attempt)
		assert.GreaterOrEqual(t, d, 70*time.Millisecond)
		assert.LessOrEqual(t, d, time.Second)
	}
}
