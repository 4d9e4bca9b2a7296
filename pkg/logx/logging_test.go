package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	kit "nudgebot/internal/transport"
)

func TestWithFieldsAreAppliedInOrder(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "scheduler"))
	log.Info("tick", String("comp", "override"), Int("items", 3))

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	require.Equal(t, "override", rec["comp"])
	require.EqualValues(t, 3, rec["items"])
	require.Equal(t, "tick", rec["message"])
}

func TestZeroLoggerIsSafe(t *testing.T) {
	t.Parallel()
	var l Logger
	require.True(t, l.IsZero())
	l.Error("ignored")
	require.False(t, Nop().IsZero())
}

func TestLevelFiltering(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "warn")
	log.Info("hidden")
	require.Zero(t, buf.Len())
	require.False(t, log.Enabled(LevelInfo))
	require.True(t, log.Enabled(LevelError))
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	require.Equal(t, zerolog.DebugLevel, ParseLevel(" debug ", zerolog.InfoLevel))
	require.Equal(t, zerolog.WarnLevel, ParseLevel("WARNING", zerolog.InfoLevel))
	require.Equal(t, zerolog.InfoLevel, ParseLevel("nope", zerolog.InfoLevel))
}

func TestFormatRecordSortsKeys(t *testing.T) {
	t.Parallel()
	out := FormatRecord([]byte(`{"level":"error","message":"delivery exhausted","zeta":1,"alpha":"x","time":"t"}`))
	require.Equal(t, "[ERROR] delivery exhausted\n- alpha=x\n- zeta=1", out)
}

type captureSender struct {
	mu   sync.Mutex
	msgs []string
	to   []kit.ChatTarget
	done chan struct{}
}

func (c *captureSender) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	c.mu.Lock()
	c.msgs = append(c.msgs, text)
	c.to = append(c.to, to)
	c.mu.Unlock()
	select {
	case c.done <- struct{}{}:
	default:
	}
	return kit.MessageRef{}, nil
}

func TestOpsSinkForwardsWarnings(t *testing.T) {
	sender := &captureSender{done: make(chan struct{}, 1)}
	svc, log := New(Config{Level: "info", Ops: OpsConfig{Enabled: true, ChatID: 42, MinLevel: "warn", RatePerSec: 10}}, sender)
	t.Cleanup(func() { _ = svc.Close() })

	log.Info("quiet")
	log.Warn("loud", String("entity", "h1"))
	<-sender.done

	sender.mu.Lock()
	defer sender.mu.Unlock()
	require.Len(t, sender.msgs, 1)
	require.Contains(t, sender.msgs[0], "[WARN] loud")
	require.Contains(t, sender.msgs[0], "entity=h1")
	require.Equal(t, int64(42), sender.to[0].ChatID)
}
