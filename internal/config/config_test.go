package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const sampleYAML = `
telegram:
  token: "123:abc"
transport:
  driver: telegram
logging:
  level: info
  console: true
storage:
  driver: sqlite
  path: ./data/nudgebot.db
scheduler:
  enabled: true
  rescan_interval: 30s
pregen:
  lead_time: 5m
  timeout: 60s
escalation:
  at: "09:00"
  thresholds: ["24h", "2h", "50%"]
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	p := writeFile(t, t.TempDir(), "config.yaml", sampleYAML)

	m := NewConfigManager(p)
	cfg, err := m.Load()
	require.NoError(t, err)
	require.Same(t, cfg, m.Get())
	require.Equal(t, "sqlite", cfg.Storage.Driver)
	require.Equal(t, []string{"24h", "2h", "50%"}, cfg.Escalation.Thresholds)
	require.True(t, cfg.Pregen.IsEnabled())
	require.True(t, cfg.Escalation.IsEnabled())
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	_, err := Decode("c.json", []byte(`{"scheduler":{"enabled":true,"workers":2}}`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "workers")

	_, err = Decode("c.yaml", []byte("plugins: {}\n"))
	require.Error(t, err)
}

func TestDecodeRejectsTrailingData(t *testing.T) {
	t.Parallel()
	_, err := Decode("c.json", []byte(`{} {}`))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("c.yaml", []byte(sampleYAML))
	require.NoError(t, err)
	require.NoError(t, Validate(cfg))

	bad := *cfg
	bad.Storage = StorageConfig{Driver: "postgres"}
	bad.Scheduler.MaxSleep = "soon"
	bad.Transport.Driver = "pigeon"
	err = Validate(&bad)
	require.Error(t, err)
	for _, want := range []string{"storage.dsn", "scheduler.max_sleep", "transport.driver"} {
		require.Contains(t, err.Error(), want)
	}

	console := *cfg
	console.Telegram.Token = ""
	console.Transport.Driver = "console"
	require.NoError(t, Validate(&console))
}

func TestSummarizeConfigChangeHidesSecrets(t *testing.T) {
	t.Parallel()
	oldCfg, err := Decode("c.yaml", []byte(sampleYAML))
	require.NoError(t, err)
	newCfg := *oldCfg
	newCfg.Storage.DSN = "postgres://user:secret@db/nudge"
	newCfg.Storage.Driver = "postgres"
	newCfg.Delivery.RetryMax = 5

	changed, attrs, restart := SummarizeConfigChange(oldCfg, &newCfg)
	require.Equal(t, []string{"delivery", "storage"}, changed)
	require.Equal(t, []string{"storage"}, restart)
	require.NotEmpty(t, attrs)

	same, _, _ := SummarizeConfigChange(oldCfg, oldCfg)
	require.Empty(t, same)
}

func TestWatchPublishesChanges(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	p := writeFile(t, dir, "config.yaml", sampleYAML)

	m := NewConfigManager(p)
	_, err := m.Load()
	require.NoError(t, err)

	var validated bool
	m.SetValidator(func(ctx context.Context, cfg *Config) error {
		validated = true
		return nil
	})
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()

	// Give the watcher a moment to register before writing.
	time.Sleep(100 * time.Millisecond)
	writeFile(t, dir, "config.yaml", strings.Replace(sampleYAML, "rescan_interval: 30s", "rescan_interval: 45s", 1))

	select {
	case cfg := <-ch:
		require.Equal(t, "45s", cfg.Scheduler.RescanInterval)
		require.True(t, validated)
	case <-time.After(5 * time.Second):
		t.Fatal("no config published")
	}
	cancel()
	<-done
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	d, err := ParseDurationOrDefault("x", "", time.Minute)
	require.NoError(t, err)
	require.Equal(t, time.Minute, d)

	d, err = ParseDurationOrDefault("x", "90s", time.Minute)
	require.NoError(t, err)
	require.Equal(t, 90*time.Second, d)

	_, err = ParseDurationField("x", "-1s")
	require.Error(t, err)
}

func TestExampleConfigIsValid(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(filepath.Join("..", "..", "config.example.yaml"))
	cfg, err := m.Load()
	require.NoError(t, err)
	require.Equal(t, "sqlite", cfg.Storage.Driver)
	require.Equal(t, []string{"24h", "2h"}, cfg.Escalation.Thresholds)
	require.True(t, cfg.Pregen.IsEnabled())
	require.Equal(t, 4, cfg.TaskEngine.Workers)
}
