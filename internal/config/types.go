package config

type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Transport TransportConfig `json:"transport"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`

	Pregen     PregenConfig     `json:"pregen"`
	Generator  GeneratorConfig  `json:"generator"`
	Delivery   DeliveryConfig   `json:"delivery"`
	Escalation EscalationConfig `json:"escalation"`

	// TaskEngine controls the worker pool used for fires and pre-generation.
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`

	HTTP HTTPConfig `json:"http,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// OpsChatID receives warn+ log records when logging.ops is enabled.
	OpsChatID int64 `json:"ops_chat_id,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

// TransportConfig selects the delivery adapter.
//
// Drivers:
//   - "telegram" (default): send through the bot API
//   - "amqp": publish JSON messages to an exchange for an external push service
//   - "console": write messages to stdout (development)
type TransportConfig struct {
	Driver string     `json:"driver"`
	AMQP   AMQPConfig `json:"amqp,omitempty"`
}

type AMQPConfig struct {
	URL        string `json:"url,omitempty"` // do not log
	Exchange   string `json:"exchange,omitempty"`
	RoutingKey string `json:"routing_key,omitempty"`
}

type LoggingConfig struct {
	Level   string         `json:"level"`
	Console bool           `json:"console"`
	File    LoggingFile    `json:"file"`
	Ops     LoggingOpsSink `json:"ops"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingOpsSink struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id,omitempty"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// StorageConfig controls persistence of the catalog and the occurrence ledger.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/nudgebot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`          // postgres; do not log
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// SchedulerConfig controls the scheduling loop.
//
// Defaults:
//   - rescan_interval: "1m"
//   - max_sleep: "5m"
//   - fire_timeout: "2m"
type SchedulerConfig struct {
	Enabled        bool   `json:"enabled"`
	RescanInterval string `json:"rescan_interval,omitempty"`
	MaxSleep       string `json:"max_sleep,omitempty"`
	FireTimeout    string `json:"fire_timeout,omitempty"`
	// CatalogPath is an optional YAML catalog synced into storage on every rescan.
	CatalogPath string `json:"catalog_path,omitempty"`
}

// PregenConfig controls AI content pre-generation.
// Enabled is a pointer so an omitted section defaults to on.
type PregenConfig struct {
	Enabled  *bool  `json:"enabled,omitempty"`
	LeadTime string `json:"lead_time,omitempty"` // default "5m"
	Timeout  string `json:"timeout,omitempty"`   // default "60s"
	// Generated content younger than CacheMaxAge and delivered fewer than
	// CacheMaxUses times is reused. A negative CacheMaxUses disables reuse.
	CacheMaxAge  string `json:"cache_max_age,omitempty"`  // default "168h"
	CacheMaxUses int    `json:"cache_max_uses,omitempty"` // default 5
}

// GeneratorConfig configures the content generator.
//
// Provider "openai" talks to any OpenAI-compatible chat completions endpoint.
// Without an API key the static keyword generator is used.
type GeneratorConfig struct {
	Provider   string  `json:"provider,omitempty"`
	BaseURL    string  `json:"base_url,omitempty"`
	APIKey     string  `json:"api_key,omitempty"` // do not log
	APIKeyEnv  string  `json:"api_key_env,omitempty"`
	Model      string  `json:"model,omitempty"`
	MaxTokens  int     `json:"max_tokens,omitempty"`
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
}

// DeliveryConfig controls outbound message delivery.
type DeliveryConfig struct {
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	SendTimeout   string `json:"send_timeout,omitempty"`
}

// EscalationConfig controls the delegation deadline sweep.
//
// At is "HH:MM" (daily, UTC) or a cron expression evaluated in UTC.
// Thresholds are Go durations ("24h") or percentages of the assignment window ("50%").
type EscalationConfig struct {
	Enabled    *bool    `json:"enabled,omitempty"`
	At         string   `json:"at,omitempty"`
	Thresholds []string `json:"thresholds,omitempty"`
	RunOnStart bool     `json:"run_on_start,omitempty"`
}

// TaskEngineConfig controls the task execution engine.
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - queue_size: 256
//   - history_size: 200
type TaskEngineConfig struct {
	Workers     int `json:"workers,omitempty"`
	QueueSize   int `json:"queue_size,omitempty"`
	HistorySize int `json:"history_size,omitempty"`
}

// HTTPConfig controls the operational HTTP server (/metrics, /healthz, pprof).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:9090").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
}

func (c PregenConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

func (c EscalationConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}
