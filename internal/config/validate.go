package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Validate checks values that can be verified without building components.
// Cadence and threshold syntax are checked by the app's reload validator.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Transport.Driver)) {
	case "", "telegram":
		if strings.TrimSpace(cfg.Telegram.Token) == "" {
			add(errors.New("telegram.token: required for the telegram transport"))
		}
	case "amqp":
		if strings.TrimSpace(cfg.Transport.AMQP.URL) == "" {
			add(errors.New("transport.amqp.url: required"))
		}
	case "console":
	default:
		add(fmt.Errorf("transport.driver: unknown driver %q", cfg.Transport.Driver))
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "none", "memory":
	case "file", "sqlite":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			add(fmt.Errorf("storage.path: required for driver %q", cfg.Storage.Driver))
		}
	case "postgres":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			add(errors.New("storage.dsn: required for driver postgres"))
		}
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Generator.Provider)) {
	case "", "openai", "static":
	default:
		add(fmt.Errorf("generator.provider: unknown provider %q", cfg.Generator.Provider))
	}

	durations := map[string]string{
		"telegram.poll_timeout":     cfg.Telegram.PollTimeout,
		"storage.busy_timeout":      cfg.Storage.BusyTimeout,
		"scheduler.rescan_interval": cfg.Scheduler.RescanInterval,
		"scheduler.max_sleep":       cfg.Scheduler.MaxSleep,
		"scheduler.fire_timeout":    cfg.Scheduler.FireTimeout,
		"pregen.lead_time":          cfg.Pregen.LeadTime,
		"pregen.timeout":            cfg.Pregen.Timeout,
		"pregen.cache_max_age":      cfg.Pregen.CacheMaxAge,
		"delivery.retry_base":       cfg.Delivery.RetryBase,
		"delivery.retry_max_delay":  cfg.Delivery.RetryMaxDelay,
		"delivery.send_timeout":     cfg.Delivery.SendTimeout,
	}
	for path, raw := range durations {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	if cfg.Delivery.RetryMax < 0 {
		add(errors.New("delivery.retry_max: must be >= 0"))
	}
	if cfg.Delivery.RatePerSec < 0 {
		add(errors.New("delivery.rate_per_sec: must be >= 0"))
	}
	if cfg.Generator.RatePerSec < 0 {
		add(errors.New("generator.rate_per_sec: must be >= 0"))
	}
	for i, th := range cfg.Escalation.Thresholds {
		if strings.TrimSpace(th) == "" {
			add(fmt.Errorf("escalation.thresholds[%d]: empty", i))
		}
	}
	if te := cfg.TaskEngine; te != nil {
		if te.Workers < 0 || te.QueueSize < 0 || te.HistorySize < 0 {
			add(errors.New("task_engine: values must be >= 0"))
		}
	}
	if cfg.HTTP.Enabled && strings.TrimSpace(cfg.HTTP.Addr) != "" {
		if _, port, err := net.SplitHostPort(cfg.HTTP.Addr); err != nil {
			add(fmt.Errorf("http.addr: %w", err))
		} else if _, err := strconv.Atoi(port); err != nil {
			add(fmt.Errorf("http.addr: invalid port %q", port))
		}
	}
	return errors.Join(errs...)
}
