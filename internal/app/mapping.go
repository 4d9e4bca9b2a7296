package app

import (
	"fmt"
	"strings"
	"time"

	"nudgebot/internal/config"
	"nudgebot/internal/escalation"
	"nudgebot/internal/generator"
	"nudgebot/internal/notifier"
	"nudgebot/internal/observability/httpserver"
	"nudgebot/internal/pregen"
	"nudgebot/internal/storage"
	"nudgebot/internal/task/engine"
	"nudgebot/internal/task/scheduler"
	logx "nudgebot/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Ops: logx.OpsConfig{
			Enabled:    cfg.Logging.Ops.Enabled && cfg.Telegram.OpsChatID != 0,
			ChatID:     cfg.Telegram.OpsChatID,
			ThreadID:   cfg.Logging.Ops.ThreadID,
			MinLevel:   cfg.Logging.Ops.MinLevel,
			RatePerSec: cfg.Logging.Ops.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		driver = "memory"
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      driver,
		Path:        strings.TrimSpace(sc.Path),
		DSN:         strings.TrimSpace(sc.DSN),
		BusyTimeout: busy,
	}, nil
}

func mapTaskEngineConfig(cfg *config.Config) engine.Config {
	out := engine.Config{Workers: 4, QueueSize: 256, HistorySize: 200, RetryMax: 0}
	if te := cfg.TaskEngine; te != nil {
		if te.Workers > 0 {
			out.Workers = te.Workers
		}
		if te.QueueSize > 0 {
			out.QueueSize = te.QueueSize
		}
		if te.HistorySize > 0 {
			out.HistorySize = te.HistorySize
		}
	}
	return out
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	rescan, err := config.ParseDurationOrDefault("scheduler.rescan_interval", cfg.Scheduler.RescanInterval, time.Minute)
	if err != nil {
		return scheduler.Config{}, err
	}
	maxSleep, err := config.ParseDurationOrDefault("scheduler.max_sleep", cfg.Scheduler.MaxSleep, time.Minute)
	if err != nil {
		return scheduler.Config{}, err
	}
	fireTimeout, err := config.ParseDurationOrDefault("scheduler.fire_timeout", cfg.Scheduler.FireTimeout, 2*time.Minute)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		RescanInterval: rescan,
		MaxSleep:       maxSleep,
		FireTimeout:    fireTimeout,
		SweepOnStart:   cfg.Escalation.IsEnabled() && cfg.Escalation.RunOnStart,
	}, nil
}

func mapPregenConfig(cfg *config.Config) (pregen.Config, error) {
	lead, err := config.ParseDurationOrDefault("pregen.lead_time", cfg.Pregen.LeadTime, 5*time.Minute)
	if err != nil {
		return pregen.Config{}, err
	}
	timeout, err := config.ParseDurationOrDefault("pregen.timeout", cfg.Pregen.Timeout, 60*time.Second)
	if err != nil {
		return pregen.Config{}, err
	}
	maxAge, err := config.ParseDurationOrDefault("pregen.cache_max_age", cfg.Pregen.CacheMaxAge, 7*24*time.Hour)
	if err != nil {
		return pregen.Config{}, err
	}
	return pregen.Config{
		Lead:         lead,
		Timeout:      timeout,
		CacheMaxAge:  maxAge,
		CacheMaxUses: cfg.Pregen.CacheMaxUses,
	}, nil
}

func mapGeneratorConfig(cfg *config.Config) generator.Config {
	g := cfg.Generator
	return generator.Config{
		BaseURL:    strings.TrimSpace(g.BaseURL),
		APIKey:     g.APIKey,
		APIKeyEnv:  g.APIKeyEnv,
		Model:      strings.TrimSpace(g.Model),
		MaxTokens:  g.MaxTokens,
		RatePerSec: g.RatePerSec,
	}
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	d := cfg.Delivery
	base, err := config.ParseDurationOrDefault("delivery.retry_base", d.RetryBase, 500*time.Millisecond)
	if err != nil {
		return notifier.Config{}, err
	}
	maxDelay, err := config.ParseDurationOrDefault("delivery.retry_max_delay", d.RetryMaxDelay, 10*time.Second)
	if err != nil {
		return notifier.Config{}, err
	}
	sendTimeout, err := config.ParseDurationOrDefault("delivery.send_timeout", d.SendTimeout, 10*time.Second)
	if err != nil {
		return notifier.Config{}, err
	}
	if d.RetryMax < 0 {
		return notifier.Config{}, fmt.Errorf("delivery.retry_max: must be >= 0")
	}
	retries := d.RetryMax
	if retries == 0 {
		retries = 3
	}
	return notifier.Config{
		RatePerSec:    float64(d.RatePerSec),
		RetryMax:      retries,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
		SendTimeout:   sendTimeout,
	}, nil
}

func mapEscalationConfig(cfg *config.Config) escalation.Config {
	return escalation.Config{
		At:         strings.TrimSpace(cfg.Escalation.At),
		Thresholds: cfg.Escalation.Thresholds,
	}
}

func mapHTTPConfig(cfg *config.Config) httpserver.Config {
	return httpserver.Config{
		Enabled:       cfg.HTTP.Enabled,
		Addr:          strings.TrimSpace(cfg.HTTP.Addr),
		Token:         strings.TrimSpace(cfg.HTTP.Token),
		AllowInsecure: cfg.HTTP.AllowInsecure,
		Pprof:         cfg.HTTP.Pprof,
	}
}

// validateReload rejects configs whose values only fail when a component
// parses them. config.Validate has already run.
func validateReload(cfg *config.Config) error {
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapPregenConfig(cfg); err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	if cfg.Escalation.IsEnabled() {
		ec := mapEscalationConfig(cfg)
		if ec.At != "" {
			if _, err := escalation.ParseCadence(ec.At); err != nil {
				return fmt.Errorf("escalation.at: %w", err)
			}
		}
		if len(ec.Thresholds) > 0 {
			if _, err := escalation.ParseThresholds(ec.Thresholds); err != nil {
				return fmt.Errorf("escalation.thresholds: %w", err)
			}
		}
	}
	return nil
}
