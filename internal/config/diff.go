package config

import (
	"reflect"
	"sort"
	"strings"

	logx "nudgebot/pkg/logx"
)

// SummarizeConfigChange returns (1) a sorted list of changed sections,
// (2) safe structured attrs for logging (never tokens, keys or DSNs), and
// (3) the changed sections that only take effect after a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	restart := make([]string, 0, 4)
	attrs := make([]logx.Field, 0, 24)

	// Telegram (never log token)
	if oldCfg.Telegram.Token != newCfg.Telegram.Token ||
		oldCfg.Telegram.OpsChatID != newCfg.Telegram.OpsChatID ||
		strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_changed", oldCfg.Telegram.Token != newCfg.Telegram.Token),
			logx.Bool("telegram.ops_chat_set", newCfg.Telegram.OpsChatID != 0),
		)
		if oldCfg.Telegram.Token != newCfg.Telegram.Token {
			restart = append(restart, "telegram")
		}
	}

	// Transport (never log the AMQP url)
	if !reflect.DeepEqual(oldCfg.Transport, newCfg.Transport) {
		changed = append(changed, "transport")
		restart = append(restart, "transport")
		attrs = append(attrs,
			logx.String("transport.driver", strings.TrimSpace(newCfg.Transport.Driver)),
			logx.String("transport.amqp.exchange", newCfg.Transport.AMQP.Exchange),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.ops_enabled", newCfg.Logging.Ops.Enabled),
		)
	}

	// Storage (never log DSN)
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		restart = append(restart, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(newCfg.Storage.DSN) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.rescan_interval", newCfg.Scheduler.RescanInterval),
			logx.String("scheduler.max_sleep", newCfg.Scheduler.MaxSleep),
			logx.Bool("scheduler.catalog_set", newCfg.Scheduler.CatalogPath != ""),
		)
		if oldCfg.Scheduler.Enabled != newCfg.Scheduler.Enabled || oldCfg.Scheduler.CatalogPath != newCfg.Scheduler.CatalogPath {
			restart = append(restart, "scheduler")
		}
	}

	if !reflect.DeepEqual(oldCfg.Pregen, newCfg.Pregen) {
		changed = append(changed, "pregen")
		attrs = append(attrs,
			logx.Bool("pregen.enabled", newCfg.Pregen.IsEnabled()),
			logx.String("pregen.lead_time", newCfg.Pregen.LeadTime),
			logx.String("pregen.timeout", newCfg.Pregen.Timeout),
			logx.String("pregen.cache_max_age", newCfg.Pregen.CacheMaxAge),
			logx.Int("pregen.cache_max_uses", newCfg.Pregen.CacheMaxUses),
		)
	}

	// Generator (never log api key)
	if !reflect.DeepEqual(oldCfg.Generator, newCfg.Generator) {
		changed = append(changed, "generator")
		restart = append(restart, "generator")
		attrs = append(attrs,
			logx.String("generator.provider", newCfg.Generator.Provider),
			logx.String("generator.model", newCfg.Generator.Model),
			logx.Bool("generator.api_key_set", newCfg.Generator.APIKey != "" || newCfg.Generator.APIKeyEnv != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Delivery, newCfg.Delivery) {
		changed = append(changed, "delivery")
		attrs = append(attrs,
			logx.Int("delivery.rate_per_sec", newCfg.Delivery.RatePerSec),
			logx.Int("delivery.retry_max", newCfg.Delivery.RetryMax),
			logx.String("delivery.retry_base", newCfg.Delivery.RetryBase),
		)
	}

	if !reflect.DeepEqual(oldCfg.Escalation, newCfg.Escalation) {
		changed = append(changed, "escalation")
		attrs = append(attrs,
			logx.Bool("escalation.enabled", newCfg.Escalation.IsEnabled()),
			logx.String("escalation.at", newCfg.Escalation.At),
			logx.Strings("escalation.thresholds", newCfg.Escalation.Thresholds),
		)
	}

	oTE, nTE := derefTaskEngine(oldCfg.TaskEngine), derefTaskEngine(newCfg.TaskEngine)
	if (oldCfg.TaskEngine != nil) != (newCfg.TaskEngine != nil) || oTE != nTE {
		changed = append(changed, "task_engine")
		restart = append(restart, "task_engine")
		attrs = append(attrs,
			logx.Int("task_engine.workers", nTE.Workers),
			logx.Int("task_engine.queue_size", nTE.QueueSize),
		)
	}

	// HTTP (never log token)
	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", strings.TrimSpace(newCfg.HTTP.Addr)),
			logx.Bool("http.token_set", strings.TrimSpace(newCfg.HTTP.Token) != ""),
			logx.Bool("http.pprof", newCfg.HTTP.Pprof),
		)
	}

	sort.Strings(changed)
	sort.Strings(restart)
	return changed, attrs, restart
}

func derefTaskEngine(te *TaskEngineConfig) TaskEngineConfig {
	if te == nil {
		return TaskEngineConfig{}
	}
	return *te
}
