package app

import (
	"context"
	"strings"

	"nudgebot/internal/config"
	logx "nudgebot/pkg/logx"
)

// reloadLoop fans committed configs out to the live components. Sections
// that are wired at construction (storage, transport, generator, task engine)
// only log that a restart is needed.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					drained = true
				}
			}
			if newCfg == nil {
				continue
			}
			a.applyConfig(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if len(restart) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.Strings("sections", restart))
	}

	a.logs.Apply(mapLoggingConfig(newCfg))

	if ncfg, err := mapNotifierConfig(newCfg); err != nil {
		a.log.Warn("invalid delivery config; keeping previous", logx.Err(err))
	} else {
		a.notif.Apply(ncfg)
	}

	if a.pregen != nil {
		if pcfg, err := mapPregenConfig(newCfg); err != nil {
			a.log.Warn("invalid pregen config; keeping previous", logx.Err(err))
		} else {
			a.pregen.Apply(pcfg)
		}
	} else if newCfg.Pregen.IsEnabled() {
		a.log.Warn("pregen enabled via config; restart required")
	}

	if a.sweeper != nil {
		if err := a.sweeper.Apply(mapEscalationConfig(newCfg)); err != nil {
			a.log.Warn("invalid escalation config; keeping previous", logx.Err(err))
		}
	} else if newCfg.Escalation.IsEnabled() {
		a.log.Warn("escalation enabled via config; restart required")
	}

	// Scheduler last: Apply forces a rescan, which picks up the sweep cadence.
	if scfg, err := mapSchedulerConfig(newCfg); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		a.sched.Apply(scfg)
	}

	a.http.Reconfigure(ctx, mapHTTPConfig(newCfg))

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}
