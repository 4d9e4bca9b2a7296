// Package systemd reports service state to systemd for Type=notify units.
// Every call is a no-op when the process was not started by systemd.
package systemd

import (
	"context"
	"time"

	logx "nudgebot/pkg/logx"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Ready tells systemd startup finished. It reports whether a notification
// socket was found.
func Ready() (bool, error) {
	return daemon.SdNotify(false, daemon.SdNotifyReady)
}

func Stopping() (bool, error) {
	return daemon.SdNotify(false, daemon.SdNotifyStopping)
}

// Status sets the free-form status line shown by systemctl status.
func Status(msg string) (bool, error) {
	return daemon.SdNotify(false, "STATUS="+msg)
}

// Watchdog pings the systemd watchdog at half its interval until ctx is done.
// A ping is skipped while healthy returns false, so a wedged process gets
// restarted. It returns at once when WatchdogSec is not configured.
func Watchdog(ctx context.Context, healthy func() bool, log logx.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	every := interval / 2
	log.Info("systemd watchdog enabled", logx.Duration("interval", interval))

	t := time.NewTicker(every)
	defer t.Stop()
	unhealthy := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		if healthy != nil && !healthy() {
			if !unhealthy {
				log.Warn("unhealthy; withholding watchdog ping")
			}
			unhealthy = true
			continue
		}
		if unhealthy {
			log.Info("healthy again; resuming watchdog ping")
			unhealthy = false
		}
		if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
			log.Warn("watchdog ping failed", logx.Err(err))
		}
	}
}
