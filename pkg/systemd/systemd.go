// Package systemd reports daemon state to the service manager when the
// process runs under systemd. Every call is a no-op otherwise.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Ready tells systemd that start-up finished.
func Ready(status string) (bool, error) {
	return daemon.SdNotify(false, daemon.SdNotifyReady+"\nSTATUS="+status)
}

// Stopping tells systemd that shutdown began.
func Stopping() (bool, error) {
	return daemon.SdNotify(false, daemon.SdNotifyStopping)
}

// Status updates the one-line unit status.
func Status(status string) (bool, error) {
	return daemon.SdNotify(false, "STATUS="+status)
}

// Watchdog pings the systemd watchdog at half its interval until ctx ends.
// healthy gates each ping; a false result skips it so systemd restarts a
// wedged daemon. It returns immediately when no watchdog is configured.
func Watchdog(ctx context.Context, healthy func() bool) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return err
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if healthy != nil && !healthy() {
				continue
			}
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				return err
			}
		}
	}
}
