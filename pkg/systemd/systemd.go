// Package systemd reports service readiness and watchdog liveness to systemd
// when running under a Type=notify unit. Outside systemd every call is a no-op.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// notifyFn is swapped in tests.
var notifyFn = daemon.SdNotify

// Ready sends READY=1. sent is false when NOTIFY_SOCKET is unset.
func Ready() (sent bool, err error) {
	return notifyFn(false, daemon.SdNotifyReady)
}

// Stopping sends STOPPING=1.
func Stopping() (sent bool, err error) {
	return notifyFn(false, daemon.SdNotifyStopping)
}

// Status sets the free-form status line shown by systemctl status.
func Status(msg string) (sent bool, err error) {
	return notifyFn(false, "STATUS="+msg)
}

// WatchdogInterval returns half of WATCHDOG_USEC, or 0 when the watchdog is
// not enabled for this process.
func WatchdogInterval() time.Duration {
	d, err := daemon.SdWatchdogEnabled(false)
	if err != nil || d <= 0 {
		return 0
	}
	return d / 2
}

// Watchdog pings WATCHDOG=1 every interval while healthy returns true. It
// returns when ctx is done. A zero interval returns immediately.
func Watchdog(ctx context.Context, interval time.Duration, healthy func() bool) error {
	if interval <= 0 {
		return nil
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if healthy != nil && !healthy() {
				continue
			}
			if _, err := notifyFn(false, daemon.SdNotifyWatchdog); err != nil {
				return err
			}
		}
	}
}
