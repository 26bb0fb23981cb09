// Package sdnotify reports service state to systemd when running under it.
// Outside systemd every call is a cheap no-op.
package sdnotify

import (
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "gardenbot/pkg/logx"
)

type Notifier struct {
	log logx.Logger

	mu        sync.Mutex
	interval  time.Duration
	lastPing  time.Time
	unitAware bool
}

func New(log logx.Logger) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	n := &Notifier{log: log}
	if d, err := daemon.SdWatchdogEnabled(false); err == nil && d > 0 {
		// systemd recommends pinging at half the configured timeout.
		n.interval = d / 2
	}
	return n
}

// WatchdogInterval returns 0 when the watchdog is not enabled.
func (n *Notifier) WatchdogInterval() time.Duration {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.interval
}

func (n *Notifier) Ready() {
	ok, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		n.log.Warn("sd_notify ready failed", logx.Err(err))
		return
	}
	n.mu.Lock()
	n.unitAware = ok
	n.mu.Unlock()
	if ok {
		n.log.Info("systemd notified ready", logx.Duration("watchdog", n.WatchdogInterval()))
	}
}

func (n *Notifier) Stopping() {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
}

// Ping sends WATCHDOG=1, throttled to the watchdog interval.
func (n *Notifier) Ping() {
	n.mu.Lock()
	if n.interval <= 0 || time.Since(n.lastPing) < n.interval/2 {
		n.mu.Unlock()
		return
	}
	n.lastPing = time.Now()
	n.mu.Unlock()
	if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
		n.log.Debug("sd_notify watchdog failed", logx.Err(err))
	}
}
