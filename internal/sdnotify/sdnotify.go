// Package sdnotify reports service state to systemd: READY once the rate
// groups run, STOPPING on shutdown and WATCHDOG while health allows it.
// Every call is a no-op outside a systemd unit (NOTIFY_SOCKET unset).
package sdnotify

import (
	"fmt"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "ratecore/pkg/logx"
)

type Config struct {
	Notify   bool
	Watchdog bool
}

type Notifier struct {
	cfg Config
	log logx.Logger

	// interval is the systemd watchdog timeout; 0 disables strokes.
	interval time.Duration

	mu   sync.Mutex
	last time.Time
	sent uint64
}

func New(cfg Config, log logx.Logger) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	n := &Notifier{cfg: cfg, log: log}
	if cfg.Notify && cfg.Watchdog {
		d, err := daemon.SdWatchdogEnabled(false)
		if err != nil {
			log.Warn("systemd watchdog config invalid", logx.Err(err))
		}
		n.interval = d
	}
	return n
}

// WatchdogInterval returns the systemd watchdog timeout, 0 if disabled.
func (n *Notifier) WatchdogInterval() time.Duration { return n.interval }

func (n *Notifier) send(state string) bool {
	if !n.cfg.Notify {
		return false
	}
	ok, err := daemon.SdNotify(false, state)
	if err != nil {
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return false
	}
	return ok
}

// Ready announces startup completion with a status line.
func (n *Notifier) Ready(runID string) bool {
	ok := n.send(daemon.SdNotifyReady + "\nSTATUS=" + fmt.Sprintf("rate groups running (run %s)", runID))
	if ok {
		n.log.Info("systemd notified", logx.String("state", "READY"), logx.Duration("watchdog", n.interval))
	}
	return ok
}

func (n *Notifier) Stopping(reason string) bool {
	return n.send(daemon.SdNotifyStopping + "\nSTATUS=stopping: " + reason)
}

// Status updates the free-form status line shown by systemctl.
func (n *Notifier) Status(msg string) bool {
	return n.send("STATUS=" + msg)
}

// Stroke sends WATCHDOG=1 at most every half watchdog interval. It is the
// health sweeper's watchdog callback and runs on the tick path.
func (n *Notifier) Stroke() {
	if n.interval <= 0 {
		return
	}
	now := time.Now()
	n.mu.Lock()
	if !n.last.IsZero() && now.Sub(n.last) < n.interval/2 {
		n.mu.Unlock()
		return
	}
	n.last = now
	n.mu.Unlock()
	if n.send(daemon.SdNotifyWatchdog) {
		n.mu.Lock()
		n.sent++
		n.mu.Unlock()
	}
}

// Watchdog returns Stroke when the systemd watchdog is active, else nil.
func (n *Notifier) Watchdog() func() {
	if n.interval <= 0 {
		return nil
	}
	return n.Stroke
}

// Strokes returns how many WATCHDOG=1 messages were delivered.
func (n *Notifier) Strokes() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sent
}
