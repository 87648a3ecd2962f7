package supervisor

import (
	"context"
	"time"

	"github.com/Dmitriy6778/FactoryIQ-sub000/internal/ports"
)

// Reconnecter is the part of the session manager the watchdog may touch.
type Reconnecter interface {
	ForceReconnect(reason string)
}

type Watchdog struct {
	server   string
	live     *Liveness
	target   Reconnecter
	timeout  time.Duration
	interval time.Duration
	obs      ports.Observability
}

func NewWatchdog(server string, live *Liveness, target Reconnecter, timeout, interval time.Duration, obs ports.Observability) *Watchdog {
	if interval <= 0 {
		interval = timeout / 4
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Watchdog{
		server:   server,
		live:     live,
		target:   target,
		timeout:  timeout,
		interval: interval,
		obs:      obs,
	}
}

// Check fires a forced reconnect if the server has been silent for longer
// than the timeout, then re-arms so the next firing needs another full
// timeout of silence.
func (w *Watchdog) Check(now time.Time) bool {
	silence := w.live.Silence(now)
	if silence <= w.timeout {
		return false
	}
	w.obs.LogWarn("watchdog_fired", nil,
		ports.Field{Key: "server", Value: w.server},
		ports.Field{Key: "silence", Value: silence.Round(time.Millisecond).String()},
		ports.Field{Key: "timeout", Value: w.timeout.String()})
	w.obs.IncCounter(ports.MetricWatchdogFired, 1)
	w.live.TouchAt(now)
	w.target.ForceReconnect("watchdog")
	return true
}

func (w *Watchdog) Run(ctx context.Context) error {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-t.C:
			w.Check(now)
		}
	}
}
