package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Dmitriy6778/FactoryIQ-sub000/internal/app/session"
	"github.com/Dmitriy6778/FactoryIQ-sub000/internal/ports"
)

// HeartbeatTarget is the session manager as seen by the heartbeat monitor.
type HeartbeatTarget interface {
	Reconnecter
	Heartbeat(ctx context.Context) (time.Time, error)
	MarkDegraded(err error)
	MarkHealthy()
}

// Republisher re-forwards the last value of flat tags.
type Republisher interface {
	Republish(now time.Time, tagIDs []int64) int
}

type HeartbeatOptions struct {
	Interval    time.Duration
	Timeout     time.Duration
	MaxFailures int
}

type HeartbeatMonitor struct {
	server string
	tagIDs []int64
	target HeartbeatTarget
	live   *Liveness
	queue  Republisher
	opts   HeartbeatOptions
	obs    ports.Observability
	failed int
}

func NewHeartbeatMonitor(server string, tagIDs []int64, target HeartbeatTarget, live *Liveness, queue Republisher, opts HeartbeatOptions, obs ports.Observability) *HeartbeatMonitor {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if opts.Timeout <= 0 || opts.Timeout > opts.Interval {
		opts.Timeout = opts.Interval
	}
	if opts.MaxFailures <= 0 {
		opts.MaxFailures = 3
	}
	return &HeartbeatMonitor{
		server: server,
		tagIDs: tagIDs,
		target: target,
		live:   live,
		queue:  queue,
		opts:   opts,
		obs:    obs,
	}
}

// Beat runs one heartbeat read. Not safe for concurrent use; Run calls it from a
// single goroutine.
func (h *HeartbeatMonitor) Beat(ctx context.Context) error {
	readCtx, cancel := context.WithTimeout(ctx, h.opts.Timeout)
	serverNow, err := h.target.Heartbeat(readCtx)
	cancel()

	if errors.Is(err, session.ErrNotConnected) {
		// The manager is already reconnecting; the watchdog covers a dial
		// that never finishes.
		h.failed = 0
		return err
	}
	if err != nil {
		h.failed++
		h.obs.IncCounter(ports.MetricHeartbeatFailures, 1)
		h.target.MarkDegraded(err)
		h.obs.LogWarn("heartbeat_failed", err,
			ports.Field{Key: "server", Value: h.server},
			ports.Field{Key: "consecutive", Value: h.failed})
		if h.failed >= h.opts.MaxFailures {
			h.failed = 0
			h.target.ForceReconnect("heartbeat")
		}
		return fmt.Errorf("heartbeat %s: %w", h.server, err)
	}

	h.failed = 0
	now := time.Now()
	h.live.TouchAt(now)
	h.target.MarkHealthy()
	if h.queue != nil {
		// Sample timestamps come from the server clock, so republished
		// rows use it too.
		if serverNow.IsZero() {
			serverNow = now
		}
		h.queue.Republish(serverNow, h.tagIDs)
	}
	return nil
}

func (h *HeartbeatMonitor) Run(ctx context.Context) error {
	t := time.NewTicker(h.opts.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			_ = h.Beat(ctx)
		}
	}
}
