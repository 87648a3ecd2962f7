package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/Dmitriy6778/FactoryIQ-sub000/internal/ports"
)

// ErrDeadmanExpired is returned by Deadman.Run when the exit hook returns,
// which only happens in tests.
var ErrDeadmanExpired = errors.New("deadman expired")

// FatalExit terminates the process immediately with code. Deferred
// functions do not run.
func FatalExit(code int) {
	os.Exit(code)
}

type DeadmanOptions struct {
	Timeout       time.Duration
	StartupGrace  time.Duration
	CheckInterval time.Duration
	ExitCode      int
	// Exit replaces FatalExit.
	Exit func(code int)
}

// Deadman ends the process when nothing has been committed for too long.
// It reads only atomics so a wedged pipeline cannot block it.
type Deadman struct {
	opts  DeadmanOptions
	start time.Time
	last  atomic.Int64
	obs   ports.Observability
}

func NewDeadman(opts DeadmanOptions, obs ports.Observability) *Deadman {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Minute
	}
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = 10 * time.Second
	}
	if opts.ExitCode == 0 {
		opts.ExitCode = 3
	}
	if opts.Exit == nil {
		opts.Exit = FatalExit
	}
	return &Deadman{opts: opts, start: time.Now(), obs: obs}
}

// Mark records a successful commit.
func (d *Deadman) Mark() { d.MarkAt(time.Now()) }

func (d *Deadman) MarkAt(t time.Time) { d.last.Store(t.UnixNano()) }

// LastCommit reports the last Mark, if any.
func (d *Deadman) LastCommit() (time.Time, bool) {
	n := d.last.Load()
	if n == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, n), true
}

// Expired reports whether the horizon has passed as of now, and how long the
// pipeline has gone without a commit.
func (d *Deadman) Expired(now time.Time) (bool, time.Duration) {
	if last, ok := d.LastCommit(); ok {
		idle := now.Sub(last)
		return idle > d.opts.Timeout, idle
	}
	horizon := max(d.opts.Timeout, d.opts.StartupGrace)
	idle := now.Sub(d.start)
	return idle > horizon, idle
}

func (d *Deadman) Run(ctx context.Context) error {
	t := time.NewTicker(d.opts.CheckInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-t.C:
			expired, idle := d.Expired(now)
			if !expired {
				continue
			}
			_, committed := d.LastCommit()
			err := fmt.Errorf("%w: no commit for %s", ErrDeadmanExpired, idle.Round(time.Second))
			d.obs.LogCritical("deadman_expired", err,
				ports.Field{Key: "timeout", Value: d.opts.Timeout.String()},
				ports.Field{Key: "ever_committed", Value: committed},
				ports.Field{Key: "exit_code", Value: d.opts.ExitCode})
			d.opts.Exit(d.opts.ExitCode)
			return err
		}
	}
}
