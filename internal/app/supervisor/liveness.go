// Package supervisor watches the pipeline from the outside: per-server
// liveness (watchdog, heartbeat) and process-wide forward progress (deadman).
package supervisor

import (
	"sync/atomic"
	"time"
)

// Liveness is the last instant a server showed signs of life.
type Liveness struct {
	last atomic.Int64
}

func NewLiveness(now time.Time) *Liveness {
	l := &Liveness{}
	l.TouchAt(now)
	return l
}

func (l *Liveness) Touch() { l.TouchAt(time.Now()) }

func (l *Liveness) TouchAt(t time.Time) { l.last.Store(t.UnixNano()) }

func (l *Liveness) LastSeen() time.Time { return time.Unix(0, l.last.Load()) }

// Silence is how long the server has been quiet as of now.
func (l *Liveness) Silence(now time.Time) time.Duration {
	return now.Sub(l.LastSeen())
}
