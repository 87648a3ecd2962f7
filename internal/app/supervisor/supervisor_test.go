package supervisor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/Dmitriy6778/FactoryIQ-sub000/internal/adapters/observability"
	"github.com/Dmitriy6778/FactoryIQ-sub000/internal/app/session"
)

type fakeTarget struct {
	mu       sync.Mutex
	reasons  []string
	hbErr    error
	clock    time.Time
	degraded int
	healthy  int
}

func (f *fakeTarget) ForceReconnect(reason string) {
	f.mu.Lock()
	f.reasons = append(f.reasons, reason)
	f.mu.Unlock()
}

func (f *fakeTarget) Heartbeat(context.Context) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.clock.IsZero() {
		return f.clock, f.hbErr
	}
	return time.Now(), f.hbErr
}

func (f *fakeTarget) MarkDegraded(error) {
	f.mu.Lock()
	f.degraded++
	f.mu.Unlock()
}

func (f *fakeTarget) MarkHealthy() {
	f.mu.Lock()
	f.healthy++
	f.mu.Unlock()
}

func (f *fakeTarget) forced() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reasons)
}

func (f *fakeTarget) setErr(err error) {
	f.mu.Lock()
	f.hbErr = err
	f.mu.Unlock()
}

type fakeRepublisher struct {
	calls  int
	tagIDs []int64
	at     time.Time
}

func (r *fakeRepublisher) Republish(now time.Time, tagIDs []int64) int {
	r.calls++
	r.tagIDs = tagIDs
	r.at = now
	return len(tagIDs)
}

func TestWatchdogFiresOnlyAfterTimeout(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	live := NewLiveness(start)
	target := &fakeTarget{}
	w := NewWatchdog("press-1", live, target, 30*time.Second, 5*time.Second, observability.NewNop())

	assert.False(t, w.Check(start.Add(29*time.Second)))
	assert.False(t, w.Check(start.Add(30*time.Second)))
	assert.Equal(t, 0, target.forced())

	assert.True(t, w.Check(start.Add(31*time.Second)))
	assert.Equal(t, 1, target.forced())

	// Re-armed: the next firing needs another full timeout of silence.
	assert.False(t, w.Check(start.Add(45*time.Second)))
	assert.True(t, w.Check(start.Add(62*time.Second)))
	assert.Equal(t, 2, target.forced())
}

func TestWatchdogStaysQuietWhileSamplesFlow(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	live := NewLiveness(start)
	target := &fakeTarget{}
	w := NewWatchdog("press-1", live, target, 10*time.Second, time.Second, observability.NewNop())

	for i := 1; i <= 100; i++ {
		now := start.Add(time.Duration(i) * time.Second)
		live.TouchAt(now)
		w.Check(now)
	}
	assert.Equal(t, 0, target.forced())
}

func TestWatchdogRun(t *testing.T) {
	defer goleak.VerifyNone(t)

	live := NewLiveness(time.Now().Add(-time.Hour))
	target := &fakeTarget{}
	w := NewWatchdog("press-1", live, target, 50*time.Millisecond, 5*time.Millisecond, observability.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	require.Eventually(t, func() bool { return target.forced() >= 1 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func TestHeartbeatSuccessTouchesLivenessAndRepublishes(t *testing.T) {
	live := NewLiveness(time.Now().Add(-time.Hour))
	target := &fakeTarget{}
	rep := &fakeRepublisher{}
	h := NewHeartbeatMonitor("press-1", []int64{1, 2}, target, live, rep,
		HeartbeatOptions{Interval: time.Second, Timeout: 100 * time.Millisecond, MaxFailures: 3}, observability.NewNop())

	require.NoError(t, h.Beat(context.Background()))
	assert.Less(t, live.Silence(time.Now()), time.Second)
	assert.Equal(t, 1, rep.calls)
	assert.Equal(t, []int64{1, 2}, rep.tagIDs)
	assert.Equal(t, 1, target.healthy)
}

func TestHeartbeatRepublishesAtServerTime(t *testing.T) {
	serverClock := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	target := &fakeTarget{clock: serverClock}
	rep := &fakeRepublisher{}
	h := NewHeartbeatMonitor("press-1", []int64{1}, target, NewLiveness(time.Now()), rep,
		HeartbeatOptions{Interval: time.Second, MaxFailures: 3}, observability.NewNop())

	require.NoError(t, h.Beat(context.Background()))
	assert.True(t, rep.at.Equal(serverClock), "republished at %s", rep.at)
}

func TestHeartbeatEscalatesAfterMaxFailures(t *testing.T) {
	live := NewLiveness(time.Now())
	target := &fakeTarget{hbErr: errors.New("BadTimeout")}
	h := NewHeartbeatMonitor("press-1", nil, target, live, nil,
		HeartbeatOptions{Interval: time.Second, MaxFailures: 3}, observability.NewNop())

	for i := 0; i < 2; i++ {
		require.Error(t, h.Beat(context.Background()))
	}
	assert.Equal(t, 0, target.forced())
	assert.Equal(t, 2, target.degraded)

	require.Error(t, h.Beat(context.Background()))
	assert.Equal(t, 1, target.forced())

	// A success in between resets the count.
	target.setErr(nil)
	require.NoError(t, h.Beat(context.Background()))
	target.setErr(errors.New("BadTimeout"))
	for i := 0; i < 2; i++ {
		require.Error(t, h.Beat(context.Background()))
	}
	assert.Equal(t, 1, target.forced())
}

func TestHeartbeatIgnoresDisconnectedSession(t *testing.T) {
	target := &fakeTarget{hbErr: session.ErrNotConnected}
	h := NewHeartbeatMonitor("press-1", nil, target, NewLiveness(time.Now()), nil,
		HeartbeatOptions{Interval: time.Second, MaxFailures: 1}, observability.NewNop())

	for i := 0; i < 5; i++ {
		require.ErrorIs(t, h.Beat(context.Background()), session.ErrNotConnected)
	}
	assert.Equal(t, 0, target.forced())
}

func TestDeadmanHorizon(t *testing.T) {
	d := NewDeadman(DeadmanOptions{Timeout: time.Minute, StartupGrace: 5 * time.Minute}, observability.NewNop())
	start := d.start

	expired, _ := d.Expired(start.Add(2 * time.Minute))
	assert.False(t, expired, "startup grace extends the first horizon")
	expired, _ = d.Expired(start.Add(5*time.Minute + time.Second))
	assert.True(t, expired)

	d.MarkAt(start.Add(5 * time.Minute))
	expired, _ = d.Expired(start.Add(5*time.Minute + 59*time.Second))
	assert.False(t, expired)
	expired, idle := d.Expired(start.Add(6*time.Minute + time.Second))
	assert.True(t, expired)
	assert.Equal(t, time.Minute+time.Second, idle)
}

func TestDeadmanRunExitsWithConfiguredCode(t *testing.T) {
	defer goleak.VerifyNone(t)

	var code atomic.Int32
	d := NewDeadman(DeadmanOptions{
		Timeout:       30 * time.Millisecond,
		CheckInterval: 5 * time.Millisecond,
		ExitCode:      3,
		Exit:          func(c int) { code.Store(int32(c)) },
	}, observability.NewNop())

	err := d.Run(context.Background())
	require.ErrorIs(t, err, ErrDeadmanExpired)
	assert.Equal(t, int32(3), code.Load())
}

func TestDeadmanRunKeptAliveByCommits(t *testing.T) {
	defer goleak.VerifyNone(t)

	var fired atomic.Bool
	d := NewDeadman(DeadmanOptions{
		Timeout:       40 * time.Millisecond,
		CheckInterval: 5 * time.Millisecond,
		Exit:          func(int) { fired.Store(true) },
	}, observability.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.Run(ctx)
	}()

	stop := time.After(200 * time.Millisecond)
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
loop:
	for {
		select {
		case <-tick.C:
			d.Mark()
		case <-stop:
			break loop
		}
	}
	cancel()
	<-done
	assert.False(t, fired.Load())
}
