package queue

import (
	"math"
	"sync"
	"time"

	"github.com/Dmitriy6778/FactoryIQ-sub000/internal/domain"
	"github.com/Dmitriy6778/FactoryIQ-sub000/internal/ports"
)

// OverflowFunc receives samples evicted from the head of a full queue. It is
// called without the queue lock held.
type OverflowFunc func(evicted []*domain.Sample)

// Options shapes a DedupQueue.
type Options struct {
	// MaxPending is the memory watermark; above it the oldest samples are
	// evicted, EvictBatch at a time, to the overflow handler.
	MaxPending int
	EvictBatch int
	// FlushThreshold signals Ready once the queue holds this many samples.
	FlushThreshold int
	// HeartbeatInterval is how long an unchanged value may be suppressed
	// before it is forwarded again.
	HeartbeatInterval time.Duration
	// Epsilon is the absolute tolerance under which two values are equal.
	Epsilon  float64
	Overflow OverflowFunc
}

type lastForwarded struct {
	value   float64
	null    bool
	quality uint32
	// ts is the last forward, republishes included; it drives the
	// heartbeat interval.
	ts time.Time
	// source is the timestamp of the last sample that came from the
	// server; only it orders later samples.
	source time.Time
}

// DedupQueue keeps the last forwarded value per tag and an arrival-ordered
// queue of samples awaiting persistence. One mutex guards both.
type DedupQueue struct {
	mu sync.Mutex
	// spillMu keeps overflow hand-offs in eviction order. It is taken while
	// mu is held and released after the handler returns.
	spillMu sync.Mutex
	data    []*domain.Sample
	last    map[int64]lastForwarded
	opts    Options
	ready   chan struct{}

	suppressed uint64
	evicted    uint64
}

func NewDedupQueue(opts Options) *DedupQueue {
	if opts.MaxPending <= 0 {
		opts.MaxPending = 100_000
	}
	if opts.EvictBatch <= 0 || opts.EvictBatch > opts.MaxPending {
		opts.EvictBatch = opts.MaxPending / 10
		if opts.EvictBatch == 0 {
			opts.EvictBatch = 1
		}
	}
	if opts.FlushThreshold <= 0 || opts.FlushThreshold > opts.MaxPending {
		opts.FlushThreshold = opts.MaxPending
	}
	if opts.Epsilon < 0 {
		opts.Epsilon = 0
	}
	return &DedupQueue{
		data:  make([]*domain.Sample, 0, min(opts.MaxPending, 4096)),
		last:  make(map[int64]lastForwarded),
		opts:  opts,
		ready: make(chan struct{}, 1),
	}
}

// Insert enqueues s unless it repeats the last forwarded value of its tag
// within the heartbeat interval, or is older than what was already
// forwarded for that tag. It reports whether s was forwarded.
func (q *DedupQueue) Insert(s *domain.Sample) bool {
	if s == nil {
		return false
	}

	q.mu.Lock()
	prev, seen := q.last[s.TagID]
	if seen && q.suppressLocked(prev, s) {
		q.suppressed++
		q.mu.Unlock()
		return false
	}
	q.last[s.TagID] = lastForwarded{value: s.Value, null: s.Null, quality: s.Quality, ts: s.Timestamp, source: s.Timestamp}
	q.data = append(q.data, s)
	evicted := q.evictLocked()
	q.signalLocked()
	q.unlockAndSpill(evicted)
	return true
}

func (q *DedupQueue) suppressLocked(prev lastForwarded, s *domain.Sample) bool {
	if s.Timestamp.Before(prev.source) {
		return true
	}
	if prev.quality != s.Quality || prev.null != s.Null {
		return false
	}
	if !s.Null && !q.equal(prev.value, s.Value) {
		return false
	}
	return s.Timestamp.Sub(prev.ts) < q.opts.HeartbeatInterval
}

func (q *DedupQueue) equal(a, b float64) bool {
	if q.opts.Epsilon == 0 {
		return a == b
	}
	return math.Abs(a-b) <= q.opts.Epsilon
}

// Republish re-forwards the last value of every listed tag whose last
// forwarded sample is at least one heartbeat interval older than now, so
// flat signals keep leaving evidence in the history. It returns the number
// of samples enqueued.
func (q *DedupQueue) Republish(now time.Time, tagIDs []int64) int {
	if q.opts.HeartbeatInterval <= 0 {
		return 0
	}

	q.mu.Lock()
	n := 0
	for _, id := range tagIDs {
		prev, ok := q.last[id]
		if !ok || now.Sub(prev.ts) < q.opts.HeartbeatInterval {
			continue
		}
		prev.ts = now
		q.last[id] = prev
		q.data = append(q.data, &domain.Sample{
			TagID:     id,
			Value:     prev.value,
			Timestamp: now,
			Quality:   prev.quality,
			Null:      prev.null,
		})
		n++
	}
	var evicted []*domain.Sample
	if n > 0 {
		evicted = q.evictLocked()
		q.signalLocked()
	}
	q.unlockAndSpill(evicted)
	return n
}

// Drain removes up to max samples in arrival order.
func (q *DedupQueue) Drain(max int) []*domain.Sample {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.data) == 0 {
		return nil
	}
	if max <= 0 || max > len(q.data) {
		max = len(q.data)
	}
	out := make([]*domain.Sample, max)
	copy(out, q.data[:max])
	clear(q.data[:max])
	q.data = append(q.data[:0], q.data[max:]...)
	return out
}

func (q *DedupQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.data)
}

// Ready is signalled when the queue reaches the flush threshold.
func (q *DedupQueue) Ready() <-chan struct{} { return q.ready }

// Stats returns the suppressed and evicted counts since creation.
func (q *DedupQueue) Stats() (suppressed, evicted uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.suppressed, q.evicted
}

func (q *DedupQueue) evictLocked() []*domain.Sample {
	if len(q.data) <= q.opts.MaxPending {
		return nil
	}
	n := max(len(q.data)-q.opts.MaxPending, q.opts.EvictBatch)
	n = min(n, len(q.data))
	out := make([]*domain.Sample, n)
	copy(out, q.data[:n])
	clear(q.data[:n])
	q.data = append(q.data[:0], q.data[n:]...)
	q.evicted += uint64(n)
	return out
}

func (q *DedupQueue) signalLocked() {
	if len(q.data) < q.opts.FlushThreshold {
		return
	}
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *DedupQueue) unlockAndSpill(evicted []*domain.Sample) {
	if len(evicted) == 0 || q.opts.Overflow == nil {
		q.mu.Unlock()
		return
	}
	q.spillMu.Lock()
	q.mu.Unlock()
	defer q.spillMu.Unlock()
	q.opts.Overflow(evicted)
}

var _ ports.PendingQueue = (*DedupQueue)(nil)
