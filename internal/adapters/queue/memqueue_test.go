package queue

import (
	"sync"
	"testing"
	"time"

	"github.com/Dmitriy6778/FactoryIQ-sub000/internal/domain"
)

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func sample(tag int64, v float64, at time.Duration) *domain.Sample {
	return &domain.Sample{TagID: tag, Value: v, Timestamp: t0.Add(at)}
}

func TestDedupForwardsOnlyFirstIdenticalValue(t *testing.T) {
	q := NewDedupQueue(Options{MaxPending: 100, HeartbeatInterval: 30 * time.Second})

	forwarded := 0
	for i := 0; i < 10; i++ {
		if q.Insert(sample(1, 21.5, time.Duration(i)*time.Second)) {
			forwarded++
		}
	}
	if forwarded != 1 {
		t.Fatalf("expected 1 forwarded sample, got %d", forwarded)
	}
	if q.Len() != 1 {
		t.Fatalf("expected queue length 1, got %d", q.Len())
	}
	suppressed, _ := q.Stats()
	if suppressed != 9 {
		t.Fatalf("expected 9 suppressed, got %d", suppressed)
	}
}

func TestDedupForcesWriteAfterHeartbeatInterval(t *testing.T) {
	q := NewDedupQueue(Options{MaxPending: 100, HeartbeatInterval: 30 * time.Second})

	forwarded := 0
	for i := 0; i <= 65; i++ {
		if q.Insert(sample(1, 7, time.Duration(i)*time.Second)) {
			forwarded++
		}
	}
	// t=0, t=30, t=60
	if forwarded != 3 {
		t.Fatalf("expected 3 forwarded samples, got %d", forwarded)
	}
}

func TestDedupForwardsChangesAndQualityFlips(t *testing.T) {
	q := NewDedupQueue(Options{MaxPending: 100, HeartbeatInterval: time.Minute})

	q.Insert(sample(1, 1, 0))
	if !q.Insert(sample(1, 2, time.Second)) {
		t.Fatalf("changed value must be forwarded")
	}
	bad := sample(1, 2, 2*time.Second)
	bad.Quality = 0x80000000
	if !q.Insert(bad) {
		t.Fatalf("quality change must be forwarded")
	}
	if !q.Insert(sample(1, 2, 3*time.Second)) {
		t.Fatalf("quality returning to good must be forwarded")
	}
	if q.Len() != 4 {
		t.Fatalf("expected 4 queued, got %d", q.Len())
	}
}

func TestDedupTreatsNullAsDistinctValue(t *testing.T) {
	q := NewDedupQueue(Options{MaxPending: 100, HeartbeatInterval: time.Minute})
	const bad = 0x80310000

	q.Insert(sample(1, 0, 0))
	lost := &domain.Sample{TagID: 1, Null: true, Quality: bad, Timestamp: t0.Add(time.Second)}
	if !q.Insert(lost) {
		t.Fatalf("null value must be forwarded")
	}
	again := &domain.Sample{TagID: 1, Value: 3, Null: true, Quality: bad, Timestamp: t0.Add(2 * time.Second)}
	if q.Insert(again) {
		t.Fatalf("repeated null must be suppressed whatever Value holds")
	}
	back := sample(1, 0, 3*time.Second)
	back.Quality = bad
	if !q.Insert(back) {
		t.Fatalf("value returning under the same quality must be forwarded")
	}

	q.Insert(&domain.Sample{TagID: 2, Null: true, Quality: bad, Timestamp: t0})
	if n := q.Republish(t0.Add(2*time.Minute), []int64{2}); n != 1 {
		t.Fatalf("expected 1 republished, got %d", n)
	}
	out := q.Drain(10)
	last := out[len(out)-1]
	if last.TagID != 2 || !last.Null || last.Quality != bad {
		t.Fatalf("republished sample lost its null marker: %+v", last)
	}
}

func TestDedupEpsilon(t *testing.T) {
	q := NewDedupQueue(Options{MaxPending: 100, HeartbeatInterval: time.Minute, Epsilon: 0.01})

	q.Insert(sample(1, 10.000, 0))
	if q.Insert(sample(1, 10.005, time.Second)) {
		t.Fatalf("value within epsilon should be suppressed")
	}
	if !q.Insert(sample(1, 10.02, 2*time.Second)) {
		t.Fatalf("value outside epsilon should be forwarded")
	}
}

func TestDedupDropsOlderRedelivery(t *testing.T) {
	q := NewDedupQueue(Options{MaxPending: 100, HeartbeatInterval: time.Minute})

	q.Insert(sample(1, 5, 10*time.Second))
	if q.Insert(sample(1, 6, 5*time.Second)) {
		t.Fatalf("sample older than last forwarded must not be queued")
	}
}

func TestDrainPreservesArrivalOrder(t *testing.T) {
	q := NewDedupQueue(Options{MaxPending: 100})
	for i := 0; i < 5; i++ {
		q.Insert(sample(int64(i%2+1), float64(i), time.Duration(i)*time.Second))
	}

	first := q.Drain(3)
	rest := q.Drain(10)
	if len(first) != 3 || len(rest) != 2 {
		t.Fatalf("unexpected drain sizes %d/%d", len(first), len(rest))
	}
	all := append(first, rest...)
	for i, s := range all {
		if s.Value != float64(i) {
			t.Fatalf("position %d holds value %v", i, s.Value)
		}
	}
	if q.Drain(10) != nil {
		t.Fatalf("expected empty drain")
	}
}

func TestOverflowEvictsOldestToHandler(t *testing.T) {
	var spilled []*domain.Sample
	q := NewDedupQueue(Options{
		MaxPending: 4,
		EvictBatch: 2,
		Overflow:   func(e []*domain.Sample) { spilled = append(spilled, e...) },
	})
	for i := 0; i < 5; i++ {
		q.Insert(sample(1, float64(i), time.Duration(i)*time.Second))
	}

	if len(spilled) != 2 {
		t.Fatalf("expected 2 evicted samples, got %d", len(spilled))
	}
	if spilled[0].Value != 0 || spilled[1].Value != 1 {
		t.Fatalf("expected oldest samples evicted, got %v and %v", spilled[0].Value, spilled[1].Value)
	}
	remaining := q.Drain(0)
	if len(remaining) != 3 || remaining[0].Value != 2 {
		t.Fatalf("unexpected remaining queue %+v", remaining)
	}
}

func TestRepublishFlatTags(t *testing.T) {
	q := NewDedupQueue(Options{MaxPending: 100, HeartbeatInterval: 30 * time.Second})
	q.Insert(sample(1, 3, 0))
	q.Insert(sample(2, 4, 20*time.Second))
	q.Drain(0)

	n := q.Republish(t0.Add(35*time.Second), []int64{1, 2, 3})
	if n != 1 {
		t.Fatalf("expected only tag 1 republished, got %d", n)
	}
	out := q.Drain(0)
	if out[0].TagID != 1 || out[0].Value != 3 || !out[0].Timestamp.Equal(t0.Add(35*time.Second)) {
		t.Fatalf("unexpected republished sample %+v", out[0])
	}

	// The republish counts as a forward: an identical value right after is
	// still suppressed.
	if q.Insert(sample(1, 3, 36*time.Second)) {
		t.Fatalf("expected suppression after republish")
	}
}

func TestRepublishDoesNotHideLateValueChange(t *testing.T) {
	q := NewDedupQueue(Options{MaxPending: 100, HeartbeatInterval: time.Minute})
	q.Insert(sample(1, 10, 0))
	q.Drain(0)

	// The heartbeat republishes just before a change that happened at the
	// source slightly earlier is delivered.
	if n := q.Republish(t0.Add(120*time.Second+200*time.Millisecond), []int64{1}); n != 1 {
		t.Fatalf("expected 1 republished sample, got %d", n)
	}
	if !q.Insert(sample(1, 99, 120*time.Second)) {
		t.Fatalf("value change 10 -> 99 was suppressed after a republish")
	}
	out := q.Drain(0)
	if len(out) != 2 || out[1].Value != 99 {
		t.Fatalf("unexpected queue %+v", out)
	}

	// An unchanged value at the same late timestamp is still a duplicate,
	// and anything older than the last real sample is still refused.
	if q.Insert(sample(1, 99, 121*time.Second)) {
		t.Fatalf("expected suppression of repeated value")
	}
	if q.Insert(sample(1, 50, 110*time.Second)) {
		t.Fatalf("expected ordering guard to refuse a sample older than the last real one")
	}
}

func TestReadySignalledAtThreshold(t *testing.T) {
	q := NewDedupQueue(Options{MaxPending: 100, FlushThreshold: 3})
	q.Insert(sample(1, 1, 0))
	q.Insert(sample(2, 1, 0))
	select {
	case <-q.Ready():
		t.Fatalf("ready fired below threshold")
	default:
	}
	q.Insert(sample(3, 1, 0))
	select {
	case <-q.Ready():
	default:
		t.Fatalf("ready not fired at threshold")
	}
}

func TestConcurrentInsertAndDrainLoseNothing(t *testing.T) {
	q := NewDedupQueue(Options{MaxPending: 1_000_000})
	const n = 5000

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			q.Insert(sample(int64(i%10+1), float64(i), time.Duration(i)*time.Millisecond))
		}
	}()

	seen := make(map[float64]bool, n)
	deadline := time.Now().Add(5 * time.Second)
	for len(seen) < n && time.Now().Before(deadline) {
		for _, s := range q.Drain(64) {
			if seen[s.Value] {
				t.Fatalf("sample %v drained twice", s.Value)
			}
			seen[s.Value] = true
		}
	}
	wg.Wait()
	for _, s := range q.Drain(0) {
		seen[s.Value] = true
	}
	if len(seen) != n {
		t.Fatalf("expected %d samples, got %d", n, len(seen))
	}
}
