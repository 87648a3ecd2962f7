package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Dmitriy6778/FactoryIQ-sub000/internal/adapters/queue"
	"github.com/Dmitriy6778/FactoryIQ-sub000/internal/adapters/spool"
	"github.com/Dmitriy6778/FactoryIQ-sub000/internal/domain"
	"github.com/Dmitriy6778/FactoryIQ-sub000/internal/ports"
	"github.com/Dmitriy6778/FactoryIQ-sub000/internal/retry"
)

type rowKey struct {
	tag int64
	ts  int64
}

// fakeStore behaves like the history table: (tag_id, ts) is unique and
// repeats are ignored.
type fakeStore struct {
	mu         sync.Mutex
	down       bool
	hang       bool
	schemaErr  bool
	reject     map[int64]bool
	calls      int
	rows       map[rowKey]*domain.Sample
	order      []*domain.Sample
	duplicates int
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: make(map[rowKey]*domain.Sample), reject: make(map[int64]bool)}
}

func (f *fakeStore) Name() string { return "fake" }

func (f *fakeStore) WriteChunk(ctx context.Context, samples []*domain.Sample) error {
	f.mu.Lock()
	f.calls++
	if f.hang {
		f.mu.Unlock()
		<-ctx.Done()
		return ctx.Err()
	}
	defer f.mu.Unlock()
	if f.down {
		return errors.New("dial tcp 10.0.0.5:5432: connect: connection refused")
	}
	if f.schemaErr {
		return retry.WithClass(retry.ClassSchema, errors.New(`relation "opc_history" does not exist`))
	}
	for i, s := range samples {
		if f.reject[s.TagID] {
			return &ports.RecordError{Index: i, Err: errors.New("numeric value out of range")}
		}
	}
	for _, s := range samples {
		k := rowKey{s.TagID, s.Timestamp.UnixNano()}
		if _, dup := f.rows[k]; dup {
			f.duplicates++
			continue
		}
		f.rows[k] = s
		f.order = append(f.order, s)
	}
	return nil
}

func (f *fakeStore) setDown(v bool) {
	f.mu.Lock()
	f.down = v
	f.mu.Unlock()
}

func (f *fakeStore) rowCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows)
}

func (f *fakeStore) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type countingObs struct {
	mu        sync.Mutex
	counters  map[string]float64
	criticals []string
	errors    []string
}

func newCountingObs() *countingObs {
	return &countingObs{counters: make(map[string]float64)}
}

func (o *countingObs) LogInfo(string, ...ports.Field)        {}
func (o *countingObs) LogWarn(string, error, ...ports.Field) {}

func (o *countingObs) LogError(msg string, _ error, _ ...ports.Field) {
	o.mu.Lock()
	o.errors = append(o.errors, msg)
	o.mu.Unlock()
}

func (o *countingObs) LogCritical(msg string, _ error, _ ...ports.Field) {
	o.mu.Lock()
	o.criticals = append(o.criticals, msg)
	o.mu.Unlock()
}

func (o *countingObs) IncCounter(name string, v float64) {
	o.mu.Lock()
	o.counters[name] += v
	o.mu.Unlock()
}

func (o *countingObs) ObserveLatency(string, float64) {}
func (o *countingObs) SetGauge(string, float64)       {}

func (o *countingObs) counter(name string) float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.counters[name]
}

type markCounter struct {
	mu sync.Mutex
	n  int
}

func (m *markCounter) Mark() {
	m.mu.Lock()
	m.n++
	m.mu.Unlock()
}

func (m *markCounter) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.n
}

type harness struct {
	queue   *queue.DedupQueue
	spool   *spool.FileSpool
	store   *fakeStore
	obs     *countingObs
	deadman *markCounter
	writer  *BatchWriter
}

func newHarness(t *testing.T, pol ports.Policy) *harness {
	t.Helper()
	h := &harness{
		store:   newFakeStore(),
		obs:     newCountingObs(),
		deadman: &markCounter{},
	}
	sp, err := spool.NewFileSpool(spool.Options{Dir: t.TempDir(), Obs: h.obs})
	require.NoError(t, err)
	t.Cleanup(func() { sp.Close() })
	h.spool = sp

	h.queue = queue.NewDedupQueue(queue.Options{
		MaxPending:     1000,
		FlushThreshold: pol.FlushThreshold,
		Overflow:       func(s []*domain.Sample) { h.writer.SpoolEvicted(s) },
	})
	h.writer = NewBatchWriter(WriterOptions{
		Queue:   h.queue,
		Store:   h.store,
		Spool:   sp,
		Deadman: h.deadman,
		Policy:  pol,
		Retry:   retry.Policy{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
		Obs:     h.obs,
	})
	return h
}

var epoch = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

func sample(tag int64, i int) *domain.Sample {
	return &domain.Sample{
		TagID:     tag,
		Value:     float64(i),
		Timestamp: epoch.Add(time.Duration(i) * time.Second),
		Quality:   domain.QualityGood,
	}
}
