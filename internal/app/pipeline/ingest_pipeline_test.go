package pipeline

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/Dmitriy6778/FactoryIQ-sub000/internal/adapters/queue"
	"github.com/Dmitriy6778/FactoryIQ-sub000/internal/domain"
	"github.com/Dmitriy6778/FactoryIQ-sub000/internal/ports"
	"github.com/Dmitriy6778/FactoryIQ-sub000/internal/retry"
)

func TestWriterCommitsChunk(t *testing.T) {
	h := newHarness(t, ports.Policy{MaxChunk: 100})
	for tag := int64(1); tag <= 5; tag++ {
		require.True(t, h.queue.Insert(sample(tag, 1)))
	}

	h.writer.Cycle()

	assert.Equal(t, 5, h.store.rowCount())
	assert.Equal(t, 1, h.deadman.count())
	assert.Equal(t, 5.0, h.obs.counter(ports.MetricSamplesCommitted))
	assert.Equal(t, 0, h.queue.Len())
}

func TestWriterSpoolsAndReplaysWhenDatabaseRecovers(t *testing.T) {
	h := newHarness(t, ports.Policy{MaxChunk: 10, ReplayFilesPerCycle: 2})
	tags := []int64{11, 12, 13}

	h.store.setDown(true)
	for i := 0; i < 20; i++ {
		for _, tag := range tags {
			require.True(t, h.queue.Insert(sample(tag, i)))
		}
	}
	for h.queue.Len() > 0 {
		h.writer.Cycle()
	}
	assert.Equal(t, 0, h.store.rowCount())
	assert.Equal(t, 0, h.deadman.count())
	assert.Equal(t, 6, h.spool.Stats().Files)
	assert.Equal(t, 60.0, h.obs.counter(ports.MetricSamplesSpooled))

	h.store.setDown(false)
	for i := 20; i < 25; i++ {
		for _, tag := range tags {
			require.True(t, h.queue.Insert(sample(tag, i)))
		}
	}
	for i := 0; i < 50 && (h.queue.Len() > 0 || h.spool.Stats().Files > 0); i++ {
		h.writer.Cycle()
	}

	require.Equal(t, 0, h.spool.Stats().Files)
	assert.Equal(t, 75, h.store.rowCount(), "every sample committed")
	assert.Equal(t, 0, h.store.duplicates, "no sample committed twice")
	assert.Equal(t, 60.0, h.obs.counter(ports.MetricSamplesReplayed))

	// Within each path, samples of a tag reach the table in arrival order.
	cutoff := epoch.Add(20 * time.Second)
	for _, tag := range tags {
		var lastSpooled, lastLive time.Time
		for _, s := range h.store.order {
			if s.TagID != tag {
				continue
			}
			if s.Timestamp.Before(cutoff) {
				require.True(t, s.Timestamp.After(lastSpooled) || lastSpooled.IsZero(), "tag %d replay out of order", tag)
				lastSpooled = s.Timestamp
			} else {
				require.True(t, s.Timestamp.After(lastLive) || lastLive.IsZero(), "tag %d live out of order", tag)
				lastLive = s.Timestamp
			}
		}
	}
}

func TestReplayOfCommittedBatchDoesNotDuplicate(t *testing.T) {
	h := newHarness(t, ports.Policy{MaxChunk: 10})
	batch := []*domain.Sample{sample(1, 1), sample(1, 2)}

	require.NoError(t, h.store.WriteChunk(context.Background(), batch))
	_, err := h.spool.Append(batch)
	require.NoError(t, err)

	assert.Equal(t, 1, h.writer.Replay(true))
	assert.Equal(t, 2, h.store.rowCount())
	assert.Equal(t, 0, h.spool.Stats().Files)
}

func TestWriterIsolatesRejectedRecord(t *testing.T) {
	h := newHarness(t, ports.Policy{MaxChunk: 10})
	h.store.reject[13] = true
	for _, tag := range []int64{11, 12, 13, 14} {
		require.True(t, h.queue.Insert(sample(tag, 1)))
	}

	h.writer.Cycle()

	assert.Equal(t, 3, h.store.rowCount())
	assert.Equal(t, 2, h.store.callCount(), "rejected record dropped and rest resubmitted")
	assert.Equal(t, 1.0, h.obs.counter(ports.MetricRecordsDropped))
	assert.Contains(t, h.obs.errors, "db_record_rejected")
	assert.Equal(t, 0, h.spool.Stats().Files)
	assert.Equal(t, 1, h.deadman.count())
}

func TestWriterSpoolsSchemaErrorWithoutRetry(t *testing.T) {
	h := newHarness(t, ports.Policy{MaxChunk: 10})
	h.store.schemaErr = true
	require.True(t, h.queue.Insert(sample(1, 1)))

	h.writer.Cycle()

	assert.Equal(t, 1, h.store.callCount())
	assert.Equal(t, 1, h.spool.Stats().Files)
	assert.Contains(t, h.obs.criticals, "db_write_rejected_spooling")
	assert.Equal(t, 0.0, h.obs.counter(ports.MetricWriteRetries))
}

func TestWriterRetriesTransientFailure(t *testing.T) {
	h := newHarness(t, ports.Policy{MaxChunk: 10})
	h.store.setDown(true)
	require.True(t, h.queue.Insert(sample(1, 1)))

	h.writer.Cycle()

	assert.Equal(t, 2, h.store.callCount(), "max attempts honoured")
	assert.Equal(t, 1.0, h.obs.counter(ports.MetricWriteRetries))
	assert.Equal(t, 1, h.spool.Stats().Files)
	assert.Contains(t, h.obs.errors, "db_write_failed_spooling")
}

func TestWriterBoundsHungStoreCall(t *testing.T) {
	h := newHarness(t, ports.Policy{MaxChunk: 10})
	h.writer = NewBatchWriter(WriterOptions{
		Queue:          h.queue,
		Store:          h.store,
		Spool:          h.spool,
		Deadman:        h.deadman,
		Policy:         ports.Policy{MaxChunk: 10},
		Retry:          retry.Policy{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
		Obs:            h.obs,
		AttemptTimeout: 20 * time.Millisecond,
	})
	h.store.hang = true
	require.True(t, h.queue.Insert(sample(1, 1)))

	done := make(chan struct{})
	go func() {
		h.writer.Cycle()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("cycle blocked on a store call that never returns")
	}

	assert.Equal(t, 2, h.store.callCount(), "timed out attempt is retried")
	assert.Equal(t, 1, h.spool.Stats().Files)
	assert.Equal(t, 0, h.deadman.count())
	assert.Contains(t, h.obs.errors, "db_write_failed_spooling")
}

func TestWriterDropsMalformedSamples(t *testing.T) {
	h := newHarness(t, ports.Policy{MaxChunk: 10})
	require.True(t, h.queue.Insert(sample(1, 1)))
	require.True(t, h.queue.Insert(&domain.Sample{TagID: 2, Value: math.NaN(), Timestamp: epoch}))
	require.True(t, h.queue.Insert(&domain.Sample{TagID: 0, Value: 1, Timestamp: epoch}))

	h.writer.Cycle()

	assert.Equal(t, 1, h.store.rowCount())
	assert.Equal(t, 2.0, h.obs.counter(ports.MetricRecordsDropped))
}

func TestReplayBacksOffButBecomesMandatory(t *testing.T) {
	h := newHarness(t, ports.Policy{MaxChunk: 10, ReplayFilesPerCycle: 1, MaxLiveCyclesBeforeReplay: 3})
	h.writer.opts.Retry = retry.Policy{MaxAttempts: 1, InitialDelay: time.Minute, MaxDelay: time.Minute}
	h.writer.replayBackoff = h.writer.opts.Retry.NewBackOff()
	now := epoch
	h.writer.now = func() time.Time { return now }

	_, err := h.spool.Append([]*domain.Sample{sample(99, 1)})
	require.NoError(t, err)

	h.store.setDown(true)
	assert.Equal(t, 0, h.writer.Replay(false))
	assert.False(t, h.writer.replayAfter.IsZero(), "failed replay backs off")

	h.store.setDown(false)
	assert.Equal(t, 0, h.writer.Replay(false), "still backing off")

	for i := 1; i <= 2; i++ {
		require.True(t, h.queue.Insert(sample(1, i)))
		h.writer.Cycle()
		assert.Equal(t, 1, h.spool.Stats().Files, "live cycle %d must not replay yet", i)
	}
	require.True(t, h.queue.Insert(sample(1, 3)))
	h.writer.Cycle()
	assert.Equal(t, 0, h.spool.Stats().Files, "replay forced after max live cycles")
}

func TestReplayResumesAfterBackoffElapses(t *testing.T) {
	h := newHarness(t, ports.Policy{MaxChunk: 10, MaxLiveCyclesBeforeReplay: 100})
	h.writer.opts.Retry = retry.Policy{MaxAttempts: 1, InitialDelay: time.Minute, MaxDelay: time.Minute}
	h.writer.replayBackoff = h.writer.opts.Retry.NewBackOff()
	now := epoch
	h.writer.now = func() time.Time { return now }

	_, err := h.spool.Append([]*domain.Sample{sample(99, 1)})
	require.NoError(t, err)
	h.store.setDown(true)
	h.writer.Replay(false)
	h.store.setDown(false)

	now = now.Add(2 * time.Minute)
	assert.Equal(t, 1, h.writer.Replay(false))
}

func TestQueueOverflowGoesToSpool(t *testing.T) {
	h := newHarness(t, ports.Policy{MaxChunk: 10})
	q := queue.NewDedupQueue(queue.Options{MaxPending: 5, EvictBatch: 2, Overflow: h.writer.SpoolEvicted})

	for i := 0; i < 8; i++ {
		require.True(t, q.Insert(sample(int64(i+1), 1)))
	}
	assert.Equal(t, 4, q.Len())
	assert.Equal(t, 2, h.spool.Stats().Files)
	assert.Equal(t, 4.0, h.obs.counter(ports.MetricSamplesSpooled))
}

func TestFlushSpoolsRemainderWhenStoreDown(t *testing.T) {
	h := newHarness(t, ports.Policy{MaxChunk: 10})
	h.store.setDown(true)
	for i := 0; i < 25; i++ {
		require.True(t, h.queue.Insert(sample(int64(i+1), 1)))
	}

	h.writer.Flush()

	assert.Equal(t, 2, h.store.callCount(), "only the first chunk tries the store")
	assert.Equal(t, 3, h.spool.Stats().Files)
	assert.Equal(t, 25.0, h.obs.counter(ports.MetricSamplesSpooled))
	assert.Equal(t, 0, h.queue.Len())
}

func TestWriterRunFlushesOnShutdown(t *testing.T) {
	h := newHarness(t, ports.Policy{Interval: time.Hour, ReplayInterval: time.Hour, MaxChunk: 10})
	for i := 0; i < 3; i++ {
		require.True(t, h.queue.Insert(sample(int64(i+1), 1)))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.writer.Run(ctx)
	}()
	cancel()
	<-done

	assert.Equal(t, 3, h.store.rowCount())
	h.spool.Close()
	goleak.VerifyNone(t)
}

func TestWriterRunFlushesWhenReady(t *testing.T) {
	h := newHarness(t, ports.Policy{Interval: time.Hour, ReplayInterval: time.Hour, MaxChunk: 10, FlushThreshold: 4})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.writer.Run(ctx)
	}()

	for i := 0; i < 4; i++ {
		require.True(t, h.queue.Insert(sample(int64(i+1), 1)))
	}
	require.Eventually(t, func() bool { return h.store.rowCount() == 4 }, time.Second, 5*time.Millisecond)

	cancel()
	<-done
	h.spool.Close()
	goleak.VerifyNone(t)
}
