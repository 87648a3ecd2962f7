package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/Dmitriy6778/FactoryIQ-sub000/internal/adapters/observability"
	"github.com/Dmitriy6778/FactoryIQ-sub000/internal/domain"
	"github.com/Dmitriy6778/FactoryIQ-sub000/internal/ports"
	"github.com/Dmitriy6778/FactoryIQ-sub000/internal/retry"
)

// CommitMarker is told about every successful commit.
type CommitMarker interface {
	Mark()
}

type WriterOptions struct {
	Queue    ports.PendingQueue
	Store    ports.Store
	Spool    ports.Spool
	Deadman  CommitMarker
	Policy   ports.Policy
	Retry    retry.Policy
	Classify retry.Classifier
	Obs      ports.Observability

	// AttemptTimeout bounds a single store call. Defaults to the retry
	// deadline, or 30s when that is unlimited.
	AttemptTimeout time.Duration
}

// BatchWriter drains the queue into the store in chunks and falls back to
// the spool when the store cannot take them. It also replays the spool.
// Apart from SpoolEvicted, methods must be called from one goroutine.
type BatchWriter struct {
	opts WriterOptions

	liveSinceReplay int
	replayAfter     time.Time
	replayBackoff   *backoff.ExponentialBackOff
	now             func() time.Time
}

func NewBatchWriter(opts WriterOptions) *BatchWriter {
	if opts.Obs == nil {
		opts.Obs = observability.NewNop()
	}
	if opts.Policy.Interval <= 0 {
		opts.Policy.Interval = time.Second
	}
	if opts.Policy.MaxChunk <= 0 {
		opts.Policy.MaxChunk = 500
	}
	if opts.Policy.ReplayInterval <= 0 {
		opts.Policy.ReplayInterval = 5 * time.Second
	}
	if opts.Policy.ReplayFilesPerCycle <= 0 {
		opts.Policy.ReplayFilesPerCycle = 2
	}
	if opts.Policy.MaxLiveCyclesBeforeReplay <= 0 {
		opts.Policy.MaxLiveCyclesBeforeReplay = 10
	}
	if opts.Retry == (retry.Policy{}) {
		opts.Retry = retry.WriterDefaults()
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = opts.Retry.Deadline
		if opts.AttemptTimeout <= 0 {
			opts.AttemptTimeout = 30 * time.Second
		}
	}
	return &BatchWriter{
		opts:          opts,
		replayBackoff: opts.Retry.NewBackOff(),
		now:           time.Now,
	}
}

// Run flushes on every interval tick and whenever the queue reports it is
// ready; the spool is replayed on its own tick. On ctx end the queue is
// flushed once more before returning.
func (w *BatchWriter) Run(ctx context.Context) error {
	flush := time.NewTicker(w.opts.Policy.Interval)
	defer flush.Stop()
	replay := time.NewTicker(w.opts.Policy.ReplayInterval)
	defer replay.Stop()

	for {
		select {
		case <-ctx.Done():
			w.Flush()
			return nil
		case <-flush.C:
			w.Cycle()
		case <-w.opts.Queue.Ready():
			w.Cycle()
		case <-replay.C:
			w.Replay(false)
		}
	}
}

// Cycle writes one chunk from the queue. After a successful live write the
// spool gets a turn.
func (w *BatchWriter) Cycle() {
	chunk := w.validate(w.opts.Queue.Drain(w.opts.Policy.MaxChunk))
	w.opts.Obs.SetGauge(ports.MetricQueueLength, float64(w.opts.Queue.Len()))
	if len(chunk) == 0 {
		w.Replay(false)
		return
	}

	unwritten, err := w.commit(chunk, ports.MetricSamplesCommitted)
	if err != nil {
		w.spool(unwritten, err)
		return
	}
	w.liveSinceReplay++
	w.Replay(false)
}

// Flush drains the whole queue. Once the store fails the remainder goes
// straight to the spool.
func (w *BatchWriter) Flush() {
	storeDown := false
	for {
		chunk := w.validate(w.opts.Queue.Drain(w.opts.Policy.MaxChunk))
		if len(chunk) == 0 {
			return
		}
		if storeDown {
			w.spool(chunk, nil)
			continue
		}
		if unwritten, err := w.commit(chunk, ports.MetricSamplesCommitted); err != nil {
			w.spool(unwritten, err)
			storeDown = true
		}
	}
}

// Replay commits up to ReplayFilesPerCycle spool files, oldest first. After
// a failure it backs off, unless live traffic has had
// MaxLiveCyclesBeforeReplay cycles since the last replay attempt; force
// ignores the backoff.
func (w *BatchWriter) Replay(force bool) int {
	if w.opts.Spool == nil {
		return 0
	}
	if w.opts.Spool.Stats().Files == 0 {
		w.liveSinceReplay = 0
		return 0
	}
	if !force && !w.replayDue() {
		return 0
	}
	w.liveSinceReplay = 0

	replayed := 0
	for replayed < w.opts.Policy.ReplayFilesPerCycle {
		batch, ok, err := w.opts.Spool.Oldest()
		if err != nil {
			w.opts.Obs.LogError("spool_read_failed", err)
			w.deferReplay()
			break
		}
		if !ok {
			break
		}

		samples := w.validate(batch.Samples)
		if _, err := w.commit(samples, ports.MetricSamplesReplayed); err != nil {
			w.opts.Obs.LogWarn("spool_replay_failed", err,
				ports.Field{Key: "seq", Value: uint64(batch.Seq)},
				ports.Field{Key: "batch_id", Value: batch.BatchID})
			w.deferReplay()
			break
		}
		if err := w.opts.Spool.Ack(batch.Seq); err != nil {
			w.opts.Obs.LogError("spool_ack_failed", err, ports.Field{Key: "seq", Value: uint64(batch.Seq)})
			w.deferReplay()
			break
		}
		w.opts.Obs.LogInfo("spool_batch_replayed",
			ports.Field{Key: "seq", Value: uint64(batch.Seq)},
			ports.Field{Key: "batch_id", Value: batch.BatchID},
			ports.Field{Key: "samples", Value: len(samples)})
		w.replayBackoff.Reset()
		w.replayAfter = time.Time{}
		replayed++
	}
	w.publishSpoolStats()
	return replayed
}

// SpoolEvicted is the queue overflow handler.
func (w *BatchWriter) SpoolEvicted(samples []*domain.Sample) {
	w.opts.Obs.LogWarn("queue_overflow_spooling", nil, ports.Field{Key: "samples", Value: len(samples)})
	w.spool(samples, nil)
}

func (w *BatchWriter) replayDue() bool {
	if w.replayAfter.IsZero() || !w.now().Before(w.replayAfter) {
		return true
	}
	return w.liveSinceReplay >= w.opts.Policy.MaxLiveCyclesBeforeReplay
}

func (w *BatchWriter) deferReplay() {
	w.replayAfter = w.now().Add(w.replayBackoff.NextBackOff())
}

// commit writes samples, dropping records the store rejects one at a time
// and resubmitting the rest. On failure it returns what is still unwritten.
func (w *BatchWriter) commit(samples []*domain.Sample, metric string) ([]*domain.Sample, error) {
	if len(samples) == 0 {
		return nil, nil
	}
	// Detached: shutdown must not abort a transaction mid-commit. Each
	// attempt gets AttemptTimeout and the retry deadline stops new ones.
	ctx := context.Background()
	start := w.now()
	pending := samples

	for len(pending) > 0 {
		err := retry.Do(ctx, w.opts.Retry, w.classify, func(ctx context.Context) error {
			attemptCtx, cancel := context.WithTimeout(ctx, w.opts.AttemptTimeout)
			defer cancel()
			return w.opts.Store.WriteChunk(attemptCtx, pending)
		}, w.onRetry)
		if err == nil {
			break
		}

		var rec *ports.RecordError
		if errors.As(err, &rec) && rec.Index >= 0 && rec.Index < len(pending) {
			bad := pending[rec.Index]
			w.opts.Obs.LogError("db_record_rejected", rec.Err,
				ports.Field{Key: "tag_id", Value: bad.TagID},
				ports.Field{Key: "ts", Value: bad.Timestamp},
				ports.Field{Key: "value", Value: bad.Value})
			w.opts.Obs.IncCounter(ports.MetricRecordsDropped, 1)
			rest := make([]*domain.Sample, 0, len(pending)-1)
			rest = append(rest, pending[:rec.Index]...)
			pending = append(rest, pending[rec.Index+1:]...)
			continue
		}
		return pending, err
	}
	if len(pending) == 0 {
		return nil, nil
	}

	now := w.now()
	if w.opts.Deadman != nil {
		w.opts.Deadman.Mark()
	}
	w.opts.Obs.IncCounter(metric, float64(len(pending)))
	w.opts.Obs.ObserveLatency(ports.MetricCommitLatency, now.Sub(start).Seconds())
	w.opts.Obs.SetGauge(ports.MetricLastCommitUnix, float64(now.Unix()))
	return nil, nil
}

func (w *BatchWriter) classify(err error) retry.Class {
	var rec *ports.RecordError
	if errors.As(err, &rec) {
		return retry.ClassData
	}
	if w.opts.Classify != nil {
		return w.opts.Classify(err)
	}
	return retry.Classify(err)
}

func (w *BatchWriter) onRetry(a retry.Attempt) {
	w.opts.Obs.IncCounter(ports.MetricWriteRetries, 1)
	w.opts.Obs.LogWarn("db_write_retry", a.Err,
		ports.Field{Key: "store", Value: w.opts.Store.Name()},
		ports.Field{Key: "attempt", Value: a.Number},
		ports.Field{Key: "class", Value: a.Class.String()},
		ports.Field{Key: "retry_in", Value: a.Delay.String()})
}

// spool persists samples the store could not take. cause is nil when the
// store was not tried.
func (w *BatchWriter) spool(samples []*domain.Sample, cause error) {
	if len(samples) == 0 {
		return
	}
	if cause != nil {
		class := retry.ClassOf(cause, w.classify)
		fields := []ports.Field{
			{Key: "samples", Value: len(samples)},
			{Key: "class", Value: class.String()},
		}
		if class.Retryable() {
			w.opts.Obs.LogError("db_write_failed_spooling", cause, fields...)
		} else {
			w.opts.Obs.LogCritical("db_write_rejected_spooling", cause, fields...)
		}
	}
	if w.opts.Spool == nil {
		w.opts.Obs.LogCritical("samples_lost_no_spool", cause, ports.Field{Key: "samples", Value: len(samples)})
		w.opts.Obs.IncCounter(ports.MetricRecordsDropped, float64(len(samples)))
		return
	}

	seq, err := w.opts.Spool.Append(samples)
	if err != nil {
		w.opts.Obs.LogCritical("spool_append_failed", err, ports.Field{Key: "samples", Value: len(samples)})
		w.opts.Obs.IncCounter(ports.MetricRecordsDropped, float64(len(samples)))
		return
	}
	w.opts.Obs.IncCounter(ports.MetricSamplesSpooled, float64(len(samples)))
	w.opts.Obs.LogInfo("spool_batch_written",
		ports.Field{Key: "seq", Value: uint64(seq)},
		ports.Field{Key: "samples", Value: len(samples)})
	w.publishSpoolStats()
}

func (w *BatchWriter) publishSpoolStats() {
	if w.opts.Spool == nil {
		return
	}
	st := w.opts.Spool.Stats()
	w.opts.Obs.SetGauge(ports.MetricSpoolFiles, float64(st.Files))
	w.opts.Obs.SetGauge(ports.MetricSpoolSizeBytes, float64(st.SizeBytes))
}

// validate drops samples that can never be written.
func (w *BatchWriter) validate(samples []*domain.Sample) []*domain.Sample {
	out := samples[:0:0]
	for _, s := range samples {
		if err := s.Validate(); err != nil {
			w.opts.Obs.LogError("sample_malformed_dropped", err)
			w.opts.Obs.IncCounter(ports.MetricRecordsDropped, 1)
			continue
		}
		out = append(out, s)
	}
	return out
}
