package observability

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Dmitriy6778/FactoryIQ-sub000/internal/ports"
)

// PromObs logs through slog and records metrics in a Prometheus registry.
type PromObs struct {
	log      *slog.Logger
	counters map[string]prometheus.Counter
	gauges   map[string]prometheus.Gauge
	histos   map[string]prometheus.Observer
}

func NewPromObs(reg prometheus.Registerer, logger *slog.Logger) *PromObs {
	if logger == nil {
		logger = slog.Default()
	}

	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
	}

	p := &PromObs{
		log: logger,
		counters: map[string]prometheus.Counter{
			ports.MetricSamplesReceived:   counter(ports.MetricSamplesReceived, "Samples delivered by OPC UA subscriptions."),
			ports.MetricSamplesSuppressed: counter(ports.MetricSamplesSuppressed, "Samples suppressed as unchanged duplicates."),
			ports.MetricSamplesCommitted:  counter(ports.MetricSamplesCommitted, "Samples committed to the database from the live queue."),
			ports.MetricSamplesReplayed:   counter(ports.MetricSamplesReplayed, "Samples committed to the database from the spool."),
			ports.MetricRecordsDropped:    counter(ports.MetricRecordsDropped, "Records dropped because the database rejected them or they were malformed."),
			ports.MetricSamplesSpooled:    counter(ports.MetricSamplesSpooled, "Samples written to the on-disk spool."),
			ports.MetricSpoolDroppedFiles: counter(ports.MetricSpoolDroppedFiles, "Spool files deleted because the spool exceeded its size cap."),
			ports.MetricWriteRetries:      counter(ports.MetricWriteRetries, "Database write attempts that were retried."),
			ports.MetricReconnects:        counter(ports.MetricReconnects, "OPC UA session reconnect attempts."),
			ports.MetricWatchdogFired:     counter(ports.MetricWatchdogFired, "Forced session teardowns triggered by the watchdog."),
			ports.MetricHeartbeatFailures: counter(ports.MetricHeartbeatFailures, "Failed heartbeat reads."),
		},
		gauges: map[string]prometheus.Gauge{
			ports.MetricQueueLength:    gauge(ports.MetricQueueLength, "Samples waiting in the in-memory queue."),
			ports.MetricSpoolSizeBytes: gauge(ports.MetricSpoolSizeBytes, "Size of the spool on disk."),
			ports.MetricSpoolFiles:     gauge(ports.MetricSpoolFiles, "Number of batches in the spool."),
			ports.MetricLastCommitUnix: gauge(ports.MetricLastCommitUnix, "Unix time of the last successful commit."),
		},
	}
	latency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    ports.MetricCommitLatency,
		Help:    "Latency of successful chunk commits, including retries.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	})
	p.histos = map[string]prometheus.Observer{ports.MetricCommitLatency: latency}

	if reg != nil {
		for _, c := range p.counters {
			reg.MustRegister(c)
		}
		for _, g := range p.gauges {
			reg.MustRegister(g)
		}
		reg.MustRegister(latency)
	}
	return p
}

func (p *PromObs) LogInfo(msg string, fields ...ports.Field) {
	p.log.LogAttrs(context.Background(), slog.LevelInfo, msg, attrs(nil, fields)...)
}

func (p *PromObs) LogWarn(msg string, err error, fields ...ports.Field) {
	p.log.LogAttrs(context.Background(), slog.LevelWarn, msg, attrs(err, fields)...)
}

func (p *PromObs) LogError(msg string, err error, fields ...ports.Field) {
	p.log.LogAttrs(context.Background(), slog.LevelError, msg, attrs(err, fields)...)
}

func (p *PromObs) LogCritical(msg string, err error, fields ...ports.Field) {
	p.log.LogAttrs(context.Background(), LevelCritical, msg, attrs(err, fields)...)
}

func (p *PromObs) IncCounter(name string, v float64) {
	if c, ok := p.counters[name]; ok {
		c.Add(v)
	}
}

func (p *PromObs) ObserveLatency(name string, seconds float64) {
	if h, ok := p.histos[name]; ok {
		h.Observe(seconds)
	}
}

func (p *PromObs) SetGauge(name string, v float64) {
	if g, ok := p.gauges[name]; ok {
		g.Set(v)
	}
}

func attrs(err error, fields []ports.Field) []slog.Attr {
	out := make([]slog.Attr, 0, len(fields)+1)
	if err != nil {
		out = append(out, slog.String("error", err.Error()))
	}
	for _, f := range fields {
		out = append(out, slog.Any(f.Key, f.Value))
	}
	return out
}

var _ ports.Observability = (*PromObs)(nil)
