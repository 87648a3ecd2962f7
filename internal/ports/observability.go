package ports

type Observability interface {
	LogInfo(msg string, fields ...Field)
	LogWarn(msg string, err error, fields ...Field)
	LogError(msg string, err error, fields ...Field)
	LogCritical(msg string, err error, fields ...Field)

	IncCounter(name string, v float64)
	ObserveLatency(name string, seconds float64)

	SetGauge(name string, v float64)
}

type Field struct {
	Key   string
	Value any
}

// Metric names understood by every Observability implementation.
const (
	MetricSamplesReceived   = "factoryiq_samples_received_total"
	MetricSamplesSuppressed = "factoryiq_samples_suppressed_total"
	MetricSamplesCommitted  = "factoryiq_samples_committed_total"
	MetricSamplesReplayed   = "factoryiq_samples_replayed_total"
	MetricRecordsDropped    = "factoryiq_records_dropped_total"
	MetricSamplesSpooled    = "factoryiq_samples_spooled_total"
	MetricSpoolDroppedFiles = "factoryiq_spool_dropped_files_total"
	MetricWriteRetries      = "factoryiq_write_retries_total"
	MetricReconnects        = "factoryiq_session_reconnects_total"
	MetricWatchdogFired     = "factoryiq_watchdog_fired_total"
	MetricHeartbeatFailures = "factoryiq_heartbeat_failures_total"
	MetricQueueLength       = "factoryiq_queue_length"
	MetricSpoolSizeBytes    = "factoryiq_spool_size_bytes"
	MetricSpoolFiles        = "factoryiq_spool_files"
	MetricLastCommitUnix    = "factoryiq_last_commit_unix_seconds"
	MetricCommitLatency     = "factoryiq_commit_latency_seconds"
)
