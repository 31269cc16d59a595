package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Task metrics
	TasksCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "valka_tasks_created_total",
			Help: "Total number of tasks created",
		},
		[]string{"queue"},
	)

	TaskTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "valka_task_transitions_total",
			Help: "Total number of task state transitions",
		},
		[]string{"queue", "status"},
	)

	TaskRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "valka_task_retries_total",
			Help: "Total number of task retries scheduled",
		},
		[]string{"queue"},
	)

	DispatchLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "valka_dispatch_latency_seconds",
			Help:    "Time between a task being offered and its assignment reaching the outbound stream",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16), // 0.1ms to ~3s
		},
		[]string{"queue"},
	)

	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "valka_run_duration_seconds",
			Help:    "Task run duration from assignment to result",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 18), // 1ms to ~2m
		},
		[]string{"queue"},
	)

	// Dead-letter metrics
	DeadLetters = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "valka_dead_letters_total",
			Help: "Total number of tasks moved to the dead letter queue",
		},
		[]string{"queue"},
	)

	// Worker session metrics
	WorkerSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "valka_worker_sessions",
			Help: "Current number of connected worker sessions",
		},
	)

	HeartbeatsReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "valka_heartbeats_received_total",
			Help: "Total number of worker heartbeats received",
		},
	)

	OutboundChannelDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "valka_outbound_channel_depth",
			Help: "Current depth of a session's outbound message channel",
		},
		[]string{"worker_id"},
	)

	LeasesExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "valka_leases_expired_total",
			Help: "Total number of task run leases reaped by the scheduler",
		},
	)

	// Reader metrics
	ReaderClaimBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "valka_reader_claim_batch_size",
			Help:    "Number of rows claimed per reader batch",
			Buckets: prometheus.LinearBuckets(0, 4, 9), // 0 to 32
		},
	)

	// Scheduler metrics
	SchedulerLeader = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "valka_scheduler_leader",
			Help: "1 when this node holds the scheduler leadership lock",
		},
	)

	// Matching metrics
	WaitingWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "valka_waiting_workers",
			Help: "Current number of parked waiters across all partitions",
		},
	)

	// Log ingester metrics
	LogEntriesWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "valka_log_entries_written_total",
			Help: "Total number of worker log entries persisted",
		},
	)

	LogBatchesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "valka_log_batches_dropped_total",
			Help: "Total number of log batches dropped on store error",
		},
	)

	// Signal metrics
	SignalsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "valka_signals_total",
			Help: "Total number of task signals by delivery outcome",
		},
		[]string{"outcome"},
	)

	// Store metrics
	StoreOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "valka_store_operation_duration_seconds",
			Help:    "Durable store operation duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12), // 0.1ms to ~200ms
		},
		[]string{"operation"},
	)

	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "valka_store_errors_total",
			Help: "Total number of durable store errors",
		},
		[]string{"operation"},
	)

	// HTTP metrics
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "valka_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "valka_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
)

// RecordTaskCreated records a task creation
func RecordTaskCreated(queue string) {
	TasksCreated.WithLabelValues(queue).Inc()
}

// RecordTaskTransition records a task state transition
func RecordTaskTransition(queue, status string) {
	TaskTransitions.WithLabelValues(queue, status).Inc()
}

// RecordTaskRetry records a scheduled retry
func RecordTaskRetry(queue string) {
	TaskRetries.WithLabelValues(queue).Inc()
}

// RecordDispatchLatency records offer-to-assignment latency
func RecordDispatchLatency(queue string, seconds float64) {
	DispatchLatency.WithLabelValues(queue).Observe(seconds)
}

// RecordRunDuration records an assignment-to-result duration
func RecordRunDuration(queue string, seconds float64) {
	RunDuration.WithLabelValues(queue).Observe(seconds)
}

// RecordDeadLetter records a dead-lettered task
func RecordDeadLetter(queue string) {
	DeadLetters.WithLabelValues(queue).Inc()
}

// SetWorkerSessions sets the connected session gauge
func SetWorkerSessions(count float64) {
	WorkerSessions.Set(count)
}

// RecordHeartbeat records a received heartbeat
func RecordHeartbeat() {
	HeartbeatsReceived.Inc()
}

// SetOutboundChannelDepth sets a session's outbound channel depth
func SetOutboundChannelDepth(workerID string, depth float64) {
	OutboundChannelDepth.WithLabelValues(workerID).Set(depth)
}

// DropOutboundChannelDepth removes a terminated session's gauge
func DropOutboundChannelDepth(workerID string) {
	OutboundChannelDepth.DeleteLabelValues(workerID)
}

// RecordLeaseExpired records a reaped lease
func RecordLeaseExpired() {
	LeasesExpired.Inc()
}

// RecordReaderClaimBatch records the size of a claim batch
func RecordReaderClaimBatch(size float64) {
	ReaderClaimBatchSize.Observe(size)
}

// SetSchedulerLeader sets the leadership gauge
func SetSchedulerLeader(leading bool) {
	if leading {
		SchedulerLeader.Set(1)
	} else {
		SchedulerLeader.Set(0)
	}
}

// SetWaitingWorkers sets the parked waiter gauge
func SetWaitingWorkers(count float64) {
	WaitingWorkers.Set(count)
}

// RecordLogEntries records persisted log entries
func RecordLogEntries(count float64) {
	LogEntriesWritten.Add(count)
}

// RecordLogBatchDropped records a dropped log batch
func RecordLogBatchDropped() {
	LogBatchesDropped.Inc()
}

// RecordSignal records a signal delivery outcome
func RecordSignal(outcome string) {
	SignalsDelivered.WithLabelValues(outcome).Inc()
}

// RecordStoreOperation records a store operation
func RecordStoreOperation(operation string, duration float64) {
	StoreOperationDuration.WithLabelValues(operation).Observe(duration)
}

// RecordStoreError records a store error
func RecordStoreError(operation string) {
	StoreErrors.WithLabelValues(operation).Inc()
}

// RecordHTTPRequest records an HTTP request
func RecordHTTPRequest(method, path, status string, duration float64) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration)
	HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
}
