package prometheus

import (
	"errors"
	"fmt"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/Swind/go-slot-runner/core"
	"github.com/Swind/go-slot-runner/execstate"
	"github.com/Swind/go-slot-runner/incident"
	"github.com/Swind/go-slot-runner/processor"
	"github.com/Swind/go-slot-runner/threadpool"
)

// ExporterOptions controls collector configuration.
type ExporterOptions struct {
	DurationBuckets []float64
}

// MetricsExporter adapts the metrics interfaces of the pool, the processor,
// the incident dispatcher and the thread pool manager to Prometheus
// collectors.
type MetricsExporter struct {
	taskDurationSeconds *prom.HistogramVec
	taskPanicTotal      *prom.CounterVec
	taskRejectedTotal   *prom.CounterVec
	queueDepth          *prom.GaugeVec

	eventDurationSeconds *prom.HistogramVec
	eventsTotal          *prom.CounterVec
	unitFailuresTotal    *prom.CounterVec
	inputDepth           *prom.GaugeVec

	incidentsFiredTotal   *prom.CounterVec
	incidentsDroppedTotal *prom.CounterVec
	listenerFailuresTotal *prom.CounterVec

	threadHooksTotal   *prom.CounterVec
	threadsInitialized prom.Gauge
}

var (
	_ core.Metrics       = (*MetricsExporter)(nil)
	_ processor.Metrics  = (*MetricsExporter)(nil)
	_ incident.Metrics   = (*MetricsExporter)(nil)
	_ threadpool.Metrics = (*MetricsExporter)(nil)
)

// NewMetricsExporter creates and registers the Prometheus collectors.
func NewMetricsExporter(namespace string, reg prom.Registerer, opts ExporterOptions) (*MetricsExporter, error) {
	if namespace == "" {
		namespace = "slotrunner"
	}
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	buckets := opts.DurationBuckets
	if len(buckets) == 0 {
		buckets = prom.DefBuckets
	}

	m := &MetricsExporter{
		taskDurationSeconds: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Task execution duration in seconds.",
			Buckets:   buckets,
		}, []string{"pool", "priority"}),
		taskPanicTotal: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "task_panic_total",
			Help:      "Total number of task panics.",
		}, []string{"pool"}),
		taskRejectedTotal: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "task_rejected_total",
			Help:      "Total number of rejected tasks.",
		}, []string{"pool", "reason"}),
		queueDepth: prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Current task queue depth.",
		}, []string{"pool"}),

		eventDurationSeconds: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "event_duration_seconds",
			Help:      "Event processing duration in seconds.",
			Buckets:   buckets,
		}, []string{"processor", "status"}),
		eventsTotal: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "events_processed_total",
			Help:      "Total number of processed events.",
		}, []string{"processor", "status"}),
		unitFailuresTotal: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "unit_failures_total",
			Help:      "Total number of work unit failures.",
		}, []string{"processor", "unit"}),
		inputDepth: prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "input_queue_depth",
			Help:      "Events waiting in the processor input queue.",
		}, []string{"processor"}),

		incidentsFiredTotal: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "incidents_fired_total",
			Help:      "Total number of fired incidents.",
		}, []string{"type", "mode"}),
		incidentsDroppedTotal: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "incidents_dropped_total",
			Help:      "Total number of queued incidents that were never delivered.",
		}, []string{"type", "reason"}),
		listenerFailuresTotal: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "listener_failures_total",
			Help:      "Total number of incident listener failures.",
		}, []string{"type"}),

		threadHooksTotal: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "thread_hooks_total",
			Help:      "Total number of per-thread hook calls.",
		}, []string{"tool", "phase", "result"}),
		threadsInitialized: prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "threads_initialized",
			Help:      "Threads that ran their init hooks and were not terminated.",
		}),
	}

	var err error
	if m.taskDurationSeconds, err = registerCollector(reg, m.taskDurationSeconds); err != nil {
		return nil, err
	}
	if m.taskPanicTotal, err = registerCollector(reg, m.taskPanicTotal); err != nil {
		return nil, err
	}
	if m.taskRejectedTotal, err = registerCollector(reg, m.taskRejectedTotal); err != nil {
		return nil, err
	}
	if m.queueDepth, err = registerCollector(reg, m.queueDepth); err != nil {
		return nil, err
	}
	if m.eventDurationSeconds, err = registerCollector(reg, m.eventDurationSeconds); err != nil {
		return nil, err
	}
	if m.eventsTotal, err = registerCollector(reg, m.eventsTotal); err != nil {
		return nil, err
	}
	if m.unitFailuresTotal, err = registerCollector(reg, m.unitFailuresTotal); err != nil {
		return nil, err
	}
	if m.inputDepth, err = registerCollector(reg, m.inputDepth); err != nil {
		return nil, err
	}
	if m.incidentsFiredTotal, err = registerCollector(reg, m.incidentsFiredTotal); err != nil {
		return nil, err
	}
	if m.incidentsDroppedTotal, err = registerCollector(reg, m.incidentsDroppedTotal); err != nil {
		return nil, err
	}
	if m.listenerFailuresTotal, err = registerCollector(reg, m.listenerFailuresTotal); err != nil {
		return nil, err
	}
	if m.threadHooksTotal, err = registerCollector(reg, m.threadHooksTotal); err != nil {
		return nil, err
	}
	if m.threadsInitialized, err = registerCollector(reg, m.threadsInitialized); err != nil {
		return nil, err
	}
	return m, nil
}

// =============================================================================
// Thread pool tasks
// =============================================================================

// RecordTaskDuration records task execution duration.
func (m *MetricsExporter) RecordTaskDuration(poolName string, priority core.TaskPriority, duration time.Duration) {
	if m == nil {
		return
	}
	m.taskDurationSeconds.WithLabelValues(normalizeLabel(poolName, "unknown"), priorityLabel(priority)).Observe(duration.Seconds())
}

// RecordTaskPanic records task panic events.
func (m *MetricsExporter) RecordTaskPanic(poolName string, panicInfo any) {
	if m == nil {
		return
	}
	m.taskPanicTotal.WithLabelValues(normalizeLabel(poolName, "unknown")).Inc()
}

// RecordQueueDepth records task queue depth.
func (m *MetricsExporter) RecordQueueDepth(poolName string, depth int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(normalizeLabel(poolName, "unknown")).Set(float64(depth))
}

// RecordTaskRejected records task rejection events.
func (m *MetricsExporter) RecordTaskRejected(poolName string, reason string) {
	if m == nil {
		return
	}
	m.taskRejectedTotal.WithLabelValues(normalizeLabel(poolName, "unknown"), normalizeLabel(reason, "unknown")).Inc()
}

// =============================================================================
// Event processor
// =============================================================================

// RecordEventProcessed records one processed event.
func (m *MetricsExporter) RecordEventProcessed(processorName string, status execstate.Status, duration time.Duration) {
	if m == nil {
		return
	}
	name := normalizeLabel(processorName, "unknown")
	st := statusLabel(status)
	m.eventsTotal.WithLabelValues(name, st).Inc()
	m.eventDurationSeconds.WithLabelValues(name, st).Observe(duration.Seconds())
}

// RecordUnitFailure records a failed work unit.
func (m *MetricsExporter) RecordUnitFailure(processorName, unit string) {
	if m == nil {
		return
	}
	m.unitFailuresTotal.WithLabelValues(normalizeLabel(processorName, "unknown"), normalizeLabel(unit, "unknown")).Inc()
}

// RecordInputDepth records the processor input queue depth.
func (m *MetricsExporter) RecordInputDepth(processorName string, depth int) {
	if m == nil {
		return
	}
	m.inputDepth.WithLabelValues(normalizeLabel(processorName, "unknown")).Set(float64(depth))
}

// =============================================================================
// Incidents
// =============================================================================

// RecordIncidentFired records a fired incident; mode is "sync" or "async".
func (m *MetricsExporter) RecordIncidentFired(incidentType, mode string) {
	if m == nil {
		return
	}
	m.incidentsFiredTotal.WithLabelValues(normalizeLabel(incidentType, "unknown"), normalizeLabel(mode, "unknown")).Inc()
}

// RecordIncidentDropped records an incident discarded before delivery.
func (m *MetricsExporter) RecordIncidentDropped(incidentType, reason string) {
	if m == nil {
		return
	}
	m.incidentsDroppedTotal.WithLabelValues(normalizeLabel(incidentType, "unknown"), normalizeLabel(reason, "unknown")).Inc()
}

// RecordListenerFailure records a failed listener call.
func (m *MetricsExporter) RecordListenerFailure(incidentType string) {
	if m == nil {
		return
	}
	m.listenerFailuresTotal.WithLabelValues(normalizeLabel(incidentType, "unknown")).Inc()
}

// =============================================================================
// Thread init hooks
// =============================================================================

// RecordThreadHook records one per-thread hook call.
func (m *MetricsExporter) RecordThreadHook(tool, phase string, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.threadHooksTotal.WithLabelValues(normalizeLabel(tool, "unknown"), normalizeLabel(phase, "unknown"), result).Inc()
}

// RecordThreadsInitialized records the number of initialized threads.
func (m *MetricsExporter) RecordThreadsInitialized(n int) {
	if m == nil {
		return
	}
	m.threadsInitialized.Set(float64(n))
}

func normalizeLabel(v string, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func priorityLabel(priority core.TaskPriority) string {
	switch priority {
	case core.TaskPriorityUserBlocking:
		return "user_blocking"
	case core.TaskPriorityUserVisible:
		return "user_visible"
	case core.TaskPriorityBestEffort:
		return "best_effort"
	default:
		return "unknown"
	}
}

func statusLabel(s execstate.Status) string {
	if s.IsSuccess() {
		return "success"
	}
	return "failure"
}

func registerCollector[T prom.Collector](reg prom.Registerer, collector T) (T, error) {
	err := reg.Register(collector)
	if err == nil {
		return collector, nil
	}

	var alreadyRegisteredErr prom.AlreadyRegisteredError
	if errors.As(err, &alreadyRegisteredErr) {
		existing, ok := alreadyRegisteredErr.ExistingCollector.(T)
		if !ok {
			return collector, fmt.Errorf("collector type mismatch for %T", collector)
		}
		return existing, nil
	}

	return collector, err
}
