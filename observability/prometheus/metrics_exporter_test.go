package prometheus

import (
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"

	"github.com/Swind/go-slot-runner/core"
	"github.com/Swind/go-slot-runner/execstate"
)

func TestMetricsExporter_TaskMethods(t *testing.T) {
	reg := prom.NewRegistry()
	exporter, err := NewMetricsExporter("slotrunner", reg, ExporterOptions{})
	if err != nil {
		t.Fatalf("NewMetricsExporter failed: %v", err)
	}

	exporter.RecordTaskDuration("pool-a", core.TaskPriorityUserBlocking, 250*time.Millisecond)
	exporter.RecordTaskPanic("pool-a", "panic")
	exporter.RecordQueueDepth("pool-a", 7)
	exporter.RecordTaskRejected("pool-a", "shutdown")

	panicTotal := testutil.ToFloat64(exporter.taskPanicTotal.WithLabelValues("pool-a"))
	if panicTotal != 1 {
		t.Fatalf("panic total = %v, want 1", panicTotal)
	}

	queueDepth := testutil.ToFloat64(exporter.queueDepth.WithLabelValues("pool-a"))
	if queueDepth != 7 {
		t.Fatalf("queue depth = %v, want 7", queueDepth)
	}

	rejected := testutil.ToFloat64(exporter.taskRejectedTotal.WithLabelValues("pool-a", "shutdown"))
	if rejected != 1 {
		t.Fatalf("rejected total = %v, want 1", rejected)
	}

	histCount, err := histogramSampleCount(exporter.taskDurationSeconds.WithLabelValues("pool-a", "user_blocking"))
	if err != nil {
		t.Fatalf("histogramSampleCount failed: %v", err)
	}
	if histCount != 1 {
		t.Fatalf("duration sample count = %d, want 1", histCount)
	}
}

func TestMetricsExporter_ProcessorMethods(t *testing.T) {
	exporter, err := NewMetricsExporter("", prom.NewRegistry(), ExporterOptions{})
	if err != nil {
		t.Fatalf("NewMetricsExporter failed: %v", err)
	}

	exporter.RecordEventProcessed("proc", execstate.StatusSuccess, time.Millisecond)
	exporter.RecordEventProcessed("proc", execstate.StatusFailure, time.Millisecond)
	exporter.RecordEventProcessed("proc", execstate.StatusFailure, time.Millisecond)
	exporter.RecordUnitFailure("proc", "Reco")
	exporter.RecordInputDepth("proc", 1)

	if got := testutil.ToFloat64(exporter.eventsTotal.WithLabelValues("proc", "failure")); got != 2 {
		t.Fatalf("failed events = %v, want 2", got)
	}
	if got := testutil.ToFloat64(exporter.eventsTotal.WithLabelValues("proc", "success")); got != 1 {
		t.Fatalf("successful events = %v, want 1", got)
	}
	if got := testutil.ToFloat64(exporter.unitFailuresTotal.WithLabelValues("proc", "Reco")); got != 1 {
		t.Fatalf("unit failures = %v, want 1", got)
	}
	if got := testutil.ToFloat64(exporter.inputDepth.WithLabelValues("proc")); got != 1 {
		t.Fatalf("input depth = %v, want 1", got)
	}
}

func TestMetricsExporter_IncidentAndThreadMethods(t *testing.T) {
	exporter, err := NewMetricsExporter("slotrunner", prom.NewRegistry(), ExporterOptions{})
	if err != nil {
		t.Fatalf("NewMetricsExporter failed: %v", err)
	}

	exporter.RecordIncidentFired("BeginEvent", "sync")
	exporter.RecordIncidentFired("BeginEvent", "sync")
	exporter.RecordIncidentDropped("Custom", "stale")
	exporter.RecordListenerFailure("")
	exporter.RecordThreadHook("gpu", "init", true)
	exporter.RecordThreadHook("gpu", "init", false)
	exporter.RecordThreadsInitialized(4)

	if got := testutil.ToFloat64(exporter.incidentsFiredTotal.WithLabelValues("BeginEvent", "sync")); got != 2 {
		t.Fatalf("fired = %v, want 2", got)
	}
	if got := testutil.ToFloat64(exporter.incidentsDroppedTotal.WithLabelValues("Custom", "stale")); got != 1 {
		t.Fatalf("dropped = %v, want 1", got)
	}
	if got := testutil.ToFloat64(exporter.listenerFailuresTotal.WithLabelValues("unknown")); got != 1 {
		t.Fatalf("listener failures = %v, want 1", got)
	}
	if got := testutil.ToFloat64(exporter.threadHooksTotal.WithLabelValues("gpu", "init", "error")); got != 1 {
		t.Fatalf("hook errors = %v, want 1", got)
	}
	if got := testutil.ToFloat64(exporter.threadsInitialized); got != 4 {
		t.Fatalf("threads initialized = %v, want 4", got)
	}
}

func TestMetricsExporter_AlreadyRegisteredReuse(t *testing.T) {
	reg := prom.NewRegistry()
	first, err := NewMetricsExporter("slotrunner", reg, ExporterOptions{})
	if err != nil {
		t.Fatalf("first NewMetricsExporter failed: %v", err)
	}
	second, err := NewMetricsExporter("slotrunner", reg, ExporterOptions{})
	if err != nil {
		t.Fatalf("second NewMetricsExporter failed: %v", err)
	}

	first.RecordTaskPanic("pool-a", nil)
	second.RecordTaskPanic("pool-a", nil)

	got := testutil.ToFloat64(first.taskPanicTotal.WithLabelValues("pool-a"))
	if got != 2 {
		t.Fatalf("shared panic counter = %v, want 2", got)
	}
}

func TestMetricsExporter_NilIsSafe(t *testing.T) {
	var exporter *MetricsExporter
	exporter.RecordTaskPanic("pool", nil)
	exporter.RecordEventProcessed("proc", execstate.StatusSuccess, 0)
	exporter.RecordIncidentFired("x", "sync")
	exporter.RecordThreadHook("t", "init", true)
}

func histogramSampleCount(observer prom.Observer) (uint64, error) {
	collector, ok := observer.(prom.Collector)
	if !ok {
		return 0, nil
	}

	metricCh := make(chan prom.Metric, 1)
	collector.Collect(metricCh)
	close(metricCh)
	for metric := range metricCh {
		msg := &dto.Metric{}
		if err := metric.Write(msg); err != nil {
			return 0, err
		}
		if msg.Histogram != nil {
			return msg.Histogram.GetSampleCount(), nil
		}
	}
	return 0, nil
}
