package prometheus

import (
	"context"
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/Swind/go-slot-runner/core"
)

// RunnerSnapshotProvider provides current runner stats snapshots.
type RunnerSnapshotProvider interface {
	Stats() core.RunnerStats
}

// PoolSnapshotProvider provides current pool stats snapshots.
type PoolSnapshotProvider interface {
	Stats() core.PoolStats
}

// ProcessorSnapshotProvider provides current event processor stats snapshots.
type ProcessorSnapshotProvider interface {
	Stats() core.ProcessorStats
}

// RunnerFunc adapts a function to RunnerSnapshotProvider.
type RunnerFunc func() core.RunnerStats

func (f RunnerFunc) Stats() core.RunnerStats { return f() }

// SnapshotPoller periodically exports runner, pool and processor Stats()
// snapshots into Prometheus gauges.
type SnapshotPoller struct {
	interval time.Duration

	runnersMu sync.RWMutex
	runners   map[string]RunnerSnapshotProvider

	poolsMu sync.RWMutex
	pools   map[string]PoolSnapshotProvider

	processorsMu sync.RWMutex
	processors   map[string]ProcessorSnapshotProvider

	runnerPending *prom.GaugeVec
	runnerRunning *prom.GaugeVec
	runnerClosed  *prom.GaugeVec

	poolQueued  *prom.GaugeVec
	poolActive  *prom.GaugeVec
	poolWorkers *prom.GaugeVec
	poolRunning *prom.GaugeVec

	procQueued    *prom.GaugeVec
	procInFlight  *prom.GaugeVec
	procDone      *prom.GaugeVec
	procCapacity  *prom.GaugeVec
	procRunning   *prom.GaugeVec
	procLastEvent *prom.GaugeVec

	stateMu sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewSnapshotPoller creates a snapshot poller and registers its collectors.
func NewSnapshotPoller(namespace string, reg prom.Registerer, interval time.Duration) (*SnapshotPoller, error) {
	if namespace == "" {
		namespace = "slotrunner"
	}
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	if interval <= 0 {
		interval = time.Second
	}

	gauge := func(name, help string, labels ...string) *prom.GaugeVec {
		return prom.NewGaugeVec(prom.GaugeOpts{Namespace: namespace, Name: name, Help: help}, labels)
	}

	p := &SnapshotPoller{
		interval:   interval,
		runners:    make(map[string]RunnerSnapshotProvider),
		pools:      make(map[string]PoolSnapshotProvider),
		processors: make(map[string]ProcessorSnapshotProvider),

		runnerPending: gauge("runner_pending", "Number of pending tasks per runner.", "runner", "type"),
		runnerRunning: gauge("runner_running", "Number of running tasks per runner.", "runner", "type"),
		runnerClosed:  gauge("runner_closed", "Runner closed state (1=closed, 0=open).", "runner", "type"),

		poolQueued:  gauge("pool_queued", "Queued tasks per pool.", "pool"),
		poolActive:  gauge("pool_active", "Active tasks per pool.", "pool"),
		poolWorkers: gauge("pool_workers", "Worker count per pool.", "pool"),
		poolRunning: gauge("pool_running", "Pool running state (1=running, 0=stopped).", "pool"),

		procQueued:    gauge("processor_queued", "Events waiting in the input queue per processor.", "processor"),
		procInFlight:  gauge("processor_in_flight", "Events accepted and not yet completed per processor.", "processor"),
		procDone:      gauge("processor_done", "Results waiting to be popped per processor.", "processor"),
		procCapacity:  gauge("processor_capacity", "Configured capacity per processor.", "processor"),
		procRunning:   gauge("processor_running", "Processor running state (1=running, 0=stopped).", "processor"),
		procLastEvent: gauge("processor_last_event_timestamp_seconds", "Unix time of the last processed event.", "processor"),
	}

	for _, c := range []**prom.GaugeVec{
		&p.runnerPending, &p.runnerRunning, &p.runnerClosed,
		&p.poolQueued, &p.poolActive, &p.poolWorkers, &p.poolRunning,
		&p.procQueued, &p.procInFlight, &p.procDone, &p.procCapacity, &p.procRunning, &p.procLastEvent,
	} {
		registered, err := registerCollector(reg, *c)
		if err != nil {
			return nil, err
		}
		*c = registered
	}
	return p, nil
}

// AddRunner adds or replaces a runner snapshot provider by name.
func (p *SnapshotPoller) AddRunner(name string, provider RunnerSnapshotProvider) {
	if p == nil || provider == nil {
		return
	}
	name = normalizeLabel(name, "runner")
	p.runnersMu.Lock()
	p.runners[name] = provider
	p.runnersMu.Unlock()
}

// AddPool adds or replaces a pool snapshot provider by name.
func (p *SnapshotPoller) AddPool(name string, provider PoolSnapshotProvider) {
	if p == nil || provider == nil {
		return
	}
	name = normalizeLabel(name, "pool")
	p.poolsMu.Lock()
	p.pools[name] = provider
	p.poolsMu.Unlock()
}

// AddProcessor adds or replaces a processor snapshot provider by name.
func (p *SnapshotPoller) AddProcessor(name string, provider ProcessorSnapshotProvider) {
	if p == nil || provider == nil {
		return
	}
	name = normalizeLabel(name, "processor")
	p.processorsMu.Lock()
	p.processors[name] = provider
	p.processorsMu.Unlock()
}

// Start begins periodic polling; repeated calls are no-ops.
func (p *SnapshotPoller) Start(ctx context.Context) {
	if p == nil {
		return
	}

	p.stateMu.Lock()
	if p.running {
		p.stateMu.Unlock()
		return
	}
	pollCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true
	p.stateMu.Unlock()

	go p.loop(pollCtx, p.done)
}

// Stop stops periodic polling; repeated calls are safe.
func (p *SnapshotPoller) Stop() {
	if p == nil {
		return
	}

	p.stateMu.Lock()
	if !p.running {
		p.stateMu.Unlock()
		return
	}
	cancel := p.cancel
	done := p.done
	p.stateMu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}

	p.stateMu.Lock()
	p.running = false
	p.cancel = nil
	p.done = nil
	p.stateMu.Unlock()
}

func (p *SnapshotPoller) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.collectOnce()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.collectOnce()
		}
	}
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}

func (p *SnapshotPoller) collectOnce() {
	p.runnersMu.RLock()
	for name, provider := range p.runners {
		stats := provider.Stats()
		typeLabel := normalizeLabel(stats.Type, "unknown")
		p.runnerPending.WithLabelValues(name, typeLabel).Set(float64(stats.Pending))
		p.runnerRunning.WithLabelValues(name, typeLabel).Set(float64(stats.Running))
		p.runnerClosed.WithLabelValues(name, typeLabel).Set(boolGauge(stats.Closed))
	}
	p.runnersMu.RUnlock()

	p.poolsMu.RLock()
	for name, provider := range p.pools {
		stats := provider.Stats()
		p.poolQueued.WithLabelValues(name).Set(float64(stats.Queued))
		p.poolActive.WithLabelValues(name).Set(float64(stats.Active))
		p.poolWorkers.WithLabelValues(name).Set(float64(stats.Workers))
		p.poolRunning.WithLabelValues(name).Set(boolGauge(stats.Running))
	}
	p.poolsMu.RUnlock()

	p.processorsMu.RLock()
	for name, provider := range p.processors {
		stats := provider.Stats()
		p.procQueued.WithLabelValues(name).Set(float64(stats.Queued))
		p.procInFlight.WithLabelValues(name).Set(float64(stats.InFlight))
		p.procDone.WithLabelValues(name).Set(float64(stats.Done))
		p.procCapacity.WithLabelValues(name).Set(float64(stats.Capacity))
		p.procRunning.WithLabelValues(name).Set(boolGauge(stats.Running))
		if !stats.LastEventAt.IsZero() {
			p.procLastEvent.WithLabelValues(name).Set(float64(stats.LastEventAt.UnixNano()) / 1e9)
		}
	}
	p.processorsMu.RUnlock()
}
