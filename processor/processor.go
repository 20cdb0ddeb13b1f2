// Package processor implements the bounded event processor: a single driver
// goroutine that pops events from a bounded input queue, runs every work unit
// on them and queues the outcome for the caller to pop.
package processor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Swind/go-slot-runner/core"
	"github.com/Swind/go-slot-runner/event"
	"github.com/Swind/go-slot-runner/execstate"
	"github.com/Swind/go-slot-runner/incident"
)

// DefaultCapacity is one pending event plus the one being processed.
const DefaultCapacity = 2

const pollInterval = time.Millisecond

// Metrics receives processor events.
type Metrics interface {
	RecordEventProcessed(processor string, status execstate.Status, duration time.Duration)
	RecordUnitFailure(processor, unit string)
	RecordInputDepth(processor string, depth int)
}

type nopMetrics struct{}

func (nopMetrics) RecordEventProcessed(string, execstate.Status, time.Duration) {}
func (nopMetrics) RecordUnitFailure(string, string)                             {}
func (nopMetrics) RecordInputDepth(string, int)                                 {}

// ThreadInitializer runs per-thread setup for the driver goroutine.
type ThreadInitializer interface {
	InitThisThread(ctx context.Context) error
}

// Processor is the bounded event processor.
type Processor struct {
	name       string
	capacity   int
	logger     core.Logger
	metrics    Metrics
	registry   *execstate.Registry
	dispatcher *incident.Dispatcher
	threadInit ThreadInitializer

	unitsMu sync.Mutex
	units   []registeredUnit
	outputs []registeredUnit

	in chan event.Context

	doneMu sync.Mutex
	done   []Result

	// pending counts events accepted by Push whose result is not queued yet.
	pending atomic.Int64

	runner   *core.SingleThreadTaskRunner
	loopDone chan struct{}
	started  atomic.Bool
	closing  chan struct{}
	sendMu   sync.RWMutex // held shared by Push while sending
	stopOnce sync.Once

	abort       atomic.Bool
	abortSource atomic.Value // string
	abortL      *incident.FuncListener

	processed   atomic.Uint64
	failed      atomic.Uint64
	lastEventAt atomic.Int64
}

// Option configures a Processor.
type Option func(*Processor)

// WithName names the processor in logs and metrics.
func WithName(name string) Option {
	return func(p *Processor) { p.name = name }
}

// WithCapacity sets the total capacity: capacity-1 pending events plus the
// one in flight. Values below 1 are ignored.
func WithCapacity(capacity int) Option {
	return func(p *Processor) {
		if capacity >= 1 {
			p.capacity = capacity
		}
	}
}

// WithLogger sets the processor logger.
func WithLogger(l core.Logger) Option {
	return func(p *Processor) { p.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(p *Processor) { p.metrics = m }
}

// WithThreadInit makes the driver goroutine run t.InitThisThread before it
// processes the first event.
func WithThreadInit(t ThreadInitializer) Option {
	return func(p *Processor) { p.threadInit = t }
}

// New returns a processor recording execution state in registry and
// delivering incidents through dispatcher.
func New(registry *execstate.Registry, dispatcher *incident.Dispatcher, opts ...Option) *Processor {
	p := &Processor{
		name:       "processor",
		capacity:   DefaultCapacity,
		logger:     core.NewNoOpLogger(),
		metrics:    nopMetrics{},
		registry:   registry,
		dispatcher: dispatcher,
		loopDone:   make(chan struct{}),
		closing:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.in = make(chan event.Context, p.capacity-1)
	p.abortL = incident.NewFuncListener(p.name+"/abort", p.onAbortEvent)
	return p
}

// AddWorkUnit appends a top-level unit. Units run in registration order.
func (p *Processor) AddWorkUnit(u WorkUnit) error {
	return p.add(&p.units, u)
}

// AddOutputStream appends an output stream. Output streams run after all
// top-level units, with their filter decision forced to passed.
func (p *Processor) AddOutputStream(u WorkUnit) error {
	return p.add(&p.outputs, u)
}

func (p *Processor) add(list *[]registeredUnit, u WorkUnit) error {
	if p.started.Load() {
		return fmt.Errorf("%w: cannot add %s", ErrAlreadyStarted, u.Name())
	}
	p.unitsMu.Lock()
	defer p.unitsMu.Unlock()
	*list = append(*list, registeredUnit{unit: u, key: p.registry.Register(u.Name())})
	return nil
}

// =============================================================================
// Lifecycle
// =============================================================================

// Start spawns the driver goroutine and subscribes to AbortEvent.
func (p *Processor) Start() error {
	select {
	case <-p.closing:
		return ErrQueueClosed
	default:
	}
	if !p.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	p.dispatcher.AddListener(p.abortL, incident.AbortEvent)
	p.runner = core.NewSingleThreadTaskRunner(p.name, p.logger)
	p.runner.PostTask(p.loop)

	p.logger.Info("event processor started", core.F("processor", p.name), core.F("capacity", p.capacity))
	return nil
}

// Stop sends the end of stream sentinel and waits for the driver to exit.
// Events queued before Stop are processed first; Push fails afterwards.
func (p *Processor) Stop() {
	p.stopOnce.Do(func() {
		close(p.closing)
		// Wait out pushes that passed the closing check.
		p.sendMu.Lock()
		p.sendMu.Unlock()

		if p.started.Load() {
			select {
			case p.in <- event.Invalid():
				<-p.loopDone
			case <-p.loopDone:
			}
			p.runner.Stop()
			p.dispatcher.RemoveListener(p.abortL, incident.AbortEvent)
		}

		// Pushes racing with Stop may land behind the sentinel.
		for {
			select {
			case ev := <-p.in:
				if !ev.Valid() {
					continue
				}
				p.pending.Add(-1)
				p.logger.Warn("dropping event pushed during stop",
					core.F("processor", p.name), core.F("event", ev.String()))
			default:
				p.logger.Info("event processor stopped", core.F("processor", p.name))
				return
			}
		}
	})
}

// =============================================================================
// Queues
// =============================================================================

// Push queues ev, blocking while the input queue is full.
func (p *Processor) Push(ctx context.Context, ev event.Context) error {
	if !ev.Valid() {
		return ErrInvalidEvent
	}
	p.sendMu.RLock()
	defer p.sendMu.RUnlock()
	select {
	case <-p.closing:
		return ErrQueueClosed
	default:
	}

	p.pending.Add(1)
	select {
	case p.in <- ev:
		p.metrics.RecordInputDepth(p.name, len(p.in))
		return nil
	case <-p.closing:
		p.pending.Add(-1)
		return ErrQueueClosed
	case <-ctx.Done():
		p.pending.Add(-1)
		return ctx.Err()
	}
}

// Pop returns the oldest available result without blocking.
func (p *Processor) Pop() (Result, bool) {
	p.doneMu.Lock()
	defer p.doneMu.Unlock()
	if len(p.done) == 0 {
		return Result{}, false
	}
	r := p.done[0]
	p.done[0] = Result{}
	p.done = p.done[1:]
	return r, true
}

func (p *Processor) pushResult(r Result) {
	p.doneMu.Lock()
	p.done = append(p.done, r)
	p.doneMu.Unlock()
}

// IsEmpty reports whether nothing is queued, nothing is being processed and
// no result is waiting to be popped.
func (p *Processor) IsEmpty() bool {
	p.doneMu.Lock()
	defer p.doneMu.Unlock()
	return p.pending.Load() == 0 && len(p.done) == 0
}

// ExecuteEvent pushes ev and waits for the next available result. With
// several events in flight that result may belong to another event.
func (p *Processor) ExecuteEvent(ctx context.Context, ev event.Context) (Result, error) {
	if !p.started.Load() {
		return Result{}, ErrNotStarted
	}
	if err := p.Push(ctx, ev); err != nil {
		return Result{}, err
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		if r, ok := p.Pop(); ok {
			return r, nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
}

// =============================================================================
// Driver loop
// =============================================================================

func (p *Processor) loop(ctx context.Context) {
	defer close(p.loopDone)

	if p.threadInit != nil {
		if err := p.threadInit.InitThisThread(ctx); err != nil {
			p.logger.Error("driver thread init failed", core.F("processor", p.name), core.F("error", err))
		}
	}

	for ev := range p.in {
		if !ev.Valid() {
			p.logger.Debug("exiting event loop", core.F("processor", p.name))
			p.pushResult(Result{Status: execstate.StatusSuccess, Event: ev})
			return
		}
		r := p.process(ctx, ev)
		p.pushResult(r)
		p.pending.Add(-1)
	}
}

func (p *Processor) process(ctx context.Context, ev event.Context) Result {
	start := time.Now()
	slot := ev.Slot()
	p.logger.Debug("processing", core.F("processor", p.name), core.F("event", ev.String()))

	if err := p.registry.Reset(slot); err != nil {
		p.logger.Error("cannot reset slot", core.F("slot", slot), core.F("error", err))
		return p.finish(ev, start, execstate.StatusFailure, err, "")
	}
	ctx = event.WithContext(ctx, ev)

	p.unitsMu.Lock()
	units, outputs := p.units, p.outputs
	p.unitsMu.Unlock()

	var errs []error
	for _, u := range units {
		if p.abort.Swap(false) {
			p.logger.Debug("AbortEvent incident fired", core.F("source", p.abortSourceName()))
			break
		}
		if err := p.runUnit(ctx, ev, u, false); err != nil {
			errs = append(errs, err)
		}
	}

	if err := p.registry.UpdateEventStatus(slot, len(errs) > 0); err != nil {
		p.logger.Error("cannot update event status", core.F("slot", slot), core.F("error", err))
	}
	if p.abort.Swap(false) {
		p.logger.Debug("AbortEvent incident fired", core.F("source", p.abortSourceName()))
	}

	for _, o := range outputs {
		if err := p.runUnit(ctx, ev, o, true); err != nil {
			errs = append(errs, err)
		}
	}

	if fired := p.dispatcher.Drain(slot, ev.Seq()); len(fired) > 0 {
		if err := p.dispatcher.Deliver(ctx, fired); err != nil {
			p.logger.Warn("async incident delivery failed", core.F("slot", slot), core.F("error", err))
		}
	}

	if len(errs) == 0 {
		return p.finish(ev, start, execstate.StatusSuccess, nil, "")
	}

	err := errors.Join(errs...)
	dump := p.registry.Dump(slot)
	p.logger.Error("error processing event", core.F("event", ev.String()), core.F("error", err))
	p.logger.Debug("dumping execution state", core.F("dump", dump))
	return p.finish(ev, start, execstate.StatusFailure, err, dump)
}

func (p *Processor) finish(ev event.Context, start time.Time, st execstate.Status, err error, dump string) Result {
	p.processed.Add(1)
	if !st.IsSuccess() {
		p.failed.Add(1)
	}
	p.lastEventAt.Store(time.Now().UnixNano())
	p.metrics.RecordEventProcessed(p.name, st, time.Since(start))
	return Result{Status: st, Event: ev, Err: err, Dump: dump}
}

// runUnit executes u and records its state. Panics and errors become a
// *UnitError.
func (p *Processor) runUnit(ctx context.Context, ev event.Context, u registeredUnit, output bool) error {
	name := u.unit.Name()
	p.setRecord(ev, u.key, func(r *execstate.Registry) error {
		if output {
			if err := r.SetFilterPassed(ev, u.key, true); err != nil {
				return err
			}
		}
		return r.SetState(ev, u.key, execstate.StateExecuting)
	})

	err := p.callUnit(ctx, ev, u.unit)

	status := execstate.StatusSuccess
	if err != nil {
		status = execstate.StatusFailure
	}
	p.setRecord(ev, u.key, func(r *execstate.Registry) error {
		if err := r.SetState(ev, u.key, execstate.StateDone); err != nil {
			return err
		}
		return r.SetStatus(ev, u.key, status)
	})

	if err == nil {
		return nil
	}
	p.logger.Warn("execution of work unit failed",
		core.F("unit", name), core.F("output", output), core.F("event", ev.String()), core.F("error", err))
	p.metrics.RecordUnitFailure(p.name, name)
	if _, cerr := p.registry.IncrementErrorCount(name); cerr != nil {
		p.logger.Error("cannot count unit error", core.F("unit", name), core.F("error", cerr))
	}
	return &UnitError{Unit: name, Event: ev, Err: err}
}

func (p *Processor) callUnit(ctx context.Context, ev event.Context, u WorkUnit) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return u.Execute(ctx, ev)
}

func (p *Processor) setRecord(ev event.Context, key execstate.Key, fn func(*execstate.Registry) error) {
	if err := fn(p.registry); err != nil {
		p.logger.Error("cannot record unit state",
			core.F("key", int(key)), core.F("event", ev.String()), core.F("error", err))
	}
}

// =============================================================================
// Abort
// =============================================================================

func (p *Processor) onAbortEvent(_ context.Context, inc *incident.Incident) error {
	p.abortSource.Store(inc.Source)
	p.abort.Store(true)
	return nil
}

func (p *Processor) abortSourceName() string {
	s, _ := p.abortSource.Load().(string)
	return s
}

// =============================================================================
// Observability
// =============================================================================

// Stats returns a snapshot for observability pollers.
func (p *Processor) Stats() core.ProcessorStats {
	p.doneMu.Lock()
	done := len(p.done)
	p.doneMu.Unlock()

	var last time.Time
	if ns := p.lastEventAt.Load(); ns != 0 {
		last = time.Unix(0, ns)
	}
	return core.ProcessorStats{
		Name:        p.name,
		Capacity:    p.capacity,
		Queued:      len(p.in),
		InFlight:    int(p.pending.Load()),
		Done:        done,
		Processed:   p.processed.Load(),
		Failed:      p.failed.Load(),
		Running:     p.IsRunning(),
		LastEventAt: last,
	}
}

// DriverStats returns the stats of the driver goroutine's task runner.
func (p *Processor) DriverStats() core.RunnerStats {
	if !p.started.Load() {
		return core.RunnerStats{Name: p.name, Type: "single_thread"}
	}
	return p.runner.Stats()
}

// Name returns the processor name.
func (p *Processor) Name() string { return p.name }

// IsRunning reports whether the driver loop is alive.
func (p *Processor) IsRunning() bool {
	if !p.started.Load() {
		return false
	}
	select {
	case <-p.loopDone:
		return false
	default:
		return true
	}
}
