package incident

import (
	"context"
	"slices"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/Swind/go-slot-runner/core"
)

// Metrics receives dispatcher events. Implementations must be fast and
// goroutine safe.
type Metrics interface {
	RecordIncidentFired(incidentType, mode string)
	RecordIncidentDropped(incidentType, reason string)
	RecordListenerFailure(incidentType string)
}

type nopMetrics struct{}

func (nopMetrics) RecordIncidentFired(string, string)   {}
func (nopMetrics) RecordIncidentDropped(string, string) {}
func (nopMetrics) RecordListenerFailure(string)         {}

type entry struct {
	listener Listener
	priority int
	rethrow  bool
	// Also set by RemoveListener while the entry's bucket is being walked.
	singleShot atomic.Bool
}

type dispatchKeyType struct{}

var dispatchKey dispatchKeyType

// Dispatcher is the incident dispatcher. The zero value is not usable; use NewDispatcher.
type Dispatcher struct {
	logger  core.Logger
	metrics Metrics

	// fireMu serializes synchronous delivery passes. Listeners re-entering
	// FireSync with the ctx they were handed do not take it again.
	fireMu sync.Mutex

	// mu guards listeners and the dispatch markers.
	mu          sync.Mutex
	listeners   map[string][]*entry
	current     string // type of the incident being delivered
	walking     string // bucket being walked
	dispatching bool
	deferred    map[*entry]struct{} // removed while their bucket was walked

	queuesMu sync.Mutex
	queues   map[int]*slotQueue

	returnCode atomic.Int32
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the dispatcher logger.
func WithLogger(l core.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// NewDispatcher returns an empty dispatcher.
func NewDispatcher(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		logger:    core.NewNoOpLogger(),
		metrics:   nopMetrics{},
		listeners: make(map[string][]*entry),
		deferred:  make(map[*entry]struct{}),
		queues:    make(map[int]*slotQueue),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func normalizeType(typ string) string {
	if typ == "" {
		return ALL
	}
	return typ
}

// =============================================================================
// Registration
// =============================================================================

// AddListener registers l for typ ("" and ALL both mean every incident).
// Listeners are kept in descending priority; a new listener goes after every
// existing one with the same or higher priority.
func (d *Dispatcher) AddListener(l Listener, typ string, opts ...ListenOption) {
	e := &entry{listener: l}
	for _, opt := range opts {
		opt(e)
	}
	typ = normalizeType(typ)

	d.mu.Lock()
	defer d.mu.Unlock()

	list := d.listeners[typ]
	i := sort.Search(len(list), func(i int) bool { return list[i].priority < e.priority })
	d.listeners[typ] = slices.Insert(list, i, e)

	d.logger.Debug("adding listener",
		core.F("type", typ), core.F("listener", listenerName(l)), core.F("priority", e.priority))
}

// RemoveListener unregisters l from typ, or from every type when typ is "".
// A nil l matches every listener.
//
// If the bucket is being walked by an in-progress delivery of the same
// incident type, the matching entries are only flagged single-shot and are
// dropped when that delivery pass ends. Removal from any other bucket is
// immediate.
func (d *Dispatcher) RemoveListener(l Listener, typ string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if typ == "" {
		for t := range d.listeners {
			d.removeLocked(t, l)
		}
		return
	}
	d.removeLocked(typ, l)
}

func (d *Dispatcher) removeLocked(typ string, l Listener) {
	list, ok := d.listeners[typ]
	if !ok {
		return
	}
	match := func(e *entry) bool { return l == nil || e.listener == l }

	if d.dispatching && (typ == d.current || typ == d.walking) {
		for _, e := range list {
			if match(e) {
				e.singleShot.Store(true) // removed as soon as it is safe
				d.deferred[e] = struct{}{}
			}
		}
		return
	}

	kept := make([]*entry, 0, len(list))
	for _, e := range list {
		if match(e) {
			d.logger.Debug("removing listener", core.F("type", typ), core.F("listener", listenerName(e.listener)))
			continue
		}
		kept = append(kept, e)
	}
	if len(kept) == 0 {
		delete(d.listeners, typ)
		return
	}
	d.listeners[typ] = kept
}

// Listeners returns a snapshot of the listeners registered for typ, in
// delivery order.
func (d *Dispatcher) Listeners(typ string) []Listener {
	typ = normalizeType(typ)

	d.mu.Lock()
	defer d.mu.Unlock()

	list := d.listeners[typ]
	out := make([]Listener, len(list))
	for i, e := range list {
		out[i] = e.listener
	}
	return out
}

// =============================================================================
// Synchronous delivery
// =============================================================================

// FireSync delivers inc to the listeners of its type and then, unless the
// type is ALL, to the ALL listeners. Listener failures are logged; a failure
// of a listener registered WithRethrow stops delivery and is returned as a
// *ListenerError.
func (d *Dispatcher) FireSync(ctx context.Context, inc *Incident) error {
	if ctx.Value(dispatchKey) != d {
		d.fireMu.Lock()
		defer d.fireMu.Unlock()
		ctx = context.WithValue(ctx, dispatchKey, d)
	}

	d.metrics.RecordIncidentFired(inc.Type, "sync")
	d.noteReturnCode(inc)

	if err := d.fire(ctx, inc, inc.Type); err != nil {
		return err
	}
	if inc.Type != ALL {
		return d.fire(ctx, inc, ALL)
	}
	return nil
}

func (d *Dispatcher) fire(ctx context.Context, inc *Incident, bucket string) error {
	d.mu.Lock()
	list := d.listeners[bucket]
	if len(list) == 0 {
		d.mu.Unlock()
		return nil
	}
	snapshot := slices.Clone(list)
	prevCurrent, prevWalking, prevDispatching := d.current, d.walking, d.dispatching
	d.current, d.walking, d.dispatching = inc.Type, bucket, true
	d.mu.Unlock()

	var (
		visited int
		failure error
	)
	for _, e := range snapshot {
		visited++
		name := listenerName(e.listener)
		d.logger.Debug("calling listener", core.F("listener", name), core.F("incident", inc.Type))

		if err := invoke(ctx, e.listener, inc); err != nil {
			d.logger.Error("exception caught handling incident",
				core.F("incident", inc.Type), core.F("listener", name), core.F("error", err))
			d.metrics.RecordListenerFailure(inc.Type)
			if e.rethrow {
				failure = &ListenerError{Listener: name, Type: inc.Type, Err: err}
				break
			}
		}
	}

	d.mu.Lock()
	d.purgeLocked(bucket, snapshot[:visited])
	d.current, d.walking, d.dispatching = prevCurrent, prevWalking, prevDispatching
	d.mu.Unlock()

	return failure
}

// purgeLocked drops the single-shot entries that got their shot during the
// pass, plus every entry whose removal was deferred while walking bucket.
func (d *Dispatcher) purgeLocked(bucket string, visited []*entry) {
	list, ok := d.listeners[bucket]
	if !ok {
		return
	}
	kept := make([]*entry, 0, len(list))
	for _, e := range list {
		_, removed := d.deferred[e]
		if removed || (e.singleShot.Load() && slices.Contains(visited, e)) {
			delete(d.deferred, e)
			continue
		}
		kept = append(kept, e)
	}
	if len(kept) == len(list) {
		return
	}
	if len(kept) == 0 {
		delete(d.listeners, bucket)
		return
	}
	d.listeners[bucket] = kept
}

func (d *Dispatcher) noteReturnCode(inc *Incident) {
	switch inc.Type {
	case FailInputFile:
		d.returnCode.Store(int32(ReturnFailInput))
	case CorruptedInputFile:
		d.returnCode.Store(int32(ReturnCorruptedInput))
	}
}

// ReturnCode returns the application return code forced by input-file
// incidents, or ReturnSuccess.
func (d *Dispatcher) ReturnCode() ReturnCode {
	return ReturnCode(d.returnCode.Load())
}
