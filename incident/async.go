package incident

import (
	"context"
	"errors"
	"sync"

	"github.com/Swind/go-slot-runner/core"
)

// slotQueue holds the async incidents of one slot in arrival order.
type slotQueue struct {
	mu      sync.Mutex
	items   []*Incident
	lastSeq uint64 // event sequence of the newest queued incident
}

// Fired pairs a drained incident with the listeners it must be delivered to.
type Fired struct {
	Incident  *Incident
	Listeners []Listener
}

// =============================================================================
// Queued delivery
// =============================================================================

// FireAsync queues inc for the slot of its context. It never calls a listener;
// the queue is drained by the goroutine processing that slot. Incidents still
// queued for an earlier event in the same slot are discarded first, and an
// incident for an event older than the queued ones is discarded instead.
func (d *Dispatcher) FireAsync(inc *Incident) error {
	if !inc.Context.Valid() {
		d.metrics.RecordIncidentDropped(inc.Type, "invalid_context")
		return ErrInvalidContext
	}

	seq := inc.Context.Seq()
	q := d.queue(inc.Context.Slot())
	q.mu.Lock()
	if len(q.items) > 0 && seq < q.lastSeq {
		current := q.lastSeq
		q.mu.Unlock()
		d.dropStale(inc, inc.Context.Slot(), current)
		return nil
	}
	var stale []*Incident
	if len(q.items) > 0 && seq > q.lastSeq {
		stale = q.items
		q.items = nil
	}
	q.items = append(q.items, inc)
	q.lastSeq = seq
	q.mu.Unlock()

	for _, old := range stale {
		d.dropStale(old, inc.Context.Slot(), seq)
	}

	d.metrics.RecordIncidentFired(inc.Type, "async")
	d.noteReturnCode(inc)
	return nil
}

func (d *Dispatcher) queue(slot int) *slotQueue {
	d.queuesMu.Lock()
	defer d.queuesMu.Unlock()
	q, ok := d.queues[slot]
	if !ok {
		q = &slotQueue{}
		d.queues[slot] = q
	}
	return q
}

// Drain empties the queue of slot. Incidents whose event sequence differs
// from expectedSeq belong to an earlier event in the slot and are dropped.
// Each kept incident is paired with the listeners registered for its type as
// of drain time.
func (d *Dispatcher) Drain(slot int, expectedSeq uint64) []Fired {
	d.queuesMu.Lock()
	q, ok := d.queues[slot]
	d.queuesMu.Unlock()
	if !ok {
		return nil
	}

	q.mu.Lock()
	items := q.items
	q.items = nil
	q.mu.Unlock()

	var out []Fired
	for _, inc := range items {
		if inc.Context.Seq() != expectedSeq {
			d.dropStale(inc, slot, expectedSeq)
			continue
		}
		out = append(out, Fired{Incident: inc, Listeners: d.Listeners(inc.Type)})
	}
	return out
}

func (d *Dispatcher) dropStale(inc *Incident, slot int, expectedSeq uint64) {
	d.logger.Debug("discarding incident from a previous event",
		core.F("incident", inc.Type), core.F("slot", slot),
		core.F("seq", inc.Context.Seq()), core.F("expected", expectedSeq))
	d.metrics.RecordIncidentDropped(inc.Type, "stale")
}

// Deliver invokes a drained batch in order. Every failure is logged and
// returned, joined; delivery never stops early.
func (d *Dispatcher) Deliver(ctx context.Context, batch []Fired) error {
	var errs []error
	for _, f := range batch {
		for _, l := range f.Listeners {
			if err := invoke(ctx, l, f.Incident); err != nil {
				name := listenerName(l)
				d.logger.Error("exception caught handling incident",
					core.F("incident", f.Incident.Type), core.F("listener", name), core.F("error", err))
				d.metrics.RecordListenerFailure(f.Incident.Type)
				errs = append(errs, &ListenerError{Listener: name, Type: f.Incident.Type, Err: err})
			}
		}
	}
	return errors.Join(errs...)
}

// Pending returns the number of incidents queued for slot.
func (d *Dispatcher) Pending(slot int) int {
	d.queuesMu.Lock()
	q, ok := d.queues[slot]
	d.queuesMu.Unlock()
	if !ok {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
