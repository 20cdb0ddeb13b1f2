// Package execstate tracks, per event slot, the execution record of every
// registered work unit and the overall status of the event in the slot.
//
// Slot-level records are stored in a vector sized once and accessed without
// locking: the caller must never run two goroutines against the same slot at
// the same time. Sub-slots are created on demand from any goroutine and live
// in a per-slot map guarded by a mutex.
package execstate

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/Swind/go-slot-runner/core"
	"github.com/Swind/go-slot-runner/event"
)

type phase int

const (
	unsized phase = iota
	sized
)

// Registry is the execution state registry.
type Registry struct {
	logger    core.Logger
	slotCount func() int

	sizeOnce sync.Once

	// mu guards registration and the phase transition.
	mu      sync.Mutex
	phase   phase
	names   []string
	keys    map[string]Key
	pending []string

	// Written once by the sizing transition, then indexed lock-free.
	slots       [][]Record
	eventStatus []EventStatus

	// subMu guards the sub-slot arena: one map per slot, sub-slot -> records.
	subMu    sync.Mutex
	subSlots []map[int][]Record

	errMu     sync.RWMutex
	errCounts map[string]*atomic.Uint32
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(l core.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithSlotCount sets the source consulted when the registry is sized lazily
// on first use. The default yields a single slot.
func WithSlotCount(fn func() int) Option {
	return func(r *Registry) { r.slotCount = fn }
}

// New returns an unsized registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		logger:    core.NewNoOpLogger(),
		slotCount: func() int { return 1 },
		keys:      make(map[string]Key),
		errCounts: make(map[string]*atomic.Uint32),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// =============================================================================
// Registration and sizing
// =============================================================================

// Register returns the key of the named work unit, registering it if needed.
//
// Before the registry is sized the name is queued and its index in the queue
// is returned; the queue is replayed in order when sizing happens, so the
// provisional key is the final one.
func (r *Registry) Register(name string) Key {
	r.mu.Lock()
	defer r.mu.Unlock()

	if k, ok := r.keys[name]; ok {
		return k
	}
	r.ensureCounter(name)

	if r.phase == unsized {
		for i, n := range r.pending {
			if n == name {
				return Key(i)
			}
		}
		r.pending = append(r.pending, name)
		r.logger.Debug("preInit: will add work unit later", core.F("unit", name))
		return Key(len(r.pending) - 1)
	}
	return r.addLocked(name)
}

// Size performs the sizing transition with an explicit slot count. Calling it
// again with the same count is a no-op.
func (r *Registry) Size(slots int) error {
	if slots < 1 {
		return fmt.Errorf("%w: got %d", ErrInvalidSlotCount, slots)
	}
	r.sizeOnce.Do(func() { r.sizeTo(slots) })
	if got := r.Slots(); got != slots {
		return fmt.Errorf("%w: %d slots, requested %d", ErrAlreadySized, got, slots)
	}
	return nil
}

// IsSized reports whether the sizing transition has happened.
func (r *Registry) IsSized() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase == sized
}

// Slots returns the number of slots, sizing the registry if needed.
func (r *Registry) Slots() int {
	r.ensureSized()
	return len(r.slots)
}

// Names returns the registered unit names in key order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.phase == unsized {
		return append([]string(nil), r.pending...)
	}
	return append([]string(nil), r.names...)
}

// Name returns the unit name for key.
func (r *Registry) Name(key Key) (string, error) {
	names := r.Names()
	if key < 0 || int(key) >= len(names) {
		return "", fmt.Errorf("%w: key %d", ErrNotFound, key)
	}
	return names[key], nil
}

func (r *Registry) ensureSized() {
	r.sizeOnce.Do(func() {
		n := r.slotCount()
		if n < 1 {
			n = 1
		}
		r.sizeTo(n)
	})
}

// sizeTo runs exactly once, from sizeOnce.
func (r *Registry) sizeTo(slots int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.slots = make([][]Record, slots)
	r.eventStatus = make([]EventStatus, slots)
	r.subMu.Lock()
	r.subSlots = make([]map[int][]Record, slots)
	r.subMu.Unlock()
	r.phase = sized

	r.logger.Debug("resizing state containers", core.F("slots", slots))

	pending := r.pending
	r.pending = nil
	for _, name := range pending {
		r.addLocked(name)
	}
}

func (r *Registry) addLocked(name string) Key {
	key := Key(len(r.names))
	r.names = append(r.names, name)
	r.keys[name] = key
	for i := range r.slots {
		r.slots[i] = append(r.slots[i], newRecord())
	}

	r.subMu.Lock()
	for _, m := range r.subSlots {
		for sub, recs := range m {
			m[sub] = append(recs, newRecord())
		}
	}
	r.subMu.Unlock()

	r.logger.Debug("adding work unit", core.F("unit", name), core.F("slots", len(r.slots)))
	return key
}

// =============================================================================
// Record access
// =============================================================================

// Get returns the record of key in the slot (or sub-slot) addressed by ev.
// Sub-slot reads never create storage.
func (r *Registry) Get(ev event.Context, key Key) (*Record, error) {
	return r.record(ev, key, false)
}

// SetFilterPassed sets the filter decision of key.
func (r *Registry) SetFilterPassed(ev event.Context, key Key, passed bool) error {
	rec, err := r.record(ev, key, true)
	if err != nil {
		return err
	}
	rec.FilterPassed = passed
	return nil
}

// SetState sets the lifecycle state of key.
func (r *Registry) SetState(ev event.Context, key Key, s State) error {
	rec, err := r.record(ev, key, true)
	if err != nil {
		return err
	}
	rec.State = s
	return nil
}

// SetStatus sets the result status of key.
func (r *Registry) SetStatus(ev event.Context, key Key, s Status) error {
	rec, err := r.record(ev, key, true)
	if err != nil {
		return err
	}
	rec.Status = s
	return nil
}

func (r *Registry) record(ev event.Context, key Key, create bool) (*Record, error) {
	recs, err := r.slotRecords(ev.Slot())
	if err != nil {
		return nil, err
	}
	if key < 0 || int(key) >= len(recs) {
		return nil, fmt.Errorf("%w: key %d in slot %d", ErrNotFound, key, ev.Slot())
	}
	if !ev.HasSubSlot() {
		return &recs[key], nil
	}

	r.subMu.Lock()
	defer r.subMu.Unlock()

	m := r.subSlots[ev.Slot()]
	sub, ok := m[ev.SubSlot()]
	if !ok {
		if !create {
			return nil, fmt.Errorf("%w: slot %d sub-slot %d", ErrNotFound, ev.Slot(), ev.SubSlot())
		}
		if m == nil {
			m = make(map[int][]Record)
			r.subSlots[ev.Slot()] = m
		}
		sub = newRecords(len(recs))
		m[ev.SubSlot()] = sub
	}
	return &sub[key], nil
}

func (r *Registry) slotRecords(slot int) ([]Record, error) {
	r.ensureSized()
	if slot < 0 || slot >= len(r.slots) {
		return nil, fmt.Errorf("%w: slot %d of %d", ErrNotFound, slot, len(r.slots))
	}
	return r.slots[slot], nil
}

// States returns a copy of every record of slot keyed by unit name.
func (r *Registry) States(slot int) (map[string]Record, error) {
	recs, err := r.slotRecords(slot)
	if err != nil {
		return nil, err
	}
	names := r.Names()
	out := make(map[string]Record, len(recs))
	for i, rec := range recs {
		if i < len(names) {
			out[names[i]] = rec
		}
	}
	return out, nil
}

// Reset restores every record of slot, drops its sub-slots and sets the event
// status back to EventInvalid. Called once per event before any unit runs.
func (r *Registry) Reset(slot int) error {
	recs, err := r.slotRecords(slot)
	if err != nil {
		return err
	}
	r.logger.Debug("reset", core.F("slot", slot))

	for i := range recs {
		recs[i].Reset()
	}
	r.eventStatus[slot] = EventInvalid

	r.subMu.Lock()
	clear(r.subSlots[slot])
	r.subMu.Unlock()
	return nil
}

// =============================================================================
// Event status
// =============================================================================

// EventStatus returns the status of the event in slot.
func (r *Registry) EventStatus(slot int) (EventStatus, error) {
	if _, err := r.slotRecords(slot); err != nil {
		return EventInvalid, err
	}
	return r.eventStatus[slot], nil
}

// SetEventStatus overrides the status of the event in slot.
func (r *Registry) SetEventStatus(slot int, s EventStatus) error {
	if _, err := r.slotRecords(slot); err != nil {
		return err
	}
	r.eventStatus[slot] = s
	return nil
}

// UpdateEventStatus folds one outcome into the event status of slot:
// Invalid becomes Success or AlgFail, Success becomes AlgFail on failure, and
// AlgFail stays until Reset.
func (r *Registry) UpdateEventStatus(slot int, fail bool) error {
	if _, err := r.slotRecords(slot); err != nil {
		return err
	}
	switch r.eventStatus[slot] {
	case EventSuccess:
		if fail {
			r.eventStatus[slot] = EventAlgFail
		}
	case EventInvalid:
		if fail {
			r.eventStatus[slot] = EventAlgFail
		} else {
			r.eventStatus[slot] = EventSuccess
		}
	}
	return nil
}

// =============================================================================
// Error counters
// =============================================================================

func (r *Registry) ensureCounter(name string) {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	if _, ok := r.errCounts[name]; !ok {
		r.errCounts[name] = new(atomic.Uint32)
	}
}

func (r *Registry) counter(name string) (*atomic.Uint32, error) {
	r.errMu.RLock()
	defer r.errMu.RUnlock()
	c, ok := r.errCounts[name]
	if !ok {
		r.logger.Error("unable to find work unit in map of error counts", core.F("unit", name))
		return nil, fmt.Errorf("%w: error count of %q", ErrNotFound, name)
	}
	return c, nil
}

// ErrorCount returns how many times the named unit failed during the run.
func (r *Registry) ErrorCount(name string) (uint32, error) {
	c, err := r.counter(name)
	if err != nil {
		return 0, err
	}
	return c.Load(), nil
}

// IncrementErrorCount bumps the error counter of name and returns the new value.
func (r *Registry) IncrementErrorCount(name string) (uint32, error) {
	c, err := r.counter(name)
	if err != nil {
		return 0, err
	}
	return c.Add(1), nil
}

// ResetErrorCount zeroes the error counter of name.
func (r *Registry) ResetErrorCount(name string) error {
	c, err := r.counter(name)
	if err != nil {
		return err
	}
	c.Store(0)
	return nil
}

// ResetAllErrorCounts zeroes every error counter.
func (r *Registry) ResetAllErrorCounts() {
	r.errMu.RLock()
	defer r.errMu.RUnlock()
	for _, c := range r.errCounts {
		c.Store(0)
	}
}

// =============================================================================
// Diagnostics
// =============================================================================

// Dump renders the state of slot for diagnostics.
func (r *Registry) Dump(slot int) string {
	states, err := r.States(slot)
	if err != nil {
		return err.Error()
	}

	names := make([]string, 0, len(states))
	width := 0
	for name := range states {
		names = append(names, name)
		width = max(width, len(name))
	}
	sort.Strings(names)

	var b strings.Builder
	fmt.Fprintf(&b, "Event: %s\n", r.eventStatus[slot])
	fmt.Fprintf(&b, "Algs: %d\n", len(states))
	fmt.Fprintf(&b, " - Slot %d\n", slot)
	for _, name := range names {
		fmt.Fprintf(&b, "  + %*s  %s\n", width, name, states[name])
	}
	return b.String()
}
