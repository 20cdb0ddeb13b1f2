// Package event defines the per-event execution context shared by the
// registry, the incident dispatcher and the event processor.
package event

import (
	"context"
	"fmt"
)

// NoSubSlot is the sub-slot value of a context that addresses a slot directly.
const NoSubSlot = -1

// Context identifies one event in flight: the slot it occupies, an optional
// dynamically created sub-slot, and the event sequence number used to tell
// successive events in a reused slot apart.
//
// The zero value is invalid and acts as the end-of-stream sentinel.
type Context struct {
	seq     uint64
	slot    int
	subSlot int
	valid   bool
}

// New returns a valid context for event seq processed in slot.
func New(seq uint64, slot int) Context {
	return Context{seq: seq, slot: slot, subSlot: NoSubSlot, valid: true}
}

// Invalid returns the sentinel context.
func Invalid() Context {
	return Context{subSlot: NoSubSlot}
}

func (c Context) Seq() uint64 { return c.seq }
func (c Context) Slot() int { return c.slot }
func (c Context) SubSlot() int { return c.subSlot }
func (c Context) Valid() bool { return c.valid }
func (c Context) HasSubSlot() bool {
	return c.valid && c.subSlot != NoSubSlot
}

// WithSubSlot returns a copy of c addressing sub-slot sub of the same slot.
func (c Context) WithSubSlot(sub int) Context {
	c.subSlot = sub
	return c
}

// Parent returns c without its sub-slot.
func (c Context) Parent() Context {
	c.subSlot = NoSubSlot
	return c
}

func (c Context) String() string {
	if !c.valid {
		return "s: invalid"
	}
	if c.HasSubSlot() {
		return fmt.Sprintf("s: %d  e: %d  sub: %d", c.slot, c.seq, c.subSlot)
	}
	return fmt.Sprintf("s: %d  e: %d", c.slot, c.seq)
}

// =============================================================================
// Context Helper
// =============================================================================

type eventKeyType struct{}

var eventKey eventKeyType

// WithContext stores ev in ctx.
func WithContext(ctx context.Context, ev Context) context.Context {
	return context.WithValue(ctx, eventKey, ev)
}

// FromContext returns the event stored in ctx, or the invalid context.
func FromContext(ctx context.Context) Context {
	if ev, ok := ctx.Value(eventKey).(Context); ok {
		return ev
	}
	return Invalid()
}
