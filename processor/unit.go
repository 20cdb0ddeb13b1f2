package processor

import (
	"context"
	"errors"
	"fmt"

	"github.com/Swind/go-slot-runner/event"
	"github.com/Swind/go-slot-runner/execstate"
)

var (
	ErrQueueClosed    = errors.New("processor: queue closed")
	ErrNotStarted     = errors.New("processor: not started")
	ErrAlreadyStarted = errors.New("processor: already started")
	ErrInvalidEvent   = errors.New("processor: invalid event context")
	// ErrUnitFailure marks the failure of a work unit while processing an event.
	ErrUnitFailure = errors.New("processor: work unit failed")
)

// WorkUnit is one step run for every event, in registration order.
type WorkUnit interface {
	Name() string
	Execute(ctx context.Context, ev event.Context) error
}

type funcUnit struct {
	name string
	fn   func(ctx context.Context, ev event.Context) error
}

// NewUnit adapts fn to a WorkUnit.
func NewUnit(name string, fn func(ctx context.Context, ev event.Context) error) WorkUnit {
	return &funcUnit{name: name, fn: fn}
}

func (u *funcUnit) Name() string { return u.name }

func (u *funcUnit) Execute(ctx context.Context, ev event.Context) error {
	return u.fn(ctx, ev)
}

// UnitError reports the failure of one work unit on one event.
type UnitError struct {
	Unit  string
	Event event.Context
	Err   error
}

func (e *UnitError) Error() string {
	return fmt.Sprintf("unit %q failed on [%s]: %v", e.Unit, e.Event, e.Err)
}

func (e *UnitError) Unwrap() error { return e.Err }

func (e *UnitError) Is(target error) bool { return target == ErrUnitFailure }

// Result is the outcome of one processed event. The result of the end of
// stream sentinel carries an invalid Event.
type Result struct {
	Status execstate.Status
	Event  event.Context
	// Err joins the UnitErrors of the event, if any.
	Err error
	// Dump is the execution state of the slot, set when the event failed.
	Dump string
}

// IsSentinel reports whether r marks the end of the stream.
func (r Result) IsSentinel() bool { return !r.Event.Valid() }

type registeredUnit struct {
	unit WorkUnit
	key  execstate.Key
}
