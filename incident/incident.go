// Package incident implements the framework-wide incident dispatcher: a
// registry of listeners keyed by incident type with synchronous in-thread
// delivery and deferred per-slot queued delivery.
package incident

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/Swind/go-slot-runner/event"
)

// Well-known incident types.
const (
	// ALL is the bucket of listeners that receive every incident.
	ALL = "ALL"

	BeginEvent         = "BeginEvent"
	EndEvent           = "EndEvent"
	AbortEvent         = "AbortEvent"
	BeginRun           = "BeginRun"
	EndRun             = "EndRun"
	FailInputFile      = "FailInputFile"
	CorruptedInputFile = "CorruptedInputFile"
)

var (
	// ErrListenerFailure marks a failure raised inside a listener.
	ErrListenerFailure = errors.New("incident: listener failure")
	// ErrInvalidContext is returned when an async incident has no valid event context.
	ErrInvalidContext = errors.New("incident: invalid event context")
)

// Incident is a typed notification. Payload is opaque to the dispatcher.
type Incident struct {
	ID      uuid.UUID
	Type    string
	Source  string
	Context event.Context
	Payload any
}

// New returns an incident with a fresh ID.
func New(source, typ string, ctx event.Context, payload any) *Incident {
	return &Incident{
		ID:      uuid.New(),
		Type:    typ,
		Source:  source,
		Context: ctx,
		Payload: payload,
	}
}

func (i *Incident) String() string {
	return fmt.Sprintf("%s from %s on [%s]", i.Type, i.Source, i.Context)
}

// ListenerError reports a failure of one listener while handling an incident.
type ListenerError struct {
	Listener string
	Type     string
	Err      error
}

func (e *ListenerError) Error() string {
	return fmt.Sprintf("listener %q failed handling incident %s: %v", e.Listener, e.Type, e.Err)
}

func (e *ListenerError) Unwrap() error { return e.Err }

func (e *ListenerError) Is(target error) bool { return target == ErrListenerFailure }

// ReturnCode is the application return code some incidents force.
type ReturnCode int32

const (
	ReturnSuccess        ReturnCode = 0x00
	ReturnFailInput      ReturnCode = 0x02
	ReturnCorruptedInput ReturnCode = 0x07
)
