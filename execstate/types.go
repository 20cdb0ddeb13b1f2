package execstate

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned for reads of an unknown work unit, slot or sub-slot.
	ErrNotFound = errors.New("execstate: not found")
	// ErrAlreadySized is returned when Size is called again with a different slot count.
	ErrAlreadySized = errors.New("execstate: registry already sized")
	// ErrInvalidSlotCount is returned when sizing with fewer than one slot.
	ErrInvalidSlotCount = errors.New("execstate: slot count must be at least 1")
)

// Key identifies a registered work unit. Keys are dense, starting at 0.
type Key int

// State is the lifecycle of a work unit within one event.
type State int

const (
	StateNone State = iota
	StateExecuting
	StateDone
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "n"
	case StateExecuting:
		return "e"
	case StateDone:
		return "d"
	default:
		return "?"
	}
}

// Status is the result of a work unit. The zero value is StatusFailure so a
// unit that never reported anything counts as failed.
type Status int

const (
	StatusFailure Status = iota
	StatusSuccess
)

func (s Status) IsSuccess() bool { return s == StatusSuccess }

func (s Status) String() string {
	if s == StatusSuccess {
		return "SUCCESS"
	}
	return "FAILURE"
}

// EventStatus is the overall outcome of the event occupying a slot.
type EventStatus int

const (
	EventInvalid EventStatus = iota
	EventSuccess
	EventAlgFail
	EventAlgStall
	EventOther
)

func (s EventStatus) String() string {
	switch s {
	case EventInvalid:
		return "Invalid"
	case EventSuccess:
		return "Success"
	case EventAlgFail:
		return "AlgFail"
	case EventAlgStall:
		return "AlgStall"
	case EventOther:
		return "Other"
	default:
		return "Should not happen"
	}
}

// Record is the mutable execution state of one work unit in one slot.
type Record struct {
	FilterPassed bool
	State        State
	Status       Status
}

func newRecord() Record {
	return Record{FilterPassed: true}
}

func newRecords(n int) []Record {
	recs := make([]Record, n)
	for i := range recs {
		recs[i] = newRecord()
	}
	return recs
}

// Reset restores the defaults of a freshly registered unit.
func (r *Record) Reset() {
	*r = newRecord()
}

func (r Record) String() string {
	f := 0
	if r.FilterPassed {
		f = 1
	}
	return fmt.Sprintf("e: %s  f: %d  sc: %s", r.State, f, r.Status)
}
