package core

import "time"

// RunnerStats represents runtime observability state for a task runner.
type RunnerStats struct {
	Name    string
	Type    string
	Pending int
	Running int
	Closed  bool
}

// PoolStats represents runtime observability state for a thread pool.
type PoolStats struct {
	ID      string
	Workers int
	Queued  int
	Active  int
	Running bool
}

// ProcessorStats represents runtime observability state for an event processor.
type ProcessorStats struct {
	Name        string
	Capacity    int
	Queued      int // waiting in the input queue
	InFlight    int // accepted and not yet consumed
	Done        int // results waiting to be popped
	Processed   uint64
	Failed      uint64
	Running     bool
	LastEventAt time.Time
}
