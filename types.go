package slotrunner

import "github.com/Swind/go-slot-runner/core"

// Re-export commonly used types from core package for convenience.
// This allows users to import only the slotrunner package when wiring a pool.

// Task is the unit of work (Closure)
type Task = core.Task

// TaskTraits defines task attributes (priority, blocking behavior, etc.)
type TaskTraits = core.TaskTraits

// TaskPriority defines the priority levels for tasks
type TaskPriority = core.TaskPriority

// TaskRunner is the interface for posting tasks
type TaskRunner = core.TaskRunner

// ThreadPool is re-exported for type compatibility
type ThreadPool = core.ThreadPool

// SingleThreadTaskRunner ensures all tasks execute on the same dedicated goroutine
type SingleThreadTaskRunner = core.SingleThreadTaskRunner

// Logger is the structured logger every component accepts
type Logger = core.Logger

// PoolStats is the snapshot returned by GoroutineThreadPool.Stats
type PoolStats = core.PoolStats

// Priority constants
const (
	TaskPriorityBestEffort   TaskPriority = core.TaskPriorityBestEffort
	TaskPriorityUserVisible  TaskPriority = core.TaskPriorityUserVisible
	TaskPriorityUserBlocking TaskPriority = core.TaskPriorityUserBlocking
)

// Convenience functions for creating TaskTraits
var (
	DefaultTaskTraits  = core.DefaultTaskTraits
	TraitsUserBlocking = core.TraitsUserBlocking
	TraitsBestEffort   = core.TraitsBestEffort
	TraitsUserVisible  = core.TraitsUserVisible
)

// NewSingleThreadTaskRunner creates a new SingleThreadTaskRunner with a dedicated goroutine.
func NewSingleThreadTaskRunner(name string, logger Logger) *SingleThreadTaskRunner {
	return core.NewSingleThreadTaskRunner(name, logger)
}

// Thread identity helpers
var (
	WithWorkerID         = core.WithWorkerID
	WorkerID             = core.WorkerID
	ThreadID             = core.ThreadID
	GetCurrentTaskRunner = core.GetCurrentTaskRunner
)

var _ ThreadPool = (*GoroutineThreadPool)(nil)
