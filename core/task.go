package core

import (
	"context"
	"fmt"
)

// Task is the unit of work (Closure)
type Task func(ctx context.Context)

// =============================================================================
// TaskTraits: Define task attributes (priority, blocking behavior, etc.)
// =============================================================================

type TaskPriority int

const (
	// TaskPriorityBestEffort: Lowest priority
	TaskPriorityBestEffort TaskPriority = iota

	// TaskPriorityUserVisible: Default priority
	TaskPriorityUserVisible

	// TaskPriorityUserBlocking: Highest priority
	// Used for synchronization tasks that other workers are waiting on
	// (e.g. per-thread init barriers).
	TaskPriorityUserBlocking
)

type TaskTraits struct {
	Priority TaskPriority
	MayBlock bool
	Category string
}

func DefaultTaskTraits() TaskTraits {
	return TaskTraits{Priority: TaskPriorityUserVisible}
}

func TraitsUserBlocking() TaskTraits {
	return TaskTraits{Priority: TaskPriorityUserBlocking}
}

func TraitsBestEffort() TaskTraits {
	return TaskTraits{Priority: TaskPriorityBestEffort}
}

func TraitsUserVisible() TaskTraits {
	return TaskTraits{Priority: TaskPriorityUserVisible}
}

// =============================================================================
// TaskRunner: Define task submission interface
// =============================================================================
type TaskRunner interface {
	PostTask(task Task)
	PostTaskWithTraits(task Task, traits TaskTraits)
}

// =============================================================================
// Context Helper
// =============================================================================
type taskRunnerKeyType struct{}

var taskRunnerKey taskRunnerKeyType

func GetCurrentTaskRunner(ctx context.Context) TaskRunner {
	if v := ctx.Value(taskRunnerKey); v != nil {
		return v.(TaskRunner)
	}
	return nil
}

// =============================================================================
// Worker / thread identity
// =============================================================================

// Goroutines have no identity of their own, so every execution context that
// needs "thread-local" behavior (per-thread init hooks, per-worker caches)
// carries an explicit identity in its context.

type workerKeyType struct{}
type threadKeyType struct{}

var (
	workerKey workerKeyType
	threadKey threadKeyType
)

// MainThreadID is the identity reported for callers that never set one.
const MainThreadID = "main"

// WithWorkerID tags ctx with the index of the pool worker running it and a
// matching thread id of the form "<poolID>/worker-<id>".
func WithWorkerID(ctx context.Context, poolID string, id int) context.Context {
	ctx = context.WithValue(ctx, workerKey, id)
	return WithThreadID(ctx, fmt.Sprintf("%s/worker-%d", poolID, id))
}

// WorkerID returns the pool worker index stored in ctx, if any.
func WorkerID(ctx context.Context) (int, bool) {
	id, ok := ctx.Value(workerKey).(int)
	return id, ok
}

// WithThreadID tags ctx with an arbitrary execution identity.
func WithThreadID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, threadKey, id)
}

// ThreadID returns the execution identity stored in ctx, or MainThreadID.
func ThreadID(ctx context.Context) string {
	if id, ok := ctx.Value(threadKey).(string); ok && id != "" {
		return id
	}
	return MainThreadID
}
