package core

import "context"

// WorkSource is what pool workers pull tasks from.
type WorkSource interface {
	GetWork(stopCh <-chan struct{}) (Task, bool)
}

// =============================================================================
// ThreadPool: Define task execution interface
// =============================================================================
type ThreadPool interface {
	PostInternal(task Task, traits TaskTraits)

	Start(ctx context.Context)
	Stop()

	ID() string
	IsRunning() bool

	WorkerCount() int
	QueuedTaskCount() int // In queue
	ActiveTaskCount() int // Executing
}
