package core

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

// SingleThreadTaskRunner binds a dedicated Goroutine to execute tasks sequentially.
// It guarantees that all tasks submitted to it run on the same Goroutine (Thread Affinity).
//
// The event processor uses it as its driver thread: the event loop is posted
// as one long-running task, and Stop() joins it once the loop returns.
type SingleThreadTaskRunner struct {
	// Task queue: Buffered channel for tasks
	workQueue chan Task

	// Lifecycle control
	ctx    context.Context
	cancel context.CancelFunc

	stopped chan struct{}
	once    sync.Once
	closed  atomic.Bool
	running atomic.Int32

	name   string
	logger Logger
	mu     sync.Mutex
}

// NewSingleThreadTaskRunner creates and starts a new SingleThreadTaskRunner.
// It immediately spawns a dedicated goroutine for task execution.
func NewSingleThreadTaskRunner(name string, logger Logger) *SingleThreadTaskRunner {
	if logger == nil {
		logger = NewDefaultLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &SingleThreadTaskRunner{
		workQueue: make(chan Task, 100), // Buffer to avoid blocking senders
		ctx:       ctx,
		cancel:    cancel,
		stopped:   make(chan struct{}),
		name:      name,
		logger:    logger,
	}

	go r.runLoop()

	return r
}

// Name returns the name of the task runner
func (r *SingleThreadTaskRunner) Name() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.name
}

// PostTask submits a task for execution
func (r *SingleThreadTaskRunner) PostTask(task Task) {
	r.PostTaskWithTraits(task, DefaultTaskTraits())
}

// PostTaskWithTraits submits a task with traits (traits are ignored for single-threaded execution)
func (r *SingleThreadTaskRunner) PostTaskWithTraits(task Task, traits TaskTraits) {
	if r.closed.Load() {
		return
	}

	select {
	case <-r.ctx.Done():
		// Runner stopped, drop task
	case r.workQueue <- task:
	}
}

// IsClosed returns true if the runner has been stopped
func (r *SingleThreadTaskRunner) IsClosed() bool {
	return r.closed.Load()
}

// Stop stops the runner and waits for the task in progress to return.
func (r *SingleThreadTaskRunner) Stop() {
	r.once.Do(func() {
		r.closed.Store(true)
		r.cancel()
		<-r.stopped
	})
}

// WaitIdle blocks until all tasks posted before the call have completed.
func (r *SingleThreadTaskRunner) WaitIdle(ctx context.Context) error {
	if r.IsClosed() {
		return fmt.Errorf("runner %s is closed", r.Name())
	}

	done := make(chan struct{})
	r.PostTask(func(context.Context) {
		close(done)
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns current observability data for this runner.
func (r *SingleThreadTaskRunner) Stats() RunnerStats {
	return RunnerStats{
		Name:    r.Name(),
		Type:    "single_thread",
		Pending: len(r.workQueue),
		Running: int(r.running.Load()),
		Closed:  r.IsClosed(),
	}
}

// runLoop is the core of this runner, it occupies a dedicated goroutine
func (r *SingleThreadTaskRunner) runLoop() {
	defer close(r.stopped)

	runCtx := context.WithValue(r.ctx, taskRunnerKey, r)
	runCtx = WithThreadID(runCtx, "runner/"+r.name)

	for {
		select {
		case task := <-r.workQueue:
			r.running.Add(1)
			func() {
				defer func() {
					r.running.Add(-1)
					if rec := recover(); rec != nil {
						r.logger.Error("single thread task panicked",
							F("runner", r.name), F("panic", rec), F("stack", string(debug.Stack())))
					}
				}()
				task(runCtx)
			}()

		case <-r.ctx.Done():
			return
		}
	}
}
