package slotrunner

import (
	"context"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/Swind/go-slot-runner/core"
)

// GoroutineThreadPool manages a set of worker goroutines
// Responsible for pulling tasks from its TaskScheduler and executing them.
//
// Every task runs with a context tagged by core.WithWorkerID, so code that
// needs per-worker state can key it on core.WorkerID / core.ThreadID.
type GoroutineThreadPool struct {
	id           string
	workers      int
	lockOSThread bool
	scheduler    *core.TaskScheduler
	wg           sync.WaitGroup
	ctx          context.Context
	cancel       context.CancelFunc
	running      bool
	runningMu    sync.RWMutex
}

// PoolOption configures a GoroutineThreadPool.
type PoolOption func(*poolOptions)

type poolOptions struct {
	lockOSThread bool
	config       *core.TaskSchedulerConfig
}

// WithLockOSThread pins every worker goroutine to its own OS thread for its
// whole lifetime, so per-thread init hooks that touch thread-local state in
// C libraries see the same thread on every task.
func WithLockOSThread() PoolOption {
	return func(o *poolOptions) { o.lockOSThread = true }
}

// WithSchedulerConfig sets the panic handler, metrics and logger of the pool.
func WithSchedulerConfig(cfg *core.TaskSchedulerConfig) PoolOption {
	return func(o *poolOptions) { o.config = cfg }
}

// NewGoroutineThreadPool creates a new GoroutineThreadPool
func NewGoroutineThreadPool(id string, workers int, opts ...PoolOption) *GoroutineThreadPool {
	o := poolOptions{config: core.DefaultTaskSchedulerConfig()}
	for _, opt := range opts {
		opt(&o)
	}
	return &GoroutineThreadPool{
		id:           id,
		workers:      workers,
		lockOSThread: o.lockOSThread,
		scheduler:    core.NewTaskSchedulerWithConfig(id, workers, o.config),
	}
}

// Start starts all worker goroutines
func (tg *GoroutineThreadPool) Start(ctx context.Context) {
	tg.runningMu.Lock()
	defer tg.runningMu.Unlock()

	if tg.running {
		return // Already running
	}

	tg.ctx, tg.cancel = context.WithCancel(ctx)
	tg.running = true

	for i := 0; i < tg.workers; i++ {
		tg.wg.Add(1)
		go tg.workerLoop(i, tg.ctx)
	}
}

// Stop stops the thread pool, dropping queued tasks
func (tg *GoroutineThreadPool) Stop() {
	// Always shutdown scheduler to clean up the queue even if pool was never started
	tg.scheduler.Shutdown()

	tg.runningMu.Lock()
	if !tg.running {
		tg.runningMu.Unlock()
		return
	}
	tg.runningMu.Unlock()

	if tg.cancel != nil {
		tg.cancel()
	}
	tg.Join()

	tg.runningMu.Lock()
	tg.running = false
	tg.runningMu.Unlock()
}

// StopGraceful stops the thread pool gracefully, waiting for queued tasks to complete
// Returns error if timeout is exceeded before tasks complete
func (tg *GoroutineThreadPool) StopGraceful(timeout time.Duration) error {
	tg.runningMu.Lock()
	if !tg.running {
		tg.runningMu.Unlock()
		return nil
	}
	tg.runningMu.Unlock()

	err := tg.scheduler.ShutdownGraceful(timeout)

	if tg.cancel != nil {
		tg.cancel()
	}
	tg.Join()

	tg.runningMu.Lock()
	tg.running = false
	tg.runningMu.Unlock()

	return err
}

// ID returns the ID of the thread pool
func (tg *GoroutineThreadPool) ID() string {
	return tg.id
}

// IsRunning returns whether the thread pool is running
func (tg *GoroutineThreadPool) IsRunning() bool {
	tg.runningMu.RLock()
	defer tg.runningMu.RUnlock()
	return tg.running
}

// workerLoop is the main loop for each worker
func (tg *GoroutineThreadPool) workerLoop(id int, ctx context.Context) {
	defer tg.wg.Done()
	if tg.lockOSThread {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
	}

	workerCtx := core.WithWorkerID(ctx, tg.id, id)
	stopCh := ctx.Done()
	metrics := tg.scheduler.GetMetrics()

	for {
		task, ok := tg.scheduler.GetWork(stopCh)
		if !ok {
			// WorkSource closed or context canceled
			return
		}

		tg.scheduler.OnTaskStart()
		start := time.Now()

		func() {
			defer func() {
				tg.scheduler.OnTaskEnd()
				metrics.RecordTaskDuration(tg.id, core.TaskPriorityUserVisible, time.Since(start))
				if r := recover(); r != nil {
					metrics.RecordTaskPanic(tg.id, r)
					tg.scheduler.GetPanicHandler().HandlePanic(workerCtx, tg.id, id, r, debug.Stack())
				}
			}()
			task(workerCtx)
		}()
	}
}

// Join waits for all worker goroutines to finish
func (tg *GoroutineThreadPool) Join() {
	tg.wg.Wait()
}

// WorkerCount returns the number of workers
func (tg *GoroutineThreadPool) WorkerCount() int {
	return tg.workers
}

func (tg *GoroutineThreadPool) QueuedTaskCount() int {
	return tg.scheduler.QueuedTaskCount()
}

func (tg *GoroutineThreadPool) ActiveTaskCount() int {
	return tg.scheduler.ActiveTaskCount()
}

func (tg *GoroutineThreadPool) PostInternal(task core.Task, traits core.TaskTraits) {
	tg.scheduler.PostInternal(task, traits)
}

// Stats returns a snapshot for observability pollers.
func (tg *GoroutineThreadPool) Stats() core.PoolStats {
	return core.PoolStats{
		ID:      tg.id,
		Workers: tg.workers,
		Queued:  tg.QueuedTaskCount(),
		Active:  tg.ActiveTaskCount(),
		Running: tg.IsRunning(),
	}
}
