package threadpool

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"golang.org/x/sync/errgroup"

	slotrunner "github.com/Swind/go-slot-runner"
	"github.com/Swind/go-slot-runner/core"
)

// Executor runs batches of tasks in parallel. Run submits n tasks and returns
// once all of them have returned.
type Executor interface {
	Workers() int
	Run(ctx context.Context, n int, task func(ctx context.Context, i int) error) error
	Close()
}

// ExecutorFactory builds an executor with the given number of workers.
type ExecutorFactory func(workers int) (Executor, error)

// runTask calls task, turning a panic into an error.
func runTask(ctx context.Context, i int, task func(context.Context, int) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %d panicked: %v\n%s", i, r, debug.Stack())
		}
	}()
	return task(ctx, i)
}

// =============================================================================
// PoolExecutor: GoroutineThreadPool backed
// =============================================================================

// PoolExecutor submits tasks to a thread pool. Tasks see the worker identity
// the pool puts in their context.
type PoolExecutor struct {
	pool core.ThreadPool
}

// NewPoolExecutor wraps pool, starting it if it is not running yet.
func NewPoolExecutor(pool core.ThreadPool) *PoolExecutor {
	if !pool.IsRunning() {
		pool.Start(context.Background())
	}
	return &PoolExecutor{pool: pool}
}

// PoolExecutorFactory returns a factory building a dedicated
// GoroutineThreadPool per executor.
func PoolExecutorFactory(id string, opts ...slotrunner.PoolOption) ExecutorFactory {
	return func(workers int) (Executor, error) {
		if workers < 1 {
			return nil, fmt.Errorf("%w: %d workers", ErrInvalidPoolSize, workers)
		}
		return NewPoolExecutor(slotrunner.NewGoroutineThreadPool(id, workers, opts...)), nil
	}
}

func (e *PoolExecutor) Workers() int { return e.pool.WorkerCount() }

// Run posts n tasks with user-blocking priority and waits for all of them.
// Task errors are joined. ctx is only consulted while waiting; tasks already
// posted still run to completion on the pool.
func (e *PoolExecutor) Run(ctx context.Context, n int, task func(ctx context.Context, i int) error) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		e.pool.PostInternal(func(workerCtx context.Context) {
			defer wg.Done()
			if err := runTask(workerCtx, i, task); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}, core.TraitsUserBlocking())
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	mu.Lock()
	defer mu.Unlock()
	return errors.Join(errs...)
}

// Close stops the pool, dropping anything still queued.
func (e *PoolExecutor) Close() { e.pool.Stop() }

// Pool returns the underlying thread pool.
func (e *PoolExecutor) Pool() core.ThreadPool { return e.pool }

// =============================================================================
// GroupExecutor: errgroup backed
// =============================================================================

// GroupExecutor runs every batch on fresh goroutines bounded by an errgroup
// limit. Task i runs with worker id i, so identities are stable across
// batches of the same size.
type GroupExecutor struct {
	id    string
	limit int
}

// NewGroupExecutor returns an executor running at most limit tasks at once.
func NewGroupExecutor(id string, limit int) *GroupExecutor {
	return &GroupExecutor{id: id, limit: limit}
}

// GroupExecutorFactory returns a factory of GroupExecutors.
func GroupExecutorFactory(id string) ExecutorFactory {
	return func(workers int) (Executor, error) {
		if workers < 1 {
			return nil, fmt.Errorf("%w: %d workers", ErrInvalidPoolSize, workers)
		}
		return NewGroupExecutor(id, workers), nil
	}
}

func (e *GroupExecutor) Workers() int { return e.limit }

// Run runs n tasks and returns the first error. Unlike errgroup.WithContext,
// a failing task does not cancel its siblings.
func (e *GroupExecutor) Run(ctx context.Context, n int, task func(ctx context.Context, i int) error) error {
	var g errgroup.Group
	g.SetLimit(e.limit)
	for i := 0; i < n; i++ {
		i := i
		workerCtx := core.WithWorkerID(ctx, e.id, i)
		g.Go(func() error {
			return runTask(workerCtx, i, task)
		})
	}
	return g.Wait()
}

func (e *GroupExecutor) Close() {}
