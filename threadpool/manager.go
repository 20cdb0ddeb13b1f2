// Package threadpool owns the worker pool the scheduler dispatches events on
// and runs registered per-thread setup and teardown hooks exactly once on
// every worker, synchronized by a barrier.
package threadpool

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/Swind/go-slot-runner/core"
)

var (
	ErrAlreadyInitialized = errors.New("threadpool: already initialized")
	ErrNotInitialized     = errors.New("threadpool: not initialized")
	ErrInvalidPoolSize    = errors.New("threadpool: invalid pool size")
	// ErrThreadInitFailed is returned by InitPool when a hook failed on some
	// worker. The pool is still usable; InitFailed stays set.
	ErrThreadInitFailed = errors.New("threadpool: thread init failed")
)

// ThreadInitTool is a per-thread setup/teardown hook.
type ThreadInitTool interface {
	Name() string
	InitThread(ctx context.Context) error
	TerminateThread(ctx context.Context) error
}

// Metrics receives hook outcomes.
type Metrics interface {
	RecordThreadHook(tool, phase string, ok bool)
	RecordThreadsInitialized(n int)
}

type nopMetrics struct{}

func (nopMetrics) RecordThreadHook(string, string, bool) {}
func (nopMetrics) RecordThreadsInitialized(int)          {}

const (
	phaseInit      = "init"
	phaseTerminate = "terminate"
)

// PoolState is the lifecycle state of the managed pool.
type PoolState int32

const (
	StateUninitialized PoolState = iota
	StateInitializing
	StateReady
	StateTerminating
	StateTerminated
)

func (s PoolState) String() string {
	switch s {
	case StateUninitialized:
		return "Uninitialized"
	case StateInitializing:
		return "Initializing"
	case StateReady:
		return "Ready"
	case StateTerminating:
		return "Terminating"
	case StateTerminated:
		return "Terminated"
	default:
		return fmt.Sprintf("PoolState(%d)", int32(s))
	}
}

// Manager is the thread pool manager.
type Manager struct {
	logger  core.Logger
	metrics Metrics
	factory ExecutorFactory

	toolsMu sync.RWMutex
	tools   []ThreadInitTool

	// lifecycleMu serializes InitPool and TerminatePool.
	lifecycleMu sync.Mutex
	state       atomic.Int32
	size        int
	extra       int
	executor    Executor

	initFailed         atomic.Bool
	threadsInitialized atomic.Int32

	// initialized is the per-thread "has run init" flag, keyed by core.ThreadID.
	// workers lists the pool workers marked by the current InitPool.
	threadsMu   sync.Mutex
	initialized map[string]bool
	workers     []string
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(l core.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(mt Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithExecutorFactory sets how InitPool builds its executor. The default
// builds a GoroutineThreadPool named "threadpool".
func WithExecutorFactory(f ExecutorFactory) Option {
	return func(m *Manager) { m.factory = f }
}

// NewManager returns an uninitialized manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		logger:      core.NewNoOpLogger(),
		metrics:     nopMetrics{},
		factory:     PoolExecutorFactory("threadpool"),
		initialized: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AddTool appends a hook. Hooks run in registration order.
func (m *Manager) AddTool(t ThreadInitTool) {
	m.toolsMu.Lock()
	defer m.toolsMu.Unlock()
	m.tools = append(m.tools, t)
}

func (m *Manager) snapshotTools() []ThreadInitTool {
	m.toolsMu.RLock()
	defer m.toolsMu.RUnlock()
	return append([]ThreadInitTool(nil), m.tools...)
}

// =============================================================================
// Lifecycle
// =============================================================================

// InitPool builds the executor with size workers (-1 means GOMAXPROCS) and
// runs every hook once on each worker. It returns only after all workers
// passed the init barrier.
func (m *Manager) InitPool(ctx context.Context, size, extraParallelism int) error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	switch st := m.State(); st {
	case StateUninitialized, StateTerminated:
	default:
		return fmt.Errorf("%w: state %s", ErrAlreadyInitialized, st)
	}

	if size == -1 {
		size = runtime.GOMAXPROCS(0)
	}
	if size < 1 {
		return fmt.Errorf("%w: %d", ErrInvalidPoolSize, size)
	}

	exec, err := m.factory(size)
	if err != nil {
		return fmt.Errorf("threadpool: create executor: %w", err)
	}

	m.setState(StateInitializing)
	m.size, m.extra, m.executor = size, extraParallelism, exec
	m.initFailed.Store(false)

	m.logger.Info("initializing thread pool",
		core.F("size", size), core.F("extra_parallelism", extraParallelism))

	tools := m.snapshotTools()
	b := newBarrier(size)
	err = exec.Run(ctx, size, func(ctx context.Context, _ int) error {
		m.initThread(ctx, tools, true)
		return b.Wait(ctx)
	})
	if err != nil {
		m.logger.Error("thread pool init barrier failed", core.F("error", err))
		exec.Close()
		m.executor = nil
		m.forgetWorkers()
		m.setState(StateUninitialized)
		m.metrics.RecordThreadsInitialized(int(m.threadsInitialized.Load()))
		return fmt.Errorf("threadpool: init: %w", err)
	}

	m.setState(StateReady)
	m.metrics.RecordThreadsInitialized(int(m.threadsInitialized.Load()))
	if m.initFailed.Load() {
		m.logger.Error("problem initializing threads", core.F("size", size))
		return ErrThreadInitFailed
	}
	m.logger.Info("thread pool initialized",
		core.F("size", size), core.F("threads", m.threadsInitialized.Load()))
	return nil
}

// TerminatePool runs the terminate hooks on every initialized worker, waits
// for all workers at the terminate barrier and closes the executor.
func (m *Manager) TerminatePool(ctx context.Context) error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	if st := m.State(); st != StateReady {
		return fmt.Errorf("%w: state %s", ErrNotInitialized, st)
	}
	m.setState(StateTerminating)
	m.logger.Info("terminating thread pool", core.F("size", m.size))

	tools := m.snapshotTools()
	b := newBarrier(m.size)
	err := m.executor.Run(ctx, m.size, func(ctx context.Context, _ int) error {
		m.terminateThread(ctx, tools)
		return b.Wait(ctx)
	})

	m.executor.Close()
	m.executor = nil
	m.forgetWorkers()
	m.setState(StateTerminated)
	m.metrics.RecordThreadsInitialized(int(m.threadsInitialized.Load()))

	if err != nil {
		return fmt.Errorf("threadpool: terminate: %w", err)
	}
	return nil
}

// InitThisThread runs the init hooks for a goroutine that is not a pool
// worker, identified by core.ThreadID(ctx). A second call from the same
// identity does nothing. Such threads are not counted by ThreadsInitialized.
func (m *Manager) InitThisThread(ctx context.Context) error {
	if failed := m.initThread(ctx, m.snapshotTools(), false); failed {
		return fmt.Errorf("%w: thread %s", ErrThreadInitFailed, core.ThreadID(ctx))
	}
	return nil
}

// initThread marks the calling thread initialized and runs every init hook in
// order, unless the thread was already marked. It reports whether a hook
// failed.
func (m *Manager) initThread(ctx context.Context, tools []ThreadInitTool, worker bool) (failed bool) {
	tid := core.ThreadID(ctx)

	m.threadsMu.Lock()
	done := m.initialized[tid]
	m.initialized[tid] = true
	if worker {
		m.workers = append(m.workers, tid)
		m.threadsInitialized.Add(1)
	}
	m.threadsMu.Unlock()
	if done {
		m.logger.Debug("thread already initialized", core.F("thread", tid))
		return false
	}

	m.logger.Debug("initializing thread", core.F("thread", tid))
	for _, t := range tools {
		err := callHook(ctx, t.InitThread)
		m.metrics.RecordThreadHook(t.Name(), phaseInit, err == nil)
		if err != nil {
			m.logger.Error("thread init hook failed",
				core.F("tool", t.Name()), core.F("thread", tid), core.F("error", err))
			m.initFailed.Store(true)
			failed = true
		}
	}
	return failed
}

// forgetWorkers drops the init flags of the pool workers still marked.
func (m *Manager) forgetWorkers() {
	m.threadsMu.Lock()
	defer m.threadsMu.Unlock()
	for _, tid := range m.workers {
		if m.initialized[tid] {
			delete(m.initialized, tid)
			m.threadsInitialized.Add(-1)
		}
	}
	m.workers = nil
}

func (m *Manager) terminateThread(ctx context.Context, tools []ThreadInitTool) {
	tid := core.ThreadID(ctx)

	m.threadsMu.Lock()
	done := m.initialized[tid]
	delete(m.initialized, tid)
	m.threadsMu.Unlock()
	if !done {
		m.logger.Info("thread was never initialized, skipping terminate hooks", core.F("thread", tid))
		return
	}

	m.logger.Debug("terminating thread", core.F("thread", tid))
	for _, t := range tools {
		err := callHook(ctx, t.TerminateThread)
		m.metrics.RecordThreadHook(t.Name(), phaseTerminate, err == nil)
		if err != nil {
			m.logger.Error("thread terminate hook failed",
				core.F("tool", t.Name()), core.F("thread", tid), core.F("error", err))
		}
	}
	m.threadsInitialized.Add(-1)
}

func callHook(ctx context.Context, hook func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("hook panicked: %v\n%s", r, debug.Stack())
		}
	}()
	return hook(ctx)
}

// =============================================================================
// Accessors
// =============================================================================

func (m *Manager) setState(s PoolState) { m.state.Store(int32(s)) }

// State returns the lifecycle state.
func (m *Manager) State() PoolState { return PoolState(m.state.Load()) }

// PoolSize returns the worker count of the last InitPool.
func (m *Manager) PoolSize() int {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()
	return m.size
}

// ExtraParallelism returns the extra parallelism hint of the last InitPool.
func (m *Manager) ExtraParallelism() int {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()
	return m.extra
}

// ThreadsInitialized returns how many pool workers currently have run init.
func (m *Manager) ThreadsInitialized() int { return int(m.threadsInitialized.Load()) }

// InitFailed reports whether any init hook failed since the last InitPool.
func (m *Manager) InitFailed() bool { return m.initFailed.Load() }

// Executor returns the executor of a ready pool, or nil.
func (m *Manager) Executor() Executor {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()
	return m.executor
}
