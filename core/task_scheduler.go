package core

import (
	"fmt"
	"sync/atomic"
	"time"
)

// TaskScheduler is the work source shared by the workers of one pool.
type TaskScheduler struct {
	name        string
	queue       TaskQueue
	signal      chan struct{}
	workerCount int

	metricQueued atomic.Int32 // Waiting in ReadyQueue
	metricActive atomic.Int32 // Executing in Worker

	// Handlers and Metrics
	panicHandler        PanicHandler
	metrics             Metrics
	rejectedTaskHandler RejectedTaskHandler
	logger              Logger

	// Lifecycle
	shuttingDown atomic.Bool
}

var _ WorkSource = (*TaskScheduler)(nil)

func NewTaskScheduler(name string, workerCount int) *TaskScheduler {
	return NewTaskSchedulerWithConfig(name, workerCount, DefaultTaskSchedulerConfig())
}

func NewTaskSchedulerWithConfig(name string, workerCount int, config *TaskSchedulerConfig) *TaskScheduler {
	s := &TaskScheduler{
		name:        name,
		queue:       NewPriorityTaskQueue(),
		signal:      make(chan struct{}, workerCount*2),
		workerCount: workerCount,
	}

	// Apply config
	if config != nil {
		s.panicHandler = config.PanicHandler
		s.metrics = config.Metrics
		s.rejectedTaskHandler = config.RejectedTaskHandler
		s.logger = config.Logger
	}

	// Use defaults if not provided
	if s.logger == nil {
		s.logger = NewDefaultLogger()
	}
	if s.panicHandler == nil {
		s.panicHandler = &DefaultPanicHandler{Logger: s.logger}
	}
	if s.metrics == nil {
		s.metrics = &NilMetrics{}
	}
	if s.rejectedTaskHandler == nil {
		s.rejectedTaskHandler = &DefaultRejectedTaskHandler{Logger: s.logger}
	}

	return s
}

// PostInternal queues a task and wakes one idle worker.
func (s *TaskScheduler) PostInternal(task Task, traits TaskTraits) {
	if s.shuttingDown.Load() {
		s.rejectedTaskHandler.HandleRejectedTask(s.name, "shutting down")
		s.metrics.RecordTaskRejected(s.name, "shutting down")
		return
	}

	s.queue.Push(task, traits)
	depth := s.metricQueued.Add(1)
	s.metrics.RecordQueueDepth(s.name, int(depth))

	select {
	case s.signal <- struct{}{}:
	default:
		// Signal channel full, but task is already queued
	}
}

// GetWork (Called by Worker)
func (s *TaskScheduler) GetWork(stopCh <-chan struct{}) (Task, bool) {
	for {
		if item, ok := s.queue.Pop(); ok {
			s.metricQueued.Add(-1)
			return item.Task, true
		}

		select {
		case <-s.signal:
			continue
		case <-stopCh:
			return nil, false
		}
	}
}

// Shutdown stops accepting tasks and drops everything still queued.
func (s *TaskScheduler) Shutdown() {
	s.shuttingDown.Store(true)
	dropped := s.queue.Len()
	s.queue.Clear()
	s.metricQueued.Store(0)
	if dropped > 0 {
		s.logger.Warn("scheduler shut down with queued tasks", F("scheduler", s.name), F("dropped", dropped))
	}
}

// ShutdownGraceful waits for all queued and active tasks to complete
// Returns error if timeout is exceeded before tasks complete
func (s *TaskScheduler) ShutdownGraceful(timeout time.Duration) error {
	s.shuttingDown.Store(true)

	deadline := time.After(timeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-deadline:
			s.queue.Clear()
			s.metricQueued.Store(0)
			return fmt.Errorf("shutdown graceful timeout after %v, forced clearing", timeout)
		case <-ticker.C:
			if s.QueuedTaskCount() == 0 && s.ActiveTaskCount() == 0 {
				return nil
			}
		}
	}
}

// Metrics
func (s *TaskScheduler) Name() string         { return s.name }
func (s *TaskScheduler) WorkerCount() int     { return s.workerCount }
func (s *TaskScheduler) QueuedTaskCount() int { return int(s.metricQueued.Load()) }
func (s *TaskScheduler) ActiveTaskCount() int { return int(s.metricActive.Load()) }

func (s *TaskScheduler) OnTaskStart() {
	s.metricActive.Add(1)
}

func (s *TaskScheduler) OnTaskEnd() {
	s.metricActive.Add(-1)
}

// GetPanicHandler returns the panic handler for this scheduler
func (s *TaskScheduler) GetPanicHandler() PanicHandler {
	return s.panicHandler
}

// GetMetrics returns the metrics collector for this scheduler
func (s *TaskScheduler) GetMetrics() Metrics {
	return s.metrics
}

// GetLogger returns the logger used by this scheduler
func (s *TaskScheduler) GetLogger() Logger {
	return s.logger
}
