// Package slotrunner is the concurrency core of an event-processing framework.
//
// Events are identified by an event.Context (sequence number, slot and an
// optional sub-slot). Up to N events are in flight at once, one per slot, and
// every component keys its per-event state by slot.
//
// # Packages
//
// The work is split the same way the runtime is:
//
//	core        Task, TaskTraits, TaskScheduler, SingleThreadTaskRunner, Logger
//	slotrunner  GoroutineThreadPool, the worker pool every executor builds on
//	execstate   per-slot execution records of every work unit, error counters
//	incident    prioritized listeners, synchronous and queued incident delivery
//	threadpool  pool lifecycle with per-thread init and terminate hooks
//	processor   bounded single-driver event processor with back-pressure
//	config      YAML configuration with fsnotify hot reload
//
// # Thread identity
//
// Goroutines have no identity, so every worker runs its tasks with a context
// tagged by WithWorkerID. ThreadID(ctx) returns "<pool>/worker-<i>" inside a
// pool worker, "runner/<name>" inside a SingleThreadTaskRunner and "main"
// elsewhere. Per-thread init hooks are keyed by that value.
//
// # Quick Start
//
//	pool := slotrunner.NewGoroutineThreadPool("events", 4)
//	pool.Start(ctx)
//	defer pool.Stop()
//
//	pool.PostInternal(func(ctx context.Context) {
//		log.Println("running on", slotrunner.ThreadID(ctx))
//	}, slotrunner.DefaultTaskTraits())
//
// A complete wiring of registry, dispatcher, thread pool manager and
// processor lives in cmd/slotrunner.
package slotrunner
