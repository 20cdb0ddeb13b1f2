package core

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// TestSingleThreadTaskRunner_ExecutionOrder verifies tasks run in submission order
// Given: A runner and ten posted tasks
// When: WaitIdle returns
// Then: The tasks ran in the order they were posted
func TestSingleThreadTaskRunner_ExecutionOrder(t *testing.T) {
	r := NewSingleThreadTaskRunner("order", NewNoOpLogger())
	defer r.Stop()

	var mu sync.Mutex
	var order []int
	for i := 0; i < 10; i++ {
		i := i
		r.PostTask(func(ctx context.Context) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.WaitIdle(ctx); err != nil {
		t.Fatalf("WaitIdle failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	for i, v := range order {
		if v != i {
			t.Fatalf("order = %v, want ascending", order)
		}
	}
	if len(order) != 10 {
		t.Errorf("ran %d tasks, want 10", len(order))
	}
}

// TestSingleThreadTaskRunner_ThreadIdentity verifies every task sees the runner identity
// Given: A runner named "driver"
// When: Tasks ask for their thread id and current runner
// Then: All report "runner/driver" and the runner itself
func TestSingleThreadTaskRunner_ThreadIdentity(t *testing.T) {
	r := NewSingleThreadTaskRunner("driver", NewNoOpLogger())
	defer r.Stop()

	ids := make(chan string, 3)
	runners := make(chan TaskRunner, 3)
	for i := 0; i < 3; i++ {
		r.PostTask(func(ctx context.Context) {
			ids <- ThreadID(ctx)
			runners <- GetCurrentTaskRunner(ctx)
		})
	}

	for i := 0; i < 3; i++ {
		select {
		case id := <-ids:
			if id != "runner/driver" {
				t.Errorf("ThreadID = %q, want runner/driver", id)
			}
			if got := <-runners; got != r {
				t.Errorf("GetCurrentTaskRunner = %v, want the runner", got)
			}
		case <-time.After(time.Second):
			t.Fatal("task did not run")
		}
	}
}

// TestSingleThreadTaskRunner_PanicRecovery verifies the loop survives a panicking task
func TestSingleThreadTaskRunner_PanicRecovery(t *testing.T) {
	r := NewSingleThreadTaskRunner("panic", NewNoOpLogger())
	defer r.Stop()

	var ran atomic.Bool
	r.PostTask(func(ctx context.Context) { panic("boom") })
	r.PostTask(func(ctx context.Context) { ran.Store(true) })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.WaitIdle(ctx); err != nil {
		t.Fatalf("WaitIdle failed: %v", err)
	}
	if !ran.Load() {
		t.Error("task after the panic did not run")
	}
}

// TestSingleThreadTaskRunner_StopJoinsRunningTask verifies Stop waits for the task in progress
// Given: A long task that watches its context
// When: Stop is called
// Then: Stop returns only after the task observed cancellation and returned
func TestSingleThreadTaskRunner_StopJoinsRunningTask(t *testing.T) {
	r := NewSingleThreadTaskRunner("join", NewNoOpLogger())

	started := make(chan struct{})
	var finished atomic.Bool
	r.PostTask(func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		time.Sleep(20 * time.Millisecond)
		finished.Store(true)
	})

	<-started
	r.Stop()

	if !finished.Load() {
		t.Error("Stop returned before the running task finished")
	}
	if !r.IsClosed() {
		t.Error("IsClosed = false after Stop")
	}
}

// TestSingleThreadTaskRunner_PostAfterStop verifies posts after Stop are dropped
func TestSingleThreadTaskRunner_PostAfterStop(t *testing.T) {
	r := NewSingleThreadTaskRunner("closed", NewNoOpLogger())
	r.Stop()
	r.Stop() // idempotent

	var ran atomic.Bool
	r.PostTask(func(ctx context.Context) { ran.Store(true) })
	time.Sleep(20 * time.Millisecond)

	if ran.Load() {
		t.Error("task posted after Stop should not run")
	}
	if err := r.WaitIdle(context.Background()); err == nil {
		t.Error("WaitIdle on a closed runner should fail")
	}
}

// TestSingleThreadTaskRunner_Stats verifies the snapshot reflects a busy runner
func TestSingleThreadTaskRunner_Stats(t *testing.T) {
	r := NewSingleThreadTaskRunner("stats", NewNoOpLogger())

	release := make(chan struct{})
	started := make(chan struct{})
	r.PostTask(func(ctx context.Context) {
		close(started)
		<-release
	})
	<-started

	stats := r.Stats()
	if stats.Name != "stats" || stats.Type != "single_thread" {
		t.Errorf("Name/Type = %s/%s, want stats/single_thread", stats.Name, stats.Type)
	}
	if stats.Running != 1 {
		t.Errorf("Running = %d, want 1", stats.Running)
	}
	if stats.Closed {
		t.Error("Closed = true before Stop")
	}

	close(release)
	r.Stop()
	if !r.Stats().Closed {
		t.Error("Closed = false after Stop")
	}
}
