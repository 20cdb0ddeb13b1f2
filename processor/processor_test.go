package processor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Swind/go-slot-runner/core"
	"github.com/Swind/go-slot-runner/event"
	"github.com/Swind/go-slot-runner/execstate"
	"github.com/Swind/go-slot-runner/incident"
)

func newTestProcessor(t *testing.T, opts ...Option) (*Processor, *execstate.Registry, *incident.Dispatcher) {
	t.Helper()
	reg := execstate.New(execstate.WithSlotCount(func() int { return 4 }))
	d := incident.NewDispatcher()
	p := New(reg, d, opts...)
	t.Cleanup(p.Stop)
	return p, reg, d
}

func ok(name string, calls *[]string, mu *sync.Mutex) WorkUnit {
	return NewUnit(name, func(ctx context.Context, ev event.Context) error {
		mu.Lock()
		*calls = append(*calls, name)
		mu.Unlock()
		return nil
	})
}

func waitResult(t *testing.T, p *Processor) Result {
	t.Helper()
	var r Result
	require.Eventually(t, func() bool {
		var got bool
		r, got = p.Pop()
		return got
	}, 2*time.Second, time.Millisecond)
	return r
}

// TestProcessor_UnitsRunInOrder tests deterministic unit order within an event.
// Given: three units registered A, B, C
// When: one event is processed
// Then: they run as A, B, C and the event succeeds
func TestProcessor_UnitsRunInOrder(t *testing.T) {
	var (
		mu    sync.Mutex
		calls []string
	)
	p, reg, _ := newTestProcessor(t)
	for _, n := range []string{"A", "B", "C"} {
		require.NoError(t, p.AddWorkUnit(ok(n, &calls, &mu)))
	}
	require.NoError(t, p.Start())

	ev := event.New(1, 0)
	r, err := p.ExecuteEvent(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, execstate.StatusSuccess, r.Status)
	assert.Equal(t, ev, r.Event)
	assert.NoError(t, r.Err)
	assert.Empty(t, r.Dump)
	assert.Equal(t, []string{"A", "B", "C"}, calls)

	status, err := reg.EventStatus(0)
	require.NoError(t, err)
	assert.Equal(t, execstate.EventSuccess, status)

	rec, err := reg.Get(ev, reg.Register("B"))
	require.NoError(t, err)
	assert.Equal(t, execstate.StateDone, rec.State)
	assert.Equal(t, execstate.StatusSuccess, rec.Status)
}

// TestProcessor_FailingUnit tests the end-to-end failure path.
// Given: a unit returning an error, a panicking unit and a healthy unit
// When: an event is processed
// Then: every unit still runs, the result is a failure carrying a dump and the slot is AlgFail
func TestProcessor_FailingUnit(t *testing.T) {
	var healthyRan atomic.Bool
	boom := errors.New("boom")

	p, reg, _ := newTestProcessor(t)
	require.NoError(t, p.AddWorkUnit(NewUnit("Fails", func(context.Context, event.Context) error { return boom })))
	require.NoError(t, p.AddWorkUnit(NewUnit("Panics", func(context.Context, event.Context) error { panic("kaboom") })))
	require.NoError(t, p.AddWorkUnit(NewUnit("Healthy", func(context.Context, event.Context) error {
		healthyRan.Store(true)
		return nil
	})))
	require.NoError(t, p.Start())

	ev := event.New(9, 2)
	r, err := p.ExecuteEvent(context.Background(), ev)
	require.NoError(t, err)

	assert.Equal(t, execstate.StatusFailure, r.Status)
	assert.True(t, healthyRan.Load())
	assert.ErrorIs(t, r.Err, ErrUnitFailure)
	assert.ErrorIs(t, r.Err, boom)
	var uerr *UnitError
	require.ErrorAs(t, r.Err, &uerr)
	assert.Equal(t, "Fails", uerr.Unit)
	assert.Contains(t, r.Dump, "Event: AlgFail")

	status, err := reg.EventStatus(2)
	require.NoError(t, err)
	assert.Equal(t, execstate.EventAlgFail, status)

	n, err := reg.ErrorCount("Panics")
	require.NoError(t, err)
	assert.Equal(t, uint32(1), n)

	rec, err := reg.Get(ev, reg.Register("Fails"))
	require.NoError(t, err)
	assert.Equal(t, execstate.StatusFailure, rec.Status)

	st := p.Stats()
	assert.Equal(t, uint64(1), st.Processed)
	assert.Equal(t, uint64(1), st.Failed)
	assert.False(t, st.LastEventAt.IsZero())
}

// TestProcessor_Backpressure tests the bounded input queue.
// Given: capacity 2 and a unit blocked on the first event
// When: a second and a third event are pushed
// Then: the second is accepted and the third blocks until the first completes
func TestProcessor_Backpressure(t *testing.T) {
	gate := make(chan struct{})
	started := make(chan struct{}, 4)
	p, _, _ := newTestProcessor(t, WithCapacity(2))
	require.NoError(t, p.AddWorkUnit(NewUnit("Blocking", func(context.Context, event.Context) error {
		started <- struct{}{}
		<-gate
		return nil
	})))
	require.NoError(t, p.Start())

	ctx := context.Background()
	require.NoError(t, p.Push(ctx, event.New(1, 0)))
	<-started
	require.NoError(t, p.Push(ctx, event.New(2, 1)))

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err := p.Push(short, event.New(3, 2))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, p.IsEmpty())

	pushed := make(chan error, 1)
	go func() { pushed <- p.Push(ctx, event.New(4, 3)) }()
	select {
	case err := <-pushed:
		t.Fatalf("Push returned %v while the queue was full", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(gate)
	select {
	case err := <-pushed:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Push still blocked after capacity was freed")
	}

	var seqs []uint64
	for i := 0; i < 3; i++ {
		seqs = append(seqs, waitResult(t, p).Event.Seq())
	}
	assert.Equal(t, []uint64{1, 2, 4}, seqs)
	assert.Eventually(t, p.IsEmpty, time.Second, time.Millisecond)
}

func TestProcessor_IsEmpty(t *testing.T) {
	gate := make(chan struct{})
	p, _, _ := newTestProcessor(t)
	require.NoError(t, p.AddWorkUnit(NewUnit("Gate", func(context.Context, event.Context) error {
		<-gate
		return nil
	})))
	require.NoError(t, p.Start())
	assert.True(t, p.IsEmpty())

	require.NoError(t, p.Push(context.Background(), event.New(1, 0)))
	assert.False(t, p.IsEmpty(), "queued or in flight")

	close(gate)
	require.Eventually(t, func() bool { return p.Stats().Done == 1 }, time.Second, time.Millisecond)
	assert.False(t, p.IsEmpty(), "result not popped yet")

	_, got := p.Pop()
	require.True(t, got)
	assert.True(t, p.IsEmpty())

	_, got = p.Pop()
	assert.False(t, got)
}

// TestProcessor_StopEmitsSentinel tests shutdown.
// Given: a started processor with one queued event
// When: Stop is called
// Then: the event is processed, a sentinel result follows and Push fails
func TestProcessor_StopEmitsSentinel(t *testing.T) {
	p, _, _ := newTestProcessor(t)
	require.NoError(t, p.AddWorkUnit(NewUnit("Noop", func(context.Context, event.Context) error { return nil })))
	require.NoError(t, p.Start())
	assert.True(t, p.IsRunning())

	require.NoError(t, p.Push(context.Background(), event.New(1, 0)))
	p.Stop()
	assert.False(t, p.IsRunning())

	r, got := p.Pop()
	require.True(t, got)
	assert.False(t, r.IsSentinel())
	r, got = p.Pop()
	require.True(t, got)
	assert.True(t, r.IsSentinel())

	assert.ErrorIs(t, p.Push(context.Background(), event.New(2, 0)), ErrQueueClosed)
	assert.ErrorIs(t, p.Start(), ErrQueueClosed)

	// Idempotent
	p.Stop()
}

// TestProcessor_PushRacingStop tests pushes concurrent with Stop.
// Given: producers pushing while the processor stops
// When: Stop returns and the producers have finished
// Then: every accepted event was either processed or dropped and nothing stays pending
func TestProcessor_PushRacingStop(t *testing.T) {
	for i := 0; i < 100; i++ {
		p, _, _ := newTestProcessor(t, WithCapacity(4))
		require.NoError(t, p.Start())

		var wg sync.WaitGroup
		wg.Add(4)
		for w := 0; w < 4; w++ {
			w := w
			go func() {
				defer wg.Done()
				for n := 0; n < 10; n++ {
					if err := p.Push(context.Background(), event.New(uint64(n), w)); err != nil {
						assert.ErrorIs(t, err, ErrQueueClosed)
						return
					}
				}
			}()
		}
		p.Stop()
		wg.Wait()

		for {
			if _, got := p.Pop(); !got {
				break
			}
		}
		assert.Zero(t, p.pending.Load(), "iteration %d", i)
		assert.True(t, p.IsEmpty(), "iteration %d", i)
	}
}

func TestProcessor_LifecycleErrors(t *testing.T) {
	p, _, _ := newTestProcessor(t)

	_, err := p.ExecuteEvent(context.Background(), event.New(1, 0))
	assert.ErrorIs(t, err, ErrNotStarted)
	assert.ErrorIs(t, p.Push(context.Background(), event.Invalid()), ErrInvalidEvent)

	require.NoError(t, p.Start())
	assert.ErrorIs(t, p.Start(), ErrAlreadyStarted)
	assert.ErrorIs(t, p.AddWorkUnit(NewUnit("late", nil)), ErrAlreadyStarted)
}

// TestProcessor_AbortEvent tests the AbortEvent signal.
// Given: a unit that fires AbortEvent followed by another unit
// When: the event is processed
// Then: the remaining unit is skipped, the event is not failed, and the next event runs fully
func TestProcessor_AbortEvent(t *testing.T) {
	var (
		mu    sync.Mutex
		calls []string
	)
	p, _, d := newTestProcessor(t)
	first := true
	require.NoError(t, p.AddWorkUnit(NewUnit("Aborter", func(ctx context.Context, ev event.Context) error {
		mu.Lock()
		calls = append(calls, "Aborter")
		mu.Unlock()
		if first {
			first = false
			return d.FireSync(ctx, incident.New("Aborter", incident.AbortEvent, ev, nil))
		}
		return nil
	})))
	require.NoError(t, p.AddWorkUnit(ok("After", &calls, &mu)))
	require.NoError(t, p.Start())

	r, err := p.ExecuteEvent(context.Background(), event.New(1, 0))
	require.NoError(t, err)
	assert.Equal(t, execstate.StatusSuccess, r.Status)

	r, err = p.ExecuteEvent(context.Background(), event.New(2, 0))
	require.NoError(t, err)
	assert.Equal(t, execstate.StatusSuccess, r.Status)

	assert.Equal(t, []string{"Aborter", "Aborter", "After"}, calls)
}

func TestProcessor_OutputStreams(t *testing.T) {
	var (
		mu    sync.Mutex
		calls []string
	)
	p, reg, _ := newTestProcessor(t)
	require.NoError(t, p.AddWorkUnit(ok("Reco", &calls, &mu)))

	var filterSeen atomic.Bool
	writerKey := reg.Register("Writer")
	require.NoError(t, p.AddOutputStream(NewUnit("Writer", func(ctx context.Context, ev event.Context) error {
		mu.Lock()
		calls = append(calls, "Writer")
		mu.Unlock()
		rec, err := reg.Get(ev, writerKey)
		if err != nil {
			return err
		}
		filterSeen.Store(rec.FilterPassed)
		return errors.New("disk full")
	})))
	require.NoError(t, p.Start())

	r, err := p.ExecuteEvent(context.Background(), event.New(1, 1))
	require.NoError(t, err)
	assert.Equal(t, []string{"Reco", "Writer"}, calls)
	assert.True(t, filterSeen.Load())

	// Output stream failures fail the result but not the event status
	assert.Equal(t, execstate.StatusFailure, r.Status)
	status, err := reg.EventStatus(1)
	require.NoError(t, err)
	assert.Equal(t, execstate.EventSuccess, status)
}

// TestProcessor_DeliversAsyncIncidents tests per-slot queued incidents.
// Given: a unit that queues an incident for its own event and a stale one
// When: the event is processed
// Then: only the current incident reaches the listener, after the units ran
func TestProcessor_DeliversAsyncIncidents(t *testing.T) {
	p, _, d := newTestProcessor(t)

	var got []string
	var mu sync.Mutex
	d.AddListener(incident.NewFuncListener("collector", func(ctx context.Context, inc *incident.Incident) error {
		mu.Lock()
		got = append(got, inc.Source)
		mu.Unlock()
		return nil
	}), "Custom")

	require.NoError(t, d.FireAsync(incident.New("stale", "Custom", event.New(1, 3), nil)))
	require.NoError(t, p.AddWorkUnit(NewUnit("Producer", func(ctx context.Context, ev event.Context) error {
		return d.FireAsync(incident.New("fresh", "Custom", ev, nil))
	})))
	require.NoError(t, p.Start())

	_, err := p.ExecuteEvent(context.Background(), event.New(2, 3))
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"fresh"}, got)
	assert.Zero(t, d.Pending(3))
}

type initRecorder struct {
	threads chan string
}

func (r *initRecorder) InitThisThread(ctx context.Context) error {
	r.threads <- core.ThreadID(ctx)
	return nil
}

func TestProcessor_ThreadInitOnDriver(t *testing.T) {
	rec := &initRecorder{threads: make(chan string, 1)}
	p, _, _ := newTestProcessor(t, WithName("driver-test"), WithThreadInit(rec))
	require.NoError(t, p.Start())

	select {
	case tid := <-rec.threads:
		assert.Equal(t, "runner/driver-test", tid)
	case <-time.After(time.Second):
		t.Fatal("driver thread init was not called")
	}
}

func TestProcessor_InvalidSlotFails(t *testing.T) {
	p, _, _ := newTestProcessor(t)
	require.NoError(t, p.Start())

	r, err := p.ExecuteEvent(context.Background(), event.New(1, 99))
	require.NoError(t, err)
	assert.Equal(t, execstate.StatusFailure, r.Status)
	assert.ErrorIs(t, r.Err, execstate.ErrNotFound)
}
