package threadpool

import (
	"context"
	"sync/atomic"
)

// barrier releases every waiter once parties goroutines have arrived.
type barrier struct {
	parties int32
	arrived atomic.Int32
	release chan struct{}
}

func newBarrier(parties int) *barrier {
	return &barrier{parties: int32(parties), release: make(chan struct{})}
}

// Wait blocks until all parties arrived or ctx is done.
func (b *barrier) Wait(ctx context.Context) error {
	if b.arrived.Add(1) == b.parties {
		close(b.release)
		return nil
	}
	select {
	case <-b.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
