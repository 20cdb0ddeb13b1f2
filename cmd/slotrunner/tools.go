package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/Swind/go-slot-runner/core"
	"github.com/Swind/go-slot-runner/threadpool"
)

// scratchTool gives every pool thread its own scratch buffer, allocated by
// the init hook and released by the terminate hook.
type scratchTool struct {
	size int

	mu   sync.Mutex
	bufs map[string][]float64
}

var _ threadpool.ThreadInitTool = (*scratchTool)(nil)

func newScratchTool(size int) *scratchTool {
	return &scratchTool{size: size, bufs: make(map[string][]float64)}
}

func (s *scratchTool) Name() string { return "scratch" }

func (s *scratchTool) InitThread(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bufs[core.ThreadID(ctx)] = make([]float64, s.size)
	return nil
}

func (s *scratchTool) TerminateThread(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bufs, core.ThreadID(ctx))
	return nil
}

// buffer returns the scratch buffer of the calling thread.
func (s *scratchTool) buffer(ctx context.Context) ([]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf, ok := s.bufs[core.ThreadID(ctx)]
	if !ok {
		return nil, fmt.Errorf("thread %s has no scratch buffer", core.ThreadID(ctx))
	}
	return buf, nil
}
