package core

import (
	"container/heap"
	"sync"
)

const defaultQueueCap = 16

type TaskItem struct {
	Task   Task
	Traits TaskTraits
}

// TaskQueue is the ready queue a TaskScheduler hands out work from.
type TaskQueue interface {
	Push(t Task, traits TaskTraits)
	Pop() (TaskItem, bool)
	Len() int
	IsEmpty() bool
	Clear() // Clear all tasks from the queue
}

// =============================================================================
// PriorityTaskQueue: heap ordered by priority, FIFO within a priority
// =============================================================================

type priorityItem struct {
	TaskItem
	sequence uint64 // For stability
	index    int    // For heap
}

// priorityHeap implements heap.Interface
type priorityHeap []*priorityItem

func (h priorityHeap) Len() int { return len(h) }

// Less: High priority first, then small sequence first (FIFO)
func (h priorityHeap) Less(i, j int) bool {
	if h[i].Traits.Priority != h[j].Traits.Priority {
		return h[i].Traits.Priority > h[j].Traits.Priority
	}
	return h[i].sequence < h[j].sequence
}

func (h priorityHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *priorityHeap) Push(x any) {
	item := x.(*priorityItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *priorityHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil // Avoid memory leak
	item.index = -1
	*h = old[:n-1]
	return item
}

// PriorityTaskQueue lets synchronization tasks (TaskPriorityUserBlocking)
// overtake queued event work while keeping submission order among equals.
type PriorityTaskQueue struct {
	mu           sync.Mutex
	pq           priorityHeap
	nextSequence uint64
}

func NewPriorityTaskQueue() *PriorityTaskQueue {
	return &PriorityTaskQueue{pq: make(priorityHeap, 0, defaultQueueCap)}
}

func (q *PriorityTaskQueue) Push(t Task, traits TaskTraits) {
	q.mu.Lock()
	defer q.mu.Unlock()
	heap.Push(&q.pq, &priorityItem{
		TaskItem: TaskItem{Task: t, Traits: traits},
		sequence: q.nextSequence,
	})
	q.nextSequence++
}

func (q *PriorityTaskQueue) Pop() (TaskItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pq) == 0 {
		return TaskItem{}, false
	}
	item := heap.Pop(&q.pq).(*priorityItem)
	return item.TaskItem, true
}

func (q *PriorityTaskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pq)
}

func (q *PriorityTaskQueue) IsEmpty() bool {
	return q.Len() == 0
}

// Clear removes all tasks from the queue and releases references
func (q *PriorityTaskQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pq = make(priorityHeap, 0, defaultQueueCap)
}
