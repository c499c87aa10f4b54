package delivery

import (
	"container/heap"
	"sync"
	"time"
)

// delayQueue is a min-heap of notification ids keyed by due time. Insertion
// is concurrent (new retries, new escalations); the single sweeper consumes.
type delayQueue struct {
	mu    sync.Mutex
	items dueHeap
	wake  chan struct{}
}

type dueItem struct {
	id  string
	due time.Time
}

type dueHeap []dueItem

func (h dueHeap) Len() int            { return len(h) }
func (h dueHeap) Less(i, j int) bool  { return h[i].due.Before(h[j].due) }
func (h dueHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *dueHeap) Push(x interface{}) { *h = append(*h, x.(dueItem)) }
func (h *dueHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

func newDelayQueue() *delayQueue {
	return &delayQueue{wake: make(chan struct{}, 1)}
}

// push schedules id at due and nudges the sweeper.
func (q *delayQueue) push(id string, due time.Time) {
	q.mu.Lock()
	heap.Push(&q.items, dueItem{id: id, due: due})
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// popDue removes and returns every id due at or before now.
func (q *delayQueue) popDue(now time.Time) []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	var due []string
	for q.items.Len() > 0 && !q.items[0].due.After(now) {
		due = append(due, heap.Pop(&q.items).(dueItem).id)
	}
	return due
}

// nextDue returns the earliest scheduled time, if any.
func (q *delayQueue) nextDue() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.items.Len() == 0 {
		return time.Time{}, false
	}
	return q.items[0].due, true
}
