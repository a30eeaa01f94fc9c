package delta

import (
	"container/heap"
	"time"
)

// deadline is a pending request timeout. Entries are dropped lazily: a popped
// deadline whose slot generation moved on belongs to a finished request.
type deadline struct {
	at   time.Time
	slot int
	gen  uint64
}

// deadlineQueue is a priority queue of request timeouts, ordered by expiry
type deadlineQueue struct {
	items deadlineHeap
}

// newDeadlineQueue creates an empty deadline queue
func newDeadlineQueue() *deadlineQueue {
	dq := &deadlineQueue{
		items: make(deadlineHeap, 0),
	}
	heap.Init(&dq.items)
	return dq
}

// Push adds a deadline
func (dq *deadlineQueue) Push(d deadline) {
	heap.Push(&dq.items, d)
}

// Pop removes and returns the earliest deadline
func (dq *deadlineQueue) Pop() (deadline, bool) {
	if dq.IsEmpty() {
		return deadline{}, false
	}
	return heap.Pop(&dq.items).(deadline), true
}

// Peek returns the earliest deadline without removing it
func (dq *deadlineQueue) Peek() (deadline, bool) {
	if dq.IsEmpty() {
		return deadline{}, false
	}
	return dq.items[0], true
}

// IsEmpty returns true if the queue is empty
func (dq *deadlineQueue) IsEmpty() bool {
	return dq.items.Len() == 0
}

// Len returns the number of deadlines in the queue
func (dq *deadlineQueue) Len() int {
	return dq.items.Len()
}

// Expired pops every deadline at or before now
func (dq *deadlineQueue) Expired(now time.Time) []deadline {
	var out []deadline
	for !dq.IsEmpty() && !dq.items[0].at.After(now) {
		d, _ := dq.Pop()
		out = append(out, d)
	}
	return out
}

// deadlineHeap implements heap.Interface for deadline
type deadlineHeap []deadline

func (h deadlineHeap) Len() int           { return len(h) }
func (h deadlineHeap) Less(i, j int) bool { return h[i].at.Before(h[j].at) }
func (h deadlineHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *deadlineHeap) Push(x interface{}) {
	*h = append(*h, x.(deadline))
}

func (h *deadlineHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[0 : n-1]
	return x
}

// Prune drops every deadline for which live returns false
func (dq *deadlineQueue) Prune(live func(deadline) bool) {
	kept := dq.items[:0]
	for _, d := range dq.items {
		if live(d) {
			kept = append(kept, d)
		}
	}
	dq.items = kept
	heap.Init(&dq.items)
}
