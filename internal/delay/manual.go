package delay

import (
	"sync"
	"time"
)

// ManualQueue is a Scheduler with a manually advanced clock. Callbacks run
// synchronously inside Advance.
type ManualQueue struct {
	mu      sync.Mutex
	pending pending
	now     time.Time
}

// NewManualQueue creates a queue whose clock starts at start.
func NewManualQueue(start time.Time) *ManualQueue {
	return &ManualQueue{pending: newPending(), now: start}
}

// Now returns the manual clock.
func (q *ManualQueue) Now() time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.now
}

// AfterFunc schedules fn to run once the clock has advanced by d.
func (q *ManualQueue) AfterFunc(d time.Duration, fn func()) *Timer {
	q.mu.Lock()
	defer q.mu.Unlock()
	id := q.pending.push(q.now.Add(d), fn)
	return &Timer{owner: q, id: id}
}

func (q *ManualQueue) stop(id uint64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.remove(id)
}

// Advance moves the clock forward by d and runs every callback that is due,
// in due-time order. Callbacks scheduled while advancing run too if they
// fall inside the window.
func (q *ManualQueue) Advance(d time.Duration) {
	q.mu.Lock()
	target := q.now.Add(d)
	q.mu.Unlock()

	for {
		q.mu.Lock()
		it := q.pending.popDue(target)
		if it == nil {
			q.now = target
			q.mu.Unlock()
			return
		}
		if it.due.After(q.now) {
			q.now = it.due
		}
		q.mu.Unlock()
		it.fn()
	}
}

// Len returns the number of scheduled callbacks.
func (q *ManualQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending.items)
}
