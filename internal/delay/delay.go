// Package delay provides a single-threaded delayed-callback queue.
//
// Callbacks scheduled on a Queue run one at a time on the goroutine that
// called Run, ordered by due time and then by scheduling order. Every
// scheduled callback returns a Timer whose Stop cancels exactly that
// callback, never another one scheduled for the same caller key.
package delay

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// Scheduler schedules callbacks after a delay.
type Scheduler interface {
	// Now returns the scheduler's notion of the current time.
	Now() time.Time
	// AfterFunc schedules fn to run after d.
	AfterFunc(d time.Duration, fn func()) *Timer
}

// Timer is a handle to a single scheduled callback.
type Timer struct {
	owner stopper
	id    uint64
}

type stopper interface {
	stop(id uint64) bool
}

// Stop cancels the callback. It reports whether the call prevented the
// callback from running.
func (t *Timer) Stop() bool {
	if t == nil || t.owner == nil {
		return false
	}
	return t.owner.stop(t.id)
}

type item struct {
	due   time.Time
	id    uint64
	fn    func()
	index int
}

type itemHeap []*item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].due.Equal(h[j].due) {
		return h[i].id < h[j].id
	}
	return h[i].due.Before(h[j].due)
}

func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *itemHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// pending is the bookkeeping shared by Queue and ManualQueue. Callers hold
// the owning queue's mutex.
type pending struct {
	items  itemHeap
	byID   map[uint64]*item
	nextID uint64
}

func newPending() pending {
	return pending{byID: make(map[uint64]*item)}
}

func (p *pending) push(due time.Time, fn func()) uint64 {
	p.nextID++
	it := &item{due: due, id: p.nextID, fn: fn}
	heap.Push(&p.items, it)
	p.byID[it.id] = it
	return it.id
}

func (p *pending) remove(id uint64) bool {
	it, ok := p.byID[id]
	if !ok {
		return false
	}
	delete(p.byID, id)
	heap.Remove(&p.items, it.index)
	return true
}

// popDue removes and returns the earliest item due at or before now.
func (p *pending) popDue(now time.Time) *item {
	if len(p.items) == 0 || p.items[0].due.After(now) {
		return nil
	}
	it := heap.Pop(&p.items).(*item)
	delete(p.byID, it.id)
	return it
}

func (p *pending) next() (time.Time, bool) {
	if len(p.items) == 0 {
		return time.Time{}, false
	}
	return p.items[0].due, true
}

// Queue runs delayed callbacks on a single goroutine in real time.
type Queue struct {
	mu      sync.Mutex
	pending pending
	wake    chan struct{}
	now     func() time.Time
	closed  bool
}

// NewQueue creates a queue. Callbacks do not run until Run is called.
func NewQueue() *Queue {
	return &Queue{
		pending: newPending(),
		wake:    make(chan struct{}, 1),
		now:     time.Now,
	}
}

// Now returns the wall clock time.
func (q *Queue) Now() time.Time {
	return q.now()
}

// AfterFunc schedules fn to run on the queue goroutine after d. Scheduling
// on a closed queue returns a Timer whose Stop reports false and whose
// callback never runs.
func (q *Queue) AfterFunc(d time.Duration, fn func()) *Timer {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return &Timer{}
	}
	id := q.pending.push(q.now().Add(d), fn)
	q.mu.Unlock()

	q.signal()
	return &Timer{owner: q, id: id}
}

func (q *Queue) stop(id uint64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.remove(id)
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Len returns the number of scheduled callbacks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending.items)
}

// Run executes callbacks as they become due until ctx is done or Close is
// called. Callbacks still pending at that point are discarded.
func (q *Queue) Run(ctx context.Context) error {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil
		}
		var due []*item
		now := q.now()
		for it := q.pending.popDue(now); it != nil; it = q.pending.popDue(now) {
			due = append(due, it)
		}
		nextDue, hasNext := q.pending.next()
		q.mu.Unlock()

		for _, it := range due {
			it.fn()
		}
		if len(due) > 0 {
			continue
		}

		wait := time.Hour
		if hasNext {
			wait = nextDue.Sub(q.now())
			if wait < 0 {
				wait = 0
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			q.Close()
			return ctx.Err()
		case <-q.wake:
		case <-timer.C:
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
}

// Close stops the queue. Pending callbacks are discarded.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.pending = newPending()
	q.mu.Unlock()
	q.signal()
}
