package download

import (
	"context"
	"sync"
)

// DefaultSlots is the number of concurrent file fetches a Queue allows.
const DefaultSlots = 4

// PriorityFunc returns the current priority of a waiting request. It is
// called at grant time, so priority raised while waiting takes effect.
// It must not block.
type PriorityFunc func() int

type ticket struct {
	priority PriorityFunc
	seq      uint64
	ready    chan struct{}
	granted  bool
}

// Queue limits concurrent fetches. Free slots go to the waiting request with
// the highest priority; equal priorities are served in arrival order.
// Priority never preempts a fetch that already holds a slot.
type Queue struct {
	mu      sync.Mutex
	slots   int
	inUse   int
	seq     uint64
	waiting []*ticket
}

// NewQueue creates a queue with the given number of slots. Values below one
// use DefaultSlots.
func NewQueue(slots int) *Queue {
	if slots < 1 {
		slots = DefaultSlots
	}
	return &Queue{slots: slots}
}

// Acquire blocks until a slot is granted or ctx is done. The returned release
// function must be called exactly once; further calls are ignored.
func (q *Queue) Acquire(ctx context.Context, priority PriorityFunc) (release func(), err error) {
	q.mu.Lock()
	if q.inUse < q.slots && len(q.waiting) == 0 {
		q.inUse++
		q.mu.Unlock()
		return q.releaser(), nil
	}

	q.seq++
	t := &ticket{priority: priority, seq: q.seq, ready: make(chan struct{})}
	q.waiting = append(q.waiting, t)
	q.mu.Unlock()

	select {
	case <-t.ready:
		return q.releaser(), nil
	case <-ctx.Done():
		q.mu.Lock()
		if t.granted {
			// Granted concurrently with cancellation: hand the slot on.
			q.inUse--
			q.grantLocked()
			q.mu.Unlock()
			return nil, ctx.Err()
		}
		for i, w := range q.waiting {
			if w == t {
				q.waiting = append(q.waiting[:i], q.waiting[i+1:]...)
				break
			}
		}
		q.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Stats returns the number of slots in use and the number of waiting requests.
func (q *Queue) Stats() (inUse, waiting int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inUse, len(q.waiting)
}

func (q *Queue) releaser() func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			q.mu.Lock()
			q.inUse--
			q.grantLocked()
			q.mu.Unlock()
		})
	}
}

func (q *Queue) grantLocked() {
	for q.inUse < q.slots && len(q.waiting) > 0 {
		best := 0
		bestPrio := priorityOf(q.waiting[0])
		for i := 1; i < len(q.waiting); i++ {
			if p := priorityOf(q.waiting[i]); p > bestPrio {
				best, bestPrio = i, p
			}
		}
		t := q.waiting[best]
		q.waiting = append(q.waiting[:best], q.waiting[best+1:]...)
		t.granted = true
		q.inUse++
		close(t.ready)
	}
}

func priorityOf(t *ticket) int {
	if t.priority == nil {
		return 0
	}
	return t.priority()
}
