package scheduler

import (
	"sync"
	"sync/atomic"

	"github.com/kalvex/csopesy-emu/internal/memory"
	"github.com/kalvex/csopesy-emu/internal/process"
)

// Queue is the shared FIFO the waiting-for-memory and ready queues are
// both built from: a mutex-guarded slice with one condition variable
// per queue, signaled on every push and broadcast on shutdown.
type Queue struct {
	mu    sync.Mutex
	cond  *sync.Cond
	items []*process.Process
}

func NewQueue() *Queue {
	q := &Queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends p and signals one waiter.
func (q *Queue) Push(p *process.Process) {
	q.mu.Lock()
	q.items = append(q.items, p)
	q.mu.Unlock()
	q.cond.Signal()
}

// PopBlocking waits until the queue is non-empty or stopping is set,
// then dequeues the head. ok is false only when stopping was set and
// the queue was empty after waking. Each wake that finds the queue
// still empty (a spurious wakeup, since Wait only returns after a
// Signal/Broadcast) ticks stats' idle counter before waiting again.
func (q *Queue) PopBlocking(stopping *atomic.Bool, stats *memory.Stats) (*process.Process, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !stopping.Load() {
		q.cond.Wait()
		if len(q.items) == 0 && !stopping.Load() {
			stats.IncIdleTick()
		}
	}
	if len(q.items) == 0 {
		return nil, false
	}
	p := q.items[0]
	q.items = q.items[1:]
	return p, true
}

// TryPop dequeues the head without blocking, used by the admission
// scheduler's poll loop.
func (q *Queue) TryPop() (*process.Process, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	p := q.items[0]
	q.items = q.items[1:]
	return p, true
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// BroadcastShutdown wakes every blocked waiter so it can observe the
// stopping flag.
func (q *Queue) BroadcastShutdown() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cond.Broadcast()
}

// Snapshot copies the queue's current contents in FIFO order, used by
// status reports.
func (q *Queue) Snapshot() []*process.Process {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*process.Process, len(q.items))
	copy(out, q.items)
	return out
}
