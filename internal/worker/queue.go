package worker

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/austindbirch/harbor_relay/internal/delivery"
)

// queue holds per-endpoint FIFO sub-queues plus a not-before heap for
// delayed tasks. Runnable endpoints are handed out round robin and an
// endpoint stays checked out until done is called, so at most one task per
// endpoint is in flight.
type queue struct {
	mu      sync.Mutex
	now     func() time.Time
	pending map[string][]delivery.Task
	ready   []string // endpoints with pending work that are not checked out
	queued  map[string]bool
	busy    map[string]bool
	delayed taskHeap
	seq     uint64
	changed chan struct{}
	closed  bool
}

func newQueue(now func() time.Time) *queue {
	return &queue{
		now:     now,
		pending: make(map[string][]delivery.Task),
		queued:  make(map[string]bool),
		busy:    make(map[string]bool),
		changed: make(chan struct{}),
	}
}

// push adds t, delayed until t.NotBefore when that is in the future.
func (q *queue) push(t delivery.Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !t.NotBefore.IsZero() && t.NotBefore.After(q.now()) {
		q.seq++
		heap.Push(&q.delayed, &delayedTask{task: t, seq: q.seq})
	} else {
		q.enqueueLocked(t)
	}
	q.signalLocked()
}

func (q *queue) enqueueLocked(t delivery.Task) {
	q.pending[t.EndpointID] = append(q.pending[t.EndpointID], t)
	q.markReadyLocked(t.EndpointID)
}

func (q *queue) markReadyLocked(endpointID string) {
	if q.busy[endpointID] || q.queued[endpointID] || len(q.pending[endpointID]) == 0 {
		return
	}
	q.queued[endpointID] = true
	q.ready = append(q.ready, endpointID)
}

// promoteLocked moves due delayed tasks onto their sub-queues and returns
// the wait until the next one is due, or -1 when none are delayed.
func (q *queue) promoteLocked() time.Duration {
	now := q.now()
	for q.delayed.Len() > 0 {
		next := q.delayed[0]
		if next.task.NotBefore.After(now) {
			return next.task.NotBefore.Sub(now)
		}
		heap.Pop(&q.delayed)
		q.enqueueLocked(next.task)
	}
	return -1
}

// next blocks until a task is runnable, ctx is done, or the queue is closed.
func (q *queue) next(ctx context.Context) (delivery.Task, bool) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return delivery.Task{}, false
		}
		wait := q.promoteLocked()
		if len(q.ready) > 0 {
			id := q.ready[0]
			q.ready = q.ready[1:]
			q.queued[id] = false
			tasks := q.pending[id]
			t := tasks[0]
			if len(tasks) == 1 {
				delete(q.pending, id)
			} else {
				q.pending[id] = tasks[1:]
			}
			q.busy[id] = true
			q.mu.Unlock()
			return t, true
		}
		changed := q.changed
		q.mu.Unlock()

		if wait >= 0 {
			tm := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				tm.Stop()
				return delivery.Task{}, false
			case <-changed:
				tm.Stop()
			case <-tm.C:
			}
			continue
		}
		select {
		case <-ctx.Done():
			return delivery.Task{}, false
		case <-changed:
		}
	}
}

// done releases the endpoint checked out by next.
func (q *queue) done(endpointID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.busy, endpointID)
	q.markReadyLocked(endpointID)
	q.signalLocked()
}

// cancel removes every queued or delayed task of endpointID and returns them.
func (q *queue) cancel(endpointID string) []delivery.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	dropped := q.pending[endpointID]
	delete(q.pending, endpointID)
	if q.queued[endpointID] {
		delete(q.queued, endpointID)
		for i, id := range q.ready {
			if id == endpointID {
				q.ready = append(q.ready[:i], q.ready[i+1:]...)
				break
			}
		}
	}

	kept := q.delayed[:0]
	for _, d := range q.delayed {
		if d.task.EndpointID == endpointID {
			dropped = append(dropped, d.task)
			continue
		}
		kept = append(kept, d)
	}
	q.delayed = kept
	heap.Init(&q.delayed)
	return dropped
}

// len counts queued and delayed tasks, excluding those in flight.
func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := q.delayed.Len()
	for _, tasks := range q.pending {
		n += len(tasks)
	}
	return n
}

func (q *queue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.signalLocked()
}

func (q *queue) signalLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}

type delayedTask struct {
	task delivery.Task
	seq  uint64
}

// taskHeap orders delayed tasks by not-before time, insertion order on ties.
type taskHeap []*delayedTask

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].task.NotBefore.Equal(h[j].task.NotBefore) {
		return h[i].seq < h[j].seq
	}
	return h[i].task.NotBefore.Before(h[j].task.NotBefore)
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(*delayedTask)) }

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	d := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return d
}
