// Package queue implements the work-order admission half of C8, per
// spec.md §4.8: a FIFO queue capped at maxQueueSize, gated into a running
// set capped at maxConcurrent via a semaphore.
package queue

import (
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Queue is a FIFO admission queue with a bounded concurrent-running set.
type Queue struct {
	mu            sync.Mutex
	waiting       []string
	running       map[string]struct{}
	maxQueueSize  int
	maxConcurrent int64
	sem           *semaphore.Weighted

	readyCh chan string
}

// New builds a Queue. maxQueueSize <= 0 means unbounded.
func New(maxQueueSize int, maxConcurrent int64) *Queue {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Queue{
		running:       make(map[string]struct{}),
		maxQueueSize:  maxQueueSize,
		maxConcurrent: maxConcurrent,
		sem:           semaphore.NewWeighted(maxConcurrent),
		readyCh:       make(chan string, 64),
	}
}

// Ready returns the channel that receives a work-order id whenever a
// running slot frees and a waiting id can take it, per spec.md §4.8.
func (q *Queue) Ready() <-chan string { return q.readyCh }

// Enqueue appends id to the waiting list, per spec.md §4.8's FIFO order.
func (q *Queue) Enqueue(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.maxQueueSize > 0 && len(q.waiting)+len(q.running) >= q.maxQueueSize {
		return fmt.Errorf("queue is full (maxQueueSize=%d)", q.maxQueueSize)
	}
	q.waiting = append(q.waiting, id)
	return nil
}

// MarkStarted moves id from queued to running when capacity allows, per
// spec.md §4.8. It does not block: if maxConcurrent is already saturated
// it returns an error, leaving id queued for a future Ready() signal.
func (q *Queue) MarkStarted(id string) error {
	if !q.sem.TryAcquire(1) {
		return fmt.Errorf("no capacity available for %s (maxConcurrent reached)", id)
	}

	q.mu.Lock()
	idx := indexOf(q.waiting, id)
	if idx < 0 {
		q.mu.Unlock()
		q.sem.Release(1)
		return fmt.Errorf("work order %s is not queued", id)
	}
	q.waiting = append(q.waiting[:idx], q.waiting[idx+1:]...)
	q.running[id] = struct{}{}
	q.mu.Unlock()
	return nil
}

// Complete releases id's running slot and signals the next waiting id, if
// any, via Ready().
func (q *Queue) Complete(id string) {
	q.mu.Lock()
	if _, ok := q.running[id]; !ok {
		q.mu.Unlock()
		return
	}
	delete(q.running, id)
	next := ""
	if len(q.waiting) > 0 {
		next = q.waiting[0]
	}
	q.mu.Unlock()

	q.sem.Release(1)

	if next != "" {
		select {
		case q.readyCh <- next:
		default:
		}
	}
}

// ForceCancelResult reports where id was removed from, per spec.md §4.8.
type ForceCancelResult struct {
	FromQueue   bool
	FromRunning bool
}

// ForceCancel removes id from the queue (waiting or running), releasing
// its running slot if it held one.
func (q *Queue) ForceCancel(id string) ForceCancelResult {
	q.mu.Lock()
	var result ForceCancelResult
	if idx := indexOf(q.waiting, id); idx >= 0 {
		q.waiting = append(q.waiting[:idx], q.waiting[idx+1:]...)
		result.FromQueue = true
	}
	if _, ok := q.running[id]; ok {
		delete(q.running, id)
		result.FromRunning = true
	}
	q.mu.Unlock()

	if result.FromRunning {
		q.sem.Release(1)
	}
	return result
}

// Waiting returns a snapshot of the current FIFO waiting list.
func (q *Queue) Waiting() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, len(q.waiting))
	copy(out, q.waiting)
	return out
}

// Running returns a snapshot of the currently running set.
func (q *Queue) Running() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, 0, len(q.running))
	for id := range q.running {
		out = append(out, id)
	}
	return out
}

func indexOf(list []string, id string) int {
	for i, v := range list {
		if v == id {
			return i
		}
	}
	return -1
}
