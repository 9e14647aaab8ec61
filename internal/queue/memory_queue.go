package queue

import (
	"context"
	"sync"

	"queue-rebirth/internal/models"
)

// MemoryQueue is a FIFO TaskQueue that lives for one process.
type MemoryQueue struct {
	mu       sync.Mutex
	ready    []models.Task
	seen     map[string]struct{}
	inflight map[string]struct{}
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		seen:     make(map[string]struct{}),
		inflight: make(map[string]struct{}),
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, task models.Task) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	key := task.DedupKey()
	if _, ok := q.seen[key]; ok {
		return false, nil
	}
	q.seen[key] = struct{}{}
	q.ready = append(q.ready, task)
	return true, nil
}

func (q *MemoryQueue) Dequeue(_ context.Context) (models.Task, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.ready) == 0 {
		return models.Task{}, false, nil
	}
	task := q.ready[0]
	q.ready[0] = models.Task{}
	q.ready = q.ready[1:]
	q.inflight[task.DedupKey()] = struct{}{}
	return task, true, nil
}

func (q *MemoryQueue) Ack(_ context.Context, task models.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, task.DedupKey())
	return nil
}

func (q *MemoryQueue) Len(_ context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.ready)), nil
}

// InFlight returns how many dequeued tasks are not yet acked.
func (q *MemoryQueue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inflight)
}
