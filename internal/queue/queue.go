// Package queue holds the pending tasks of a scheduler run.
package queue

import (
	"context"

	"queue-rebirth/internal/models"
)

// TaskQueue is the pending set of a scheduler run.
//
// Enqueue reports false when a task with the same dedup key was already
// accepted during the queue's lifetime; such a task is dropped. Dequeue
// returns ok=false when nothing is ready. Ack settles a dequeued task.
type TaskQueue interface {
	Enqueue(ctx context.Context, task models.Task) (bool, error)
	Dequeue(ctx context.Context) (models.Task, bool, error)
	Ack(ctx context.Context, task models.Task) error
	Len(ctx context.Context) (int64, error)
}
