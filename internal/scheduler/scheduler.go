// Package scheduler runs a dynamically growing set of tasks on a bounded
// worker pool.
//
// Handlers may return follow-up tasks, so the total amount of work is only
// known once the run is over. A run ends when the pending queue is empty and
// no task is in flight; both are checked under one lock, and a task's
// follow-ups are enqueued before it stops counting as in flight.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"queue-rebirth/internal/logging"
	"queue-rebirth/internal/models"
	"queue-rebirth/internal/queue"
	"queue-rebirth/internal/telemetry"
)

// Handler executes one task and returns the tasks it discovered.
type Handler func(ctx context.Context, task models.Task) ([]models.Task, error)

// Config bounds a scheduler run.
type Config struct {
	// Concurrency is the number of workers. Default: 1
	Concurrency int

	// TaskTimeout limits a single handler call. Zero means no limit.
	TaskTimeout time.Duration
}

// TaskFailure records a task whose handler returned an error.
type TaskFailure struct {
	Task models.Task
	Err  error
}

// Summary describes a finished run.
type Summary struct {
	Executed   int64
	Failed     int64
	Duplicates int64
	Duration   time.Duration
	Failures   []TaskFailure
}

// Scheduler drives tasks from a TaskQueue through registered handlers.
//
// A Scheduler is single use: create a new one for each run.
type Scheduler struct {
	cfg      Config
	queue    queue.TaskQueue
	handlers map[models.TaskKind]Handler
	logger   *zap.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	inflight int
	done     bool
	fatal    error
	failures []TaskFailure

	executed   atomic.Int64
	failed     atomic.Int64
	duplicates atomic.Int64
}

func New(cfg Config, q queue.TaskQueue, logger *zap.Logger) *Scheduler {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	s := &Scheduler{
		cfg:      cfg,
		queue:    q,
		handlers: make(map[models.TaskKind]Handler),
		logger:   logging.OrNop(logger),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// RegisterHandler binds a handler to a task kind.
func (s *Scheduler) RegisterHandler(kind models.TaskKind, handler Handler) {
	if kind == "" || handler == nil {
		return
	}
	s.handlers[kind] = handler
}

// Run enqueues the seeds and blocks until every reachable task has been
// handled, ctx is cancelled, or the queue itself fails.
//
// Handler errors never end the run; they are logged and listed in the
// summary. The returned error is non-nil only for queue failures and
// cancellation, in which case the summary is partial.
func (s *Scheduler) Run(ctx context.Context, seeds []models.Task) (*Summary, error) {
	start := time.Now()

	for _, task := range seeds {
		if err := s.enqueue(ctx, task); err != nil {
			return s.summary(start), err
		}
	}

	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer stop()

	var wg sync.WaitGroup
	for i := 0; i < s.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.work(ctx)
		}()
	}
	wg.Wait()

	sum := s.summary(start)
	if s.fatal != nil {
		return sum, s.fatal
	}
	if err := ctx.Err(); err != nil {
		return sum, err
	}
	return sum, nil
}

func (s *Scheduler) summary(start time.Time) *Summary {
	s.mu.Lock()
	failures := append([]TaskFailure(nil), s.failures...)
	s.mu.Unlock()
	return &Summary{
		Executed:   s.executed.Load(),
		Failed:     s.failed.Load(),
		Duplicates: s.duplicates.Load(),
		Duration:   time.Since(start),
		Failures:   failures,
	}
}

func (s *Scheduler) enqueue(ctx context.Context, task models.Task) error {
	added, err := s.queue.Enqueue(ctx, task)
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", task.DedupKey(), err)
	}
	if !added {
		s.duplicates.Add(1)
		telemetry.TasksDeduped.Inc()
		s.logger.Debug("Skipping duplicate task", zap.String("dedup_key", task.DedupKey()))
	}
	return nil
}

func (s *Scheduler) work(ctx context.Context) {
	for {
		task, ok := s.next(ctx)
		if !ok {
			return
		}
		follow := s.execute(ctx, task)

		var enqueueErr error
		for _, f := range follow {
			if err := s.enqueue(ctx, f); err != nil {
				enqueueErr = err
				break
			}
		}
		ackErr := s.queue.Ack(ctx, task)

		s.mu.Lock()
		s.inflight--
		telemetry.InFlightGauge.Dec()
		if enqueueErr != nil {
			s.abort(enqueueErr)
		} else if ackErr != nil && ctx.Err() == nil {
			s.abort(fmt.Errorf("ack %s: %w", task.DedupKey(), ackErr))
		}
		s.cond.Broadcast()
		s.mu.Unlock()
	}
}

// next blocks until a task is available or the run is over.
func (s *Scheduler) next(ctx context.Context) (models.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if s.done || ctx.Err() != nil {
			return models.Task{}, false
		}
		task, ok, err := s.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.abort(fmt.Errorf("dequeue: %w", err))
			}
			return models.Task{}, false
		}
		if ok {
			s.inflight++
			telemetry.InFlightGauge.Inc()
			return task, true
		}
		if s.inflight == 0 {
			s.done = true
			s.cond.Broadcast()
			return models.Task{}, false
		}
		s.cond.Wait()
	}
}

// abort stops the run. Callers hold s.mu.
func (s *Scheduler) abort(err error) {
	if s.fatal == nil {
		s.fatal = err
	}
	s.done = true
	s.cond.Broadcast()
}

func (s *Scheduler) execute(ctx context.Context, task models.Task) []models.Task {
	s.executed.Add(1)
	telemetry.TasksExecuted.WithLabelValues(string(task.Kind)).Inc()

	follow, err := s.call(ctx, task)
	if err == nil {
		return follow
	}

	s.failed.Add(1)
	telemetry.TaskFailures.WithLabelValues(string(task.Kind)).Inc()
	s.mu.Lock()
	s.failures = append(s.failures, TaskFailure{Task: task, Err: err})
	s.mu.Unlock()
	s.logger.Warn("Task failed",
		zap.String("task_kind", string(task.Kind)),
		zap.String("dedup_key", task.DedupKey()),
		zap.String("run_id", task.RunID),
		zap.Error(err))
	// Follow-ups returned alongside an error are still honoured.
	return follow
}

func (s *Scheduler) call(ctx context.Context, task models.Task) (follow []models.Task, err error) {
	handler, ok := s.handlers[task.Kind]
	if !ok {
		return nil, fmt.Errorf("no handler registered for kind %q", task.Kind)
	}

	taskCtx := ctx
	if s.cfg.TaskTimeout > 0 {
		var cancel context.CancelFunc
		taskCtx, cancel = context.WithTimeout(ctx, s.cfg.TaskTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			follow = nil
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(taskCtx, task)
}

// IsCancelled reports whether err ended a run by cancellation rather than failure.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
