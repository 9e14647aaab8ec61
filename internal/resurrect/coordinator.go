// Package resurrect restarts finished runs whose queues received resets and
// waits for each of them to reach a terminal status.
package resurrect

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"queue-rebirth/internal/logging"
	"queue-rebirth/internal/models"
	"queue-rebirth/internal/queue"
	"queue-rebirth/internal/scheduler"
	"queue-rebirth/internal/telemetry"
)

// RunController is the part of the run service the coordinator drives.
type RunController interface {
	GetRun(ctx context.Context, runID string) (models.Run, error)
	ResurrectRun(ctx context.Context, runID, build string) (models.Run, error)
	WaitForFinish(ctx context.Context, runID string, poll time.Duration) (models.Run, error)
}

// Step names used in ResurrectionError.
const (
	StepGet       = "get"
	StepResurrect = "resurrect"
	StepWait      = "wait"
)

// ResurrectionError reports a run that could not be restarted or awaited.
type ResurrectionError struct {
	RunID string
	Step  string
	Err   error
}

func (e *ResurrectionError) Error() string {
	return fmt.Sprintf("resurrect run %s: %s: %v", e.RunID, e.Step, e.Err)
}

func (e *ResurrectionError) Unwrap() error { return e.Err }

// Result is the outcome for one run.
type Result struct {
	// Status is the terminal status observed, empty when the wait failed.
	Status string `json:"status,omitempty"`

	// Resurrected is false when the run was already active and only awaited.
	Resurrected bool  `json:"resurrected"`
	Err         error `json:"-"`
}

// Config tunes a resurrection pass.
type Config struct {
	// Concurrency bounds how many runs are restarted and awaited at once. Default: 1
	Concurrency int

	// Build pins resurrected runs to a named build. Empty keeps the run's own build.
	Build string

	// SettleDelay is slept between the resurrect call and the first status poll.
	SettleDelay time.Duration

	// PollWait is the long-poll window of each wait-for-finish request.
	PollWait time.Duration

	// OnResult, when set, is called once per run as soon as its outcome is known.
	OnResult func(runID string, res Result)
}

// Coordinator runs the resurrection phase on its own scheduler.
type Coordinator struct {
	runs   RunController
	cfg    Config
	queue  queue.TaskQueue
	logger *zap.Logger

	mu      sync.Mutex
	results map[string]Result
}

// New builds a coordinator. A nil q uses an in-memory queue.
func New(runs RunController, cfg Config, q queue.TaskQueue, logger *zap.Logger) *Coordinator {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	}
	if q == nil {
		q = queue.NewMemoryQueue()
	}
	return &Coordinator{
		runs:    runs,
		cfg:     cfg,
		queue:   q,
		logger:  logging.OrNop(logger),
		results: make(map[string]Result),
	}
}

// Resurrect restarts every listed run that is not already active and blocks
// until each reaches a terminal status. Per-run failures are reported in the
// returned map; the error is non-nil only when the pass itself was cut short.
func (c *Coordinator) Resurrect(ctx context.Context, runIDs []string) (map[string]Result, *scheduler.Summary, error) {
	sched := scheduler.New(scheduler.Config{Concurrency: c.cfg.Concurrency}, c.queue, c.logger)
	sched.RegisterHandler(models.KindResurrectRun, c.handle)

	seeds := make([]models.Task, 0, len(runIDs))
	for _, id := range runIDs {
		seeds = append(seeds, models.ResurrectRunTask(id))
	}

	c.logger.Info("Resurrecting runs",
		zap.Int("runs", len(seeds)),
		zap.Int("concurrency", c.cfg.Concurrency),
		zap.String("build", c.cfg.Build))

	sum, err := sched.Run(ctx, seeds)

	c.mu.Lock()
	out := make(map[string]Result, len(c.results))
	for id, res := range c.results {
		out[id] = res
	}
	c.mu.Unlock()
	return out, sum, err
}

func (c *Coordinator) handle(ctx context.Context, task models.Task) ([]models.Task, error) {
	res := c.resurrectOne(ctx, task.RunID)
	c.record(task.RunID, res)
	return nil, res.Err
}

func (c *Coordinator) resurrectOne(ctx context.Context, runID string) Result {
	run, err := c.runs.GetRun(ctx, runID)
	if err != nil {
		return Result{Err: &ResurrectionError{RunID: runID, Step: StepGet, Err: err}}
	}

	var res Result
	if models.IsActive(run.Status) {
		c.logger.Info("Run already active, waiting for it",
			zap.String("run_id", runID),
			zap.String("status", run.Status))
	} else {
		if _, err := c.runs.ResurrectRun(ctx, runID, c.cfg.Build); err != nil {
			return Result{Err: &ResurrectionError{RunID: runID, Step: StepResurrect, Err: err}}
		}
		res.Resurrected = true
		telemetry.RunsResurrected.Inc()
		c.logger.Info("Resurrected run",
			zap.String("run_id", runID),
			zap.String("previous_status", run.Status))

		if err := sleep(ctx, c.cfg.SettleDelay); err != nil {
			res.Err = &ResurrectionError{RunID: runID, Step: StepWait, Err: err}
			return res
		}
	}

	finished, err := c.runs.WaitForFinish(ctx, runID, c.cfg.PollWait)
	if err != nil {
		res.Err = &ResurrectionError{RunID: runID, Step: StepWait, Err: err}
		return res
	}
	res.Status = finished.Status
	telemetry.RunsFinished.WithLabelValues(finished.Status).Inc()
	c.logger.Info("Run finished",
		zap.String("run_id", runID),
		zap.String("status", finished.Status))
	return res
}

func (c *Coordinator) record(runID string, res Result) {
	c.mu.Lock()
	c.results[runID] = res
	c.mu.Unlock()
	if c.cfg.OnResult != nil {
		c.cfg.OnResult(runID, res)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
