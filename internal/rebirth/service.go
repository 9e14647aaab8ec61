// Package rebirth runs the two-phase pass of an invocation: scan the queues
// of the selected runs and reset crashed requests, then optionally resurrect
// the runs that received resets and wait for them to finish.
package rebirth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"queue-rebirth/internal/config"
	"queue-rebirth/internal/events"
	"queue-rebirth/internal/logging"
	"queue-rebirth/internal/models"
	"queue-rebirth/internal/queue"
	"queue-rebirth/internal/resolver"
	"queue-rebirth/internal/resurrect"
	"queue-rebirth/internal/scanner"
	"queue-rebirth/internal/scheduler"
	"queue-rebirth/internal/stats"
)

// Phases reported by Service.Phase.
const (
	PhaseIdle      = "idle"
	PhaseResolve   = "resolve"
	PhaseScan      = "scan"
	PhaseResurrect = "resurrect"
	PhaseDone      = "done"
)

// ErrNoQueue is returned for a run without a default request queue.
var ErrNoQueue = errors.New("run has no request queue")

// Platform is everything the pass needs from the remote services.
type Platform interface {
	resolver.RunLister
	scanner.QueueClient
	resurrect.RunController
}

// recoverable is implemented by task queues that survive a crash.
type recoverable interface {
	Recover(ctx context.Context) ([]models.Task, error)
}

// purgeable queues keep their seen set across invocations until purged.
type purgeable interface {
	Purge(ctx context.Context) error
}

// Options wires a Service. Platform and Stats are required.
type Options struct {
	Config   config.Config
	Input    config.Input
	Platform Platform
	Stats    *stats.Store

	// ScanQueue and ResurrectQueue default to in-memory queues.
	ScanQueue      queue.TaskQueue
	ResurrectQueue queue.TaskQueue

	// Resume loads the last checkpoint before scanning. It only makes sense
	// when both queues and the stats store are durable and shared with the
	// interrupted invocation.
	Resume bool

	Events events.Publisher
	Logger *zap.Logger
}

// Report summarises an invocation.
type Report struct {
	StateID          string                      `json:"state_id"`
	RunIDs           []string                    `json:"run_ids"`
	Stats            map[string]models.RunStats  `json:"stats"`
	Totals           models.RunStats             `json:"totals"`
	Scan             *scheduler.Summary          `json:"-"`
	Resurrections    map[string]resurrect.Result `json:"resurrections,omitempty"`
	ResurrectSummary *scheduler.Summary          `json:"-"`
	Duration         time.Duration               `json:"duration"`
}

// Service runs one invocation. It is single use.
type Service struct {
	cfg      config.Config
	input    config.Input
	platform Platform
	stats    *stats.Store
	scanQ    queue.TaskQueue
	resQ     queue.TaskQueue
	resume   bool
	events   events.Publisher
	logger   *zap.Logger

	resolver *resolver.Resolver
	scanner  *scanner.Scanner

	phase    atomic.Value
	failedMu sync.Mutex
	failed   map[string]int
}

func New(opts Options) (*Service, error) {
	if opts.Platform == nil {
		return nil, errors.New("rebirth: platform is required")
	}
	if opts.Stats == nil {
		return nil, errors.New("rebirth: stats store is required")
	}
	if opts.ScanQueue == nil {
		opts.ScanQueue = queue.NewMemoryQueue()
	}
	if opts.ResurrectQueue == nil {
		opts.ResurrectQueue = queue.NewMemoryQueue()
	}
	if opts.Events == nil {
		opts.Events = events.Nop{}
	}
	logger := logging.OrNop(opts.Logger)
	pages := scanner.New(opts.Platform, scanner.Config{
		PageSize:         opts.Config.Scan.PageSize,
		ResetConcurrency: opts.Config.Scan.ResetConcurrency,
	}, logger)

	s := &Service{
		cfg:      opts.Config,
		input:    opts.Input,
		platform: opts.Platform,
		stats:    opts.Stats,
		scanQ:    opts.ScanQueue,
		resQ:     opts.ResurrectQueue,
		resume:   opts.Resume,
		events:   opts.Events,
		logger:   logger,
		resolver: resolver.New(opts.Platform, opts.Config.Scan.RunListPageSize, logger),
		scanner:  pages,
		failed:   make(map[string]int),
	}
	s.phase.Store(PhaseIdle)
	return s, nil
}

// Phase reports which part of the pass is running.
func (s *Service) Phase() string {
	return s.phase.Load().(string)
}

// Run executes the pass. Only an unresolvable actorOrTaskId, a task queue
// failure or cancellation produce an error; per-run failures are logged and
// reflected in the report.
func (s *Service) Run(ctx context.Context) (*Report, error) {
	start := time.Now()
	report := &Report{StateID: s.cfg.State.ID}

	s.phase.Store(PhaseResolve)
	runIDs, err := s.runIDs(ctx)
	if err != nil {
		return nil, err
	}
	report.RunIDs = runIDs
	s.logger.Info("Runs selected", zap.Int("runs", len(runIDs)), zap.Strings("run_ids", runIDs))

	if s.resume {
		if err := s.stats.Load(ctx); err != nil {
			return nil, err
		}
	}

	persistCtx, stopPersist := context.WithCancel(context.Background())
	persistDone := make(chan struct{})
	persister, err := stats.NewPersister(s.stats, s.cfg.State.PersistSchedule, s.logger)
	if err != nil {
		stopPersist()
		return nil, err
	}
	go func() {
		defer close(persistDone)
		_ = persister.Run(persistCtx)
	}()
	defer func() {
		stopPersist()
		<-persistDone
	}()

	s.phase.Store(PhaseScan)
	scanSum, err := s.scan(ctx, runIDs)
	report.Scan = scanSum
	if err != nil {
		s.fillStats(report, start)
		return report, err
	}

	if withResets := s.stats.RunsWithResets(); s.input.ResurrectRuns && len(withResets) > 0 {
		s.phase.Store(PhaseResurrect)
		results, sum, err := s.resurrect(ctx, withResets)
		report.Resurrections = results
		report.ResurrectSummary = sum
		if err != nil {
			s.fillStats(report, start)
			return report, err
		}
	} else if s.input.ResurrectRuns {
		s.logger.Info("No run received resets, skipping resurrection")
	}

	s.phase.Store(PhaseDone)
	s.purgeQueues(ctx)
	s.fillStats(report, start)
	totals := report.Totals
	s.publish(ctx, events.Event{Type: events.TypeFinished, Totals: &totals, Runs: len(runIDs)})
	s.logger.Info("Rebirth finished",
		zap.Int("runs", len(runIDs)),
		zap.Int("loaded", totals.Loaded),
		zap.Int("reset", totals.Reset),
		zap.Duration("duration", report.Duration))
	return report, nil
}

// purgeQueues clears durable queue state once a pass completed, so the next
// invocation with the same state id scans again instead of deduplicating every
// seed. Purge failures are logged, not returned.
func (s *Service) purgeQueues(ctx context.Context) {
	for name, q := range map[string]queue.TaskQueue{"scan": s.scanQ, "resurrect": s.resQ} {
		pq, ok := q.(purgeable)
		if !ok {
			continue
		}
		if err := pq.Purge(ctx); err != nil {
			s.logger.Warn("Purge task queue failed", zap.String("queue", name), zap.Error(err))
		}
	}
}

func (s *Service) fillStats(r *Report, start time.Time) {
	r.Stats = s.stats.Snapshot()
	r.Totals = s.stats.Totals()
	r.Duration = time.Since(start)
}

// runIDs merges the explicit run ids with those resolved from actorOrTaskId,
// dropping duplicates and keeping first-seen order.
func (s *Service) runIDs(ctx context.Context) ([]string, error) {
	ids := append([]string(nil), s.input.RunIDs...)
	if s.input.ActorOrTaskID != "" {
		resolved, err := s.resolver.ResolveIDs(ctx, s.input.ActorOrTaskID, s.input.DateFrom, s.input.DateTo)
		if err != nil {
			return nil, err
		}
		ids = append(ids, resolved...)
	}

	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out, nil
}

// recoverQueue requeues the tasks an interrupted invocation left in flight.
func (s *Service) recoverQueue(ctx context.Context, name string, q queue.TaskQueue) error {
	rq, ok := q.(recoverable)
	if !ok {
		return nil
	}
	recovered, err := rq.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover %s queue: %w", name, err)
	}
	if len(recovered) > 0 {
		s.logger.Info("Recovered unfinished tasks", zap.String("queue", name), zap.Int("tasks", len(recovered)))
	}
	return nil
}

func (s *Service) scan(ctx context.Context, runIDs []string) (*scheduler.Summary, error) {
	if err := s.recoverQueue(ctx, "scan", s.scanQ); err != nil {
		return nil, err
	}

	sched := scheduler.New(scheduler.Config{
		Concurrency: s.cfg.Scan.Concurrency,
		TaskTimeout: s.cfg.Scan.TaskTimeout,
	}, s.scanQ, s.logger)
	sched.RegisterHandler(models.KindResolveRun, s.handleResolveRun)
	sched.RegisterHandler(models.KindScanQueuePage, s.handleScanPage)

	seeds := make([]models.Task, 0, len(runIDs))
	for _, id := range runIDs {
		seeds = append(seeds, models.ResolveRunTask(id))
	}
	sum, err := sched.Run(ctx, seeds)
	if sum != nil {
		s.logger.Info("Scan phase finished",
			zap.Int64("tasks", sum.Executed),
			zap.Int64("failed", sum.Failed),
			zap.Int64("duplicates", sum.Duplicates),
			zap.Duration("duration", sum.Duration))
	}
	return sum, err
}

func (s *Service) handleResolveRun(ctx context.Context, task models.Task) ([]models.Task, error) {
	run, err := s.platform.GetRun(ctx, task.RunID)
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", task.RunID, err)
	}
	if run.DefaultRequestQueueID == "" {
		return nil, fmt.Errorf("run %s: %w", task.RunID, ErrNoQueue)
	}
	s.logger.Debug("Scanning run",
		zap.String("run_id", run.ID),
		zap.String("queue_id", run.DefaultRequestQueueID),
		zap.String("status", run.Status),
		zap.Int("page_size", s.scanner.PageSize()))
	return []models.Task{models.ScanPageTask(task.RunID, run.DefaultRequestQueueID, "", 1)}, nil
}

func (s *Service) handleScanPage(ctx context.Context, task models.Task) ([]models.Task, error) {
	res, err := s.scanner.ScanPage(ctx, task.QueueID, task.Cursor, task.RunID)
	if err != nil {
		return nil, err
	}

	// The run's stats entry is created by its first processed page.
	page := res.PageStats()
	totals := s.stats.Add(task.RunID, page.Loaded, page.Reset)
	failedSoFar := s.addFailed(task.RunID, res.Failed)
	s.logger.Info("Scanned page",
		zap.String("run_id", task.RunID),
		zap.Int("page", task.Page),
		zap.Int("loaded", res.Loaded),
		zap.Int("failed", res.Failed),
		zap.Int("reset", res.Reset),
		zap.String("run_failed", fmt.Sprintf("%d/%d", failedSoFar, totals.Loaded)))
	s.publish(ctx, events.Event{
		Type:      events.TypePage,
		RunID:     task.RunID,
		Page:      task.Page,
		Loaded:    res.Loaded,
		Failed:    res.Failed,
		Reset:     res.Reset,
		RunTotals: &totals,
	})

	var follow []models.Task
	if !res.Complete {
		follow = append(follow, models.ScanPageTask(task.RunID, task.QueueID, res.NextCursor, task.Page+1))
	}

	if len(res.ResetErrors) == 0 {
		return follow, nil
	}
	errs := make([]error, 0, len(res.ResetErrors))
	for _, e := range res.ResetErrors {
		errs = append(errs, e)
	}
	return follow, errors.Join(errs...)
}

func (s *Service) addFailed(runID string, n int) int {
	s.failedMu.Lock()
	defer s.failedMu.Unlock()
	s.failed[runID] += n
	return s.failed[runID]
}

func (s *Service) resurrect(ctx context.Context, runIDs []string) (map[string]resurrect.Result, *scheduler.Summary, error) {
	if err := s.recoverQueue(ctx, "resurrect", s.resQ); err != nil {
		return nil, nil, err
	}
	coord := resurrect.New(s.platform, resurrect.Config{
		Concurrency: s.input.ResurrectRunsConcurrency,
		Build:       s.input.ResurrectBuildName,
		SettleDelay: s.cfg.Resurrect.SettleDelay,
		PollWait:    s.cfg.Resurrect.PollWait,
		OnResult: func(runID string, res resurrect.Result) {
			ev := events.Event{
				Type:        events.TypeResurrect,
				RunID:       runID,
				Status:      res.Status,
				Resurrected: res.Resurrected,
			}
			if res.Err != nil {
				ev.Error = res.Err.Error()
			}
			s.publish(ctx, ev)
		},
	}, s.resQ, s.logger)
	return coord.Resurrect(ctx, runIDs)
}

func (s *Service) publish(ctx context.Context, ev events.Event) {
	ev.StateID = s.cfg.State.ID
	if err := s.events.Publish(ctx, ev); err != nil {
		s.logger.Warn("Publish event failed", zap.String("type", ev.Type), zap.Error(err))
	}
}
