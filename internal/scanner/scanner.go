// Package scanner walks a run's request queue page by page and resets the
// requests whose execution crashed.
package scanner

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"queue-rebirth/internal/logging"
	"queue-rebirth/internal/models"
	"queue-rebirth/internal/telemetry"
)

// DefaultPageSize is the number of requests listed per page.
const DefaultPageSize = 1000

// QueueClient is the part of the platform API the scanner needs.
type QueueClient interface {
	ListRequests(ctx context.Context, queueID, exclusiveStartID string, limit int) ([]models.WorkItem, error)
	UpdateRequest(ctx context.Context, queueID string, item models.WorkItem) error
}

// PageFetchError means a page could not be listed. The run's scan stops there.
type PageFetchError struct {
	QueueID string
	Cursor  string
	Err     error
}

func (e *PageFetchError) Error() string {
	return fmt.Sprintf("list queue %s after %q: %v", e.QueueID, e.Cursor, e.Err)
}

func (e *PageFetchError) Unwrap() error { return e.Err }

// ItemResetError means one request could not be written back. The item
// stays failed and is found again by the next invocation.
type ItemResetError struct {
	QueueID string
	ItemID  string
	Err     error
}

func (e *ItemResetError) Error() string {
	return fmt.Sprintf("reset request %s in queue %s: %v", e.ItemID, e.QueueID, e.Err)
}

func (e *ItemResetError) Unwrap() error { return e.Err }

// Config tunes page scanning.
type Config struct {
	// PageSize is the listing limit. Default: 1000
	PageSize int

	// ResetConcurrency bounds parallel update calls within a page. Default: 1
	ResetConcurrency int
}

// PageResult summarises one scanned page.
type PageResult struct {
	// NextCursor is the id of the last item in the page; empty when exhausted.
	NextCursor string
	Loaded     int
	Failed     int
	Reset      int

	// Exhausted is true when the page was empty.
	Exhausted bool

	// Complete is true when no further page can hold items: the page was
	// empty or shorter than the page size.
	Complete    bool
	ResetErrors []*ItemResetError
}

// Scanner scans single queue pages. It is safe for concurrent use.
type Scanner struct {
	queues QueueClient
	cfg    Config
	logger *zap.Logger
}

func New(queues QueueClient, cfg Config, logger *zap.Logger) *Scanner {
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.ResetConcurrency <= 0 {
		cfg.ResetConcurrency = 1
	}
	return &Scanner{queues: queues, cfg: cfg, logger: logging.OrNop(logger)}
}

// PageSize returns the listing limit in use.
func (s *Scanner) PageSize() int {
	return s.cfg.PageSize
}

// ScanPage lists the page after cursor and resets every failed item in it.
// Items that are not failed are never written.
func (s *Scanner) ScanPage(ctx context.Context, queueID, cursor, runID string) (PageResult, error) {
	items, err := s.queues.ListRequests(ctx, queueID, cursor, s.cfg.PageSize)
	if err != nil {
		telemetry.PageFetchErrors.Inc()
		return PageResult{}, &PageFetchError{QueueID: queueID, Cursor: cursor, Err: err}
	}
	telemetry.PagesScanned.Inc()
	telemetry.ItemsLoaded.Add(float64(len(items)))

	res := PageResult{Loaded: len(items)}
	if len(items) == 0 {
		res.Exhausted = true
		res.Complete = true
		return res, nil
	}
	res.NextCursor = items[len(items)-1].ID
	res.Complete = len(items) < s.cfg.PageSize

	failed := make([]models.WorkItem, 0)
	for _, item := range items {
		if item.IsFailed() {
			failed = append(failed, item)
		}
	}
	res.Failed = len(failed)

	res.ResetErrors = s.resetAll(ctx, queueID, runID, failed)
	res.Reset = res.Failed - len(res.ResetErrors)
	telemetry.ItemsReset.Add(float64(res.Reset))
	telemetry.ItemResetErrors.Add(float64(len(res.ResetErrors)))
	return res, nil
}

func (s *Scanner) resetAll(ctx context.Context, queueID, runID string, failed []models.WorkItem) []*ItemResetError {
	if len(failed) == 0 {
		return nil
	}

	errs := make([]*ItemResetError, len(failed))
	var g errgroup.Group
	g.SetLimit(s.cfg.ResetConcurrency)
	for i := range failed {
		item := failed[i]
		g.Go(func() error {
			oldRetries := item.RetryCount
			oldHandled := item.HandledAt
			item.Reset()
			if err := s.queues.UpdateRequest(ctx, queueID, item); err != nil {
				errs[i] = &ItemResetError{QueueID: queueID, ItemID: item.ID, Err: err}
				return nil
			}
			s.logger.Debug("Reset request",
				zap.String("run_id", runID),
				zap.String("request_id", item.ID),
				zap.Int("old_retry_count", oldRetries),
				zap.Timep("old_handled_at", oldHandled))
			return nil
		})
	}
	_ = g.Wait()

	out := make([]*ItemResetError, 0)
	for _, e := range errs {
		if e != nil {
			out = append(out, e)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// PageStats is the page's contribution to its run's counters.
func (r PageResult) PageStats() models.RunStats {
	return models.RunStats{Loaded: r.Loaded, Reset: r.Reset}
}
