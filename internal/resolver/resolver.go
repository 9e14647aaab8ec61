// Package resolver turns an actor or task id into the ids of its runs,
// optionally restricted to a start date window.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"queue-rebirth/internal/logging"
	"queue-rebirth/internal/models"
	"queue-rebirth/internal/platform"
)

// DefaultPageSize is the number of runs requested per list call.
const DefaultPageSize = 1000

// ErrNotFound indicates the id names neither an actor nor a task.
var ErrNotFound = errors.New("no actor or task with this id")

// ResolutionError reports why an id could not be resolved into runs.
type ResolutionError struct {
	ID  string
	Err error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("cannot resolve runs for %q: %v", e.ID, e.Err)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}

// RunLister is the part of the platform API the resolver needs.
type RunLister interface {
	ActorExists(ctx context.Context, id string) (bool, error)
	TaskExists(ctx context.Context, id string) (bool, error)
	ListRuns(ctx context.Context, ns models.Namespace, id string, opts platform.ListRunsOptions) ([]models.Run, error)
}

// Resolver lists the runs of an actor or task.
type Resolver struct {
	runs     RunLister
	pageSize int
	logger   *zap.Logger
}

func New(runs RunLister, pageSize int, logger *zap.Logger) *Resolver {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Resolver{runs: runs, pageSize: pageSize, logger: logging.OrNop(logger)}
}

// Resolve returns the runs of id that started within [dateFrom, dateTo],
// newest first. Empty bounds are open.
func (r *Resolver) Resolve(ctx context.Context, id, dateFrom, dateTo string) ([]models.Run, error) {
	from, err := ParseDate(dateFrom)
	if err != nil {
		return nil, &ResolutionError{ID: id, Err: fmt.Errorf("dateFrom: %w", err)}
	}
	to, err := ParseDate(dateTo)
	if err != nil {
		return nil, &ResolutionError{ID: id, Err: fmt.Errorf("dateTo: %w", err)}
	}

	ns, err := r.namespace(ctx, id)
	if err != nil {
		return nil, &ResolutionError{ID: id, Err: err}
	}

	all, err := r.listAll(ctx, ns, id, from)
	if err != nil {
		return nil, &ResolutionError{ID: id, Err: err}
	}

	r.logger.Info("Filtering runs by start date",
		zap.String("id", id),
		zap.Timep("from", from),
		zap.Timep("to", to))
	filtered := FilterByDate(all, from, to)
	r.logger.Info("Runs that fit into dates",
		zap.Int("total_loaded", len(all)),
		zap.Int("matching", len(filtered)))
	return filtered, nil
}

// ResolveIDs is Resolve returning only run ids.
func (r *Resolver) ResolveIDs(ctx context.Context, id, dateFrom, dateTo string) ([]string, error) {
	runs, err := r.Resolve(ctx, id, dateFrom, dateTo)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(runs))
	for _, run := range runs {
		ids = append(ids, run.ID)
	}
	return ids, nil
}

func (r *Resolver) namespace(ctx context.Context, id string) (models.Namespace, error) {
	ok, err := r.runs.ActorExists(ctx, id)
	if err != nil {
		return "", fmt.Errorf("look up actor: %w", err)
	}
	if ok {
		r.logger.Info("Provided id is an actor, will scan its runs", zap.String("id", id))
		return models.NamespaceActor, nil
	}

	ok, err = r.runs.TaskExists(ctx, id)
	if err != nil {
		return "", fmt.Errorf("look up task: %w", err)
	}
	if ok {
		r.logger.Info("Provided id is a task, will scan its runs", zap.String("id", id))
		return models.NamespaceTask, nil
	}
	return "", ErrNotFound
}

// listAll pages newest-first. Once a page ends before from, every later page
// is older still and is skipped.
func (r *Resolver) listAll(ctx context.Context, ns models.Namespace, id string, from *time.Time) ([]models.Run, error) {
	var all []models.Run
	for offset := 0; ; offset += r.pageSize {
		items, err := r.runs.ListRuns(ctx, ns, id, platform.ListRunsOptions{Offset: offset, Limit: r.pageSize, Desc: true})
		if err != nil {
			return nil, fmt.Errorf("list runs at offset %d: %w", offset, err)
		}
		all = append(all, items...)

		stop := len(items) < r.pageSize ||
			(from != nil && items[len(items)-1].StartedAt.Before(*from))
		r.logger.Info("Loaded runs",
			zap.Int("count", len(items)),
			zap.Int("offset", offset),
			zap.Bool("finished", stop))
		if stop {
			break
		}
	}
	return all, nil
}

// FilterByDate keeps runs with from <= startedAt <= to. A nil bound is open.
func FilterByDate(runs []models.Run, from, to *time.Time) []models.Run {
	out := make([]models.Run, 0, len(runs))
	for _, run := range runs {
		if from != nil && run.StartedAt.Before(*from) {
			continue
		}
		if to != nil && run.StartedAt.After(*to) {
			continue
		}
		out = append(out, run)
	}
	return out
}

// ParseDate accepts YYYY-MM-DD (midnight UTC) or RFC 3339. Empty input
// returns nil.
func ParseDate(s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return &t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, fmt.Errorf("invalid date %q: want YYYY-MM-DD or RFC 3339", s)
	}
	return &t, nil
}
