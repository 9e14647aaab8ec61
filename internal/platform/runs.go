package platform

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"queue-rebirth/internal/models"
)

// ListRunsOptions pages through the runs of an actor or task.
type ListRunsOptions struct {
	Offset int
	Limit  int
	Desc   bool
}

// ActorExists reports whether id names an actor.
func (c *Client) ActorExists(ctx context.Context, id string) (bool, error) {
	return c.exists(ctx, "/v2/acts/"+escape(id))
}

// TaskExists reports whether id names an actor task.
func (c *Client) TaskExists(ctx context.Context, id string) (bool, error) {
	return c.exists(ctx, "/v2/actor-tasks/"+escape(id))
}

func (c *Client) exists(ctx context.Context, path string) (bool, error) {
	_, err := c.do(ctx, http.MethodGet, path, nil, nil)
	if err == nil {
		return true, nil
	}
	if IsNotFound(err) {
		return false, nil
	}
	return false, err
}

// ListRuns returns one page of runs for the actor or task id.
func (c *Client) ListRuns(ctx context.Context, ns models.Namespace, id string, opts ListRunsOptions) ([]models.Run, error) {
	var path string
	switch ns {
	case models.NamespaceActor:
		path = "/v2/acts/" + escape(id) + "/runs"
	case models.NamespaceTask:
		path = "/v2/actor-tasks/" + escape(id) + "/runs"
	default:
		return nil, fmt.Errorf("unknown namespace %q", ns)
	}

	q := url.Values{}
	q.Set("offset", strconv.Itoa(opts.Offset))
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Desc {
		q.Set("desc", "1")
	}

	body, err := c.do(ctx, http.MethodGet, path, q, nil)
	if err != nil {
		return nil, err
	}
	var page listPage[models.Run]
	if err := decodeData(body, &page); err != nil {
		return nil, fmt.Errorf("list runs of %s %s: %w", ns, id, err)
	}
	return page.Items, nil
}

// GetRun fetches a run by id.
func (c *Client) GetRun(ctx context.Context, runID string) (models.Run, error) {
	return c.getRun(ctx, runID, 0)
}

func (c *Client) getRun(ctx context.Context, runID string, waitSecs int) (models.Run, error) {
	var q url.Values
	if waitSecs > 0 {
		q = url.Values{}
		q.Set("waitForFinish", strconv.Itoa(waitSecs))
	}
	body, err := c.do(ctx, http.MethodGet, "/v2/actor-runs/"+escape(runID), q, nil)
	if err != nil {
		return models.Run{}, err
	}
	var run models.Run
	if err := decodeData(body, &run); err != nil {
		return models.Run{}, fmt.Errorf("get run %s: %w", runID, err)
	}
	return run, nil
}

// ResurrectRun restarts a finished run. A non-empty build pins the build it
// restarts with.
func (c *Client) ResurrectRun(ctx context.Context, runID, build string) (models.Run, error) {
	var q url.Values
	if build != "" {
		q = url.Values{}
		q.Set("build", build)
	}
	body, err := c.do(ctx, http.MethodPost, "/v2/actor-runs/"+escape(runID)+"/resurrect", q, nil)
	if err != nil {
		return models.Run{}, err
	}
	var run models.Run
	if err := decodeData(body, &run); err != nil {
		return models.Run{}, fmt.Errorf("resurrect run %s: %w", runID, err)
	}
	return run, nil
}

// WaitForFinish long-polls the run until it reaches a terminal status. There
// is no deadline other than ctx.
func (c *Client) WaitForFinish(ctx context.Context, runID string, poll time.Duration) (models.Run, error) {
	secs := int(poll / time.Second)
	if secs <= 0 || secs > 60 {
		secs = 60
	}
	for {
		started := time.Now()
		run, err := c.getRun(ctx, runID, secs)
		if err != nil {
			return models.Run{}, err
		}
		if models.IsTerminal(run.Status) {
			return run, nil
		}
		// Servers that answer without holding the request still get polled at a sane pace.
		if elapsed := time.Since(started); elapsed < time.Second {
			select {
			case <-ctx.Done():
				return models.Run{}, ctx.Err()
			case <-time.After(time.Second - elapsed):
			}
		}
	}
}
