package rebirth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"queue-rebirth/internal/config"
	"queue-rebirth/internal/events"
	"queue-rebirth/internal/models"
	"queue-rebirth/internal/platform"
	"queue-rebirth/internal/queue"
	"queue-rebirth/internal/resolver"
	"queue-rebirth/internal/stats"
	"queue-rebirth/internal/store"
)

type fakePlatform struct {
	mu         sync.Mutex
	actors     map[string][]models.Run // newest first
	runs       map[string]models.Run
	queues     map[string][]models.WorkItem
	listErr    map[string]error
	updates    int
	gets       int
	resurrects []string
	waits      []string
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{
		actors:  map[string][]models.Run{},
		runs:    map[string]models.Run{},
		queues:  map[string][]models.WorkItem{},
		listErr: map[string]error{},
	}
}

// addRun registers a run whose queue holds n items, the listed ones failed.
func (f *fakePlatform) addRun(runID, status string, n int, failed ...int) {
	queueID := "q-" + runID
	f.runs[runID] = models.Run{ID: runID, Status: status, DefaultRequestQueueID: queueID}
	items := make([]models.WorkItem, n)
	for i := range items {
		items[i] = models.WorkItem{ID: fmt.Sprintf("%s-%05d", runID, i), ErrorMessages: []string{}}
	}
	for _, i := range failed {
		items[i].ErrorMessages = []string{"worker crashed"}
	}
	f.queues[queueID] = items
}

func (f *fakePlatform) ActorExists(ctx context.Context, id string) (bool, error) {
	_, ok := f.actors[id]
	return ok, nil
}

func (f *fakePlatform) TaskExists(ctx context.Context, id string) (bool, error) {
	return false, nil
}

func (f *fakePlatform) ListRuns(ctx context.Context, ns models.Namespace, id string, opts platform.ListRunsOptions) ([]models.Run, error) {
	runs := f.actors[id]
	if opts.Offset >= len(runs) {
		return nil, nil
	}
	end := opts.Offset + opts.Limit
	if end > len(runs) {
		end = len(runs)
	}
	return runs[opts.Offset:end], nil
}

func (f *fakePlatform) ListRequests(ctx context.Context, queueID, exclusiveStartID string, limit int) ([]models.WorkItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.listErr[queueID]; err != nil {
		return nil, err
	}
	items := f.queues[queueID]
	start := 0
	if exclusiveStartID != "" {
		for i, it := range items {
			if it.ID == exclusiveStartID {
				start = i + 1
			}
		}
	}
	end := start + limit
	if end > len(items) {
		end = len(items)
	}
	return append([]models.WorkItem(nil), items[start:end]...), nil
}

func (f *fakePlatform) UpdateRequest(ctx context.Context, queueID string, item models.WorkItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates++
	for i, it := range f.queues[queueID] {
		if it.ID == item.ID {
			f.queues[queueID][i] = item
		}
	}
	return nil
}

func (f *fakePlatform) GetRun(ctx context.Context, runID string) (models.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	run, ok := f.runs[runID]
	if !ok {
		return models.Run{}, &platform.APIError{StatusCode: 404, Err: platform.ErrNotFound}
	}
	return run, nil
}

func (f *fakePlatform) ResurrectRun(ctx context.Context, runID, build string) (models.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resurrects = append(f.resurrects, runID)
	run := f.runs[runID]
	run.Status = models.StatusRunning
	f.runs[runID] = run
	return run, nil
}

func (f *fakePlatform) WaitForFinish(ctx context.Context, runID string, poll time.Duration) (models.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.waits = append(f.waits, runID)
	run := f.runs[runID]
	run.Status = models.StatusSucceeded
	f.runs[runID] = run
	return run, nil
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(_ context.Context, ev events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) Close() error { return nil }

func (r *recorder) ofType(t string) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func testConfig() config.Config {
	var cfg config.Config
	cfg.Scan.Concurrency = 5
	cfg.Scan.PageSize = 1000
	cfg.Scan.RunListPageSize = 1000
	cfg.Scan.ResetConcurrency = 2
	cfg.State.ID = "test-state"
	cfg.State.Key = stats.DefaultKey
	return cfg
}

func newService(t *testing.T, p *fakePlatform, in config.Input, mutate func(*Options)) *Service {
	t.Helper()
	if in.ResurrectRunsConcurrency == 0 {
		in.ResurrectRunsConcurrency = 1
	}
	opts := Options{
		Config:   testConfig(),
		Input:    in,
		Platform: p,
		Stats:    stats.NewStore(store.NewMemoryKV(), stats.DefaultKey, nil),
	}
	if mutate != nil {
		mutate(&opts)
	}
	svc, err := New(opts)
	require.NoError(t, err)
	return svc
}

func TestRun_TwoPageQueue(t *testing.T) {
	p := newFakePlatform()
	p.addRun("r1", models.StatusSucceeded, 1200, 7, 400, 999)
	rec := &recorder{}

	svc := newService(t, p, config.Input{RunIDs: []string{"r1"}}, func(o *Options) { o.Events = rec })
	report, err := svc.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, models.RunStats{Loaded: 1200, Reset: 3}, report.Stats["r1"])
	assert.Equal(t, 3, p.updates)
	assert.EqualValues(t, 3, report.Scan.Executed) // resolve + two pages
	assert.Len(t, rec.ofType(events.TypePage), 2)
	require.Len(t, rec.ofType(events.TypeFinished), 1)
	assert.Equal(t, "test-state", rec.ofType(events.TypeFinished)[0].StateID)
	assert.Empty(t, p.resurrects)
	assert.Equal(t, PhaseDone, svc.Phase())
}

func TestRun_ManyRunsAreIsolated(t *testing.T) {
	p := newFakePlatform()
	p.addRun("good", models.StatusFailed, 2500, 0, 1, 2000)
	p.addRun("broken", models.StatusFailed, 10, 1)
	p.addRun("empty", models.StatusSucceeded, 0)
	p.listErr["q-broken"] = errors.New("queue unavailable")

	svc := newService(t, p, config.Input{RunIDs: []string{"good", "broken", "missing", "empty", "good"}}, nil)
	report, err := svc.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"good", "broken", "missing", "empty"}, report.RunIDs)
	assert.Equal(t, models.RunStats{Loaded: 2500, Reset: 3}, report.Stats["good"])
	// stats exist only for runs with at least one processed page
	assert.NotContains(t, report.Stats, "broken")
	assert.NotContains(t, report.Stats, "missing")
	require.Contains(t, report.Stats, "empty")
	assert.Equal(t, models.RunStats{}, report.Stats["empty"])
	assert.EqualValues(t, 2, report.Scan.Failed)
}

func TestRun_ResurrectsOnlyRunsWithResets(t *testing.T) {
	p := newFakePlatform()
	p.addRun("dirty", models.StatusFailed, 10, 3)
	p.addRun("clean", models.StatusFailed, 10)
	p.addRun("busy", models.StatusRunning, 10, 1)
	rec := &recorder{}

	in := config.Input{RunIDs: []string{"dirty", "clean", "busy"}, ResurrectRuns: true, ResurrectRunsConcurrency: 2}
	svc := newService(t, p, in, func(o *Options) { o.Events = rec })
	report, err := svc.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"dirty"}, p.resurrects)
	assert.ElementsMatch(t, []string{"dirty", "busy"}, p.waits)
	require.Len(t, report.Resurrections, 2)
	assert.True(t, report.Resurrections["dirty"].Resurrected)
	assert.False(t, report.Resurrections["busy"].Resurrected)
	assert.Equal(t, models.StatusSucceeded, report.Resurrections["busy"].Status)
	assert.Len(t, rec.ofType(events.TypeResurrect), 2)
}

func TestRun_NoResurrectionWithoutResets(t *testing.T) {
	p := newFakePlatform()
	p.addRun("clean", models.StatusFailed, 10)

	svc := newService(t, p, config.Input{RunIDs: []string{"clean"}, ResurrectRuns: true}, nil)
	report, err := svc.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, p.resurrects)
	assert.Empty(t, p.waits)
	assert.Nil(t, report.Resurrections)
}

func TestRun_ResolvesActorRuns(t *testing.T) {
	p := newFakePlatform()
	p.addRun("new", models.StatusSucceeded, 5, 0)
	p.addRun("old", models.StatusSucceeded, 5, 0)
	p.actors["actor-1"] = []models.Run{
		{ID: "new", StartedAt: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)},
		{ID: "old", StartedAt: time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC)},
	}

	in := config.Input{RunIDs: []string{"new"}, ActorOrTaskID: "actor-1", DateFrom: "2024-01-01"}
	report, err := newService(t, p, in, nil).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"new"}, report.RunIDs)
	assert.Equal(t, models.RunStats{Loaded: 5, Reset: 1}, report.Totals)
}

func TestRun_UnknownActorIsFatal(t *testing.T) {
	p := newFakePlatform()

	_, err := newService(t, p, config.Input{ActorOrTaskID: "nope"}, nil).Run(context.Background())
	var re *resolver.ResolutionError
	require.ErrorAs(t, err, &re)
	assert.ErrorIs(t, err, resolver.ErrNotFound)
	assert.Zero(t, p.gets)
}

func TestRun_CheckpointWrittenAtEnd(t *testing.T) {
	p := newFakePlatform()
	p.addRun("r1", models.StatusSucceeded, 10, 2, 3)
	kv := store.NewMemoryKV()

	svc := newService(t, p, config.Input{RunIDs: []string{"r1"}}, func(o *Options) {
		o.Stats = stats.NewStore(kv, "STATE", nil)
	})
	_, err := svc.Run(context.Background())
	require.NoError(t, err)

	data, ok, err := kv.GetValue(context.Background(), "STATE")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"r1":{"loaded":10,"reset":2}}`, string(data))
}

func TestRun_ResumesFromDurableQueue(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	ctx := context.Background()

	p := newFakePlatform()
	p.addRun("r1", models.StatusSucceeded, 1200, 5)
	// page one was scanned and its failed item reset before the crash
	p.queues["q-r1"][5].ErrorMessages = []string{}

	// replay the queue traffic of an invocation that died while scanning page two
	crashed := queue.NewRedisQueue(client, "state-1", "scan")
	resolve := models.ResolveRunTask("r1")
	page1 := models.ScanPageTask("r1", "q-r1", "", 1)
	page2 := models.ScanPageTask("r1", "q-r1", "r1-00999", 2)
	_, err = crashed.Enqueue(ctx, resolve)
	require.NoError(t, err)
	_, _, err = crashed.Dequeue(ctx)
	require.NoError(t, err)
	_, err = crashed.Enqueue(ctx, page1)
	require.NoError(t, err)
	require.NoError(t, crashed.Ack(ctx, resolve))
	_, _, err = crashed.Dequeue(ctx)
	require.NoError(t, err)
	_, err = crashed.Enqueue(ctx, page2)
	require.NoError(t, err)
	require.NoError(t, crashed.Ack(ctx, page1))
	_, _, err = crashed.Dequeue(ctx)
	require.NoError(t, err)

	kv := store.NewRedisKV(client, "rebirth:state")
	require.NoError(t, kv.SetValue(ctx, "STATE", []byte(`{"r1":{"loaded":1000,"reset":1}}`)))

	svc := newService(t, p, config.Input{RunIDs: []string{"r1"}}, func(o *Options) {
		o.ScanQueue = queue.NewRedisQueue(client, "state-1", "scan")
		o.Stats = stats.NewStore(kv, "STATE", nil)
		o.Resume = true
	})
	report, err := svc.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, models.RunStats{Loaded: 1200, Reset: 1}, report.Stats["r1"])
	assert.EqualValues(t, 1, report.Scan.Executed)
	assert.EqualValues(t, 1, report.Scan.Duplicates)
	assert.Zero(t, p.updates)
}

func TestRun_ResumesInterruptedResurrection(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	ctx := context.Background()

	p := newFakePlatform()
	// the previous invocation reset the item and resurrected the run, then died waiting
	p.addRun("r1", models.StatusRunning, 10)

	scanned := queue.NewRedisQueue(client, "state-1", "scan")
	resolve := models.ResolveRunTask("r1")
	page1 := models.ScanPageTask("r1", "q-r1", "", 1)
	_, err = scanned.Enqueue(ctx, resolve)
	require.NoError(t, err)
	_, _, err = scanned.Dequeue(ctx)
	require.NoError(t, err)
	_, err = scanned.Enqueue(ctx, page1)
	require.NoError(t, err)
	require.NoError(t, scanned.Ack(ctx, resolve))
	_, _, err = scanned.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, scanned.Ack(ctx, page1))

	waiting := queue.NewRedisQueue(client, "state-1", "resurrect")
	_, err = waiting.Enqueue(ctx, models.ResurrectRunTask("r1"))
	require.NoError(t, err)
	_, _, err = waiting.Dequeue(ctx)
	require.NoError(t, err)

	kv := store.NewRedisKV(client, "rebirth:state")
	require.NoError(t, kv.SetValue(ctx, "STATE", []byte(`{"r1":{"loaded":10,"reset":1}}`)))

	in := config.Input{RunIDs: []string{"r1"}, ResurrectRuns: true}
	svc := newService(t, p, in, func(o *Options) {
		o.ScanQueue = queue.NewRedisQueue(client, "state-1", "scan")
		o.ResurrectQueue = queue.NewRedisQueue(client, "state-1", "resurrect")
		o.Stats = stats.NewStore(kv, "STATE", nil)
		o.Resume = true
	})
	report, err := svc.Run(ctx)
	require.NoError(t, err)

	assert.EqualValues(t, 0, report.Scan.Executed)
	assert.Equal(t, []string{"r1"}, p.waits)
	assert.Empty(t, p.resurrects, "an active run is only awaited")
	require.Contains(t, report.Resurrections, "r1")
	assert.Equal(t, models.StatusSucceeded, report.Resurrections["r1"].Status)
	assert.EqualValues(t, 1, report.ResurrectSummary.Executed)
}

func TestRun_PurgesDurableQueuesAfterSuccess(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	ctx := context.Background()

	p := newFakePlatform()
	p.addRun("r1", models.StatusFailed, 10, 2)
	in := config.Input{RunIDs: []string{"r1"}, ResurrectRuns: true}
	durable := func(o *Options) {
		o.ScanQueue = queue.NewRedisQueue(client, "state-1", "scan")
		o.ResurrectQueue = queue.NewRedisQueue(client, "state-1", "resurrect")
	}

	_, err = newService(t, p, in, durable).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, p.updates)
	for _, key := range []string{"rebirth:state-1:scan:seen", "rebirth:state-1:resurrect:seen"} {
		assert.False(t, mr.Exists(key), key)
	}

	// a later invocation with the same state id scans again
	p.queues["q-r1"][7].ErrorMessages = []string{"worker crashed"}
	report, err := newService(t, p, in, durable).Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, p.updates)
	assert.EqualValues(t, 2, report.Scan.Executed)
	assert.Zero(t, report.Scan.Duplicates)
	assert.Equal(t, models.RunStats{Loaded: 10, Reset: 1}, report.Stats["r1"])
	assert.Equal(t, []string{"r1", "r1"}, p.resurrects)
}

func TestRun_FailedPassKeepsQueueState(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	p := newFakePlatform()
	p.addRun("r1", models.StatusSucceeded, 10)
	_, err = queue.NewRedisQueue(client, "state-1", "scan").Enqueue(context.Background(), models.ResolveRunTask("r1"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = newService(t, p, config.Input{RunIDs: []string{"r1"}}, func(o *Options) {
		o.ScanQueue = queue.NewRedisQueue(client, "state-1", "scan")
	}).Run(ctx)
	require.Error(t, err)
	assert.True(t, mr.Exists("rebirth:state-1:scan:seen"))
}

func TestRun_Cancelled(t *testing.T) {
	p := newFakePlatform()
	p.addRun("r1", models.StatusSucceeded, 10)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newService(t, p, config.Input{RunIDs: []string{"r1"}}, nil).Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
	_, err = New(Options{Platform: newFakePlatform()})
	require.Error(t, err)
}
