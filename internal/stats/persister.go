package stats

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"queue-rebirth/internal/logging"
)

var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule accepts a five-field cron expression or a descriptor such as
// "@every 60s". An empty expression disables periodic checkpoints.
func ParseSchedule(expr string) (cron.Schedule, error) {
	if expr == "" {
		return nil, nil
	}
	sched, err := scheduleParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid checkpoint schedule %q: %w", expr, err)
	}
	return sched, nil
}

// Persister checkpoints a Store on a schedule until its context ends, then
// writes one last checkpoint.
type Persister struct {
	store    *Store
	schedule cron.Schedule
	logger   *zap.Logger
	now      func() time.Time
}

func NewPersister(store *Store, expr string, logger *zap.Logger) (*Persister, error) {
	sched, err := ParseSchedule(expr)
	if err != nil {
		return nil, err
	}
	return &Persister{
		store:    store,
		schedule: sched,
		logger:   logging.OrNop(logger),
		now:      time.Now,
	}, nil
}

// Run blocks until ctx is done. Failed checkpoints are logged and retried at
// the next tick.
func (p *Persister) Run(ctx context.Context) error {
	defer p.final()

	if p.schedule == nil {
		<-ctx.Done()
		return nil
	}

	for {
		now := p.now()
		wait := p.schedule.Next(now).Sub(now)
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		if err := p.store.Checkpoint(ctx); err != nil {
			p.logger.Warn("Stats checkpoint failed", zap.Error(err))
		}
	}
}

func (p *Persister) final() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := p.store.Checkpoint(ctx); err != nil {
		p.logger.Warn("Final stats checkpoint failed", zap.Error(err))
	}
}
