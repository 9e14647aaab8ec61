// Package stats keeps per-run {loaded, reset} counters for an invocation and
// checkpoints them to a key-value backend so a restarted invocation can resume.
package stats

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"queue-rebirth/internal/logging"
	"queue-rebirth/internal/models"
	"queue-rebirth/internal/telemetry"
)

// DefaultKey is the record the checkpoint is stored under.
const DefaultKey = "RUNS_STATS"

// KeyValueStore persists the checkpoint blob.
type KeyValueStore interface {
	GetValue(ctx context.Context, key string) ([]byte, bool, error)
	SetValue(ctx context.Context, key string, value []byte) error
}

// Store is the process-wide RunStats mapping. It is safe for concurrent use.
type Store struct {
	kv     KeyValueStore
	key    string
	logger *zap.Logger

	mu   sync.RWMutex
	runs map[string]models.RunStats

	// version counts mutations; saved is the version last written.
	version uint64
	saved   uint64
	written bool
}

// NewStore returns an empty store. A nil kv keeps the counters in memory only.
func NewStore(kv KeyValueStore, key string, logger *zap.Logger) *Store {
	if key == "" {
		key = DefaultKey
	}
	return &Store{
		kv:     kv,
		key:    key,
		logger: logging.OrNop(logger),
		runs:   make(map[string]models.RunStats),
	}
}

// Load replaces the in-memory counters with the last checkpoint, if any.
func (s *Store) Load(ctx context.Context) error {
	if s.kv == nil {
		return nil
	}
	data, ok, err := s.kv.GetValue(ctx, s.key)
	if err != nil {
		return fmt.Errorf("load stats %s: %w", s.key, err)
	}
	if !ok || len(data) == 0 {
		return nil
	}

	runs := make(map[string]models.RunStats)
	if err := json.Unmarshal(data, &runs); err != nil {
		return fmt.Errorf("decode stats %s: %w", s.key, err)
	}

	s.mu.Lock()
	s.runs = runs
	s.version++
	s.saved = s.version
	s.written = true
	s.mu.Unlock()

	s.logger.Info("Loaded stats checkpoint", zap.String("key", s.key), zap.Int("runs", len(runs)))
	return nil
}

// Add accumulates one page's counts for a run and returns the run's new totals.
// The first page of a run creates its entry, even when it holds no items.
func (s *Store) Add(runID string, loaded, reset int) models.RunStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.runs[runID]
	st.Loaded += loaded
	st.Reset += reset
	s.runs[runID] = st
	s.version++
	return st
}

func (s *Store) Get(runID string) (models.RunStats, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.runs[runID]
	return st, ok
}

// Snapshot returns a copy of every run's counters.
func (s *Store) Snapshot() map[string]models.RunStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]models.RunStats, len(s.runs))
	for id, st := range s.runs {
		out[id] = st
	}
	return out
}

// Totals sums the counters over all runs.
func (s *Store) Totals() models.RunStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total models.RunStats
	for _, st := range s.runs {
		total.Loaded += st.Loaded
		total.Reset += st.Reset
	}
	return total
}

// RunsWithResets lists, sorted, the runs that had at least one item reset.
func (s *Store) RunsWithResets() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0)
	for id, st := range s.runs {
		if st.Reset > 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Checkpoint writes the counters to the backend. It is a no-op when nothing
// changed since the last successful checkpoint.
func (s *Store) Checkpoint(ctx context.Context) error {
	if s.kv == nil {
		return nil
	}

	s.mu.RLock()
	if s.written && s.version == s.saved {
		s.mu.RUnlock()
		telemetry.Checkpoints.WithLabelValues("skipped").Inc()
		return nil
	}
	version := s.version
	data, err := json.Marshal(s.runs)
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("encode stats: %w", err)
	}

	if err := s.kv.SetValue(ctx, s.key, data); err != nil {
		telemetry.Checkpoints.WithLabelValues("error").Inc()
		return fmt.Errorf("save stats %s: %w", s.key, err)
	}

	s.mu.Lock()
	if version > s.saved || !s.written {
		s.saved = version
	}
	s.written = true
	s.mu.Unlock()
	telemetry.Checkpoints.WithLabelValues("saved").Inc()
	s.logger.Debug("Saved stats checkpoint", zap.String("key", s.key), zap.Int("bytes", len(data)))
	return nil
}
