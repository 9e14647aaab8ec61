// Package api serves the status endpoints of a running invocation.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"queue-rebirth/internal/logging"
	"queue-rebirth/internal/models"
	"queue-rebirth/internal/telemetry"
)

// StatsSource exposes the per-run counters of the invocation.
type StatsSource interface {
	Snapshot() map[string]models.RunStats
	Get(runID string) (models.RunStats, bool)
	Totals() models.RunStats
}

// Server wires HTTP handlers for the status API.
type Server struct {
	stats   StatsSource
	phase   func() string
	started time.Time
	logger  *zap.Logger
}

// New constructs the status server. phase may be nil.
func New(stats StatsSource, phase func() string, logger *zap.Logger) *Server {
	if phase == nil {
		phase = func() string { return "" }
	}
	return &Server{
		stats:   stats,
		phase:   phase,
		started: time.Now(),
		logger:  logging.OrNop(logger),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Get("/stats", s.handleStats)
	r.Get("/stats/{runID}", s.handleRunStats)
	return r
}

type runEntry struct {
	RunID string `json:"run_id"`
	models.RunStats
}

type statsResponse struct {
	Phase   string          `json:"phase,omitempty"`
	Uptime  string          `json:"uptime"`
	Totals  models.RunStats `json:"totals"`
	Runs    []runEntry      `json:"runs"`
	Pending []string        `json:"runs_with_resets"`
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	snap := s.stats.Snapshot()
	resp := statsResponse{
		Phase:   s.phase(),
		Uptime:  time.Since(s.started).Round(time.Second).String(),
		Totals:  s.stats.Totals(),
		Runs:    make([]runEntry, 0, len(snap)),
		Pending: make([]string, 0),
	}
	for id, st := range snap {
		resp.Runs = append(resp.Runs, runEntry{RunID: id, RunStats: st})
		if st.Reset > 0 {
			resp.Pending = append(resp.Pending, id)
		}
	}
	sort.Slice(resp.Runs, func(i, j int) bool { return resp.Runs[i].RunID < resp.Runs[j].RunID })
	sort.Strings(resp.Pending)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRunStats(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "runID")
	st, ok := s.stats.Get(id)
	if !ok {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, runEntry{RunID: id, RunStats: st})
}

// Serve listens on addr until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Status server listening", zap.String("addr", addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
