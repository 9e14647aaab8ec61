package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	TasksExecuted   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "rebirth_tasks_executed_total", Help: "Scheduler tasks executed by kind"}, []string{"kind"})
	TaskFailures    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "rebirth_task_failures_total", Help: "Scheduler tasks that returned an error by kind"}, []string{"kind"})
	TasksDeduped    = prometheus.NewCounter(prometheus.CounterOpts{Name: "rebirth_tasks_deduplicated_total", Help: "Tasks dropped because their dedup key was already seen"})
	InFlightGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "rebirth_tasks_inflight", Help: "Tasks currently being handled"})
	PagesScanned    = prometheus.NewCounter(prometheus.CounterOpts{Name: "rebirth_pages_scanned_total", Help: "Queue pages listed"})
	ItemsLoaded     = prometheus.NewCounter(prometheus.CounterOpts{Name: "rebirth_items_loaded_total", Help: "Work items loaded from queues"})
	ItemsReset      = prometheus.NewCounter(prometheus.CounterOpts{Name: "rebirth_items_reset_total", Help: "Failed work items reset"})
	ItemResetErrors = prometheus.NewCounter(prometheus.CounterOpts{Name: "rebirth_item_reset_errors_total", Help: "Work item resets that failed"})
	PageFetchErrors = prometheus.NewCounter(prometheus.CounterOpts{Name: "rebirth_page_fetch_errors_total", Help: "Queue page listings that failed"})
	RunsResurrected = prometheus.NewCounter(prometheus.CounterOpts{Name: "rebirth_runs_resurrected_total", Help: "Runs restarted by the resurrection phase"})
	RunsFinished    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "rebirth_runs_finished_total", Help: "Resurrected runs that reached a terminal status"}, []string{"status"})
	Checkpoints     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "rebirth_checkpoints_total", Help: "Stats checkpoints by outcome"}, []string{"outcome"})
	PlatformRetries = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "rebirth_platform_retries_total", Help: "Platform API calls retried by reason"}, []string{"reason"})
)

// Register adds all collectors to the default registry once.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			TasksExecuted,
			TaskFailures,
			TasksDeduped,
			InFlightGauge,
			PagesScanned,
			ItemsLoaded,
			ItemsReset,
			ItemResetErrors,
			PageFetchErrors,
			RunsResurrected,
			RunsFinished,
			Checkpoints,
			PlatformRetries,
		)
	})
}

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}
