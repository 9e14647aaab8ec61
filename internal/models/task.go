package models

import "fmt"

// TaskKind selects the scheduler handler for a task.
type TaskKind string

const (
	KindResolveRun    TaskKind = "RESOLVE_RUN"
	KindScanQueuePage TaskKind = "SCAN_QUEUE_PAGE"
	KindResurrectRun  TaskKind = "RESURRECT_RUN"
)

// Task is a unit of scheduler work.
type Task struct {
	Kind    TaskKind `json:"kind"`
	RunID   string   `json:"run_id"`
	QueueID string   `json:"queue_id,omitempty"`
	Cursor  string   `json:"cursor,omitempty"`
	Page    int      `json:"page,omitempty"`
}

// DedupKey identifies the work a task performs. Two tasks with the same key
// are never both executed within one scheduler run.
func (t Task) DedupKey() string {
	switch t.Kind {
	case KindResolveRun:
		return "resolve:" + t.RunID
	case KindScanQueuePage:
		return fmt.Sprintf("scan:%s:%s", t.QueueID, t.Cursor)
	case KindResurrectRun:
		return "resurrect:" + t.RunID
	default:
		return fmt.Sprintf("%s:%s:%s:%s", t.Kind, t.RunID, t.QueueID, t.Cursor)
	}
}

func ResolveRunTask(runID string) Task {
	return Task{Kind: KindResolveRun, RunID: runID}
}

func ScanPageTask(runID, queueID, cursor string, page int) Task {
	return Task{Kind: KindScanQueuePage, RunID: runID, QueueID: queueID, Cursor: cursor, Page: page}
}

func ResurrectRunTask(runID string) Task {
	return Task{Kind: KindResurrectRun, RunID: runID}
}
