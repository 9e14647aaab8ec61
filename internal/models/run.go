package models

import (
	"time"
)

// Run lifecycle states as reported by the platform.
const (
	StatusReady     = "READY"
	StatusRunning   = "RUNNING"
	StatusSucceeded = "SUCCEEDED"
	StatusFailed    = "FAILED"
	StatusTimingOut = "TIMING-OUT"
	StatusTimedOut  = "TIMED-OUT"
	StatusAborting  = "ABORTING"
	StatusAborted   = "ABORTED"
)

// Run is one execution of a background job. It is owned by the platform and
// only read here, except for the resurrect transition.
type Run struct {
	ID                    string     `json:"id"`
	ActID                 string     `json:"actId"`
	ActorTaskID           string     `json:"actorTaskId,omitempty"`
	Status                string     `json:"status"`
	StartedAt             time.Time  `json:"startedAt"`
	FinishedAt            *time.Time `json:"finishedAt,omitempty"`
	DefaultRequestQueueID string     `json:"defaultRequestQueueId"`
	BuildNumber           string     `json:"buildNumber,omitempty"`
}

// IsTerminal reports whether a run in this status will not change on its own.
func IsTerminal(status string) bool {
	switch status {
	case StatusSucceeded, StatusFailed, StatusTimedOut, StatusAborted:
		return true
	default:
		return false
	}
}

// IsActive reports whether the run is running or about to run.
func IsActive(status string) bool {
	return status == StatusRunning || status == StatusReady
}

// Namespace is the kind of job an identifier names.
type Namespace string

const (
	NamespaceActor Namespace = "actor"
	NamespaceTask  Namespace = "task"
)
