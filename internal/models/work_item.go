package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// WorkItem is a single request in a run's queue.
//
// Fields the platform sends that are not modelled here are kept in extra so an
// update writes the item back untouched apart from the reset fields.
type WorkItem struct {
	ID            string
	RetryCount    int
	ErrorMessages []string
	HandledAt     *time.Time

	extra map[string]json.RawMessage
}

// IsFailed reports whether the item recorded more errors than retries. That
// only happens when its in-flight execution crashed before bookkeeping.
func (w *WorkItem) IsFailed() bool {
	return len(w.ErrorMessages) > w.RetryCount
}

// Reset clears the retry and handled state so the owning run picks the item up again.
func (w *WorkItem) Reset() {
	w.RetryCount = 0
	w.ErrorMessages = []string{}
	w.HandledAt = nil
}

var workItemKnownFields = map[string]struct{}{
	"id":            {},
	"retryCount":    {},
	"errorMessages": {},
	"handledAt":     {},
}

func (w *WorkItem) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode work item: %w", err)
	}

	var known struct {
		ID            string     `json:"id"`
		RetryCount    *int       `json:"retryCount"`
		ErrorMessages []string   `json:"errorMessages"`
		HandledAt     *time.Time `json:"handledAt"`
	}
	if err := json.Unmarshal(data, &known); err != nil {
		return fmt.Errorf("decode work item: %w", err)
	}

	w.ID = known.ID
	w.RetryCount = 0
	if known.RetryCount != nil {
		w.RetryCount = *known.RetryCount
	}
	w.ErrorMessages = known.ErrorMessages
	w.HandledAt = known.HandledAt

	w.extra = make(map[string]json.RawMessage, len(raw))
	for k, v := range raw {
		if _, ok := workItemKnownFields[k]; ok {
			continue
		}
		w.extra[k] = v
	}
	return nil
}

func (w WorkItem) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(w.extra)+4)
	for k, v := range w.extra {
		out[k] = v
	}
	out["id"] = w.ID
	out["retryCount"] = w.RetryCount
	msgs := w.ErrorMessages
	if msgs == nil {
		msgs = []string{}
	}
	out["errorMessages"] = msgs
	out["handledAt"] = w.HandledAt
	return json.Marshal(out)
}
