package models

// RunStats aggregates the scan results of one run.
type RunStats struct {
	Loaded int `json:"loaded"`
	Reset  int `json:"reset"`
}
