package runstore

import "time"

// Run statuses.
const (
	StatusRunning  = "running"
	StatusFinished = "finished"
	StatusFailed   = "failed"
)

// #region run-record
// RunRecord is one invocation of the benchmark driver.
type RunRecord struct {
	RunID      string
	Command    string
	Task       string
	Version    string
	OutputDir  string
	ArgsJSON   string
	Status     string
	Error      string
	BestCkpt   string
	CreatedAt  time.Time
	FinishedAt time.Time
}

// #endregion run-record

// #region metric-row
// MetricRow is one logged metric value of a run.
type MetricRow struct {
	Step      int
	Key       string
	Value     float64
	CreatedAt time.Time
}

// #endregion metric-row
