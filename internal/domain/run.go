package domain

import "time"

// RunOutcome is the terminal state of one processing run.
type RunOutcome string

const (
	RunSucceeded   RunOutcome = "succeeded"
	RunFailed      RunOutcome = "failed"
	RunInterrupted RunOutcome = "interrupted"
)

// ProcessingRun records the outcome of one ingest task. Runs are appended
// to the audit log and never mutated afterwards.
type ProcessingRun struct {
	ID          string
	FilePath    string
	FileHash    string
	Outcome     RunOutcome
	ErrorKind   string
	ErrorDetail string
	VersionID   string
	Attempts    int
	StartedAt   time.Time
	FinishedAt  time.Time
}

// Duration returns the wall-clock time the run took.
func (r ProcessingRun) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}
