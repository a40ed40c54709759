package campaign

import (
	"context"
	"time"
)

// ExecutionLogEntry records one test verdict. For batch runs the start time
// and duration describe the whole batch.
type ExecutionLogEntry struct {
	RunID     string    `json:"run_id"`
	Criterion Criterion `json:"criterion"`
	Element   string    `json:"element,omitempty"`
	Test      string    `json:"test"`
	Verdict   Verdict   `json:"verdict,omitempty"`
	Error     string    `json:"error,omitempty"`
	StartTime time.Time `json:"start_time"`
	Duration  float64   `json:"duration"`
}

// ExecutionLogger defines a simple test execution log
type ExecutionLogger interface {
	// LogExecution logs a completed test execution
	LogExecution(ctx context.Context, entry *ExecutionLogEntry) error

	// GetExecutionHistory retrieves the execution log of a run
	GetExecutionHistory(ctx context.Context, runID string) ([]*ExecutionLogEntry, error)
}
