package engine

import (
	"context"
	"time"
)

// ExecutionResult is the outcome of one plan step. Engine failures and
// timeouts land in Err with empty rows; they are data, not panics, so a
// failed step never aborts the surrounding plan.
type ExecutionResult struct {
	StepIndex int              `json:"step"`
	Columns   []string         `json:"columns"`
	Rows      []map[string]any `json:"rows"`
	RowCount  int              `json:"row_count"`
	Err       string           `json:"error,omitempty"`
}

// Failed reports whether the step produced an error instead of rows.
func (r ExecutionResult) Failed() bool { return r.Err != "" }

// Executor sends validated queries to the engine, exactly once each, and
// normalizes the reply. No retries: a failure is surfaced as-is.
type Executor struct {
	client  Client
	timeout time.Duration
}

func NewExecutor(client Client, timeout time.Duration) *Executor {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Executor{client: client, timeout: timeout}
}

// Execute runs one validated statement under the executor's timeout.
func (e *Executor) Execute(ctx context.Context, stepIndex int, sql string) ExecutionResult {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	res := ExecutionResult{StepIndex: stepIndex, Columns: []string{}, Rows: []map[string]any{}}

	raw, err := e.client.Query(ctx, sql)
	if err != nil {
		res.Err = err.Error()
		return res
	}
	if raw != nil && raw.Error != "" {
		res.Err = raw.Error
		return res
	}

	table, err := Normalize(raw)
	if err != nil {
		res.Err = err.Error()
		return res
	}
	res.Columns = table.Columns
	res.Rows = table.Rows
	res.RowCount = len(table.Rows)
	return res
}
