// Package engine talks to the external analytic query engine. The engine is
// an opaque remote service: it accepts one SQL statement and replies with a
// tabular result in one of two wire shapes, which the executor normalizes
// into the canonical {columns, rows} structure used everywhere downstream.
package engine

import (
	"context"
	"encoding/json"
)

// RawReply is the engine's reply before normalization. Positional replies
// carry Columns plus array rows; record replies carry object rows and no
// column list.
type RawReply struct {
	Columns []string          `json:"columns,omitempty"`
	Rows    []json.RawMessage `json:"rows,omitempty"`
	Error   string            `json:"error,omitempty"`
}

// Column describes one column of a catalog table.
type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Table describes one table exposed by the engine's catalog endpoint,
// including a few sample rows for prompt context.
type Table struct {
	Name       string   `json:"name"`
	Columns    []Column `json:"columns"`
	SampleRows [][]any  `json:"sample_rows,omitempty"`
}

// Client is the narrow collaborator interface for the analytic engine.
// Implementations must honor context cancellation and deadlines.
type Client interface {
	// Query runs one SQL statement and returns the raw reply.
	Query(ctx context.Context, sql string) (*RawReply, error)
	// Catalog returns table/column/sample metadata for schema context.
	Catalog(ctx context.Context) ([]Table, error)
}
