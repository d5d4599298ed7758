package engine

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Result is the canonical result shape: an ordered column list and rows as
// records keyed by column name. Every row carries exactly the declared
// columns; missing values are nil.
type Result struct {
	Columns []string         `json:"columns"`
	Rows    []map[string]any `json:"rows"`
}

// Normalize converts a raw engine reply into the canonical shape.
//
// Positional replies keep the engine's declared column order. Record replies
// carry no order, so columns become the sorted union of all record keys;
// sorting makes the conversion deterministic. Normalizing an already
// canonical result (columns + positional rows) is a no-op.
func Normalize(raw *RawReply) (*Result, error) {
	if raw == nil {
		return &Result{Columns: []string{}, Rows: []map[string]any{}}, nil
	}
	if len(raw.Rows) == 0 {
		return &Result{Columns: append([]string{}, raw.Columns...), Rows: []map[string]any{}}, nil
	}

	if len(raw.Columns) > 0 {
		return normalizePositional(raw.Columns, raw.Rows)
	}
	return normalizeRecords(raw.Rows)
}

func normalizePositional(columns []string, rows []json.RawMessage) (*Result, error) {
	seen := map[string]bool{}
	for _, c := range columns {
		if seen[c] {
			return nil, fmt.Errorf("engine: duplicate column %q in reply", c)
		}
		seen[c] = true
	}
	out := &Result{Columns: append([]string{}, columns...), Rows: make([]map[string]any, 0, len(rows))}
	for i, r := range rows {
		var values []any
		if err := json.Unmarshal(r, &values); err != nil {
			// A record row alongside a column list still normalizes: the
			// declared columns win and extra keys are dropped.
			var rec map[string]any
			if err2 := json.Unmarshal(r, &rec); err2 != nil {
				return nil, fmt.Errorf("engine: row %d is neither array nor record: %w", i, err)
			}
			out.Rows = append(out.Rows, projectRecord(columns, rec))
			continue
		}
		rec := make(map[string]any, len(columns))
		for j, c := range columns {
			if j < len(values) {
				rec[c] = values[j]
			} else {
				rec[c] = nil
			}
		}
		out.Rows = append(out.Rows, rec)
	}
	return out, nil
}

func normalizeRecords(rows []json.RawMessage) (*Result, error) {
	records := make([]map[string]any, 0, len(rows))
	keys := map[string]bool{}
	for i, r := range rows {
		var rec map[string]any
		if err := json.Unmarshal(r, &rec); err != nil {
			return nil, fmt.Errorf("engine: row %d is not a record: %w", i, err)
		}
		for k := range rec {
			keys[k] = true
		}
		records = append(records, rec)
	}
	columns := make([]string, 0, len(keys))
	for k := range keys {
		columns = append(columns, k)
	}
	sort.Strings(columns)

	out := &Result{Columns: columns, Rows: make([]map[string]any, 0, len(records))}
	for _, rec := range records {
		out.Rows = append(out.Rows, projectRecord(columns, rec))
	}
	return out, nil
}

func projectRecord(columns []string, rec map[string]any) map[string]any {
	row := make(map[string]any, len(columns))
	for _, c := range columns {
		row[c] = rec[c] // absent keys become nil
	}
	return row
}

// Positional re-encodes the canonical rows as value arrays in column order.
// Feeding the output back through Normalize yields an identical Result; the
// executor tests pin that idempotence down.
func (r *Result) Positional() []json.RawMessage {
	rows := make([]json.RawMessage, 0, len(r.Rows))
	for _, rec := range r.Rows {
		values := make([]any, len(r.Columns))
		for i, c := range r.Columns {
			values[i] = rec[c]
		}
		b, _ := json.Marshal(values)
		rows = append(rows, json.RawMessage(b))
	}
	return rows
}
