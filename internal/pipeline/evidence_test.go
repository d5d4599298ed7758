package pipeline

import (
	"testing"

	"github.com/stretchr/testify/require"

	"datalens/internal/engine"
)

func resultWith(step int, columns []string, rowCount int) engine.ExecutionResult {
	rows := make([]map[string]any, rowCount)
	for i := range rows {
		row := map[string]any{}
		for _, c := range columns {
			row[c] = i
		}
		rows[i] = row
	}
	return engine.ExecutionResult{StepIndex: step, Columns: columns, Rows: rows, RowCount: rowCount}
}

func planOf(evidence ...bool) *Plan {
	p := &Plan{}
	for i, e := range evidence {
		p.Steps = append(p.Steps, Step{Index: i, Purpose: "step", Evidence: e})
	}
	return p
}

func TestEvidencePrefersTaggedStep(t *testing.T) {
	plan := planOf(false, true, false)
	results := []engine.ExecutionResult{
		resultWith(0, []string{"id", "title"}, 100),
		resultWith(1, []string{"id", "status"}, 5),
		resultWith(2, []string{"id"}, 100),
	}
	spec := DeriveEvidence(plan, results, "", 20)
	require.NotNil(t, spec)
	require.Equal(t, "id", spec.PrimaryKeyField)
	require.Equal(t, 5, spec.Limit)
	require.Equal(t, "status", spec.DisplayFieldRoles["status"])
}

func TestEvidenceLastTaggedWins(t *testing.T) {
	plan := planOf(true, true)
	results := []engine.ExecutionResult{
		resultWith(0, []string{"id", "title"}, 3),
		resultWith(1, []string{"id", "name"}, 7),
	}
	spec := DeriveEvidence(plan, results, "", 20)
	require.NotNil(t, spec)
	require.Equal(t, 7, spec.Limit)
	require.Equal(t, "name", spec.DisplayFieldRoles["title"])
}

func TestEvidenceUntaggedLargestRowCount(t *testing.T) {
	plan := planOf(false, false)
	results := []engine.ExecutionResult{
		resultWith(0, []string{"n"}, 1),
		resultWith(1, []string{"id", "title", "created_at"}, 12),
	}
	spec := DeriveEvidence(plan, results, "", 20)
	require.NotNil(t, spec)
	require.ElementsMatch(t, []string{"id", "title", "created_at"}, spec.DeclaredColumns)
	require.Equal(t, 12, spec.Limit)
}

func TestEvidenceRowCountTieIsNil(t *testing.T) {
	plan := planOf(false, false)
	results := []engine.ExecutionResult{
		resultWith(0, []string{"id"}, 4),
		resultWith(1, []string{"id"}, 4),
	}
	require.Nil(t, DeriveEvidence(plan, results, "", 20))
}

func TestEvidenceSkipsFailedAndEmptySteps(t *testing.T) {
	plan := planOf(false, true)
	failed := engine.ExecutionResult{StepIndex: 1, Err: "timeout"}
	results := []engine.ExecutionResult{
		resultWith(0, []string{"id", "title"}, 2),
		failed,
	}
	// The tagged step failed; the remaining step dominates alone.
	spec := DeriveEvidence(plan, results, "", 20)
	require.NotNil(t, spec)
	require.Equal(t, 2, spec.Limit)

	require.Nil(t, DeriveEvidence(plan, []engine.ExecutionResult{failed}, "", 20))
	require.Nil(t, DeriveEvidence(plan, nil, "", 20))
}

func TestEvidenceNilWithoutRecognizableColumns(t *testing.T) {
	plan := planOf(true)
	results := []engine.ExecutionResult{resultWith(0, []string{"total", "avg_latency"}, 9)}
	require.Nil(t, DeriveEvidence(plan, results, "", 20))
}

func TestEvidenceLimitCapped(t *testing.T) {
	plan := planOf(true)
	results := []engine.ExecutionResult{resultWith(0, []string{"id", "title"}, 500)}
	spec := DeriveEvidence(plan, results, "", 25)
	require.NotNil(t, spec)
	require.Equal(t, 25, spec.Limit)
}

func TestEvidenceHintBecomesEntityLabel(t *testing.T) {
	plan := planOf(true)
	results := []engine.ExecutionResult{resultWith(0, []string{"id"}, 2)}
	spec := DeriveEvidence(plan, results, "support tickets", 20)
	require.NotNil(t, spec)
	require.Equal(t, "support tickets", spec.EntityLabel)
}
