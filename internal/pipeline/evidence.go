package pipeline

import (
	"strings"

	"datalens/internal/engine"
)

// EvidenceSpec describes which executed result backs the answer and which
// of its columns to expose for audit. Nil means no evidence: consumers
// treat that as "disabled", never substituting a guess.
type EvidenceSpec struct {
	EntityLabel       string            `json:"entity_label"`
	PrimaryKeyField   string            `json:"primary_key_field,omitempty"`
	DisplayFieldRoles map[string]string `json:"display_field_roles,omitempty"`
	Limit             int               `json:"limit"`
	DeclaredColumns   []string          `json:"declared_columns"`
}

// Conventional column names mapped to display roles.
var roleVocabulary = map[string][]string{
	"title":      {"title", "name", "subject", "label", "summary"},
	"status":     {"status", "state"},
	"created_at": {"created_at", "created_ts", "created", "creation_date", "date"},
}

var primaryKeyCandidates = []string{"id", "uid", "uuid", "key", "pk"}

// DeriveEvidence picks the result that best supports the answer: the last
// step the plan tagged as evidentiary, or, absent a tag, the step whose
// row_count strictly dominates. A tie, or no usable result, yields nil.
func DeriveEvidence(plan *Plan, results []engine.ExecutionResult, hint string, limit int) *EvidenceSpec {
	if plan == nil || len(results) == 0 || limit <= 0 {
		return nil
	}

	chosen := -1
	for i := len(results) - 1; i >= 0; i-- {
		r := results[i]
		if r.StepIndex < len(plan.Steps) && plan.Steps[r.StepIndex].Evidence && !r.Failed() && r.RowCount > 0 {
			chosen = i
			break
		}
	}
	if chosen < 0 {
		best, bestCount, tied := -1, 0, false
		for i, r := range results {
			if r.Failed() || r.RowCount == 0 {
				continue
			}
			switch {
			case r.RowCount > bestCount:
				best, bestCount, tied = i, r.RowCount, false
			case r.RowCount == bestCount:
				tied = true
			}
		}
		if best < 0 || tied {
			return nil
		}
		chosen = best
	}

	result := results[chosen]
	spec := &EvidenceSpec{
		EntityLabel:       entityLabel(plan, result.StepIndex, hint),
		DisplayFieldRoles: map[string]string{},
		Limit:             min(limit, result.RowCount),
	}

	present := make(map[string]bool, len(result.Columns))
	for _, c := range result.Columns {
		present[strings.ToLower(c)] = true
	}
	for _, pk := range primaryKeyCandidates {
		if present[pk] {
			spec.PrimaryKeyField = pk
			break
		}
	}
	if spec.PrimaryKeyField == "" {
		for _, c := range result.Columns {
			lc := strings.ToLower(c)
			if strings.HasSuffix(lc, "_id") || strings.HasSuffix(lc, "_uid") {
				spec.PrimaryKeyField = lc
				break
			}
		}
	}
	for role, names := range roleVocabulary {
		for _, n := range names {
			if present[n] {
				spec.DisplayFieldRoles[role] = n
				break
			}
		}
	}

	declared := map[string]bool{}
	if spec.PrimaryKeyField != "" {
		declared[spec.PrimaryKeyField] = true
	}
	for _, n := range spec.DisplayFieldRoles {
		declared[n] = true
	}
	for _, c := range result.Columns {
		if declared[strings.ToLower(c)] {
			spec.DeclaredColumns = append(spec.DeclaredColumns, c)
		}
	}
	if len(spec.DeclaredColumns) == 0 {
		return nil
	}
	if len(spec.DisplayFieldRoles) == 0 {
		spec.DisplayFieldRoles = nil
	}
	return spec
}

func entityLabel(plan *Plan, stepIndex int, hint string) string {
	if hint != "" {
		return hint
	}
	if stepIndex < len(plan.Steps) {
		if p := strings.TrimSpace(plan.Steps[stepIndex].Purpose); p != "" {
			return p
		}
	}
	return "results"
}
