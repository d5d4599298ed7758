// Package pipeline orchestrates a question through plan generation,
// guardrailed execution, answer synthesis, and evidence derivation, emitting
// an ordered event stream along the way.
package pipeline

// Stream event types, in the order a session emits them: meta first, then
// plan, then sql/rows pairs per step, then deltas, then exactly one of
// done or error. Nothing follows the terminal event.
const (
	EventMeta  = "meta"
	EventPlan  = "plan"
	EventSQL   = "sql"
	EventRows  = "rows"
	EventDelta = "delta"
	EventDone  = "done"
	EventError = "error"
)

// Terminal error codes.
const (
	CodePlanFailed       = "PLAN_FAILED"
	CodeAllStepsRejected = "ALL_STEPS_REJECTED"
	CodeSynthesisFailed  = "SYNTHESIS_FAILED"
	CodeCancelled        = "CANCELLED"
)

// StreamEvent is one frame of the session stream.
type StreamEvent struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

type MetaPayload struct {
	RequestID        string `json:"request_id"`
	ConversationID   string `json:"conversation_id"`
	EvidenceSpecHint string `json:"evidence_spec_hint,omitempty"`
}

type PlanPayload struct {
	Steps []PlanStepView `json:"steps"`
}

type PlanStepView struct {
	Index   int    `json:"index"`
	Purpose string `json:"purpose"`
	SQL     string `json:"sql"`
}

// SQLPayload carries the validated (possibly amended) statement for a step.
// For a rejected step it carries the original candidate text.
type SQLPayload struct {
	Step    int    `json:"step"`
	Purpose string `json:"purpose"`
	SQL     string `json:"sql"`
}

type RowsPayload struct {
	Step     int              `json:"step"`
	Purpose  string           `json:"purpose"`
	Columns  []string         `json:"columns"`
	Rows     []map[string]any `json:"rows"`
	RowCount int              `json:"row_count"`
	Error    string           `json:"error,omitempty"`
}

type DeltaPayload struct {
	Seq     int    `json:"seq"`
	Content string `json:"content"`
}

type DonePayload struct {
	ContentFull  string        `json:"content_full"`
	EvidenceSpec *EvidenceSpec `json:"evidence_spec,omitempty"`
	Elapsed      float64       `json:"elapsed"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
