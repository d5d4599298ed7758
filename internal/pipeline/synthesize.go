package pipeline

import (
	"context"
	"fmt"
	"time"

	"datalens/internal/engine"
	"datalens/internal/llm"
)

// Rows fed to the model per step. Enough to answer from; the full result
// already went out in the rows event.
const synthesisRowCap = 50

const answerPrompt = `Answer the user's question from the executed query results below.
Steps with an "error" field failed; say so when it limits the answer, and
answer from the steps that succeeded. Be direct and concrete: name the
numbers and entities the results contain. Plain text only.`

type synthesisStep struct {
	Step     int              `json:"step"`
	Purpose  string           `json:"purpose"`
	Columns  []string         `json:"columns,omitempty"`
	Rows     []map[string]any `json:"rows,omitempty"`
	RowCount int              `json:"row_count"`
	Error    string           `json:"error,omitempty"`
}

type synthesisInput struct {
	Question string          `json:"question"`
	Results  []synthesisStep `json:"results"`
}

// AnswerSynthesizer turns the question plus the executed results into the
// final free-text answer. A generation failure is returned as-is; there is
// no canned fallback sentence.
type AnswerSynthesizer struct {
	client  llm.Client
	timeout time.Duration
}

func NewAnswerSynthesizer(client llm.Client, timeout time.Duration) *AnswerSynthesizer {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &AnswerSynthesizer{client: client, timeout: timeout}
}

// Synthesize streams the answer through onChunk (may be nil) and returns
// the full text. The model call is bounded by the synthesizer's timeout.
func (s *AnswerSynthesizer) Synthesize(ctx context.Context, question string, plan *Plan, results []engine.ExecutionResult, onChunk func(string)) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	input := synthesisInput{Question: question, Results: make([]synthesisStep, 0, len(results))}
	for _, r := range results {
		st := synthesisStep{
			Step:     r.StepIndex,
			Columns:  r.Columns,
			Rows:     r.Rows,
			RowCount: r.RowCount,
			Error:    r.Err,
		}
		if r.StepIndex < len(plan.Steps) {
			st.Purpose = plan.Steps[r.StepIndex].Purpose
		}
		if len(st.Rows) > synthesisRowCap {
			st.Rows = st.Rows[:synthesisRowCap]
		}
		input.Results = append(input.Results, st)
	}

	text, err := s.client.GenerateText(llm.WithOp(ctx, "answer"), answerPrompt, input, onChunk)
	if err != nil {
		return "", fmt.Errorf("answer synthesis: %w", err)
	}
	if text == "" {
		return "", fmt.Errorf("answer synthesis: empty reply")
	}
	return text, nil
}
