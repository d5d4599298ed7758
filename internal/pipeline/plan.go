package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"datalens/internal/llm"
)

// Turn is one prior exchange passed to the model for conversational context.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Step is one candidate query within a plan. Evidence marks the step whose
// result the model considers the evidentiary one for the answer.
type Step struct {
	Index    int    `json:"index"`
	Purpose  string `json:"purpose"`
	SQL      string `json:"sql"`
	Evidence bool   `json:"evidence,omitempty"`
}

// Plan is the ordered list of steps produced for one question. Immutable
// after generation; steps run strictly in index order.
type Plan struct {
	Steps []Step `json:"steps"`
}

const planPrompt = `You translate an analytics question into SQL for the schema below.
Reply with a single JSON object: {"steps": [{"purpose": "...", "sql": "...", "evidence": false}]}.
Rules:
- Only read-only SELECT statements (a WITH clause ending in SELECT is fine).
- Exactly one statement per step, no semicolons.
- Qualify every table with the schema prefix shown in the schema context.
- Order steps so later ones can build on what earlier ones reveal.
- Set "evidence": true on the one step whose rows best support the answer,
  if any step returns row-level records worth showing.
- Use as few steps as the question needs.`

type planInput struct {
	Question string `json:"question"`
	Schema   string `json:"schema_context"`
	History  []Turn `json:"history,omitempty"`
}

// PlanGenerator asks the model for a plan and decodes it strictly.
type PlanGenerator struct {
	client   llm.Client
	maxSteps int
	timeout  time.Duration
}

func NewPlanGenerator(client llm.Client, maxSteps int, timeout time.Duration) *PlanGenerator {
	if maxSteps <= 0 {
		maxSteps = 5
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &PlanGenerator{client: client, maxSteps: maxSteps, timeout: timeout}
}

// Generate produces a plan for the question. The model call is bounded by
// the generator's timeout. The reply may wrap the JSON payload in prose or
// a single fenced block; anything more ambiguous fails explicitly rather
// than being guessed at.
func (g *PlanGenerator) Generate(ctx context.Context, question, schemaContext string, history []Turn) (*Plan, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	raw, err := g.client.GenerateJSON(llm.WithOp(ctx, "plan"), planPrompt, planInput{
		Question: question,
		Schema:   g.fitSchema(question, schemaContext),
		History:  history,
	})
	if err != nil {
		return nil, fmt.Errorf("plan generation: %w", err)
	}

	payload, err := extractPayload(raw)
	if err != nil {
		return nil, fmt.Errorf("plan reply: %w", err)
	}

	var plan Plan
	if err := json.Unmarshal(payload, &plan); err != nil {
		return nil, fmt.Errorf("plan reply: decode: %w", err)
	}
	if len(plan.Steps) == 0 {
		return nil, fmt.Errorf("plan reply: no steps")
	}
	if len(plan.Steps) > g.maxSteps {
		plan.Steps = plan.Steps[:g.maxSteps]
	}
	for i := range plan.Steps {
		plan.Steps[i].Index = i
		plan.Steps[i].SQL = strings.TrimSpace(plan.Steps[i].SQL)
		if plan.Steps[i].SQL == "" {
			return nil, fmt.Errorf("plan reply: step %d has empty sql", i)
		}
	}
	return &plan, nil
}

// Tokens held back from the capacity for the model's reply and the input
// envelope around the schema.
const replyTokenReserve = 1024

// fitSchema trims the schema context so the composed prompt stays inside the
// client's token capacity. Tables render as blank-line-separated blocks, so
// trimming drops whole trailing blocks, never half a table.
func (g *PlanGenerator) fitSchema(question, schema string) string {
	capacity := g.client.TokenCapacity()
	if capacity <= 0 {
		return schema
	}
	budget := capacity - g.client.CountTokens(planPrompt) - g.client.CountTokens(question) - replyTokenReserve
	if budget <= 0 {
		return ""
	}
	for g.client.CountTokens(schema) > budget {
		schema = strings.TrimRight(schema, "\n")
		cut := strings.LastIndex(schema, "\n\n")
		if cut < 0 {
			return ""
		}
		schema = schema[:cut]
	}
	return schema
}

// extractPayload locates the single JSON object in a model reply. It accepts
// the object bare, inside one fenced block, or surrounded by prose. Zero or
// more than one candidate object is an explicit failure, never a truncation.
func extractPayload(raw json.RawMessage) (json.RawMessage, error) {
	text := strings.TrimSpace(string(raw))
	if text == "" {
		return nil, fmt.Errorf("empty reply")
	}
	if strings.HasPrefix(text, "{") && json.Valid([]byte(text)) {
		return json.RawMessage(text), nil
	}

	if inner, ok, err := unfence(text); err != nil {
		return nil, err
	} else if ok {
		if !json.Valid([]byte(inner)) {
			return nil, fmt.Errorf("fenced block is not valid JSON")
		}
		return json.RawMessage(inner), nil
	}

	candidates := scanObjects(text)
	switch len(candidates) {
	case 0:
		return nil, fmt.Errorf("no JSON object found")
	case 1:
		return json.RawMessage(candidates[0]), nil
	default:
		return nil, fmt.Errorf("ambiguous reply: %d JSON objects found", len(candidates))
	}
}

// unfence strips exactly one ``` fence. A reply with more than one fenced
// block is ambiguous and errors.
func unfence(text string) (string, bool, error) {
	start := strings.Index(text, "```")
	if start < 0 {
		return "", false, nil
	}
	rest := text[start+3:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[nl+1:] // drop the language tag line
	}
	end := strings.Index(rest, "```")
	if end < 0 {
		return "", false, fmt.Errorf("unterminated fenced block")
	}
	if strings.Contains(rest[end+3:], "```") {
		return "", false, fmt.Errorf("ambiguous reply: multiple fenced blocks")
	}
	return strings.TrimSpace(rest[:end]), true, nil
}

// scanObjects walks the text collecting top-level balanced {...} spans that
// parse as JSON. Braces inside string literals do not count.
func scanObjects(text string) []string {
	var out []string
	for i := 0; i < len(text); i++ {
		if text[i] != '{' {
			continue
		}
		end := matchBrace(text, i)
		if end < 0 {
			continue
		}
		span := text[i : end+1]
		if json.Valid([]byte(span)) {
			out = append(out, span)
			i = end
		}
	}
	return out
}

func matchBrace(text string, start int) int {
	depth := 0
	inString := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch c {
			case '\\':
				i++
			case '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
