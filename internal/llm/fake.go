package llm

import (
	"context"
	"encoding/json"
	"strings"
)

// FakeClient returns deterministic, minimal payloads per pipeline op for
// offline development and tests.
type FakeClient struct {
	tokenCap int
}

func NewFakeClient(cap int) *FakeClient {
	if cap <= 0 {
		cap = 4096
	}
	return &FakeClient{tokenCap: cap}
}

func (f *FakeClient) Name() string             { return "FakeLLM" }
func (f *FakeClient) Close() error             { return nil }
func (f *FakeClient) CountTokens(s string) int { return CountTokens(s) }
func (f *FakeClient) TokenCapacity() int       { return f.tokenCap }

func (f *FakeClient) GenerateJSON(ctx context.Context, prompt string, input any) (json.RawMessage, error) {
	var obj any
	switch OpFrom(ctx) {
	case "plan":
		obj = map[string]any{
			"steps": []any{
				map[string]any{
					"purpose":  "count matching rows",
					"sql":      "SELECT COUNT(*) AS n FROM files.tickets",
					"evidence": false,
				},
			},
		}
	default:
		obj = map[string]any{}
	}
	b, _ := json.Marshal(obj)
	return json.RawMessage(b), nil
}

func (f *FakeClient) GenerateText(ctx context.Context, prompt string, input any, onChunk func(chunk string)) (string, error) {
	var text string
	switch OpFrom(ctx) {
	case "title":
		text = "Fake conversation title"
	default:
		text = "Fake answer based on the executed results."
	}
	if onChunk != nil {
		for _, w := range strings.Fields(text) {
			onChunk(w + " ")
		}
	}
	return text, nil
}
