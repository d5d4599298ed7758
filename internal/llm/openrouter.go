package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

const defaultOpenRouterURL = "https://openrouter.ai/api/v1/chat/completions"

// OpenRouterClient calls an OpenAI-compatible chat completions API.
// Unlike the Gemini path it supports true token streaming for free text.
type OpenRouterClient struct {
	http     *http.Client
	apiKey   string
	model    string
	baseURL  string
	tokenCap int
}

// NewOpenRouterClient creates a client. If apiKey is empty, it falls back to
// the OPENROUTER_API_KEY env var.
func NewOpenRouterClient(apiKey, model string, tokenCap int) *OpenRouterClient {
	if apiKey == "" {
		apiKey = os.Getenv("OPENROUTER_API_KEY")
	}
	if tokenCap <= 0 {
		tokenCap = 8000
	}
	return &OpenRouterClient{
		http:     &http.Client{Timeout: 120 * time.Second},
		apiKey:   apiKey,
		model:    model,
		baseURL:  defaultOpenRouterURL,
		tokenCap: tokenCap,
	}
}

// WithBaseURL points the client at a different OpenAI-compatible endpoint.
func (c *OpenRouterClient) WithBaseURL(url string) *OpenRouterClient {
	if strings.TrimSpace(url) != "" {
		c.baseURL = url
	}
	return c
}

func (c *OpenRouterClient) Name() string             { return "OpenRouter:" + c.model }
func (c *OpenRouterClient) Close() error             { return nil }
func (c *OpenRouterClient) CountTokens(s string) int { return CountTokens(s) }
func (c *OpenRouterClient) TokenCapacity() int       { return c.tokenCap }

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	Temperature    float32           `json:"temperature"`
	Stream         bool              `json:"stream,omitempty"`
	ResponseFormat map[string]string `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (c *OpenRouterClient) GenerateJSON(ctx context.Context, prompt string, input any) (json.RawMessage, error) {
	resp, err := c.do(ctx, prompt, input, false, map[string]string{"type": "json_object"})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	if len(out.Choices) == 0 || out.Choices[0].Message.Content == "" {
		return nil, ErrInvalidJSON
	}
	return json.RawMessage(out.Choices[0].Message.Content), nil
}

// GenerateText streams deltas to onChunk as they arrive over SSE and returns
// the assembled text.
func (c *OpenRouterClient) GenerateText(ctx context.Context, prompt string, input any, onChunk func(chunk string)) (string, error) {
	resp, err := c.do(ctx, prompt, input, true, nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var full strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			break
		}
		var chunk struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
		}
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			continue
		}
		for _, ch := range chunk.Choices {
			if ch.Delta.Content == "" {
				continue
			}
			full.WriteString(ch.Delta.Content)
			if onChunk != nil {
				onChunk(ch.Delta.Content)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	if full.Len() == 0 {
		return "", fmt.Errorf("llm: empty response from %s", c.Name())
	}
	return full.String(), nil
}

func (c *OpenRouterClient) do(ctx context.Context, prompt string, input any, stream bool, format map[string]string) (*http.Response, error) {
	in, _ := json.MarshalIndent(input, "", "  ")
	reqBody := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: prompt},
			{Role: "user", Content: "[INPUT JSON]\n" + string(in)},
		},
		Temperature:    0,
		Stream:         stream,
		ResponseFormat: format,
	}
	b, _ := json.Marshal(reqBody)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		resp.Body.Close()
		err := fmt.Errorf("llm: unexpected status %s: %s", resp.Status, string(body))
		if resp.StatusCode == http.StatusBadRequest && strings.Contains(string(body), "context_length_exceeded") {
			return nil, NewPermanentError(err)
		}
		return nil, err
	}
	return resp, nil
}
