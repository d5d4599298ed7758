package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// HTTPClient talks to the analytic engine over its JSON HTTP API:
// POST {base}/query with {"sql": ...} and GET {base}/catalog.
type HTTPClient struct {
	http    *http.Client
	baseURL string
	apiKey  string
}

func NewHTTPClient(baseURL, apiKey string) *HTTPClient {
	return &HTTPClient{
		// The overall deadline comes from the caller's context; this is a
		// backstop against a wedged connection.
		http:    &http.Client{Timeout: 120 * time.Second},
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:  apiKey,
	}
}

type queryRequest struct {
	SQL string `json:"sql"`
}

func (c *HTTPClient) Query(ctx context.Context, sql string) (*RawReply, error) {
	body, _ := json.Marshal(queryRequest{SQL: sql})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/query", bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "engine: build query request")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "engine: query")
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errors.Errorf("engine: unexpected status %s: %s", resp.Status, readSnippet(resp.Body))
	}

	var reply RawReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return nil, errors.Wrap(err, "engine: decode reply")
	}
	return &reply, nil
}

type catalogReply struct {
	Tables []Table `json:"tables"`
}

func (c *HTTPClient) Catalog(ctx context.Context) ([]Table, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/catalog", nil)
	if err != nil {
		return nil, errors.Wrap(err, "engine: build catalog request")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "engine: catalog")
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errors.Errorf("engine: unexpected status %s: %s", resp.Status, readSnippet(resp.Body))
	}

	var reply catalogReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return nil, errors.Wrap(err, "engine: decode catalog")
	}
	return reply.Tables, nil
}

func readSnippet(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 2048))
	return string(b)
}
