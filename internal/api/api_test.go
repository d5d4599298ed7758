package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/labstack/echo/v5"
	"github.com/stretchr/testify/require"

	"datalens/internal/engine"
	"datalens/internal/guardrail"
	"datalens/internal/llm"
	"datalens/internal/pipeline"
	"datalens/internal/store"
)

// memDriver is an in-memory store.Driver for handler tests.
type memDriver struct {
	mu            sync.Mutex
	nextConvID    int32
	nextMsgID     int32
	nextEventID   int64
	conversations []*store.Conversation
	messages      []*store.Message
	events        []*store.Event
}

func newMemDriver() *memDriver { return &memDriver{} }

func (d *memDriver) EnsureSchema(ctx context.Context) error { return nil }
func (d *memDriver) Close() error                           { return nil }

func (d *memDriver) CreateConversation(ctx context.Context, create *store.Conversation) (*store.Conversation, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextConvID++
	create.ID = d.nextConvID
	d.conversations = append(d.conversations, create)
	return create, nil
}

func (d *memDriver) ListConversations(ctx context.Context, find *store.FindConversation) ([]*store.Conversation, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*store.Conversation
	for _, c := range d.conversations {
		if find.UID != nil && c.UID != *find.UID {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (d *memDriver) UpdateConversation(ctx context.Context, update *store.UpdateConversation) (*store.Conversation, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.conversations {
		if c.UID == update.UID {
			if update.Title != nil {
				c.Title = *update.Title
			}
			return c, nil
		}
	}
	return nil, store.ErrNotFound
}

func (d *memDriver) DeleteConversation(ctx context.Context, uid string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	kept := d.conversations[:0]
	for _, c := range d.conversations {
		if c.UID != uid {
			kept = append(kept, c)
		}
	}
	d.conversations = kept
	return nil
}

func (d *memDriver) CreateMessage(ctx context.Context, create *store.CreateMessage) (*store.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextMsgID++
	m := &store.Message{ID: d.nextMsgID, ConversationID: create.ConversationID, Role: create.Role, Content: create.Content}
	d.messages = append(d.messages, m)
	return m, nil
}

func (d *memDriver) ListMessages(ctx context.Context, find *store.FindMessage) ([]*store.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*store.Message
	for _, m := range d.messages {
		if m.ConversationID == find.ConversationID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (d *memDriver) AppendEvents(ctx context.Context, events []*store.CreateEvent) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, e := range events {
		d.nextEventID++
		d.events = append(d.events, &store.Event{
			ID:             d.nextEventID,
			ConversationID: e.ConversationID,
			RequestID:      e.RequestID,
			Seq:            e.Seq,
			Type:           e.Type,
			Payload:        e.Payload,
		})
	}
	return nil
}

func (d *memDriver) ListEvents(ctx context.Context, find *store.FindEvent) ([]*store.Event, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*store.Event
	for _, e := range d.events {
		if e.ConversationID != find.ConversationID {
			continue
		}
		if find.RequestID != nil && e.RequestID != *find.RequestID {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// testLLM replays one canned plan and answer.
type testLLM struct {
	planRaw string
	answer  string
}

func (f *testLLM) Name() string             { return "test" }
func (f *testLLM) Close() error             { return nil }
func (f *testLLM) CountTokens(t string) int { return llm.CountTokens(t) }
func (f *testLLM) TokenCapacity() int       { return 8192 }

func (f *testLLM) GenerateJSON(ctx context.Context, prompt string, input any) (json.RawMessage, error) {
	return json.RawMessage(f.planRaw), nil
}

func (f *testLLM) GenerateText(ctx context.Context, prompt string, input any, onChunk func(string)) (string, error) {
	if llm.OpFrom(ctx) == "title" {
		return "Ticket count question", nil
	}
	if onChunk != nil {
		for _, w := range strings.Fields(f.answer) {
			onChunk(w + " ")
		}
	}
	return f.answer, nil
}

type testEngine struct {
	reply *engine.RawReply
}

func (e *testEngine) Query(ctx context.Context, sql string) (*engine.RawReply, error) {
	return e.reply, nil
}

func (e *testEngine) Catalog(ctx context.Context) ([]engine.Table, error) {
	return []engine.Table{{
		Name:    "files.tickets",
		Columns: []engine.Column{{Name: "id", Type: "INTEGER"}, {Name: "title", Type: "TEXT"}},
	}}, nil
}

type staticSchema string

func (s staticSchema) Context(ctx context.Context, exclude map[string]bool) (string, error) {
	return string(s), nil
}

func newTestService(t *testing.T, planRaw, answer string, reply *engine.RawReply) (*APIService, *echo.Echo, *memDriver) {
	t.Helper()
	return newTestServiceWithEngine(t, planRaw, answer, &testEngine{reply: reply})
}

func newTestServiceWithEngine(t *testing.T, planRaw, answer string, eng engine.Client) (*APIService, *echo.Echo, *memDriver) {
	t.Helper()
	driver := newMemDriver()
	st := store.New(driver)
	policy := guardrail.Policy{TablePrefix: "files", DefaultRowLimit: 100}

	llmClient := &testLLM{planRaw: planRaw, answer: answer}
	executor := engine.NewExecutor(eng, 0)
	controller := pipeline.NewController(
		pipeline.NewPlanGenerator(llmClient, 5, 0),
		executor,
		pipeline.NewAnswerSynthesizer(llmClient, 0),
		staticSchema("TABLE files.tickets (id INTEGER, title TEXT)"),
		st,
		pipeline.Options{Policy: policy, EvidenceRowLimit: 10},
	)

	svc := NewAPIService(st, controller, executor, policy, llmClient)
	e := echo.New()
	svc.Register(e)
	return svc, e, driver
}

func doJSON(t *testing.T, e *echo.Echo, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestConversationCRUD(t *testing.T) {
	_, e, _ := newTestService(t, "{}", "", nil)

	rec := doJSON(t, e, http.MethodPost, "/api/v1/conversations", conversationRequest{Title: "tickets"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created conversationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created.UID)
	require.Equal(t, "tickets", created.Title)

	rec = doJSON(t, e, http.MethodGet, "/api/v1/conversations", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []conversationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)

	rec = doJSON(t, e, http.MethodPatch, "/api/v1/conversations/"+created.UID, conversationRequest{Title: "renamed"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, e, http.MethodDelete, "/api/v1/conversations/"+created.UID, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, e, http.MethodGet, "/api/v1/conversations/"+created.UID+"/messages", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestValidateSQLEndpoint(t *testing.T) {
	_, e, _ := newTestService(t, "{}", "", nil)

	cases := []struct {
		name       string
		sql        string
		wantValid  bool
		wantReason string
	}{
		{"valid with limit injected", "SELECT * FROM files.tickets", true, ""},
		{"multiple statements", "SELECT 1; SELECT 2", false, "MULTIPLE_STATEMENTS"},
		{"missing prefix", "SELECT * FROM tickets LIMIT 10", false, "PREFIX_VIOLATION"},
		{"mutation", "DELETE FROM files.tickets", false, "NON_SELECT"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doJSON(t, e, http.MethodPost, "/api/v1/guardrail/validate", sqlRequest{SQL: tc.sql})
			require.Equal(t, http.StatusOK, rec.Code)
			var resp validateResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			require.Equal(t, tc.wantValid, resp.Valid)
			require.Equal(t, tc.wantReason, resp.Reason)
			if tc.wantValid {
				require.Contains(t, resp.SQL, "LIMIT")
			}
		})
	}
}

func TestDirectQuery(t *testing.T) {
	reply := &engine.RawReply{Columns: []string{"n"}, Rows: []json.RawMessage{json.RawMessage(`[42]`)}}
	_, e, _ := newTestService(t, "{}", "", reply)

	rec := doJSON(t, e, http.MethodPost, "/api/v1/query", sqlRequest{SQL: "SELECT COUNT(*) AS n FROM files.tickets"})
	require.Equal(t, http.StatusOK, rec.Code)
	var res engine.ExecutionResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.Equal(t, []string{"n"}, res.Columns)
	require.Equal(t, 1, res.RowCount)

	rec = doJSON(t, e, http.MethodPost, "/api/v1/query", sqlRequest{SQL: "DROP TABLE files.tickets"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

// urlArchive resolves canned download URLs and records what was asked for.
type urlArchive struct {
	mu    sync.Mutex
	calls []string
}

func (a *urlArchive) ResultURL(ctx context.Context, conversationUID, requestID string, step int) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := conversationUID + "/" + requestID
	a.calls = append(a.calls, key)
	return "https://archive.local/" + key, nil
}

func TestArchivedResultURL(t *testing.T) {
	svc, e, _ := newTestService(t, "{}", "", nil)

	rec := doJSON(t, e, http.MethodPost, "/api/v1/conversations", conversationRequest{Title: "tickets"})
	var conv conversationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &conv))

	path := "/api/v1/conversations/" + conv.UID + "/requests/req-1/results/0"

	// No archive configured yet.
	rec = doJSON(t, e, http.MethodGet, path, nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	archive := &urlArchive{}
	svc.WithArchive(archive)

	rec = doJSON(t, e, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "https://archive.local/"+conv.UID+"/req-1", resp["url"])
	require.Equal(t, []string{conv.UID + "/req-1"}, archive.calls)

	rec = doJSON(t, e, http.MethodGet, "/api/v1/conversations/"+conv.UID+"/requests/req-1/results/notanint", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

type countingCache struct{ purges int }

func (c *countingCache) Invalidate() { c.purges++ }

func TestCatalogRefresh(t *testing.T) {
	svc, e, _ := newTestService(t, "{}", "", nil)

	rec := doJSON(t, e, http.MethodPost, "/api/v1/catalog/refresh", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	cache := &countingCache{}
	svc.WithCatalog(cache)

	rec = doJSON(t, e, http.MethodPost, "/api/v1/catalog/refresh", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, 1, cache.purges)
}

func TestAskStreamsSSE(t *testing.T) {
	plan := `{"steps":[{"purpose":"count tickets","sql":"SELECT COUNT(*) AS n FROM files.tickets"}]}`
	reply := &engine.RawReply{Columns: []string{"n"}, Rows: []json.RawMessage{json.RawMessage(`[42]`)}}
	_, e, driver := newTestService(t, plan, "There are 42 tickets.", reply)

	rec := doJSON(t, e, http.MethodPost, "/api/v1/conversations", conversationRequest{Title: "New Chat"})
	var conv conversationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &conv))

	srv := httptest.NewServer(e)
	defer srv.Close()

	body, _ := json.Marshal(askRequest{Content: "How many tickets?"})
	resp, err := http.Post(srv.URL+"/api/v1/conversations/"+conv.UID+"/ask", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var types []string
	var donePayload map[string]any
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev struct {
			Type    string          `json:"type"`
			Payload json.RawMessage `json:"payload"`
		}
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
		types = append(types, ev.Type)
		if ev.Type == pipeline.EventDone {
			require.NoError(t, json.Unmarshal(ev.Payload, &donePayload))
		}
	}
	require.NoError(t, scanner.Err())

	require.Equal(t, pipeline.EventMeta, types[0])
	require.Equal(t, pipeline.EventDone, types[len(types)-1])
	require.Contains(t, types, pipeline.EventSQL)
	require.Contains(t, types, pipeline.EventRows)
	require.Contains(t, donePayload["content_full"], "42")

	// The stream is also replayable from the event log.
	driver.mu.Lock()
	persisted := len(driver.events)
	driver.mu.Unlock()
	require.Equal(t, len(types), persisted)
}
