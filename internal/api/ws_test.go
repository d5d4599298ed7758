package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"datalens/internal/engine"
	"datalens/internal/pipeline"
)

type wsEvent struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func dialAsk(t *testing.T, srv *httptest.Server, uid string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/conversations/" + uid + "/ask/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	return conn
}

func TestAskStreamsWebSocket(t *testing.T) {
	plan := `{"steps":[{"purpose":"count tickets","sql":"SELECT COUNT(*) AS n FROM files.tickets"}]}`
	reply := &engine.RawReply{Columns: []string{"n"}, Rows: []json.RawMessage{json.RawMessage(`[42]`)}}
	_, e, driver := newTestService(t, plan, "There are 42 tickets.", reply)

	rec := doJSON(t, e, http.MethodPost, "/api/v1/conversations", conversationRequest{Title: "tickets"})
	var conv conversationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &conv))

	srv := httptest.NewServer(e)
	defer srv.Close()

	conn := dialAsk(t, srv, conv.UID)
	defer conn.Close()
	require.NoError(t, conn.WriteJSON(askRequest{Content: "How many tickets?"}))

	var types []string
	var donePayload map[string]any
	for {
		var ev wsEvent
		if err := conn.ReadJSON(&ev); err != nil {
			require.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected read error: %v", err)
			break
		}
		types = append(types, ev.Type)
		if ev.Type == pipeline.EventDone {
			require.NoError(t, json.Unmarshal(ev.Payload, &donePayload))
		}
	}

	require.Equal(t, pipeline.EventMeta, types[0])
	require.Equal(t, pipeline.EventDone, types[len(types)-1])
	require.Contains(t, types, pipeline.EventSQL)
	require.Contains(t, types, pipeline.EventRows)
	require.Contains(t, donePayload["content_full"], "42")

	// The same event union is replayable from the log.
	driver.mu.Lock()
	persisted := len(driver.events)
	driver.mu.Unlock()
	require.Equal(t, len(types), persisted)
}

func TestAskWebSocketRejectsEmptyContent(t *testing.T) {
	_, e, _ := newTestService(t, "{}", "", nil)

	rec := doJSON(t, e, http.MethodPost, "/api/v1/conversations", conversationRequest{Title: "tickets"})
	var conv conversationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &conv))

	srv := httptest.NewServer(e)
	defer srv.Close()

	conn := dialAsk(t, srv, conv.UID)
	defer conn.Close()
	require.NoError(t, conn.WriteJSON(askRequest{Content: "   "}))

	var ev wsEvent
	require.NoError(t, conn.ReadJSON(&ev))
	require.Equal(t, pipeline.EventError, ev.Type)
	var payload pipeline.ErrorPayload
	require.NoError(t, json.Unmarshal(ev.Payload, &payload))
	require.Equal(t, "BAD_REQUEST", payload.Code)
}

// gatedEngine answers the first query immediately and parks every later one
// until its context is cancelled.
type gatedEngine struct {
	mu    sync.Mutex
	calls int
	first *engine.RawReply
}

func (g *gatedEngine) Query(ctx context.Context, sql string) (*engine.RawReply, error) {
	g.mu.Lock()
	n := g.calls
	g.calls++
	g.mu.Unlock()
	if n == 0 {
		return g.first, nil
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func (g *gatedEngine) Catalog(ctx context.Context) ([]engine.Table, error) { return nil, nil }

func TestAskWebSocketDisconnectCancels(t *testing.T) {
	plan := `{"steps":[
		{"purpose":"count tickets","sql":"SELECT COUNT(*) AS n FROM files.tickets"},
		{"purpose":"count users","sql":"SELECT COUNT(*) AS n FROM files.users"}
	]}`
	eng := &gatedEngine{first: &engine.RawReply{Columns: []string{"n"}, Rows: []json.RawMessage{json.RawMessage(`[42]`)}}}
	_, e, driver := newTestServiceWithEngine(t, plan, "unused", eng)

	rec := doJSON(t, e, http.MethodPost, "/api/v1/conversations", conversationRequest{Title: "tickets"})
	var conv conversationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &conv))

	srv := httptest.NewServer(e)
	defer srv.Close()

	conn := dialAsk(t, srv, conv.UID)
	require.NoError(t, conn.WriteJSON(askRequest{Content: "counts?"}))

	// Read until the first rows event lands, then hang up mid-session.
	for {
		var ev wsEvent
		require.NoError(t, conn.ReadJSON(&ev))
		if ev.Type == pipeline.EventRows {
			break
		}
	}
	require.NoError(t, conn.Close())

	// The dropped connection cancels the session; the terminal event in the
	// log is the cancellation, never done.
	require.Eventually(t, func() bool {
		driver.mu.Lock()
		defer driver.mu.Unlock()
		if len(driver.events) == 0 {
			return false
		}
		last := driver.events[len(driver.events)-1]
		if last.Type != pipeline.EventError {
			return false
		}
		var payload pipeline.ErrorPayload
		if err := json.Unmarshal([]byte(last.Payload), &payload); err != nil {
			return false
		}
		return payload.Code == pipeline.CodeCancelled
	}, 3*time.Second, 10*time.Millisecond)

	driver.mu.Lock()
	defer driver.mu.Unlock()
	for _, ev := range driver.events {
		require.NotEqual(t, pipeline.EventDone, ev.Type)
	}
}
