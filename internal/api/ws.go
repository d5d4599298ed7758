package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v5"

	"datalens/internal/pipeline"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleAskWS is the WebSocket variant of handleAsk: the client sends one
// ask frame, receives the same ordered event union, and cancels the session
// by closing the connection.
func (s *APIService) handleAskWS(c *echo.Context) error {
	conv, err := s.requireConversation(c, c.Param("uid"))
	if err != nil {
		return err
	}

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	var req askRequest
	if err := conn.ReadJSON(&req); err != nil || strings.TrimSpace(req.Content) == "" {
		_ = conn.WriteJSON(pipeline.StreamEvent{
			Type:    pipeline.EventError,
			Payload: pipeline.ErrorPayload{Code: "BAD_REQUEST", Message: "content required"},
		})
		return nil
	}

	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()

	// The read loop exists to notice the peer going away; any read error
	// (close frame, dropped TCP) cancels the running session.
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				cancel()
				return
			}
		}
	}()

	history, err := s.loadHistory(ctx, conv.ID)
	if err != nil {
		slog.Warn("ws history load failed", "conversation", conv.UID, "err", err)
		return nil
	}

	var writeMu sync.Mutex
	emit := func(ev pipeline.StreamEvent) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(ev)
	}

	s.beginTurn(ctx, conv, len(history), req.Content)

	pipeReq := pipeline.Request{
		RequestID:        uuid.New().String(),
		ConversationID:   conv.ID,
		ConversationUID:  conv.UID,
		Question:         req.Content,
		History:          history,
		ExcludeTables:    toExclusionSet(req.ExcludeTables),
		EvidenceSpecHint: req.EvidenceSpecHint,
	}
	if err := s.controller.Run(ctx, pipeReq, emit); err != nil {
		slog.Warn("ws stream ended early", "conversation", conv.UID, "err", err)
	}

	writeMu.Lock()
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	writeMu.Unlock()
	return nil
}
