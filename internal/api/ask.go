package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v5"

	"datalens/internal/llm"
	"datalens/internal/pipeline"
	"datalens/internal/store"
)

type askRequest struct {
	Content          string   `json:"content"`
	ExcludeTables    []string `json:"excludeTables,omitempty"`
	EvidenceSpecHint string   `json:"evidenceSpecHint,omitempty"`
}

// handleAsk runs one pipeline session and streams its events as SSE. The
// request context doubles as the cancellation signal: when the client
// drops, the controller sees a cancelled context between units of work.
func (s *APIService) handleAsk(c *echo.Context) error {
	conv, err := s.requireConversation(c, c.Param("uid"))
	if err != nil {
		return err
	}

	var req askRequest
	if err := c.Bind(&req); err != nil || strings.TrimSpace(req.Content) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "content required")
	}

	ctx := c.Request().Context()
	history, err := s.loadHistory(ctx, conv.ID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	rw := c.Response()
	rw.Header().Set("Content-Type", "text/event-stream")
	rw.Header().Set("Cache-Control", "no-cache")
	rw.Header().Set("Connection", "keep-alive")
	rw.Header().Set("X-Accel-Buffering", "no")
	rw.WriteHeader(http.StatusOK)

	emit := func(ev pipeline.StreamEvent) error {
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(rw, "data: %s\n\n", data); err != nil {
			return err
		}
		if f, ok := rw.(http.Flusher); ok {
			f.Flush()
		}
		return nil
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
		slog.Warn("ask stream ended early", "conversation", conv.UID, "err", err)
	}
	return nil
}

func (s *APIService) loadHistory(ctx context.Context, conversationID int32) ([]pipeline.Turn, error) {
	msgs, err := s.store.ListMessages(ctx, &store.FindMessage{ConversationID: conversationID})
	if err != nil {
		return nil, err
	}
	turns := make([]pipeline.Turn, 0, len(msgs))
	for _, m := range msgs {
		turns = append(turns, pipeline.Turn{Role: m.Role, Content: m.Content})
	}
	return turns, nil
}

// beginTurn persists the user message and kicks off auto-titling on the
// first turn of an untitled conversation. Both are best-effort.
func (s *APIService) beginTurn(ctx context.Context, conv *store.Conversation, priorTurns int, content string) {
	if _, err := s.store.CreateMessage(ctx, &store.CreateMessage{
		ConversationID: conv.ID,
		Role:           "user",
		Content:        content,
	}); err != nil {
		slog.Warn("failed to persist user message", "conversation", conv.UID, "err", err)
	}
	if priorTurns == 0 && conv.Title == "New Chat" {
		go s.autoTitleConversation(context.Background(), conv.UID, content)
	}
}

func (s *APIService) autoTitleConversation(ctx context.Context, uid, firstMessage string) {
	prompt := fmt.Sprintf(
		"Generate a short (5-7 word) title for an analytics chat that starts with:\n%q\nReturn only the title, no quotes.",
		firstMessage,
	)
	title, err := s.llm.GenerateText(llm.WithOp(ctx, "title"), prompt, nil, nil)
	if err != nil || strings.TrimSpace(title) == "" {
		return
	}
	title = strings.TrimSpace(title)
	if _, err := s.store.UpdateConversation(ctx, &store.UpdateConversation{UID: uid, Title: &title}); err != nil {
		slog.Warn("auto-title failed", "conversation", uid, "err", err)
	}
}

func toExclusionSet(names []string) map[string]bool {
	if len(names) == 0 {
		return nil
	}
	set := make(map[string]bool, len(names))
	for _, n := range names {
		if n = strings.ToLower(strings.TrimSpace(n)); n != "" {
			set[n] = true
		}
	}
	return set
}
