// Package api exposes the HTTP surface: conversation CRUD, the streaming
// ask endpoints (SSE and WebSocket), the raw-SQL guardrail surface, and
// event replay.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v5"
	"github.com/lithammer/shortuuid/v4"

	"datalens/internal/engine"
	"datalens/internal/guardrail"
	"datalens/internal/llm"
	"datalens/internal/pipeline"
	"datalens/internal/store"
)

// ResultArchive resolves download URLs for step results offloaded to object
// storage.
type ResultArchive interface {
	ResultURL(ctx context.Context, conversationUID, requestID string, step int) (string, error)
}

// SchemaCache is the catalog's cache-control surface.
type SchemaCache interface {
	Invalidate()
}

type APIService struct {
	store      *store.Store
	controller *pipeline.Controller
	executor   *engine.Executor
	policy     guardrail.Policy
	llm        llm.Client
	archive    ResultArchive
	catalog    SchemaCache
	logger     *slog.Logger
}

func NewAPIService(st *store.Store, controller *pipeline.Controller, executor *engine.Executor, policy guardrail.Policy, llmClient llm.Client) *APIService {
	return &APIService{
		store:      st,
		controller: controller,
		executor:   executor,
		policy:     policy,
		llm:        llmClient,
		logger:     slog.Default().With("component", "api"),
	}
}

// WithArchive enables the archived-result download endpoint.
func (s *APIService) WithArchive(a ResultArchive) *APIService {
	s.archive = a
	return s
}

// WithCatalog enables the schema cache refresh endpoint.
func (s *APIService) WithCatalog(c SchemaCache) *APIService {
	s.catalog = c
	return s
}

func (s *APIService) Register(e *echo.Echo) {
	g := e.Group("/api/v1")
	g.POST("/conversations", s.createConversation)
	g.GET("/conversations", s.listConversations)
	g.PATCH("/conversations/:uid", s.updateConversation)
	g.DELETE("/conversations/:uid", s.deleteConversation)
	g.GET("/conversations/:uid/messages", s.listMessages)
	g.GET("/conversations/:uid/events", s.listEvents)
	g.POST("/conversations/:uid/ask", s.handleAsk)
	g.GET("/conversations/:uid/ask/ws", s.handleAskWS)
	g.GET("/conversations/:uid/requests/:rid/results/:step", s.archivedResult)
	g.POST("/guardrail/validate", s.validateSQL)
	g.POST("/query", s.directQuery)
	g.POST("/catalog/refresh", s.refreshCatalog)

	e.GET("/healthz", func(c *echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
}

type conversationRequest struct {
	Title string `json:"title"`
}

type conversationResponse struct {
	UID       string `json:"uid"`
	Title     string `json:"title"`
	CreatedTs int64  `json:"createdTs"`
	UpdatedTs int64  `json:"updatedTs"`
}

type messageResponse struct {
	ID        int32  `json:"id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	CreatedTs int64  `json:"createdTs"`
}

func toConversationResponse(c *store.Conversation) conversationResponse {
	return conversationResponse{UID: c.UID, Title: c.Title, CreatedTs: c.CreatedTs, UpdatedTs: c.UpdatedTs}
}

func (s *APIService) createConversation(c *echo.Context) error {
	var req conversationRequest
	if err := c.Bind(&req); err != nil {
		req.Title = ""
	}
	if strings.TrimSpace(req.Title) == "" {
		req.Title = "New Chat"
	}
	conv, err := s.store.CreateConversation(c.Request().Context(), &store.Conversation{
		UID:   shortuuid.New(),
		Title: req.Title,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, toConversationResponse(conv))
}

func (s *APIService) listConversations(c *echo.Context) error {
	list, err := s.store.ListConversations(c.Request().Context(), &store.FindConversation{})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	resp := make([]conversationResponse, 0, len(list))
	for _, conv := range list {
		resp = append(resp, toConversationResponse(conv))
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *APIService) updateConversation(c *echo.Context) error {
	uid := c.Param("uid")
	var req conversationRequest
	if err := c.Bind(&req); err != nil || strings.TrimSpace(req.Title) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "title required")
	}
	conv, err := s.requireConversation(c, uid)
	if err != nil {
		return err
	}
	updated, err := s.store.UpdateConversation(c.Request().Context(), &store.UpdateConversation{
		UID:   conv.UID,
		Title: &req.Title,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, toConversationResponse(updated))
}

func (s *APIService) deleteConversation(c *echo.Context) error {
	uid := c.Param("uid")
	if _, err := s.requireConversation(c, uid); err != nil {
		return err
	}
	if err := s.store.DeleteConversation(c.Request().Context(), uid); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *APIService) listMessages(c *echo.Context) error {
	conv, err := s.requireConversation(c, c.Param("uid"))
	if err != nil {
		return err
	}
	msgs, err := s.store.ListMessages(c.Request().Context(), &store.FindMessage{ConversationID: conv.ID})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	resp := make([]messageResponse, 0, len(msgs))
	for _, m := range msgs {
		resp = append(resp, messageResponse{ID: m.ID, Role: m.Role, Content: m.Content, CreatedTs: m.CreatedTs})
	}
	return c.JSON(http.StatusOK, resp)
}

type eventResponse struct {
	RequestID string `json:"requestId"`
	Seq       int    `json:"seq"`
	Type      string `json:"type"`
	Payload   any    `json:"payload"`
	CreatedTs int64  `json:"createdTs"`
}

// listEvents replays the persisted stream for a conversation, optionally
// narrowed to one request.
func (s *APIService) listEvents(c *echo.Context) error {
	conv, err := s.requireConversation(c, c.Param("uid"))
	if err != nil {
		return err
	}
	find := &store.FindEvent{ConversationID: conv.ID}
	if rid := c.Request().URL.Query().Get("request_id"); rid != "" {
		find.RequestID = &rid
	}
	events, err := s.store.ListEvents(c.Request().Context(), find)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	resp := make([]eventResponse, 0, len(events))
	for _, e := range events {
		resp = append(resp, eventResponse{
			RequestID: e.RequestID,
			Seq:       e.Seq,
			Type:      e.Type,
			Payload:   json.RawMessage(e.Payload),
			CreatedTs: e.CreatedTs,
		})
	}
	return c.JSON(http.StatusOK, resp)
}

// archivedResult hands back a presigned download URL for a step result that
// was offloaded to object storage during streaming.
func (s *APIService) archivedResult(c *echo.Context) error {
	conv, err := s.requireConversation(c, c.Param("uid"))
	if err != nil {
		return err
	}
	if s.archive == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "result archive not configured")
	}
	step, err := strconv.Atoi(c.Param("step"))
	if err != nil || step < 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid step")
	}
	url, err := s.archive.ResultURL(c.Request().Context(), conv.UID, c.Param("rid"), step)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]string{"url": url})
}

// refreshCatalog drops the cached schema contexts so the next question sees
// freshly ingested tables.
func (s *APIService) refreshCatalog(c *echo.Context) error {
	if s.catalog == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "catalog not configured")
	}
	s.catalog.Invalidate()
	return c.NoContent(http.StatusNoContent)
}

func (s *APIService) requireConversation(c *echo.Context, uid string) (*store.Conversation, error) {
	conv, err := s.store.GetConversation(c.Request().Context(), &store.FindConversation{UID: &uid})
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if conv == nil {
		return nil, echo.NewHTTPError(http.StatusNotFound, "conversation not found")
	}
	return conv, nil
}
