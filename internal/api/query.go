package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v5"

	"datalens/internal/guardrail"
)

type sqlRequest struct {
	SQL string `json:"sql"`
}

type validateResponse struct {
	Valid  bool   `json:"valid"`
	SQL    string `json:"sql,omitempty"`
	Reason string `json:"reason,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// validateSQL applies the guardrail policy to caller-supplied SQL. A
// rejection is a successful validation outcome, not an HTTP failure.
func (s *APIService) validateSQL(c *echo.Context) error {
	var req sqlRequest
	if err := c.Bind(&req); err != nil || strings.TrimSpace(req.SQL) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "sql required")
	}

	amended, err := guardrail.Validate(req.SQL, s.policy)
	if err != nil {
		var rej *guardrail.Rejection
		if errors.As(err, &rej) {
			return c.JSON(http.StatusOK, validateResponse{
				Valid:  false,
				Reason: string(rej.Reason),
				Detail: rej.Detail,
			})
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, validateResponse{Valid: true, SQL: amended})
}

// directQuery validates and executes one raw statement outside a session,
// returning the canonical result shape.
func (s *APIService) directQuery(c *echo.Context) error {
	var req sqlRequest
	if err := c.Bind(&req); err != nil || strings.TrimSpace(req.SQL) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "sql required")
	}

	amended, err := guardrail.Validate(req.SQL, s.policy)
	if err != nil {
		var rej *guardrail.Rejection
		if errors.As(err, &rej) {
			return c.JSON(http.StatusBadRequest, validateResponse{
				Valid:  false,
				Reason: string(rej.Reason),
				Detail: rej.Detail,
			})
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	res := s.executor.Execute(c.Request().Context(), 0, amended)
	if res.Failed() {
		return c.JSON(http.StatusBadGateway, map[string]string{"error": res.Err})
	}
	return c.JSON(http.StatusOK, res)
}
