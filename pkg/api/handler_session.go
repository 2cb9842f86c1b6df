package api

import (
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/maestro-ai/maestro/pkg/models"
	"github.com/maestro-ai/maestro/pkg/services"
)

// createSessionHandler handles POST /api/v1/sessions.
func (s *Server) createSessionHandler(c *echo.Context) error {
	var req models.CreateSessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	req.CreatedBy = identity(c)

	session, err := s.sessions.Create(c.Request().Context(), req)
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusCreated, session)
}

// listSessionsHandler handles GET /api/v1/sessions. Non-admin callers only
// see their own sessions.
func (s *Server) listSessionsHandler(c *echo.Context) error {
	filters := models.SessionFilters{
		Status: c.QueryParam("status"),
		Tag:    c.QueryParam("tag"),
	}
	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			filters.Limit = n
		}
	}
	if v := c.QueryParam("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			filters.Offset = n
		}
	}

	if s.isAdmin(c) {
		filters.CreatedBy = c.QueryParam("created_by")
	} else {
		filters.CreatedBy = identity(c)
	}

	result, err := s.sessions.List(c.Request().Context(), filters)
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

// getSessionHandler handles GET /api/v1/sessions/:id.
func (s *Server) getSessionHandler(c *echo.Context) error {
	sessionID := c.Param("id")
	if sessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session id is required")
	}

	session, err := s.sessions.Get(c.Request().Context(), sessionID)
	if err != nil {
		return mapServiceError(c, err)
	}
	if !s.isAdmin(c) && session.CreatedBy != identity(c) {
		return mapServiceError(c, services.ErrNotFound)
	}
	return c.JSON(http.StatusOK, session)
}

// deleteSessionHandler handles DELETE /api/v1/sessions/:id.
func (s *Server) deleteSessionHandler(c *echo.Context) error {
	sessionID := c.Param("id")
	if sessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session id is required")
	}

	session, err := s.sessions.Get(c.Request().Context(), sessionID)
	if err != nil {
		return mapServiceError(c, err)
	}
	if !s.isAdmin(c) && session.CreatedBy != identity(c) {
		return mapServiceError(c, services.ErrNotFound)
	}

	if err := s.sessions.Delete(c.Request().Context(), sessionID); err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"session_id": sessionID, "status": "deleted"})
}

// sessionStatusHandler handles GET /api/v1/sessions/:id/status. The coarse
// answer is intentionally available to every authenticated caller: executors
// use it for idle checks and it leaks nothing beyond existence.
func (s *Server) sessionStatusHandler(c *echo.Context) error {
	sessionID := c.Param("id")
	if sessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session id is required")
	}

	resp, err := s.sessions.Status(c.Request().Context(), sessionID)
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// sessionResultHandler handles GET /api/v1/sessions/:id/result.
func (s *Server) sessionResultHandler(c *echo.Context) error {
	sessionID := c.Param("id")
	if sessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session id is required")
	}

	result, err := s.sessions.Result(c.Request().Context(), sessionID)
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

// listEventsHandler handles GET /api/v1/sessions/:id/events?from=&limit=.
func (s *Server) listEventsHandler(c *echo.Context) error {
	sessionID := c.Param("id")
	if sessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session id is required")
	}

	var from int64
	if v := c.QueryParam("from"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid from: must be a non-negative integer")
		}
		from = n
	}
	limit := 0
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit: must be a non-negative integer")
		}
		limit = n
	}

	evs, err := s.eventsSvc.Read(c.Request().Context(), sessionID, from, limit)
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, &models.EventListResponse{SessionID: sessionID, Events: evs})
}

// appendEventHandler handles POST /api/v1/sessions/:id/events. Executors
// report through this endpoint, so there is no ownership check beyond the
// bearer token.
func (s *Server) appendEventHandler(c *echo.Context) error {
	sessionID := c.Param("id")
	if sessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session id is required")
	}

	var req models.AppendEventRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ev, err := s.eventsSvc.Append(c.Request().Context(), sessionID, req)
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusCreated, &models.AppendEventResponse{
		SessionID: sessionID,
		Sequence:  ev.Sequence,
	})
}
