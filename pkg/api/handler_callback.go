package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/maestro-ai/maestro/pkg/models"
	"github.com/maestro-ai/maestro/pkg/store"
)

// listCallbacksHandler handles GET /api/v1/callbacks?parent_session_id=.
func (s *Server) listCallbacksHandler(c *echo.Context) error {
	filter := store.CallbackFilter{
		ParentSessionID: c.QueryParam("parent_session_id"),
		ChildSessionID:  c.QueryParam("child_session_id"),
	}

	cbs, err := s.callbacks.List(c.Request().Context(), filter)
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, &models.CallbackListResponse{Callbacks: cbs})
}

// cancelCallbackHandler handles POST /api/v1/callbacks/:id/cancel.
func (s *Server) cancelCallbackHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "callback id is required")
	}

	if err := s.callbacks.Cancel(c.Request().Context(), id); err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"callback_id": id, "status": "cancelled"})
}
