package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/maestro-ai/maestro/pkg/models"
)

// createRunHandler handles POST /api/v1/runs. Sync mode holds the request
// open until the target session reaches a terminal state.
func (s *Server) createRunHandler(c *echo.Context) error {
	var req models.CreateRunRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	req.CreatedBy = identity(c)

	resp, err := s.runs.Create(c.Request().Context(), req)
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusCreated, resp)
}

// getRunHandler handles GET /api/v1/runs/:id.
func (s *Server) getRunHandler(c *echo.Context) error {
	runID := c.Param("id")
	if runID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "run id is required")
	}

	run, err := s.runs.Get(c.Request().Context(), runID)
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, run)
}

// stopRunHandler handles POST /api/v1/runs/:id/stop. Idempotent: stopping a
// terminal run succeeds without effect.
func (s *Server) stopRunHandler(c *echo.Context) error {
	runID := c.Param("id")
	if runID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "run id is required")
	}

	if err := s.runs.Stop(c.Request().Context(), runID); err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"run_id": runID, "status": "stop_requested"})
}
