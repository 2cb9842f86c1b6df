package api

import (
	"net/http"
	"strconv"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/maestro-ai/maestro/pkg/models"
	"github.com/maestro-ai/maestro/pkg/store"
)

// registerRunnerHandler handles POST /api/v1/runner/register.
func (s *Server) registerRunnerHandler(c *echo.Context) error {
	var req models.RegisterRunnerRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	resp, err := s.runners.Register(c.Request().Context(), req)
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusCreated, resp)
}

// heartbeatHandler handles POST /api/v1/runner/heartbeat. A 404 tells the
// runner it has been removed and must re-register.
func (s *Server) heartbeatHandler(c *echo.Context) error {
	var req models.HeartbeatRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.RunnerID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "runner_id is required")
	}

	if err := s.runners.Heartbeat(c.Request().Context(), req.RunnerID); err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// pollRunsHandler handles GET /api/v1/runner/runs?runner_id=&wait=. The run
// filter is derived from the runner's registration; the poll doubles as a
// heartbeat. An empty response at wait expiry is not an error.
func (s *Server) pollRunsHandler(c *echo.Context) error {
	runnerID := c.QueryParam("runner_id")
	if runnerID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "runner_id is required")
	}

	var wait time.Duration
	if v := c.QueryParam("wait"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid wait: must be a non-negative number of seconds")
		}
		wait = time.Duration(secs) * time.Second
	}

	if err := s.runners.Heartbeat(c.Request().Context(), runnerID); err != nil {
		return mapServiceError(c, err)
	}
	runner, err := s.runners.Get(c.Request().Context(), runnerID)
	if err != nil {
		return mapServiceError(c, err)
	}

	resp, err := s.dispatcher.Poll(c.Request().Context(), runnerID, store.RunFilter{
		ExecutorType:    runner.ExecutorType,
		ExecutorProfile: runner.ExecutorProfile,
		Tags:            runner.Tags,
	}, wait)
	if err != nil {
		if c.Request().Context().Err() != nil {
			// Client went away mid-poll; nothing to answer.
			return nil
		}
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// runStartedHandler handles POST /api/v1/runner/runs/:id/started.
func (s *Server) runStartedHandler(c *echo.Context) error {
	runID := c.Param("id")
	var req models.ReportStartedRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	if err := s.runs.Started(c.Request().Context(), runID, req); err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// runCompletedHandler handles POST /api/v1/runner/runs/:id/completed.
func (s *Server) runCompletedHandler(c *echo.Context) error {
	runID := c.Param("id")
	var req models.ReportCompletedRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	if err := s.runs.Completed(c.Request().Context(), runID, req); err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// runFailedHandler handles POST /api/v1/runner/runs/:id/failed.
func (s *Server) runFailedHandler(c *echo.Context) error {
	runID := c.Param("id")
	var req models.ReportFailedRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	if err := s.runs.Failed(c.Request().Context(), runID, req); err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// runStoppedHandler handles POST /api/v1/runner/runs/:id/stopped.
func (s *Server) runStoppedHandler(c *echo.Context) error {
	runID := c.Param("id")
	var req models.ReportStoppedRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	if err := s.runs.Stopped(c.Request().Context(), runID, req); err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// listRunnersHandler handles GET /api/v1/runners.
func (s *Server) listRunnersHandler(c *echo.Context) error {
	resp, err := s.runners.List(c.Request().Context())
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}
