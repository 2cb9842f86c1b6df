package api

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/maestro-ai/maestro/pkg/store"
	"github.com/maestro-ai/maestro/pkg/version"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusUnhealthy = "unhealthy"
)

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status      string              `json:"status"`
	Version     string              `json:"version"`
	Database    *store.HealthStatus `json:"database,omitempty"`
	Runners     int                 `json:"runners"`
	Subscribers int                 `json:"subscribers"`
}

// sqlBacked is implemented by stores with a SQL pool behind them; the
// in-memory store is always healthy.
type sqlBacked interface {
	DB() *sql.DB
}

// healthHandler handles GET /health. Unauthenticated, safe for liveness
// probes; only the coordinator's own dependencies are checked.
func (s *Server) healthHandler(c *echo.Context) error {
	reqCtx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	resp := &HealthResponse{
		Status:      healthStatusHealthy,
		Version:     version.GitCommit,
		Subscribers: s.broadcaster.SubscriberCount(),
	}

	httpStatus := http.StatusOK
	if db, ok := s.store.(sqlBacked); ok {
		health, err := store.Health(reqCtx, db.DB())
		resp.Database = health
		if err != nil {
			resp.Status = healthStatusUnhealthy
			httpStatus = http.StatusServiceUnavailable
		}
	}

	if resp.Status == healthStatusHealthy {
		if runners, err := s.runners.List(reqCtx); err == nil {
			resp.Runners = len(runners.Runners)
		}
	}

	return c.JSON(httpStatus, resp)
}
