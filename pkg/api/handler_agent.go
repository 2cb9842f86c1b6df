package api

import (
	"errors"
	"net/http"
	"strings"

	echo "github.com/labstack/echo/v5"

	"github.com/maestro-ai/maestro/pkg/agents"
	"github.com/maestro-ai/maestro/pkg/models"
	"github.com/maestro-ai/maestro/pkg/services"
)

// listAgentsHandler handles GET /api/v1/agents?tags=a,b. Requested tags must
// all be carried by a blueprint for it to match.
func (s *Server) listAgentsHandler(c *echo.Context) error {
	var tags []string
	if v := c.QueryParam("tags"); v != "" {
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				tags = append(tags, t)
			}
		}
	}

	list, err := s.registry.List(c.Request().Context(), tags)
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, &models.AgentListResponse{Agents: list})
}

// getAgentHandler handles GET /api/v1/agents/:name.
func (s *Server) getAgentHandler(c *echo.Context) error {
	name := c.Param("name")
	if name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "agent name is required")
	}

	bp, err := s.registry.Get(c.Request().Context(), name)
	if err != nil {
		if errors.Is(err, agents.ErrAgentNotFound) {
			return mapServiceError(c, services.ErrNotFound)
		}
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, bp)
}
