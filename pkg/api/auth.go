package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	echo "github.com/labstack/echo/v5"
)

// defaultIdentity is assigned to callers that present no identity header.
const defaultIdentity = "api-client"

// authMiddleware enforces the shared bearer token on every route except
// /health. Identity and role checks happen per handler via identity/isAdmin.
func (s *Server) authMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			if !s.cfg.AuthEnabled || c.Request().URL.Path == "/health" {
				return next(c)
			}

			token := bearerToken(c.Request())
			if token == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing bearer token")
			}
			if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.APIKey)) != 1 {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid bearer token")
			}
			return next(c)
		}
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return h[len(prefix):]
	}
	return ""
}

// identity extracts the caller's identity from the X-Orchestrator-User
// header. Callers without one (runners, executors) act as "api-client".
func identity(c *echo.Context) string {
	if user := c.Request().Header.Get("X-Orchestrator-User"); user != "" {
		return user
	}
	return defaultIdentity
}

// isAdmin reports whether the caller holds the admin role.
func (s *Server) isAdmin(c *echo.Context) bool {
	user := identity(c)
	for _, admin := range s.cfg.AdminUsers {
		if admin == user {
			return true
		}
	}
	return false
}
