package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	echo "github.com/labstack/echo/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthMiddleware(t *testing.T) {
	app := newTestApp(t)

	t.Run("missing token is rejected", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodGet, app.httpSrv.URL+"/api/v1/sessions", nil)
		require.NoError(t, err)

		resp, err := app.httpSrv.Client().Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("wrong token is rejected", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodGet, app.httpSrv.URL+"/api/v1/sessions", nil)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer wrong-key")

		resp, err := app.httpSrv.Client().Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("health needs no token", func(t *testing.T) {
		resp, err := app.httpSrv.Client().Get(app.httpSrv.URL + "/health")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("valid token passes", func(t *testing.T) {
		resp := app.do(http.MethodGet, "/api/v1/sessions", "alice", nil, nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		name     string
		header   string
		expected string
	}{
		{name: "standard prefix", header: "Bearer abc123", expected: "abc123"},
		{name: "lowercase prefix", header: "bearer abc123", expected: "abc123"},
		{name: "no prefix", header: "abc123", expected: ""},
		{name: "empty header", header: "", expected: ""},
		{name: "prefix only", header: "Bearer ", expected: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			assert.Equal(t, tt.expected, bearerToken(req))
		})
	}
}

func TestIdentity(t *testing.T) {
	e := echo.New()

	t.Run("header wins", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Orchestrator-User", "alice")
		c := e.NewContext(req, httptest.NewRecorder())
		assert.Equal(t, "alice", identity(c))
	})

	t.Run("falls back to api-client", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		c := e.NewContext(req, httptest.NewRecorder())
		assert.Equal(t, defaultIdentity, identity(c))
	})
}

func TestIsAdmin(t *testing.T) {
	e := echo.New()
	s := &Server{cfg: Config{AdminUsers: []string{"admin", "ops"}}}

	tests := []struct {
		user  string
		admin bool
	}{
		{user: "admin", admin: true},
		{user: "ops", admin: true},
		{user: "alice", admin: false},
		{user: "", admin: false},
	}

	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if tt.user != "" {
			req.Header.Set("X-Orchestrator-User", tt.user)
		}
		c := e.NewContext(req, httptest.NewRecorder())
		assert.Equal(t, tt.admin, s.isAdmin(c), "user %q", tt.user)
	}
}
