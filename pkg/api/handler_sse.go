package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/maestro-ai/maestro/pkg/events"
	"github.com/maestro-ai/maestro/pkg/models"
	"github.com/maestro-ai/maestro/pkg/services"
)

// sseHeartbeatInterval is how often a comment line keeps idle streams alive
// through proxies.
const sseHeartbeatInterval = 30 * time.Second

// sseHandler handles GET /sse/sessions?session_id=&include_init=.
//
// New subscribers get an initial_state snapshot of the sessions they may
// see. A Last-Event-ID still inside the replay window resumes the stream
// instead; an id older than the window falls back to a fresh snapshot.
func (s *Server) sseHandler(c *echo.Context) error {
	opts := events.SubscribeOptions{
		User:      identity(c),
		Admin:     s.isAdmin(c),
		SessionID: c.QueryParam("session_id"),
	}
	includeInit := c.QueryParam("include_init") != "false"
	lastEventID := c.Request().Header.Get("Last-Event-ID")

	// A session filter is checked before the stream opens: unknown and
	// non-owned sessions both read as 404, like the REST handlers.
	if opts.SessionID != "" {
		session, err := s.sessions.Get(c.Request().Context(), opts.SessionID)
		if err != nil {
			return mapServiceError(c, err)
		}
		if !opts.Admin && session.CreatedBy != opts.User {
			return mapServiceError(c, services.ErrNotFound)
		}
	}

	sub, replayed := s.broadcaster.Subscribe(opts, lastEventID)
	defer s.broadcaster.Unsubscribe(sub)

	h := c.Response().Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	c.Response().WriteHeader(http.StatusOK)
	rc := http.NewResponseController(c.Response())

	if includeInit && !replayed {
		init, err := s.initSnapshot(c, opts)
		if err != nil {
			return err
		}
		if err := writeSSE(c.Response(), init); err != nil {
			return nil
		}
		_ = rc.Flush()
	} else {
		// Open the stream promptly even when there is nothing to say yet.
		fmt.Fprint(c.Response(), ": connected\n\n")
		_ = rc.Flush()
	}

	heartbeat := time.NewTicker(sseHeartbeatInterval)
	defer heartbeat.Stop()

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sub.Done():
			return nil
		case msg, ok := <-sub.C():
			if !ok {
				return nil
			}
			if err := writeSSE(c.Response(), msg); err != nil {
				return nil
			}
			_ = rc.Flush()
		case <-heartbeat.C:
			if _, err := fmt.Fprint(c.Response(), ": ping\n\n"); err != nil {
				return nil
			}
			_ = rc.Flush()
		}
	}
}

// initSnapshot builds the initial_state message for a fresh subscriber: the
// sessions this subscriber is allowed to see, narrowed by its session filter.
func (s *Server) initSnapshot(c *echo.Context, opts events.SubscribeOptions) (events.Message, error) {
	filters := models.SessionFilters{}
	if !opts.Admin {
		filters.CreatedBy = opts.User
	}

	var sessions []*models.Session
	if opts.SessionID != "" {
		session, err := s.sessions.Get(c.Request().Context(), opts.SessionID)
		if err == nil && (opts.Admin || session.CreatedBy == opts.User) {
			sessions = append(sessions, session)
		}
	} else {
		list, err := s.sessions.List(c.Request().Context(), filters)
		if err != nil {
			return events.Message{}, mapServiceError(c, err)
		}
		sessions = list.Sessions
	}
	if sessions == nil {
		sessions = []*models.Session{}
	}

	return s.broadcaster.Stamp(events.Message{
		Type:    events.TypeInitialState,
		Payload: map[string]any{"sessions": sessions},
	}), nil
}

// writeSSE emits one message as a Server-Sent Events frame.
func writeSSE(w io.Writer, msg events.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", msg.ID, msg.Type, data)
	return err
}
