package api

import (
	"context"
	"encoding/json"
	"time"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"

	"github.com/maestro-ai/maestro/pkg/events"
)

// wsWriteTimeout bounds a single frame write to a slow client.
const wsWriteTimeout = 10 * time.Second

// wsHandler handles GET /ws/sessions: the same filtered stream as SSE over
// a WebSocket, for dashboard clients. No replay; reconnecting clients reload
// state through the REST API.
func (s *Server) wsHandler(c *echo.Context) error {
	opts := events.SubscribeOptions{
		User:      identity(c),
		Admin:     s.isAdmin(c),
		SessionID: c.QueryParam("session_id"),
	}

	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	sub, _ := s.broadcaster.Subscribe(opts, "")
	defer s.broadcaster.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()

	// Drain client frames so pings are answered and closes are noticed.
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				cancel()
				return
			}
		}
	}()

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
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			writeCtx, writeCancel := context.WithTimeout(ctx, wsWriteTimeout)
			err = conn.Write(writeCtx, websocket.MessageText, data)
			writeCancel()
			if err != nil {
				return nil
			}
		}
	}
}
