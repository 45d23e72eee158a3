package handlers

import (
	"net/http"
	"time"

	"userbird-backend/internal/common"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

const (
	livePingInterval = 30 * time.Second
	liveWriteTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Dashboards are served from a different origin; the JWT gates access
	CheckOrigin: func(r *http.Request) bool { return true },
}

// CreateLiveHandler relays a form's live events to a dashboard websocket.
func CreateLiveHandler(s *common.ServerState) echo.HandlerFunc {
	return func(c echo.Context) error {
		form, err := getOwnedForm(c, s.JwtIssuer, s.DB, c.Param("formId"))
		if form == nil {
			return err
		}

		ctx := c.Request().Context()
		sub := s.Notifications.Live.Subscribe(ctx, form.ID)
		if sub == nil {
			return jsonError(c, http.StatusServiceUnavailable, "Live updates are not available")
		}
		defer sub.Close()

		ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
		if err != nil {
			c.Logger().Warnf("Websocket upgrade failed: %v", err)
			return nil
		}
		defer ws.Close()

		// Drain client frames so close and pong messages are processed
		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				if _, _, err := ws.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ping := time.NewTicker(livePingInterval)
		defer ping.Stop()

		events := sub.Channel()
		for {
			select {
			case <-done:
				return nil
			case msg, ok := <-events:
				if !ok {
					return nil
				}
				ws.SetWriteDeadline(time.Now().Add(liveWriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, []byte(msg.Payload)); err != nil {
					c.Logger().Debugf("Live socket for form %s closed: %v", form.ID, err)
					return nil
				}
			case <-ping.C:
				if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(liveWriteTimeout)); err != nil {
					return nil
				}
			}
		}
	}
}
