package server

import (
	"context"
	"errors"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"scenegen/internal/session"
)

const (
	eventBuffer       = 32
	eventWriteTimeout = 5 * time.Second
)

// handleEvents streams session statuses as JSON text frames. The current
// status is sent first so a late subscriber still sees how the last run
// ended.
func (s *Server) handleEvents(c echo.Context) error {
	conn, err := websocket.Accept(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", zap.Error(err))
		return nil
	}
	defer conn.CloseNow()

	updates, unsubscribe := s.deps.Session.Subscribe(eventBuffer)
	defer unsubscribe()

	// Client frames are ignored; the returned context ends when the peer
	// goes away.
	ctx := conn.CloseRead(c.Request().Context())

	if current := s.deps.Session.Status(); current.RunID != "" {
		if err := writeStatus(ctx, conn, current); err != nil {
			return nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case st, ok := <-updates:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "")
				return nil
			}
			if err := writeStatus(ctx, conn, st); err != nil {
				if !errors.Is(err, context.Canceled) {
					s.logger.Debug("websocket write failed", zap.Error(err))
				}
				return nil
			}
		}
	}
}

func writeStatus(ctx context.Context, conn *websocket.Conn, st session.Status) error {
	ctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, st)
}
