// Package ws streams call session state to clients over WebSocket.
// Each connection carries one subscription: either snapshots of a
// single call or the client's incoming-call list.
package ws

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"fitconnect-backend/internal/middleware"
	callservice "fitconnect-backend/internal/service/call"
	"fitconnect-backend/pkg/constants"
	"fitconnect-backend/pkg/logger"
	"fitconnect-backend/pkg/metrics"
	"fitconnect-backend/pkg/response"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Auth happens in middleware; cross-origin upgrades are allowed so
	// the mobile web client can connect
	CheckOrigin: func(*http.Request) bool { return true },
}

// Handler serves the WebSocket observation endpoints
type Handler struct {
	service *callservice.Service
	metrics *metrics.Metrics
}

// NewHandler creates a WebSocket call handler
func NewHandler(service *callservice.Service, m *metrics.Metrics) *Handler {
	return &Handler{service: service, metrics: m}
}

// RegisterRoutes mounts the WebSocket routes on an authenticated group
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	ws := rg.Group("/calls/ws")
	{
		ws.GET("/observe", h.Observe)
		ws.GET("/incoming", h.Incoming)
	}
}

// Observe streams snapshots of one call session to a participant
func (h *Handler) Observe(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return
	}
	callID := c.Query("call_id")
	if callID == "" {
		response.ValidationError(c, "call_id query parameter required")
		return
	}

	ctx := c.Request.Context()
	stream, err := h.service.Observe(ctx, callID, userID)
	if err != nil {
		response.AppError(c, err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	h.pump(conn, func(send func(v interface{}) error) error {
		for snap := range stream {
			if err := send(snap); err != nil {
				return err
			}
		}
		return nil
	})
}

// Incoming streams the client's ringing-call list
func (h *Handler) Incoming(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return
	}

	ctx := c.Request.Context()
	stream, err := h.service.ObserveIncoming(ctx, userID)
	if err != nil {
		response.AppError(c, err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	h.pump(conn, func(send func(v interface{}) error) error {
		for snapshot := range stream {
			if err := send(snapshot); err != nil {
				return err
			}
		}
		return nil
	})
}

// pump runs the write side of a connection: JSON frames from the feed,
// periodic pings, and a read loop that only exists to notice the client
// going away
func (h *Handler) pump(conn *websocket.Conn, feed func(send func(v interface{}) error) error) {
	h.metrics.IncrementWebSocketConnections()
	defer h.metrics.DecrementWebSocketConnections()
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(512)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	frames := make(chan interface{}, 16)
	errs := make(chan error, 1)
	go func() {
		errs <- feed(func(v interface{}) error {
			select {
			case frames <- v:
				return nil
			case <-done:
				return websocket.ErrCloseSent
			}
		})
	}()

	ping := time.NewTicker(constants.WebSocketPingInterval)
	defer ping.Stop()

	for {
		select {
		case frame := <-frames:
			conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteTimeout))
			if err := conn.WriteJSON(frame); err != nil {
				return
			}

		case err := <-errs:
			// Feed finished: drain anything buffered, then close cleanly
			for {
				select {
				case frame := <-frames:
					conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteTimeout))
					if werr := conn.WriteJSON(frame); werr != nil {
						return
					}
				default:
					if err != nil && err != websocket.ErrCloseSent {
						logger.Debug("websocket feed ended", zap.Error(err))
					}
					conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteTimeout))
					conn.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}

		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-done:
			return
		}
	}
}
