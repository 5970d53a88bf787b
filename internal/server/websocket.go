// internal/server/websocket.go
package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/rogovsky/openhantek-1/internal/dso"
	"github.com/rogovsky/openhantek-1/internal/logging"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// StreamHandler pushes capture frames to WebSocket clients
type StreamHandler struct {
	upgrader websocket.Upgrader
	service  *dso.Service
	logger   *logging.ServiceLogger
}

// NewStreamHandler creates a new capture stream handler
func NewStreamHandler(service *dso.Service, logger *zap.Logger) *StreamHandler {
	return &StreamHandler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		service: service,
		logger:  logging.NewServiceLogger(logger, "stream-handler"),
	}
}

// RegisterRoutes registers the capture stream route
func (h *StreamHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/devices/:id/stream", h.HandleStream)
}

// HandleStream subscribes the client to the capture feed of one device
// and streams frames until either side goes away
func (h *StreamHandler) HandleStream(c *gin.Context) {
	id := c.Param("id")
	control, err := h.service.Control(id)
	if err != nil {
		respondServiceError(c, err, "Device control unavailable")
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade WebSocket connection", zap.Error(err))
		return
	}

	subID, captures := control.Subscribe()
	h.logger.Info("Stream client connected",
		zap.String("device_id", id),
		zap.String("subscription_id", subID.String()),
		zap.String("remote_addr", c.Request.RemoteAddr),
	)

	done := make(chan struct{})
	go h.readPump(conn, done)
	h.writePump(conn, captures, control.Device().Disconnected(), done)

	control.Unsubscribe(subID)
	conn.Close()
	h.logger.Info("Stream client disconnected",
		zap.String("device_id", id),
		zap.String("subscription_id", subID.String()),
	)
}

// readPump discards client messages and watches for the connection
// closing
func (h *StreamHandler) readPump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump forwards capture frames until the device or the client goes
// away
func (h *StreamHandler) writePump(conn *websocket.Conn, captures <-chan dso.Capture, disconnected <-chan struct{}, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case capture, ok := <-captures:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(capture); err != nil {
				h.logger.Error("WebSocket write error", zap.Error(err))
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-disconnected:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "device disconnected"))
			return

		case <-done:
			return
		}
	}
}
