// internal/handler/websocket_handler.go
package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"validator-service/internal/device"
	"validator-service/internal/utils"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 50 * time.Second
)

// EventMessage is one WebSocket frame on the event stream. Seq numbers are
// contiguous at the publisher; a client that sees a jump knows exactly how
// many events its connection dropped. Missed is the cumulative drop count for
// this subscriber.
type EventMessage struct {
	Type   string         `json:"type"`
	Seq    uint64         `json:"seq,omitempty"`
	Event  *device.Event  `json:"event,omitempty"`
	Status *device.Status `json:"status,omitempty"`
	Missed uint64         `json:"missed,omitempty"`
}

// WebSocketHandler streams domain events to WebSocket clients. Every client
// gets its own bounded bus subscription, so a slow client drops its own
// events without slowing the sessions or anyone else.
type WebSocketHandler struct {
	upgrader websocket.Upgrader
	manager  *device.Manager
	buffer   int
	logger   *utils.ServiceLogger
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(manager *device.Manager, subscriberBuffer int, logger *zap.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// Origin checking is delegated to the CORS layer in front.
				return true
			},
		},
		manager: manager,
		buffer:  subscriberBuffer,
		logger:  utils.NewServiceLogger(logger, "websocket-handler"),
	}
}

// HandleEventConnection streams every device's events.
func (h *WebSocketHandler) HandleEventConnection(c *gin.Context) {
	h.serve(c, "")
}

// HandleDeviceConnection streams one device's events, preceded by its
// current status snapshot.
func (h *WebSocketHandler) HandleDeviceConnection(c *gin.Context) {
	deviceID := c.Param("device_id")
	if _, err := h.manager.Get(deviceID); err != nil {
		utils.DeviceErrorResponse(c, err)
		return
	}
	h.serve(c, deviceID)
}

func (h *WebSocketHandler) serve(c *gin.Context, deviceID string) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade WebSocket connection", zap.Error(err))
		return
	}

	clientID := uuid.New().String()
	logger := h.logger.With(
		zap.String("client_id", clientID),
		zap.String("remote_addr", c.Request.RemoteAddr),
	)
	if deviceID != "" {
		logger = logger.With(zap.String("device_id", deviceID))
	}
	logger.Info("WebSocket client connected")

	ctx, cancel := context.WithCancel(c.Request.Context())
	sub := h.manager.Bus().Subscribe(h.buffer)

	go h.readPump(conn, cancel, logger)
	h.writePump(ctx, conn, sub, deviceID, logger)

	h.manager.Bus().Unsubscribe(sub)
	cancel()
	conn.Close()
	logger.Info("WebSocket client disconnected", zap.Uint64("missed", sub.Missed()))
}

// readPump consumes client frames to detect closure and answer pings.
func (h *WebSocketHandler) readPump(conn *websocket.Conn, cancel context.CancelFunc, logger *zap.Logger) {
	defer cancel()

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn("WebSocket read error", zap.Error(err))
			}
			return
		}
	}
}

// writePump streams events until the client disconnects.
func (h *WebSocketHandler) writePump(ctx context.Context, conn *websocket.Conn, sub *device.Subscriber, deviceID string, logger *zap.Logger) {
	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	if deviceID != "" {
		if session, err := h.manager.Get(deviceID); err == nil {
			status := session.Snapshot()
			if err := h.write(conn, EventMessage{Type: "status", Status: &status}); err != nil {
				return
			}
		}
	}

	events := make(chan device.Envelope)
	go func() {
		defer close(events)
		for {
			env, err := sub.Next(ctx)
			if err != nil {
				return
			}
			select {
			case events <- env:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case env, ok := <-events:
			if !ok {
				return
			}
			if deviceID != "" && env.Event.DeviceID != deviceID {
				continue
			}
			msg := EventMessage{
				Type:   "event",
				Seq:    env.Seq,
				Event:  &env.Event,
				Missed: sub.Missed(),
			}
			if err := h.write(conn, msg); err != nil {
				logger.Debug("WebSocket write failed", zap.Error(err))
				return
			}
		}
	}
}

func (h *WebSocketHandler) write(conn *websocket.Conn, msg EventMessage) error {
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteJSON(msg)
}
