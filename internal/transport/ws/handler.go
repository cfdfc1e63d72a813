package ws

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/adapter/sdkurl"
	"github.com/agentmux/agentmux/internal/bridge"
	"github.com/agentmux/agentmux/internal/common/logger"
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler owns the two WebSocket endpoints: consumer sockets onto the
// bridge and CLI forward streams onto the sdk-url hub.
type Handler struct {
	bridge *bridge.Bridge
	hub    *sdkurl.Hub // nil when the sdk-url adapter is not registered
	log    *logger.Logger
}

func NewHandler(b *bridge.Bridge, hub *sdkurl.Hub, log *logger.Logger) *Handler {
	return &Handler{
		bridge: b,
		hub:    hub,
		log:    log.WithFields(zap.String("component", "ws_handler")),
	}
}

// Register installs the WebSocket routes.
func (h *Handler) Register(r gin.IRouter) {
	r.GET("/ws/sessions/:id", h.HandleConsumer)
	r.GET("/ws/forward/:id", h.HandleForward)
}

// HandleConsumer upgrades a consumer connection and runs its read loop.
// Authentication happens inside the bridge; a rejected socket is closed
// with code 4001 before this returns.
func (h *Handler) HandleConsumer(c *gin.Context) {
	sessionID := c.Param("id")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error("Failed to upgrade consumer connection", zap.Error(err))
		return
	}

	sock := newSocket(conn, h.log.WithSessionID(sessionID))
	go sock.writePump()

	auth := bridge.AuthContext{
		SessionID: sessionID,
		Headers:   flattenValues(c.Request.Header),
		Query:     flattenValues(c.Request.URL.Query()),
	}
	if err := h.bridge.HandleConsumerOpen(c.Request.Context(), sock, auth); err != nil {
		h.log.Warn("Consumer rejected",
			zap.String("session_id", sessionID), zap.Error(err))
		return
	}

	h.readPump(c, sock, sessionID)
}

func (h *Handler) readPump(c *gin.Context, sock *socket, sessionID string) {
	defer func() {
		h.bridge.HandleConsumerClose(c.Request.Context(), sock, sessionID)
		_ = sock.Close(gorillaws.CloseNormalClosure, "")
	}()

	sock.conn.SetReadLimit(maxMessageSize)
	_ = sock.conn.SetReadDeadline(time.Now().Add(pongWait))
	sock.conn.SetPongHandler(func(string) error {
		return sock.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := sock.conn.ReadMessage()
		if err != nil {
			if gorillaws.IsUnexpectedCloseError(err, gorillaws.CloseNormalClosure, gorillaws.CloseGoingAway, gorillaws.CloseAbnormalClosure) {
				h.log.Debug("Consumer read error",
					zap.String("session_id", sessionID), zap.Error(err))
			}
			return
		}
		h.bridge.HandleConsumerMessage(c.Request.Context(), sock, sessionID, raw)
	}
}

// HandleForward attaches a dialed-in CLI stream to the sdk-url hub and
// blocks pumping its frames until the peer disconnects.
func (h *Handler) HandleForward(c *gin.Context) {
	sessionID := c.Param("id")
	if h.hub == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "forward connections are not enabled"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error("Failed to upgrade forward connection", zap.Error(err))
		return
	}

	fc := newForwardConn(conn)
	if err := h.hub.Attach(sessionID, fc); err != nil {
		h.log.Warn("Forward attach rejected",
			zap.String("session_id", sessionID), zap.Error(err))
		_ = conn.WriteControl(gorillaws.CloseMessage,
			gorillaws.FormatCloseMessage(gorillaws.ClosePolicyViolation, err.Error()),
			time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}

	h.log.Info("Forward connection attached", zap.String("session_id", sessionID))
	fc.readLoop()
}

// flattenValues keeps the first value per key; matches what the
// authenticator inspects.
func flattenValues(values map[string][]string) map[string]string {
	out := make(map[string]string, len(values))
	for key, vals := range values {
		if len(vals) > 0 {
			out[key] = vals[0]
		}
	}
	return out
}
