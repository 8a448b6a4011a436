package realtime

import (
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/nexcrm/walite/internal/bus"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

// Handler streams a user's session events over a WebSocket.
type Handler struct {
	bus      *bus.Bus
	logger   *log.Logger
	upgrader websocket.Upgrader
}

// NewHandler creates the realtime event handler.
func NewHandler(b *bus.Bus, logger *log.Logger) *Handler {
	return &Handler{
		bus:    b,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Events handles GET /wa/events. Each connection subscribes to one user's
// event stream; closing the socket drops the subscription.
func (h *Handler) Events(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "user_id is required"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Printf("WebSocket upgrade failed for user %s: %v", userID, err)
		return
	}
	defer conn.Close()

	stream, cancel, err := h.bus.Stream(userID)
	if err != nil {
		h.logger.Printf("Failed to open event stream for user %s: %v", userID, err)
		return
	}
	defer cancel()

	// The reader only watches for the peer going away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case env := <-stream:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(env); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
