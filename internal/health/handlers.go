package health

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// SessionCounter reports how many sessions are live.
type SessionCounter interface {
	ActiveSessions() int
}

// Handler answers liveness checks.
type Handler struct {
	sessions SessionCounter
	started  time.Time
}

// NewHandler creates the health handler.
func NewHandler(sessions SessionCounter) *Handler {
	return &Handler{sessions: sessions, started: time.Now()}
}

// Root handles GET /.
func (h *Handler) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "walite",
		"status":  "running",
	})
}

// Check handles GET /health.
func (h *Handler) Check(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":          "ok",
		"uptime_seconds":  int64(time.Since(h.started).Seconds()),
		"active_sessions": h.sessions.ActiveSessions(),
	})
}
