package server

import (
	"github.com/gin-gonic/gin"

	"github.com/nexcrm/walite/internal/health"
	"github.com/nexcrm/walite/internal/realtime"
	"github.com/nexcrm/walite/internal/session"
)

// Deps carries the handlers the route table needs.
type Deps struct {
	Session  *session.Handler
	Realtime *realtime.Handler
	Health   *health.Handler
}

func registerRoutes(engine *gin.Engine, deps Deps) {
	engine.GET("/", deps.Health.Root)
	engine.GET("/health", deps.Health.Check)
	engine.POST("/send", deps.Session.Send)

	wa := engine.Group("/wa")
	{
		wa.POST("/connect", deps.Session.Connect)
		wa.GET("/status", deps.Session.Status)
		wa.POST("/status", deps.Session.Status)
		wa.POST("/disconnect", deps.Session.Disconnect)
		wa.GET("/qr-image", deps.Session.QRImage)
		wa.POST("/clean", deps.Session.Clean)
		wa.GET("/stats", deps.Session.Stats)
		wa.GET("/events", deps.Realtime.Events)
	}
}
