package server

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/nexcrm/walite/internal/config"
)

// Server wraps the HTTP layer.
type Server struct {
	engine *gin.Engine
	http   *http.Server
	logger *log.Logger
}

// New assembles the gin engine with CORS, logging and the route table.
func New(cfg *config.Config, logger *log.Logger, deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.LoggerWithWriter(logger.Writer()))
	engine.Use(gin.Recovery())
	engine.Use(cors.New(cfg.GetCorsConfig()))

	registerRoutes(engine, deps)

	return &Server{
		engine: engine,
		http: &http.Server{
			Addr:    ":" + cfg.ServerPort,
			Handler: engine,
		},
		logger: logger,
	}
}

// Run serves until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	s.logger.Printf("HTTP server listening on %s", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}
