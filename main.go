package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/nexcrm/walite/internal/authstate"
	"github.com/nexcrm/walite/internal/bus"
	"github.com/nexcrm/walite/internal/config"
	"github.com/nexcrm/walite/internal/credstore"
	"github.com/nexcrm/walite/internal/health"
	"github.com/nexcrm/walite/internal/janitor"
	"github.com/nexcrm/walite/internal/realtime"
	"github.com/nexcrm/walite/internal/server"
	"github.com/nexcrm/walite/internal/session"
	"github.com/nexcrm/walite/pkg/logger"
)

func main() {
	cfg := config.New()

	appLogger, err := logger.Setup(cfg.LogDir)
	if err != nil {
		appLogger = logger.SetupFallback()
		appLogger.Printf("File logging unavailable, using stdout only: %v", err)
	}
	defer logger.Close()

	if err := cfg.EnsureDirs(); err != nil {
		appLogger.Fatalf("Failed to create data directories: %v", err)
	}

	store, err := credstore.Open(cfg.SessionDBPath, cfg.CredentialTTL, appLogger)
	if err != nil {
		appLogger.Fatalf("Failed to open session store: %v", err)
	}
	defer store.Close()

	eventBus := bus.New(appLogger)
	bridge := authstate.NewBridge(store, cfg, appLogger)
	sessions := session.NewService(store, bridge, eventBus, cfg, appLogger)

	cleaner := janitor.New(store, sessions, cfg, appLogger)
	if err := cleaner.Start(); err != nil {
		appLogger.Fatalf("Failed to schedule cleanup jobs: %v", err)
	}

	srv := server.New(cfg, appLogger, server.Deps{
		Session:  session.NewHandler(sessions),
		Realtime: realtime.NewHandler(eventBus, appLogger),
		Health:   health.NewHandler(sessions),
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run() }()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			appLogger.Fatalf("HTTP server failed: %v", err)
		}
	case sig := <-quit:
		appLogger.Printf("Received %s, shutting down", sig)
	}

	if err := srv.Shutdown(context.Background()); err != nil {
		appLogger.Printf("HTTP shutdown error: %v", err)
	}
	cleaner.Stop()
	sessions.Shutdown()
	appLogger.Printf("Shutdown complete")
}
