package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/gin-contrib/cors"
)

// Config holds application configuration. Retry counts, poll intervals and
// TTLs are tunable policy, not contract; the defaults match what the hosted
// deployment runs with.
type Config struct {
	ServerPort string
	DataDir    string
	LogDir     string

	// SessionDBPath is the shared credential/session database.
	SessionDBPath string
	// StagingDir holds per-session device stores used while a socket is live.
	StagingDir string

	// Socket construction.
	ConnectRetries    int
	ConnectRetryDelay time.Duration
	QRTimeout         time.Duration

	// Identity detection after a credential update without a reported identity.
	IdentityRetries  int
	IdentityInterval time.Duration

	// Recovery budget after a transient stream reset.
	RecoverRetries  int
	RecoverInterval time.Duration
	// Window after a stream reset during which teardown would discard a
	// pairing that is about to complete.
	StreamResetGrace time.Duration

	// Credential expiry and staging cleanup. StagingGrace bounds the age of
	// orphaned session databases, StagingMaxAge that of anything else found
	// in the staging directory.
	CredentialTTL time.Duration
	StagingGrace  time.Duration
	StagingMaxAge time.Duration

	MinPhoneDigits int
}

// New creates a configuration with defaults, honoring env overrides.
func New() *Config {
	cfg := &Config{
		ServerPort:        "3000",
		DataDir:           "data",
		LogDir:            "logs",
		ConnectRetries:    3,
		ConnectRetryDelay: 500 * time.Millisecond,
		QRTimeout:         60 * time.Second,
		IdentityRetries:   10,
		IdentityInterval:  500 * time.Millisecond,
		RecoverRetries:    20,
		RecoverInterval:   time.Second,
		StreamResetGrace:  15 * time.Second,
		CredentialTTL:     7 * 24 * time.Hour,
		StagingGrace:      30 * time.Second,
		StagingMaxAge:     24 * time.Hour,
		MinPhoneDigits:    8,
	}

	if port := os.Getenv("PORT"); port != "" {
		cfg.ServerPort = port
	}
	if dir := os.Getenv("DATA_DIR"); dir != "" {
		cfg.DataDir = dir
	}
	if dir := os.Getenv("LOG_DIR"); dir != "" {
		cfg.LogDir = dir
	}

	cfg.SessionDBPath = filepath.Join(cfg.DataDir, "sessions.db")
	cfg.StagingDir = filepath.Join(cfg.DataDir, "staging")
	return cfg
}

// EnsureDirs creates the data and staging directories.
func (c *Config) EnsureDirs() error {
	if err := os.MkdirAll(c.DataDir, 0755); err != nil {
		return err
	}
	return os.MkdirAll(c.StagingDir, 0755)
}

// GetCorsConfig returns CORS configuration for the HTTP layer.
func (c *Config) GetCorsConfig() cors.Config {
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Requested-With"}
	corsConfig.ExposeHeaders = []string{"Content-Length", "Content-Type"}
	corsConfig.AllowCredentials = true
	corsConfig.MaxAge = 12 * time.Hour
	return corsConfig
}
