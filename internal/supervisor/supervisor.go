package supervisor

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/nexcrm/walite/internal/authstate"
	"github.com/nexcrm/walite/internal/config"
	"github.com/nexcrm/walite/internal/credstore"
	"github.com/nexcrm/walite/internal/protocol"
)

// SocketFactory builds a socket from its configuration. Injectable so the
// lifecycle logic can be driven without a network.
type SocketFactory func(cfg protocol.SocketConfig) protocol.Socket

// Supervisor owns the socket lifecycle for a single session: building the
// auth state, opening exactly one socket, and tearing both down together.
type Supervisor struct {
	userID    string
	sessionID string
	bridge    *authstate.Bridge
	cfg       *config.Config
	logger    *log.Logger
	factory   SocketFactory

	mu              sync.Mutex
	socket          protocol.Socket
	auth            *authstate.AuthState
	lastStreamReset time.Time
}

// New creates a supervisor for one session.
func New(userID, sessionID string, bridge *authstate.Bridge, cfg *config.Config, logger *log.Logger) *Supervisor {
	return &Supervisor{
		userID:    userID,
		sessionID: sessionID,
		bridge:    bridge,
		cfg:       cfg,
		logger:    logger,
		factory:   protocol.NewSocket,
	}
}

// SetFactory overrides socket construction. Must be called before Open.
func (s *Supervisor) SetFactory(f SocketFactory) { s.factory = f }

// Open builds the auth state and connects a socket, seeding from existing
// credentials when given. Calling Open on an already open supervisor returns
// the live socket untouched; a connect attempt is never duplicated.
func (s *Supervisor) Open(ctx context.Context, existing *credstore.Credentials) (protocol.Socket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.socket != nil {
		return s.socket, nil
	}

	auth, hook, err := s.bridge.Build(ctx, s.userID, s.sessionID, existing)
	if err != nil {
		return nil, err
	}

	sock := s.factory(protocol.SocketConfig{
		SessionID:         s.sessionID,
		Device:            auth.Device,
		Save:              hook,
		Logger:            s.logger,
		ConnectRetries:    s.cfg.ConnectRetries,
		ConnectRetryDelay: s.cfg.ConnectRetryDelay,
		QRTimeout:         s.cfg.QRTimeout,
	})
	if err := sock.Connect(); err != nil {
		auth.Close()
		return nil, err
	}

	s.socket = sock
	s.auth = auth
	return sock, nil
}

// Socket returns the live socket, or nil when the supervisor is closed.
func (s *Supervisor) Socket() protocol.Socket {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.socket
}

// Close disconnects the socket and releases the auth state. Safe to call at
// any time, including before Open and more than once. An explicit close
// always wins over recovery in progress.
func (s *Supervisor) Close() {
	s.mu.Lock()
	sock, auth := s.socket, s.auth
	s.socket, s.auth = nil, nil
	s.mu.Unlock()

	if sock != nil {
		sock.Disconnect()
	}
	if auth != nil {
		auth.Close()
	}
}

// NoteStreamReset records a transient stream reset.
func (s *Supervisor) NoteStreamReset() {
	s.mu.Lock()
	s.lastStreamReset = time.Now()
	s.mu.Unlock()
}

// SuppressTeardown reports whether an error-path teardown would land inside
// the grace window after a stream reset, where the pairing is expected to
// complete on its own.
func (s *Supervisor) SuppressTeardown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastStreamReset.IsZero() {
		return false
	}
	return time.Since(s.lastStreamReset) < s.cfg.StreamResetGrace
}
