package session

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	qrcode "github.com/skip2/go-qrcode"

	"github.com/nexcrm/walite/internal/authstate"
	"github.com/nexcrm/walite/internal/bus"
	"github.com/nexcrm/walite/internal/config"
	"github.com/nexcrm/walite/internal/credstore"
	"github.com/nexcrm/walite/internal/router"
	"github.com/nexcrm/walite/internal/supervisor"
)

// managed bundles the per-session pieces the registry tracks.
type managed struct {
	sessionID string
	sup       *supervisor.Supervisor
	rtr       *router.Router
}

// Service is the session facade: one live session per user, created on
// demand, torn down explicitly or by fatal disconnects.
type Service struct {
	store  *credstore.Store
	bridge *authstate.Bridge
	bus    *bus.Bus
	cfg    *config.Config
	logger *log.Logger

	// factory overrides socket construction in tests.
	factory supervisor.SocketFactory

	mu       sync.RWMutex
	sessions map[string]*managed // by user ID
	byID     map[string]string   // session ID to user ID
}

// NewService creates the session facade.
func NewService(store *credstore.Store, bridge *authstate.Bridge, b *bus.Bus, cfg *config.Config, logger *log.Logger) *Service {
	return &Service{
		store:    store,
		bridge:   bridge,
		bus:      b,
		cfg:      cfg,
		logger:   logger,
		sessions: make(map[string]*managed),
		byID:     make(map[string]string),
	}
}

// SetSocketFactory overrides socket construction for every session created
// afterwards.
func (s *Service) SetSocketFactory(f supervisor.SocketFactory) { s.factory = f }

// Connect starts a session for the user, resuming from stored credentials
// when possible. Calling Connect while a session is already live returns its
// current status without side effects.
func (s *Service) Connect(ctx context.Context, userID string) (StatusInfo, error) {
	if userID == "" {
		return StatusInfo{}, ErrInvalidRequest
	}

	s.mu.Lock()
	if m, ok := s.sessions[userID]; ok {
		s.mu.Unlock()
		return s.statusOf(m), nil
	}

	sessionID := uuid.New().String()
	sup := supervisor.New(userID, sessionID, s.bridge, s.cfg, s.logger)
	if s.factory != nil {
		sup.SetFactory(s.factory)
	}
	rtr := router.New(userID, sessionID, s.store, s.bus, sup, s.cfg, s.logger, router.Hooks{
		OnTakeover: s.closeBySessionID,
		OnTeardown: func(reason string) { s.drop(userID, sessionID) },
	})
	m := &managed{sessionID: sessionID, sup: sup, rtr: rtr}
	s.sessions[userID] = m
	s.byID[sessionID] = userID
	s.mu.Unlock()

	// Stored credentials are best effort; a read failure degrades to a fresh
	// pairing instead of blocking the connect.
	creds, err := s.store.Load(userID)
	if err != nil {
		s.logger.Printf("User %s: could not load stored credentials, starting fresh: %v", userID, err)
		creds = nil
	}

	sock, err := sup.Open(ctx, creds)
	if err != nil {
		s.remove(userID, sessionID)
		return StatusInfo{}, err
	}
	rtr.Attach(sock)

	s.logger.Printf("User %s: session %s started (resuming=%t)", userID, sessionID, creds != nil)
	return s.statusOf(m), nil
}

// Status reports the user's session state. With no live session it falls
// back to the stored record, so a restarted process still answers truthfully.
func (s *Service) Status(userID string) (StatusInfo, error) {
	if userID == "" {
		return StatusInfo{}, ErrInvalidRequest
	}
	s.mu.RLock()
	m, ok := s.sessions[userID]
	s.mu.RUnlock()
	if ok {
		return s.statusOf(m), nil
	}

	rec, err := s.store.LatestRecord(userID)
	if err != nil {
		return StatusInfo{}, err
	}
	if rec == nil {
		return StatusInfo{Status: router.StateIdle}, nil
	}
	// A stored "connected" with no live socket is a leftover from a crash;
	// repair it while answering.
	if rec.Status == credstore.StatusConnected {
		if err := s.store.MarkDisconnected(rec.SessionID); err != nil {
			s.logger.Printf("User %s: failed to repair stale status on %s: %v", userID, rec.SessionID, err)
		}
	}
	last := rec.LastActivity
	return StatusInfo{
		SessionID:      rec.SessionID,
		Status:         router.StateIdle,
		LastKnownPhone: rec.PhoneNumber,
		LastActivity:   &last,
	}, nil
}

// Disconnect tears the user's session down. Disconnecting a user with no
// session is a no-op, not an error.
func (s *Service) Disconnect(userID string) error {
	if userID == "" {
		return ErrInvalidRequest
	}
	s.mu.Lock()
	m, ok := s.sessions[userID]
	if ok {
		delete(s.sessions, userID)
		delete(s.byID, m.sessionID)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}

	m.rtr.Stop()
	m.sup.Close()
	if err := s.store.MarkDisconnected(m.sessionID); err != nil {
		s.logger.Printf("User %s: failed to mark session %s disconnected: %v", userID, m.sessionID, err)
	}
	s.bus.PublishStatus(userID, bus.StatusData{State: router.StateIdle, Reason: "disconnected by request", LastActivity: time.Now()})
	s.logger.Printf("User %s: session %s disconnected", userID, m.sessionID)
	return nil
}

// Send delivers a text message through the user's connected session. It
// fails fast when the session is absent or not yet paired.
func (s *Service) Send(ctx context.Context, userID, to, text string) (SendResult, error) {
	if userID == "" || to == "" || text == "" {
		return SendResult{}, ErrInvalidRequest
	}
	s.mu.RLock()
	m, ok := s.sessions[userID]
	s.mu.RUnlock()
	if !ok {
		return SendResult{}, ErrNoSession
	}
	if m.rtr.Snapshot().State != router.StateConnected {
		return SendResult{}, ErrNotConnected
	}
	sock := m.sup.Socket()
	if sock == nil || !sock.IsConnected() {
		return SendResult{}, ErrNotConnected
	}

	id, err := sock.Send(ctx, to, text)
	if err != nil {
		return SendResult{}, err
	}
	return SendResult{MessageID: id, To: to, SentAt: time.Now()}, nil
}

// QRImage renders the current pairing code as a PNG.
func (s *Service) QRImage(userID string) ([]byte, error) {
	if userID == "" {
		return nil, ErrInvalidRequest
	}
	s.mu.RLock()
	m, ok := s.sessions[userID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNoSession
	}
	snap := m.rtr.Snapshot()
	if snap.QRPayload == "" {
		return nil, ErrNoQR
	}
	return qrcode.Encode(snap.QRPayload, qrcode.Medium, 256)
}

// Clean disconnects the user and deletes every stored record they own.
// Staging files are left for the janitor.
func (s *Service) Clean(userID string) (CleanResult, error) {
	if userID == "" {
		return CleanResult{}, ErrInvalidRequest
	}
	if err := s.Disconnect(userID); err != nil {
		return CleanResult{}, err
	}
	n, err := s.store.DeleteUserSessions(userID)
	if err != nil {
		return CleanResult{}, err
	}
	s.logger.Printf("User %s: cleaned %d stored sessions", userID, n)
	return CleanResult{SessionsRemoved: n}, nil
}

// Stats summarizes the user's stored sessions.
func (s *Service) Stats(userID string) (credstore.Stats, error) {
	if userID == "" {
		return credstore.Stats{}, ErrInvalidRequest
	}
	return s.store.Stats(userID)
}

// ActiveSessions returns how many sessions are currently live.
func (s *Service) ActiveSessions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// LiveSessionIDs returns the session IDs currently registered. Used by the
// janitor to keep live staging files untouched.
func (s *Service) LiveSessionIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.sessions))
	for _, m := range s.sessions {
		ids = append(ids, m.sessionID)
	}
	return ids
}

// Shutdown closes every live session. Stored credentials survive, so users
// resume without re-pairing after a restart.
func (s *Service) Shutdown() {
	s.mu.Lock()
	all := make([]*managed, 0, len(s.sessions))
	for _, m := range s.sessions {
		all = append(all, m)
	}
	s.sessions = make(map[string]*managed)
	s.byID = make(map[string]string)
	s.mu.Unlock()

	for _, m := range all {
		m.rtr.Stop()
		m.sup.Close()
	}
	s.logger.Printf("Closed %d live sessions on shutdown", len(all))
}

// closeBySessionID force-closes whichever session holds the given ID. Used
// when a newer pairing takes over a phone number.
func (s *Service) closeBySessionID(sessionID string) {
	s.mu.RLock()
	userID, ok := s.byID[sessionID]
	s.mu.RUnlock()
	if !ok {
		return
	}
	s.logger.Printf("User %s: session %s displaced by a newer pairing", userID, sessionID)
	s.drop(userID, sessionID)
}

// drop removes and closes a specific (user, session) pair. A newer session
// registered under the same user is left alone.
func (s *Service) drop(userID, sessionID string) {
	s.mu.Lock()
	m, ok := s.sessions[userID]
	if !ok || m.sessionID != sessionID {
		s.mu.Unlock()
		return
	}
	delete(s.sessions, userID)
	delete(s.byID, sessionID)
	s.mu.Unlock()

	go func() {
		m.rtr.Stop()
		m.sup.Close()
	}()
}

// remove unregisters without touching router or supervisor; used when Open
// itself failed.
func (s *Service) remove(userID, sessionID string) {
	s.mu.Lock()
	if m, ok := s.sessions[userID]; ok && m.sessionID == sessionID {
		delete(s.sessions, userID)
		delete(s.byID, sessionID)
	}
	s.mu.Unlock()
}

func (s *Service) statusOf(m *managed) StatusInfo {
	snap := m.rtr.Snapshot()
	state := snap.State

	// The in-memory flag alone is not proof of life. A connected answer
	// requires the socket to exist, hold its identity and report an open
	// connection right now.
	if state == router.StateConnected {
		sock := m.sup.Socket()
		switch {
		case sock == nil:
			state = router.StateIdle
		case !sock.IsConnected() || sock.CurrentIdentity() == "":
			state = router.StateReconnecting
		}
	}

	info := StatusInfo{
		SessionID:   m.sessionID,
		Status:      state,
		PhoneNumber: snap.PhoneNumber,
		QRPayload:   snap.QRPayload,
	}
	if state == router.StateIdle {
		info.PhoneNumber = ""
		info.LastKnownPhone = snap.PhoneNumber
	}
	if !snap.QRExpiresAt.IsZero() {
		t := snap.QRExpiresAt
		info.QRExpiresAt = &t
	}
	if !snap.LastActivity.IsZero() {
		t := snap.LastActivity
		info.LastActivity = &t
	}
	return info
}
