package router

import (
	"context"
	"encoding/base64"
	"log"
	"strings"
	"sync"
	"time"

	qrcode "github.com/skip2/go-qrcode"

	"github.com/nexcrm/walite/internal/bus"
	"github.com/nexcrm/walite/internal/config"
	"github.com/nexcrm/walite/internal/credstore"
	"github.com/nexcrm/walite/internal/protocol"
	"github.com/nexcrm/walite/internal/supervisor"
)

// Session states as reported to callers.
const (
	StateIdle         = "idle"
	StateAwaitingQR   = "awaiting_qr"
	StateConnected    = "connected"
	StateReconnecting = "reconnecting"
)

// Hooks let the router reach back into the session layer without importing
// it.
type Hooks struct {
	// OnTakeover disconnects another session that ended up holding the same
	// phone number. The newest pairing keeps the number.
	OnTakeover func(sessionID string)
	// OnTeardown is invoked after a fatal disconnect, once the router has
	// settled its own state.
	OnTeardown func(reason string)
}

// Router translates socket events into session state and bus traffic for one
// session. Socket events arrive sequentially; anything that needs to wait
// (identity detection, reset recovery) runs in a cancellable goroutine so the
// event stream is never blocked.
type Router struct {
	userID    string
	sessionID string
	store     *credstore.Store
	bus       *bus.Bus
	sup       *supervisor.Supervisor
	cfg       *config.Config
	logger    *log.Logger
	hooks     Hooks

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	sock         protocol.Socket
	unsubscribe  func()
	state        string
	phoneNumber  string
	currentQR    string
	qrExpiresAt  time.Time
	lastActivity time.Time
	recovering   bool
	polling      bool
	tornDown     bool
}

// Snapshot is the externally visible session state. A pairing code and a
// phone number are never both set.
type Snapshot struct {
	State        string
	PhoneNumber  string
	QRPayload    string
	QRExpiresAt  time.Time
	LastActivity time.Time
}

// New creates a router for one session.
func New(userID, sessionID string, store *credstore.Store, b *bus.Bus, sup *supervisor.Supervisor, cfg *config.Config, logger *log.Logger, hooks Hooks) *Router {
	ctx, cancel := context.WithCancel(context.Background())
	return &Router{
		userID:    userID,
		sessionID: sessionID,
		store:     store,
		bus:       b,
		sup:       sup,
		cfg:       cfg,
		logger:    logger,
		hooks:     hooks,
		ctx:       ctx,
		cancel:    cancel,
		state:     StateIdle,
	}
}

// Attach wires the router to a live socket. If the socket is already
// authenticated the session resumes straight into the connected state.
func (r *Router) Attach(sock protocol.Socket) {
	r.mu.Lock()
	r.sock = sock
	r.unsubscribe = sock.Subscribe(r.handle)
	identity := sock.CurrentIdentity()
	r.mu.Unlock()

	if identity != "" {
		r.complete(identity)
	} else {
		r.mu.Lock()
		r.state = StateAwaitingQR
		r.lastActivity = time.Now()
		r.mu.Unlock()
	}
}

// Stop detaches from the socket and cancels any in-flight polling. It does
// not touch the socket itself.
func (r *Router) Stop() {
	r.cancel()
	r.mu.Lock()
	unsub := r.unsubscribe
	r.unsubscribe = nil
	r.sock = nil
	r.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

// Snapshot returns the current externally visible state.
func (r *Router) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Snapshot{
		State:        r.state,
		PhoneNumber:  r.phoneNumber,
		QRPayload:    r.currentQR,
		QRExpiresAt:  r.qrExpiresAt,
		LastActivity: r.lastActivity,
	}
}

func (r *Router) handle(evt protocol.Event) {
	switch e := evt.(type) {
	case protocol.QRIssued:
		r.onQR(e)
	case protocol.CredsUpdated:
		r.onCreds(e)
	case protocol.ConnectionStateChanged:
		r.onConnection(e)
	case protocol.MessageReceived:
		r.bus.PublishMessage(r.userID, bus.MessageData{
			Sender:    e.Sender,
			Text:      e.Text,
			Timestamp: e.Timestamp,
		})
	}
}

// onQR installs a fresh pairing code. Each code supersedes the previous one,
// and a new code also invalidates an earlier pairing: the remote end only
// issues one when the session must pair again.
func (r *Router) onQR(e protocol.QRIssued) {
	now := time.Now()
	r.mu.Lock()
	if r.phoneNumber != "" {
		r.logger.Printf("Session %s: new pairing code invalidates pairing with %s", r.sessionID, r.phoneNumber)
	}
	r.phoneNumber = ""
	r.state = StateAwaitingQR
	r.currentQR = e.Payload
	r.qrExpiresAt = e.ExpiresAt
	r.lastActivity = now
	r.mu.Unlock()

	if err := r.store.UpdateState(r.userID, r.sessionID, "", e.Payload, credstore.StatusDisconnected); err != nil {
		r.logger.Printf("Session %s: failed to persist pairing code: %v", r.sessionID, err)
	}

	data := bus.QRData{Payload: e.Payload, ExpiresAt: e.ExpiresAt}
	if png, err := qrcode.Encode(e.Payload, qrcode.Medium, 256); err == nil {
		data.ImageBase64 = base64.StdEncoding.EncodeToString(png)
	} else {
		r.logger.Printf("Session %s: failed to render pairing code: %v", r.sessionID, err)
	}
	r.bus.PublishQR(r.userID, data)
	r.bus.PublishStatus(r.userID, bus.StatusData{State: StateAwaitingQR, LastActivity: now})
}

func (r *Router) onCreds(e protocol.CredsUpdated) {
	if e.Identity != "" {
		r.complete(e.Identity)
		return
	}
	r.pollIdentity()
}

func (r *Router) onConnection(e protocol.ConnectionStateChanged) {
	if e.Connected {
		r.mu.Lock()
		paired := r.phoneNumber != ""
		r.mu.Unlock()
		if !paired {
			r.pollIdentity()
		}
		return
	}

	if protocol.Recoverable(e.Code) {
		if e.Code == protocol.CodeStreamReset {
			r.sup.NoteStreamReset()
			r.logger.Printf("Session %s: stream reset, waiting for automatic recovery", r.sessionID)
		}
		r.recover(e.Code)
		return
	}

	if r.sup.SuppressTeardown() {
		r.logger.Printf("Session %s: ignoring disconnect code %d inside reset grace window", r.sessionID, e.Code)
		return
	}
	r.teardown(e.Code, disconnectReason(e))
}

// complete records a successful pairing: the identity becomes the phone
// number, the pairing code is retired, and any older session holding the
// same number is taken over.
func (r *Router) complete(identity string) {
	phone := NormalizePhone(identity)
	if len(phone) < r.cfg.MinPhoneDigits {
		r.logger.Printf("Session %s: ignoring malformed identity %q", r.sessionID, identity)
		return
	}

	now := time.Now()
	r.mu.Lock()
	if r.tornDown || (r.phoneNumber == phone && r.state == StateConnected) {
		r.mu.Unlock()
		return
	}
	r.phoneNumber = phone
	r.currentQR = ""
	r.qrExpiresAt = time.Time{}
	r.state = StateConnected
	r.lastActivity = now
	r.mu.Unlock()

	if err := r.store.UpdateState(r.userID, r.sessionID, phone, "", credstore.StatusConnected); err != nil {
		r.logger.Printf("Session %s: failed to persist connected state: %v", r.sessionID, err)
	}

	if old, err := r.store.UniquenessCheck(phone, r.sessionID); err != nil {
		r.logger.Printf("Session %s: uniqueness check failed: %v", r.sessionID, err)
	} else if old != nil {
		r.logger.Printf("Session %s: taking over phone %s from session %s", r.sessionID, phone, old.SessionID)
		if err := r.store.MarkDisconnected(old.SessionID); err != nil {
			r.logger.Printf("Session %s: failed to mark %s disconnected: %v", r.sessionID, old.SessionID, err)
		}
		if r.hooks.OnTakeover != nil {
			r.hooks.OnTakeover(old.SessionID)
		}
	}

	r.logger.Printf("Session %s: paired as %s", r.sessionID, phone)
	r.bus.PublishConnected(r.userID, bus.ConnectedData{PhoneNumber: phone})
	r.bus.PublishStatus(r.userID, bus.StatusData{State: StateConnected, PhoneNumber: phone, LastActivity: now})
}

// pollIdentity watches for the identity to appear after a credential update
// that did not carry one. At most one poll runs at a time.
func (r *Router) pollIdentity() {
	r.mu.Lock()
	if r.polling || r.phoneNumber != "" || r.sock == nil {
		r.mu.Unlock()
		return
	}
	r.polling = true
	sock := r.sock
	r.mu.Unlock()

	go func() {
		defer func() {
			r.mu.Lock()
			r.polling = false
			r.mu.Unlock()
		}()
		for i := 0; i < r.cfg.IdentityRetries; i++ {
			select {
			case <-r.ctx.Done():
				return
			case <-time.After(r.cfg.IdentityInterval):
			}
			if identity := sock.CurrentIdentity(); identity != "" {
				r.complete(identity)
				return
			}
		}
		r.logger.Printf("Session %s: identity did not appear after %d polls", r.sessionID, r.cfg.IdentityRetries)
	}()
}

// recover waits out a transient disconnect. Nothing is published while the
// budget runs; the session either resumes silently or tears down once.
func (r *Router) recover(code int) {
	r.mu.Lock()
	if r.recovering || r.sock == nil {
		r.mu.Unlock()
		return
	}
	r.recovering = true
	if r.state == StateConnected {
		r.state = StateReconnecting
	}
	sock := r.sock
	r.mu.Unlock()

	go func() {
		defer func() {
			r.mu.Lock()
			r.recovering = false
			r.mu.Unlock()
		}()
		for i := 0; i < r.cfg.RecoverRetries; i++ {
			select {
			case <-r.ctx.Done():
				return
			case <-time.After(r.cfg.RecoverInterval):
			}
			if sock.IsConnected() {
				r.mu.Lock()
				if r.state == StateReconnecting {
					r.state = StateConnected
				}
				r.lastActivity = time.Now()
				r.mu.Unlock()
				r.logger.Printf("Session %s: recovered after transient disconnect", r.sessionID)
				return
			}
		}
		r.teardown(code, "connection lost")
	}()
}

// teardown settles a fatal disconnect exactly once.
func (r *Router) teardown(code int, reason string) {
	now := time.Now()
	r.mu.Lock()
	if r.tornDown {
		r.mu.Unlock()
		return
	}
	r.tornDown = true
	phone := r.phoneNumber
	r.state = StateIdle
	r.phoneNumber = ""
	r.currentQR = ""
	r.qrExpiresAt = time.Time{}
	r.lastActivity = now
	r.mu.Unlock()

	r.logger.Printf("Session %s: tearing down (code %d, %s)", r.sessionID, code, reason)

	if code == protocol.CodeLoggedOut {
		// The remote end revoked the pairing; the stored snapshot can never
		// resume again.
		if err := r.store.DeleteSession(r.sessionID); err != nil {
			r.logger.Printf("Session %s: failed to delete revoked credentials: %v", r.sessionID, err)
		}
	} else if err := r.store.MarkDisconnected(r.sessionID); err != nil {
		r.logger.Printf("Session %s: failed to mark disconnected: %v", r.sessionID, err)
	}

	r.bus.PublishStatus(r.userID, bus.StatusData{State: StateIdle, PhoneNumber: phone, Reason: reason, LastActivity: now})
	if r.hooks.OnTeardown != nil {
		r.hooks.OnTeardown(reason)
	}
}

func disconnectReason(e protocol.ConnectionStateChanged) string {
	switch e.Code {
	case protocol.CodeLoggedOut:
		return "logged out"
	case protocol.CodeAccessDenied:
		return "access denied"
	case protocol.CodePairingExpiry:
		return "pairing expired"
	default:
		if e.Err != nil {
			return e.Err.Error()
		}
		return "disconnected"
	}
}

// NormalizePhone reduces a device identity to its bare phone number: the
// part before any device suffix or server name, without a leading plus.
func NormalizePhone(identity string) string {
	phone := identity
	if i := strings.IndexByte(phone, '@'); i >= 0 {
		phone = phone[:i]
	}
	if i := strings.IndexByte(phone, ':'); i >= 0 {
		phone = phone[:i]
	}
	phone = strings.TrimPrefix(phone, "+")
	for _, ch := range phone {
		if ch < '0' || ch > '9' {
			return ""
		}
	}
	return phone
}
