package router

import (
	"context"
	"io"
	"log"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nexcrm/walite/internal/bus"
	"github.com/nexcrm/walite/internal/config"
	"github.com/nexcrm/walite/internal/credstore"
	"github.com/nexcrm/walite/internal/protocol"
	"github.com/nexcrm/walite/internal/supervisor"
)

type fakeSocket struct {
	mu        sync.Mutex
	connected bool
	identity  string
	observers []func(protocol.Event)
}

func (f *fakeSocket) Connect() error { f.mu.Lock(); f.connected = true; f.mu.Unlock(); return nil }
func (f *fakeSocket) Disconnect()    { f.mu.Lock(); f.connected = false; f.mu.Unlock() }
func (f *fakeSocket) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}
func (f *fakeSocket) CurrentIdentity() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.identity
}
func (f *fakeSocket) Send(ctx context.Context, target, text string) (string, error) {
	return "3EB0TEST", nil
}
func (f *fakeSocket) Subscribe(fn func(protocol.Event)) func() {
	f.mu.Lock()
	f.observers = append(f.observers, fn)
	f.mu.Unlock()
	return func() {}
}

func (f *fakeSocket) setConnected(v bool)   { f.mu.Lock(); f.connected = v; f.mu.Unlock() }
func (f *fakeSocket) setIdentity(id string) { f.mu.Lock(); f.identity = id; f.mu.Unlock() }

func (f *fakeSocket) emit(evt protocol.Event) {
	f.mu.Lock()
	obs := append([]func(protocol.Event){}, f.observers...)
	f.mu.Unlock()
	for _, fn := range obs {
		fn(evt)
	}
}

func testConfig() *config.Config {
	cfg := config.New()
	cfg.IdentityRetries = 5
	cfg.IdentityInterval = 10 * time.Millisecond
	cfg.RecoverRetries = 5
	cfg.RecoverInterval = 10 * time.Millisecond
	cfg.StreamResetGrace = 200 * time.Millisecond
	return cfg
}

type fixture struct {
	router *Router
	sock   *fakeSocket
	store  *credstore.Store
	events <-chan bus.Envelope

	mu        sync.Mutex
	takeovers []string
	teardowns []string
}

func newFixture(t *testing.T, cfg *config.Config) *fixture {
	t.Helper()
	lg := log.New(io.Discard, "", 0)
	store, err := credstore.Open(filepath.Join(t.TempDir(), "sessions.db"), time.Hour, lg)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	b := bus.New(lg)
	events, cancel, err := b.Stream("u1")
	if err != nil {
		t.Fatalf("failed to open stream: %v", err)
	}
	t.Cleanup(cancel)

	fx := &fixture{sock: &fakeSocket{}, store: store, events: events}
	sup := supervisor.New("u1", "sess-1", nil, cfg, lg)
	fx.router = New("u1", "sess-1", store, b, sup, cfg, lg, Hooks{
		OnTakeover: func(id string) { fx.mu.Lock(); fx.takeovers = append(fx.takeovers, id); fx.mu.Unlock() },
		OnTeardown: func(r string) { fx.mu.Lock(); fx.teardowns = append(fx.teardowns, r); fx.mu.Unlock() },
	})
	t.Cleanup(fx.router.Stop)
	return fx
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func drain(events <-chan bus.Envelope) []bus.Envelope {
	var out []bus.Envelope
	for {
		select {
		case env := <-events:
			out = append(out, env)
		default:
			return out
		}
	}
}

func TestQRSupersession(t *testing.T) {
	fx := newFixture(t, testConfig())
	fx.sock.Connect()
	fx.router.Attach(fx.sock)

	if got := fx.router.Snapshot().State; got != StateAwaitingQR {
		t.Fatalf("state after attach: got %q, want %q", got, StateAwaitingQR)
	}

	fx.sock.emit(protocol.QRIssued{Payload: "qr-one", ExpiresAt: time.Now().Add(time.Minute)})
	fx.sock.emit(protocol.QRIssued{Payload: "qr-two", ExpiresAt: time.Now().Add(time.Minute)})

	snap := fx.router.Snapshot()
	if snap.QRPayload != "qr-two" {
		t.Errorf("latest code must win: got %q", snap.QRPayload)
	}
	if snap.PhoneNumber != "" {
		t.Errorf("phone number must stay empty while unpaired, got %q", snap.PhoneNumber)
	}

	var qrs []string
	for _, env := range drain(fx.events) {
		if env.Type == bus.TypeQR {
			qrs = append(qrs, env.Data.(bus.QRData).Payload)
		}
	}
	if len(qrs) != 2 || qrs[1] != "qr-two" {
		t.Errorf("expected both codes published in order, got %v", qrs)
	}
}

func TestPairingCompletes(t *testing.T) {
	fx := newFixture(t, testConfig())
	fx.sock.Connect()
	fx.router.Attach(fx.sock)

	fx.sock.emit(protocol.QRIssued{Payload: "qr-one", ExpiresAt: time.Now().Add(time.Minute)})
	fx.sock.emit(protocol.CredsUpdated{Identity: "5491122334455:12@s.whatsapp.net"})

	snap := fx.router.Snapshot()
	if snap.State != StateConnected {
		t.Fatalf("state: got %q, want %q", snap.State, StateConnected)
	}
	if snap.PhoneNumber != "5491122334455" {
		t.Errorf("phone: got %q, want 5491122334455", snap.PhoneNumber)
	}
	if snap.QRPayload != "" {
		t.Error("pairing code must be retired once paired")
	}

	rec, err := fx.store.Get("sess-1")
	if err != nil || rec == nil {
		t.Fatalf("expected persisted record, err=%v", err)
	}
	if rec.Status != credstore.StatusConnected || rec.PhoneNumber != "5491122334455" {
		t.Errorf("persisted state: %+v", rec)
	}

	var connected bool
	for _, env := range drain(fx.events) {
		switch env.Type {
		case bus.TypeConnected:
			connected = true
			if env.Data.(bus.ConnectedData).PhoneNumber != "5491122334455" {
				t.Errorf("connected event phone: %+v", env.Data)
			}
		case bus.TypeStatus:
			if data := env.Data.(bus.StatusData); data.State == StateConnected && data.LastActivity.IsZero() {
				t.Error("status transitions must carry a last-activity timestamp")
			}
		}
	}
	if !connected {
		t.Error("expected a connected event on the bus")
	}

	if fx.router.Snapshot().LastActivity.IsZero() {
		t.Error("snapshot must carry a last-activity timestamp")
	}
}

func TestIdentityPolling(t *testing.T) {
	fx := newFixture(t, testConfig())
	fx.sock.Connect()
	fx.router.Attach(fx.sock)

	// Credentials mutate before the identity is known; it appears shortly
	// after.
	fx.sock.emit(protocol.CredsUpdated{})
	time.Sleep(15 * time.Millisecond)
	fx.sock.setIdentity("5491122334455@s.whatsapp.net")

	waitFor(t, time.Second, func() bool {
		return fx.router.Snapshot().State == StateConnected
	}, "router never detected the identity")

	if got := fx.router.Snapshot().PhoneNumber; got != "5491122334455" {
		t.Errorf("phone: got %q", got)
	}
}

func TestStreamResetRecoversSilently(t *testing.T) {
	fx := newFixture(t, testConfig())
	fx.sock.Connect()
	fx.router.Attach(fx.sock)
	fx.sock.emit(protocol.CredsUpdated{Identity: "5491122334455@s.whatsapp.net"})
	drain(fx.events)

	fx.sock.setConnected(false)
	fx.sock.emit(protocol.ConnectionStateChanged{Connected: false, Code: protocol.CodeStreamReset})
	time.Sleep(15 * time.Millisecond)
	fx.sock.setConnected(true)

	waitFor(t, time.Second, func() bool {
		return fx.router.Snapshot().State == StateConnected
	}, "router never recovered from the stream reset")

	for _, env := range drain(fx.events) {
		if env.Type == bus.TypeStatus && env.Data.(bus.StatusData).State == StateIdle {
			t.Error("a recovered reset must not surface a disconnect")
		}
	}
	fx.mu.Lock()
	defer fx.mu.Unlock()
	if len(fx.teardowns) != 0 {
		t.Errorf("no teardown expected, got %v", fx.teardowns)
	}
}

func TestStreamResetBudgetExhausted(t *testing.T) {
	fx := newFixture(t, testConfig())
	fx.sock.Connect()
	fx.router.Attach(fx.sock)
	fx.sock.emit(protocol.CredsUpdated{Identity: "5491122334455@s.whatsapp.net"})

	fx.sock.setConnected(false)
	fx.sock.emit(protocol.ConnectionStateChanged{Connected: false, Code: protocol.CodeStreamReset})

	waitFor(t, time.Second, func() bool {
		fx.mu.Lock()
		defer fx.mu.Unlock()
		return len(fx.teardowns) == 1
	}, "expected teardown after the recovery budget ran out")

	if got := fx.router.Snapshot().State; got != StateIdle {
		t.Errorf("state after exhausted recovery: got %q", got)
	}
}

func TestLoggedOutDeletesCredentials(t *testing.T) {
	fx := newFixture(t, testConfig())
	fx.sock.Connect()
	fx.router.Attach(fx.sock)
	fx.sock.emit(protocol.CredsUpdated{Identity: "5491122334455@s.whatsapp.net"})

	fx.sock.emit(protocol.ConnectionStateChanged{Connected: false, Code: protocol.CodeLoggedOut})

	if got := fx.router.Snapshot().State; got != StateIdle {
		t.Fatalf("state after logout: got %q", got)
	}
	rec, err := fx.store.Get("sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if rec != nil {
		t.Error("revoked credentials must be deleted")
	}
	fx.mu.Lock()
	defer fx.mu.Unlock()
	if len(fx.teardowns) != 1 {
		t.Errorf("expected one teardown, got %v", fx.teardowns)
	}
}

func TestNewestPairingTakesOver(t *testing.T) {
	fx := newFixture(t, testConfig())
	if err := fx.store.UpdateState("u0", "sess-old", "5491122334455", "", credstore.StatusConnected); err != nil {
		t.Fatal(err)
	}

	fx.sock.Connect()
	fx.router.Attach(fx.sock)
	fx.sock.emit(protocol.CredsUpdated{Identity: "5491122334455@s.whatsapp.net"})

	fx.mu.Lock()
	takeovers := append([]string{}, fx.takeovers...)
	fx.mu.Unlock()
	if len(takeovers) != 1 || takeovers[0] != "sess-old" {
		t.Fatalf("expected takeover of sess-old, got %v", takeovers)
	}

	old, err := fx.store.Get("sess-old")
	if err != nil || old == nil {
		t.Fatalf("expected old record to remain, err=%v", err)
	}
	if old.Status != credstore.StatusDisconnected {
		t.Errorf("old session must be marked disconnected, got %q", old.Status)
	}
}

func TestNewQRInvalidatesPairing(t *testing.T) {
	fx := newFixture(t, testConfig())
	fx.sock.Connect()
	fx.router.Attach(fx.sock)
	fx.sock.emit(protocol.CredsUpdated{Identity: "5491122334455@s.whatsapp.net"})
	drain(fx.events)

	// The remote end only issues a code when the session must pair again, so
	// the code wins over the remembered pairing.
	fx.sock.emit(protocol.QRIssued{Payload: "qr-again", ExpiresAt: time.Now().Add(time.Minute)})

	snap := fx.router.Snapshot()
	if snap.State != StateAwaitingQR {
		t.Fatalf("state after re-pairing code: got %q, want %q", snap.State, StateAwaitingQR)
	}
	if snap.PhoneNumber != "" {
		t.Errorf("previous pairing must be cleared, got phone %q", snap.PhoneNumber)
	}
	if snap.QRPayload != "qr-again" {
		t.Errorf("new code must be exposed, got %q", snap.QRPayload)
	}

	var published bool
	for _, env := range drain(fx.events) {
		if env.Type == bus.TypeQR && env.Data.(bus.QRData).Payload == "qr-again" {
			published = true
		}
	}
	if !published {
		t.Error("the superseding code must be published")
	}
}

func TestResumeWithAuthenticatedSocket(t *testing.T) {
	fx := newFixture(t, testConfig())
	fx.sock.Connect()
	fx.sock.setIdentity("5491122334455@s.whatsapp.net")
	fx.router.Attach(fx.sock)

	snap := fx.router.Snapshot()
	if snap.State != StateConnected || snap.PhoneNumber != "5491122334455" {
		t.Fatalf("resume snapshot: %+v", snap)
	}
}

func TestNormalizePhone(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"5491122334455@s.whatsapp.net", "5491122334455"},
		{"5491122334455:12@s.whatsapp.net", "5491122334455"},
		{"+5491122334455", "5491122334455"},
		{"5491122334455", "5491122334455"},
		{"not-a-number@s.whatsapp.net", ""},
		{"", ""},
	}
	for _, tc := range cases {
		if got := NormalizePhone(tc.in); got != tc.want {
			t.Errorf("NormalizePhone(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
