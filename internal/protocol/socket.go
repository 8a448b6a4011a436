package protocol

import (
	"context"
	"time"
)

// Disconnect codes surfaced through ConnectionStateChanged. The stream reset
// is the one recoverable case: the remote end briefly resets the stream right
// after a pairing code is scanned and the session completes on its own.
const (
	CodeNone          = 0
	CodeLoggedOut     = 401
	CodeAccessDenied  = 403
	CodePairingExpiry = 408
	CodeStreamReset   = 515
)

// Recoverable reports whether a disconnect code is expected to self-heal
// without a fresh pairing flow.
func Recoverable(code int) bool {
	return code == CodeStreamReset || code == CodeNone
}

// Event is a translated protocol event. The underlying library's event types
// never leave this package.
type Event interface{ isEvent() }

// QRIssued carries a fresh pairing code. A later code supersedes any earlier
// one.
type QRIssued struct {
	Payload   string
	ExpiresAt time.Time
}

// CredsUpdated fires whenever the library mutates session credentials.
// Identity is the remote network's handle for the paired device, empty while
// pairing is still in flight.
type CredsUpdated struct {
	Identity string
}

// ConnectionStateChanged reports socket-level connectivity. Code is one of
// the disconnect codes above when Connected is false.
type ConnectionStateChanged struct {
	Connected bool
	Code      int
	Err       error
}

// MessageReceived carries an inbound text message.
type MessageReceived struct {
	Sender    string
	Text      string
	Timestamp time.Time
}

func (QRIssued) isEvent()               {}
func (CredsUpdated) isEvent()           {}
func (ConnectionStateChanged) isEvent() {}
func (MessageReceived) isEvent()        {}

// Socket is the narrow surface the connection manager is allowed to touch.
// The handle behind it is opaque; callers never reach into library types.
type Socket interface {
	Connect() error
	Disconnect()
	IsConnected() bool
	// CurrentIdentity returns the authenticated device identity, or ""
	// while pairing is still in flight.
	CurrentIdentity() string
	// Send delivers a text message and returns the message ID.
	Send(ctx context.Context, target, text string) (string, error)
	// Subscribe registers an observer for translated events. Events are
	// delivered sequentially. The returned function removes the observer.
	Subscribe(fn func(Event)) func()
}
