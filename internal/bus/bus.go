package bus

import (
	"fmt"
	"log"
	"time"

	evbus "github.com/asaskevich/EventBus"
)

// Envelope types published per user.
const (
	TypeQR        = "qr"
	TypeStatus    = "status"
	TypeConnected = "connected"
	TypeMessage   = "message"
)

// Envelope is one routed event as consumers see it.
type Envelope struct {
	Type      string      `json:"type"`
	UserID    string      `json:"user_id"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

// QRData carries a pairing code, both raw and pre-rendered so UI consumers
// can show it without a QR library of their own.
type QRData struct {
	Payload     string    `json:"payload"`
	ImageBase64 string    `json:"image_base64,omitempty"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// StatusData carries a session state transition.
type StatusData struct {
	State        string    `json:"state"`
	PhoneNumber  string    `json:"phone_number,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	LastActivity time.Time `json:"last_activity"`
}

// ConnectedData announces a completed pairing.
type ConnectedData struct {
	PhoneNumber string `json:"phone_number"`
}

// MessageData carries an inbound message.
type MessageData struct {
	Sender    string    `json:"sender"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Bus is a typed per-user event fanout. Publishing never blocks; slow
// consumers lose events rather than stalling the router.
type Bus struct {
	inner  evbus.Bus
	logger *log.Logger
}

// New creates an event bus.
func New(logger *log.Logger) *Bus {
	return &Bus{inner: evbus.New(), logger: logger}
}

func topic(userID string) string {
	return fmt.Sprintf("user:%s", userID)
}

// PublishQR announces a fresh pairing code for the user.
func (b *Bus) PublishQR(userID string, data QRData) {
	b.publish(userID, TypeQR, data)
}

// PublishStatus announces a state transition for the user.
func (b *Bus) PublishStatus(userID string, data StatusData) {
	b.publish(userID, TypeStatus, data)
}

// PublishConnected announces a completed pairing for the user.
func (b *Bus) PublishConnected(userID string, data ConnectedData) {
	b.publish(userID, TypeConnected, data)
}

// PublishMessage announces an inbound message for the user.
func (b *Bus) PublishMessage(userID string, data MessageData) {
	b.publish(userID, TypeMessage, data)
}

func (b *Bus) publish(userID, typ string, data interface{}) {
	b.inner.Publish(topic(userID), Envelope{
		Type:      typ,
		UserID:    userID,
		Data:      data,
		Timestamp: time.Now(),
	})
}

// Stream subscribes to all of a user's events. The returned channel is
// buffered; events that arrive while it is full are dropped. The cancel
// function detaches the subscription without closing the channel, so a
// concurrent publish can never hit a closed channel.
func (b *Bus) Stream(userID string) (<-chan Envelope, func(), error) {
	ch := make(chan Envelope, 32)
	handler := func(env Envelope) {
		select {
		case ch <- env:
		default:
			b.logger.Printf("Dropping %s event for user %s: stream buffer full", env.Type, userID)
		}
	}
	if err := b.inner.Subscribe(topic(userID), handler); err != nil {
		return nil, nil, err
	}
	cancel := func() {
		if err := b.inner.Unsubscribe(topic(userID), handler); err != nil {
			b.logger.Printf("Failed to unsubscribe user %s stream: %v", userID, err)
		}
	}
	return ch, cancel, nil
}
