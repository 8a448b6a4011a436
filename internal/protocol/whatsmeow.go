package protocol

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
)

// SocketConfig carries everything needed to construct a socket around a
// device store.
type SocketConfig struct {
	SessionID string
	Device    *store.Device
	// Save is invoked after every credential mutation, before the matching
	// CredsUpdated event is published.
	Save   func(ctx context.Context) error
	Logger *log.Logger

	ConnectRetries    int
	ConnectRetryDelay time.Duration
	QRTimeout         time.Duration
}

// waSocket adapts the multi-device client to the Socket interface. All
// library event types are translated here and nowhere else.
type waSocket struct {
	cfg    SocketConfig
	client *whatsmeow.Client

	events chan Event

	mu        sync.Mutex
	observers map[int]func(Event)
	nextObs   int

	stopOnce sync.Once
	stopped  chan struct{}
}

// NewSocket builds a socket for the given device. The socket is inert until
// Connect is called.
func NewSocket(cfg SocketConfig) Socket {
	clientLog := waLog.Stdout("Client-"+cfg.SessionID, "ERROR", true)
	s := &waSocket{
		cfg:       cfg,
		client:    whatsmeow.NewClient(cfg.Device, clientLog),
		events:    make(chan Event, 64),
		observers: make(map[int]func(Event)),
		stopped:   make(chan struct{}),
	}
	s.client.AddEventHandler(s.translate)
	go s.dispatch()
	return s
}

// Connect opens the socket. For unauthenticated devices the pairing channel
// is armed first, so the initial QR code is never missed.
func (s *waSocket) Connect() error {
	if s.client.Store.ID == nil {
		qrChan, err := s.client.GetQRChannel(context.Background())
		if err != nil {
			return fmt.Errorf("failed to arm pairing channel: %w", err)
		}
		go s.consumeQR(qrChan)
	}

	var err error
	for attempt := 0; attempt < s.cfg.ConnectRetries; attempt++ {
		err = s.client.Connect()
		if err == nil {
			return nil
		}
		if strings.Contains(err.Error(), "websocket is already connected") {
			s.cfg.Logger.Printf("Session %s: socket already connected, reusing", s.cfg.SessionID)
			return nil
		}
		s.cfg.Logger.Printf("Session %s: connect attempt %d failed: %v", s.cfg.SessionID, attempt+1, err)
		time.Sleep(s.cfg.ConnectRetryDelay)
	}
	return fmt.Errorf("failed to connect after %d attempts: %w", s.cfg.ConnectRetries, err)
}

// Disconnect tears the socket down and stops event delivery. Terminal.
func (s *waSocket) Disconnect() {
	s.client.Disconnect()
	s.stopOnce.Do(func() { close(s.stopped) })
}

func (s *waSocket) IsConnected() bool {
	return s.client.IsConnected()
}

func (s *waSocket) CurrentIdentity() string {
	if s.client.Store.ID == nil {
		return ""
	}
	return s.client.Store.ID.String()
}

// Send delivers a plain text message and returns the assigned message ID.
func (s *waSocket) Send(ctx context.Context, target, text string) (string, error) {
	jid, err := parseTarget(target)
	if err != nil {
		return "", err
	}
	msg := &waE2E.Message{Conversation: proto.String(text)}
	resp, err := s.client.SendMessage(ctx, jid, msg)
	if err != nil {
		return "", fmt.Errorf("failed to send message: %w", err)
	}
	return string(resp.ID), nil
}

// Subscribe registers an observer. Observers run on the dispatch goroutine,
// so delivery order matches emission order.
func (s *waSocket) Subscribe(fn func(Event)) func() {
	s.mu.Lock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.observers, id)
		s.mu.Unlock()
	}
}

func (s *waSocket) emit(evt Event) {
	select {
	case s.events <- evt:
	case <-s.stopped:
	}
}

func (s *waSocket) dispatch() {
	for {
		select {
		case evt := <-s.events:
			s.mu.Lock()
			obs := make([]func(Event), 0, len(s.observers))
			for _, fn := range s.observers {
				obs = append(obs, fn)
			}
			s.mu.Unlock()
			for _, fn := range obs {
				fn(evt)
			}
		case <-s.stopped:
			return
		}
	}
}

// consumeQR forwards pairing codes from the library channel. The channel
// closes on its own once pairing succeeds or times out.
func (s *waSocket) consumeQR(ch <-chan whatsmeow.QRChannelItem) {
	for item := range ch {
		switch item.Event {
		case "code":
			s.emit(QRIssued{
				Payload:   item.Code,
				ExpiresAt: time.Now().Add(s.cfg.QRTimeout),
			})
		case "timeout":
			s.emit(ConnectionStateChanged{Connected: false, Code: CodePairingExpiry})
		case "success":
			// PairSuccess handles the credential snapshot.
		default:
			if item.Error != nil {
				s.cfg.Logger.Printf("Session %s: pairing channel error: %v", s.cfg.SessionID, item.Error)
			}
		}
	}
}

// translate maps library events onto the package's event types.
func (s *waSocket) translate(raw interface{}) {
	switch evt := raw.(type) {
	case *events.PairSuccess:
		s.saveCreds("pair success")
		s.emit(CredsUpdated{Identity: evt.ID.String()})

	case *events.Connected:
		s.saveCreds("connected")
		s.emit(CredsUpdated{Identity: s.CurrentIdentity()})
		s.emit(ConnectionStateChanged{Connected: true})

	case *events.Disconnected:
		s.emit(ConnectionStateChanged{Connected: false, Code: CodeNone})

	case *events.StreamError:
		code := CodeNone
		if n, err := strconv.Atoi(evt.Code); err == nil {
			code = n
		}
		s.emit(ConnectionStateChanged{
			Connected: false,
			Code:      code,
			Err:       fmt.Errorf("stream error %s", evt.Code),
		})

	case *events.LoggedOut:
		s.emit(ConnectionStateChanged{
			Connected: false,
			Code:      CodeLoggedOut,
			Err:       fmt.Errorf("logged out: %s", evt.Reason),
		})

	case *events.ConnectFailure:
		s.emit(ConnectionStateChanged{
			Connected: false,
			Code:      int(evt.Reason),
			Err:       fmt.Errorf("connect failure: %s", evt.Message),
		})

	case *events.Message:
		if text := evt.Message.GetConversation(); text != "" {
			s.emit(MessageReceived{
				Sender:    evt.Info.Sender.String(),
				Text:      text,
				Timestamp: evt.Info.Timestamp,
			})
		}
	}
}

func (s *waSocket) saveCreds(cause string) {
	if s.cfg.Save == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.cfg.Save(ctx); err != nil {
		s.cfg.Logger.Printf("Session %s: failed to persist credentials on %s: %v", s.cfg.SessionID, cause, err)
	}
}

func parseTarget(target string) (types.JID, error) {
	if strings.Contains(target, "@") {
		jid, err := types.ParseJID(target)
		if err != nil {
			return types.EmptyJID, fmt.Errorf("invalid recipient %q: %w", target, err)
		}
		return jid, nil
	}
	digits := strings.TrimLeft(target, "+")
	if digits == "" {
		return types.EmptyJID, fmt.Errorf("invalid recipient %q", target)
	}
	return types.NewJID(digits, types.DefaultUserServer), nil
}
