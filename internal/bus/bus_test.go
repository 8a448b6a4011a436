package bus

import (
	"io"
	"log"
	"testing"
	"time"
)

func newTestBus() *Bus {
	return New(log.New(io.Discard, "", 0))
}

func TestStreamReceivesOwnUserEventsOnly(t *testing.T) {
	b := newTestBus()
	stream, cancel, err := b.Stream("u1")
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	b.PublishQR("u1", QRData{Payload: "qr-one"})
	b.PublishQR("u2", QRData{Payload: "qr-other"})

	select {
	case env := <-stream:
		if env.Type != TypeQR || env.UserID != "u1" {
			t.Fatalf("unexpected envelope: %+v", env)
		}
		if env.Data.(QRData).Payload != "qr-one" {
			t.Fatalf("unexpected payload: %+v", env.Data)
		}
	default:
		t.Fatal("expected an event on the stream")
	}

	select {
	case env := <-stream:
		t.Fatalf("received another user's event: %+v", env)
	default:
	}
}

func TestCancelDetachesStream(t *testing.T) {
	b := newTestBus()
	stream, cancel, err := b.Stream("u1")
	if err != nil {
		t.Fatal(err)
	}
	cancel()

	b.PublishStatus("u1", StatusData{State: "idle"})
	select {
	case env := <-stream:
		t.Fatalf("cancelled stream still received %+v", env)
	default:
	}
}

func TestSlowConsumerNeverBlocksPublish(t *testing.T) {
	b := newTestBus()
	_, cancel, err := b.Stream("u1")
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Nobody reads; publishing far past the buffer must still return.
		for i := 0; i < 200; i++ {
			b.PublishMessage("u1", MessageData{Text: "hello", Timestamp: time.Now()})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow consumer")
	}
}
