package debug

import (
	"context"
	"testing"
	"time"

	"github.com/lightbus-go/txevents/internal/events"
)

func TestTransport_SendEvent(t *testing.T) {
	transport := New()
	message := events.Message{APIName: "api", EventName: "event", ID: "1"}

	if err := transport.SendEvent(context.Background(), message, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	published := transport.Published()
	if len(published) != 1 {
		t.Fatalf("expected 1 published message, got %d", len(published))
	}
	if published[0].Message.ID != "1" {
		t.Errorf("expected published message id=1, got %q", published[0].Message.ID)
	}
}

func TestTransport_SendEventAfterClose(t *testing.T) {
	transport := New()
	transport.Close()

	err := transport.SendEvent(context.Background(), events.Message{}, nil)
	if err != events.ErrPublishFailed {
		t.Fatalf("expected ErrPublishFailed, got %v", err)
	}
}

func TestTransport_FetchEventsDrainsQueue(t *testing.T) {
	transport := New()
	transport.Enqueue(events.Message{ID: "1"})
	transport.Enqueue(events.Message{ID: "2"})

	ctx := context.Background()
	messages, _, err := transport.FetchEvents(ctx, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(messages))
	}
}

func TestTransport_FetchEventsBlocksUntilEnqueue(t *testing.T) {
	transport := New()
	ctx := context.Background()

	resultCh := make(chan []events.Message, 1)
	go func() {
		messages, _, err := transport.FetchEvents(ctx, nil)
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		resultCh <- messages
	}()

	time.Sleep(20 * time.Millisecond)
	transport.Enqueue(events.Message{ID: "late"})

	select {
	case messages := <-resultCh:
		if len(messages) != 1 || messages[0].ID != "late" {
			t.Fatalf("expected the late message, got %v", messages)
		}
	case <-time.After(time.Second):
		t.Fatal("FetchEvents did not return after Enqueue")
	}
}

func TestTransport_FetchEventsReturnsEmptyBatchOnReload(t *testing.T) {
	transport := New()
	ctx := context.Background()

	resultCh := make(chan []events.Message, 1)
	errCh := make(chan error, 1)
	go func() {
		messages, _, err := transport.FetchEvents(ctx, nil)
		errCh <- err
		resultCh <- messages
	}()

	time.Sleep(20 * time.Millisecond)
	if err := transport.StartListeningFor(ctx, "api", "event"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case messages := <-resultCh:
		if err := <-errCh; err != nil {
			t.Fatalf("expected a reload to produce no error, got %v", err)
		}
		if len(messages) != 0 {
			t.Fatalf("expected an empty batch on reload, got %v", messages)
		}
	case <-time.After(time.Second):
		t.Fatal("FetchEvents did not return after StartListeningFor triggered a reload")
	}
}

func TestTransport_FetchEventsRespectsContextCancellation(t *testing.T) {
	transport := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := transport.FetchEvents(ctx, nil)
	if err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
