package transactional

import (
	"context"
	"errors"
	"testing"

	"github.com/lightbus-go/txevents/internal/childtransport"
	"github.com/lightbus-go/txevents/internal/database"
	"github.com/lightbus-go/txevents/internal/events"
)

type fakeConnection struct {
	inTx      bool
	processed map[string]bool
	claimed   []string // keys stored in the open transaction, undone on rollback
	sent      []events.Message
}

func newFakeConnection() *fakeConnection {
	return &fakeConnection{processed: make(map[string]bool)}
}

func key(m events.Message) string { return m.APIName + "." + m.EventName + "." + m.ID }

func (f *fakeConnection) Migrate(ctx context.Context) error { return nil }

func (f *fakeConnection) StartTransaction(ctx context.Context) error {
	f.inTx = true
	f.claimed = nil
	return nil
}

func (f *fakeConnection) CommitTransaction(ctx context.Context) error {
	if !f.inTx {
		return events.ErrNotInTransaction
	}
	f.inTx = false
	f.claimed = nil
	return nil
}

func (f *fakeConnection) RollbackTransaction(ctx context.Context) error {
	if !f.inTx {
		return events.ErrNotInTransaction
	}
	for _, k := range f.claimed {
		delete(f.processed, k)
	}
	f.claimed = nil
	f.inTx = false
	return nil
}

func (f *fakeConnection) StoreProcessedEvent(ctx context.Context, message events.Message) error {
	if !f.inTx {
		return events.ErrNotInTransaction
	}
	k := key(message)
	if f.processed[k] {
		return events.ErrDuplicateEvent
	}
	f.processed[k] = true
	f.claimed = append(f.claimed, k)
	return nil
}

func (f *fakeConnection) IsEventDuplicate(ctx context.Context, message events.Message) (bool, error) {
	return f.processed[key(message)], nil
}

func (f *fakeConnection) SendEvent(ctx context.Context, message events.Message, options events.Options) error {
	if !f.inTx {
		return events.ErrNotInTransaction
	}
	f.sent = append(f.sent, message)
	return nil
}

func (f *fakeConnection) ConsumePendingEvents(ctx context.Context, messageID string) ([]database.PendingEvent, error) {
	return nil, nil
}

func (f *fakeConnection) RemovePendingEvent(ctx context.Context, messageID string) error {
	return nil
}

func (f *fakeConnection) DrainPending(ctx context.Context, limit int, publish func(context.Context, events.Message, events.Options) error) (int, error) {
	return 0, nil
}

var _ database.Connection = (*fakeConnection)(nil)

type fakeChild struct {
	acked []string
}

func (f *fakeChild) SendEvent(ctx context.Context, message events.Message, options events.Options) error {
	return nil
}

func (f *fakeChild) FetchEvents(ctx context.Context, token childtransport.Token) ([]events.Message, childtransport.Token, error) {
	return nil, nil, nil
}

func (f *fakeChild) StartListeningFor(ctx context.Context, apiName, eventName string) error {
	return nil
}

func (f *fakeChild) StopListeningFor(ctx context.Context, apiName, eventName string) error {
	return nil
}

func (f *fakeChild) Close() error { return nil }

func (f *fakeChild) Acknowledge(ctx context.Context, message events.Message) error {
	f.acked = append(f.acked, message.ID)
	return nil
}

var (
	_ childtransport.Transport    = (*fakeChild)(nil)
	_ childtransport.Acknowledger = (*fakeChild)(nil)
)

func TestTransport_SendEventRequiresBoundTransaction(t *testing.T) {
	transport := New(newFakeConnection(), &fakeChild{})
	ctx := context.Background()

	err := transport.SendEvent(ctx, events.Message{ID: "1"}, nil)
	if !errors.Is(err, events.ErrTransactionNotStarted) {
		t.Fatalf("expected ErrTransactionNotStarted, got %v", err)
	}
}

func TestTransport_SendEventWithinTransaction(t *testing.T) {
	conn := newFakeConnection()
	transport := New(conn, &fakeChild{})
	ctx := context.Background()

	if err := transport.StartTransaction(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := transport.SendEvent(ctx, events.Message{ID: "1"}, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := transport.CommitTransaction(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(conn.sent) != 1 {
		t.Fatalf("expected 1 sent message, got %d", len(conn.sent))
	}
}

func TestTransport_ConsumeHandlesEachMessageOnceAndAcks(t *testing.T) {
	conn := newFakeConnection()
	child := &fakeChild{}
	transport := New(conn, child)
	ctx := context.Background()

	var handled []string
	handler := func(ctx context.Context, message events.Message) error {
		handled = append(handled, message.ID)
		return nil
	}

	message := events.Message{APIName: "api", EventName: "event", ID: "1"}
	if err := transport.Consume(ctx, []events.Message{message}, handler); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(handled) != 1 {
		t.Fatalf("expected handler invoked once, got %d", len(handled))
	}
	if len(child.acked) != 1 || child.acked[0] != "1" {
		t.Fatalf("expected ack for message 1, got %v", child.acked)
	}

	// Redelivery of the same message: the handler must not run again, but
	// the orchestrator still acknowledges so the child transport stops
	// redelivering it.
	if err := transport.Consume(ctx, []events.Message{message}, handler); err != nil {
		t.Fatalf("unexpected error on redelivery: %v", err)
	}
	if len(handled) != 1 {
		t.Fatalf("expected handler to not run again on redelivery, got %d calls", len(handled))
	}
	if len(child.acked) != 2 {
		t.Fatalf("expected redelivered duplicate to still be acked, got %d acks", len(child.acked))
	}
}

func TestTransport_ConsumeRollsBackAndDoesNotAckOnHandlerError(t *testing.T) {
	conn := newFakeConnection()
	child := &fakeChild{}
	transport := New(conn, child)
	ctx := context.Background()

	handlerErr := errors.New("boom")
	handler := func(ctx context.Context, message events.Message) error {
		return handlerErr
	}

	message := events.Message{APIName: "api", EventName: "event", ID: "1"}
	err := transport.Consume(ctx, []events.Message{message}, handler)
	if err == nil {
		t.Fatal("expected an error from Consume")
	}
	if !errors.Is(err, handlerErr) {
		t.Fatalf("expected wrapped handler error, got %v", err)
	}
	if len(child.acked) != 0 {
		t.Fatalf("expected no acknowledgement after handler failure, got %v", child.acked)
	}
	if conn.processed[key(message)] {
		t.Fatal("expected the claim to be rolled back after handler failure")
	}

	// Redelivery after a rollback must invoke the handler again.
	handled := false
	_ = transport.Consume(ctx, []events.Message{message}, func(ctx context.Context, message events.Message) error {
		handled = true
		return nil
	})
	if !handled {
		t.Fatal("expected handler to run again after a rolled-back delivery")
	}
}
