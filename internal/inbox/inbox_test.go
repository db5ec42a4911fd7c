package inbox

import (
	"context"
	"testing"

	"github.com/lightbus-go/txevents/internal/database"
	"github.com/lightbus-go/txevents/internal/events"
)

// fakeConnection is a minimal in-memory database.Connection for exercising
// the inbox without a real Postgres instance.
type fakeConnection struct {
	inTx      bool
	processed map[string]bool
	claimed   []string // keys stored in the open transaction, undone on rollback
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

func TestDeduplicator_ClaimCommitThenDuplicate(t *testing.T) {
	conn := newFakeConnection()
	dedup := New(conn)
	ctx := context.Background()

	message := events.Message{APIName: "api", EventName: "event", ID: "123"}

	if err := dedup.CheckAndClaim(ctx, message); err != nil {
		t.Fatalf("unexpected error on first claim: %v", err)
	}
	if err := dedup.Commit(ctx); err != nil {
		t.Fatalf("unexpected error on commit: %v", err)
	}

	isDup, err := dedup.IsDuplicate(ctx, message)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !isDup {
		t.Fatal("expected message to be a duplicate after commit")
	}

	err = dedup.CheckAndClaim(ctx, message)
	if err != events.ErrDuplicateMessage {
		t.Fatalf("expected ErrDuplicateMessage, got %v", err)
	}
	if conn.inTx {
		t.Fatal("expected no transaction left open after a duplicate claim")
	}
}

func TestDeduplicator_RollbackAllowsRetry(t *testing.T) {
	conn := newFakeConnection()
	dedup := New(conn)
	ctx := context.Background()

	message := events.Message{APIName: "api", EventName: "event", ID: "123"}

	if err := dedup.CheckAndClaim(ctx, message); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := dedup.Rollback(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	isDup, err := dedup.IsDuplicate(ctx, message)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if isDup {
		t.Fatal("expected message to not be a duplicate after rollback")
	}

	if err := dedup.CheckAndClaim(ctx, message); err != nil {
		t.Fatalf("expected claim to succeed again after rollback: %v", err)
	}
}
