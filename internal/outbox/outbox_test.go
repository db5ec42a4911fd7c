package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lightbus-go/txevents/internal/childtransport"
	"github.com/lightbus-go/txevents/internal/database"
	"github.com/lightbus-go/txevents/internal/events"
)

type fakeConnection struct {
	rows    []database.PendingEvent
	drained int
}

func (f *fakeConnection) Migrate(ctx context.Context) error { return nil }
func (f *fakeConnection) StartTransaction(ctx context.Context) error { return nil }
func (f *fakeConnection) CommitTransaction(ctx context.Context) error { return nil }
func (f *fakeConnection) RollbackTransaction(ctx context.Context) error { return nil }
func (f *fakeConnection) StoreProcessedEvent(ctx context.Context, message events.Message) error {
	return nil
}
func (f *fakeConnection) IsEventDuplicate(ctx context.Context, message events.Message) (bool, error) {
	return false, nil
}
func (f *fakeConnection) SendEvent(ctx context.Context, message events.Message, options events.Options) error {
	return nil
}
func (f *fakeConnection) ConsumePendingEvents(ctx context.Context, messageID string) ([]database.PendingEvent, error) {
	return nil, nil
}
func (f *fakeConnection) RemovePendingEvent(ctx context.Context, messageID string) error { return nil }

func (f *fakeConnection) DrainPending(ctx context.Context, limit int, publish func(context.Context, events.Message, events.Options) error) (int, error) {
	batch := f.rows
	if len(batch) > limit {
		batch = batch[:limit]
	}
	for _, row := range batch {
		if err := publish(ctx, row.Message, row.Options); err != nil {
			return 0, err
		}
	}
	f.rows = f.rows[len(batch):]
	f.drained += len(batch)
	return len(batch), nil
}

var _ database.Connection = (*fakeConnection)(nil)

type fakeChild struct {
	published []events.Message
	failNext  bool
}

func (f *fakeChild) SendEvent(ctx context.Context, message events.Message, options events.Options) error {
	if f.failNext {
		f.failNext = false
		return events.ErrPublishFailed
	}
	f.published = append(f.published, message)
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

var _ childtransport.Transport = (*fakeChild)(nil)

func TestPublisher_DrainPublishesEveryRow(t *testing.T) {
	conn := &fakeConnection{rows: []database.PendingEvent{
		{Message: events.Message{ID: "1"}},
		{Message: events.Message{ID: "2"}},
	}}
	child := &fakeChild{}
	publisher := NewPublisher(conn, "postgres://unused", child, Config{BatchSize: 10})

	if err := publisher.drain(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(child.published) != 2 {
		t.Fatalf("expected 2 published messages, got %d", len(child.published))
	}
	if len(conn.rows) != 0 {
		t.Fatalf("expected all rows drained, got %d remaining", len(conn.rows))
	}
}

func TestPublisher_DrainLoopsAcrossFullBatches(t *testing.T) {
	rows := make([]database.PendingEvent, 5)
	for i := range rows {
		rows[i] = database.PendingEvent{Message: events.Message{ID: string(rune('a' + i))}}
	}
	conn := &fakeConnection{rows: rows}
	child := &fakeChild{}
	publisher := NewPublisher(conn, "postgres://unused", child, Config{BatchSize: 2})

	if err := publisher.drain(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(child.published) != 5 {
		t.Fatalf("expected all 5 rows drained across multiple batches, got %d", len(child.published))
	}
}

func TestPublisher_DrainPropagatesPublishFailure(t *testing.T) {
	conn := &fakeConnection{rows: []database.PendingEvent{{Message: events.Message{ID: "1"}}}}
	child := &fakeChild{failNext: true}
	publisher := NewPublisher(conn, "postgres://unused", child, Config{BatchSize: 10})

	err := publisher.drain(context.Background())
	if !errors.Is(err, events.ErrPublishFailed) {
		t.Fatalf("expected ErrPublishFailed, got %v", err)
	}
}

func TestPublisher_WaitRetryBackoffHonorsConfiguredDuration(t *testing.T) {
	publisher := NewPublisher(&fakeConnection{}, "postgres://unused", &fakeChild{}, Config{
		RetryBackoff: 10 * time.Millisecond,
	})

	start := time.Now()
	publisher.waitRetryBackoff(context.Background())
	if elapsed := time.Since(start); elapsed < 10*time.Millisecond {
		t.Fatalf("expected wait of at least 10ms, got %v", elapsed)
	}
}

func TestPublisher_WaitRetryBackoffReturnsEarlyOnCancellation(t *testing.T) {
	publisher := NewPublisher(&fakeConnection{}, "postgres://unused", &fakeChild{}, Config{
		RetryBackoff: time.Minute,
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	publisher.waitRetryBackoff(ctx)
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("expected immediate return on cancelled context, took %v", elapsed)
	}
}
