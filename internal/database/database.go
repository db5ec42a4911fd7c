// Package database defines the abstract DatabaseConnection contract the
// transactional transport is built against (spec §4.1). Concrete
// implementations live in sub-packages, e.g. database/postgres.
package database

import (
	"context"

	"github.com/lightbus-go/txevents/internal/events"
)

// PendingEvent pairs an outbox row's decoded message with the publish
// options it was stored with.
type PendingEvent struct {
	Message events.Message
	Options events.Options
}

// Connection is a single-threaded adapter exposing transaction control,
// the outbox table and the processed-events table on some relational
// backend. All operations perform I/O and accept a context for
// cancellation. Only one transaction may be open at a time per Connection.
type Connection interface {
	// Migrate idempotently creates the outbox and processed-events tables.
	// Safe to call on every startup.
	Migrate(ctx context.Context) error

	// StartTransaction begins a transaction on the underlying connection.
	StartTransaction(ctx context.Context) error

	// CommitTransaction commits the current transaction.
	CommitTransaction(ctx context.Context) error

	// RollbackTransaction rolls back the current transaction. The
	// connection remains usable afterward.
	RollbackTransaction(ctx context.Context) error

	// StoreProcessedEvent inserts a ProcessedEventRow for message inside
	// the current transaction. Returns events.ErrDuplicateEvent if the
	// natural key already exists, or events.ErrNotInTransaction if no
	// transaction is open.
	StoreProcessedEvent(ctx context.Context, message events.Message) error

	// IsEventDuplicate reports whether a ProcessedEventRow already exists
	// for message's (api_name, event_name, id) triple.
	IsEventDuplicate(ctx context.Context, message events.Message) (bool, error)

	// SendEvent inserts an OutboxRow for message inside the current
	// transaction. options must be JSON-representable or
	// events.ErrUnsupportedOptionValue is returned and the transaction is
	// left unchanged. Returns events.ErrNotInTransaction if no transaction
	// is open.
	SendEvent(ctx context.Context, message events.Message, options events.Options) error

	// ConsumePendingEvents yields outbox rows in insertion order. If
	// messageID is non-empty, only that row is yielded (zero or one). Does
	// not lock rows; used for recovery scans and round-trip inspection,
	// not for claiming a batch to publish (see DrainPending).
	ConsumePendingEvents(ctx context.Context, messageID string) ([]PendingEvent, error)

	// RemovePendingEvent deletes one OutboxRow by id. Idempotent: a
	// missing row is not an error.
	RemovePendingEvent(ctx context.Context, messageID string) error

	// DrainPending claims up to limit outbox rows in insertion order via a
	// row-level lock (SELECT ... FOR UPDATE SKIP LOCKED) so concurrent
	// publishers own disjoint slices, invokes publish for each row while
	// the claiming transaction is still open, and removes every claimed
	// row in that same transaction once all publishes succeed. If publish
	// returns an error, the transaction is rolled back and no row is
	// removed: a publish failure halts forward progress for this batch
	// rather than skipping rows, per the outbox's no-gap-policy drain
	// order. Returns the number of rows successfully drained.
	DrainPending(ctx context.Context, limit int, publish func(context.Context, events.Message, events.Options) error) (int, error)
}
