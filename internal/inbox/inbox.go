// Package inbox implements the consumer-side deduplication half of the
// transactional event transport (spec.md §4.4): before a handler's
// business-logic transaction is allowed to run, the inbox claims the
// incoming message's identity inside that same transaction, so a
// handler re-delivery after a crash either never starts the handler
// again or rolls back the claim along with the handler's own writes.
package inbox

import (
	"context"
	"errors"
	"fmt"

	"github.com/lightbus-go/txevents/internal/database"
	"github.com/lightbus-go/txevents/internal/events"
	"github.com/lightbus-go/txevents/internal/metrics"
)

// Deduplicator guards against processing the same (api_name,
// event_name, id) triple twice.
type Deduplicator struct {
	db database.Connection
}

// New builds a Deduplicator backed by conn's processed-events table.
func New(conn database.Connection) *Deduplicator {
	return &Deduplicator{db: conn}
}

// CheckAndClaim starts a transaction on the underlying connection,
// inserts message's processed-event row, and leaves the transaction
// open for the caller's handler to extend with its own writes. The
// caller must Commit or Rollback.
//
// Returns events.ErrDuplicateMessage (leaving no transaction open) if
// message was already processed; any other error also leaves no
// transaction open.
func (d *Deduplicator) CheckAndClaim(ctx context.Context, message events.Message) error {
	if err := d.db.StartTransaction(ctx); err != nil {
		return fmt.Errorf("inbox: start transaction: %w", err)
	}

	if err := d.db.StoreProcessedEvent(ctx, message); err != nil {
		_ = d.db.RollbackTransaction(ctx)
		if errors.Is(err, events.ErrDuplicateEvent) {
			metrics.InboxDuplicateTotal.Inc()
			return events.ErrDuplicateMessage
		}
		return fmt.Errorf("inbox: claim %s.%s id=%s: %w", message.APIName, message.EventName, message.ID, err)
	}

	return nil
}

// Commit finalizes a claim made by CheckAndClaim, alongside whatever
// writes the caller's handler performed in the same transaction.
func (d *Deduplicator) Commit(ctx context.Context) error {
	if err := d.db.CommitTransaction(ctx); err != nil {
		return fmt.Errorf("inbox: commit: %w", err)
	}
	metrics.InboxProcessedTotal.Inc()
	return nil
}

// Rollback abandons a claim made by CheckAndClaim: the message is left
// unprocessed and will be reconsidered on redelivery.
func (d *Deduplicator) Rollback(ctx context.Context) error {
	if err := d.db.RollbackTransaction(ctx); err != nil {
		return fmt.Errorf("inbox: rollback: %w", err)
	}
	return nil
}

// IsDuplicate is a read-only check useful for diagnostics or dry-run
// tooling; the authoritative check happens inside CheckAndClaim.
func (d *Deduplicator) IsDuplicate(ctx context.Context, message events.Message) (bool, error) {
	return d.db.IsEventDuplicate(ctx, message)
}
