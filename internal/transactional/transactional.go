// Package transactional implements TransactionalEventTransport, the
// orchestrator presenting a plain event-transport contract to callers
// while routing publishes through the outbox and inbound deliveries
// through the inbox deduplicator (spec.md §4.5).
package transactional

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/lightbus-go/txevents/internal/childtransport"
	"github.com/lightbus-go/txevents/internal/database"
	"github.com/lightbus-go/txevents/internal/events"
	"github.com/lightbus-go/txevents/internal/inbox"
)

// Handler processes one delivered message inside the transaction the
// orchestrator has already opened and claimed the message under.
// Returning an error rolls the transaction back and leaves the message
// unacknowledged, so the child transport redelivers it.
type Handler func(ctx context.Context, message events.Message) error

// Transport is the Go counterpart of TransactionalEventTransport: it
// wraps a database.Connection and a childtransport.Transport, binding
// outbound sends to a caller-managed transaction and driving inbound
// consumption through the inbox deduplicator.
type Transport struct {
	db    database.Connection
	child childtransport.Transport
	inbox *inbox.Deduplicator

	inTransaction bool
}

// New builds a Transport over db and child.
func New(db database.Connection, child childtransport.Transport) *Transport {
	return &Transport{
		db:    db,
		child: child,
		inbox: inbox.New(db),
	}
}

// StartTransaction opens the database transaction that subsequent
// SendEvent calls are bound to. The application is expected to call
// this itself as part of its own unit-of-work when it also intends to
// call SendEvent — Consume manages transactions on its own.
func (t *Transport) StartTransaction(ctx context.Context) error {
	if err := t.db.StartTransaction(ctx); err != nil {
		return err
	}
	t.inTransaction = true
	return nil
}

// CommitTransaction commits the bound transaction.
func (t *Transport) CommitTransaction(ctx context.Context) error {
	t.inTransaction = false
	return t.db.CommitTransaction(ctx)
}

// RollbackTransaction rolls back the bound transaction.
func (t *Transport) RollbackTransaction(ctx context.Context) error {
	t.inTransaction = false
	return t.db.RollbackTransaction(ctx)
}

// SendEvent writes message to the outbox inside the caller-bound
// transaction. Returns events.ErrTransactionNotStarted if no
// transaction is currently open on this Transport.
func (t *Transport) SendEvent(ctx context.Context, message events.Message, options events.Options) error {
	if !t.inTransaction {
		return events.ErrTransactionNotStarted
	}
	return t.db.SendEvent(ctx, message, options)
}

// FetchEvents delegates unchanged to the child transport.
func (t *Transport) FetchEvents(ctx context.Context, token childtransport.Token) ([]events.Message, childtransport.Token, error) {
	return t.child.FetchEvents(ctx, token)
}

// StartListeningFor delegates to the child transport.
func (t *Transport) StartListeningFor(ctx context.Context, apiName, eventName string) error {
	return t.child.StartListeningFor(ctx, apiName, eventName)
}

// StopListeningFor delegates to the child transport.
func (t *Transport) StopListeningFor(ctx context.Context, apiName, eventName string) error {
	return t.child.StopListeningFor(ctx, apiName, eventName)
}

// Consume drives messages through the state machine in spec.md §4.5:
// for each message, claim it inside a fresh transaction; a duplicate is
// rolled back and acknowledged without running handler; otherwise
// handler runs inside the claiming transaction, commits on success and
// is acknowledged only after the commit durably lands, or rolls back
// and is left unacknowledged on failure so the child redelivers it.
//
// A handler error aborts the rest of the batch rather than continuing
// to the next message (see Design Notes): one poison message stalls
// unrelated messages already fetched alongside it until it is resolved
// or the child redelivers it in a later, smaller batch.
func (t *Transport) Consume(ctx context.Context, messages []events.Message, handler Handler) error {
	for _, message := range messages {
		if err := t.consumeOne(ctx, message, handler); err != nil {
			return err
		}
	}
	return nil
}

func (t *Transport) consumeOne(ctx context.Context, message events.Message, handler Handler) error {
	err := t.inbox.CheckAndClaim(ctx, message)
	if errors.Is(err, events.ErrDuplicateMessage) {
		log.Printf("lightbus transactional transport: duplicate delivery of %s.%s id=%s, acknowledging without handling",
			message.APIName, message.EventName, message.ID)
		return t.acknowledge(ctx, message)
	}
	if err != nil {
		return fmt.Errorf("transactional transport: claim: %w", err)
	}

	if handlerErr := handler(ctx, message); handlerErr != nil {
		if rbErr := t.inbox.Rollback(ctx); rbErr != nil {
			log.Printf("lightbus transactional transport: rollback after handler error also failed: %v", rbErr)
		}
		return fmt.Errorf("transactional transport: handler: %w", handlerErr)
	}

	if err := t.inbox.Commit(ctx); err != nil {
		return fmt.Errorf("transactional transport: commit: %w", err)
	}

	return t.acknowledge(ctx, message)
}

func (t *Transport) acknowledge(ctx context.Context, message events.Message) error {
	acker, ok := t.child.(childtransport.Acknowledger)
	if !ok {
		return nil
	}
	if err := acker.Acknowledge(ctx, message); err != nil {
		return fmt.Errorf("transactional transport: acknowledge: %w", err)
	}
	return nil
}
