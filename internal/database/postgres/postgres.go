// Package postgres implements database.Connection on top of
// database/sql and github.com/lib/pq, following the same plain-SQL,
// circuit-breaker-wrapped style the teacher repo uses for its own
// Postgres adapters (internal/adapters/repository and
// internal/adapters/outbox in the identity-access-service).
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
	"github.com/sony/gobreaker"

	"github.com/lightbus-go/txevents/internal/circuitbreaker"
	"github.com/lightbus-go/txevents/internal/database"
	"github.com/lightbus-go/txevents/internal/events"
)

// Schema is bit-exact per the spec's external interface section.
const Schema = `
CREATE TABLE IF NOT EXISTS lightbus_event_outbox (
	message_id TEXT PRIMARY KEY,
	api_name TEXT NOT NULL,
	event_name TEXT NOT NULL,
	payload JSON NOT NULL,
	metadata JSON NOT NULL,
	options JSON NOT NULL,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS lightbus_event_outbox_created_at_idx ON lightbus_event_outbox (created_at);

CREATE TABLE IF NOT EXISTS lightbus_processed_events (
	api_name TEXT NOT NULL,
	event_name TEXT NOT NULL,
	message_id TEXT NOT NULL,
	PRIMARY KEY (api_name, event_name, message_id)
);
`

// Connection is a single-threaded database.Connection backed by a
// *sql.DB opened against Postgres. Only one transaction may be open at a
// time, matching the teacher's SQLRepository which never interleaves
// transactions on one *sql.DB handle.
type Connection struct {
	db *sql.DB
	cb *gobreaker.CircuitBreaker

	tx *sql.Tx
}

// NewConnection wraps db. db should be opened with
// sql.Open("postgres", dsn) and the "github.com/lib/pq" driver imported
// for side effects by the caller (see cmd/relay).
func NewConnection(db *sql.DB) *Connection {
	return &Connection{
		db: db,
		cb: circuitbreaker.New("Postgres-TxEvents"),
	}
}

var _ database.Connection = (*Connection)(nil)

func (c *Connection) Migrate(ctx context.Context) error {
	_, err := c.cb.Execute(func() (any, error) {
		_, err := c.db.ExecContext(ctx, Schema)
		return nil, err
	})
	return err
}

func (c *Connection) StartTransaction(ctx context.Context) error {
	if c.tx != nil {
		return fmt.Errorf("lightbus: transaction already open on this connection")
	}
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("lightbus: begin transaction: %w", err)
	}
	c.tx = tx
	return nil
}

func (c *Connection) CommitTransaction(ctx context.Context) error {
	if c.tx == nil {
		return events.ErrNotInTransaction
	}
	tx := c.tx
	c.tx = nil
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("lightbus: commit transaction: %w", err)
	}
	return nil
}

func (c *Connection) RollbackTransaction(ctx context.Context) error {
	if c.tx == nil {
		return events.ErrNotInTransaction
	}
	tx := c.tx
	c.tx = nil
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("lightbus: rollback transaction: %w", err)
	}
	return nil
}

func (c *Connection) StoreProcessedEvent(ctx context.Context, message events.Message) error {
	if c.tx == nil {
		return events.ErrNotInTransaction
	}
	_, err := c.tx.ExecContext(ctx,
		`INSERT INTO lightbus_processed_events (api_name, event_name, message_id) VALUES ($1, $2, $3)`,
		message.APIName, message.EventName, message.ID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return events.ErrDuplicateEvent
		}
		return fmt.Errorf("lightbus: store processed event: %w", err)
	}
	return nil
}

func (c *Connection) IsEventDuplicate(ctx context.Context, message events.Message) (bool, error) {
	var exists bool
	err := c.queryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM lightbus_processed_events WHERE api_name = $1 AND event_name = $2 AND message_id = $3)`,
		message.APIName, message.EventName, message.ID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("lightbus: is event duplicate: %w", err)
	}
	return exists, nil
}

func (c *Connection) SendEvent(ctx context.Context, message events.Message, options events.Options) error {
	if c.tx == nil {
		return events.ErrNotInTransaction
	}

	optionsJSON, err := marshalOptions(options)
	if err != nil {
		return err
	}
	payloadJSON, err := json.Marshal(message.GetKwargs())
	if err != nil {
		return fmt.Errorf("lightbus: marshal payload: %w", err)
	}
	metadataJSON, err := json.Marshal(message.GetMetadata())
	if err != nil {
		return fmt.Errorf("lightbus: marshal metadata: %w", err)
	}

	_, err = c.tx.ExecContext(ctx,
		`INSERT INTO lightbus_event_outbox (message_id, api_name, event_name, payload, metadata, options)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		message.ID, message.APIName, message.EventName, payloadJSON, metadataJSON, optionsJSON,
	)
	if err != nil {
		return fmt.Errorf("lightbus: send event: %w", err)
	}

	// Wake the outbox publisher listening on lightbus_outbox_channel;
	// Postgres delivers the notification only when this transaction commits.
	if _, err := c.tx.ExecContext(ctx, `SELECT pg_notify('lightbus_outbox_channel', $1)`, message.ID); err != nil {
		return fmt.Errorf("lightbus: notify outbox channel: %w", err)
	}
	return nil
}

// marshalOptions validates that every option value is JSON-representable
// before insertion, per spec.md §4.1: non-representable values raise
// UnsupportedOptionValue and leave the transaction unchanged.
func marshalOptions(options events.Options) ([]byte, error) {
	if options == nil {
		options = events.Options{}
	}
	for key, value := range options {
		if _, err := json.Marshal(value); err != nil {
			return nil, &events.UnsupportedOptionValueError{Key: key, Err: err}
		}
	}
	data, err := json.Marshal(options)
	if err != nil {
		return nil, fmt.Errorf("lightbus: marshal options: %w", err)
	}
	return data, nil
}

func (c *Connection) ConsumePendingEvents(ctx context.Context, messageID string) ([]database.PendingEvent, error) {
	query := `SELECT message_id, api_name, event_name, payload, metadata, options, created_at
	          FROM lightbus_event_outbox`
	args := []any{}
	if messageID != "" {
		query += " WHERE message_id = $1"
		args = append(args, messageID)
	}
	query += " ORDER BY created_at, message_id"

	rows, err := c.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("lightbus: consume pending events: %w", err)
	}
	defer rows.Close()

	var out []database.PendingEvent
	for rows.Next() {
		pending, err := scanPendingEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pending)
	}
	return out, rows.Err()
}

func (c *Connection) RemovePendingEvent(ctx context.Context, messageID string) error {
	exec := c.execFunc()
	_, err := exec(ctx, `DELETE FROM lightbus_event_outbox WHERE message_id = $1`, messageID)
	if err != nil {
		return fmt.Errorf("lightbus: remove pending event: %w", err)
	}
	return nil
}

func (c *Connection) DrainPending(ctx context.Context, limit int, publish func(context.Context, events.Message, events.Options) error) (int, error) {
	if limit <= 0 {
		limit = 100
	}

	result, err := c.cb.Execute(func() (any, error) {
		tx, err := c.db.BeginTx(ctx, nil)
		if err != nil {
			return 0, fmt.Errorf("lightbus: drain pending: begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		rows, err := tx.QueryContext(ctx, `
			SELECT message_id, api_name, event_name, payload, metadata, options, created_at
			FROM lightbus_event_outbox
			ORDER BY created_at, message_id
			LIMIT $1
			FOR UPDATE SKIP LOCKED`, limit)
		if err != nil {
			return 0, fmt.Errorf("lightbus: drain pending: claim batch: %w", err)
		}

		var claimed []database.PendingEvent
		for rows.Next() {
			pending, scanErr := scanPendingEvent(rows)
			if scanErr != nil {
				rows.Close()
				return 0, scanErr
			}
			claimed = append(claimed, pending)
		}
		closeErr := rows.Close()
		if err := rows.Err(); err != nil {
			return 0, fmt.Errorf("lightbus: drain pending: scan batch: %w", err)
		}
		if closeErr != nil {
			return 0, closeErr
		}

		for _, pending := range claimed {
			if err := publish(ctx, pending.Message, pending.Options); err != nil {
				// Publish failure halts forward progress for this batch;
				// the deferred rollback leaves every claimed row in place
				// for the next drain cycle.
				return 0, fmt.Errorf("%w: %v", events.ErrPublishFailed, err)
			}
		}

		for _, pending := range claimed {
			if _, err := tx.ExecContext(ctx, `DELETE FROM lightbus_event_outbox WHERE message_id = $1`, pending.Message.ID); err != nil {
				return 0, fmt.Errorf("lightbus: drain pending: remove row %s: %w", pending.Message.ID, err)
			}
		}

		if err := tx.Commit(); err != nil {
			return 0, fmt.Errorf("lightbus: drain pending: commit: %w", err)
		}
		return len(claimed), nil
	})
	if err != nil {
		return 0, err
	}
	return result.(int), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPendingEvent(row rowScanner) (database.PendingEvent, error) {
	var (
		messageID, apiName, eventName string
		payloadJSON, metadataJSON     []byte
		optionsJSON                   []byte
		createdAt                     sql.NullTime
	)
	if err := row.Scan(&messageID, &apiName, &eventName, &payloadJSON, &metadataJSON, &optionsJSON, &createdAt); err != nil {
		return database.PendingEvent{}, fmt.Errorf("lightbus: scan outbox row: %w", err)
	}

	var kwargs, metadata, options map[string]any
	if err := json.Unmarshal(payloadJSON, &kwargs); err != nil {
		return database.PendingEvent{}, fmt.Errorf("lightbus: decode payload for %s: %w", messageID, err)
	}
	if err := json.Unmarshal(metadataJSON, &metadata); err != nil {
		return database.PendingEvent{}, fmt.Errorf("lightbus: decode metadata for %s: %w", messageID, err)
	}
	if err := json.Unmarshal(optionsJSON, &options); err != nil {
		return database.PendingEvent{}, fmt.Errorf("lightbus: decode options for %s: %w", messageID, err)
	}

	return database.PendingEvent{
		Message: events.Message{
			APIName:   apiName,
			EventName: eventName,
			ID:        messageID,
			Kwargs:    kwargs,
			Metadata:  metadata,
		},
		Options: options,
	}, nil
}

// queryRow/query run on the open transaction when one is bound, falling
// back to the plain connection otherwise (reads like IsEventDuplicate and
// ConsumePendingEvents are legal both inside and outside a transaction).
func (c *Connection) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	if c.tx != nil {
		return c.tx.QueryRowContext(ctx, query, args...)
	}
	return c.db.QueryRowContext(ctx, query, args...)
}

func (c *Connection) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if c.tx != nil {
		return c.tx.QueryContext(ctx, query, args...)
	}
	return c.db.QueryContext(ctx, query, args...)
}

func (c *Connection) execFunc() func(context.Context, string, ...any) (sql.Result, error) {
	if c.tx != nil {
		return c.tx.ExecContext
	}
	return c.db.ExecContext
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// 23505 == unique_violation
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "duplicate key value")
}
