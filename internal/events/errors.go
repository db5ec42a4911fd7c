package events

import "errors"

// Sentinel errors for the transactional event transport core. Callers
// should compare with errors.Is rather than direct equality, since
// adapters wrap these with additional context.
var (
	// ErrTransactionNotStarted is returned by send_event when no database
	// transaction is bound to the calling task.
	ErrTransactionNotStarted = errors.New("lightbus: no transaction bound to this task")

	// ErrNotInTransaction is returned by DatabaseConnection.SendEvent and
	// StoreProcessedEvent when called outside an open transaction.
	ErrNotInTransaction = errors.New("lightbus: operation requires an open transaction")

	// ErrUnsupportedOptionValue is returned by send_event when an option
	// value cannot be represented as JSON.
	ErrUnsupportedOptionValue = errors.New("lightbus: option value is not JSON-representable")

	// ErrDuplicateEvent is returned by the database connection when
	// store_processed_event violates the natural-key uniqueness
	// constraint on (api_name, event_name, message_id).
	ErrDuplicateEvent = errors.New("lightbus: processed event already recorded")

	// ErrDuplicateMessage is raised by the inbox deduplicator inside the
	// handler transaction and is caught by the orchestrator; it is never
	// surfaced to application handlers.
	ErrDuplicateMessage = errors.New("lightbus: duplicate message, handler skipped")

	// ErrPublishFailed is surfaced by the outbox publisher when the child
	// transport could not publish a row. The row is retained and retried.
	ErrPublishFailed = errors.New("lightbus: child transport publish failed")
)

// UnsupportedOptionValueError names the offending option key, per spec.md
// §7 ("surfaced to the caller with the offending key").
type UnsupportedOptionValueError struct {
	Key string
	Err error
}

func (e *UnsupportedOptionValueError) Error() string {
	return "lightbus: option " + e.Key + " is not JSON-representable: " + e.Err.Error()
}

func (e *UnsupportedOptionValueError) Unwrap() error {
	return ErrUnsupportedOptionValue
}
