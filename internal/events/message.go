// Package events holds the wire-independent data model shared by the
// database connection, the child transport and the transactional
// orchestrator: the event message itself, its publish options, and the
// durable rows that back the outbox and the processed-event index.
package events

import (
	"time"

	"github.com/google/uuid"
)

// NewID returns a fresh globally-unique message id, the same
// uuid.NewString() idiom the teacher uses for its own primary keys.
// Callers that already have a natural idempotency key (e.g. a business
// entity id) should use that instead of calling NewID.
func NewID() string {
	return uuid.NewString()
}

// Message identifies an event by the (api_name, event_name, id) triple and
// carries its JSON-serializable payload and metadata. The triple is the
// deduplication key and id must be globally unique per publisher.
type Message struct {
	APIName   string
	EventName string
	ID        string

	// Kwargs is the event payload, serialized to the outbox/consumer as JSON.
	Kwargs map[string]any

	// Metadata is opaque, JSON-serializable data carried alongside the
	// payload. GetMetadata always includes api_name/event_name/id even if
	// the caller did not set them explicitly.
	Metadata map[string]any
}

// GetKwargs returns the message payload, never nil.
func (m Message) GetKwargs() map[string]any {
	if m.Kwargs == nil {
		return map[string]any{}
	}
	return m.Kwargs
}

// GetMetadata returns metadata merged with the message's identifying
// triple, which always takes precedence over caller-supplied values.
func (m Message) GetMetadata() map[string]any {
	meta := make(map[string]any, len(m.Metadata)+3)
	for k, v := range m.Metadata {
		meta[k] = v
	}
	meta["api_name"] = m.APIName
	meta["event_name"] = m.EventName
	meta["id"] = m.ID
	return meta
}

// Options is a mapping from string option keys to JSON-representable
// values, carried alongside a message from the application to the child
// transport. Values that cannot be represented as JSON are rejected at
// send time with ErrUnsupportedOptionValue.
type Options map[string]any

// OutboxRow is one row of lightbus_event_outbox: an outbound event that
// has committed with the application's transaction but has not yet been
// acknowledged by the child transport.
type OutboxRow struct {
	MessageID string
	APIName   string
	EventName string
	Payload   []byte // JSON-encoded Kwargs
	Metadata  []byte // JSON-encoded Metadata
	Options   []byte // JSON-encoded Options
	CreatedAt time.Time
}

// ProcessedEventRow is one row of lightbus_processed_events: the durable
// idempotence token recorded once a message has been fully handled.
type ProcessedEventRow struct {
	APIName   string
	EventName string
	MessageID string
}
