// Package childtransport defines the abstract medium the transactional
// event transport wraps (spec.md §4.2). The transactional transport
// treats every implementation as opaque: it never inspects wire format,
// only the success/failure surface below.
package childtransport

import (
	"context"

	"github.com/lightbus-go/txevents/internal/events"
)

// Transport is any collaborator the transactional transport can wrap.
// Implementations: childtransport/rabbitmq, childtransport/redisstream,
// childtransport/debug.
type Transport interface {
	// SendEvent durably publishes message to the external medium and
	// returns once the medium acknowledges it. Returns
	// events.ErrPublishFailed (wrapped) on failure.
	SendEvent(ctx context.Context, message events.Message, options events.Options) error

	// FetchEvents produces the next batch of inbound messages along with
	// an opaque continuation token to replay on the next call.
	FetchEvents(ctx context.Context, token Token) ([]events.Message, Token, error)

	// StartListeningFor begins a subscription for (apiName, eventName).
	// May trigger an underlying consumer reload.
	StartListeningFor(ctx context.Context, apiName, eventName string) error

	// StopListeningFor ends a subscription for (apiName, eventName).
	StopListeningFor(ctx context.Context, apiName, eventName string) error

	// Close releases any underlying connections.
	Close() error
}

// Acknowledger is an optional capability: transports whose medium
// requires an explicit acknowledgement (e.g. a consumer-group based
// stream) implement it; transports where delivery is already final
// (e.g. at-most-once fire-and-forget) may omit it.
type Acknowledger interface {
	Acknowledge(ctx context.Context, message events.Message) error
}

// Historian is an optional capability for transports that can replay
// previously delivered messages for a subscription.
type Historian interface {
	History(ctx context.Context, apiName, eventName string) (<-chan events.Message, error)
}

// Token is the opaque continuation cursor returned by FetchEvents and
// replayed on the subsequent call. A nil token means "start fresh".
type Token any
