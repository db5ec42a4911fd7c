// Package debug provides an in-memory child transport for tests, the Go
// counterpart of original_source's lightbus.transports.debug.DebugEventTransport.
// FetchEvents blocks on a channel until either a message is enqueued or a
// reload is requested; per Design Notes §9, the source's
// asyncio.CancelledError + self._reload idiom becomes an explicit one-shot
// reload signal read at FetchEvents' single suspension point.
package debug

import (
	"context"
	"log"
	"sync"

	"github.com/lightbus-go/txevents/internal/childtransport"
	"github.com/lightbus-go/txevents/internal/events"
)

// Transport is a non-durable, single-process child transport: SendEvent
// records each message for Published, and FetchEvents hands out, in
// order, the messages given to Enqueue. Sent messages are not fed back
// into FetchEvents. It exists for tests and local development, never
// for production use.
type Transport struct {
	mu        sync.Mutex
	queue     []events.Message
	listening map[string]bool
	notify    chan struct{}
	reload    chan struct{} // one-shot: closed to signal a pending FetchEvents should return empty
	published []publishedEvent
	closed    bool
}

type publishedEvent struct {
	Message events.Message
	Options events.Options
}

// New creates an empty debug transport.
func New() *Transport {
	return &Transport{
		listening: make(map[string]bool),
		notify:    make(chan struct{}, 1),
		reload:    make(chan struct{}),
	}
}

var _ childtransport.Transport = (*Transport)(nil)

// Enqueue makes message available to the next FetchEvents call, as if it
// had arrived over the wire. Intended for tests driving consumer-side
// behavior.
func (t *Transport) Enqueue(message events.Message) {
	t.mu.Lock()
	t.queue = append(t.queue, message)
	t.mu.Unlock()
	select {
	case t.notify <- struct{}{}:
	default:
	}
}

// Published returns every message handed to SendEvent so far, for test
// assertions.
func (t *Transport) Published() []publishedEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]publishedEvent, len(t.published))
	copy(out, t.published)
	return out
}

func (t *Transport) SendEvent(ctx context.Context, message events.Message, options events.Options) error {
	log.Printf("debug transport: faking send of %s.%s id=%s kwargs=%v", message.APIName, message.EventName, message.ID, message.GetKwargs())
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return events.ErrPublishFailed
	}
	t.published = append(t.published, publishedEvent{Message: message, Options: options})
	return nil
}

// FetchEvents blocks until a message is enqueued, the reload signal
// fires, or ctx is cancelled. A reload is translated into an empty batch
// rather than an error, matching DebugEventTransport's handling of
// asyncio.CancelledError when self._reload is set.
func (t *Transport) FetchEvents(ctx context.Context, token childtransport.Token) ([]events.Message, childtransport.Token, error) {
	t.mu.Lock()
	if len(t.queue) > 0 {
		batch := t.queue
		t.queue = nil
		t.mu.Unlock()
		return batch, nil, nil
	}
	reload := t.reload
	t.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, token, ctx.Err()
	case <-t.notify:
		t.mu.Lock()
		batch := t.queue
		t.queue = nil
		t.mu.Unlock()
		return batch, nil, nil
	case <-reloadOrNever(reload):
		log.Printf("debug transport: reloading")
		return nil, token, nil
	}
}

// reloadOrNever returns ch if non-nil, or a channel that never fires.
func reloadOrNever(ch chan struct{}) <-chan struct{} {
	if ch != nil {
		return ch
	}
	return nil
}

func (t *Transport) StartListeningFor(ctx context.Context, apiName, eventName string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	log.Printf("debug transport: listening for %s.%s", apiName, eventName)
	t.listening[apiName+"."+eventName] = true
	if t.reload != nil {
		// Wake any fetch currently pending via the one-shot reload
		// signal, exactly as DebugEventTransport cancels self._task and
		// sets self._reload before re-issuing fetch.
		close(t.reload)
	}
	t.reload = make(chan struct{})
	return nil
}

func (t *Transport) StopListeningFor(ctx context.Context, apiName, eventName string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.listening, apiName+"."+eventName)
	return nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}
