// Package redisstream implements childtransport.Transport over Redis
// Streams via github.com/redis/go-redis/v9, grounded on
// original_source's RedisEventTransport fixture (a consumer-group based
// transport exercised by the retrieved test conftest). The teacher repo
// carries no Redis transport of its own; this package follows the
// teacher's gobreaker-wrapping and contextual logging idiom while
// learning the Streams API shape from the pack's go-redis usage.
package redisstream

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/lightbus-go/txevents/internal/childtransport"
	"github.com/lightbus-go/txevents/internal/circuitbreaker"
	"github.com/lightbus-go/txevents/internal/events"
)

// Config is this transport's typed configuration, registered under Kind
// "redis_stream" in the config registry (SPEC_FULL.md §6.1).
type Config struct {
	Addr     string
	Stream   string
	Group    string
	Consumer string // consumer name within Group; defaults to "lightbus" if empty
}

// Transport publishes events via XADD and consumes them via
// XREADGROUP against a shared consumer group, so multiple process
// instances split one stream's traffic.
type Transport struct {
	client   *redis.Client
	stream   string
	group    string
	consumer string
	cb       *gobreaker.CircuitBreaker

	entryByMessage map[string]string // message.ID -> Redis stream entry ID, for Acknowledge
}

var _ childtransport.Transport = (*Transport)(nil)
var _ childtransport.Acknowledger = (*Transport)(nil)
var _ childtransport.Historian = (*Transport)(nil)

// New connects to Redis and ensures the consumer group exists, creating
// the stream with MKSTREAM if it does not.
func New(ctx context.Context, cfg Config) (*Transport, error) {
	consumer := cfg.Consumer
	if consumer == "" {
		consumer = "lightbus"
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.Addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("lightbus redis stream transport: ping: %w", err)
	}

	err := client.XGroupCreateMkStream(ctx, cfg.Stream, cfg.Group, "0").Err()
	if err != nil && !isBusyGroupErr(err) {
		client.Close()
		return nil, fmt.Errorf("lightbus redis stream transport: create group: %w", err)
	}

	return &Transport{
		client:   client,
		stream:   cfg.Stream,
		group:    cfg.Group,
		consumer: consumer,
		cb:       circuitbreaker.New("RedisStream-ChildTransport"),
	}, nil
}

func isBusyGroupErr(err error) bool {
	return err != nil && err.Error() == "BUSYGROUP Consumer Group name already exists"
}

type wirePayload struct {
	APIName   string         `json:"api_name"`
	EventName string         `json:"event_name"`
	ID        string         `json:"id"`
	Kwargs    map[string]any `json:"kwargs"`
	Metadata  map[string]any `json:"metadata"`
}

func (t *Transport) SendEvent(ctx context.Context, message events.Message, options events.Options) error {
	payload, err := json.Marshal(wirePayload{
		APIName:   message.APIName,
		EventName: message.EventName,
		ID:        message.ID,
		Kwargs:    message.GetKwargs(),
		Metadata:  message.GetMetadata(),
	})
	if err != nil {
		return fmt.Errorf("%w: marshal message: %v", events.ErrPublishFailed, err)
	}

	_, err = t.cb.Execute(func() (any, error) {
		return t.client.XAdd(ctx, &redis.XAddArgs{
			Stream: t.stream,
			Values: map[string]any{"payload": payload},
		}).Result()
	})
	if err != nil {
		return fmt.Errorf("%w: %v", events.ErrPublishFailed, err)
	}
	return nil
}

// FetchEvents reads up to one new batch via XREADGROUP with a blocking
// timeout, so callers share the goroutine-per-poll shape the teacher's
// relay uses for its own ticker loop.
func (t *Transport) FetchEvents(ctx context.Context, token childtransport.Token) ([]events.Message, childtransport.Token, error) {
	streams, err := t.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    t.group,
		Consumer: t.consumer,
		Streams:  []string{t.stream, ">"},
		Count:    32,
		Block:    5 * time.Second,
	}).Result()
	if err == redis.Nil {
		return nil, token, nil
	}
	if err != nil {
		if err == context.Canceled || err == context.DeadlineExceeded {
			return nil, token, err
		}
		return nil, token, fmt.Errorf("lightbus redis stream transport: xreadgroup: %w", err)
	}

	var out []events.Message
	for _, stream := range streams {
		for _, xmsg := range stream.Messages {
			raw, _ := xmsg.Values["payload"].(string)
			var wire wirePayload
			if err := json.Unmarshal([]byte(raw), &wire); err != nil {
				log.Printf("lightbus redis stream transport: dropping undecodable entry %s: %v", xmsg.ID, err)
				continue
			}
			message := events.Message{
				APIName:   wire.APIName,
				EventName: wire.EventName,
				ID:        wire.ID,
				Kwargs:    wire.Kwargs,
				Metadata:  wire.Metadata,
			}
			t.rememberEntry(message.ID, xmsg.ID)
			out = append(out, message)
		}
	}
	return out, nil, nil
}

func (t *Transport) rememberEntry(messageID, entryID string) {
	if t.entryByMessage == nil {
		t.entryByMessage = make(map[string]string)
	}
	t.entryByMessage[messageID] = entryID
}

func (t *Transport) Acknowledge(ctx context.Context, message events.Message) error {
	entryID, ok := t.entryByMessage[message.ID]
	if !ok {
		return nil
	}
	delete(t.entryByMessage, message.ID)
	return t.client.XAck(ctx, t.stream, t.group, entryID).Err()
}

// History replays every entry on the stream matching (apiName, eventName)
// via XRANGE, the optional replay hook named in spec.md §4.2. The
// returned channel is closed once the whole stream has been scanned or
// ctx is cancelled, whichever comes first.
func (t *Transport) History(ctx context.Context, apiName, eventName string) (<-chan events.Message, error) {
	entries, err := t.client.XRange(ctx, t.stream, "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("lightbus redis stream transport: xrange: %w", err)
	}

	out := make(chan events.Message)
	go func() {
		defer close(out)
		for _, entry := range entries {
			raw, _ := entry.Values["payload"].(string)
			var wire wirePayload
			if err := json.Unmarshal([]byte(raw), &wire); err != nil {
				log.Printf("lightbus redis stream transport: dropping undecodable history entry %s: %v", entry.ID, err)
				continue
			}
			if wire.APIName != apiName || wire.EventName != eventName {
				continue
			}
			message := events.Message{
				APIName:   wire.APIName,
				EventName: wire.EventName,
				ID:        wire.ID,
				Kwargs:    wire.Kwargs,
				Metadata:  wire.Metadata,
			}
			select {
			case out <- message:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (t *Transport) StartListeningFor(ctx context.Context, apiName, eventName string) error {
	log.Printf("lightbus redis stream transport: listening for %s.%s on stream %s group %s", apiName, eventName, t.stream, t.group)
	return nil
}

func (t *Transport) StopListeningFor(ctx context.Context, apiName, eventName string) error {
	return nil
}

func (t *Transport) Close() error {
	return t.client.Close()
}
