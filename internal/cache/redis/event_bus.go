package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/pitchmarket/internal/domain"
)

// streamMaxLen is the approximate maximum length of the event stream,
// enforced via XADD MAXLEN ~.
const streamMaxLen int64 = 10000

// EventBus implements domain.EventPublisher. Each event goes to a Pub/Sub
// channel named after its type for live observers and to one durable stream
// for replay.
//
// Key schema:
//
//	{prefix}:events          - stream of every event, field "event" holds JSON
//	{prefix}:events:{type}   - Pub/Sub channel per event type
type EventBus struct {
	c *Client
}

// NewEventBus creates an EventBus backed by the given Client.
func NewEventBus(c *Client) *EventBus {
	return &EventBus{c: c}
}

// Channel returns the Pub/Sub channel for an event type. Pass "*" to build a
// pattern matching every type.
func (b *EventBus) Channel(eventType string) string {
	return b.c.key("events", eventType)
}

// Stream returns the durable stream key.
func (b *EventBus) Stream() string {
	return b.c.key("events")
}

// Publish sends evt to its channel and appends it to the stream in one
// pipeline.
func (b *EventBus) Publish(ctx context.Context, evt domain.Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("redis: marshal event %s: %w", evt.Type, err)
	}

	pipe := b.c.rdb.Pipeline()
	pipe.Publish(ctx, b.Channel(evt.Type), payload)
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: b.Stream(),
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]any{"event": payload},
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: publish %s: %w", evt.Type, err)
	}
	return nil
}

// Subscribe streams live events of the given type ("*" for all) until ctx is
// cancelled; the returned channel is closed at that point. Payloads that do
// not decode are skipped.
func (b *EventBus) Subscribe(ctx context.Context, eventType string) (<-chan domain.Event, error) {
	pubsub := b.c.rdb.PSubscribe(ctx, b.Channel(eventType))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", eventType, err)
	}

	out := make(chan domain.Event, 128)
	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var evt domain.Event
				if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
					continue
				}
				select {
				case out <- evt:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// ReadStream reads up to count events after lastID. Use "0" to read from the
// beginning. It returns an empty slice when nothing is available.
func (b *EventBus) ReadStream(ctx context.Context, lastID string, count int) ([]domain.StreamMessage, error) {
	results, err := b.c.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: []string{b.Stream(), lastID},
		Count:   int64(count),
		Block:   -1,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis: read stream: %w", err)
	}

	var messages []domain.StreamMessage
	for _, s := range results {
		for _, msg := range s.Messages {
			var data []byte
			switch v := msg.Values["event"].(type) {
			case string:
				data = []byte(v)
			case []byte:
				data = v
			default:
				continue
			}
			var evt domain.Event
			if err := json.Unmarshal(data, &evt); err != nil {
				continue
			}
			messages = append(messages, domain.StreamMessage{ID: msg.ID, Event: evt})
		}
	}
	return messages, nil
}

var _ domain.EventPublisher = (*EventBus)(nil)
