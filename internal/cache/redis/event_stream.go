package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/ctfsettle/internal/domain"
)

// streamMaxLen is the approximate maximum length for Redis streams, enforced
// via XADD MAXLEN ~.
const streamMaxLen int64 = 100000

// EventStream publishes committed engine events to a Redis stream so
// downstream indexers can follow settlement without polling the database.
type EventStream struct {
	rdb    *redis.Client
	stream string
}

// NewEventStream creates an EventStream writing to the named stream inside
// the client's key namespace.
func NewEventStream(c *Client, stream string) *EventStream {
	return &EventStream{rdb: c.Underlying(), stream: c.Key(stream)}
}

// Stream returns the fully qualified stream key.
func (s *EventStream) Stream() string { return s.stream }

// Emit appends ev as a JSON payload.
func (s *EventStream) Emit(ctx context.Context, ev domain.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("redis: marshal event %s: %w", ev.Kind, err)
	}
	return s.StreamAppend(ctx, s.stream, payload)
}

// Events reads up to count events after lastID and returns them with the id
// to resume from.
func (s *EventStream) Events(ctx context.Context, lastID string, count int) ([]domain.Event, string, error) {
	msgs, err := s.StreamRead(ctx, s.stream, lastID, count)
	if err != nil {
		return nil, lastID, err
	}
	out := make([]domain.Event, 0, len(msgs))
	for _, m := range msgs {
		var ev domain.Event
		if err := json.Unmarshal(m.Payload, &ev); err != nil {
			return nil, lastID, fmt.Errorf("redis: decode event %s: %w", m.ID, err)
		}
		out = append(out, ev)
		lastID = m.ID
	}
	return out, lastID, nil
}

// StreamAppend appends a payload to a Redis stream using XADD with an
// approximate MAXLEN for automatic trimming.
func (s *EventStream) StreamAppend(ctx context.Context, stream string, payload []byte) error {
	args := &redis.XAddArgs{
		Stream: stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"payload": payload,
		},
	}
	if err := s.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redis: stream append %s: %w", stream, err)
	}
	return nil
}

// StreamRead reads up to count messages from a Redis stream starting after
// lastID. Use "0" to read from the beginning. It returns an empty slice (not
// an error) when no messages are available.
func (s *EventStream) StreamRead(ctx context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error) {
	args := &redis.XReadArgs{
		Streams: []string{stream, lastID},
		Count:   int64(count),
		Block:   -1,
	}

	results, err := s.rdb.XRead(ctx, args).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis: stream read %s: %w", stream, err)
	}

	var messages []domain.StreamMessage
	for _, st := range results {
		for _, msg := range st.Messages {
			var data []byte
			switch v := msg.Values["payload"].(type) {
			case string:
				data = []byte(v)
			case []byte:
				data = v
			default:
				continue
			}
			messages = append(messages, domain.StreamMessage{ID: msg.ID, Payload: data})
		}
	}
	return messages, nil
}

// Compile-time interface checks.
var (
	_ domain.EventSink = (*EventStream)(nil)
	_ domain.SignalBus = (*EventStream)(nil)
)
