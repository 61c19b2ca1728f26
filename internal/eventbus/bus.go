package eventbus

import (
	"context"
	"encoding/json"
	"path"
	"time"
)

// Event is a lossy notification. Consumers must treat the store as the source of truth.
type Event struct {
	Topic   string          `json:"topic"`
	Time    time.Time       `json:"time"`
	Payload json.RawMessage `json:"payload"`
	Origin  string          `json:"origin,omitempty"`
}

func (e Event) Decode(value any) error {
	return json.Unmarshal(e.Payload, value)
}

// Relayed reports whether the event was published by another process and arrived through a bridge.
func (e Event) Relayed() bool {
	return e.Origin != ""
}

// Handler errors are logged by the bus and never reach the publisher.
type Handler func(ctx context.Context, event Event) error

// Bus is the publish/subscribe fabric between components.
//
// Contract:
//   - Publish never blocks.
//   - Each subscriber has a bounded queue; a full queue drops the event for that subscriber.
//   - Patterns are path.Match globs over dot separated topics, e.g. "*.progress".
type Bus interface {
	Publish(topic string, payload any)
	Subscribe(pattern string, handler Handler) (unsubscribe func())
}

func Matches(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	ok, err := path.Match(pattern, topic)
	return err == nil && ok
}
