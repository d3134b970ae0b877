package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("bus: closed")

// Message 总线消息
type Message struct {
	Topic string
	Data  []byte
}

// Handler receives messages for one subscription. Calls for the same
// subscription are serialized; handlers for different subscriptions run
// concurrently.
type Handler func(ctx context.Context, msg *Message)

// Subscription 订阅句柄
type Subscription interface {
	Topic() string
	Unsubscribe() error
}

// Bus is a topic-based publish/subscribe transport. Delivery is at most
// once with no ordering guarantee across topics.
type Bus interface {
	Publish(ctx context.Context, topic string, data []byte) error
	Subscribe(ctx context.Context, topic string, handler Handler) (Subscription, error)
	Close() error
}

// PublishJSON encodes v as JSON and publishes it on topic.
func PublishJSON(ctx context.Context, b Bus, topic string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode message for %s: %w", topic, err)
	}
	return b.Publish(ctx, topic, data)
}
