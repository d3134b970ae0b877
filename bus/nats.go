package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/BaSui01/agentbus/types"
)

// NATSConfig NATS 总线配置
type NATSConfig struct {
	URL            string        `yaml:"url" json:"url"`
	Name           string        `yaml:"name" json:"name"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" json:"connect_timeout"`
	MaxReconnects  int           `yaml:"max_reconnects" json:"max_reconnects"`
	ReconnectWait  time.Duration `yaml:"reconnect_wait" json:"reconnect_wait"`
}

// DefaultNATSConfig 返回默认 NATS 配置
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:            nats.DefaultURL,
		Name:           "agentbus",
		ConnectTimeout: 2 * time.Second,
		MaxReconnects:  60,
		ReconnectWait:  2 * time.Second,
	}
}

// NATSBus publishes and subscribes through NATS core subjects.
type NATSBus struct {
	conn   *nats.Conn
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
}

// NewNATSBus 连接 NATS，失败返回 BUS_UNAVAILABLE
func NewNATSBus(config NATSConfig, logger *zap.Logger) (*NATSBus, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "nats_bus"))

	conn, err := nats.Connect(config.URL,
		nats.Name(config.Name),
		nats.Timeout(config.ConnectTimeout),
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, types.NewBusError("", fmt.Errorf("connect to nats %s: %w", config.URL, err))
	}

	logger.Info("nats bus connected", zap.String("url", conn.ConnectedUrl()))
	return &NATSBus{conn: conn, logger: logger}, nil
}

// Publish 发布消息
func (b *NATSBus) Publish(_ context.Context, topic string, data []byte) error {
	if b.isClosed() {
		return ErrClosed
	}
	if err := b.conn.Publish(topic, data); err != nil {
		return types.NewBusError(topic, err)
	}
	return nil
}

// Subscribe 订阅 subject；NATS 为每个订阅串行回调
func (b *NATSBus) Subscribe(_ context.Context, topic string, handler Handler) (Subscription, error) {
	if b.isClosed() {
		return nil, ErrClosed
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &natsSubscription{topic: topic, cancel: cancel}
	sub, err := b.conn.Subscribe(topic, func(m *nats.Msg) {
		defer func() {
			if r := recover(); r != nil {
				b.logger.Error("subscription handler panicked",
					zap.String("topic", topic),
					zap.Any("recover", r),
				)
			}
		}()
		handler(ctx, &Message{Topic: m.Subject, Data: m.Data})
	})
	if err != nil {
		cancel()
		return nil, types.NewBusError(topic, err)
	}
	// make the subscription effective before returning
	if err := b.conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		cancel()
		return nil, types.NewBusError(topic, err)
	}
	s.sub = sub
	return s, nil
}

// Close drains pending messages and closes the connection.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
		return err
	}
	return nil
}

func (b *NATSBus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

type natsSubscription struct {
	topic  string
	sub    *nats.Subscription
	cancel context.CancelFunc
}

func (s *natsSubscription) Topic() string { return s.topic }

func (s *natsSubscription) Unsubscribe() error {
	s.cancel()
	if err := s.sub.Unsubscribe(); err != nil && err != nats.ErrConnectionClosed && err != nats.ErrBadSubscription {
		return err
	}
	return nil
}
