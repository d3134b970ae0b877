package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/agentbus/types"
)

// =============================================================================
// 📡 Redis PUB/SUB 总线
// =============================================================================

// RedisConfig Redis 总线配置
type RedisConfig struct {
	// Redis 地址
	Addr string `yaml:"addr" json:"addr"`

	// 密码
	Password string `yaml:"password" json:"password"`

	// 数据库编号
	DB int `yaml:"db" json:"db"`

	// 最大重试次数
	MaxRetries int `yaml:"max_retries" json:"max_retries"`

	// 连接池大小
	PoolSize int `yaml:"pool_size" json:"pool_size"`

	// 健康检查间隔，0 表示关闭
	HealthCheckInterval time.Duration `yaml:"health_check_interval" json:"health_check_interval"`
}

// DefaultRedisConfig 返回默认 Redis 总线配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:                "localhost:6379",
		MaxRetries:          3,
		PoolSize:            10,
		HealthCheckInterval: 30 * time.Second,
	}
}

// RedisBus publishes and subscribes through Redis channels.
type RedisBus struct {
	client *redis.Client
	config RedisConfig
	logger *zap.Logger

	mu     sync.Mutex
	subs   map[*redisSubscription]struct{}
	closed bool
	done   chan struct{}
}

// NewRedisBus 创建 Redis 总线，连接失败返回 BUS_UNAVAILABLE
func NewRedisBus(config RedisConfig, logger *zap.Logger) (*RedisBus, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := redis.NewClient(&redis.Options{
		Addr:       config.Addr,
		Password:   config.Password,
		DB:         config.DB,
		MaxRetries: config.MaxRetries,
		PoolSize:   config.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, types.NewBusError("", fmt.Errorf("connect to redis %s: %w", config.Addr, err))
	}

	b := &RedisBus{
		client: client,
		config: config,
		logger: logger.With(zap.String("component", "redis_bus")),
		subs:   make(map[*redisSubscription]struct{}),
		done:   make(chan struct{}),
	}

	if config.HealthCheckInterval > 0 {
		go b.healthCheckLoop()
	}

	b.logger.Info("redis bus connected", zap.String("addr", config.Addr))
	return b, nil
}

// Publish 发布消息
func (b *RedisBus) Publish(ctx context.Context, topic string, data []byte) error {
	if b.isClosed() {
		return ErrClosed
	}
	if err := b.client.Publish(ctx, topic, data).Err(); err != nil {
		return types.NewBusError(topic, err)
	}
	return nil
}

// Subscribe subscribes topic and waits for the server confirmation, so
// messages published after Subscribe returns are delivered.
func (b *RedisBus) Subscribe(ctx context.Context, topic string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	ps := b.client.Subscribe(ctx, topic)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, types.NewBusError(topic, err)
	}

	subCtx, cancel := context.WithCancel(context.Background())
	s := &redisSubscription{
		topic:   topic,
		bus:     b,
		ps:      ps,
		handler: handler,
		ctx:     subCtx,
		cancel:  cancel,
	}
	b.subs[s] = struct{}{}

	go s.run()
	return s, nil
}

// Close 关闭全部订阅与连接
func (b *RedisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.done)
	subs := make([]*redisSubscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = make(map[*redisSubscription]struct{})
	b.mu.Unlock()

	for _, s := range subs {
		_ = s.close()
	}
	b.logger.Info("redis bus closed")
	return b.client.Close()
}

// Ping checks connectivity.
func (b *RedisBus) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return types.NewBusError("", err)
	}
	return nil
}

func (b *RedisBus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *RedisBus) forget(s *redisSubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, s)
}

func (b *RedisBus) healthCheckLoop() {
	ticker := time.NewTicker(b.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := b.Ping(ctx); err != nil {
				b.logger.Warn("redis bus health check failed", zap.Error(err))
			}
			cancel()
		case <-b.done:
			return
		}
	}
}

type redisSubscription struct {
	topic   string
	bus     *RedisBus
	ps      *redis.PubSub
	handler Handler
	ctx     context.Context
	cancel  context.CancelFunc
	once    sync.Once
}

func (s *redisSubscription) Topic() string { return s.topic }

func (s *redisSubscription) Unsubscribe() error {
	s.bus.forget(s)
	return s.close()
}

func (s *redisSubscription) close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		err = s.ps.Close()
	})
	return err
}

func (s *redisSubscription) run() {
	for m := range s.ps.Channel() {
		s.deliver(&Message{Topic: m.Channel, Data: []byte(m.Payload)})
	}
}

func (s *redisSubscription) deliver(msg *Message) {
	defer func() {
		if r := recover(); r != nil {
			s.bus.logger.Error("subscription handler panicked",
				zap.String("topic", s.topic),
				zap.Any("recover", r),
			)
		}
	}()
	s.handler(s.ctx, msg)
}
