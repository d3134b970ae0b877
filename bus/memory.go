package bus

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// =============================================================================
// 🧠 进程内总线
// =============================================================================

// DefaultBufferSize is the per-subscription queue length of MemoryBus.
const DefaultBufferSize = 1024

// MemoryBus 进程内发布订阅实现
//
// Each subscription owns a queue and a delivery goroutine, so a slow
// handler only delays its own subscription.
type MemoryBus struct {
	mu         sync.RWMutex
	subs       map[string]map[string]*memorySubscription
	bufferSize int
	closed     bool
	logger     *zap.Logger
}

// NewMemoryBus 创建进程内总线
func NewMemoryBus(bufferSize int, logger *zap.Logger) *MemoryBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &MemoryBus{
		subs:       make(map[string]map[string]*memorySubscription),
		bufferSize: bufferSize,
		logger:     logger.With(zap.String("component", "memory_bus")),
	}
}

// Publish 发布消息
//
// Publish blocks while a subscriber queue is full, until ctx is done.
func (b *MemoryBus) Publish(ctx context.Context, topic string, data []byte) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	src := b.subs[topic]
	targets := make([]*memorySubscription, 0, len(src))
	for _, s := range src {
		targets = append(targets, s)
	}
	b.mu.RUnlock()

	for _, s := range targets {
		msg := &Message{Topic: topic, Data: append([]byte(nil), data...)}
		select {
		case s.queue <- msg:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe 订阅 topic
func (b *MemoryBus) Subscribe(_ context.Context, topic string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &memorySubscription{
		id:      uuid.NewString(),
		topic:   topic,
		bus:     b,
		handler: handler,
		queue:   make(chan *Message, b.bufferSize),
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[string]*memorySubscription)
	}
	b.subs[topic][s.id] = s

	go s.run()
	return s, nil
}

// Close 关闭总线并停止全部订阅
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	all := make([]*memorySubscription, 0)
	for _, m := range b.subs {
		for _, s := range m {
			all = append(all, s)
		}
	}
	b.subs = make(map[string]map[string]*memorySubscription)
	b.mu.Unlock()

	for _, s := range all {
		s.stop()
	}
	return nil
}

// SubscriberCount reports the number of live subscriptions on topic.
func (b *MemoryBus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

func (b *MemoryBus) remove(s *memorySubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if m, ok := b.subs[s.topic]; ok {
		delete(m, s.id)
		if len(m) == 0 {
			delete(b.subs, s.topic)
		}
	}
}

type memorySubscription struct {
	id       string
	topic    string
	bus      *MemoryBus
	handler  Handler
	queue    chan *Message
	done     chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
}

func (s *memorySubscription) Topic() string { return s.topic }

func (s *memorySubscription) Unsubscribe() error {
	s.bus.remove(s)
	s.stop()
	return nil
}

func (s *memorySubscription) stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		close(s.done)
	})
}

func (s *memorySubscription) run() {
	for {
		select {
		case msg := <-s.queue:
			s.deliver(msg)
		case <-s.done:
			return
		}
	}
}

func (s *memorySubscription) deliver(msg *Message) {
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
