// =============================================================================
// 🎭 Mock Bus
// =============================================================================
// 用于测试的消息总线实现，记录所有发布并可同步投递给订阅者
//
// 使用方法:
//
//	b := mocks.NewMockBus().WithDelivery()
//	_ = b.Publish(ctx, "client.final.results", payload)
//	msgs := b.Published("client.final.results")
// =============================================================================
package mocks

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/BaSui01/agentbus/bus"
)

// MockBus 模拟消息总线
type MockBus struct {
	mu          sync.Mutex
	published   []bus.Message
	subs        map[string]map[string]bus.Handler
	publishErr  error
	topicErrors map[string]error
	deliver     bool
	closed      bool
	publishCnt  int
}

// NewMockBus 创建模拟总线
func NewMockBus() *MockBus {
	return &MockBus{
		subs:        make(map[string]map[string]bus.Handler),
		topicErrors: make(map[string]error),
	}
}

// =============================================================================
// 🔧 Builder 方法
// =============================================================================

// WithDelivery 发布时同步调用订阅者
func (m *MockBus) WithDelivery() *MockBus {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deliver = true
	return m
}

// WithPublishError 所有发布返回错误
func (m *MockBus) WithPublishError(err error) *MockBus {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishErr = err
	return m
}

// WithTopicError 指定 topic 的发布返回错误
func (m *MockBus) WithTopicError(topic string, err error) *MockBus {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.topicErrors[topic] = err
	return m
}

// =============================================================================
// 🎯 bus.Bus 实现
// =============================================================================

// Publish 记录发布的消息
func (m *MockBus) Publish(ctx context.Context, topic string, data []byte) error {
	m.mu.Lock()
	m.publishCnt++
	if m.closed {
		m.mu.Unlock()
		return bus.ErrClosed
	}
	if err := m.topicErrors[topic]; err != nil {
		m.mu.Unlock()
		return err
	}
	if m.publishErr != nil {
		err := m.publishErr
		m.mu.Unlock()
		return err
	}
	msg := bus.Message{Topic: topic, Data: append([]byte(nil), data...)}
	m.published = append(m.published, msg)
	deliver := m.deliver
	m.mu.Unlock()

	if deliver {
		m.Deliver(ctx, topic, msg.Data)
	}
	return nil
}

// Subscribe 注册订阅者
func (m *MockBus) Subscribe(_ context.Context, topic string, handler bus.Handler) (bus.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, bus.ErrClosed
	}
	id := uuid.NewString()
	if m.subs[topic] == nil {
		m.subs[topic] = make(map[string]bus.Handler)
	}
	m.subs[topic][id] = handler
	return &mockSubscription{bus: m, topic: topic, id: id}, nil
}

// Close 关闭总线
func (m *MockBus) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.subs = make(map[string]map[string]bus.Handler)
	return nil
}

// =============================================================================
// 🔍 检查方法
// =============================================================================

// Deliver 同步调用 topic 的全部订阅者，不记录为发布
func (m *MockBus) Deliver(ctx context.Context, topic string, data []byte) {
	m.mu.Lock()
	handlers := make([]bus.Handler, 0, len(m.subs[topic]))
	for _, h := range m.subs[topic] {
		handlers = append(handlers, h)
	}
	m.mu.Unlock()

	for _, h := range handlers {
		h(ctx, &bus.Message{Topic: topic, Data: append([]byte(nil), data...)})
	}
}

// Published 返回 topic 上成功发布的消息体
func (m *MockBus) Published(topic string) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out [][]byte
	for _, msg := range m.published {
		if msg.Topic == topic {
			out = append(out, msg.Data)
		}
	}
	return out
}

// Messages 返回全部成功发布的消息
func (m *MockBus) Messages() []bus.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]bus.Message(nil), m.published...)
}

// PublishCount 返回发布调用次数（含失败）
func (m *MockBus) PublishCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.publishCnt
}

// SubscriberCount 返回 topic 的订阅者数量
func (m *MockBus) SubscriberCount(topic string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs[topic])
}

// Reset 清空发布记录
func (m *MockBus) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = nil
	m.publishCnt = 0
}

type mockSubscription struct {
	bus   *MockBus
	topic string
	id    string
}

func (s *mockSubscription) Topic() string { return s.topic }

func (s *mockSubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	delete(s.bus.subs[s.topic], s.id)
	return nil
}
