package mocks

import (
	"context"
	"sync"

	"github.com/BaSui01/agentbus/registry"
	"github.com/BaSui01/agentbus/types"
)

// =============================================================================
// 🎭 Mock Selector
// =============================================================================

// MockSelector 模拟 worker 选择器
type MockSelector struct {
	mu       sync.Mutex
	workers  registry.WorkerSet
	routes   map[types.OpCode]registry.WorkerSet
	err      error
	calls    []string
	selectFn func(ctx context.Context, env *types.TaskEnvelope) (registry.WorkerSet, error)
}

// NewMockSelector 创建模拟选择器，默认返回空集合
func NewMockSelector() *MockSelector {
	return &MockSelector{routes: make(map[types.OpCode]registry.WorkerSet)}
}

// WithWorkers 设置默认返回的 worker
func (m *MockSelector) WithWorkers(ids ...string) *MockSelector {
	m.workers = registry.NewWorkerSet(ids...)
	return m
}

// WithRoute 设置指定分类码返回的 worker
func (m *MockSelector) WithRoute(code types.OpCode, ids ...string) *MockSelector {
	m.routes[code] = registry.NewWorkerSet(ids...)
	return m
}

// WithError 设置选择错误
func (m *MockSelector) WithError(err error) *MockSelector {
	m.err = err
	return m
}

// WithSelectFunc 设置自定义选择函数
func (m *MockSelector) WithSelectFunc(fn func(ctx context.Context, env *types.TaskEnvelope) (registry.WorkerSet, error)) *MockSelector {
	m.selectFn = fn
	return m
}

// Select 实现 registry.Selector
func (m *MockSelector) Select(ctx context.Context, env *types.TaskEnvelope) (registry.WorkerSet, error) {
	m.mu.Lock()
	m.calls = append(m.calls, env.TaskID)
	m.mu.Unlock()

	if m.selectFn != nil {
		return m.selectFn(ctx, env)
	}
	if m.err != nil {
		return nil, m.err
	}
	if ws, ok := m.routes[env.OpCode]; ok {
		return ws, nil
	}
	return m.workers, nil
}

// Calls 返回被选择过的任务 ID
func (m *MockSelector) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}
