package mocks

import (
	"context"
	"sync"

	"github.com/BaSui01/agentbus/types"
)

// =============================================================================
// 🎭 Mock Classifier
// =============================================================================

// MockClassifier 模拟任务分类器
type MockClassifier struct {
	mu     sync.Mutex
	code   types.OpCode
	byText map[string]types.OpCode
	err    error
	calls  int
	last   string
}

// NewMockClassifier 创建模拟分类器，默认返回 UNKNOWN
func NewMockClassifier() *MockClassifier {
	return &MockClassifier{code: types.OpUnknown, byText: make(map[string]types.OpCode)}
}

// WithCode 设置默认分类码
func (m *MockClassifier) WithCode(code types.OpCode) *MockClassifier {
	m.code = code
	return m
}

// WithMapping 为指定描述设置分类码
func (m *MockClassifier) WithMapping(description string, code types.OpCode) *MockClassifier {
	m.byText[description] = code
	return m
}

// WithError 设置分类错误
func (m *MockClassifier) WithError(err error) *MockClassifier {
	m.err = err
	return m
}

// Classify 返回预设的分类码
func (m *MockClassifier) Classify(_ context.Context, req *types.TaskRequest) (*types.Classification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.last = req.TaskDescription

	if m.err != nil {
		return nil, m.err
	}
	code := m.code
	if c, ok := m.byText[req.TaskDescription]; ok {
		code = c
	}
	return &types.Classification{
		OpCode:         code,
		UserContext:    map[string]any{},
		ProcessContext: map[string]any{},
		Source:         "mock",
	}, nil
}

// LastDescription 返回最近一次分类的描述
func (m *MockClassifier) LastDescription() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// CallCount 返回调用次数
func (m *MockClassifier) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
