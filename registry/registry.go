package registry

import (
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/agentbus/types"
)

// WorkerInfo 描述一个可被调度的 worker
type WorkerInfo struct {
	ID           string         `json:"id" yaml:"id"`
	Description  string         `json:"description" yaml:"description"`
	Capabilities []string       `json:"capabilities,omitempty" yaml:"capabilities"`
	OpCodes      []types.OpCode `json:"op_codes,omitempty" yaml:"op_codes"`
}

// Handles reports whether the worker declares the classification code.
func (w WorkerInfo) Handles(code types.OpCode) bool {
	for _, c := range w.OpCodes {
		if c == code {
			return true
		}
	}
	return false
}

// Registry 线程安全的 worker 注册表
//
// Every mutation bumps Version so derived indexes can detect staleness.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]WorkerInfo
	version uint64
	logger  *zap.Logger
}

// NewRegistry 创建注册表
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		workers: make(map[string]WorkerInfo),
		logger:  logger.With(zap.String("component", "registry")),
	}
}

// Register adds or replaces a worker descriptor.
func (r *Registry) Register(info WorkerInfo) error {
	info.ID = strings.TrimSpace(info.ID)
	if info.ID == "" {
		return types.NewError(types.ErrInvalidRequest, "worker id is required")
	}
	info.Capabilities = append([]string(nil), info.Capabilities...)
	info.OpCodes = append([]types.OpCode(nil), info.OpCodes...)

	r.mu.Lock()
	defer r.mu.Unlock()

	_, replaced := r.workers[info.ID]
	r.workers[info.ID] = info
	r.version++

	r.logger.Debug("worker registered",
		zap.String("worker", info.ID),
		zap.Bool("replaced", replaced),
	)
	return nil
}

// Unregister 移除 worker，返回是否存在
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.workers[id]; !ok {
		return false
	}
	delete(r.workers, id)
	r.version++
	return true
}

// Get 获取 worker 描述
func (r *Registry) Get(id string) (WorkerInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.workers[id]
	return info, ok
}

// Has reports whether id is registered.
func (r *Registry) Has(id string) bool {
	_, ok := r.Get(id)
	return ok
}

// List returns a snapshot sorted by ID.
func (r *Registry) List() []WorkerInfo {
	list, _ := r.Snapshot()
	return list
}

// Snapshot returns the sorted worker list together with the version it
// was taken at.
func (r *Registry) Snapshot() ([]WorkerInfo, uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := make([]WorkerInfo, 0, len(r.workers))
	for _, w := range r.workers {
		list = append(list, w)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list, r.version
}

// Version 当前注册表版本
func (r *Registry) Version() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

// Len 已注册 worker 数量
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}
