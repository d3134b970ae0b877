package registry

import (
	"context"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/agentbus/types"
)

// WorkerSet is an immutable, sorted and de-duplicated set of worker ids.
type WorkerSet []string

// NewWorkerSet 规范化 worker id 集合（去空、去重、排序）
func NewWorkerSet(ids ...string) WorkerSet {
	seen := make(map[string]struct{}, len(ids))
	set := make(WorkerSet, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		set = append(set, id)
	}
	sort.Strings(set)
	return set
}

// Empty reports whether no worker matched.
func (s WorkerSet) Empty() bool { return len(s) == 0 }

// Len 集合大小
func (s WorkerSet) Len() int { return len(s) }

// Contains 判断是否包含 id
func (s WorkerSet) Contains(id string) bool {
	i := sort.SearchStrings(s, id)
	return i < len(s) && s[i] == id
}

// Selector maps a classified task to the workers that must process it.
// The returned set is a snapshot and never changes afterwards.
type Selector interface {
	Select(ctx context.Context, env *types.TaskEnvelope) (WorkerSet, error)
}

// SelectorFunc 函数适配器
type SelectorFunc func(ctx context.Context, env *types.TaskEnvelope) (WorkerSet, error)

// Select implements Selector.
func (f SelectorFunc) Select(ctx context.Context, env *types.TaskEnvelope) (WorkerSet, error) {
	return f(ctx, env)
}

// =============================================================================
// 📋 静态路由
// =============================================================================

// Demo worker ids.
const (
	StockNewsAgent      = "stock_news_agent"
	StockPriceAgent     = "stock_price_agent"
	PricePredictorAgent = "price_predictor_agent"
)

// DefaultRoutes 返回默认分类码到 worker 的映射
func DefaultRoutes() map[types.OpCode][]string {
	return map[types.OpCode][]string{
		types.OpStockRecommendation: {StockNewsAgent, StockPriceAgent, PricePredictorAgent},
		types.OpStockNews:           {StockNewsAgent},
		types.OpPricePrediction:     {StockPriceAgent, PricePredictorAgent},
	}
}

// StaticSelector selects workers from a fixed code → ids table. When a
// registry is attached, ids not registered are skipped.
type StaticSelector struct {
	routes   map[types.OpCode]WorkerSet
	registry *Registry
}

// NewStaticSelector 创建静态选择器，registry 可为 nil
func NewStaticSelector(routes map[types.OpCode][]string, registry *Registry) *StaticSelector {
	s := &StaticSelector{
		routes:   make(map[types.OpCode]WorkerSet, len(routes)),
		registry: registry,
	}
	for code, ids := range routes {
		s.routes[types.ParseOpCode(string(code))] = NewWorkerSet(ids...)
	}
	return s
}

// Select implements Selector.
func (s *StaticSelector) Select(ctx context.Context, env *types.TaskEnvelope) (WorkerSet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if env == nil {
		return WorkerSet{}, nil
	}
	ids := s.routes[env.OpCode]
	if s.registry == nil {
		return append(WorkerSet{}, ids...), nil
	}
	out := make(WorkerSet, 0, len(ids))
	for _, id := range ids {
		if s.registry.Has(id) {
			out = append(out, id)
		}
	}
	return out, nil
}

// =============================================================================
// 🔀 回退组合
// =============================================================================

// FallbackSelector tries Primary and uses Fallback when Primary fails or
// matches nothing.
type FallbackSelector struct {
	Primary  Selector
	Fallback Selector
	Logger   *zap.Logger
}

// Select implements Selector.
func (f *FallbackSelector) Select(ctx context.Context, env *types.TaskEnvelope) (WorkerSet, error) {
	set, err := f.Primary.Select(ctx, env)
	if err == nil && !set.Empty() {
		return set, nil
	}
	if err != nil && f.Logger != nil {
		f.Logger.Warn("primary selector failed, using fallback", zap.Error(err))
	}
	if f.Fallback == nil {
		return set, err
	}
	return f.Fallback.Select(ctx, env)
}
