package registry

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"go.uber.org/zap"

	"github.com/BaSui01/agentbus/types"
)

// =============================================================================
// 🔍 全文相似度选择
// =============================================================================

// SearchConfig 相似度选择配置
type SearchConfig struct {
	// TopK 最多返回的 worker 数量
	TopK int `yaml:"top_k" json:"top_k"`

	// MinScore 低于该分数的命中被丢弃
	MinScore float64 `yaml:"min_score" json:"min_score"`
}

// DefaultSearchConfig 返回默认配置
func DefaultSearchConfig() SearchConfig {
	return SearchConfig{TopK: 3}
}

// workerDocument is the indexed form of a WorkerInfo.
type workerDocument struct {
	ID           string `json:"id"`
	Description  string `json:"description"`
	Capabilities string `json:"capabilities"`
	OpCodes      string `json:"op_codes"`
}

// SearchSelector ranks registered workers by full-text relevance of their
// description, capabilities and declared codes against the task text.
// The index is rebuilt lazily whenever the registry version changes.
type SearchSelector struct {
	registry *Registry
	config   SearchConfig
	logger   *zap.Logger

	mu      sync.Mutex
	index   bleve.Index
	version uint64
	built   bool
}

// NewSearchSelector 创建全文相似度选择器
func NewSearchSelector(registry *Registry, config SearchConfig, logger *zap.Logger) *SearchSelector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.TopK <= 0 {
		config.TopK = DefaultSearchConfig().TopK
	}
	return &SearchSelector{
		registry: registry,
		config:   config,
		logger:   logger.With(zap.String("component", "search_selector")),
	}
}

// Select implements Selector.
func (s *SearchSelector) Select(ctx context.Context, env *types.TaskEnvelope) (WorkerSet, error) {
	if env == nil {
		return WorkerSet{}, nil
	}
	text := queryText(env)
	if text == "" {
		return WorkerSet{}, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.currentIndexLocked()
	if err != nil {
		return nil, types.NewError(types.ErrSelectionUnavailable, "worker index unavailable").WithCause(err)
	}

	req := bleve.NewSearchRequestOptions(bleve.NewMatchQuery(text), s.config.TopK, 0, false)
	res, err := index.SearchInContext(ctx, req)
	if err != nil {
		return nil, types.NewError(types.ErrSelectionUnavailable, "worker search failed").WithCause(err)
	}

	ids := make([]string, 0, len(res.Hits))
	for _, hit := range res.Hits {
		if hit.Score < s.config.MinScore {
			continue
		}
		ids = append(ids, hit.ID)
	}

	s.logger.Debug("workers selected by search",
		zap.String("task_id", env.TaskID),
		zap.Strings("workers", ids),
	)
	return NewWorkerSet(ids...), nil
}

// Close releases the index.
func (s *SearchSelector) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.index == nil {
		return nil
	}
	err := s.index.Close()
	s.index = nil
	s.built = false
	return err
}

func (s *SearchSelector) currentIndexLocked() (bleve.Index, error) {
	workers, version := s.registry.Snapshot()
	if s.built && version == s.version {
		return s.index, nil
	}

	index, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("create worker index: %w", err)
	}
	batch := index.NewBatch()
	for _, w := range workers {
		if err := batch.Index(w.ID, toDocument(w)); err != nil {
			_ = index.Close()
			return nil, fmt.Errorf("index worker %s: %w", w.ID, err)
		}
	}
	if err := index.Batch(batch); err != nil {
		_ = index.Close()
		return nil, fmt.Errorf("index workers: %w", err)
	}

	if s.index != nil {
		_ = s.index.Close()
	}
	s.index = index
	s.version = version
	s.built = true

	s.logger.Debug("worker index rebuilt", zap.Int("workers", len(workers)), zap.Uint64("version", version))
	return index, nil
}

func toDocument(w WorkerInfo) workerDocument {
	codes := make([]string, 0, len(w.OpCodes))
	for _, c := range w.OpCodes {
		codes = append(codes, codeWords(c))
	}
	return workerDocument{
		ID:           w.ID,
		Description:  w.Description,
		Capabilities: strings.Join(w.Capabilities, " "),
		OpCodes:      strings.Join(codes, " "),
	}
}

// queryText combines the task description with the classification code.
func queryText(env *types.TaskEnvelope) string {
	parts := make([]string, 0, 2)
	if d := env.Description(); d != "" {
		parts = append(parts, d)
	}
	if env.OpCode != "" && env.OpCode != types.OpUnknown {
		parts = append(parts, codeWords(env.OpCode))
	}
	return strings.Join(parts, " ")
}

// codeWords turns STOCK_NEWS into "stock news" so codes tokenize.
func codeWords(c types.OpCode) string {
	return strings.ToLower(strings.ReplaceAll(string(c), "_", " "))
}
