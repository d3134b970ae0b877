package classifier

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto"
	"go.uber.org/zap"

	"github.com/BaSui01/agentbus/types"
)

const (
	defaultNumCounters = 1e5
	defaultMaxCost     = 1 << 24
	defaultBufferItems = 64
	defaultCacheTTL    = 10 * time.Minute
)

// CacheConfig 分类缓存配置
type CacheConfig struct {
	Enabled     bool          `yaml:"enabled" json:"enabled"`
	NumCounters int64         `yaml:"num_counters" json:"num_counters"`
	MaxCost     int64         `yaml:"max_cost" json:"max_cost"`
	BufferItems int64         `yaml:"buffer_items" json:"buffer_items"`
	TTL         time.Duration `yaml:"ttl" json:"ttl"`
}

// DefaultCacheConfig 返回默认缓存配置
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		Enabled:     true,
		NumCounters: defaultNumCounters,
		MaxCost:     defaultMaxCost,
		BufferItems: defaultBufferItems,
		TTL:         defaultCacheTTL,
	}
}

func (c CacheConfig) withDefaults() CacheConfig {
	d := DefaultCacheConfig()
	if c.NumCounters > 0 {
		d.NumCounters = c.NumCounters
	}
	if c.MaxCost > 0 {
		d.MaxCost = c.MaxCost
	}
	if c.BufferItems > 0 {
		d.BufferItems = c.BufferItems
	}
	if c.TTL > 0 {
		d.TTL = c.TTL
	}
	d.Enabled = c.Enabled
	return d
}

// CachedClassifier memoizes classifications by normalized description.
// Failed classifications are never cached.
type CachedClassifier struct {
	next   Classifier
	cache  *ristretto.Cache
	ttl    time.Duration
	logger *zap.Logger

	hits   atomic.Int64
	misses atomic.Int64
}

// NewCachedClassifier 创建带缓存的分类器
func NewCachedClassifier(next Classifier, config CacheConfig, logger *zap.Logger) (*CachedClassifier, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := config.withDefaults()

	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cfg.NumCounters,
		MaxCost:     cfg.MaxCost,
		BufferItems: cfg.BufferItems,
	})
	if err != nil {
		return nil, err
	}

	return &CachedClassifier{
		next:   next,
		cache:  cache,
		ttl:    cfg.TTL,
		logger: logger.With(zap.String("component", "classifier_cache")),
	}, nil
}

// Classify implements Classifier.
func (c *CachedClassifier) Classify(ctx context.Context, req *types.TaskRequest) (*types.Classification, error) {
	key := cacheKey(req)
	if v, ok := c.cache.Get(key); ok {
		if cached, ok := v.(*types.Classification); ok {
			c.hits.Add(1)
			res := cached.Clone()
			res.Source = "cache"
			return res, nil
		}
	}
	c.misses.Add(1)

	res, err := c.next.Classify(ctx, req)
	if err != nil || res == nil {
		return res, err
	}
	if !c.cache.SetWithTTL(key, res.Clone(), int64(len(key)), c.ttl) {
		c.logger.Debug("classification not admitted to cache", zap.String("task_id", req.TaskID))
	}
	return res, nil
}

// Stats returns cache hit and miss counts.
func (c *CachedClassifier) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

// Close 释放缓存
func (c *CachedClassifier) Close() {
	c.cache.Close()
}

func cacheKey(req *types.TaskRequest) string {
	return strings.TrimSpace(normalize(req.TaskDescription)) + "|" + strings.ToLower(req.TaskType)
}
