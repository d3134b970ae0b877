package correlation

import (
	"fmt"
	"time"
)

// TimeoutPolicy decides what a timed-out aggregation publishes.
type TimeoutPolicy string

const (
	// PolicyPartial publishes the fragments received so far, flagged incomplete.
	PolicyPartial TimeoutPolicy = "partial"
	// PolicyError publishes an explicit TIMEOUT error result.
	PolicyError TimeoutPolicy = "error"
	// PolicyDrop publishes nothing.
	PolicyDrop TimeoutPolicy = "drop"
)

// Config 关联引擎配置
type Config struct {
	// AggregationTimeout 扇出后等待全部回复的上限
	AggregationTimeout time.Duration `yaml:"aggregation_timeout" json:"aggregation_timeout"`

	// OrphanTTL 早到片段在没有扇出记录时的保留时间
	OrphanTTL time.Duration `yaml:"orphan_ttl" json:"orphan_ttl"`

	// SweepInterval 超时扫描周期
	SweepInterval time.Duration `yaml:"sweep_interval" json:"sweep_interval"`

	// TimeoutPolicy 超时处理策略：partial / error / drop
	TimeoutPolicy TimeoutPolicy `yaml:"timeout_policy" json:"timeout_policy"`

	// TombstoneSize 终态 ID 记录容量，被淘汰的 ID 再次投递时会重新 fan-out
	TombstoneSize int `yaml:"tombstone_size" json:"tombstone_size"`

	// TombstoneTTL 终态 ID 记录保留时间
	TombstoneTTL time.Duration `yaml:"tombstone_ttl" json:"tombstone_ttl"`

	// MaxOrphanFragments 单个孤儿条目最多缓存的片段数
	MaxOrphanFragments int `yaml:"max_orphan_fragments" json:"max_orphan_fragments"`

	// PublishTimeout 单次发布的超时
	PublishTimeout time.Duration `yaml:"publish_timeout" json:"publish_timeout"`

	// Shards 状态存储分片数
	Shards int `yaml:"shards" json:"shards"`
}

// DefaultConfig 返回默认引擎配置
func DefaultConfig() Config {
	return Config{
		AggregationTimeout: 45 * time.Second,
		OrphanTTL:          30 * time.Second,
		SweepInterval:      time.Second,
		TimeoutPolicy:      PolicyPartial,
		TombstoneSize:      10000,
		TombstoneTTL:       10 * time.Minute,
		MaxOrphanFragments: 32,
		PublishTimeout:     5 * time.Second,
		Shards:             32,
	}
}

// Validate 校验配置
func (c Config) Validate() error {
	if c.AggregationTimeout <= 0 {
		return fmt.Errorf("aggregation_timeout must be positive")
	}
	if c.OrphanTTL <= 0 {
		return fmt.Errorf("orphan_ttl must be positive")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep_interval must be positive")
	}
	switch c.TimeoutPolicy {
	case PolicyPartial, PolicyError, PolicyDrop:
	default:
		return fmt.Errorf("unknown timeout_policy %q", c.TimeoutPolicy)
	}
	if c.TombstoneSize <= 0 {
		return fmt.Errorf("tombstone_size must be positive")
	}
	if c.TombstoneTTL <= 0 {
		return fmt.Errorf("tombstone_ttl must be positive")
	}
	if c.MaxOrphanFragments <= 0 {
		return fmt.Errorf("max_orphan_fragments must be positive")
	}
	return nil
}
