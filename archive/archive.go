package archive

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/BaSui01/agentbus/bus"
	"github.com/BaSui01/agentbus/internal/database"
	"github.com/BaSui01/agentbus/internal/metrics"
	"github.com/BaSui01/agentbus/types"
)

// ErrNotFound is returned by Get for unknown task identifiers.
var ErrNotFound = errors.New("archive: result not found")

// Config 归档配置
type Config struct {
	// Enabled 是否订阅最终结果并归档
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Database 数据库连接配置
	Database database.Config `yaml:"database" json:"database"`

	// AutoMigrate 启动时自动建表
	AutoMigrate bool `yaml:"auto_migrate" json:"auto_migrate"`

	// WriteAttempts 单条写入的最大尝试次数
	WriteAttempts int `yaml:"write_attempts" json:"write_attempts"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Enabled:       false,
		Database:      database.DefaultConfig(),
		AutoMigrate:   true,
		WriteAttempts: 3,
	}
}

// =============================================================================
// 🗃️ 结果归档
// =============================================================================

// Archive subscribes the final topic and persists every AggregatedResult
// once per task identifier. Later results for an archived identifier are
// counted as duplicates and ignored.
type Archive struct {
	pool    *database.PoolManager
	bus     bus.Bus
	topics  bus.Topics
	config  Config
	metrics *metrics.Collector
	now     func() time.Time
	logger  *zap.Logger

	mu  sync.Mutex
	sub bus.Subscription
}

// Option 归档可选项
type Option func(*Archive)

// WithTopics overrides the default topic layout.
func WithTopics(topics bus.Topics) Option {
	return func(a *Archive) { a.topics = topics }
}

// WithMetrics 设置指标收集器
func WithMetrics(m *metrics.Collector) Option {
	return func(a *Archive) { a.metrics = m }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(a *Archive) { a.now = now }
}

// New creates an archive over pool. The bus may be nil when the archive
// is only queried.
func New(pool *database.PoolManager, b bus.Bus, config Config, logger *zap.Logger, opts ...Option) (*Archive, error) {
	if pool == nil {
		return nil, fmt.Errorf("archive: database pool is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.WriteAttempts <= 0 {
		config.WriteAttempts = 1
	}

	a := &Archive{
		pool:   pool,
		bus:    b,
		topics: bus.DefaultTopics(),
		config: config,
		now:    time.Now,
		logger: logger.With(zap.String("component", "archive")),
	}
	for _, opt := range opts {
		opt(a)
	}

	if config.AutoMigrate {
		if err := pool.DB().AutoMigrate(&Record{}); err != nil {
			return nil, fmt.Errorf("migrate archive: %w", err)
		}
	}
	return a, nil
}

// Start subscribes the final topic.
func (a *Archive) Start(ctx context.Context) error {
	if a.bus == nil {
		return fmt.Errorf("archive: bus is required to start")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sub != nil {
		return nil
	}

	sub, err := a.bus.Subscribe(ctx, a.topics.Final, a.onResult)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", a.topics.Final, err)
	}
	a.sub = sub
	a.logger.Info("archive started", zap.String("topic", a.topics.Final))
	return nil
}

// Stop 取消订阅
func (a *Archive) Stop() error {
	a.mu.Lock()
	sub := a.sub
	a.sub = nil
	a.mu.Unlock()

	if sub == nil {
		return nil
	}
	return sub.Unsubscribe()
}

func (a *Archive) onResult(ctx context.Context, msg *bus.Message) {
	stored, err := a.Store(ctx, msg.Data)
	if err != nil {
		if types.IsCode(err, types.ErrMalformedMessage) {
			a.metrics.RecordMalformed(msg.Topic)
		}
		a.logger.Warn("archive write failed", zap.Error(err))
		return
	}
	if !stored {
		a.logger.Debug("result already archived", zap.String("task_id", types.ExtractTaskIDFromJSON(msg.Data)))
	}
}

// Store decodes data and inserts it. stored is false when a result for the
// same identifier was archived before.
func (a *Archive) Store(ctx context.Context, data []byte) (stored bool, err error) {
	res, err := types.DecodeResult(data)
	if err != nil {
		return false, types.NewMalformedError(a.topics.Final, err)
	}
	if res.TaskID == "" || res.TaskID == types.UnknownTaskID {
		return false, types.NewMalformedError(a.topics.Final, errors.New("result has no task identifier"))
	}

	rec := newRecord(res, data, a.now())
	var affected int64
	err = a.pool.WithRetry(ctx, a.config.WriteAttempts, func(db *gorm.DB) error {
		tx := db.Clauses(clause.OnConflict{DoNothing: true}).Create(rec)
		affected = tx.RowsAffected
		return tx.Error
	})
	if err != nil {
		a.metrics.RecordArchiveWrite("error")
		return false, types.NewError(types.ErrInternalError, "archive write failed").WithCause(err)
	}
	if affected == 0 {
		a.metrics.RecordArchiveWrite("duplicate")
		return false, nil
	}

	a.metrics.RecordArchiveWrite("stored")
	a.logger.Debug("result archived",
		zap.String("task_id", rec.TaskID),
		zap.Bool("failed", rec.Failed),
		zap.Int("received", rec.Received),
	)
	return true, nil
}

// Get 按任务 ID 查询归档记录
func (a *Archive) Get(ctx context.Context, taskID string) (*Record, error) {
	var rec Record
	err := a.pool.DB().WithContext(ctx).Where("task_id = ?", taskID).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// List returns up to limit records, newest first.
func (a *Archive) List(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	var recs []Record
	err := a.pool.DB().WithContext(ctx).
		Order("created_at desc").
		Limit(limit).
		Find(&recs).Error
	return recs, err
}

// Count 已归档数量
func (a *Archive) Count(ctx context.Context) (int64, error) {
	var n int64
	err := a.pool.DB().WithContext(ctx).Model(&Record{}).Count(&n).Error
	return n, err
}
