package database

import (
	"fmt"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config 数据库配置
type Config struct {
	// Driver sqlite / postgres
	Driver string `yaml:"driver" json:"driver"`

	// DSN 连接串；sqlite 为文件路径或 :memory:
	DSN string `yaml:"dsn" json:"dsn"`

	// Pool 连接池配置
	Pool PoolConfig `yaml:"pool" json:"pool"`
}

// DefaultConfig 返回默认配置（本地 sqlite 文件）
func DefaultConfig() Config {
	return Config{
		Driver: DriverSQLite,
		DSN:    "agentbus.db",
		Pool:   DefaultPoolConfig(),
	}
}

// Validate 校验配置
func (c Config) Validate() error {
	switch c.Driver {
	case DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("unsupported database driver: %s (supported: sqlite, postgres)", c.Driver)
	}
	if c.DSN == "" {
		return fmt.Errorf("database dsn is required")
	}
	return c.Pool.Validate()
}

// Open 根据配置打开数据库连接
func Open(cfg Config, logger *zap.Logger) (*gorm.DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var dialector gorm.Dialector
	switch cfg.Driver {
	case DriverPostgres:
		dialector = postgres.Open(cfg.DSN)
	default:
		dialector = sqlite.Open(cfg.DSN)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:                 gormlogger.Default.LogMode(gormlogger.Silent),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	logger.Info("database connected", zap.String("driver", cfg.Driver))
	return db, nil
}
