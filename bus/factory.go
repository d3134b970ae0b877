package bus

import (
	"fmt"

	"go.uber.org/zap"
)

// Driver names accepted by New.
const (
	DriverMemory = "memory"
	DriverRedis  = "redis"
	DriverNATS   = "nats"
)

// Config 总线驱动配置
type Config struct {
	Driver     string      `yaml:"driver" json:"driver"`
	BufferSize int         `yaml:"buffer_size" json:"buffer_size"`
	Redis      RedisConfig `yaml:"redis" json:"redis"`
	NATS       NATSConfig  `yaml:"nats" json:"nats"`
}

// DefaultConfig 返回默认总线配置（进程内驱动）
func DefaultConfig() Config {
	return Config{
		Driver:     DriverMemory,
		BufferSize: DefaultBufferSize,
		Redis:      DefaultRedisConfig(),
		NATS:       DefaultNATSConfig(),
	}
}

// New 按驱动名创建总线
func New(config Config, logger *zap.Logger) (Bus, error) {
	switch config.Driver {
	case "", DriverMemory:
		return NewMemoryBus(config.BufferSize, logger), nil
	case DriverRedis:
		return NewRedisBus(config.Redis, logger)
	case DriverNATS:
		return NewNATSBus(config.NATS, logger)
	default:
		return nil, fmt.Errorf("unknown bus driver %q", config.Driver)
	}
}
