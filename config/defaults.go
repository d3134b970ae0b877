// =============================================================================
// 📦 agentbus 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import (
	"github.com/BaSui01/agentbus/archive"
	"github.com/BaSui01/agentbus/bus"
	"github.com/BaSui01/agentbus/classifier"
	"github.com/BaSui01/agentbus/client"
	"github.com/BaSui01/agentbus/correlation"
	"github.com/BaSui01/agentbus/internal/server"
	"github.com/BaSui01/agentbus/internal/telemetry"
	"github.com/BaSui01/agentbus/registry"
	"github.com/BaSui01/agentbus/worker"
)

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Bus:        bus.DefaultConfig(),
		Topics:     bus.DefaultTopics(),
		Engine:     correlation.DefaultConfig(),
		Registry:   DefaultRegistryConfig(),
		Classifier: DefaultClassifierConfig(),
		Client:     client.DefaultConfig(),
		Worker:     DefaultWorkerConfig(),
		Archive:    archive.DefaultConfig(),
		Log:        DefaultLogConfig(),
		Telemetry:  telemetry.DefaultConfig(),
		Ops:        DefaultOpsConfig(),
	}
}

// DefaultRegistryConfig 返回默认注册表配置（静态路由）
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		Selector: SelectorStatic,
		Search:   registry.DefaultSearchConfig(),
	}
}

// DefaultClassifierConfig 返回默认分类配置
func DefaultClassifierConfig() ClassifierConfig {
	return ClassifierConfig{
		Enabled:  true,
		Keywords: classifier.DefaultKeywordConfig(),
		Cache:    classifier.DefaultCacheConfig(),
		Stage:    classifier.DefaultStageConfig(),
	}
}

// DefaultWorkerConfig 返回默认 worker 配置
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Enabled: true,
		Host:    worker.DefaultConfig(),
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultOpsConfig 返回默认运维服务配置
func DefaultOpsConfig() OpsConfig {
	return OpsConfig{
		Enabled:          true,
		MetricsNamespace: "agentbus",
		Server:           server.DefaultConfig(),
	}
}
