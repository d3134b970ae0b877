// =============================================================================
// 📦 agentbus 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("agentbus.yaml").
//	    WithEnvPrefix("AGENTBUS").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
//
// 环境变量名由各级字段的 env tag 拼接而成；没有 env tag 时使用
// 大写的 yaml tag，例如 engine.aggregation_timeout 对应
// AGENTBUS_ENGINE_AGGREGATION_TIMEOUT。
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

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

// DefaultEnvPrefix 默认环境变量前缀
const DefaultEnvPrefix = "AGENTBUS"

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 agentbus 的完整配置结构
type Config struct {
	// Bus 总线驱动配置
	Bus bus.Config `yaml:"bus" env:"BUS"`

	// Topics topic 布局
	Topics bus.Topics `yaml:"topics" env:"TOPICS"`

	// Engine 关联引擎配置
	Engine correlation.Config `yaml:"engine" env:"ENGINE"`

	// Registry worker 注册与选择
	Registry RegistryConfig `yaml:"registry" env:"REGISTRY"`

	// Classifier 分类阶段配置
	Classifier ClassifierConfig `yaml:"classifier" env:"CLASSIFIER"`

	// Client 客户端配置
	Client client.Config `yaml:"client" env:"CLIENT"`

	// Worker 本进程托管的 worker
	Worker WorkerConfig `yaml:"worker" env:"WORKER"`

	// Archive 结果归档
	Archive archive.Config `yaml:"archive" env:"ARCHIVE"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry telemetry.Config `yaml:"telemetry" env:"TELEMETRY"`

	// Ops 运维 HTTP 服务
	Ops OpsConfig `yaml:"ops" env:"OPS"`
}

// Selector kinds.
const (
	SelectorStatic   = "static"
	SelectorSearch   = "search"
	SelectorFallback = "fallback"
)

// RegistryConfig worker 注册与选择配置
type RegistryConfig struct {
	// Selector static / search / fallback（静态路由优先，未命中时全文检索）
	Selector string `yaml:"selector"`

	// Routes 分类码到 worker ID 的静态路由，为空时使用默认路由
	Routes map[string][]string `yaml:"routes" env:"-"`

	// Workers 注册的 worker 描述，为空时注册三个演示 worker
	Workers []registry.WorkerInfo `yaml:"workers" env:"-"`

	// Search 全文检索选择配置
	Search registry.SearchConfig `yaml:"search"`
}

// ClassifierConfig 分类阶段配置
type ClassifierConfig struct {
	// Enabled 本进程是否运行分类阶段
	Enabled bool `yaml:"enabled"`

	// Keywords 关键词规则，为空时使用默认规则
	Keywords classifier.KeywordConfig `yaml:"keywords" env:"-"`

	// Cache 分类缓存
	Cache classifier.CacheConfig `yaml:"cache"`

	// Stage 阶段限流与超时
	Stage classifier.StageConfig `yaml:"stage"`
}

// WorkerConfig worker 托管配置
type WorkerConfig struct {
	// Enabled 本进程是否托管演示 worker
	Enabled bool `yaml:"enabled"`

	// Agents 托管的 worker ID，为空时托管全部演示 worker
	Agents []string `yaml:"agents"`

	// Host 执行池与超时
	Host worker.Config `yaml:"host"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level"`
	// 输出格式: json, console
	Format string `yaml:"format"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace"`
}

// OpsConfig 运维服务配置（/metrics、/healthz、结果查询）
type OpsConfig struct {
	// Enabled 是否启动运维服务
	Enabled bool `yaml:"enabled"`

	// MetricsNamespace Prometheus 指标命名空间
	MetricsNamespace string `yaml:"metrics_namespace"`

	// Server HTTP 服务器配置
	Server server.Config `yaml:"server"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  DefaultEnvPrefix,
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// 文件不存在，使用默认值
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// loadFromEnv 从环境变量加载配置
func (l *Loader) loadFromEnv(cfg *Config) error {
	return setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// envName returns the variable suffix of a field, or "" to skip it.
func envName(f reflect.StructField) string {
	if tag, ok := f.Tag.Lookup("env"); ok {
		if tag == "-" {
			return ""
		}
		return tag
	}
	name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
	if name == "-" {
		return ""
	}
	return strings.ToUpper(name)
}

// setFieldsFromEnv 递归设置结构体字段
func setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)
		if !fieldType.IsExported() {
			continue
		}

		name := envName(fieldType)
		if name == "" {
			continue
		}
		envKey := prefix + "_" + name

		if field.Kind() == reflect.Struct {
			if err := setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue, ok := os.LookupEnv(envKey)
		if !ok || envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// 特殊处理 time.Duration
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 支持逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv 仅从环境变量加载配置
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}
