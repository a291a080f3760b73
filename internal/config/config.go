// Package config 加载并校验守护进程配置。
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	xerrors "AgentLoop/internal/errors"
	"AgentLoop/internal/knowledge"
)

// Config 是 agentloopd 的全量配置。
type Config struct {
	Server    ServerConfig      `yaml:"server"`
	Log       LogConfig         `yaml:"log"`
	Storage   StorageConfig     `yaml:"storage"`
	Cache     CacheConfig       `yaml:"cache"`
	Queue     QueueConfig       `yaml:"queue"`
	LLM       LLMConfig         `yaml:"llm"`
	Engine    EngineConfig      `yaml:"engine"`
	Governor  GovernorConfig    `yaml:"governor"`
	Knowledge []knowledge.Entry `yaml:"knowledge"`
}

// ServerConfig 是 HTTP 服务配置。
type ServerConfig struct {
	Address         string `yaml:"address"`
	ReadTimeoutSec  int    `yaml:"read_timeout_seconds"`
	WriteTimeoutSec int    `yaml:"write_timeout_seconds"`
	ShutdownSec     int    `yaml:"shutdown_seconds"`
}

// LogConfig 是日志配置。
type LogConfig struct {
	Level     string   `yaml:"level"`
	Format    string   `yaml:"format"`
	Outputs   []string `yaml:"outputs"`
	AuditFile string   `yaml:"audit_file"`
	AddSource bool     `yaml:"add_source"`
}

// StorageConfig 选择状态存储后端。
type StorageConfig struct {
	// Driver 取 memory、mysql 或 sqlite。
	Driver string      `yaml:"driver"`
	MySQL  MySQLConfig `yaml:"mysql"`
	SQLite SQLite      `yaml:"sqlite"`
}

// MySQLConfig 是 MySQL 连接配置。
type MySQLConfig struct {
	DSN             string `yaml:"dsn"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime_seconds"`
}

// SQLite 是 SQLite 文件配置。
type SQLite struct {
	Path string `yaml:"path"`
}

// CacheConfig 选择缓存后端，none 表示关闭配额治理。
type CacheConfig struct {
	// Driver 取 none、memory 或 redis。
	Driver string      `yaml:"driver"`
	Redis  RedisConfig `yaml:"redis"`
}

// RedisConfig 是 Redis 连接配置。
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// QueueConfig 选择子任务投递通道。
type QueueConfig struct {
	// Driver 取 memory、redis 或 rabbitmq。
	Driver   string         `yaml:"driver"`
	Size     int            `yaml:"size"`
	Workers  int            `yaml:"workers"`
	Redis    RedisConfig    `yaml:"redis"`
	RedisKey string         `yaml:"redis_key"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
}

// RabbitMQConfig 是 RabbitMQ 连接配置。
type RabbitMQConfig struct {
	URL       string `yaml:"url"`
	QueueName string `yaml:"queue_name"`
}

// LLMConfig 选择模型供应商。
type LLMConfig struct {
	// Provider 取 openai。
	Provider string       `yaml:"provider"`
	OpenAI   OpenAIConfig `yaml:"openai"`
}

// OpenAIConfig 是 OpenAI 兼容客户端配置。
// APIKey 为空时回落到环境变量 OPENAI_API_KEY。
type OpenAIConfig struct {
	APIKey      string  `yaml:"api_key"`
	BaseURL     string  `yaml:"base_url"`
	Model       string  `yaml:"model"`
	Temperature float32 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
	TimeoutSec  int     `yaml:"timeout_seconds"`
}

// EngineConfig 控制执行循环与子智能体派生。
type EngineConfig struct {
	MaxSteps         int        `yaml:"max_steps"`
	ParseRetryBudget int        `yaml:"parse_retry_budget"`
	KnowledgeLimit   int        `yaml:"knowledge_limit"`
	Fork             ForkConfig `yaml:"fork"`
}

// ForkConfig 控制子智能体派生。
type ForkConfig struct {
	MaxDepth     int `yaml:"max_depth"`
	TimeoutSec   int `yaml:"timeout_seconds"`
	MaxSteps     int `yaml:"max_steps"`
	MaxWorkers   int `yaml:"max_workers"`
	SummaryLimit int `yaml:"summary_limit"`
}

// GovernorConfig 控制访问治理配额。
type GovernorConfig struct {
	RequestMax       int `yaml:"request_max"`
	RequestWindowSec int `yaml:"request_window_seconds"`
	TokenMax         int `yaml:"token_max"`
	TokenWindowSec   int `yaml:"token_window_seconds"`
	MaxConcurrent    int `yaml:"max_concurrent"`
}

// Default 返回可直接运行的默认配置：内存存储、内存队列、无缓存。
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load 从 YAML 文件加载配置，文件缺省的字段填充默认值。
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "读取配置文件失败")
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "解析配置文件失败")
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ReadTimeoutSec <= 0 {
		c.Server.ReadTimeoutSec = 30
	}
	if c.Server.WriteTimeoutSec <= 0 {
		c.Server.WriteTimeoutSec = 60
	}
	if c.Server.ShutdownSec <= 0 {
		c.Server.ShutdownSec = 15
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stdout"}
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Cache.Driver == "" {
		c.Cache.Driver = "none"
	}
	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Size <= 0 {
		c.Queue.Size = 256
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 4
	}
	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}
	if c.LLM.OpenAI.APIKey == "" {
		c.LLM.OpenAI.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if c.LLM.OpenAI.TimeoutSec <= 0 {
		c.LLM.OpenAI.TimeoutSec = 120
	}
	if c.Engine.MaxSteps <= 0 {
		c.Engine.MaxSteps = 50
	}
	if c.Engine.ParseRetryBudget == 0 {
		c.Engine.ParseRetryBudget = 1
	}
	if c.Engine.KnowledgeLimit <= 0 {
		c.Engine.KnowledgeLimit = 3
	}
	if c.Engine.Fork.MaxDepth <= 0 {
		c.Engine.Fork.MaxDepth = 3
	}
	if c.Engine.Fork.TimeoutSec <= 0 {
		c.Engine.Fork.TimeoutSec = 300
	}
	if c.Engine.Fork.MaxSteps <= 0 {
		c.Engine.Fork.MaxSteps = 20
	}
	if c.Engine.Fork.MaxWorkers <= 0 {
		c.Engine.Fork.MaxWorkers = 4
	}
	if c.Governor.RequestWindowSec <= 0 {
		c.Governor.RequestWindowSec = 60
	}
	if c.Governor.TokenWindowSec <= 0 {
		c.Governor.TokenWindowSec = 60
	}
}

func (c *Config) validate() error {
	switch c.Storage.Driver {
	case "memory":
	case "mysql":
		if c.Storage.MySQL.DSN == "" {
			return xerrors.New(xerrors.CodeInitializationFailure, "mysql 存储需要配置 dsn")
		}
	case "sqlite":
		if c.Storage.SQLite.Path == "" {
			return xerrors.New(xerrors.CodeInitializationFailure, "sqlite 存储需要配置 path")
		}
	default:
		return xerrors.New(xerrors.CodeInitializationFailure, "未知的存储驱动: "+c.Storage.Driver)
	}

	switch c.Cache.Driver {
	case "none", "memory":
	case "redis":
		if c.Cache.Redis.Address == "" {
			return xerrors.New(xerrors.CodeInitializationFailure, "redis 缓存需要配置 address")
		}
	default:
		return xerrors.New(xerrors.CodeInitializationFailure, "未知的缓存驱动: "+c.Cache.Driver)
	}

	switch c.Queue.Driver {
	case "memory":
	case "redis":
		if c.Queue.Redis.Address == "" {
			return xerrors.New(xerrors.CodeInitializationFailure, "redis 队列需要配置 address")
		}
	case "rabbitmq":
		if c.Queue.RabbitMQ.URL == "" {
			return xerrors.New(xerrors.CodeInitializationFailure, "rabbitmq 队列需要配置 url")
		}
	default:
		return xerrors.New(xerrors.CodeInitializationFailure, "未知的队列驱动: "+c.Queue.Driver)
	}

	if c.LLM.Provider != "openai" {
		return xerrors.New(xerrors.CodeInitializationFailure, "未知的模型供应商: "+c.LLM.Provider)
	}
	return nil
}

// ServerReadTimeout 返回 HTTP 读超时。
func (c *Config) ServerReadTimeout() time.Duration {
	return time.Duration(c.Server.ReadTimeoutSec) * time.Second
}

// ServerWriteTimeout 返回 HTTP 写超时。
func (c *Config) ServerWriteTimeout() time.Duration {
	return time.Duration(c.Server.WriteTimeoutSec) * time.Second
}

// ShutdownTimeout 返回优雅下线的宽限时长。
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownSec) * time.Second
}
