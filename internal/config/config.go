package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Config 描述了 agentpayd 在启动阶段需要加载的核心配置。
type Config struct {
	Server     ServerConfig     `json:"server"`
	Storage    StorageConfig    `json:"storage"`
	Queue      QueueConfig      `json:"settlement_queue"`
	Settlement SettlementConfig `json:"settlement"`
	Session    SessionConfig    `json:"session"`
	Logging    LoggingConfig    `json:"logging"`
	Runtime    RuntimeConfig    `json:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// StorageConfig 统一描述会话与交易存储后端的连接信息。
type StorageConfig struct {
	Driver                 string `json:"driver"`
	DSN                    string `json:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
}

// QueueConfig 描述结算对账队列的驱动与连接参数。
type QueueConfig struct {
	Driver   string         `json:"driver"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
	Workers  int            `json:"workers"`
}

// RedisConfig 描述 Redis 队列的连接参数。
type RedisConfig struct {
	Address   string `json:"address"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	Queue     string `json:"queue"`
	BlockWait int    `json:"block_wait_seconds"`
}

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL      string `json:"url"`
	Queue    string `json:"queue"`
	Prefetch int    `json:"prefetch"`
	Durable  bool   `json:"durable"`
}

// SettlementConfig 选择结算验证策略。策略必须显式配置，禁止按调用推断。
type SettlementConfig struct {
	Mode             string `json:"mode"`
	FreshnessSeconds int    `json:"freshness_window_seconds"`
	Confirmations    uint64 `json:"confirmations"`
	ChainsFile       string `json:"chains_file"`
	Chain            string `json:"chain"`
}

// SessionConfig 给出新建会话时未覆盖字段的默认值。
type SessionConfig struct {
	DefaultDurationSeconds int   `json:"default_duration_seconds"`
	DefaultAllowance       int64 `json:"default_allowance"`
	DefaultPerTxCap        int64 `json:"default_per_tx_cap"`
	DefaultDailyCap        int64 `json:"default_daily_cap"`
	DefaultMonthlyCap      int64 `json:"default_monthly_cap"`
	DefaultMaxRequests     int   `json:"default_max_requests"`
	MaxConcurrentTasks     int   `json:"max_concurrent_tasks"`
	TaskTimeoutSeconds     int   `json:"task_timeout_seconds"`
	AgentMaxPerHour        int   `json:"agent_max_calls_per_hour"`
	AgentMaxPerDay         int   `json:"agent_max_calls_per_day"`
}

// LoggingConfig 映射到 pkg/logger 的初始化参数。
type LoggingConfig struct {
	Level       string   `json:"level"`
	Format      string   `json:"format"`
	OutputPaths []string `json:"output_paths"`
	AuditPath   string   `json:"audit_path"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 4
	}

	if c.Settlement.Mode == "" {
		c.Settlement.Mode = "fastpath"
	}
	if c.Settlement.FreshnessSeconds <= 0 {
		c.Settlement.FreshnessSeconds = 120
	}
	if c.Settlement.Confirmations == 0 {
		c.Settlement.Confirmations = 1
	}

	if c.Session.DefaultDurationSeconds <= 0 {
		c.Session.DefaultDurationSeconds = 3600
	}
	if c.Session.DefaultAllowance <= 0 {
		c.Session.DefaultAllowance = 5_000_000
	}
	if c.Session.DefaultPerTxCap <= 0 {
		c.Session.DefaultPerTxCap = 500_000
	}
	if c.Session.DefaultDailyCap <= 0 {
		c.Session.DefaultDailyCap = 2_000_000
	}
	if c.Session.DefaultMonthlyCap <= 0 {
		c.Session.DefaultMonthlyCap = 20_000_000
	}
	if c.Session.DefaultMaxRequests <= 0 {
		c.Session.DefaultMaxRequests = 100
	}
	if c.Session.MaxConcurrentTasks <= 0 {
		c.Session.MaxConcurrentTasks = 5
	}
	if c.Session.TaskTimeoutSeconds <= 0 {
		c.Session.TaskTimeoutSeconds = 300
	}
	if c.Session.AgentMaxPerHour <= 0 {
		c.Session.AgentMaxPerHour = 60
	}
	if c.Session.AgentMaxPerDay <= 0 {
		c.Session.AgentMaxPerDay = 500
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
}
