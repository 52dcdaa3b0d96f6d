package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Config 描述了守护进程在启动阶段需要加载的核心配置。
type Config struct {
	Server   ServerConfig   `json:"server"`
	Storage  StorageConfig  `json:"storage"`
	Queue    QueueConfig    `json:"queue"`
	Ledger   LedgerConfig   `json:"ledger"`
	Guardian GuardianConfig `json:"guardian"`
	Signer   SignerConfig   `json:"signer"`
	Logging  LoggingConfig  `json:"logging"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address        string `json:"address"`
	MetricsAddress string `json:"metrics_address"`
}

// StorageConfig 描述覆写 Run 存储的后端连接信息。
type StorageConfig struct {
	RunStore RunStoreConfig `json:"run_store"`
}

// RunStoreConfig 提供内存与 MySQL 两种实现。
type RunStoreConfig struct {
	Driver     string `json:"driver"`
	DSN        string `json:"dsn"`
	MaxRetries int    `json:"max_retries"`
}

// QueueConfig 描述覆写审批队列的后端。
type QueueConfig struct {
	Driver   string         `json:"driver"`
	Workers  int            `json:"workers"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 描述 Redis 队列的连接参数。
type RedisConfig struct {
	Address          string `json:"address"`
	Password         string `json:"password"`
	DB               int    `json:"db"`
	Queue            string `json:"queue"`
	BlockWaitSeconds int    `json:"block_wait_seconds"`
}

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// LedgerConfig 包含访问账本节点与交易构建后端所需的端点。
type LedgerConfig struct {
	// NetworkConfig 指向 networks.yaml；为空时回退到 RPCURL/ProgramID。
	NetworkConfig  string `json:"network_config"`
	DefaultNetwork string `json:"default_network"`
	RPCURL         string `json:"rpc_url"`
	ProgramID      string `json:"program_id"`
	BuilderBaseURL string `json:"builder_base_url"`
}

// GuardianConfig 控制守护巡检循环。
type GuardianConfig struct {
	Enabled         bool     `json:"enabled"`
	IntervalSeconds int      `json:"interval_seconds"`
	// Vaults 列出被守护的金库地址（base58）。
	Vaults []string `json:"vaults"`
	// AgentSigners 与 Vaults 一一对应，可为空串表示未绑定。
	AgentSigners []string `json:"agent_signers"`
	// CriticalBalanceLamports/LowBalanceLamports 为零时取默认阈值。
	CriticalBalanceLamports uint64 `json:"critical_balance_lamports"`
	LowBalanceLamports      uint64 `json:"low_balance_lamports"`
}

// SignerConfig 描述覆写签名能力的来源。
type SignerConfig struct {
	// Driver 支持 local（从密钥文件加载）与 none。
	Driver  string `json:"driver"`
	KeyPath string `json:"key_path"`
}

// LoggingConfig 控制结构化日志与审计日志输出。
type LoggingConfig struct {
	Level       string   `json:"level"`
	Format      string   `json:"format"`
	OutputPaths []string `json:"output_paths"`
	AuditPath   string   `json:"audit_path"`
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

	if c.Storage.RunStore.Driver == "" {
		c.Storage.RunStore.Driver = "memory"
	}
	if c.Storage.RunStore.MaxRetries <= 0 {
		c.Storage.RunStore.MaxRetries = 3
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 4
	}

	if c.Ledger.NetworkConfig != "" && !filepath.IsAbs(c.Ledger.NetworkConfig) {
		c.Ledger.NetworkConfig = filepath.Join(baseDir, c.Ledger.NetworkConfig)
	}

	if c.Guardian.IntervalSeconds <= 0 {
		c.Guardian.IntervalSeconds = 60
	}

	if c.Signer.Driver == "" {
		c.Signer.Driver = "none"
	}
	if c.Signer.KeyPath != "" && !filepath.IsAbs(c.Signer.KeyPath) {
		c.Signer.KeyPath = filepath.Join(baseDir, c.Signer.KeyPath)
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if len(c.Logging.OutputPaths) == 0 {
		c.Logging.OutputPaths = []string{"stdout"}
	}
}
