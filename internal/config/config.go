package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Config 描述了 agentvaultd 在启动阶段需要加载的核心配置。
type Config struct {
	Server   ServerConfig   `json:"server"`
	Storage  StorageConfig  `json:"storage"`
	Vault    VaultConfig    `json:"vault"`
	Policy   PolicyDefaults `json:"policy"`
	Chain    ChainConfig    `json:"chain"`
	Reasoner ReasonerConfig `json:"reasoner"`
	Audit    AuditConfig    `json:"audit"`
	Auth     AuthConfig     `json:"auth"`
	Logging  LoggingConfig  `json:"logging"`
	Runtime  RuntimeConfig  `json:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// StorageConfig 描述钱包、策略、智能体与审计数据的持久化后端。
type StorageConfig struct {
	Driver                 string `json:"driver"`
	DSN                    string `json:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
}

// VaultConfig 描述私钥加密所需的口令来源。口令本身只允许通过环境变量
// 注入，配置文件中永远不落盘明文。
type VaultConfig struct {
	PassphraseEnv string `json:"passphrase_env"`
	Iterations    int    `json:"iterations"`
}

// PolicyDefaults 是新建钱包时写入的默认策略。
type PolicyDefaults struct {
	MaxTransactionAmount float64  `json:"max_transaction_amount"`
	MaxDailySpend        float64  `json:"max_daily_spend"`
	AllowedActions       []string `json:"allowed_actions"`
	RequireSimulation    *bool    `json:"require_simulation"`
}

// ChainConfig 包含访问区块链节点所需的信息。
type ChainConfig struct {
	ChainConfig           string `json:"chain_config"`
	RPCURL                string `json:"rpc_url"`
	DefaultChain          string `json:"default_chain"`
	FaucetKeyEnv          string `json:"faucet_key_env"`
	ConfirmTimeoutSeconds int    `json:"confirm_timeout_seconds"`
}

// ReasonerConfig 用于配置委托推理策略调用的大模型服务。
type ReasonerConfig struct {
	Provider string               `json:"provider"`
	OpenAI   OpenAIReasonerConfig `json:"openai"`
}

// OpenAIReasonerConfig 描述 OpenAI Chat Completions 接入参数。
type OpenAIReasonerConfig struct {
	APIKey         string `json:"api_key"`
	APIKeyEnv      string `json:"api_key_env"`
	BaseURL        string `json:"base_url"`
	Model          string `json:"model"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// Timeout 返回推理调用的超时时间。
func (c OpenAIReasonerConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// AuditConfig 控制审计事件流的对外广播与失败告警。
type AuditConfig struct {
	Stream AuditStreamConfig `json:"stream"`
	Alerts AlertConfig       `json:"alerts"`
}

// AlertConfig 描述失败操作的告警渠道，留空即不启用对应渠道。
type AlertConfig struct {
	DingTalkWebhook string `json:"dingtalk_webhook"`
	SlackWebhook    string `json:"slack_webhook"`
	SlackChannel    string `json:"slack_channel"`
}

// AuditStreamConfig 描述审计事件流的驱动与连接参数。
type AuditStreamConfig struct {
	Driver   string             `json:"driver"`
	Redis    RedisStreamConfig  `json:"redis"`
	RabbitMQ RabbitStreamConfig `json:"rabbitmq"`
}

// RedisStreamConfig 是 Redis 审计事件流的连接参数。
type RedisStreamConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Channel  string `json:"channel"`
}

// RabbitStreamConfig 是 RabbitMQ 审计事件流的连接参数。
type RabbitStreamConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// AuthConfig 描述 API 层的身份认证配置。
type AuthConfig struct {
	Mode  string     `json:"mode"`
	JWT   JWTConfig  `json:"jwt"`
	Seeds []AuthSeed `json:"seeds"`
}

// JWTConfig 是 HS256 令牌签发所需的参数。
type JWTConfig struct {
	Secret     string `json:"secret"`
	SecretEnv  string `json:"secret_env"`
	Issuer     string `json:"issuer"`
	AccessTTL  int    `json:"access_ttl_seconds"`
	RefreshTTL int    `json:"refresh_ttl_seconds"`
}

// AuthSeed 描述启动时写入用户目录的初始账号。
type AuthSeed struct {
	Username    string   `json:"username"`
	Password    string   `json:"password"`
	Permissions []string `json:"permissions"`
	Disabled    bool     `json:"disabled"`
}

// LoggingConfig 描述应用日志与审计轨迹文件的输出方式。
type LoggingConfig struct {
	Level       string      `json:"level"`
	Format      string      `json:"format"`
	OutputPaths []string    `json:"output_paths"`
	Trail       TrailConfig `json:"trail"`
}

// TrailConfig 控制审计轨迹文件的滚动策略。
type TrailConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
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

	if c.Vault.PassphraseEnv == "" {
		c.Vault.PassphraseEnv = "AGENTVAULT_PASSPHRASE"
	}
	if c.Vault.Iterations <= 0 {
		c.Vault.Iterations = 100_000
	}

	if c.Policy.MaxTransactionAmount <= 0 {
		c.Policy.MaxTransactionAmount = 10
	}
	if c.Policy.MaxDailySpend <= 0 {
		c.Policy.MaxDailySpend = 100
	}
	if len(c.Policy.AllowedActions) == 0 {
		c.Policy.AllowedActions = []string{"transfer", "swap", "airdrop"}
	}
	if c.Policy.RequireSimulation == nil {
		requireSim := true
		c.Policy.RequireSimulation = &requireSim
	}

	if c.Chain.ChainConfig != "" && !filepath.IsAbs(c.Chain.ChainConfig) {
		c.Chain.ChainConfig = filepath.Join(baseDir, c.Chain.ChainConfig)
	}
	if c.Chain.ConfirmTimeoutSeconds <= 0 {
		c.Chain.ConfirmTimeoutSeconds = 60
	}

	if c.Reasoner.Provider == "" {
		c.Reasoner.Provider = "openai"
	}

	if c.Audit.Stream.Driver == "" {
		c.Audit.Stream.Driver = "none"
	}

	if c.Auth.Mode == "" {
		c.Auth.Mode = "disabled"
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
}
