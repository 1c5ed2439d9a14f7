package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"AgentVault-Chain/internal/agent"
	"AgentVault-Chain/internal/api"
	"AgentVault-Chain/internal/audit"
	"AgentVault-Chain/internal/auth"
	"AgentVault-Chain/internal/chain/provider"
	"AgentVault-Chain/internal/config"
	"AgentVault-Chain/internal/custody"
	"AgentVault-Chain/internal/executor"
	"AgentVault-Chain/internal/observability/alerting"
	"AgentVault-Chain/internal/reasoner"
	"AgentVault-Chain/internal/reasoner/openai"
	"AgentVault-Chain/internal/storage/mysql"
	"AgentVault-Chain/internal/wallet"
	"AgentVault-Chain/pkg/logger"
)

// main 是 AgentVault 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("agentvaultd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("AGENTVAULT_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "agentvault.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Trail: logger.TrailConfig{
			Enabled:    cfg.Logging.Trail.Enabled,
			Path:       cfg.Logging.Trail.Path,
			MaxSizeMB:  cfg.Logging.Trail.MaxSizeMB,
			MaxBackups: cfg.Logging.Trail.MaxBackups,
			MaxAgeDays: cfg.Logging.Trail.MaxAgeDays,
		},
	}); err != nil {
		return err
	}

	// 初始化存储后端。
	var backend mysql.Backend
	switch cfg.Storage.Driver {
	case "memory", "":
		if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
			return err
		}
		store, err := mysql.NewMemoryStore(cfg.Runtime.DataDir)
		if err != nil {
			return err
		}
		backend = store
	case "mysql":
		store, err := mysql.Open(ctx, mysql.Config{
			DSN:             cfg.Storage.DSN,
			MaxOpenConns:    cfg.Storage.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Storage.ConnMaxLifetimeSeconds) * time.Second,
		})
		if err != nil {
			return err
		}
		backend = store
	default:
		return fmt.Errorf("未知的存储驱动: %s", cfg.Storage.Driver)
	}
	defer backend.Close()

	// 私钥托管口令只允许从环境变量注入。
	passphrase := strings.TrimSpace(os.Getenv(cfg.Vault.PassphraseEnv))
	if passphrase == "" {
		return fmt.Errorf("缺少托管口令环境变量 %s", cfg.Vault.PassphraseEnv)
	}
	vault, err := custody.New(passphrase, cfg.Vault.Iterations)
	if err != nil {
		return err
	}

	chainRegistry, err := provider.NewRegistry(ctx, cfg.Chain)
	if err != nil {
		return err
	}
	defer chainRegistry.Close()

	chainClient, err := chainRegistry.DefaultClient()
	if err != nil {
		return err
	}

	// 审计事件流与账本。
	publisher, err := audit.NewPublisher(cfg.Audit.Stream)
	if err != nil {
		return err
	}
	if publisher != nil {
		defer publisher.Close()
	}
	ledger := audit.NewLedger(backend.Audit(), publisher)
	if dispatcher := createAlertDispatcher(cfg.Audit.Alerts); dispatcher != nil {
		ledger.WithAlerts(dispatcher)
	}

	reasonerClient, err := createReasonerClient(cfg)
	if err != nil {
		return err
	}

	faucetKey, err := executor.ParseFaucetKey(os.Getenv(cfg.Chain.FaucetKeyEnv))
	if err != nil {
		return err
	}

	wallets := wallet.NewService(backend, vault, chainClient, ledger, cfg.Policy)
	exec := executor.NewService(wallets, chainClient, ledger, faucetKey)
	agents := agent.NewService(backend, ledger, reasonerClient, exec)

	authService, err := createAuthService(ctx, cfg, backend)
	if err != nil {
		return err
	}

	server := api.NewServer(cfg.Server.Address, wallets, agents, exec, ledger, authService)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// createAlertDispatcher 按配置组装告警渠道，未配置任何渠道时返回 nil。
func createAlertDispatcher(cfg config.AlertConfig) alerting.Dispatcher {
	var notifiers []alerting.Notifier
	if cfg.DingTalkWebhook != "" {
		notifiers = append(notifiers, &alerting.DingTalkNotifier{
			Sender: &alerting.WebhookDingTalkSender{URL: cfg.DingTalkWebhook},
		})
	}
	if cfg.SlackWebhook != "" {
		channel := cfg.SlackChannel
		if channel == "" {
			channel = "alerts"
		}
		notifiers = append(notifiers, &alerting.SlackNotifier{
			Sender:    &alerting.WebhookSlackSender{URL: cfg.SlackWebhook},
			ChannelID: channel,
		})
	}
	if len(notifiers) == 0 {
		return nil
	}
	return alerting.NewFanout(notifiers...)
}

// createReasonerClient 按配置构造委托推理客户端。没有可用的
// API Key 时返回 nil，此时只有 rule-based 策略可用。
func createReasonerClient(cfg *config.Config) (reasoner.Client, error) {
	switch cfg.Reasoner.Provider {
	case "", "none":
		return nil, nil
	case "openai":
		apiKey := strings.TrimSpace(cfg.Reasoner.OpenAI.APIKey)
		if apiKey == "" && cfg.Reasoner.OpenAI.APIKeyEnv != "" {
			apiKey = strings.TrimSpace(os.Getenv(cfg.Reasoner.OpenAI.APIKeyEnv))
		}
		if apiKey == "" {
			logger.L().Warn("未配置 OpenAI API Key，delegated-reasoning 策略不可用")
			return nil, nil
		}
		return openai.NewClient(openai.Config{
			APIKey:  apiKey,
			BaseURL: cfg.Reasoner.OpenAI.BaseURL,
			Model:   cfg.Reasoner.OpenAI.Model,
			Timeout: cfg.Reasoner.OpenAI.Timeout(),
		})
	default:
		return nil, fmt.Errorf("未知的推理 provider: %s", cfg.Reasoner.Provider)
	}
}

// createAuthService 构造 API 层的认证服务。MySQL 存储下用户目录
// 落库，内存存储下由配置种子构建。
func createAuthService(ctx context.Context, cfg *config.Config, backend mysql.Backend) (*auth.Service, error) {
	mode := auth.Mode(strings.ToLower(strings.TrimSpace(cfg.Auth.Mode)))
	if mode == "" || mode == auth.ModeDisabled {
		return auth.NewService(auth.Config{Mode: auth.ModeDisabled}, nil)
	}

	secret := strings.TrimSpace(cfg.Auth.JWT.Secret)
	if secret == "" && cfg.Auth.JWT.SecretEnv != "" {
		secret = strings.TrimSpace(os.Getenv(cfg.Auth.JWT.SecretEnv))
	}

	seeds := make([]auth.Seed, 0, len(cfg.Auth.Seeds))
	for _, seed := range cfg.Auth.Seeds {
		seeds = append(seeds, auth.Seed{
			Username:    seed.Username,
			Password:    seed.Password,
			Permissions: seed.Permissions,
			Disabled:    seed.Disabled,
		})
	}

	var store auth.Store
	if sqlStore, ok := backend.(*mysql.Store); ok {
		directory := sqlStore.AuthStore()
		if err := directory.ApplySeeds(ctx, seeds); err != nil {
			return nil, err
		}
		store = directory
	} else {
		memStore, err := auth.NewMemoryStore(seeds)
		if err != nil {
			return nil, err
		}
		store = memStore
	}

	return auth.NewService(auth.Config{
		Mode: mode,
		JWT: auth.JWTOptions{
			Secret:     secret,
			Issuer:     cfg.Auth.JWT.Issuer,
			AccessTTL:  int64(cfg.Auth.JWT.AccessTTL),
			RefreshTTL: int64(cfg.Auth.JWT.RefreshTTL),
		},
		Seeds: seeds,
	}, store)
}
