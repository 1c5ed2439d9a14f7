package wallet

import (
	"context"
	"crypto/ecdsa"
	"strings"
	"time"

	"AgentVault-Chain/internal/audit"
	"AgentVault-Chain/internal/chain"
	"AgentVault-Chain/internal/config"
	"AgentVault-Chain/internal/custody"
	xerrors "AgentVault-Chain/internal/errors"
	"AgentVault-Chain/internal/storage/mysql"
	"AgentVault-Chain/pkg/logger"

	"github.com/google/uuid"
)

// Wallet 是对外暴露的钱包视图，永远不携带私钥存储内容。
// Balance 是尽力而为的链上查询结果，链不可达时为 nil。
type Wallet struct {
	ID        string
	Name      string
	Address   string
	Mode      string
	CreatedAt int64
	Balance   *float64
}

// Service 负责钱包的创建、查询与策略管理。
type Service struct {
	backend  mysql.Backend
	vault    *custody.Vault
	chain    chain.Client
	ledger   *audit.Ledger
	defaults config.PolicyDefaults
}

// NewService 构造钱包服务。chainClient 可以为 nil，此时余额字段
// 一律缺省。
func NewService(backend mysql.Backend, vault *custody.Vault, chainClient chain.Client, ledger *audit.Ledger, defaults config.PolicyDefaults) *Service {
	return &Service{
		backend:  backend,
		vault:    vault,
		chain:    chainClient,
		ledger:   ledger,
		defaults: defaults,
	}
}

// Create 生成一个新钱包并在同一逻辑事务中写入默认策略。
// 任何一步失败都不会留下半个钱包。
func (s *Service) Create(ctx context.Context, name, modeRaw string) (*Wallet, *mysql.PolicyRecord, error) {
	if s.backend == nil || s.vault == nil || s.ledger == nil {
		return nil, nil, xerrors.New(xerrors.CodeInitializationFailure, "钱包服务未初始化")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, nil, xerrors.New(xerrors.CodeInvalidArgument, "钱包名称不能为空")
	}
	mode, err := custody.ParseMode(modeRaw)
	if err != nil {
		return nil, nil, err
	}

	material, err := s.vault.Generate(mode)
	if err != nil {
		return nil, nil, err
	}

	now := time.Now().UTC().Unix()
	record := &mysql.WalletRecord{
		ID:           uuid.NewString(),
		Name:         name,
		Address:      material.Address,
		EncryptedKey: material.Stored,
		KeyMode:      string(material.Mode),
		CreatedAt:    now,
	}
	policy := &mysql.PolicyRecord{
		WalletID:             record.ID,
		MaxTransactionAmount: s.defaults.MaxTransactionAmount,
		MaxDailySpend:        s.defaults.MaxDailySpend,
		AllowedActions:       append([]string(nil), s.defaults.AllowedActions...),
		RequireSimulation:    s.defaults.RequireSimulation == nil || *s.defaults.RequireSimulation,
		CreatedAt:            now,
	}

	if err := s.backend.CreateWalletWithPolicy(ctx, record, policy); err != nil {
		return nil, nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建钱包失败")
	}

	if _, err := s.ledger.Record(ctx, record.ID, "wallet_created",
		map[string]any{"name": name, "mode": string(mode)},
		map[string]any{"success": true, "address": record.Address},
	); err != nil {
		return nil, nil, err
	}

	logger.Named("wallet").Info("钱包创建成功",
		"wallet_id", record.ID,
		"address", record.Address,
		"mode", string(mode),
	)
	return s.view(ctx, record), policy, nil
}

// Get 返回指定钱包，附带尽力而为的链上余额。
func (s *Service) Get(ctx context.Context, id string) (*Wallet, error) {
	record, err := s.backend.Wallets().Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.view(ctx, record), nil
}

// List 返回全部钱包，按创建时间倒序。
func (s *Service) List(ctx context.Context) ([]*Wallet, error) {
	records, err := s.backend.Wallets().List(ctx)
	if err != nil {
		return nil, err
	}
	wallets := make([]*Wallet, 0, len(records))
	for _, record := range records {
		wallets = append(wallets, s.view(ctx, record))
	}
	return wallets, nil
}

// Policy 返回钱包的实时策略。
func (s *Service) Policy(ctx context.Context, walletID string) (*mysql.PolicyRecord, error) {
	return s.backend.Policies().Get(ctx, walletID)
}

// UpdatePolicy 合并非空字段并返回更新后的完整策略。
func (s *Service) UpdatePolicy(ctx context.Context, walletID string, update mysql.PolicyUpdate) (*mysql.PolicyRecord, error) {
	policy, err := s.backend.Policies().Update(ctx, walletID, update)
	if err != nil {
		return nil, err
	}
	if _, err := s.ledger.Record(ctx, walletID, "policy_updated",
		policyUpdateParams(update),
		map[string]any{"success": true, "max_transaction_amount": policy.MaxTransactionAmount},
	); err != nil {
		return nil, err
	}
	return policy, nil
}

// SigningKey 解出钱包的签名私钥。只有交易执行路径允许调用。
func (s *Service) SigningKey(ctx context.Context, walletID string) (*ecdsa.PrivateKey, error) {
	stored, modeRaw, err := s.backend.Wallets().KeyMaterial(ctx, walletID)
	if err != nil {
		return nil, err
	}
	mode, err := custody.ParseMode(modeRaw)
	if err != nil {
		return nil, err
	}
	return s.vault.DecryptForSigning(stored, mode)
}

// view 组装对外视图并尽力附上链上余额。
func (s *Service) view(ctx context.Context, record *mysql.WalletRecord) *Wallet {
	wallet := &Wallet{
		ID:        record.ID,
		Name:      record.Name,
		Address:   record.Address,
		Mode:      record.KeyMode,
		CreatedAt: record.CreatedAt,
	}
	if s.chain != nil {
		if wei, err := s.chain.Balance(ctx, record.Address); err == nil {
			balance := chain.FromWei(wei)
			wallet.Balance = &balance
		} else {
			logger.Named("wallet").Warn("查询余额失败", "wallet_id", record.ID, "error", err)
		}
	}
	return wallet
}

func policyUpdateParams(update mysql.PolicyUpdate) map[string]any {
	params := map[string]any{}
	if update.MaxTransactionAmount != nil {
		params["max_transaction_amount"] = *update.MaxTransactionAmount
	}
	if update.AutoApproveBelow != nil {
		params["auto_approve_below"] = *update.AutoApproveBelow
	}
	if update.MaxDailySpend != nil {
		params["max_daily_spend"] = *update.MaxDailySpend
	}
	if update.AllowedActions != nil {
		params["allowed_actions"] = update.AllowedActions
	}
	if update.RequireSimulation != nil {
		params["require_simulation"] = *update.RequireSimulation
	}
	return params
}
