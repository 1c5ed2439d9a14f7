package executor

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"strings"

	"AgentVault-Chain/internal/audit"
	"AgentVault-Chain/internal/chain"
	xerrors "AgentVault-Chain/internal/errors"
	"AgentVault-Chain/internal/wallet"
	"AgentVault-Chain/pkg/logger"

	gethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// SimulationResult 描述一次转账预演的结论。预演只走链的读路径。
type SimulationResult struct {
	Valid          bool    `json:"valid"`
	Reason         string  `json:"reason,omitempty"`
	CurrentBalance float64 `json:"current_balance"`
	EstimatedFee   float64 `json:"estimated_fee"`
	FinalBalance   float64 `json:"final_balance"`
}

// ExecutionResult 描述一次链上执行的结果。执行失败不抛错误，调用方
// 必须检查 Success 字段。AuditError 非空表示链上事实已经发生、但
// 审计记录没能落盘。
type ExecutionResult struct {
	Success    bool   `json:"success"`
	TxHash     string `json:"tx_hash,omitempty"`
	Error      string `json:"error,omitempty"`
	AuditError string `json:"audit_error,omitempty"`
}

// KeyStore 是执行器对钱包服务的最小依赖。
type KeyStore interface {
	Get(ctx context.Context, walletID string) (*wallet.Wallet, error)
	SigningKey(ctx context.Context, walletID string) (*ecdsa.PrivateKey, error)
}

// Service 负责模拟与执行链上转账。每一次调用，无论成败，都会写入
// 恰好一条审计记录。
type Service struct {
	wallets   KeyStore
	chain     chain.Client
	ledger    *audit.Ledger
	faucetKey *ecdsa.PrivateKey
}

// NewService 构造交易执行器。faucetKey 为空时 Fund 操作不可用。
func NewService(wallets KeyStore, chainClient chain.Client, ledger *audit.Ledger, faucetKey *ecdsa.PrivateKey) *Service {
	return &Service{
		wallets:   wallets,
		chain:     chainClient,
		ledger:    ledger,
		faucetKey: faucetKey,
	}
}

// Simulate 预演一次转账：查询余额和手续费，余额不足即判定无效。
// 不发起任何改变链上状态的调用。
func (s *Service) Simulate(ctx context.Context, walletID, to string, amount float64) (*SimulationResult, error) {
	params := map[string]any{"to": to, "amount": amount, "simulate_only": true}

	result, err := s.simulate(ctx, walletID, to, amount)
	if err != nil {
		s.record(ctx, walletID, "simulate_transfer", params, map[string]any{"error": err.Error()})
		return nil, err
	}
	s.record(ctx, walletID, "simulate_transfer", params, map[string]any{
		"success":         true,
		"valid":           result.Valid,
		"reason":          result.Reason,
		"current_balance": result.CurrentBalance,
		"estimated_fee":   result.EstimatedFee,
		"final_balance":   result.FinalBalance,
	})
	return result, nil
}

func (s *Service) simulate(ctx context.Context, walletID, to string, amount float64) (*SimulationResult, error) {
	if s.chain == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "链客户端未配置")
	}
	record, err := s.wallets.Get(ctx, walletID)
	if err != nil {
		return nil, err
	}

	balanceWei, err := s.chain.Balance(ctx, record.Address)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeExternalService, err, "查询余额失败")
	}
	feeWei, err := s.chain.SuggestFee(ctx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeExternalService, err, "估算手续费失败")
	}

	balance := chain.FromWei(balanceWei)
	fee := chain.FromWei(feeWei)
	result := &SimulationResult{
		CurrentBalance: balance,
		EstimatedFee:   fee,
		FinalBalance:   balance - amount - fee,
	}
	if amount <= 0 {
		result.Reason = "转账金额必须为正数"
		return result, nil
	}
	if result.FinalBalance < 0 {
		result.Reason = fmt.Sprintf("余额不足：当前 %g，需要 %g（含手续费 %g）", balance, amount+fee, fee)
		return result, nil
	}
	result.Valid = true
	return result, nil
}

// Execute 解出签名私钥、提交转账并等待确认。任何失败都折叠成
// success=false 的结果而不是错误。
func (s *Service) Execute(ctx context.Context, walletID, to string, amount float64) *ExecutionResult {
	params := map[string]any{"to": to, "amount": amount, "simulate_only": false}

	result := s.execute(ctx, walletID, to, amount)
	if err := s.record(ctx, walletID, "execute_transfer", params, map[string]any{
		"success": result.Success,
		"tx_hash": result.TxHash,
		"error":   result.Error,
	}); err != nil {
		result.AuditError = err.Error()
	}
	return result
}

func (s *Service) execute(ctx context.Context, walletID, to string, amount float64) *ExecutionResult {
	if s.chain == nil {
		return &ExecutionResult{Error: "链客户端未配置"}
	}
	key, err := s.wallets.SigningKey(ctx, walletID)
	if err != nil {
		return &ExecutionResult{Error: err.Error()}
	}

	receipt, err := s.chain.SubmitTransfer(ctx, key, to, chain.ToWei(amount))
	if err != nil {
		return &ExecutionResult{Error: err.Error()}
	}
	return &ExecutionResult{Success: true, TxHash: receipt.TxHash}
}

// Transfer 按 simulateOnly 标志分派到模拟或执行路径。模拟请求
// 绝不触达执行路径。
func (s *Service) Transfer(ctx context.Context, walletID, to string, amount float64, simulateOnly bool) (*SimulationResult, *ExecutionResult, error) {
	if simulateOnly {
		sim, err := s.Simulate(ctx, walletID, to, amount)
		return sim, nil, err
	}
	return nil, s.Execute(ctx, walletID, to, amount), nil
}

// Fund 从水龙头账户给钱包打款，用于开发网充值。
func (s *Service) Fund(ctx context.Context, walletID string, amount float64) *ExecutionResult {
	params := map[string]any{"amount": amount}

	result := s.fund(ctx, walletID, amount)
	if err := s.record(ctx, walletID, "airdrop", params, map[string]any{
		"success": result.Success,
		"tx_hash": result.TxHash,
		"error":   result.Error,
	}); err != nil {
		result.AuditError = err.Error()
	}
	return result
}

func (s *Service) fund(ctx context.Context, walletID string, amount float64) *ExecutionResult {
	if s.faucetKey == nil {
		return &ExecutionResult{Error: "水龙头账户未配置"}
	}
	if s.chain == nil {
		return &ExecutionResult{Error: "链客户端未配置"}
	}
	record, err := s.wallets.Get(ctx, walletID)
	if err != nil {
		return &ExecutionResult{Error: err.Error()}
	}

	receipt, err := s.chain.SubmitTransfer(ctx, s.faucetKey, record.Address, chain.ToWei(amount))
	if err != nil {
		return &ExecutionResult{Error: err.Error()}
	}
	return &ExecutionResult{Success: true, TxHash: receipt.TxHash}
}

// record 写入审计记录。账本写入失败不改变已发生的链上事实，
// 错误返回给调用方标记到结果里。
func (s *Service) record(ctx context.Context, walletID, kind string, params, result map[string]any) error {
	if s.ledger == nil {
		return nil
	}
	if _, err := s.ledger.Record(ctx, walletID, kind, params, result); err != nil {
		logger.Named("executor").Error("写入审计记录失败",
			"wallet_id", walletID,
			"kind", kind,
			"error", err,
		)
		return err
	}
	return nil
}

// ParseFaucetKey 从十六进制私钥串解析水龙头账户。
func ParseFaucetKey(raw string) (*ecdsa.PrivateKey, error) {
	if raw == "" {
		return nil, nil
	}
	key, err := gethcrypto.HexToECDSA(strings.TrimPrefix(raw, "0x"))
	if err != nil {
		return nil, fmt.Errorf("解析水龙头私钥失败: %w", err)
	}
	return key, nil
}
