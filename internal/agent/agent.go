package agent

import (
	"context"
	"strings"
	"time"

	"AgentVault-Chain/internal/audit"
	xerrors "AgentVault-Chain/internal/errors"
	"AgentVault-Chain/internal/executor"
	"AgentVault-Chain/internal/reasoner"
	"AgentVault-Chain/internal/storage/mysql"
	"AgentVault-Chain/pkg/logger"

	"github.com/google/uuid"
)

// StatusActive 是智能体创建后的初始状态。
const StatusActive = "active"

// defaultAgentPolicy 在创建时未提供策略快照的情况下生效。
var defaultAgentPolicy = mysql.AgentPolicy{
	MaxTransactionAmount: 0.5,
	AutoApproveBelow:     0.1,
	RequireSimulation:    true,
}

// TransferExecutor 是决策引擎对执行器的最小依赖，自动执行批准的
// 转账时使用。
type TransferExecutor interface {
	Execute(ctx context.Context, walletID, to string, amount float64) *executor.ExecutionResult
}

// Service 管理智能体并驱动其决策流程。
type Service struct {
	backend  mysql.Backend
	ledger   *audit.Ledger
	reasoner reasoner.Client
	executor TransferExecutor
}

// NewService 构造智能体服务。reasoner 为 nil 时无法创建委托推理
// 智能体；executor 为 nil 时批准的操作不会自动执行。
func NewService(backend mysql.Backend, ledger *audit.Ledger, reasonerClient reasoner.Client, transferExecutor TransferExecutor) *Service {
	return &Service{
		backend:  backend,
		ledger:   ledger,
		reasoner: reasonerClient,
		executor: transferExecutor,
	}
}

// Create 注册一个新的智能体。绑定的钱包必须已经存在，策略在创建时
// 即完成一次构造验证，避免执行期才发现配置错误。
func (s *Service) Create(ctx context.Context, name, strategy, walletID string, policy mysql.AgentPolicy) (*mysql.AgentRecord, error) {
	if s.backend == nil || s.ledger == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "智能体服务未初始化")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "智能体名称不能为空")
	}
	if _, err := s.backend.Wallets().Get(ctx, walletID); err != nil {
		return nil, err
	}
	if policy == (mysql.AgentPolicy{}) {
		policy = defaultAgentPolicy
	}

	record := &mysql.AgentRecord{
		ID:        uuid.NewString(),
		Name:      name,
		Strategy:  strings.TrimSpace(strategy),
		WalletID:  walletID,
		Policy:    policy,
		Status:    StatusActive,
		CreatedAt: time.Now().UTC().Unix(),
	}
	if _, err := NewStrategy(record, s.reasoner); err != nil {
		return nil, err
	}

	if err := s.backend.Agents().Create(ctx, record); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建智能体失败")
	}

	if _, err := s.ledger.Record(ctx, record.ID, "agent_created",
		map[string]any{"name": name, "strategy": record.Strategy, "wallet_id": walletID},
		map[string]any{"success": true},
	); err != nil {
		return nil, err
	}

	logger.Named("agent").Info("智能体创建成功",
		"agent_id", record.ID,
		"strategy", record.Strategy,
		"wallet_id", walletID,
	)
	return record, nil
}

// Get 返回指定智能体。
func (s *Service) Get(ctx context.Context, id string) (*mysql.AgentRecord, error) {
	return s.backend.Agents().Get(ctx, id)
}

// List 返回全部智能体。
func (s *Service) List(ctx context.Context) ([]*mysql.AgentRecord, error) {
	return s.backend.Agents().List(ctx)
}

// ExecuteAction 让智能体评估一次资金操作。无论批准与否，裁决连同
// 输入都会先写入审计账本，之后才返回给调用方；批准且命中自动执行
// 阈值的转账会立即交给执行器。
func (s *Service) ExecuteAction(ctx context.Context, agentID string, action Action) (*Decision, error) {
	record, err := s.backend.Agents().Get(ctx, agentID)
	if err != nil {
		return nil, err
	}

	strategy, err := NewStrategy(record, s.reasoner)
	if err != nil {
		return nil, err
	}

	decision := strategy.Evaluate(ctx, action)

	if _, err := s.ledger.Record(ctx, record.ID, "agent_decision",
		map[string]any{
			"action_kind": action.Kind,
			"amount":      action.Amount,
			"destination": action.Destination,
		},
		map[string]any{
			"success":       decision.Approved,
			"reason":        decision.Reason,
			"risk_level":    decision.RiskLevel,
			"auto_execute":  decision.AutoExecute,
			"decision_kind": decision.Kind,
		},
	); err != nil {
		return nil, err
	}

	if decision.Approved && decision.AutoExecute && action.Kind == "transfer" && s.executor != nil {
		decision.Execution = s.executor.Execute(ctx, record.WalletID, action.Destination, action.Amount)
	}
	return &decision, nil
}
