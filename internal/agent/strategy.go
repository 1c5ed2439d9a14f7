package agent

import (
	"context"
	"fmt"

	xerrors "AgentVault-Chain/internal/errors"
	"AgentVault-Chain/internal/executor"
	"AgentVault-Chain/internal/reasoner"
	"AgentVault-Chain/internal/storage/mysql"
)

// 支持的决策策略。
const (
	StrategyRuleBased = "rule-based"
	StrategyDelegated = "delegated-reasoning"
)

// Action 描述智能体请求执行的一次资金操作。
type Action struct {
	Kind        string
	Amount      float64
	Destination string
}

// Decision 是决策引擎给出的裁决。拒绝是正常的裁决结果，不是错误。
type Decision struct {
	Approved    bool                      `json:"approved"`
	Reason      string                    `json:"reason,omitempty"`
	RiskLevel   string                    `json:"risk_level,omitempty"`
	AutoExecute bool                      `json:"auto_execute"`
	Kind        string                    `json:"decision_kind"`
	Execution   *executor.ExecutionResult `json:"execution,omitempty"`
}

// Strategy 在智能体构造时绑定一次，之后所有裁决走同一契约。
type Strategy interface {
	Evaluate(ctx context.Context, action Action) Decision
}

// NewStrategy 根据智能体记录构造对应的策略实现。
func NewStrategy(record *mysql.AgentRecord, client reasoner.Client) (Strategy, error) {
	switch record.Strategy {
	case StrategyRuleBased:
		return ruleBased{snapshot: record.Policy}, nil
	case StrategyDelegated:
		if client == nil {
			return nil, xerrors.New(xerrors.CodeInitializationFailure, "委托推理策略需要配置推理引擎")
		}
		return &delegated{
			client:    client,
			session:   "agent-" + record.ID,
			agentName: record.Name,
			snapshot:  record.Policy,
		}, nil
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("不支持的决策策略: %s", record.Strategy))
	}
}

// spendingAction 判断操作是否受金额阈值约束。
func spendingAction(kind string) bool {
	return kind == "transfer" || kind == "swap"
}

// ruleBased 是策略快照上的纯函数，相同输入永远得到相同裁决。
type ruleBased struct {
	snapshot mysql.AgentPolicy
}

func (r ruleBased) Evaluate(_ context.Context, action Action) Decision {
	decision := Decision{Kind: StrategyRuleBased}

	// 未知操作类型无条件放行是刻意保留的宽松默认值，收紧它需要
	// 产品层面的决定。
	if !spendingAction(action.Kind) {
		decision.Approved = true
		decision.Reason = fmt.Sprintf("操作类型 %s 不受金额策略约束", action.Kind)
		return decision
	}

	if action.Amount > r.snapshot.MaxTransactionAmount {
		decision.Reason = fmt.Sprintf("金额 %g 超出单笔上限 %g",
			action.Amount, r.snapshot.MaxTransactionAmount)
		return decision
	}

	decision.Approved = true
	decision.Reason = fmt.Sprintf("金额 %g 在单笔上限 %g 以内",
		action.Amount, r.snapshot.MaxTransactionAmount)
	decision.AutoExecute = r.snapshot.AutoApproveBelow > 0 && action.Amount <= r.snapshot.AutoApproveBelow
	return decision
}

// delegated 把裁决委托给外部推理引擎。推理引擎的任何故障——网络
// 错误、超时、输出不可解析——都折叠成拒绝，绝不因故障放行。
type delegated struct {
	client    reasoner.Client
	session   string
	agentName string
	snapshot  mysql.AgentPolicy
}

func (d *delegated) Evaluate(ctx context.Context, action Action) Decision {
	verdict, err := d.client.Evaluate(ctx, reasoner.Request{
		Session:     d.session,
		AgentName:   d.agentName,
		ActionKind:  action.Kind,
		Amount:      action.Amount,
		Destination: action.Destination,
		Policy: reasoner.PolicySummary{
			MaxTransactionAmount: d.snapshot.MaxTransactionAmount,
			AutoApproveBelow:     d.snapshot.AutoApproveBelow,
			RequireSimulation:    d.snapshot.RequireSimulation,
		},
	})
	if err != nil {
		return Decision{
			Kind:      StrategyDelegated,
			RiskLevel: "high",
			Reason:    fmt.Sprintf("推理引擎不可用，默认拒绝: %v", err),
		}
	}

	decision := Decision{
		Kind:      StrategyDelegated,
		Approved:  verdict.Approved,
		Reason:    verdict.Reason,
		RiskLevel: verdict.RiskLevel,
	}
	if decision.Approved && spendingAction(action.Kind) {
		decision.AutoExecute = d.snapshot.AutoApproveBelow > 0 && action.Amount <= d.snapshot.AutoApproveBelow
	}
	return decision
}
