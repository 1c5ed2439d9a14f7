package reasoner

import "context"

// Request 描述一次需要大模型评估的资金操作上下文。
type Request struct {
	Session     string
	AgentName   string
	ActionKind  string
	Amount      float64
	Destination string
	Policy      PolicySummary
}

// PolicySummary 是提供给大模型的策略快照摘要。
type PolicySummary struct {
	MaxTransactionAmount float64
	AutoApproveBelow     float64
	RequireSimulation    bool
}

// Verdict 是大模型给出的结构化裁决。任何解析失败都会以错误形式
// 返回，调用方必须将错误当作拒绝处理。
type Verdict struct {
	Approved  bool
	Reason    string
	RiskLevel string
}

// Client 定义了调用推理引擎的统一接口。
type Client interface {
	Evaluate(ctx context.Context, req Request) (*Verdict, error)
}
