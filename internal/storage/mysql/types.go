package mysql

import (
	"context"

	xerrors "AgentVault-Chain/internal/errors"
)

// 储存层相关错误码。
const (
	CodeWalletNotFound xerrors.Code = "WALLET_NOT_FOUND"
	CodePolicyNotFound xerrors.Code = "POLICY_NOT_FOUND"
	CodeAgentNotFound  xerrors.Code = "AGENT_NOT_FOUND"
)

func init() {
	xerrors.Register(CodeWalletNotFound, xerrors.Attributes{
		Message:  "wallet not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodePolicyNotFound, xerrors.Attributes{
		Message:  "policy not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeAgentNotFound, xerrors.Attributes{
		Message:  "agent not found",
		Severity: xerrors.SeverityInfo,
	})
}

var (
	// ErrWalletNotFound 表示指定的钱包不存在。
	ErrWalletNotFound = xerrors.New(CodeWalletNotFound, "")
	// ErrPolicyNotFound 表示钱包没有对应的策略记录。
	ErrPolicyNotFound = xerrors.New(CodePolicyNotFound, "")
	// ErrAgentNotFound 表示指定的智能体不存在。
	ErrAgentNotFound = xerrors.New(CodeAgentNotFound, "")
)

// WalletRecord 表示一个托管钱包的落库结构。EncryptedKey 只会出现在
// KeyMaterial 读取路径上，普通读取一律返回空字符串。
type WalletRecord struct {
	ID           string
	Name         string
	Address      string
	EncryptedKey string
	KeyMode      string
	CreatedAt    int64
}

// PolicyRecord 表示与钱包一一对应的消费策略。
// MaxDailySpend 目前只存储、不参与任何聚合校验。
type PolicyRecord struct {
	WalletID             string
	MaxTransactionAmount float64
	AutoApproveBelow     *float64
	MaxDailySpend        float64
	AllowedActions       []string
	RequireSimulation    bool
	CreatedAt            int64
}

// PolicyUpdate 描述一次部分更新。nil 字段保持原值不变。
type PolicyUpdate struct {
	MaxTransactionAmount *float64
	AutoApproveBelow     *float64
	MaxDailySpend        *float64
	AllowedActions       []string
	RequireSimulation    *bool
}

// AgentPolicy 是智能体创建时固化的策略快照，可能与钱包的实时策略不同。
type AgentPolicy struct {
	MaxTransactionAmount float64 `json:"max_transaction_amount"`
	AutoApproveBelow     float64 `json:"auto_approve_below"`
	RequireSimulation    bool    `json:"require_simulation"`
}

// AgentRecord 表示一个绑定了钱包的自治智能体。
type AgentRecord struct {
	ID        string
	Name      string
	Strategy  string
	WalletID  string
	Policy    AgentPolicy
	Status    string
	CreatedAt int64
}

// AuditRecord 是审计账本中的一条不可变记录。
type AuditRecord struct {
	ID        string
	SubjectID string
	Kind      string
	Params    map[string]any
	Result    map[string]any
	Success   bool
	CreatedAt int64
	Seq       int64
}

// Backend 是存储驱动的统一入口，MySQL 与内存实现都满足此接口。
type Backend interface {
	Wallets() WalletRepository
	Policies() PolicyRepository
	Agents() AgentRepository
	Audit() AuditRepository
	// CreateWalletWithPolicy 保证钱包与默认策略要么同时可见，要么都不可见。
	CreateWalletWithPolicy(ctx context.Context, wallet *WalletRecord, policy *PolicyRecord) error
	Close() error
}

// WalletRepository 抽象钱包数据的持久化接口。Get 和 List 永远不返回
// 私钥存储内容，KeyMaterial 是唯一的签名用读取路径。
type WalletRepository interface {
	Create(ctx context.Context, record *WalletRecord) error
	Get(ctx context.Context, id string) (*WalletRecord, error)
	List(ctx context.Context) ([]*WalletRecord, error)
	KeyMaterial(ctx context.Context, id string) (stored string, mode string, err error)
	// Delete 仅用于钱包创建失败时的补偿清理，正常生命周期内不会调用。
	Delete(ctx context.Context, id string) error
}

// PolicyRepository 抽象策略数据的持久化接口。策略只能通过 Update
// 做部分合并更新，不存在删除操作。
type PolicyRepository interface {
	Create(ctx context.Context, record *PolicyRecord) error
	Get(ctx context.Context, walletID string) (*PolicyRecord, error)
	Update(ctx context.Context, walletID string, update PolicyUpdate) (*PolicyRecord, error)
}

// AgentRepository 抽象智能体数据的持久化接口。
type AgentRepository interface {
	Create(ctx context.Context, record *AgentRecord) error
	Get(ctx context.Context, id string) (*AgentRecord, error)
	List(ctx context.Context) ([]*AgentRecord, error)
}

// AuditRepository 抽象审计账本的持久化接口。只有追加和查询，任何
// 实现都不得提供修改或删除能力。
type AuditRepository interface {
	Append(ctx context.Context, record *AuditRecord) error
	List(ctx context.Context, subjectID string, limit int) ([]*AuditRecord, error)
}
