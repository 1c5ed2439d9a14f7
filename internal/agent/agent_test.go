package agent

import (
	"context"
	"errors"
	"testing"

	"AgentVault-Chain/internal/audit"
	"AgentVault-Chain/internal/executor"
	"AgentVault-Chain/internal/storage/mysql"
)

// memBackend 是智能体服务测试用的内存后端。
type memBackend struct {
	wallets map[string]*mysql.WalletRecord
	agents  map[string]*mysql.AgentRecord
	audit   []*mysql.AuditRecord
}

func newMemBackend() *memBackend {
	return &memBackend{
		wallets: make(map[string]*mysql.WalletRecord),
		agents:  make(map[string]*mysql.AgentRecord),
	}
}

func (m *memBackend) Wallets() mysql.WalletRepository  { return (*memWalletRepo)(m) }
func (m *memBackend) Policies() mysql.PolicyRepository { return nil }
func (m *memBackend) Agents() mysql.AgentRepository    { return (*memAgentRepo)(m) }
func (m *memBackend) Audit() mysql.AuditRepository     { return (*memAuditRepo)(m) }
func (m *memBackend) Close() error                     { return nil }
func (m *memBackend) CreateWalletWithPolicy(context.Context, *mysql.WalletRecord, *mysql.PolicyRecord) error {
	return errors.New("not used")
}

type memWalletRepo memBackend

func (m *memWalletRepo) Create(_ context.Context, record *mysql.WalletRecord) error {
	m.wallets[record.ID] = record
	return nil
}

func (m *memWalletRepo) Get(_ context.Context, id string) (*mysql.WalletRecord, error) {
	record, ok := m.wallets[id]
	if !ok {
		return nil, mysql.ErrWalletNotFound
	}
	return record, nil
}

func (m *memWalletRepo) List(context.Context) ([]*mysql.WalletRecord, error) { return nil, nil }
func (m *memWalletRepo) KeyMaterial(context.Context, string) (string, string, error) {
	return "", "", mysql.ErrWalletNotFound
}
func (m *memWalletRepo) Delete(context.Context, string) error { return nil }

type memAgentRepo memBackend

func (m *memAgentRepo) Create(_ context.Context, record *mysql.AgentRecord) error {
	m.agents[record.ID] = record
	return nil
}

func (m *memAgentRepo) Get(_ context.Context, id string) (*mysql.AgentRecord, error) {
	record, ok := m.agents[id]
	if !ok {
		return nil, mysql.ErrAgentNotFound
	}
	return record, nil
}

func (m *memAgentRepo) List(context.Context) ([]*mysql.AgentRecord, error) {
	out := make([]*mysql.AgentRecord, 0, len(m.agents))
	for _, record := range m.agents {
		out = append(out, record)
	}
	return out, nil
}

type memAuditRepo memBackend

func (m *memAuditRepo) Append(_ context.Context, record *mysql.AuditRecord) error {
	record.Seq = int64(len(m.audit) + 1)
	m.audit = append(m.audit, record)
	return nil
}

func (m *memAuditRepo) List(context.Context, string, int) ([]*mysql.AuditRecord, error) {
	return m.audit, nil
}

type recordingExecutor struct {
	calls  int
	result *executor.ExecutionResult
}

func (r *recordingExecutor) Execute(context.Context, string, string, float64) *executor.ExecutionResult {
	r.calls++
	return r.result
}

func seedWallet(backend *memBackend) string {
	backend.wallets["w1"] = &mysql.WalletRecord{ID: "w1", Name: "treasury", Address: "0x1"}
	return "w1"
}

func TestCreateRequiresExistingWallet(t *testing.T) {
	backend := newMemBackend()
	service := NewService(backend, audit.NewLedger(backend.Audit(), nil), nil, nil)

	_, err := service.Create(context.Background(), "bot", StrategyRuleBased, "missing", mysql.AgentPolicy{})
	if !errors.Is(err, mysql.ErrWalletNotFound) {
		t.Fatalf("expected ErrWalletNotFound, got %v", err)
	}
}

func TestCreateValidatesStrategyUpfront(t *testing.T) {
	backend := newMemBackend()
	walletID := seedWallet(backend)
	service := NewService(backend, audit.NewLedger(backend.Audit(), nil), nil, nil)
	ctx := context.Background()

	if _, err := service.Create(ctx, "bot", "voting", walletID, mysql.AgentPolicy{}); err == nil {
		t.Fatal("expected error for unknown strategy")
	}
	if _, err := service.Create(ctx, "bot", StrategyDelegated, walletID, mysql.AgentPolicy{}); err == nil {
		t.Fatal("expected error for delegated strategy without reasoner")
	}
	if len(backend.agents) != 0 {
		t.Fatalf("expected no agents persisted, got %d", len(backend.agents))
	}

	record, err := service.Create(ctx, "bot", StrategyRuleBased, walletID, mysql.AgentPolicy{MaxTransactionAmount: 1})
	if err != nil {
		t.Fatalf("create agent: %v", err)
	}
	if record.Status != StatusActive || record.WalletID != walletID {
		t.Fatalf("unexpected agent record: %+v", record)
	}
	if len(backend.audit) != 1 || backend.audit[0].Kind != "agent_created" {
		t.Fatalf("expected agent_created audit record, got %+v", backend.audit)
	}
	if !backend.audit[0].Success {
		t.Fatal("agent_created audit record must mark success")
	}
}

func TestCreateAppliesDefaultPolicyWhenAbsent(t *testing.T) {
	backend := newMemBackend()
	walletID := seedWallet(backend)
	service := NewService(backend, audit.NewLedger(backend.Audit(), nil), nil, nil)
	ctx := context.Background()

	record, err := service.Create(ctx, "bot", StrategyRuleBased, walletID, mysql.AgentPolicy{})
	if err != nil {
		t.Fatalf("create agent: %v", err)
	}
	if record.Policy.MaxTransactionAmount != 0.5 || record.Policy.AutoApproveBelow != 0.1 || !record.Policy.RequireSimulation {
		t.Fatalf("expected default policy snapshot, got %+v", record.Policy)
	}

	decision, err := service.ExecuteAction(ctx, record.ID, Action{Kind: "transfer", Amount: 0.3, Destination: "0x2"})
	if err != nil {
		t.Fatalf("execute action: %v", err)
	}
	if !decision.Approved {
		t.Fatalf("transfer under default ceiling must be approved: %+v", decision)
	}

	custom, err := service.Create(ctx, "bot2", StrategyRuleBased, walletID, mysql.AgentPolicy{MaxTransactionAmount: 2})
	if err != nil {
		t.Fatalf("create agent with policy: %v", err)
	}
	if custom.Policy.MaxTransactionAmount != 2 || custom.Policy.AutoApproveBelow != 0 {
		t.Fatalf("supplied policy must be stored as-is, got %+v", custom.Policy)
	}
}

func TestExecuteActionScenario(t *testing.T) {
	backend := newMemBackend()
	walletID := seedWallet(backend)
	exec := &recordingExecutor{result: &executor.ExecutionResult{Success: true, TxHash: "0xfeed"}}
	service := NewService(backend, audit.NewLedger(backend.Audit(), nil), nil, exec)
	ctx := context.Background()

	record, err := service.Create(ctx, "spender", StrategyRuleBased, walletID,
		mysql.AgentPolicy{MaxTransactionAmount: 0.5, AutoApproveBelow: 0.1})
	if err != nil {
		t.Fatalf("create agent: %v", err)
	}

	small, err := service.ExecuteAction(ctx, record.ID, Action{Kind: "transfer", Amount: 0.05, Destination: "0xdead"})
	if err != nil {
		t.Fatalf("execute action: %v", err)
	}
	if !small.Approved || !small.AutoExecute {
		t.Fatalf("expected auto-executed approval, got %+v", small)
	}
	if small.Execution == nil || !small.Execution.Success {
		t.Fatalf("expected execution result attached, got %+v", small.Execution)
	}
	if exec.calls != 1 {
		t.Fatalf("expected 1 executor call, got %d", exec.calls)
	}

	over, err := service.ExecuteAction(ctx, record.ID, Action{Kind: "transfer", Amount: 0.6, Destination: "0xdead"})
	if err != nil {
		t.Fatalf("execute action: %v", err)
	}
	if over.Approved || over.Execution != nil {
		t.Fatalf("expected plain rejection, got %+v", over)
	}
	if exec.calls != 1 {
		t.Fatalf("rejected decision must not reach executor, got %d calls", exec.calls)
	}
}

func TestExecuteActionAuditCompleteness(t *testing.T) {
	backend := newMemBackend()
	walletID := seedWallet(backend)
	service := NewService(backend, audit.NewLedger(backend.Audit(), nil), nil, nil)
	ctx := context.Background()

	record, err := service.Create(ctx, "auditor", StrategyRuleBased, walletID,
		mysql.AgentPolicy{MaxTransactionAmount: 0.5})
	if err != nil {
		t.Fatalf("create agent: %v", err)
	}
	baseline := len(backend.audit)

	actions := []Action{
		{Kind: "transfer", Amount: 0.1},
		{Kind: "transfer", Amount: 9},
		{Kind: "ping"},
	}
	for _, action := range actions {
		if _, err := service.ExecuteAction(ctx, record.ID, action); err != nil {
			t.Fatalf("execute action %+v: %v", action, err)
		}
	}

	decisions := backend.audit[baseline:]
	if len(decisions) != len(actions) {
		t.Fatalf("expected %d decision records, got %d", len(actions), len(decisions))
	}
	for _, entry := range decisions {
		if entry.Kind != "agent_decision" || entry.SubjectID != record.ID {
			t.Fatalf("unexpected audit entry: %+v", entry)
		}
	}
	// 第二条是拒绝，审计标记必须是失败。
	if decisions[1].Success {
		t.Fatalf("rejected decision must be recorded as unsuccessful: %+v", decisions[1])
	}
}

func TestExecuteActionUnknownAgent(t *testing.T) {
	backend := newMemBackend()
	service := NewService(backend, audit.NewLedger(backend.Audit(), nil), nil, nil)

	if _, err := service.ExecuteAction(context.Background(), "ghost", Action{Kind: "transfer"}); !errors.Is(err, mysql.ErrAgentNotFound) {
		t.Fatalf("expected ErrAgentNotFound, got %v", err)
	}
}
