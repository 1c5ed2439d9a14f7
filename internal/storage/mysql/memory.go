package mysql

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// MemoryStore 使用本地 JSON 行文件模拟 MySQL 的效果，方便迭代开发。
// 每个集合一个日志文件：钱包、策略和智能体在重放时取每个主键的最后
// 一条记录，审计日志则严格只追加。
type MemoryStore struct {
	mu      sync.RWMutex
	dataDir string

	wallets  map[string]*WalletRecord
	policies map[string]*PolicyRecord
	agents   map[string]*AgentRecord
	audit    []*AuditRecord
	auditSeq int64
}

type walletEvent struct {
	Deleted bool          `json:"deleted,omitempty"`
	Record  *WalletRecord `json:"record"`
}

// NewMemoryStore 创建一个文件持久化的内存存储。
func NewMemoryStore(dataDir string) (*MemoryStore, error) {
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	store := &MemoryStore{
		dataDir:  dataDir,
		wallets:  make(map[string]*WalletRecord),
		policies: make(map[string]*PolicyRecord),
		agents:   make(map[string]*AgentRecord),
	}
	if err := store.loadFromDisk(); err != nil {
		return nil, err
	}
	return store, nil
}

// Close 实现与 SQL Store 对称的关闭接口。
func (m *MemoryStore) Close() error { return nil }

// Wallets 返回钱包仓库。
func (m *MemoryStore) Wallets() WalletRepository { return (*memoryWalletRepo)(m) }

// Policies 返回策略仓库。
func (m *MemoryStore) Policies() PolicyRepository { return (*memoryPolicyRepo)(m) }

// Agents 返回智能体仓库。
func (m *MemoryStore) Agents() AgentRepository { return (*memoryAgentRepo)(m) }

// Audit 返回审计账本仓库。
func (m *MemoryStore) Audit() AuditRepository { return (*memoryAuditRepo)(m) }

// CreateWalletWithPolicy 先写钱包再写策略。内存驱动没有真正的事务，
// 策略写入失败时做补偿清理，保证读者不会看到没有策略的钱包。
func (m *MemoryStore) CreateWalletWithPolicy(ctx context.Context, wallet *WalletRecord, policy *PolicyRecord) error {
	if err := m.Wallets().Create(ctx, wallet); err != nil {
		return err
	}
	if err := m.Policies().Create(ctx, policy); err != nil {
		_ = m.Wallets().Delete(ctx, wallet.ID)
		return err
	}
	return nil
}

func (m *MemoryStore) loadFromDisk() error {
	if err := replayLog(filepath.Join(m.dataDir, "wallets.log"), func(event walletEvent) {
		if event.Record == nil {
			return
		}
		if event.Deleted {
			delete(m.wallets, event.Record.ID)
			return
		}
		m.wallets[event.Record.ID] = event.Record
	}); err != nil {
		return err
	}
	if err := replayLog(filepath.Join(m.dataDir, "policies.log"), func(record *PolicyRecord) {
		m.policies[record.WalletID] = record
	}); err != nil {
		return err
	}
	if err := replayLog(filepath.Join(m.dataDir, "agents.log"), func(record *AgentRecord) {
		m.agents[record.ID] = record
	}); err != nil {
		return err
	}
	if err := replayLog(filepath.Join(m.dataDir, "audit.log"), func(record *AuditRecord) {
		m.audit = append(m.audit, record)
		if record.Seq > m.auditSeq {
			m.auditSeq = record.Seq
		}
	}); err != nil {
		return err
	}
	return nil
}

func replayLog[T any](path string, apply func(T)) error {
	file, err := os.OpenFile(path, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("读取数据日志失败: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var entry T
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		apply(entry)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("解析数据日志失败: %w", err)
	}
	return nil
}

func appendLog(path string, entry any) error {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("打开数据日志失败: %w", err)
	}
	defer file.Close()

	encoded, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("序列化数据记录失败: %w", err)
	}
	if _, err := file.Write(append(encoded, '\n')); err != nil {
		return fmt.Errorf("写入数据日志失败: %w", err)
	}
	return nil
}

type memoryWalletRepo MemoryStore

func (m *memoryWalletRepo) Create(_ context.Context, record *WalletRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := *record
	if err := appendLog(filepath.Join(m.dataDir, "wallets.log"), walletEvent{Record: &clone}); err != nil {
		return err
	}
	m.wallets[clone.ID] = &clone
	return nil
}

func (m *memoryWalletRepo) Get(_ context.Context, id string) (*WalletRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	record, ok := m.wallets[id]
	if !ok {
		return nil, ErrWalletNotFound
	}
	return sanitizeWallet(record), nil
}

func (m *memoryWalletRepo) List(_ context.Context) ([]*WalletRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	records := make([]*WalletRecord, 0, len(m.wallets))
	for _, record := range m.wallets {
		records = append(records, sanitizeWallet(record))
	}
	sort.Slice(records, func(i, j int) bool { return records[i].CreatedAt > records[j].CreatedAt })
	return records, nil
}

func (m *memoryWalletRepo) KeyMaterial(_ context.Context, id string) (string, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	record, ok := m.wallets[id]
	if !ok {
		return "", "", ErrWalletNotFound
	}
	return record.EncryptedKey, record.KeyMode, nil
}

func (m *memoryWalletRepo) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, ok := m.wallets[id]
	if !ok {
		return ErrWalletNotFound
	}
	if err := appendLog(filepath.Join(m.dataDir, "wallets.log"), walletEvent{Deleted: true, Record: &WalletRecord{ID: record.ID}}); err != nil {
		return err
	}
	delete(m.wallets, id)
	return nil
}

// sanitizeWallet 复制记录并抹掉私钥存储内容。
func sanitizeWallet(record *WalletRecord) *WalletRecord {
	clone := *record
	clone.EncryptedKey = ""
	return &clone
}

type memoryPolicyRepo MemoryStore

func (m *memoryPolicyRepo) Create(_ context.Context, record *PolicyRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := clonePolicy(record)
	if err := appendLog(filepath.Join(m.dataDir, "policies.log"), clone); err != nil {
		return err
	}
	m.policies[clone.WalletID] = clone
	return nil
}

func (m *memoryPolicyRepo) Get(_ context.Context, walletID string) (*PolicyRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	record, ok := m.policies[walletID]
	if !ok {
		return nil, ErrPolicyNotFound
	}
	return clonePolicy(record), nil
}

func (m *memoryPolicyRepo) Update(_ context.Context, walletID string, update PolicyUpdate) (*PolicyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.policies[walletID]
	if !ok {
		return nil, ErrPolicyNotFound
	}

	merged := clonePolicy(current)
	if update.MaxTransactionAmount != nil {
		merged.MaxTransactionAmount = *update.MaxTransactionAmount
	}
	if update.AutoApproveBelow != nil {
		merged.AutoApproveBelow = update.AutoApproveBelow
	}
	if update.MaxDailySpend != nil {
		merged.MaxDailySpend = *update.MaxDailySpend
	}
	if update.AllowedActions != nil {
		merged.AllowedActions = append([]string(nil), update.AllowedActions...)
	}
	if update.RequireSimulation != nil {
		merged.RequireSimulation = *update.RequireSimulation
	}

	if err := appendLog(filepath.Join(m.dataDir, "policies.log"), merged); err != nil {
		return nil, err
	}
	m.policies[walletID] = merged
	return clonePolicy(merged), nil
}

func clonePolicy(record *PolicyRecord) *PolicyRecord {
	clone := *record
	clone.AllowedActions = append([]string(nil), record.AllowedActions...)
	if record.AutoApproveBelow != nil {
		value := *record.AutoApproveBelow
		clone.AutoApproveBelow = &value
	}
	return &clone
}

type memoryAgentRepo MemoryStore

func (m *memoryAgentRepo) Create(_ context.Context, record *AgentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := *record
	if err := appendLog(filepath.Join(m.dataDir, "agents.log"), &clone); err != nil {
		return err
	}
	m.agents[clone.ID] = &clone
	return nil
}

func (m *memoryAgentRepo) Get(_ context.Context, id string) (*AgentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	record, ok := m.agents[id]
	if !ok {
		return nil, ErrAgentNotFound
	}
	clone := *record
	return &clone, nil
}

func (m *memoryAgentRepo) List(_ context.Context) ([]*AgentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	records := make([]*AgentRecord, 0, len(m.agents))
	for _, record := range m.agents {
		clone := *record
		records = append(records, &clone)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].CreatedAt > records[j].CreatedAt })
	return records, nil
}

type memoryAuditRepo MemoryStore

func (m *memoryAuditRepo) Append(_ context.Context, record *AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.auditSeq++
	record.Seq = m.auditSeq
	clone := *record
	if err := appendLog(filepath.Join(m.dataDir, "audit.log"), &clone); err != nil {
		m.auditSeq--
		return err
	}
	m.audit = append(m.audit, &clone)
	return nil
}

func (m *memoryAuditRepo) List(_ context.Context, subjectID string, limit int) ([]*AuditRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}

	matches := make([]*AuditRecord, 0, len(m.audit))
	for _, record := range m.audit {
		if subjectID != "" && record.SubjectID != subjectID {
			continue
		}
		clone := *record
		matches = append(matches, &clone)
	}
	// 时间倒序，同一时间戳按插入顺序倒序。
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].CreatedAt == matches[j].CreatedAt {
			return matches[i].Seq > matches[j].Seq
		}
		return matches[i].CreatedAt > matches[j].CreatedAt
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}
