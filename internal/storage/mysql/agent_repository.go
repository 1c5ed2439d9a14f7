package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"

	xerrors "AgentVault-Chain/internal/errors"
)

// sqlAgentRepository 使用 MySQL 存储智能体记录。
type sqlAgentRepository struct {
	db *sql.DB
}

// Create 写入一条新的智能体记录，策略快照以 JSON 形式落库。
func (r *sqlAgentRepository) Create(ctx context.Context, record *AgentRecord) error {
	policy, err := json.Marshal(record.Policy)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化策略快照失败")
	}

	const stmt = `INSERT INTO agents (id, name, strategy, wallet_id, policy, status, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)`

	if _, err := r.db.ExecContext(ctx, stmt,
		record.ID,
		record.Name,
		record.Strategy,
		record.WalletID,
		string(policy),
		record.Status,
		record.CreatedAt,
	); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入智能体记录失败")
	}
	return nil
}

// Get 返回指定智能体。
func (r *sqlAgentRepository) Get(ctx context.Context, id string) (*AgentRecord, error) {
	const query = `SELECT id, name, strategy, wallet_id, policy, status, created_at FROM agents WHERE id = ?`

	record := &AgentRecord{}
	var policyJSON string
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&record.ID, &record.Name, &record.Strategy, &record.WalletID, &policyJSON, &record.Status, &record.CreatedAt,
	)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询智能体失败")
	}
	if err := json.Unmarshal([]byte(policyJSON), &record.Policy); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析策略快照失败")
	}
	return record, nil
}

// List 返回全部智能体，按创建时间倒序。
func (r *sqlAgentRepository) List(ctx context.Context) ([]*AgentRecord, error) {
	const query = `SELECT id, name, strategy, wallet_id, policy, status, created_at FROM agents ORDER BY created_at DESC`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询智能体列表失败")
	}
	defer rows.Close()

	var records []*AgentRecord
	for rows.Next() {
		record := &AgentRecord{}
		var policyJSON string
		if err := rows.Scan(&record.ID, &record.Name, &record.Strategy, &record.WalletID, &policyJSON, &record.Status, &record.CreatedAt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析智能体记录失败")
		}
		if err := json.Unmarshal([]byte(policyJSON), &record.Policy); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析策略快照失败")
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历智能体记录失败")
	}
	return records, nil
}
