package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"

	xerrors "AgentVault-Chain/internal/errors"
)

// sqlPolicyRepository 使用 MySQL 存储钱包策略。
type sqlPolicyRepository struct {
	db *sql.DB
}

func insertPolicy(ctx context.Context, db execer, record *PolicyRecord) error {
	actions, err := json.Marshal(record.AllowedActions)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化允许操作列表失败")
	}

	const stmt = `INSERT INTO policies
        (wallet_id, max_transaction_amount, auto_approve_below, max_daily_spend, allowed_actions, require_simulation, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)`

	if _, err := db.ExecContext(ctx, stmt,
		record.WalletID,
		record.MaxTransactionAmount,
		record.AutoApproveBelow,
		record.MaxDailySpend,
		string(actions),
		record.RequireSimulation,
		record.CreatedAt,
	); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入策略记录失败")
	}
	return nil
}

// Create 写入一条新策略。
func (r *sqlPolicyRepository) Create(ctx context.Context, record *PolicyRecord) error {
	return insertPolicy(ctx, r.db, record)
}

// Get 返回指定钱包的策略。
func (r *sqlPolicyRepository) Get(ctx context.Context, walletID string) (*PolicyRecord, error) {
	const query = `SELECT wallet_id, max_transaction_amount, auto_approve_below, max_daily_spend, allowed_actions, require_simulation, created_at
        FROM policies WHERE wallet_id = ?`

	record := &PolicyRecord{}
	var actionsJSON string
	var autoApprove sql.NullFloat64
	err := r.db.QueryRowContext(ctx, query, walletID).Scan(
		&record.WalletID,
		&record.MaxTransactionAmount,
		&autoApprove,
		&record.MaxDailySpend,
		&actionsJSON,
		&record.RequireSimulation,
		&record.CreatedAt,
	)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, ErrPolicyNotFound
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询策略失败")
	}
	if autoApprove.Valid {
		value := autoApprove.Float64
		record.AutoApproveBelow = &value
	}
	if err := json.Unmarshal([]byte(actionsJSON), &record.AllowedActions); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析允许操作列表失败")
	}
	return record, nil
}

// Update 对策略做部分合并更新，未提供的字段保持不变，返回更新后的
// 完整策略。
func (r *sqlPolicyRepository) Update(ctx context.Context, walletID string, update PolicyUpdate) (*PolicyRecord, error) {
	current, err := r.Get(ctx, walletID)
	if err != nil {
		return nil, err
	}

	if update.MaxTransactionAmount != nil {
		current.MaxTransactionAmount = *update.MaxTransactionAmount
	}
	if update.AutoApproveBelow != nil {
		current.AutoApproveBelow = update.AutoApproveBelow
	}
	if update.MaxDailySpend != nil {
		current.MaxDailySpend = *update.MaxDailySpend
	}
	if update.AllowedActions != nil {
		current.AllowedActions = update.AllowedActions
	}
	if update.RequireSimulation != nil {
		current.RequireSimulation = *update.RequireSimulation
	}

	actions, err := json.Marshal(current.AllowedActions)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化允许操作列表失败")
	}

	const stmt = `UPDATE policies SET max_transaction_amount = ?, auto_approve_below = ?, max_daily_spend = ?, allowed_actions = ?, require_simulation = ?
        WHERE wallet_id = ?`

	if _, err := r.db.ExecContext(ctx, stmt,
		current.MaxTransactionAmount,
		current.AutoApproveBelow,
		current.MaxDailySpend,
		string(actions),
		current.RequireSimulation,
		walletID,
	); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新策略失败")
	}
	return current, nil
}
