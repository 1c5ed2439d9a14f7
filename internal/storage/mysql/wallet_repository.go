package mysql

import (
	"context"
	"database/sql"
	stdErrors "errors"

	xerrors "AgentVault-Chain/internal/errors"
)

// sqlWalletRepository 使用 MySQL 存储钱包记录。
type sqlWalletRepository struct {
	db *sql.DB
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertWallet(ctx context.Context, db execer, record *WalletRecord) error {
	const stmt = `INSERT INTO wallets (id, name, address, encrypted_key, key_mode, created_at)
        VALUES (?, ?, ?, ?, ?, ?)`

	if _, err := db.ExecContext(ctx, stmt,
		record.ID,
		record.Name,
		record.Address,
		record.EncryptedKey,
		record.KeyMode,
		record.CreatedAt,
	); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入钱包记录失败")
	}
	return nil
}

// Create 写入一条新的钱包记录。
func (r *sqlWalletRepository) Create(ctx context.Context, record *WalletRecord) error {
	return insertWallet(ctx, r.db, record)
}

// Get 返回指定钱包，私钥存储内容被投影排除。
func (r *sqlWalletRepository) Get(ctx context.Context, id string) (*WalletRecord, error) {
	const query = `SELECT id, name, address, key_mode, created_at FROM wallets WHERE id = ?`

	record := &WalletRecord{}
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&record.ID, &record.Name, &record.Address, &record.KeyMode, &record.CreatedAt,
	)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询钱包失败")
	}
	return record, nil
}

// List 返回全部钱包，按创建时间倒序，私钥存储内容被投影排除。
func (r *sqlWalletRepository) List(ctx context.Context) ([]*WalletRecord, error) {
	const query = `SELECT id, name, address, key_mode, created_at FROM wallets ORDER BY created_at DESC`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询钱包列表失败")
	}
	defer rows.Close()

	var records []*WalletRecord
	for rows.Next() {
		record := &WalletRecord{}
		if err := rows.Scan(&record.ID, &record.Name, &record.Address, &record.KeyMode, &record.CreatedAt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析钱包记录失败")
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历钱包记录失败")
	}
	return records, nil
}

// KeyMaterial 是唯一返回私钥存储内容的读取路径，供签名前解密使用。
func (r *sqlWalletRepository) KeyMaterial(ctx context.Context, id string) (string, string, error) {
	const query = `SELECT encrypted_key, key_mode FROM wallets WHERE id = ?`

	var stored, mode string
	err := r.db.QueryRowContext(ctx, query, id).Scan(&stored, &mode)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return "", "", ErrWalletNotFound
	}
	if err != nil {
		return "", "", xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询私钥存储内容失败")
	}
	return stored, mode, nil
}

// Delete 删除钱包记录，仅用于创建失败时的补偿清理。
func (r *sqlWalletRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM wallets WHERE id = ?`, id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除钱包记录失败")
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return ErrWalletNotFound
	}
	return nil
}
