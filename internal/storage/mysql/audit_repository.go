package mysql

import (
	"context"
	"database/sql"
	"encoding/json"

	xerrors "AgentVault-Chain/internal/errors"
)

// sqlAuditRepository 使用 MySQL 维护只追加的审计账本。表上没有任何
// UPDATE 或 DELETE 语句，自增 seq 为同一时间戳的记录提供插入顺序。
type sqlAuditRepository struct {
	db *sql.DB
}

// Append 追加一条审计记录。
func (r *sqlAuditRepository) Append(ctx context.Context, record *AuditRecord) error {
	params, err := json.Marshal(record.Params)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化操作参数失败")
	}
	result, err := json.Marshal(record.Result)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化执行结果失败")
	}

	const stmt = `INSERT INTO audit_logs (id, subject_id, kind, params, result, success, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)`

	res, err := r.db.ExecContext(ctx, stmt,
		record.ID,
		record.SubjectID,
		record.Kind,
		string(params),
		string(result),
		record.Success,
		record.CreatedAt,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入审计记录失败")
	}
	if seq, err := res.LastInsertId(); err == nil {
		record.Seq = seq
	}
	return nil
}

// List 查询审计记录。subjectID 为空时返回全部主体的记录；按时间倒序，
// 同一时间戳按插入顺序倒序。
func (r *sqlAuditRepository) List(ctx context.Context, subjectID string, limit int) ([]*AuditRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT seq, id, subject_id, kind, params, result, success, created_at FROM audit_logs`
	args := []any{}
	if subjectID != "" {
		query += ` WHERE subject_id = ?`
		args = append(args, subjectID)
	}
	query += ` ORDER BY created_at DESC, seq DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询审计记录失败")
	}
	defer rows.Close()

	var records []*AuditRecord
	for rows.Next() {
		record := &AuditRecord{}
		var paramsJSON, resultJSON string
		if err := rows.Scan(&record.Seq, &record.ID, &record.SubjectID, &record.Kind, &paramsJSON, &resultJSON, &record.Success, &record.CreatedAt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析审计记录失败")
		}
		if err := json.Unmarshal([]byte(paramsJSON), &record.Params); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析操作参数失败")
		}
		if err := json.Unmarshal([]byte(resultJSON), &record.Result); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析执行结果失败")
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历审计记录失败")
	}
	return records, nil
}
