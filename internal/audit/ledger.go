package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	xerrors "AgentVault-Chain/internal/errors"
	"AgentVault-Chain/internal/observability/alerting"
	"AgentVault-Chain/internal/storage/mysql"
	"AgentVault-Chain/pkg/logger"

	"github.com/google/uuid"
)

// Ledger 是系统唯一的审计入口。每一次钱包创建、策略变更、智能体
// 决策和链上执行都必须经过 Record 落库，账本只增不改。
type Ledger struct {
	repo      mysql.AuditRepository
	publisher Publisher
	alerts    alerting.Dispatcher
}

// NewLedger 创建审计账本。publisher 可以为 nil，表示不对外广播。
func NewLedger(repo mysql.AuditRepository, publisher Publisher) *Ledger {
	return &Ledger{repo: repo, publisher: publisher}
}

// WithAlerts 配置失败事件的告警分发器，返回账本自身以便链式调用。
func (l *Ledger) WithAlerts(dispatcher alerting.Dispatcher) *Ledger {
	l.alerts = dispatcher
	return l
}

// Record 追加一条审计记录。成功与否由 result 内容推导：包含
// error 字段或 success=false 的结果视为失败。落库失败会向上返回
// 错误，事件流广播失败只记录日志。
func (l *Ledger) Record(ctx context.Context, subjectID, kind string, params, result map[string]any) (*mysql.AuditRecord, error) {
	record := &mysql.AuditRecord{
		ID:        uuid.NewString(),
		SubjectID: subjectID,
		Kind:      kind,
		Params:    params,
		Result:    result,
		Success:   DeriveSuccess(result),
		CreatedAt: time.Now().UTC().Unix(),
	}

	if err := l.repo.Append(ctx, record); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入审计记录失败")
	}

	logger.Trail().Info("audit entry",
		"id", record.ID,
		"subject_id", record.SubjectID,
		"kind", record.Kind,
		"success", record.Success,
	)

	if l.publisher != nil {
		if err := l.publish(ctx, record); err != nil {
			logger.Named("audit").Warn("广播审计事件失败", "id", record.ID, "error", err)
		}
	}

	if !record.Success && l.alerts != nil {
		event := alerting.Event{
			Code:       xerrors.CodeExternalService,
			Message:    failureMessage(result),
			Severity:   xerrors.SeverityWarning,
			WalletID:   subjectID,
			Kind:       kind,
			OccurredAt: time.Unix(record.CreatedAt, 0).UTC(),
		}
		if err := l.alerts.Notify(ctx, event); err != nil {
			logger.Named("audit").Warn("发送告警失败", "id", record.ID, "error", err)
		}
	}
	return record, nil
}

// failureMessage 从结果里提取失败原因，供告警使用。
func failureMessage(result map[string]any) string {
	if result == nil {
		return ""
	}
	if message, ok := result["error"].(string); ok && message != "" {
		return message
	}
	if message, ok := result["reason"].(string); ok {
		return message
	}
	return "操作失败"
}

// Query 按主体过滤查询审计记录，时间倒序。
func (l *Ledger) Query(ctx context.Context, subjectID string, limit int) ([]*mysql.AuditRecord, error) {
	records, err := l.repo.List(ctx, subjectID, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询审计记录失败")
	}
	return records, nil
}

func (l *Ledger) publish(ctx context.Context, record *mysql.AuditRecord) error {
	event, err := json.Marshal(map[string]any{
		"id":         record.ID,
		"subject_id": record.SubjectID,
		"kind":       record.Kind,
		"params":     record.Params,
		"result":     record.Result,
		"success":    record.Success,
		"created_at": record.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("序列化审计事件失败: %w", err)
	}
	return l.publisher.Publish(ctx, event)
}

// DeriveSuccess 从执行结果推导审计记录的成败标记。缺少 success
// 字段一律视为失败。
func DeriveSuccess(result map[string]any) bool {
	if result == nil {
		return false
	}
	if raw, ok := result["error"]; ok {
		if message, isString := raw.(string); !isString || message != "" {
			return false
		}
	}
	raw, ok := result["success"]
	if !ok {
		return false
	}
	success, isBool := raw.(bool)
	return isBool && success
}
