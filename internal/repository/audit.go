package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"foxlink-dispatch/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AuditRepository 审计日志仓库
// 写入必须与状态变更同一事务；存在性查询是"只通知一次"守卫的依据
type AuditRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewAuditRepository 创建审计日志仓库
func NewAuditRepository(db *sql.DB, logger *zap.Logger) *AuditRepository {
	return &AuditRepository{
		db:     db,
		logger: logger,
	}
}

// Append 追加审计日志（事务内）
func (r *AuditRepository) Append(ctx context.Context, tx *sql.Tx, action, tableName, recordID, actor, description string) (*models.AuditEntry, error) {
	entry := &models.AuditEntry{
		LogID:       uuid.New().String(),
		Action:      action,
		TableName:   tableName,
		RecordID:    recordID,
		Actor:       actor,
		Description: description,
		CreatedAt:   time.Now(),
	}

	query := `
		INSERT INTO audit_log (log_id, action, table_name, record_id, actor, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := tx.ExecContext(ctx, query,
		entry.LogID, entry.Action, entry.TableName, entry.RecordID,
		entry.Actor, entry.Description, entry.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to append audit log: %w", err)
	}
	return entry, nil
}

// ExistsTx 事务内的存在性检查（与写入同一事务，跨进程重启依然有效）
func (r *AuditRepository) ExistsTx(ctx context.Context, tx *sql.Tx, action, recordID string) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM audit_log WHERE action = $1 AND record_id = $2)`

	var exists bool
	if err := tx.QueryRowContext(ctx, query, action, recordID).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check audit existence: %w", err)
	}
	return exists, nil
}

// ExistsSinceTx 事务内限定时间窗口的存在性检查
// 守卫的事件每个窗口都会重新发生时（如工人本班拒单越阈），
// 只有窗口起点之后的审计项才算数
func (r *AuditRepository) ExistsSinceTx(ctx context.Context, tx *sql.Tx, action, recordID string, since time.Time) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM audit_log
			WHERE action = $1 AND record_id = $2 AND created_at >= $3)`

	var exists bool
	if err := tx.QueryRowContext(ctx, query, action, recordID, since).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check audit existence: %w", err)
	}
	return exists, nil
}

// ExistsWithDescriptionTx 事务内带描述的存在性检查（超时金字塔按阈值区分）
func (r *AuditRepository) ExistsWithDescriptionTx(ctx context.Context, tx *sql.Tx, action, recordID, description string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM audit_log
			WHERE action = $1 AND record_id = $2 AND description = $3)`

	var exists bool
	if err := tx.QueryRowContext(ctx, query, action, recordID, description).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check audit existence: %w", err)
	}
	return exists, nil
}
