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

// MissionEventRepository 任务故障事件仓库
type MissionEventRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewMissionEventRepository 创建任务故障事件仓库
func NewMissionEventRepository(db *sql.DB, logger *zap.Logger) *MissionEventRepository {
	return &MissionEventRepository{
		db:     db,
		logger: logger,
	}
}

const missionEventColumns = `
	event_id, mission_id, ext_event_id, ext_host, ext_table,
	category, message, begin_at, end_at`

func scanMissionEvent(row interface{ Scan(...any) error }) (*models.MissionEvent, error) {
	var e models.MissionEvent
	if err := row.Scan(
		&e.EventID, &e.MissionID, &e.ExtEventID, &e.ExtHost, &e.ExtTable,
		&e.Category, &e.Message, &e.BeginAt, &e.EndAt,
	); err != nil {
		return nil, err
	}
	return &e, nil
}

// CreateEvent 创建事件（摄取阶段）
// 依赖 (ext_event_id, ext_host, ext_table) 唯一索引去重：
// 冲突时静默跳过，返回 false
func (r *MissionEventRepository) CreateEvent(ctx context.Context, tx *sql.Tx, e *models.MissionEvent) (bool, error) {
	if e.EventID == "" {
		e.EventID = uuid.New().String()
	}

	query := `
		INSERT INTO mission_events (
			event_id, mission_id, ext_event_id, ext_host, ext_table,
			category, message, begin_at, end_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (ext_event_id, ext_host, ext_table) DO NOTHING`

	result, err := tx.ExecContext(ctx, query,
		e.EventID, e.MissionID, e.ExtEventID, e.ExtHost, e.ExtTable,
		e.Category, e.Message, e.BeginAt, e.EndAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to create mission event: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return affected > 0, nil
}

// ListOpenEvents 列出尚未结束的事件（事件完成同步）
func (r *MissionEventRepository) ListOpenEvents(ctx context.Context) ([]*models.MissionEvent, error) {
	query := `SELECT ` + missionEventColumns + `
		FROM mission_events
		WHERE end_at IS NULL
		ORDER BY begin_at`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query open events: %w", err)
	}
	defer rows.Close()

	var events []*models.MissionEvent
	for rows.Next() {
		e, err := scanMissionEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan mission event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// ListEventsByMission 事务内列出任务的全部事件
// 自愈关闭前的复核必须与关闭同一事务，避免与摄取交错
func (r *MissionEventRepository) ListEventsByMission(ctx context.Context, tx *sql.Tx, missionID string) ([]*models.MissionEvent, error) {
	query := `SELECT ` + missionEventColumns + `
		FROM mission_events
		WHERE mission_id = $1
		ORDER BY begin_at`

	rows, err := tx.QueryContext(ctx, query, missionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query mission events: %w", err)
	}
	defer rows.Close()

	var events []*models.MissionEvent
	for rows.Next() {
		e, err := scanMissionEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan mission event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// SetEventEnd 回填事件结束时间（外部事件源确认已解决）
func (r *MissionEventRepository) SetEventEnd(ctx context.Context, eventID string, endAt time.Time) error {
	query := `UPDATE mission_events SET end_at = $2 WHERE event_id = $1 AND end_at IS NULL`

	if _, err := r.db.ExecContext(ctx, query, eventID, endAt); err != nil {
		return fmt.Errorf("failed to set event end: %w", err)
	}
	return nil
}

// ReassignEvents 换班复制：把事件挂到克隆出的新任务上
func (r *MissionEventRepository) ReassignEvents(ctx context.Context, tx *sql.Tx, fromMissionID, toMissionID string) error {
	query := `UPDATE mission_events SET mission_id = $2 WHERE mission_id = $1`

	if _, err := tx.ExecContext(ctx, query, fromMissionID, toMissionID); err != nil {
		return fmt.Errorf("failed to reassign mission events: %w", err)
	}
	return nil
}

// MaxWatermark 某事件源在库内的最大外部事件时间（Redis 水位缺失时的回退）
func (r *MissionEventRepository) MaxWatermark(ctx context.Context, host, table string) (time.Time, error) {
	query := `
		SELECT COALESCE(MAX(begin_at), 'epoch'::timestamptz)
		FROM mission_events
		WHERE ext_host = $1 AND ext_table = $2`

	var watermark time.Time
	if err := r.db.QueryRowContext(ctx, query, host, table).Scan(&watermark); err != nil {
		return time.Time{}, fmt.Errorf("failed to get event watermark: %w", err)
	}
	return watermark, nil
}
