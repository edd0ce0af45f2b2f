package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"foxlink-dispatch/internal/models"

	"go.uber.org/zap"
)

// ShiftRepository 班次仓库
type ShiftRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewShiftRepository 创建班次仓库
func NewShiftRepository(db *sql.DB, logger *zap.Logger) *ShiftRepository {
	return &ShiftRepository{
		db:     db,
		logger: logger,
	}
}

// ListShifts 列出全部班次
func (r *ShiftRepository) ListShifts(ctx context.Context) ([]*models.Shift, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT shift_id, name, start_minute, end_minute
		FROM shifts
		ORDER BY start_minute`)
	if err != nil {
		return nil, fmt.Errorf("failed to query shifts: %w", err)
	}
	defer rows.Close()

	var shifts []*models.Shift
	for rows.Next() {
		var s models.Shift
		if err := rows.Scan(&s.ShiftID, &s.Name, &s.StartMinute, &s.EndMinute); err != nil {
			return nil, fmt.Errorf("failed to scan shift: %w", err)
		}
		shifts = append(shifts, &s)
	}
	return shifts, rows.Err()
}

// CurrentShift 返回包含指定时刻的班次
func (r *ShiftRepository) CurrentShift(ctx context.Context, now time.Time) (*models.Shift, error) {
	shifts, err := r.ListShifts(ctx)
	if err != nil {
		return nil, err
	}
	for _, s := range shifts {
		if s.Contains(now) {
			return s, nil
		}
	}
	return nil, sql.ErrNoRows
}

// ShiftStart 返回当前班次窗口的起点时刻（本班计数窗口）
func ShiftStart(s *models.Shift, now time.Time) time.Time {
	start := time.Date(now.Year(), now.Month(), now.Day(), s.StartMinute/60, s.StartMinute%60, 0, 0, now.Location())
	if start.After(now) {
		// 跨午夜班次：窗口从昨天开始
		start = start.AddDate(0, 0, -1)
	}
	return start
}
